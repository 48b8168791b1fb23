// Package auth defines the authentication-plugin contract that gates
// controller admission and a compile-time registry of named plugin
// constructors, mirroring an approach of keying a concrete backend off a
// single configuration name.
package auth

import (
	"context"
	"fmt"

	"github.com/ctrlgate/ctrlgate/internal/logging"
)

// Plugin is the capability every authentication backend implements: an
// initialization step run once at startup, and a per-admission key check
// that must be safe to call concurrently from different controller
// sessions.
type Plugin interface {
	// Init is called once at process startup. Any failure is fatal — the
	// gateway must not start with a plugin that failed to initialize.
	Init(ctx context.Context, logger logging.Logger) error

	// ValidateKey reports whether deviceKey is allowed to admit a
	// controller. An error is treated identically to a false result by
	// callers (admission refused) but is logged.
	ValidateKey(ctx context.Context, deviceKey string) (bool, error)
}

// Factory constructs a Plugin from environment-driven configuration. Each
// concrete backend registers a Factory under a fixed name at package
// init-time (compile-time registration, not filename-based discovery).
type Factory func() (Plugin, error)

var registry = map[string]Factory{}

// Register adds a named plugin factory to the registry. It is called from
// each backend package's init function and panics on a duplicate name,
// since that indicates a programming error, not a runtime condition.
func Register(name string, factory Factory) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("auth: plugin %q already registered", name))
	}
	registry[name] = factory
}

// New constructs the plugin registered under name. An unknown name is
// fatal to the gateway, so the caller is expected
// to treat a non-nil error here as a startup failure.
func New(name string) (Plugin, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("auth: unknown authentication plugin %q", name)
	}
	return factory()
}
