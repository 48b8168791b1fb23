// Package staticplugin implements ctrlgate's simplest authentication
// plugin: an allowlist of device keys read once from the DEVICE_KEYS
// environment variable, mirroring the codebase's existing csv-env parsing helpers.
package staticplugin

import (
	"context"
	"os"
	"strings"

	"github.com/ctrlgate/ctrlgate/internal/auth"
	"github.com/ctrlgate/ctrlgate/internal/logging"
)

// Name is the AUTHENTICATION_PLUGIN value that selects this backend.
const Name = "static"

func init() {
	auth.Register(Name, New)
}

type plugin struct {
	allowed map[string]struct{}
	logger  logging.Logger
}

// New constructs the static allowlist plugin. It does not read DEVICE_KEYS
// until Init is called, matching the "initialize once at startup" contract.
func New() (auth.Plugin, error) {
	return &plugin{}, nil
}

func (p *plugin) Init(ctx context.Context, logger logging.Logger) error {
	p.logger = logger.With(logging.Fields{"component": "auth_static"})

	allowed := make(map[string]struct{})
	for _, key := range parseCSV(os.Getenv("DEVICE_KEYS")) {
		allowed[key] = struct{}{}
	}
	p.allowed = allowed

	p.logger.Info("static device key allowlist loaded", logging.Fields{
		"count": len(allowed),
	})
	return nil
}

func (p *plugin) ValidateKey(ctx context.Context, deviceKey string) (bool, error) {
	_, ok := p.allowed[deviceKey]
	return ok, nil
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
