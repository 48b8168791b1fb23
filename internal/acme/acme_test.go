package acme

import (
	"testing"

	"github.com/ctrlgate/ctrlgate/internal/logging"
)

func TestNewManagerDisabledReturnsSelfSigned(t *testing.T) {
	m, err := NewManager(Config{Enable: false}, logging.NewStdJSONLogger("test", logging.SilentLevel))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	cfg := m.TLSConfig()
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected exactly one certificate, got %d", len(cfg.Certificates))
	}
}

func TestNewManagerEnabledWithoutDomainFallsBackToSelfSigned(t *testing.T) {
	m, err := NewManager(Config{Enable: true, Email: "ops@example.com"}, logging.NewStdJSONLogger("test", logging.SilentLevel))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	cfg := m.TLSConfig()
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected fallback self-signed certificate, got %d certs", len(cfg.Certificates))
	}
}
