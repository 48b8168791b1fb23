package config

import "testing"

func TestNormalizePortBareNumber(t *testing.T) {
	if got := NormalizePort("3000", ":9999"); got != ":3000" {
		t.Fatalf("got %q want %q", got, ":3000")
	}
}

func TestNormalizePortAlreadyPrefixed(t *testing.T) {
	if got := NormalizePort(":3000", ":9999"); got != ":3000" {
		t.Fatalf("got %q want %q", got, ":3000")
	}
}

func TestNormalizePortEmptyUsesDefault(t *testing.T) {
	if got := NormalizePort("", ":9999"); got != ":9999" {
		t.Fatalf("got %q want %q", got, ":9999")
	}
}

func TestNormalizePortHostPortLeftAlone(t *testing.T) {
	if got := NormalizePort("example.com:3000", ":9999"); got != "example.com:3000" {
		t.Fatalf("got %q want %q", got, "example.com:3000")
	}
}

func TestBindAddrJoinsHostAndPort(t *testing.T) {
	if got := BindAddr("127.0.0.1", "3000", ":9999"); got != "127.0.0.1:3000" {
		t.Fatalf("got %q want %q", got, "127.0.0.1:3000")
	}
}

func TestBindAddrAllInterfacesHostLeavesBarePort(t *testing.T) {
	if got := BindAddr("0.0.0.0", "3000", ":9999"); got != ":3000" {
		t.Fatalf("got %q want %q", got, ":3000")
	}
	if got := BindAddr("", "3000", ":9999"); got != ":3000" {
		t.Fatalf("got %q want %q", got, ":3000")
	}
}

func TestBindAddrFullyQualifiedPortIgnoresHost(t *testing.T) {
	if got := BindAddr("127.0.0.1", "example.com:3000", ":9999"); got != "example.com:3000" {
		t.Fatalf("got %q want %q", got, "example.com:3000")
	}
}

func TestLoadGatewayConfigFromEnvOSEnvWinsOverDefault(t *testing.T) {
	t.Setenv("HTTP_PORT", "4321")
	t.Setenv("AUTHENTICATION_PLUGIN", "static")

	cfg, err := LoadGatewayConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadGatewayConfigFromEnv: %v", err)
	}
	if cfg.HTTPPort != "4321" {
		t.Fatalf("HTTPPort: got %q want %q", cfg.HTTPPort, "4321")
	}
	if cfg.AuthPlugin != "static" {
		t.Fatalf("AuthPlugin: got %q want %q", cfg.AuthPlugin, "static")
	}
}

func TestParseCSVEnvTrimsAndDropsEmpty(t *testing.T) {
	t.Setenv("DEVICE_KEYS", " a , b ,, c")
	got := parseCSVEnv("DEVICE_KEYS")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
