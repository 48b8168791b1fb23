// Package config loads ctrlgate's gateway and controller configuration from
// the environment, optionally seeded by a .env file. The OS environment
// always wins over .env; .env only fills in variables that are unset.
package config

import (
	"bufio"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
)

// GatewayConfig holds everything the gateway process needs at startup.
type GatewayConfig struct {
	Host              string // bind address for both HTTP and controller endpoints
	HTTPPort          string // HTTP listen port, e.g. "3000"
	WebSocketPort     string // controller-endpoint listen port, e.g. "8080"
	AuthPlugin        string // AUTHENTICATION_PLUGIN name
	LogLevel          string // trace/debug/info/warn/error/fatal/silent
	DeviceKeys        []string
	MySQLConnURL      string
	MySQLTable        string
	AdminAPIKey       string // bearer token for the device-key admin plane
	ACMEEnable        bool
	ACMEDomain        string
	ACMEEmail         string
	ACMEDirectoryURL  string
	ACMEHTTPChallenge string // bind address for the ACME HTTP-01 challenge listener
}

// ControllerConfig holds everything the reference controller agent needs.
type ControllerConfig struct {
	GatewayAddr string // "host:port" of the gateway's controller endpoint
	DeviceKey   string
	LocalTarget string // local HTTP service to forward requests to
	UseTLS      bool
	LogLevel    string
}

var (
	dotenvOnce sync.Once
	dotenvErr  error
)

// loadDotEnvOnce reads a .env file from the current directory exactly once,
// injecting KEY=VALUE pairs into the process environment. Lines starting
// with # are comments; an optional "export " prefix is stripped; values may
// be wrapped in matching quotes.
func loadDotEnvOnce() {
	dotenvOnce.Do(func() {
		fi, err := os.Stat(".env")
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return
			}
			dotenvErr = err
			return
		}
		if fi.IsDir() {
			return
		}

		f, err := os.Open(".env")
		if err != nil {
			dotenvErr = err
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if strings.HasPrefix(line, "export ") {
				line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)

			if key != "" {
				if _, exists := os.LookupEnv(key); !exists {
					_ = os.Setenv(key, val)
				}
			}
		}
		if err := scanner.Err(); err != nil {
			dotenvErr = err
		}
	})
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func parseCSVEnv(key string) []string {
	raw := os.Getenv(key)
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

// LoadGatewayConfigFromEnv loads a .env file once, then reads gateway
// settings with "environment > .env" precedence.
func LoadGatewayConfigFromEnv() (*GatewayConfig, error) {
	loadDotEnvOnce()
	if dotenvErr != nil {
		return nil, dotenvErr
	}

	cfg := &GatewayConfig{
		Host:              getEnvOrDefault("HOST", "0.0.0.0"),
		HTTPPort:          getEnvOrDefault("HTTP_PORT", "3000"),
		WebSocketPort:     getEnvOrDefault("WEBSOCKET_PORT", "8080"),
		AuthPlugin:        os.Getenv("AUTHENTICATION_PLUGIN"),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		DeviceKeys:        parseCSVEnv("DEVICE_KEYS"),
		MySQLConnURL:      os.Getenv("MYSQL_CONNECTION_URL"),
		MySQLTable:        os.Getenv("MYSQL_TABLE"),
		AdminAPIKey:       os.Getenv("ADMIN_API_KEY"),
		ACMEEnable:        getEnvBool("ACME_ENABLE", false),
		ACMEDomain:        os.Getenv("ACME_DOMAIN"),
		ACMEEmail:         os.Getenv("ACME_EMAIL"),
		ACMEDirectoryURL:  os.Getenv("ACME_DIRECTORY_URL"),
		ACMEHTTPChallenge: getEnvOrDefault("ACME_HTTP_CHALLENGE_LISTEN", ":80"),
	}
	return cfg, nil
}

// LoadControllerConfigFromEnv loads a .env file once, then reads the
// reference controller agent's settings with "environment > .env"
// precedence. CLI flags (see cmd/controller) take priority over both.
func LoadControllerConfigFromEnv() (*ControllerConfig, error) {
	loadDotEnvOnce()
	if dotenvErr != nil {
		return nil, dotenvErr
	}

	cfg := &ControllerConfig{
		GatewayAddr: os.Getenv("CTRLGATE_ADDR"),
		DeviceKey:   os.Getenv("CTRLGATE_DEVICE_KEY"),
		LocalTarget: os.Getenv("CTRLGATE_LOCAL_TARGET"),
		UseTLS:      getEnvBool("CTRLGATE_TLS", false),
		LogLevel:    getEnvOrDefault("LOG_LEVEL", "info"),
	}
	return cfg, nil
}

// NormalizePort turns a bare numeric port into a ":port" listen address,
// leaving anything already prefixed with ":" or containing a host alone.
func NormalizePort(p string, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return def
	}
	if strings.HasPrefix(p, ":") {
		return p
	}
	if _, err := strconv.Atoi(p); err == nil {
		return ":" + p
	}
	return p
}

// BindAddr combines a configured bind host with a port, via
// NormalizePort, into the listen address passed to net.Listen. host is
// typically GatewayConfig.Host; "0.0.0.0" and "" both mean "all
// interfaces" and are left as a bare ":port" address, matching what
// net.Listen("tcp", ":port") already does. Any other host (e.g. a
// loopback or a specific interface address) is joined with the port.
//
// If p already names a host:port pair (NormalizePort returns it
// unchanged in that case), host is ignored: a fully-specified port
// setting wins over the separate host setting rather than producing a
// contradictory address.
func BindAddr(host, p, def string) string {
	port := NormalizePort(p, def)
	if !strings.HasPrefix(port, ":") {
		return port
	}
	host = strings.TrimSpace(host)
	if host == "" || host == "0.0.0.0" {
		return port
	}
	return host + port
}
