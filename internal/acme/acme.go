// Package acme provides TLS certificates for the gateway's HTTP listener,
// either through a real ACME HTTP-01 flow (go-acme/lego) or, when ACME is
// disabled, a self-signed localhost certificate for development. The
// original Manager interface is kept unchanged; only the implementation
// behind NewDummyManager (an empty tls.Config with a TODO) is replaced
// with real certificate provisioning.
package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/ctrlgate/ctrlgate/internal/logging"
)

// Manager abstracts ACME-backed certificate management.
type Manager interface {
	// TLSConfig returns the tls.Config to inject into the HTTP server.
	TLSConfig() *tls.Config
}

// Config controls how a Manager is built.
type Config struct {
	Enable            bool   // if false, a self-signed manager is returned
	Domain            string // domain to request a certificate for
	Email             string // account email registered with the CA
	DirectoryURL      string // ACME directory URL, empty for Let's Encrypt production
	HTTPChallengeAddr string // bind address for the HTTP-01 challenge listener, e.g. ":80"
}

// NewManager builds a Manager per cfg. When cfg.Enable is false, or the
// ACME flow fails, it falls back to a self-signed certificate for
// "localhost" so the gateway can still serve HTTPS during development.
func NewManager(cfg Config, logger logging.Logger) (Manager, error) {
	if !cfg.Enable {
		return newSelfSignedManager()
	}

	m, err := newLegoManager(cfg, logger)
	if err != nil {
		logger.Warn("acme provisioning failed, falling back to self-signed certificate", logging.Fields{"error": err.Error()})
		return newSelfSignedManager()
	}
	return m, nil
}

// acmeUser implements lego's registration.User.
type acmeUser struct {
	email        string
	registration *registration.Resource
	key          *ecdsa.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey         { return u.key }

// legoManager obtains and periodically renews a certificate via ACME
// HTTP-01 challenges, serving the challenge on HTTPChallengeAddr.
type legoManager struct {
	logger logging.Logger

	mu   sync.RWMutex
	cert *tls.Certificate
}

func newLegoManager(cfg Config, logger logging.Logger) (*legoManager, error) {
	if cfg.Domain == "" {
		return nil, fmt.Errorf("acme: ACME_DOMAIN is required when ACME_ENABLE is set")
	}

	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("acme: generate account key: %w", err)
	}
	user := &acmeUser{email: cfg.Email, key: accountKey}

	legoCfg := lego.NewConfig(user)
	if cfg.DirectoryURL != "" {
		legoCfg.CADirURL = cfg.DirectoryURL
	}
	legoCfg.Certificate.KeyType = certcrypto.EC256

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("acme: new client: %w", err)
	}

	httpProvider := http01.NewProviderServer("", portOf(cfg.HTTPChallengeAddr))
	if err := client.Challenge.SetHTTP01Provider(httpProvider); err != nil {
		return nil, fmt.Errorf("acme: set http01 provider: %w", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("acme: register account: %w", err)
	}
	user.registration = reg

	m := &legoManager{logger: logger.With(logging.Fields{"component": "acme"})}
	if err := m.obtain(client, cfg.Domain); err != nil {
		return nil, err
	}

	go m.renewLoop(client, cfg.Domain)
	return m, nil
}

func (m *legoManager) obtain(client *lego.Client, domain string) error {
	res, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{domain},
		Bundle:  true,
	})
	if err != nil {
		return fmt.Errorf("acme: obtain certificate: %w", err)
	}

	cert, err := tls.X509KeyPair(res.Certificate, res.PrivateKey)
	if err != nil {
		return fmt.Errorf("acme: parse issued certificate: %w", err)
	}

	m.mu.Lock()
	m.cert = &cert
	m.mu.Unlock()
	m.logger.Info("acme certificate obtained", logging.Fields{"domain": domain})
	return nil
}

// renewLoop checks daily and re-obtains the certificate within 30 days of
// expiry. Any renewal failure is logged and retried on the next tick; the
// previously issued certificate keeps serving in the meantime.
func (m *legoManager) renewLoop(client *lego.Client, domain string) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.RLock()
		cert := m.cert
		m.mu.RUnlock()
		if cert == nil {
			continue
		}

		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil || time.Until(leaf.NotAfter) > 30*24*time.Hour {
			continue
		}

		if err := m.obtain(client, domain); err != nil {
			m.logger.Error("acme certificate renewal failed", logging.Fields{"error": err.Error()})
		}
	}
}

func (m *legoManager) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
			m.mu.RLock()
			defer m.mu.RUnlock()
			if m.cert == nil {
				return nil, fmt.Errorf("acme: no certificate available yet")
			}
			return m.cert, nil
		},
	}
}

func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return "80"
	}
	return port
}

// selfSignedManager wraps a fixed self-signed "localhost" certificate,
// used when ACME is disabled.
type selfSignedManager struct {
	tlsConfig *tls.Config
}

func newSelfSignedManager() (*selfSignedManager, error) {
	cfg, err := newSelfSignedLocalhostConfig()
	if err != nil {
		return nil, err
	}
	return &selfSignedManager{tlsConfig: cfg}, nil
}

func (s *selfSignedManager) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// newSelfSignedLocalhostConfig generates a one-year self-signed
// certificate for "localhost" / 127.0.0.1, adapted from the
// dtls package (which produced the same certificate for its DTLS
// listener).
func newSelfSignedLocalhostConfig() (*tls.Config, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}

	notBefore := time.Now().Add(-1 * time.Hour)
	notAfter := notBefore.Add(365 * 24 * time.Hour)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: "localhost",
		},
		NotBefore: notBefore,
		NotAfter:  notAfter,

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,

		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}

	tlsCert := tls.Certificate{
		Certificate: [][]byte{derBytes},
		PrivateKey:  priv,
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
