package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/getmockd/portmux/pkg/mtls"
)

// Options selects the server certificate. CertFile and KeyFile win over
// AutoGenerate. With AutoGenerate and both paths set, a generated
// certificate is written there for reuse by later runs.
type Options struct {
	CertFile     string
	KeyFile      string
	AutoGenerate bool
	Hosts        []string

	// ClientAuth is an mtls policy name; ClientCAFile verifies client
	// certificates under the verifying policies.
	ClientAuth   string
	ClientCAFile string
}

// BuildConfig builds the server tls.Config. It advertises h2 and
// http/1.1 so HTTP/2 clients negotiate prior-knowledge framing.
func BuildConfig(opts Options) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case opts.AutoGenerate:
		cert, err = autoCertificate(opts)
	case opts.CertFile != "" && opts.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	default:
		return nil, errors.New("tls: certFile and keyFile are required unless autoGenerate is set")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2", "http/1.1"},
	}
	if err := mtls.Configure(config, opts.ClientAuth, opts.ClientCAFile); err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	return config, nil
}

func autoCertificate(opts Options) (tls.Certificate, error) {
	cfg := DefaultCertificateConfig()
	if len(opts.Hosts) > 0 {
		cfg.Hosts = opts.Hosts
	}
	if opts.CertFile == "" || opts.KeyFile == "" {
		c, err := GenerateSelfSigned(cfg)
		if err != nil {
			return tls.Certificate{}, err
		}
		return c.TLS()
	}
	c, err := Ensure(cfg, opts.CertFile, opts.KeyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	return c.TLS()
}

// Ensure loads the certificate at certPath and keyPath, generating and
// saving one when either file is missing.
func Ensure(cfg *CertificateConfig, certPath, keyPath string) (*Certificate, error) {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr == nil && keyErr == nil {
		return Load(certPath, keyPath)
	}

	c, err := GenerateSelfSigned(cfg)
	if err != nil {
		return nil, err
	}
	if err := Save(c, certPath, keyPath); err != nil {
		return nil, err
	}
	return c, nil
}

// Save writes the certificate and key as PEM files. The key file is only
// readable by its owner.
func Save(c *Certificate, certPath, keyPath string) error {
	if c == nil {
		return errors.New("certificate cannot be nil")
	}
	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(certPath, c.CertPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}
	if err := os.WriteFile(keyPath, c.KeyPEM, 0o600); err != nil {
		_ = os.Remove(certPath)
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// Load reads a certificate and key from PEM files.
func Load(certPath, keyPath string) (*Certificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return ParseCertificate(certPEM, keyPEM)
}
