package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ClientAuth policy names accepted by ParseClientAuth.
const (
	ClientAuthNone             = "none"
	ClientAuthRequest          = "request"
	ClientAuthRequire          = "require"
	ClientAuthVerifyIfGiven    = "verify-if-given"
	ClientAuthRequireAndVerify = "require-and-verify"
)

// ErrUnknownClientAuth is returned for an unrecognised policy name.
var ErrUnknownClientAuth = errors.New("unknown client auth policy")

// ParseClientAuth maps a policy name to a tls.ClientAuthType. The empty
// string means none.
func ParseClientAuth(s string) (tls.ClientAuthType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", ClientAuthNone:
		return tls.NoClientCert, nil
	case ClientAuthRequest:
		return tls.RequestClientCert, nil
	case ClientAuthRequire:
		return tls.RequireAnyClientCert, nil
	case ClientAuthVerifyIfGiven:
		return tls.VerifyClientCertIfGiven, nil
	case ClientAuthRequireAndVerify:
		return tls.RequireAndVerifyClientCert, nil
	}
	return tls.NoClientCert, fmt.Errorf("%w: %q", ErrUnknownClientAuth, s)
}

// Verifies reports whether the policy checks certificates against client CAs.
func Verifies(t tls.ClientAuthType) bool {
	return t == tls.VerifyClientCertIfGiven || t == tls.RequireAndVerifyClientCert
}

// LoadClientCAs reads a PEM bundle of client CAs.
func LoadClientCAs(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// Configure applies a client certificate policy to config.
func Configure(config *tls.Config, policy, caFile string) error {
	auth, err := ParseClientAuth(policy)
	if err != nil {
		return err
	}
	config.ClientAuth = auth
	if caFile != "" {
		pool, err := LoadClientCAs(caFile)
		if err != nil {
			return err
		}
		config.ClientCAs = pool
	} else if Verifies(auth) {
		return errors.New("clientCAFile is required to verify client certificates")
	}
	return nil
}
