package mtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/portmux/pkg/conn"
)

func issue(t *testing.T) (client, ca *x509.Certificate) {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err = x509.ParseCertificate(der)
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	spiffe, _ := url.Parse("spiffe://example.org/device")
	template := &x509.Certificate{
		SerialNumber: big.NewInt(12345),
		Subject: pkix.Name{
			CommonName:   "device-7",
			Organization: []string{"Sensors"},
		},
		NotBefore:      time.Now().Add(-time.Hour),
		NotAfter:       time.Now().Add(24 * time.Hour),
		DNSNames:       []string{"device-7.local"},
		EmailAddresses: []string{"ops@example.com"},
		IPAddresses:    []net.IP{net.ParseIP("127.0.0.1")},
		URIs:           []*url.URL{spiffe},
		ExtKeyUsage:    []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err = x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
	require.NoError(t, err)
	client, err = x509.ParseCertificate(der)
	require.NoError(t, err)
	return client, ca
}

func TestExtractIdentity(t *testing.T) {
	cert, _ := issue(t)

	id := ExtractIdentity(cert, true)
	require.NotNil(t, id)
	assert.Equal(t, "device-7", id.CommonName)
	assert.Equal(t, []string{"Sensors"}, id.Organization)
	assert.Equal(t, "12345", id.SerialNumber)
	assert.Equal(t, "Test CA", id.Issuer)
	assert.Equal(t, []string{"device-7.local"}, id.SANs.DNSNames)
	assert.Equal(t, []string{"ops@example.com"}, id.SANs.EmailAddresses)
	assert.Equal(t, []string{"127.0.0.1"}, id.SANs.IPAddresses)
	assert.Equal(t, []string{"spiffe://example.org/device"}, id.SANs.URIs)
	assert.Len(t, id.Fingerprint, 64)
	assert.True(t, id.Verified)

	assert.Nil(t, ExtractIdentity(nil, false))
	assert.Empty(t, Fingerprint(nil))
}

func TestFromState(t *testing.T) {
	cert, ca := issue(t)

	assert.Nil(t, FromState(tls.ConnectionState{}))

	id := FromState(tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}})
	require.NotNil(t, id)
	assert.False(t, id.Verified)

	id = FromState(tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{cert},
		VerifiedChains:   [][]*x509.Certificate{{cert, ca}},
	})
	assert.True(t, id.Verified)
}

func TestFromAttributes(t *testing.T) {
	cert, _ := issue(t)
	c := conn.New(nil)
	assert.Nil(t, FromAttributes(c.Attributes()))

	c.Attributes().Set(AttrIdentity, ExtractIdentity(cert, false))
	assert.Equal(t, "device-7", FromAttributes(c.Attributes()).CommonName)
}

func TestParseClientAuth(t *testing.T) {
	for in, want := range map[string]tls.ClientAuthType{
		"":                   tls.NoClientCert,
		"none":               tls.NoClientCert,
		"request":            tls.RequestClientCert,
		"require":            tls.RequireAnyClientCert,
		"Verify-If-Given":    tls.VerifyClientCertIfGiven,
		"require-and-verify": tls.RequireAndVerifyClientCert,
	} {
		got, err := ParseClientAuth(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseClientAuth("always")
	assert.ErrorIs(t, err, ErrUnknownClientAuth)
}

func TestConfigure(t *testing.T) {
	_, ca := issue(t)
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Raw}), 0o600))

	var config tls.Config
	require.NoError(t, Configure(&config, "require-and-verify", caFile))
	assert.Equal(t, tls.RequireAndVerifyClientCert, config.ClientAuth)
	assert.NotNil(t, config.ClientCAs)

	assert.Error(t, Configure(&tls.Config{}, "verify-if-given", ""))
	require.NoError(t, Configure(&tls.Config{}, "request", ""))

	empty := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("nothing"), 0o600))
	assert.Error(t, Configure(&tls.Config{}, "require", empty))
}
