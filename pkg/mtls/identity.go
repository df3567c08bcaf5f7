// Package mtls extracts client certificate identities from TLS connections
// and configures client certificate verification.
package mtls

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"time"

	"github.com/getmockd/portmux/pkg/conn"
)

// AttrIdentity is the connection attribute holding the *ClientIdentity of a
// TLS client that presented a certificate.
const AttrIdentity = "tls.clientIdentity"

// ClientIdentity describes the leaf certificate a client presented.
type ClientIdentity struct {
	CommonName         string          `json:"commonName"`
	Organization       []string        `json:"organization,omitempty"`
	OrganizationalUnit []string        `json:"organizationalUnit,omitempty"`
	SerialNumber       string          `json:"serialNumber"`
	Issuer             string          `json:"issuer"`
	NotAfter           string          `json:"notAfter"`
	SANs               SubjectAltNames `json:"sans,omitzero"`
	Fingerprint        string          `json:"fingerprint"`
	Verified           bool            `json:"verified"`
}

// SubjectAltNames are the subject alternative names of a certificate.
type SubjectAltNames struct {
	DNSNames       []string `json:"dnsNames,omitempty"`
	EmailAddresses []string `json:"emailAddresses,omitempty"`
	IPAddresses    []string `json:"ipAddresses,omitempty"`
	URIs           []string `json:"uris,omitempty"`
}

// ExtractIdentity builds the identity of cert. verified reports whether the
// chain was verified against the client CAs.
func ExtractIdentity(cert *x509.Certificate, verified bool) *ClientIdentity {
	if cert == nil {
		return nil
	}
	id := &ClientIdentity{
		CommonName:         cert.Subject.CommonName,
		Organization:       clone(cert.Subject.Organization),
		OrganizationalUnit: clone(cert.Subject.OrganizationalUnit),
		SerialNumber:       cert.SerialNumber.String(),
		Issuer:             cert.Issuer.CommonName,
		NotAfter:           cert.NotAfter.UTC().Format(time.RFC3339),
		SANs: SubjectAltNames{
			DNSNames:       clone(cert.DNSNames),
			EmailAddresses: clone(cert.EmailAddresses),
		},
		Fingerprint: Fingerprint(cert),
		Verified:    verified,
	}
	for _, ip := range cert.IPAddresses {
		id.SANs.IPAddresses = append(id.SANs.IPAddresses, ip.String())
	}
	for _, u := range cert.URIs {
		id.SANs.URIs = append(id.SANs.URIs, u.String())
	}
	return id
}

// FromState returns the identity of the peer of a completed handshake, or
// nil when the client sent no certificate.
func FromState(state tls.ConnectionState) *ClientIdentity {
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	return ExtractIdentity(state.PeerCertificates[0], len(state.VerifiedChains) > 0)
}

// FromAttributes returns the identity stored under AttrIdentity.
func FromAttributes(attrs *conn.Attributes) *ClientIdentity {
	v, _ := attrs.Get(AttrIdentity)
	id, _ := v.(*ClientIdentity)
	return id
}

// Fingerprint is the lowercase hex SHA-256 of the DER certificate.
func Fingerprint(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func clone(src []string) []string {
	if len(src) == 0 {
		return nil
	}
	return append([]string(nil), src...)
}
