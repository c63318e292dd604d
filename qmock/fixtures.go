package qmock

import (
	"crypto/tls"
	"crypto/x509"
	"testing"

	"github.com/kardianos/qcert/qdef"
)

// InMemoryCA issues certificates for tests.
type InMemoryCA struct {
	Cert *qdef.Certificate
}

// NewInMemoryCA creates a CA or fails the test.
func NewInMemoryCA(t testing.TB, name string) *InMemoryCA {
	t.Helper()
	ca, err := qdef.CreateCA(name)
	if err != nil {
		t.Fatalf("CreateCA: %v", err)
	}
	return &InMemoryCA{Cert: ca}
}

// Issue returns a leaf for host. The private key is kept only when withKey is set.
func (ca *InMemoryCA) Issue(t testing.TB, host string, withKey bool) *qdef.Certificate {
	t.Helper()
	c, err := qdef.CreateCert(ca.Cert, host, false)
	if err != nil {
		t.Fatalf("CreateCert: %v", err)
	}
	if !withKey {
		c.PrivateKey = nil
	}
	return c
}

// ServerCertificate returns a TLS server certificate for host.
func (ca *InMemoryCA) ServerCertificate(t testing.TB, host string) tls.Certificate {
	t.Helper()
	c, err := qdef.CreateCert(ca.Cert, host, true)
	if err != nil {
		t.Fatalf("CreateCert: %v", err)
	}
	tc, err := c.TLSCertificate()
	if err != nil {
		t.Fatalf("TLSCertificate: %v", err)
	}
	return tc
}

// ClientCertificate returns a TLS client certificate for name.
func (ca *InMemoryCA) ClientCertificate(t testing.TB, name string) tls.Certificate {
	t.Helper()
	c, err := qdef.CreateCert(ca.Cert, name, false)
	if err != nil {
		t.Fatalf("CreateCert: %v", err)
	}
	tc, err := c.TLSCertificate()
	if err != nil {
		t.Fatalf("TLSCertificate: %v", err)
	}
	return tc
}

// Pool returns a pool holding only the CA certificate.
func (ca *InMemoryCA) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert.Leaf)
	return pool
}

// GenerateCertificate returns a fresh self-signed certificate, with its
// private key when withKey is set.
func GenerateCertificate(t testing.TB, name string, withKey bool) *qdef.Certificate {
	t.Helper()
	c, err := qdef.CreateCA(name)
	if err != nil {
		t.Fatalf("CreateCA: %v", err)
	}
	if !withKey {
		c.PrivateKey = nil
	}
	return c
}
