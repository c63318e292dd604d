package qdef

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// ThumbprintSize is the byte length of a Thumbprint.
const ThumbprintSize = sha1.Size

// Thumbprint identifies a certificate by the SHA-1 hash of its DER encoding,
// the identity host certificate stores index by.
type Thumbprint [ThumbprintSize]byte

// ThumbprintOf returns the thumbprint of DER-encoded certificate bytes.
func ThumbprintOf(raw []byte) Thumbprint {
	return sha1.Sum(raw)
}

// String returns the upper-case hex form used by host stores.
func (t Thumbprint) String() string {
	return strings.ToUpper(hex.EncodeToString(t[:]))
}

// IsZero returns true if the thumbprint is unset.
func (t Thumbprint) IsZero() bool {
	return t == Thumbprint{}
}

// Thumbprint returns t, so a Thumbprint satisfies Thumbprinter.
func (t Thumbprint) Thumbprint() Thumbprint {
	return t
}

// ParseThumbprint parses a hex thumbprint. Spaces and colons are ignored.
func ParseThumbprint(s string) (Thumbprint, error) {
	var t Thumbprint
	clean := strings.NewReplacer(" ", "", ":", "").Replace(strings.TrimSpace(s))
	b, err := hex.DecodeString(clean)
	if err != nil {
		return t, Errorf(KindInvalidArgument, "parse thumbprint", "%q: %w", s, err)
	}
	if len(b) != ThumbprintSize {
		return t, Errorf(KindInvalidArgument, "parse thumbprint", "%q: must be %d bytes, got %d", s, ThumbprintSize, len(b))
	}
	copy(t[:], b)
	return t, nil
}

// Thumbprinter is anything with a certificate identity.
type Thumbprinter interface {
	Thumbprint() Thumbprint
}

// Certificate is the certificate object model handed to and returned from stores.
// Only identity and the private-key predicate are interpreted by qcert.
type Certificate struct {
	Raw        []byte            // DER encoding.
	Leaf       *x509.Certificate // Parsed form of Raw.
	PrivateKey crypto.PrivateKey // Optional.
}

// NewCertificate parses DER bytes into a Certificate. The bytes are copied.
func NewCertificate(der []byte) (*Certificate, error) {
	raw := bytes.Clone(der)
	leaf, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &Certificate{Raw: raw, Leaf: leaf}, nil
}

// ParseCertificatePEM parses the first CERTIFICATE block of certPEM. If
// keyPEM is not empty it must hold the matching private key.
func ParseCertificatePEM(certPEM, keyPEM []byte) (*Certificate, error) {
	if len(keyPEM) > 0 {
		pair, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		c, err := NewCertificate(pair.Certificate[0])
		if err != nil {
			return nil, err
		}
		c.PrivateKey = pair.PrivateKey
		return c, nil
	}
	rest := certPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, ErrDecodeCert
		}
		if block.Type == "CERTIFICATE" {
			return NewCertificate(block.Bytes)
		}
	}
}

// ParseBundlePEM returns every certificate in a PEM bundle in file order,
// skipping blocks that are not certificates or do not parse.
func ParseBundlePEM(data []byte) []*Certificate {
	var out []*Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return out
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := NewCertificate(block.Bytes)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
}

// Thumbprint returns the certificate identity.
func (c *Certificate) Thumbprint() Thumbprint {
	return ThumbprintOf(c.Raw)
}

// HasPrivateKey reports whether a private key accompanies the certificate.
func (c *Certificate) HasPrivateKey() bool {
	return c.PrivateKey != nil
}

// PEM returns the PEM encoding of the certificate.
func (c *Certificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
}

// SelfSigned reports whether the subject and issuer match and the signature
// verifies against the certificate's own key.
func (c *Certificate) SelfSigned() bool {
	if c.Leaf == nil || !bytes.Equal(c.Leaf.RawSubject, c.Leaf.RawIssuer) {
		return false
	}
	return c.Leaf.CheckSignatureFrom(c.Leaf) == nil
}

// MarshalKey encodes a private key as PKCS#8 DER.
func MarshalKey(key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return der, nil
}

// ParseKey decodes a PKCS#8 DER private key.
func ParseKey(der []byte) (crypto.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// EncodeKeyPEM returns the PKCS#8 PEM encoding of a private key.
func EncodeKeyPEM(key crypto.PrivateKey) ([]byte, error) {
	der, err := MarshalKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// CreateCA creates a new self-signed Certificate Authority.
func CreateCA(commonName string) (*Certificate, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          randomSerial(),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, err
	}
	c, err := NewCertificate(der)
	if err != nil {
		return nil, err
	}
	c.PrivateKey = caKey
	return c, nil
}

// CreateCert creates a leaf certificate for hostname signed by ca.
// The hostname goes into the Subject Alternative Name for modern TLS validation.
func CreateCert(ca *Certificate, hostname string, isServer bool) (*Certificate, error) {
	caKey, ok := ca.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, ErrNoPrivateKey
	}
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	} else {
		template.DNSNames = []string{hostname}
	}
	if isServer {
		template.ExtKeyUsage = append(template.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Leaf, &privKey.PublicKey, caKey)
	if err != nil {
		return nil, err
	}
	c, err := NewCertificate(der)
	if err != nil {
		return nil, err
	}
	c.PrivateKey = privKey
	return c, nil
}

// TLSCertificate returns c and its key as a tls.Certificate.
func (c *Certificate) TLSCertificate() (tls.Certificate, error) {
	if c.PrivateKey == nil {
		return tls.Certificate{}, ErrNoPrivateKey
	}
	return tls.Certificate{
		Certificate: [][]byte{c.Raw},
		PrivateKey:  c.PrivateKey,
		Leaf:        c.Leaf,
	}, nil
}

func randomSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 127)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return n
}
