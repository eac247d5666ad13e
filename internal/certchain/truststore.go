package certchain

import (
	"bytes"
	"crypto"
	"crypto/sha1" //nolint:gosec // SHA-1 fingerprinting is the wire format the OCSP staples are keyed by.
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// TrustStore resolves the locally trusted CA certificates. It is a
// read-only external input: either a directory of CA PEM files or a single
// concatenated bundle file with subject-line comments.
type TrustStore interface {
	// Certificates returns every CA certificate held by the store.
	Certificates() ([]*x509.Certificate, error)
}

// DirTrustStore is a directory holding one PEM-encoded CA certificate per
// file.
type DirTrustStore struct {
	Path string
}

func (d DirTrustStore) Certificates() ([]*x509.Certificate, error) {
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, fmt.Errorf("read trust store directory %s: %w", d.Path, err)
	}

	var certs []*x509.Certificate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(d.Path, e.Name()))
		if err != nil {
			continue
		}
		for _, c := range parsePEMCertificates(raw) {
			certs = append(certs, c)
		}
	}
	return certs, nil
}

// BundleTrustStore is a single file holding multiple PEM certificates,
// each preceded by a human-readable comment line naming its subject.
type BundleTrustStore struct {
	Path string
}

func (b BundleTrustStore) Certificates() ([]*x509.Certificate, error) {
	raw, err := os.ReadFile(b.Path)
	if err != nil {
		return nil, fmt.Errorf("read trust store bundle %s: %w", b.Path, err)
	}
	return parsePEMCertificates(raw), nil
}

func parsePEMCertificates(raw []byte) []*x509.Certificate {
	var certs []*x509.Certificate
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		certs = append(certs, cert)
	}
	return certs
}

// Contains reports whether store already holds cert, per the trust-store
// intersection rule: tuple equality of (subject-hash, SHA-1 fingerprint,
// public key). It reads store.Certificates() fresh on every call; callers
// checking more than one certificate against the same store (Verifier does,
// once per chain certificate) should load the store once with
// store.Certificates() and use containsInSet instead.
func Contains(store TrustStore, cert *x509.Certificate) (bool, error) {
	certs, err := store.Certificates()
	if err != nil {
		return false, err
	}
	return containsInSet(certs, cert), nil
}

// containsInSet is Contains against an already-loaded certificate set.
func containsInSet(certs []*x509.Certificate, cert *x509.Certificate) bool {
	for _, t := range certs {
		if sameCertificate(cert, t) {
			return true
		}
	}
	return false
}

func sameCertificate(a, b *x509.Certificate) bool {
	if !bytes.Equal(subjectHash(a), subjectHash(b)) {
		return false
	}
	if Fingerprint(a) != Fingerprint(b) {
		return false
	}
	ka, ok := a.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return bytes.Equal(a.RawSubjectPublicKeyInfo, b.RawSubjectPublicKeyInfo)
	}
	return ka.Equal(b.PublicKey)
}

func subjectHash(c *x509.Certificate) []byte {
	sum := sha1.Sum(c.RawSubject) //nolint:gosec
	return sum[:]
}

// Fingerprint returns the lowercase hex SHA-1 fingerprint of cert, the key
// OCSPStapleSet is addressed by.
func Fingerprint(c *x509.Certificate) string {
	sum := sha1.Sum(c.Raw) //nolint:gosec
	return fmt.Sprintf("%x", sum)
}
