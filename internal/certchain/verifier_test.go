package certchain_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/ec2-instance-connect/managed-ssh-agent/internal/certchain"
)

type testCA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

func generateCA(t *testing.T, cn string, parent *testCA) *testCA {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	parentCert, parentKey := tmpl, key
	if parent != nil {
		parentCert, parentKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parentCert, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatalf("create CA cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse CA cert: %v", err)
	}
	return &testCA{cert: cert, key: key}
}

func generateLeaf(t *testing.T, cn string, issuer *testCA) *testCA {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuer.cert, &key.PublicKey, issuer.key)
	if err != nil {
		t.Fatalf("create leaf cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse leaf cert: %v", err)
	}
	return &testCA{cert: cert, key: key}
}

func ocspResponse(t *testing.T, subject, issuer *testCA, status int) []byte {
	t.Helper()
	tmpl := ocsp.Response{
		Status:       status,
		SerialNumber: subject.cert.SerialNumber,
		ThisUpdate:   time.Now().Add(-time.Minute),
		NextUpdate:   time.Now().Add(time.Hour),
	}
	der, err := ocsp.CreateResponse(issuer.cert, issuer.cert, tmpl, issuer.key)
	if err != nil {
		t.Fatalf("create OCSP response: %v", err)
	}
	return der
}

func pemEncode(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func writeTrustStoreDir(t *testing.T, root *testCA) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "root.pem"), pemEncode(root.cert), 0o644); err != nil {
		t.Fatalf("write trust store file: %v", err)
	}
	return dir
}

const testCN = "managed-ssh-signer.us-east-1.amazonaws.com"

func buildHappyChain(t *testing.T) (certchain.Chain, certchain.StapleSet, certchain.TrustStore) {
	t.Helper()
	root := generateCA(t, "Example Root CA", nil)
	intermediate := generateCA(t, "Example Intermediate CA", root)
	leaf := generateLeaf(t, testCN, intermediate)

	chain := certchain.Chain{Certs: []*x509.Certificate{leaf.cert, intermediate.cert, root.cert}}
	staples := certchain.StapleSet{
		certchain.Fingerprint(leaf.cert):         ocspResponse(t, leaf, intermediate, ocsp.Good),
		certchain.Fingerprint(intermediate.cert): ocspResponse(t, intermediate, root, ocsp.Good),
	}
	store := certchain.DirTrustStore{Path: writeTrustStoreDir(t, root)}
	return chain, staples, store
}

func TestVerifyHappyPath(t *testing.T) {
	chain, staples, store := buildHappyChain(t)
	v := certchain.Verifier{TrustStore: store}

	pub, err := v.Verify(chain, testCN, staples)
	if err != nil {
		t.Fatalf("expected verification to succeed, got: %v", err)
	}
	if pub == nil {
		t.Fatalf("expected non-nil signer public key")
	}
}

func TestVerifyRejectsWrongLeafCN(t *testing.T) {
	chain, staples, store := buildHappyChain(t)
	v := certchain.Verifier{TrustStore: store}

	_, err := v.Verify(chain, "not-the-expected-cn", staples)
	if err == nil {
		t.Fatalf("expected CN mismatch to fail verification")
	}
}

func TestVerifyRejectsMissingStaple(t *testing.T) {
	chain, staples, store := buildHappyChain(t)
	delete(staples, certchain.Fingerprint(chain.Certs[0]))
	v := certchain.Verifier{TrustStore: store}

	_, err := v.Verify(chain, testCN, staples)
	if err == nil {
		t.Fatalf("expected missing OCSP staple to fail verification")
	}
}

func TestVerifyRejectsRevokedIntermediate(t *testing.T) {
	root := generateCA(t, "Example Root CA", nil)
	intermediate := generateCA(t, "Example Intermediate CA", root)
	leaf := generateLeaf(t, testCN, intermediate)

	chain := certchain.Chain{Certs: []*x509.Certificate{leaf.cert, intermediate.cert, root.cert}}
	staples := certchain.StapleSet{
		certchain.Fingerprint(leaf.cert):         ocspResponse(t, leaf, intermediate, ocsp.Good),
		certchain.Fingerprint(intermediate.cert): ocspResponse(t, intermediate, root, ocsp.Revoked),
	}
	store := certchain.DirTrustStore{Path: writeTrustStoreDir(t, root)}
	v := certchain.Verifier{TrustStore: store}

	_, err := v.Verify(chain, testCN, staples)
	if err == nil {
		t.Fatalf("expected revoked intermediate to fail verification")
	}
}

func TestVerifyRejectsUntrustedRoot(t *testing.T) {
	root := generateCA(t, "Example Root CA", nil)
	otherRoot := generateCA(t, "Some Other Root CA", nil)
	intermediate := generateCA(t, "Example Intermediate CA", root)
	leaf := generateLeaf(t, testCN, intermediate)

	chain := certchain.Chain{Certs: []*x509.Certificate{leaf.cert, intermediate.cert, root.cert}}
	staples := certchain.StapleSet{
		certchain.Fingerprint(leaf.cert):         ocspResponse(t, leaf, intermediate, ocsp.Good),
		certchain.Fingerprint(intermediate.cert): ocspResponse(t, intermediate, root, ocsp.Good),
	}
	// Trust store holds an unrelated root, not the one the chain builds to.
	store := certchain.DirTrustStore{Path: writeTrustStoreDir(t, otherRoot)}
	v := certchain.Verifier{TrustStore: store}

	_, err := v.Verify(chain, testCN, staples)
	if err == nil {
		t.Fatalf("expected chain to an untrusted root to fail verification")
	}
}

func TestParseChainPEMPreservesOrder(t *testing.T) {
	root := generateCA(t, "Example Root CA", nil)
	intermediate := generateCA(t, "Example Intermediate CA", root)
	leaf := generateLeaf(t, testCN, intermediate)

	var blob []byte
	blob = append(blob, pemEncode(leaf.cert)...)
	blob = append(blob, pemEncode(intermediate.cert)...)
	blob = append(blob, pemEncode(root.cert)...)

	chain, err := certchain.ParseChainPEM(blob)
	if err != nil {
		t.Fatalf("ParseChainPEM failed: %v", err)
	}
	if len(chain.Certs) != 3 {
		t.Fatalf("expected 3 certs, got %d", len(chain.Certs))
	}
	if chain.Certs[0].Subject.CommonName != testCN {
		t.Errorf("expected leaf first, got %q", chain.Certs[0].Subject.CommonName)
	}
	if chain.Certs[2].Subject.CommonName != "Example Root CA" {
		t.Errorf("expected root last, got %q", chain.Certs[2].Subject.CommonName)
	}
}
