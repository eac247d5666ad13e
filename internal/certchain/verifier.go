// Package certchain validates the signer certificate chain the metadata
// service publishes: leaf CN match, strict X.509 path validation against a
// local trust store, and OCSP-staple revocation checking for every
// non-implicitly-trusted chain element.
package certchain

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/ocsp"
)

// Chain is a signer certificate chain in on-wire order: leaf first, the
// chain-provided root candidate last.
type Chain struct {
	Certs []*x509.Certificate
}

// ParseChainPEM splits a concatenated PEM blob into a Chain, preserving
// on-wire order.
func ParseChainPEM(blob []byte) (Chain, error) {
	var certs []*x509.Certificate
	rest := blob
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
			return Chain{}, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return Chain{}, fmt.Errorf("no certificates found in chain blob")
	}
	return Chain{Certs: certs}, nil
}

// StapleSet maps the lowercase hex SHA-1 fingerprint of a chain certificate
// to its DER-encoded OCSP response.
type StapleSet map[string][]byte

// BuildStapleSetFromOrderedResponses keys each response in responses by the
// fingerprint of the chain certificate at the same index. The metadata
// service's OCSP index lists one token per chain certificate, leaf first,
// in chain order; this stitches the two sequences back together. Extra
// responses beyond len(chain.Certs) are ignored, and a chain certificate
// with no corresponding response simply has no staple (handled as a
// missing staple by Verify).
func BuildStapleSetFromOrderedResponses(chain Chain, responses [][]byte) StapleSet {
	staples := make(StapleSet, len(responses))
	for i, der := range responses {
		if i >= len(chain.Certs) {
			break
		}
		staples[Fingerprint(chain.Certs[i])] = der
	}
	return staples
}

// Verifier validates a Chain against a TrustStore and its OCSP staples.
type Verifier struct {
	TrustStore TrustStore
}

// Verify implements spec.md §4.3: leaf CN match, strict path validation,
// then OCSP-staple validation walking from the leaf until a
// trust-store-resident certificate is reached (everything from there to the
// root is implicitly trusted). On success it returns the leaf's public key.
func (v Verifier) Verify(chain Chain, expectedLeafCN string, staples StapleSet) (crypto.PublicKey, error) {
	if len(chain.Certs) == 0 {
		return nil, fmt.Errorf("empty certificate chain")
	}
	leaf := chain.Certs[0]

	if leaf.Subject.CommonName != expectedLeafCN {
		return nil, fmt.Errorf("signer leaf CN %q does not match expected %q", leaf.Subject.CommonName, expectedLeafCN)
	}

	// Read the trust store once per invocation; validatePath and
	// validateOCSP both need the loaded set, and validateOCSP otherwise
	// consults it once per chain certificate.
	storeCerts, err := v.TrustStore.Certificates()
	if err != nil {
		return nil, fmt.Errorf("load trust store: %w", err)
	}

	if err := validatePath(chain, storeCerts); err != nil {
		return nil, fmt.Errorf("chain path validation failed: %w", err)
	}

	if err := validateOCSP(chain, staples, storeCerts); err != nil {
		return nil, err
	}

	return leaf.PublicKey, nil
}

func validatePath(chain Chain, storeCerts []*x509.Certificate) error {
	roots := x509.NewCertPool()
	for _, c := range storeCerts {
		roots.AddCert(c)
	}

	intermediates := x509.NewCertPool()
	for _, c := range chain.Certs[1:] {
		intermediates.AddCert(c)
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	_, err := chain.Certs[0].Verify(opts)
	return err
}

// validateOCSP walks the chain from the leaf. For each certificate already
// present in the trust store, every certificate from there to the root is
// implicitly trusted and checking stops. For every certificate before that
// point, a staple keyed by its SHA-1 fingerprint must be present, must
// verify against the *next* certificate in the chain (its issuer), and must
// report status Good. storeCerts is the trust store's certificate set,
// loaded once by the caller rather than re-read per chain certificate.
func validateOCSP(chain Chain, staples StapleSet, storeCerts []*x509.Certificate) error {
	for i, cert := range chain.Certs {
		if containsInSet(storeCerts, cert) {
			return nil
		}

		if i+1 >= len(chain.Certs) {
			return fmt.Errorf("no issuer in chain to validate OCSP for %q", cert.Subject.CommonName)
		}
		issuer := chain.Certs[i+1]

		der, ok := staples[Fingerprint(cert)]
		if !ok {
			return fmt.Errorf("no OCSP staple for %q", cert.Subject.CommonName)
		}

		resp, err := ocsp.ParseResponse(der, issuer)
		if err != nil {
			return fmt.Errorf("OCSP staple for %q failed to verify: %w", cert.Subject.CommonName, err)
		}
		if resp.Status != ocsp.Good {
			return fmt.Errorf("OCSP status for %q is not good (status=%d)", cert.Subject.CommonName, resp.Status)
		}
	}
	return nil
}
