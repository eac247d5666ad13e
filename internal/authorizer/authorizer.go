// Package authorizer applies the acceptance predicate to parsed
// attested-key records and produces the authorized_keys lines an
// AuthorizedKeysAgent invocation emits.
package authorizer

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/ec2-instance-connect/managed-ssh-agent/internal/attestedkeys"
	"github.com/ec2-instance-connect/managed-ssh-agent/internal/clock"
	"github.com/ec2-instance-connect/managed-ssh-agent/internal/sshkeys"
)

// pssSaltLength is fixed by the wire format: every attested-key signature
// is RSA-PSS over SHA-256 with a 32-byte salt.
const pssSaltLength = 32

// Accepted is one record that passed every check in the acceptance
// predicate, paired with its computed fingerprint.
type Accepted struct {
	KeyLine     string
	Fingerprint string
	Request     string
	Caller      string
}

// Authorizer evaluates attested-key records against the local instance
// identity and a verified signer public key.
type Authorizer struct {
	// LocalInstanceID is the instance-id the caller's Instance metadata
	// line must match.
	LocalInstanceID string

	// SignerKey is the public key recovered from the validated signer
	// certificate chain.
	SignerKey *rsa.PublicKey

	// WantFingerprint, if non-empty, restricts acceptance to records whose
	// key fingerprints matches it (a caller asking for one specific key).
	WantFingerprint string

	// Now returns the current time; production code leaves this nil and
	// gets clock.Real.
	Now clock.Source

	Log logr.Logger
}

func (a Authorizer) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return clock.Real()
}

// Authorize evaluates every record in order and returns the key lines of
// the records that passed the acceptance predicate, in input order. It
// never returns an error for a rejected record — rejections are silent
// per spec, logged at most at a diagnostic level by the caller — only a
// structural problem (no SignerKey) is an error.
func (a Authorizer) Authorize(records []attestedkeys.Record) ([]Accepted, error) {
	if a.SignerKey == nil {
		return nil, fmt.Errorf("authorizer: no signer public key configured")
	}

	var accepted []Accepted
	now := a.now()
	for _, rec := range records {
		acc, ok := a.evaluate(rec, now)
		if !ok {
			continue
		}
		accepted = append(accepted, acc)
		a.Log.Info("accepted attested key", "fingerprint", acc.Fingerprint, "request", acc.Request, "caller", acc.Caller)
	}
	return accepted, nil
}

// evaluate runs the full acceptance predicate — instance binding, expiry,
// and signature verification — before ever consulting WantFingerprint. Per
// spec.md §9's open question, the fingerprint filter governs emission, not
// processing: a requested-fingerprint mismatch must not short-circuit
// signature verification for records that would otherwise be valid.
func (a Authorizer) evaluate(rec attestedkeys.Record, now time.Time) (Accepted, bool) {
	if !rec.HasInstance || rec.Instance != a.LocalInstanceID {
		return Accepted{}, false
	}
	if !rec.HasTimestamp || rec.Timestamp <= now.Unix() {
		return Accepted{}, false
	}

	fingerprint, err := sshkeys.Fingerprint(rec.KeyLine)
	if err != nil {
		return Accepted{}, false
	}

	sig, err := rec.Signature()
	if err != nil {
		return Accepted{}, false
	}

	digest := sha256.Sum256(rec.SignedData())
	opts := &rsa.PSSOptions{SaltLength: pssSaltLength, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(a.SignerKey, crypto.SHA256, digest[:], sig, opts); err != nil {
		return Accepted{}, false
	}

	if a.WantFingerprint != "" && fingerprint != a.WantFingerprint {
		return Accepted{}, false
	}

	return Accepted{
		KeyLine:     rec.KeyLine,
		Fingerprint: fingerprint,
		Request:     rec.Request,
		Caller:      rec.Caller,
	}, true
}
