// Package sigv4 signs the HostKeyPublisher's PutEC2HostKeys request with a
// narrow AWS SigV4 canonical request: only the host, x-amz-date, and
// x-amz-security-token headers are ever part of the signature.
package sigv4

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/ec2-instance-connect/managed-ssh-agent/internal/clock"
)

// Service is the signing name PutEC2HostKeys is signed under.
const Service = "ec2-instance-connect"

// Credentials mirrors the temporary security credentials the metadata
// service's security-credentials role document carries; it is zeroed by
// the caller on every exit path per spec.md §8.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Zero overwrites every field so the credential material does not linger
// in memory after use.
func (c *Credentials) Zero() {
	c.AccessKeyID = ""
	c.SecretAccessKey = ""
	c.SessionToken = ""
}

func (c Credentials) awsCredentials() aws.Credentials {
	p := credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken)
	v, _ := p.Retrieve(context.Background())
	return v
}

// Signer signs PutEC2HostKeys requests for one region.
type Signer struct {
	Region string

	// Now returns the signing time; production code leaves this nil and
	// gets clock.Real.
	Now clock.Source

	signer *v4.Signer
}

func (s *Signer) v4signer() *v4.Signer {
	if s.signer == nil {
		s.signer = v4.NewSigner()
	}
	return s.signer
}

func (s *Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return clock.Real()
}

// BuildRequest constructs and signs a PutEC2HostKeys POST request against
// the given endpoint (scheme+host, e.g.
// "https://ec2-instance-connect.us-east-1.amazonaws.com") with payload as
// its body. The request carries exactly three signed headers — host,
// x-amz-date, x-amz-security-token — by virtue of being signed before any
// other header is attached and with its ContentLength hidden from the
// signer (which otherwise signs content-length too). The caller adds every remaining transmitted
// header (Content-Type, Content-Encoding, x-amz-target,
// x-amz-content-sha256) afterward; none of them are part of the signature.
func (s *Signer) BuildRequest(ctx context.Context, endpoint string, creds Credentials, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/PutEC2HostKeys/", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("sigv4: build request: %w", err)
	}

	sum := sha256.Sum256(payload)
	payloadHash := hex.EncodeToString(sum[:])

	// The SDK signer adds content-length to the signed headers whenever
	// ContentLength is positive; zero it while signing and restore it so the
	// body is still sent with its length.
	contentLength := req.ContentLength
	req.ContentLength = 0
	err = s.v4signer().SignHTTP(ctx, creds.awsCredentials(), req, payloadHash, Service, s.Region, s.now())
	req.ContentLength = contentLength
	if err != nil {
		return nil, fmt.Errorf("sigv4: sign request: %w", err)
	}

	return req, nil
}
