package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/ec2-instance-connect/managed-ssh-agent/internal/agentlog"
	"github.com/ec2-instance-connect/managed-ssh-agent/internal/instanceguard"
	"github.com/ec2-instance-connect/managed-ssh-agent/internal/metadataclient"
	"github.com/ec2-instance-connect/managed-ssh-agent/internal/sigv4"
	"github.com/ec2-instance-connect/managed-ssh-agent/internal/sshkeys"
)

const (
	defaultHostKeyDir = "/etc/ssh"
	publishTimeout    = 5 * time.Second

	putHostKeysTarget = "com.amazon.aws.sshaccessproxyservice.AWSEC2InstanceConnectService.PutEC2HostKeys"
)

// Opts captures the HostKeyPublisher invocation surface. It takes no
// positional arguments; every knob is an overridable flag for testing.
type Opts struct {
	MetadataAddr string
	HostKeyDir   string

	// HypervisorUUIDPath overrides instanceguard.Guard's hypervisor UUID
	// probe path; empty means the real path. Exposed only for tests.
	HypervisorUUIDPath string

	// PublishEndpoint overrides the regional publish endpoint
	// (scheme+host); empty derives it from the resolved region and
	// domain. Exposed only for tests.
	PublishEndpoint string
}

// Validate is a no-op: HostKeyPublisher has no required arguments.
func (o *Opts) Validate() error { return nil }

// NewCommand builds the host-key-publisher cobra command.
func NewCommand() *cobra.Command {
	opts := &Opts{}

	cmd := &cobra.Command{
		Use:           "host-key-publisher",
		Short:         "Publish this instance's SSH host public keys to the managed SSH key service",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			logger := agentlog.New("host-key-publisher")
			return opts.Run(cmd.Context(), logger)
		},
	}

	cmd.Flags().StringVar(&opts.MetadataAddr, "metadata-addr", "", "override the metadata service address (host or host:port)")
	cmd.Flags().StringVar(&opts.HostKeyDir, "host-key-dir", defaultHostKeyDir, "directory of local SSH host public keys")

	return cmd
}

type identityDocument struct {
	AccountID string `json:"accountId"`
}

type securityCredentials struct {
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	Token           string `json:"Token"`
}

type putHostKeysPayload struct {
	AccountID        string   `json:"AccountID"`
	AvailabilityZone string   `json:"AvailabilityZone"`
	HostKeys         []string `json:"HostKeys"`
	InstanceID       string   `json:"InstanceId"`
}

// Run executes the boot-time publish flow: gate on instance identity,
// read local host public keys, obtain instance-identity credentials from
// the metadata service, and POST a SigV4-signed payload to the regional
// endpoint. Every exit path zeroes the retrieved credentials.
func (o *Opts) Run(ctx context.Context, logger logr.Logger) error {
	client := metadataclient.New(o.MetadataAddr, metadataclient.DefaultTimeout)
	guard := instanceguard.Guard{Metadata: client, HypervisorUUIDPath: o.HypervisorUUIDPath}

	identity, err := guard.Resolve(ctx)
	if err == instanceguard.ErrNotAnInstance {
		return fmt.Errorf("host-key-publisher: invoked on a non-instance")
	}
	if err != nil {
		return fmt.Errorf("resolve instance identity: %w", err)
	}

	hostKeys, err := sshkeys.ReadHostPublicKeys(o.HostKeyDir)
	if err != nil {
		return fmt.Errorf("read host public keys: %w", err)
	}

	accountID, err := o.fetchAccountID(ctx, client)
	if err != nil {
		return err
	}

	creds, err := o.fetchCredentials(ctx, client)
	if err != nil {
		return err
	}
	defer creds.Zero()

	payload, err := json.Marshal(putHostKeysPayload{
		AccountID:        accountID,
		AvailabilityZone: identity.Zone,
		HostKeys:         hostKeys,
		InstanceID:       identity.InstanceID,
	})
	if err != nil {
		return fmt.Errorf("marshal publish payload: %w", err)
	}

	endpoint := o.PublishEndpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://ec2-instance-connect.%s.%s", identity.Region, identity.Domain)
	}
	signer := &sigv4.Signer{Region: identity.Region}
	req, err := signer.BuildRequest(ctx, endpoint, creds, payload)
	if err != nil {
		return fmt.Errorf("sign publish request: %w", err)
	}

	sum := sha256.Sum256(payload)
	req.Header.Set("Content-Encoding", "amz-1.0")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Amz-Content-Sha256", hex.EncodeToString(sum[:]))
	req.Header.Set("X-Amz-Target", putHostKeysTarget)

	httpClient := &http.Client{Timeout: publishTimeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("publish host keys: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("publish host keys: unexpected status %d", resp.StatusCode)
	}

	logger.Info("published host keys", "count", len(hostKeys))
	return nil
}

func (o *Opts) fetchAccountID(ctx context.Context, client *metadataclient.Client) (string, error) {
	body, ok, err := client.Fetch(ctx, "/dynamic/instance-identity/document")
	if err != nil {
		return "", fmt.Errorf("fetch instance-identity document: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("instance-identity document is unexpectedly absent")
	}
	var doc identityDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("parse instance-identity document: %w", err)
	}
	return doc.AccountID, nil
}

func (o *Opts) fetchCredentials(ctx context.Context, client *metadataclient.Client) (sigv4.Credentials, error) {
	body, ok, err := client.Fetch(ctx, "/meta-data/identity-credentials/ec2/security-credentials/ec2-instance/")
	if err != nil {
		return sigv4.Credentials{}, fmt.Errorf("fetch instance-identity credentials: %w", err)
	}
	if !ok {
		return sigv4.Credentials{}, fmt.Errorf("instance-identity credentials are unexpectedly absent")
	}
	var creds securityCredentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return sigv4.Credentials{}, fmt.Errorf("parse instance-identity credentials: %w", err)
	}
	return sigv4.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.Token,
	}, nil
}
