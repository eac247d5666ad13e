package main

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/ec2-instance-connect/managed-ssh-agent/internal/agentlog"
	"github.com/ec2-instance-connect/managed-ssh-agent/internal/attestedkeys"
	"github.com/ec2-instance-connect/managed-ssh-agent/internal/authorizer"
	"github.com/ec2-instance-connect/managed-ssh-agent/internal/certchain"
	"github.com/ec2-instance-connect/managed-ssh-agent/internal/cliexit"
	"github.com/ec2-instance-connect/managed-ssh-agent/internal/instanceguard"
	"github.com/ec2-instance-connect/managed-ssh-agent/internal/metadataclient"
	"github.com/ec2-instance-connect/managed-ssh-agent/internal/scratch"
)

const (
	defaultTrustStorePath = "/etc/ssh/managed-ssh-trust"
	defaultScratchBase    = "/dev/shm"
)

// Opts captures the AuthorizedKeysAgent invocation surface: the target
// local user (required) and an optional expected key fingerprint, plus
// the overridable paths the ambient flags expose for testing.
type Opts struct {
	User                string
	ExpectedFingerprint string

	MetadataAddr   string
	TrustStorePath string
	ScratchBase    string

	// HypervisorUUIDPath overrides instanceguard.Guard's hypervisor UUID
	// probe path; empty means the real path. Exposed only for tests.
	HypervisorUUIDPath string

	Stdout io.Writer
}

// Validate enforces the one hard requirement of the invocation surface:
// a target user must be named. Everything else the agent discovers is a
// clean no-op, never a Validate error.
func (o *Opts) Validate() error {
	if strings.TrimSpace(o.User) == "" {
		return cliexit.New(1, "missing required user argument")
	}
	return nil
}

// NewCommand builds the ssh-agent cobra command.
func NewCommand() *cobra.Command {
	opts := &Opts{Stdout: os.Stdout}

	cmd := &cobra.Command{
		Use:           "ssh-agent <user> [expected-fingerprint]",
		Short:         "Authorize ephemeral, operator-pushed SSH keys for a local user",
		Args:          cobra.RangeArgs(0, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) >= 1 {
				opts.User = args[0]
			}
			if len(args) == 2 {
				opts.ExpectedFingerprint = args[1]
			}
			if err := opts.Validate(); err != nil {
				return err
			}
			logger := newLogger()
			return opts.Run(cmd.Context(), logger)
		},
	}

	cmd.Flags().StringVar(&opts.MetadataAddr, "metadata-addr", "", "override the metadata service address (host or host:port)")
	cmd.Flags().StringVar(&opts.TrustStorePath, "trust-store", defaultTrustStorePath, "directory or bundle file of trusted signer CA certificates")
	cmd.Flags().StringVar(&opts.ScratchBase, "scratch-base", defaultScratchBase, "base directory for the per-invocation scratch area")

	return cmd
}

// Run executes the authorization pipeline described in spec.md §2: gate on
// instance identity, fetch the user's attested-key blob, validate the
// signer chain, parse records, and emit accepted keys. A nil return is
// exit 0 (either at least one key was accepted, or a clean no-op); any
// other error not wrapped in *cliexit.Error defaults to exit 255 in main.
func (o *Opts) Run(ctx context.Context, logger logr.Logger) error {
	client := metadataclient.New(o.MetadataAddr, metadataclient.DefaultTimeout)
	guard := instanceguard.Guard{Metadata: client, HypervisorUUIDPath: o.HypervisorUUIDPath}

	identity, err := guard.Resolve(ctx)
	if err == instanceguard.ErrNotAnInstance {
		logger.Info("invoked on a non-instance")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve instance identity: %w", err)
	}

	if _, err := user.Lookup(o.User); err != nil {
		logger.Info("target user does not exist locally", "user", o.User)
		return nil
	}

	scratchDir, err := scratch.New(o.ScratchBase)
	if err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	defer scratchDir.Close()

	activeKeysPath := "/meta-data/managed-ssh-keys/active-keys/" + o.User + "/"
	status, err := client.HeadStatus(ctx, activeKeysPath)
	if err != nil {
		return fmt.Errorf("check active keys for %s: %w", o.User, err)
	}
	if status == 404 {
		logger.Info("no active keys for user", "user", o.User)
		return nil
	}
	if status != 200 {
		return fmt.Errorf("unexpected status %d checking active keys for %s", status, o.User)
	}

	blob, ok, err := client.Fetch(ctx, activeKeysPath)
	if err != nil {
		return fmt.Errorf("fetch active keys for %s: %w", o.User, err)
	}
	if !ok {
		logger.Info("no active keys for user", "user", o.User)
		return nil
	}
	if err := scratchDir.WriteFile("active-keys", blob, 0o600); err != nil {
		return fmt.Errorf("stage active keys: %w", err)
	}

	signerPub, err := o.resolveSignerKey(ctx, client, scratchDir, identity, logger)
	if err != nil {
		return err
	}

	records := attestedkeys.ParseAll(blob)

	az := authorizer.Authorizer{
		LocalInstanceID: identity.InstanceID,
		SignerKey:       signerPub,
		WantFingerprint: o.ExpectedFingerprint,
		Log:             logger,
	}
	accepted, err := az.Authorize(records)
	if err != nil {
		return fmt.Errorf("authorize attested keys: %w", err)
	}
	if len(accepted) == 0 {
		return fmt.Errorf("no attested key record was accepted")
	}

	for _, a := range accepted {
		fmt.Fprintln(o.Stdout, a.KeyLine)
	}
	return nil
}

// trustStore resolves the LocalTrustStore shape spec.md §3/§4.3/§6 allows:
// a directory of CA PEM files, or a single concatenated bundle file with
// subject-line comments. A stat failure (e.g. the configured path does not
// exist) is left to surface as a read error from the chosen store's
// Certificates(), not decided here.
func (o *Opts) trustStore() certchain.TrustStore {
	if info, err := os.Stat(o.TrustStorePath); err == nil && !info.IsDir() {
		return certchain.BundleTrustStore{Path: o.TrustStorePath}
	}
	return certchain.DirTrustStore{Path: o.TrustStorePath}
}

// resolveSignerKey fetches the signer certificate chain and its OCSP
// staples and validates them against the local trust store, returning the
// leaf's RSA public key on success.
func (o *Opts) resolveSignerKey(ctx context.Context, client *metadataclient.Client, scratchDir *scratch.Dir, identity instanceguard.Identity, logger logr.Logger) (*rsa.PublicKey, error) {
	chainBlob, ok, err := client.Fetch(ctx, "/meta-data/managed-ssh-keys/signer-cert/")
	if err != nil {
		return nil, fmt.Errorf("fetch signer certificate chain: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("signer certificate chain is unexpectedly absent")
	}
	if err := scratchDir.WriteFile("signer-cert.pem", chainBlob, 0o600); err != nil {
		return nil, fmt.Errorf("stage signer certificate chain: %w", err)
	}

	chain, err := certchain.ParseChainPEM(chainBlob)
	if err != nil {
		return nil, fmt.Errorf("parse signer certificate chain: %w", err)
	}

	staples, err := o.fetchStaples(ctx, client, chain)
	if err != nil {
		return nil, fmt.Errorf("fetch OCSP staples: %w", err)
	}

	expectedCN := fmt.Sprintf("managed-ssh-signer.%s.%s", identity.Region, identity.Domain)
	verifier := certchain.Verifier{TrustStore: o.trustStore()}
	signerKey, err := verifier.Verify(chain, expectedCN, staples)
	if err != nil {
		logger.Info("no keys have been trusted")
		return nil, fmt.Errorf("signer chain validation failed: %w", err)
	}

	rsaKey, ok := signerKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signer public key is not RSA")
	}
	return rsaKey, nil
}

// fetchStaples retrieves the OCSP index and every response it names, in
// the chain-first order the metadata service lists them, and stitches
// them back onto the chain certificates they correspond to.
func (o *Opts) fetchStaples(ctx context.Context, client *metadataclient.Client, chain certchain.Chain) (certchain.StapleSet, error) {
	index, ok, err := client.Fetch(ctx, "/meta-data/managed-ssh-keys/signer-ocsp/")
	if err != nil {
		return nil, err
	}
	if !ok {
		return certchain.StapleSet{}, nil
	}

	var responses [][]byte
	for _, token := range strings.Split(strings.TrimSpace(string(index)), "\n") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		body, ok, err := client.Fetch(ctx, "/meta-data/managed-ssh-keys/signer-ocsp/"+token)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(body)))
		if err != nil {
			return nil, fmt.Errorf("decode OCSP response %s: %w", token, err)
		}
		responses = append(responses, der)
	}

	return certchain.BuildStapleSetFromOrderedResponses(chain, responses), nil
}

func newLogger() logr.Logger {
	return agentlog.New("ssh-agent")
}
