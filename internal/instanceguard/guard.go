// Package instanceguard decides whether the local host is a genuine cloud
// instance and resolves its identity, placement, and service domain.
package instanceguard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/ec2-instance-connect/managed-ssh-agent/internal/metadataclient"
)

// ErrNotAnInstance is returned when the host does not pass the instance
// gating checks. It is not itself an error condition for
// AuthorizedKeysAgent (a silent no-op) but is a hard failure for
// HostKeyPublisher — callers decide the exit code.
var ErrNotAnInstance = errors.New("instanceguard: host is not a recognized cloud instance")

var (
	instanceIDPattern = regexp.MustCompile(`^i-[0-9a-f]{8,32}$`)
	zonePattern       = regexp.MustCompile(`^([a-z]+-){2,3}[0-9][a-z]$`)
)

const (
	defaultHypervisorUUIDPath   = "/sys/hypervisor/uuid"
	defaultDMIBoardAssetTagPath = "/sys/class/dmi/id/board_asset_tag"
)

// Identity is the resolved instance identity.
type Identity struct {
	InstanceID string
	Zone       string
	Region     string
	Domain     string
}

// Guard performs the instance gating algorithm described in spec.md §4.2.
type Guard struct {
	Metadata *metadataclient.Client

	// HypervisorUUIDPath and DMIBoardAssetTagPath are overridable for
	// tests; production code leaves them empty and gets the real paths.
	HypervisorUUIDPath   string
	DMIBoardAssetTagPath string
}

func (g Guard) hypervisorUUIDPath() string {
	if g.HypervisorUUIDPath != "" {
		return g.HypervisorUUIDPath
	}
	return defaultHypervisorUUIDPath
}

func (g Guard) dmiBoardAssetTagPath() string {
	if g.DMIBoardAssetTagPath != "" {
		return g.DMIBoardAssetTagPath
	}
	return defaultDMIBoardAssetTagPath
}

// Resolve runs the instance gating algorithm. It returns ErrNotAnInstance
// (always bare, never wrapped) when gating fails, and a *metadataclient.Error (or a
// wrapping of one) when a metadata fetch that should have succeeded did
// not — the two are distinguished by the caller to pick the right exit
// code for each entry point.
func (g Guard) Resolve(ctx context.Context) (Identity, error) {
	instanceID, err := g.fetchInstanceID(ctx)
	if err != nil {
		return Identity{}, err
	}

	if !g.hypervisorChecksPass(instanceID) {
		return Identity{}, ErrNotAnInstance
	}

	zone, err := g.fetchZone(ctx)
	if err != nil {
		return Identity{}, err
	}

	domain, ok, err := g.Metadata.Fetch(ctx, "/meta-data/services/domain/")
	if err != nil {
		return Identity{}, fmt.Errorf("fetch service domain: %w", err)
	}
	if !ok {
		return Identity{}, ErrNotAnInstance
	}

	return Identity{
		InstanceID: instanceID,
		Zone:       zone,
		Region:     deriveRegion(zone),
		Domain:     strings.TrimSpace(string(domain)),
	}, nil
}

func (g Guard) fetchInstanceID(ctx context.Context) (string, error) {
	body, ok, err := g.Metadata.Fetch(ctx, "/meta-data/instance-id/")
	if err != nil {
		return "", fmt.Errorf("fetch instance-id: %w", err)
	}
	if !ok {
		return "", ErrNotAnInstance
	}
	id := strings.TrimSpace(string(body))
	if !instanceIDPattern.MatchString(id) {
		return "", ErrNotAnInstance
	}
	return id, nil
}

func (g Guard) fetchZone(ctx context.Context) (string, error) {
	body, ok, err := g.Metadata.Fetch(ctx, "/meta-data/placement/availability-zone/")
	if err != nil {
		return "", fmt.Errorf("fetch availability zone: %w", err)
	}
	if !ok {
		return "", ErrNotAnInstance
	}
	zone := strings.TrimSpace(string(body))
	if !zonePattern.MatchString(zone) {
		return "", ErrNotAnInstance
	}
	return zone, nil
}

// hypervisorChecksPass runs the priority-ordered hypervisor checks: the
// kernel-exposed hypervisor UUID first, the DMI board asset tag second.
func (g Guard) hypervisorChecksPass(instanceID string) bool {
	if data, err := os.ReadFile(g.hypervisorUUIDPath()); err == nil {
		return len(data) >= 3 && string(data[:3]) == "ec2"
	}
	if data, err := os.ReadFile(g.dmiBoardAssetTagPath()); err == nil {
		return strings.TrimSpace(string(data)) == instanceID
	}
	return false
}

// deriveRegion strips the trailing single lowercase letter from a zone
// that has already matched zonePattern, e.g. "us-east-1a" -> "us-east-1".
func deriveRegion(zone string) string {
	if len(zone) == 0 {
		return zone
	}
	return zone[:len(zone)-1]
}
