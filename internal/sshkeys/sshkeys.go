// Package sshkeys wraps golang.org/x/crypto/ssh for the narrow set of
// operations the agent needs: parsing an authorized-keys line, computing
// its fingerprint, and reading a directory of host public keys.
package sshkeys

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Fingerprint returns the standard SSH fingerprint (SHA256, base64, no
// padding, "SHA256:" prefix) of an authorized-keys line such as
// "ssh-ed25519 AAAA... comment".
func Fingerprint(authorizedKeyLine string) (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorizedKeyLine))
	if err != nil {
		return "", fmt.Errorf("parse ssh key: %w", err)
	}
	return ssh.FingerprintSHA256(pub), nil
}

// ReadHostPublicKeys reads every readable *.pub file under dir and returns
// their whitespace-normalized contents in lexicographic filename order.
// Whitespace normalization collapses interior runs of spaces/tabs to a
// single space and trims leading/trailing whitespace, matching the
// normalization the cloud service expects for each entry in the HostKeys
// array of a PutEC2HostKeys payload.
func ReadHostPublicKeys(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read host key directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pub") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	keys := make([]string, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			// A host key that disappears or becomes unreadable between
			// listing and reading is skipped, not fatal: the publisher
			// should still publish whatever keys it could read.
			continue
		}
		keys = append(keys, normalizeWhitespace(string(raw)))
	}
	return keys, nil
}

func normalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
