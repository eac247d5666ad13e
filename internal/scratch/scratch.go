// Package scratch manages the per-invocation scratch directory: a
// freshly generated, owner-only-readable path on a memory-backed
// filesystem that is unconditionally erased on every exit path.
package scratch

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Dir is a scoped scratch directory. The zero value is not usable; create
// one with New.
type Dir struct {
	Path string
}

// New creates a fresh scratch directory under base (a memory-backed
// filesystem such as /dev/shm) with permission 0700. Callers must defer
// d.Close() on every exit path, including error returns and panics.
func New(base string) (*Dir, error) {
	path := filepath.Join(base, "managed-ssh-agent-"+uuid.NewString())
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, err
	}
	// MkdirAll respects umask; enforce the exact mode regardless of it.
	if err := os.Chmod(path, 0o700); err != nil {
		os.RemoveAll(path)
		return nil, err
	}
	return &Dir{Path: path}, nil
}

// WriteFile writes data to name (relative to the scratch dir) with the
// given file mode, which must be 0o400 or 0o600 per the scratch-directory
// permission policy.
func (d *Dir) WriteFile(name string, data []byte, mode os.FileMode) error {
	return os.WriteFile(filepath.Join(d.Path, name), data, mode)
}

// Close unconditionally erases the scratch directory. It is safe to call
// multiple times and safe to call on a nil *Dir.
func (d *Dir) Close() error {
	if d == nil || d.Path == "" {
		return nil
	}
	return os.RemoveAll(d.Path)
}
