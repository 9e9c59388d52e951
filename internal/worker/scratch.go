package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// ErrScratchLocked means another executor already owns the scratch root
// under the same name.
var ErrScratchLocked = errors.New("scratch root is in use")

// Scratch hands out one fresh directory per task under a root that this
// process owns exclusively.
type Scratch struct {
	root string
	lock *flock.Flock
}

// OpenScratch creates root if needed and takes its lock for owner.
func OpenScratch(root, owner string) (*Scratch, error) {
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	lock := flock.New(filepath.Join(root, ".kelemesh-"+safeName(owner)+".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock scratch root: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s (%s)", ErrScratchLocked, root, owner)
	}
	return &Scratch{root: root, lock: lock}, nil
}

// Root returns the scratch root.
func (s *Scratch) Root() string { return s.root }

// Acquire creates kelemesh-<taskID>-* under the root. The returned func
// removes it.
func (s *Scratch) Acquire(taskID string) (string, func() error, error) {
	dir, err := os.MkdirTemp(s.root, "kelemesh-"+safeName(taskID)+"-*")
	if err != nil {
		return "", nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, func() error { return os.RemoveAll(dir) }, nil
}

// Close releases the root lock.
func (s *Scratch) Close() error {
	if s == nil || s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

// safeName keeps ids usable as path components.
func safeName(s string) string {
	if s == "" {
		return "anon"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
