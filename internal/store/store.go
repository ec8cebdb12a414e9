// Package store implements the CID store (spec.md §4.1): a content-addressed
// blob store backed by a filesystem mirror, where every file's basename
// equals the CID of its contents.
//
// Grounded on internal/store/store.go's FSStore: the same
// sanitize-then-join filesystem discipline and the same mutex-guarded
// read-modify-write pattern, generalized from JSON-LD objects to arbitrary
// content-addressed bytes.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/stackdump/cidweave/internal/cid"
)

// ErrNotFound is returned by Get when a hashed CID has no backing blob.
var ErrNotFound = errors.New("store: cid not found")

// ConsistencyError reports a fatal mismatch between a CID and the bytes
// on disk or already held for it. Per spec.md §4.1/§7, these errors are
// never silently patched; callers are expected to terminate the process.
type ConsistencyError struct {
	CID    string
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("store: consistency error for %s: %s", e.CID, e.Reason)
}

// FSStore is a filesystem-backed, content-addressed blob store. Every
// hashed CID is mirrored as a file named exactly its CID under base/.
// Literal CIDs never need a file since their bytes are recoverable from
// the CID string alone.
type FSStore struct {
	base string

	mu    sync.RWMutex
	known map[string]struct{} // hashed cids confirmed on disk, plus literal cids passed to Put
}

// NewFSStore creates a store rooted at base (conventionally "cids/").
func NewFSStore(base string) *FSStore {
	return &FSStore{base: base, known: make(map[string]struct{})}
}

func (s *FSStore) path(c string) string {
	return filepath.Join(s.base, c)
}

// Put computes the CID of content, verifies or writes the backing blob, and
// returns the CID. Calling Put with the same bytes any number of times
// produces at most one row (spec.md §4.1 "Deduplication guarantee").
func (s *FSStore) Put(content []byte) (string, error) {
	c := cid.Generate(content)
	parsed, err := cid.Parse(c)
	if err != nil {
		// Generate always produces a valid CID; this would indicate a bug.
		return "", fmt.Errorf("store: generated an invalid cid: %w", err)
	}
	if !parsed.IsHashed() {
		// Literal CID: content is recoverable from the CID itself, nothing
		// to persist. Still record it as known so Exists/Paths agree.
		s.mu.Lock()
		s.known[c] = struct{}{}
		s.mu.Unlock()
		return c, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(c)
	if existing, err := os.ReadFile(path); err == nil {
		if !bytes.Equal(existing, content) {
			return "", &ConsistencyError{CID: c, Reason: "existing blob on disk has different bytes than the write being attempted"}
		}
		s.known[c] = struct{}{}
		return c, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	if err := os.MkdirAll(s.base, 0o755); err != nil {
		return "", fmt.Errorf("store: create %s: %w", s.base, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("store: rename %s -> %s: %w", tmp, path, err)
	}
	s.known[c] = struct{}{}
	return c, nil
}

// Get returns the bytes for a CID. Literal CIDs decode in place; hashed
// CIDs are read from the filesystem mirror.
func (s *FSStore) Get(c string) ([]byte, error) {
	parsed, err := cid.Parse(c)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if !parsed.IsHashed() {
		return parsed.Literal, nil
	}

	data, err := os.ReadFile(s.path(c))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Exists reports whether bytes for c can be produced, either by decoding a
// literal CID or by reading a hashed CID's mirrored file.
func (s *FSStore) Exists(c string) bool {
	parsed, err := cid.Parse(c)
	if err != nil {
		return false
	}
	if !parsed.IsHashed() {
		return true
	}

	s.mu.RLock()
	_, known := s.known[c]
	s.mu.RUnlock()
	if known {
		return true
	}
	if _, err := os.Stat(s.path(c)); err == nil {
		s.mu.Lock()
		s.known[c] = struct{}{}
		s.mu.Unlock()
		return true
	}
	return false
}

// Paths returns the set of hashed CIDs known to be backed by a file, plus
// every literal CID passed to Put, normalized as "/"+cid (spec.md §3
// "path (`/`+CID)").
func (s *FSStore) Paths() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.known))
	for c := range s.known {
		out["/"+c] = struct{}{}
	}
	return out
}

// LoadDirectory scans base for files and validates each against the
// directory-mirror protocol (spec.md §4.1). allowMissingDir suppresses the
// fatal error when base does not exist (used for LOAD_CIDS_IN_TESTS-style
// suppression, spec.md §6).
func (s *FSStore) LoadDirectory(allowMissingDir bool) error {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		if os.IsNotExist(err) && allowMissingDir {
			return nil
		}
		return fmt.Errorf("store: read directory %s: %w", s.base, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue // hidden files ignored
		}
		if entry.IsDir() {
			continue // subdirectories ignored
		}
		if strings.HasSuffix(name, ".tmp") {
			continue // in-flight writes from a prior crash
		}

		if err := cid.IsNormalizedOrErr(name); err != nil {
			return fmt.Errorf("store: %s: filename is not a structurally valid cid: %w", name, err)
		}

		data, err := os.ReadFile(filepath.Join(s.base, name))
		if err != nil {
			return fmt.Errorf("store: read %s: %w", name, err)
		}

		if !cid.Matches(name, data) {
			got := cid.Generate(data)
			return fmt.Errorf("store: %s: filename does not equal generate_cid(contents); contents hash to %s", name, got)
		}

		s.mu.Lock()
		s.known[name] = struct{}{}
		s.mu.Unlock()
	}
	return nil
}
