package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stackdump/cidweave/internal/cid"
)

func TestPutGetRoundTrip_Hashed(t *testing.T) {
	s := NewFSStore(t.TempDir())
	content := []byte("content long enough to force a sha-512 hashed cid, not a literal one")

	c, err := s.Put(content)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !s.Exists(c) {
		t.Fatalf("Exists(%q) = false after Put", c)
	}

	got, err := s.Get(c)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("Get returned %q, want %q", got, content)
	}
}

func TestPutGetRoundTrip_Literal(t *testing.T) {
	s := NewFSStore(t.TempDir())
	content := []byte("short")

	c, err := s.Put(content)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !s.Exists(c) {
		t.Fatalf("Exists(%q) = false after Put", c)
	}
	got, err := s.Get(c)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("Get returned %q, want %q", got, content)
	}

	// literal CIDs are never mirrored to disk
	entries, err := os.ReadDir(s.base)
	if err == nil && len(entries) != 0 {
		t.Fatalf("literal CID was mirrored to disk: %v", entries)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := NewFSStore(t.TempDir())
	content := []byte("idempotent put content, long enough to be hashed rather than embedded")

	c1, err := s.Put(content)
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	c2, err := s.Put(content)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("Put is not idempotent: %q != %q", c1, c2)
	}

	entries, err := os.ReadDir(s.base)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one mirrored file, got %d", len(entries))
	}
}

func TestGetMissingHashedCID(t *testing.T) {
	s := NewFSStore(t.TempDir())
	c := cid.Generate([]byte("content never written to this store, long enough to be hashed not literal"))

	if _, err := s.Get(c); err != ErrNotFound {
		t.Fatalf("Get on missing cid = %v, want ErrNotFound", err)
	}
	if s.Exists(c) {
		t.Fatalf("Exists(%q) = true for a cid never Put", c)
	}
}

func TestLoadDirectory_ValidatesExistingBlobs(t *testing.T) {
	dir := t.TempDir()
	content := []byte("pre-seeded blob content, long enough to require hashing instead of embedding")
	name := cid.Generate(content)
	if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	s := NewFSStore(dir)
	if err := s.LoadDirectory(false); err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	if !s.Exists(name) {
		t.Fatalf("Exists(%q) = false after LoadDirectory", name)
	}
	got, err := s.Get(name)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("Get returned %q, want %q", got, content)
	}
}

func TestLoadDirectory_RejectsMismatchedFilename(t *testing.T) {
	dir := t.TempDir()
	content := []byte("blob whose filename on disk will not match its real cid at all")
	wrongName := cid.Generate([]byte("something else entirely, also long enough to hash"))
	if err := os.WriteFile(filepath.Join(dir, wrongName), content, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	s := NewFSStore(dir)
	if err := s.LoadDirectory(false); err == nil {
		t.Fatalf("LoadDirectory accepted a file whose name does not equal generate_cid(contents)")
	}
}

func TestLoadDirectory_RejectsNonCIDFilename(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "not-a-cid"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	s := NewFSStore(dir)
	if err := s.LoadDirectory(false); err == nil {
		t.Fatalf("LoadDirectory accepted a structurally invalid filename")
	}
}

func TestLoadDirectory_MissingDirAllowed(t *testing.T) {
	s := NewFSStore(filepath.Join(t.TempDir(), "does-not-exist"))
	if err := s.LoadDirectory(true); err != nil {
		t.Fatalf("LoadDirectory with allowMissingDir=true: %v", err)
	}
	if err := s.LoadDirectory(false); err == nil {
		t.Fatalf("LoadDirectory with allowMissingDir=false accepted a missing directory")
	}
}

func TestPutConflictDetection(t *testing.T) {
	dir := t.TempDir()
	content := []byte("conflicting content for the consistency-error test, long enough to hash")
	name := cid.Generate(content)
	// seed a file under the cid's name with different bytes than it hashes to
	if err := os.WriteFile(filepath.Join(dir, name), []byte("totally different bytes"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	s := NewFSStore(dir)
	if _, err := s.Put(content); err == nil {
		t.Fatalf("Put did not detect a conflicting blob already on disk")
	} else if _, ok := err.(*ConsistencyError); !ok {
		t.Fatalf("Put returned %T, want *ConsistencyError", err)
	}
}

func TestPaths(t *testing.T) {
	s := NewFSStore(t.TempDir())
	content := []byte("content for the Paths test, long enough to be hashed rather than embedded")
	c, err := s.Put(content)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	paths := s.Paths()
	if _, ok := paths["/"+c]; !ok {
		t.Fatalf("Paths() = %v, missing %q", paths, "/"+c)
	}
}
