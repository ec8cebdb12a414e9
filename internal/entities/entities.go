// Package entities persists the per-user entity tables (aliases, servers,
// variables, secrets, interactions, invocations) described in spec §3 and
// implements workspace.EntityRepo.
//
// Grounded on internal/store/store.go's layout: a mutex-guarded
// filesystem store keyed by sanitized path components, generalized from one
// JSON-LD object type to six small entity kinds, one JSON file per row
// under {base}/{user}/{kind}/{name}.json.
package entities

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/stackdump/cidweave/internal/workspace"
)

// frontMatterPattern recognizes an optional YAML metadata block at the top
// of an alias or server Definition (SPEC_FULL.md §3 domain-stack table,
// "server/alias definition front-matter-style metadata blocks").
var frontMatterPattern = regexp.MustCompile(`(?s)^---\s*\n(.*?\n)---\s*\n?(.*)$`)

// ExtractFrontMatter splits an optional leading "---\n...\n---\n" YAML
// block off definition, returning its parsed keys alongside the remaining
// body. definition is returned unchanged as body when no front matter
// block is present, and a malformed block is treated as absent rather
// than rejected — metadata is descriptive, not load-bearing for dispatch.
func ExtractFrontMatter(definition string) (metadata map[string]string, body string) {
	match := frontMatterPattern.FindStringSubmatch(definition)
	if match == nil {
		return nil, definition
	}
	var meta map[string]string
	if err := yaml.Unmarshal([]byte(match[1]), &meta); err != nil {
		return nil, definition
	}
	return meta, match[2]
}

// Repo is a filesystem-backed implementation of workspace.EntityRepo.
type Repo struct {
	base string

	mu sync.Mutex
}

// NewRepo creates a Repo rooted at base (conventionally "entities", kept
// apart from the CID directory).
func NewRepo(base string) *Repo {
	return &Repo{base: base}
}

// sanitizePathComponent rejects path components that could escape base,
// mirroring store.sanitizePathComponent.
func sanitizePathComponent(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("entities: empty path component")
	}
	if s == "." || s == ".." {
		return "", fmt.Errorf("entities: invalid path component %q", s)
	}
	if strings.ContainsAny(s, "/\\") {
		return "", fmt.Errorf("entities: path component %q contains a path separator", s)
	}
	return s, nil
}

func (r *Repo) rowPath(user, kind, name string) (string, error) {
	u, err := sanitizePathComponent(user)
	if err != nil {
		return "", err
	}
	n, err := sanitizePathComponent(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.base, u, kind, n+".json"), nil
}

func (r *Repo) kindDir(user, kind string) (string, error) {
	u, err := sanitizePathComponent(user)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.base, u, kind), nil
}

func readJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("entities: corrupt row %s: %w", path, err)
	}
	return true, nil
}

func writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func listRows(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// --- Aliases ---

func (r *Repo) ListAliases(user string) ([]workspace.Alias, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dir, err := r.kindDir(user, "aliases")
	if err != nil {
		return nil, err
	}
	names, err := listRows(dir)
	if err != nil {
		return nil, err
	}
	out := make([]workspace.Alias, 0, len(names))
	for _, name := range names {
		var a workspace.Alias
		path, err := r.rowPath(user, "aliases", name)
		if err != nil {
			return nil, err
		}
		if ok, err := readJSON(path, &a); err != nil {
			return nil, err
		} else if ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *Repo) GetAlias(user, name string) (workspace.Alias, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var a workspace.Alias
	path, err := r.rowPath(user, "aliases", name)
	if err != nil {
		return workspace.Alias{}, false, err
	}
	ok, err := readJSON(path, &a)
	return a, ok, err
}

func (r *Repo) PutAlias(user string, a workspace.Alias) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.rowPath(user, "aliases", a.Name)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var existing workspace.Alias
	if ok, err := readJSON(path, &existing); err != nil {
		return err
	} else if ok {
		a.CreatedAt = existing.CreatedAt
	} else {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	return writeJSON(path, a)
}

func (r *Repo) DeleteAlias(user, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.rowPath(user, "aliases", name)
	if err != nil {
		return err
	}
	return removeIfExists(path)
}

// --- Servers ---

func (r *Repo) ListServers(user string) ([]workspace.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dir, err := r.kindDir(user, "servers")
	if err != nil {
		return nil, err
	}
	names, err := listRows(dir)
	if err != nil {
		return nil, err
	}
	out := make([]workspace.Server, 0, len(names))
	for _, name := range names {
		var s workspace.Server
		path, err := r.rowPath(user, "servers", name)
		if err != nil {
			return nil, err
		}
		if ok, err := readJSON(path, &s); err != nil {
			return nil, err
		} else if ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *Repo) GetServer(user, name string) (workspace.Server, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s workspace.Server
	path, err := r.rowPath(user, "servers", name)
	if err != nil {
		return workspace.Server{}, false, err
	}
	ok, err := readJSON(path, &s)
	return s, ok, err
}

func (r *Repo) PutServer(user string, s workspace.Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.rowPath(user, "servers", s.Name)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var existing workspace.Server
	if ok, err := readJSON(path, &existing); err != nil {
		return err
	} else if ok {
		s.CreatedAt = existing.CreatedAt
	} else {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	return writeJSON(path, s)
}

func (r *Repo) DeleteServer(user, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.rowPath(user, "servers", name)
	if err != nil {
		return err
	}
	return removeIfExists(path)
}

// --- Variables ---

func (r *Repo) ListVariables(user string) ([]workspace.Variable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dir, err := r.kindDir(user, "variables")
	if err != nil {
		return nil, err
	}
	names, err := listRows(dir)
	if err != nil {
		return nil, err
	}
	out := make([]workspace.Variable, 0, len(names))
	for _, name := range names {
		var v workspace.Variable
		path, err := r.rowPath(user, "variables", name)
		if err != nil {
			return nil, err
		}
		if ok, err := readJSON(path, &v); err != nil {
			return nil, err
		} else if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *Repo) GetVariable(user, name string) (workspace.Variable, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var v workspace.Variable
	path, err := r.rowPath(user, "variables", name)
	if err != nil {
		return workspace.Variable{}, false, err
	}
	ok, err := readJSON(path, &v)
	return v, ok, err
}

func (r *Repo) PutVariable(user string, v workspace.Variable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.rowPath(user, "variables", v.Name)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var existing workspace.Variable
	if ok, err := readJSON(path, &existing); err != nil {
		return err
	} else if ok {
		v.CreatedAt = existing.CreatedAt
	} else {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	return writeJSON(path, v)
}

func (r *Repo) DeleteVariable(user, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.rowPath(user, "variables", name)
	if err != nil {
		return err
	}
	return removeIfExists(path)
}

// --- Secrets ---

func (r *Repo) ListSecrets(user string) ([]workspace.Secret, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dir, err := r.kindDir(user, "secrets")
	if err != nil {
		return nil, err
	}
	names, err := listRows(dir)
	if err != nil {
		return nil, err
	}
	out := make([]workspace.Secret, 0, len(names))
	for _, name := range names {
		var s workspace.Secret
		path, err := r.rowPath(user, "secrets", name)
		if err != nil {
			return nil, err
		}
		if ok, err := readJSON(path, &s); err != nil {
			return nil, err
		} else if ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *Repo) GetSecret(user, name string) (workspace.Secret, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s workspace.Secret
	path, err := r.rowPath(user, "secrets", name)
	if err != nil {
		return workspace.Secret{}, false, err
	}
	ok, err := readJSON(path, &s)
	return s, ok, err
}

func (r *Repo) PutSecret(user string, s workspace.Secret) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.rowPath(user, "secrets", s.Name)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var existing workspace.Secret
	if ok, err := readJSON(path, &existing); err != nil {
		return err
	} else if ok {
		s.CreatedAt = existing.CreatedAt
	} else {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	return writeJSON(path, s)
}

func (r *Repo) DeleteSecret(user, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, err := r.rowPath(user, "secrets", name)
	if err != nil {
		return err
	}
	return removeIfExists(path)
}

// --- Interactions (append-only) ---

func (r *Repo) AppendInteraction(user string, i workspace.Interaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := sanitizePathComponent(user)
	if err != nil {
		return err
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now().UTC()
	}
	path := filepath.Join(r.base, u, "interactions", uuid.NewString()+".json")
	return writeJSON(path, i)
}

func (r *Repo) ListInteractions(user string) ([]workspace.Interaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dir, err := r.kindDir(user, "interactions")
	if err != nil {
		return nil, err
	}
	names, err := listRows(dir)
	if err != nil {
		return nil, err
	}
	out := make([]workspace.Interaction, 0, len(names))
	for _, name := range names {
		var i workspace.Interaction
		path := filepath.Join(dir, name+".json")
		if ok, err := readJSON(path, &i); err != nil {
			return nil, err
		} else if ok {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

// --- Invocations (append-only) ---

func (r *Repo) AppendInvocation(user string, inv workspace.Invocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := sanitizePathComponent(user)
	if err != nil {
		return err
	}
	inv.InvokedAt = time.Now().UTC()
	path := filepath.Join(r.base, u, "invocations", inv.ServerName, uuid.NewString()+".json")
	return writeJSON(path, inv)
}

func (r *Repo) ListInvocations(user, serverName string) ([]workspace.Invocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := sanitizePathComponent(user)
	if err != nil {
		return nil, err
	}
	s, err := sanitizePathComponent(serverName)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(r.base, u, "invocations", s)
	names, err := listRows(dir)
	if err != nil {
		return nil, err
	}
	out := make([]workspace.Invocation, 0, len(names))
	for _, name := range names {
		var inv workspace.Invocation
		path := filepath.Join(dir, name+".json")
		if ok, err := readJSON(path, &inv); err != nil {
			return nil, err
		} else if ok {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].InvokedAt.Before(out[b].InvokedAt) })
	return out, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

var referenceRegex = regexp.MustCompile(`\b(?:variables|secrets)(?:\[["']?|\.get\(["']?|\.)([A-Za-z_][A-Za-z0-9_]*)`)

// ScanReferences scans a server or alias definition's text and reports which
// variable/secret names it textually references, for UI hinting only (spec
// design note "Registration-of-references via reflection"). It has no effect
// on execution semantics.
func ScanReferences(definition string) (vars []string, secrets []string) {
	varSet := map[string]struct{}{}
	secretSet := map[string]struct{}{}
	for _, line := range strings.Split(definition, "\n") {
		for _, m := range referenceRegex.FindAllStringSubmatch(line, -1) {
			name := m[1]
			if strings.Contains(m[0], "secrets") {
				secretSet[name] = struct{}{}
			} else {
				varSet[name] = struct{}{}
			}
		}
	}
	vars = setToSortedSlice(varSet)
	secrets = setToSortedSlice(secretSet)
	return vars, secrets
}

func setToSortedSlice(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
