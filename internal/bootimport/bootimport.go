// Package bootimport implements the boot-CID importer (spec.md §4.6):
// bringing up a workspace from a single exported CID without partial
// mutation on failure.
//
// Grounded on original_source/routes/import_export/dependency_analyzer.py
// (the referenced-CID extraction, split out as its own step per the
// original's separation of concerns) and boot_image_diff.py (the
// before-overwrite comparison). The process-wide lock spec.md §5 requires
// ("no request handlers may mutate entity tables during boot import") is a
// single sync.Mutex held for the duration of Import, the same pattern the
// teacher's internal/store.FSStore uses for its own filesystem mutations.
package bootimport

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/stackdump/cidweave/internal/cid"
	"github.com/stackdump/cidweave/internal/secretcrypto"
	"github.com/stackdump/cidweave/internal/workspace"
)

var importLock sync.Mutex

// sectionKeys are the export payload's top-level keys whose value is a
// string CID, per spec.md §4.6 step 2.
var sectionKeys = []string{"aliases", "servers", "variables", "secrets", "change_history", "app_source", "metadata"}

// References extracts the referenced-CID set from a raw export payload:
// the value of every section key listed in sectionKeys, excluding any CID
// already inlined under cid_values.
func References(payloadJSON []byte) (map[string]struct{}, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payloadJSON, &doc); err != nil {
		return nil, fmt.Errorf("bootimport: boot CID is not a UTF-8 JSON object: %w", err)
	}

	inlined := map[string]struct{}{}
	if raw, ok := doc["cid_values"]; ok {
		var values map[string]string
		if err := json.Unmarshal(raw, &values); err == nil {
			for k := range values {
				inlined[k] = struct{}{}
			}
		}
	}

	refs := map[string]struct{}{}
	for _, key := range sectionKeys {
		raw, ok := doc[key]
		if !ok {
			continue
		}
		var c string
		if err := json.Unmarshal(raw, &c); err != nil {
			continue // not a string-valued CID reference (e.g. project_files is a map)
		}
		if _, skip := inlined[c]; skip {
			continue
		}
		if c != "" {
			refs[c] = struct{}{}
		}
	}
	return refs, nil
}

// MissingDiagnostic formats the spec.md §4.6 step 3 abort message.
func MissingDiagnostic(missing map[string]struct{}) string {
	names := make([]string, 0, len(missing))
	for c := range missing {
		names = append(names, c)
	}
	sort.Strings(names)
	return fmt.Sprintf("boot import aborted: missing CIDs %v; place files with those names in the cids/ directory", names)
}

// Missing computes referenced_cids - store.paths() (spec.md §4.6 step 3).
func Missing(refs map[string]struct{}, store workspace.Store) map[string]struct{} {
	present := store.Paths()
	missing := map[string]struct{}{}
	for c := range refs {
		if _, ok := present["/"+c]; !ok {
			missing[c] = struct{}{}
		}
	}
	return missing
}

// IngestCIDValues verifies and writes every inlined CID body (spec.md §4.6
// step 4). Mismatches (content whose hash does not match the claimed key)
// are reported and skipped, not treated as a fatal error.
func IngestCIDValues(values map[string]string, store workspace.Store) (ingested []string, mismatched []string) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, c := range keys {
		content := []byte(values[c])
		if !cid.Matches(c, content) {
			mismatched = append(mismatched, c)
			continue
		}
		if _, err := store.Put(content); err != nil {
			mismatched = append(mismatched, c)
			continue
		}
		ingested = append(ingested, c)
	}
	return ingested, mismatched
}

// DiffEntry is one changed name reported by Diff.
type DiffEntry struct {
	Kind   string // "alias" | "server" | "variable" | "secret"
	Name   string
	Fields []string // which fields differ: "definition", "enabled"
}

// Diff compares inbound rows to the current workspace before overwrite
// (spec.md §4.6 "Boot-image diff"): informational only, import proceeds
// regardless.
func Diff(current, inbound workspace.EntityRepo, user string) ([]DiffEntry, error) {
	var entries []DiffEntry

	aliases, err := inbound.ListAliases(user)
	if err != nil {
		return nil, err
	}
	for _, a := range aliases {
		if existing, ok, err := current.GetAlias(user, a.Name); err == nil && ok {
			var fields []string
			if existing.Definition != a.Definition {
				fields = append(fields, "definition")
			}
			if existing.Enabled != a.Enabled {
				fields = append(fields, "enabled")
			}
			if len(fields) > 0 {
				entries = append(entries, DiffEntry{Kind: "alias", Name: a.Name, Fields: fields})
			}
		}
	}

	servers, err := inbound.ListServers(user)
	if err != nil {
		return nil, err
	}
	for _, s := range servers {
		if existing, ok, err := current.GetServer(user, s.Name); err == nil && ok {
			var fields []string
			if existing.Definition != s.Definition {
				fields = append(fields, "definition")
			}
			if existing.Enabled != s.Enabled {
				fields = append(fields, "enabled")
			}
			if len(fields) > 0 {
				entries = append(entries, DiffEntry{Kind: "server", Name: s.Name, Fields: fields})
			}
		}
	}

	variables, err := inbound.ListVariables(user)
	if err != nil {
		return nil, err
	}
	for _, v := range variables {
		if existing, ok, err := current.GetVariable(user, v.Name); err == nil && ok {
			var fields []string
			if existing.Definition != v.Definition {
				fields = append(fields, "definition")
			}
			if existing.Enabled != v.Enabled {
				fields = append(fields, "enabled")
			}
			if len(fields) > 0 {
				entries = append(entries, DiffEntry{Kind: "variable", Name: v.Name, Fields: fields})
			}
		}
	}

	secrets, err := inbound.ListSecrets(user)
	if err != nil {
		return nil, err
	}
	for _, s := range secrets {
		if existing, ok, err := current.GetSecret(user, s.Name); err == nil && ok {
			var fields []string
			if existing.Ciphertext != s.Ciphertext {
				fields = append(fields, "definition")
			}
			if existing.Enabled != s.Enabled {
				fields = append(fields, "enabled")
			}
			if len(fields) > 0 {
				entries = append(entries, DiffEntry{Kind: "secret", Name: s.Name, Fields: fields})
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind < entries[j].Kind
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// DedupKey is the (user, type, name, action, message, timestamp) tuple
// spec.md §4.6 step 5 dedups change_history events by.
type DedupKey struct {
	User      string
	Type      string
	Name      string
	Action    string
	Message   string
	Timestamp string
}

// AppendHistoryDeduped appends every inbound interaction not already present
// in current (matched by DedupKey), returning how many were newly applied.
func AppendHistoryDeduped(current workspace.EntityRepo, user string, inbound []workspace.Interaction) (int, error) {
	existing, err := current.ListInteractions(user)
	if err != nil {
		return 0, err
	}
	seen := map[DedupKey]struct{}{}
	for _, i := range existing {
		seen[historyKey(user, i)] = struct{}{}
	}

	applied := 0
	for _, i := range inbound {
		key := historyKey(user, i)
		if _, ok := seen[key]; ok {
			continue
		}
		if err := current.AppendInteraction(user, i); err != nil {
			return applied, err
		}
		seen[key] = struct{}{}
		applied++
	}
	return applied, nil
}

func historyKey(user string, i workspace.Interaction) DedupKey {
	return DedupKey{
		User:      user,
		Type:      i.EntityType,
		Name:      i.EntityName,
		Action:    i.Action,
		Message:   i.Message,
		Timestamp: i.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z"),
	}
}

// AliasRow / ServerRow / VariableRow / SecretRow mirror an export payload's
// per-entity section rows, decoded during import.
type AliasRow struct {
	Name          string `json:"name"`
	DefinitionCID string `json:"definition_cid"`
	Enabled       bool   `json:"enabled"`
}

type ServerRow struct {
	Name          string `json:"name"`
	DefinitionCID string `json:"definition_cid"`
	Enabled       bool   `json:"enabled"`
}

type VariableRow struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
	Enabled    bool   `json:"enabled"`
}

type SecretsSection struct {
	Encryption string `json:"encryption"`
	Items      []struct {
		Name       string `json:"name"`
		Ciphertext string `json:"ciphertext"`
		Enabled    bool   `json:"enabled"`
	} `json:"items"`
}

// Apply upserts the decoded alias/server/variable rows into dest by name
// (spec.md §4.6 step 5). Server/alias DefinitionCID values are resolved
// through store to recover the definition text.
func Apply(dest workspace.EntityRepo, store workspace.Store, user string, aliases []AliasRow, servers []ServerRow, variables []VariableRow) error {
	for _, a := range aliases {
		text, err := store.Get(a.DefinitionCID)
		if err != nil {
			return fmt.Errorf("bootimport: resolving alias %q definition %q: %w", a.Name, a.DefinitionCID, err)
		}
		if err := upsertAlias(dest, user, a.Name, string(text), a.Enabled); err != nil {
			return err
		}
	}
	for _, s := range servers {
		text, err := store.Get(s.DefinitionCID)
		if err != nil {
			return fmt.Errorf("bootimport: resolving server %q definition %q: %w", s.Name, s.DefinitionCID, err)
		}
		if err := upsertServer(dest, user, s.Name, string(text), s.DefinitionCID, s.Enabled); err != nil {
			return err
		}
	}
	for _, v := range variables {
		if err := upsertVariable(dest, user, v.Name, v.Definition, v.Enabled); err != nil {
			return err
		}
	}
	return nil
}

// ApplySecrets decrypts and upserts a decoded secrets export section
// (spec.md §4.6 step 5, §7 "Import secret decryption failure" row: a
// decryption failure for one secret is reported and that secret is skipped,
// the rest of the import is unaffected).
func ApplySecrets(dest workspace.EntityRepo, user, secretKey string, section SecretsSection) (applied []string, failed []string) {
	for _, item := range section.Items {
		plaintext, err := secretcrypto.Decrypt(secretKey, item.Ciphertext)
		if err != nil {
			failed = append(failed, item.Name)
			continue
		}
		existing, ok, err := dest.GetSecret(user, item.Name)
		if err != nil {
			failed = append(failed, item.Name)
			continue
		}
		s := existing
		s.Name = item.Name
		s.Ciphertext = string(plaintext)
		s.Enabled = item.Enabled
		if !ok {
			s = workspace.Secret{Name: item.Name, Ciphertext: string(plaintext), Enabled: item.Enabled}
		}
		if err := dest.PutSecret(user, s); err != nil {
			failed = append(failed, item.Name)
			continue
		}
		applied = append(applied, item.Name)
	}
	return applied, failed
}

func upsertAlias(dest workspace.EntityRepo, user, name, definition string, enabled bool) error {
	existing, ok, err := dest.GetAlias(user, name)
	if err != nil {
		return err
	}
	a := existing
	a.Name = name
	a.Definition = definition
	a.Enabled = enabled
	if !ok {
		a = workspace.Alias{Name: name, Definition: definition, Enabled: enabled}
	}
	return dest.PutAlias(user, a)
}

func upsertServer(dest workspace.EntityRepo, user, name, definition, definitionCID string, enabled bool) error {
	existing, ok, err := dest.GetServer(user, name)
	if err != nil {
		return err
	}
	s := existing
	s.Name = name
	s.Definition = definition
	s.DefinitionCID = definitionCID
	s.Enabled = enabled
	if !ok {
		s = workspace.Server{Name: name, Definition: definition, DefinitionCID: definitionCID, Enabled: enabled}
	}
	return dest.PutServer(user, s)
}

func upsertVariable(dest workspace.EntityRepo, user, name, definition string, enabled bool) error {
	existing, ok, err := dest.GetVariable(user, name)
	if err != nil {
		return err
	}
	v := existing
	v.Name = name
	v.Definition = definition
	v.Enabled = enabled
	if !ok {
		v = workspace.Variable{Name: name, Definition: definition, Enabled: enabled}
	}
	return dest.PutVariable(user, v)
}

// Lock acquires the process-wide import lock (spec.md §5: "the boot importer
// must hold a process-wide lock for the duration of dependency check +
// apply; no request handlers may mutate entity tables during boot import").
// Callers should defer Unlock immediately after a successful Lock.
func Lock() {
	importLock.Lock()
}

// Unlock releases the process-wide import lock acquired by Lock.
func Unlock() {
	importLock.Unlock()
}
