// Package exportengine implements the export engine (spec.md §4.5):
// deterministic serialization of a user's workspace into a single CID.
//
// Grounded on pkg/canonical/canonical.go's fixed-indent JSON assembly for
// CID stability. Key order is fixed but not fully sorted: encoding/json
// sorts map[string]T keys alphabetically, while the struct types (Payload
// and the per-row types) are emitted in field declaration order, which is
// not alphabetical. MarshalIndent supplies the fixed indent.
package exportengine

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stackdump/cidweave/internal/cid"
	"github.com/stackdump/cidweave/internal/secretcrypto"
	"github.com/stackdump/cidweave/internal/workspace"
)

// PayloadVersion is the export payload schema version (spec.md §4.5).
const PayloadVersion = 6

// CollectionFilter narrows which rows of one entity collection are exported.
type CollectionFilter struct {
	IncludeDisabled  bool
	IncludeTemplates bool
	Names            []string // empty means "all"
}

func (f CollectionFilter) allowed(name string, enabled bool) bool {
	if !enabled && !f.IncludeDisabled {
		return false
	}
	if len(f.Names) == 0 {
		return true
	}
	for _, n := range f.Names {
		if n == name {
			return true
		}
	}
	return false
}

// Selection is the export engine's input: which sections to include and how
// to filter each entity collection (spec.md §4.5 "Input").
type Selection struct {
	Aliases             bool
	Servers             bool
	Variables           bool
	Secrets             bool
	ChangeHistory       bool
	AppSource           bool
	CIDMap              bool
	UnreferencedCIDData bool

	AliasFilter    CollectionFilter
	ServerFilter   CollectionFilter
	VariableFilter CollectionFilter
	SecretFilter   CollectionFilter

	SecretKey string

	// StoreContent controls whether section bodies are written to the
	// store. The size-probe endpoint (POST /export/size) sets this false:
	// the same assembly runs, but nothing is persisted.
	StoreContent bool

	// ProjectFiles and AppSource are supplied by the caller (the cmd
	// entrypoint knows the on-disk project layout; the engine doesn't).
	ProjectFiles map[string]string            // relpath -> cid
	AppSourceMap map[string][]AppSourceEntry  // category -> entries
}

// AppSourceEntry is one row of the app_source export section.
type AppSourceEntry struct {
	Path string `json:"path"`
	CID  string `json:"cid"`
}

// Payload is the assembled, not-yet-serialized export payload (spec.md §4.5
// "Payload shape"). Its top-level keys are emitted in the field order
// below (version first, cid_values last), not alphabetically; the order is
// fixed, so the same payload always serializes to the same bytes.
type Payload struct {
	Version       int                    `json:"version"`
	GeneratedAt   string                 `json:"generated_at"`
	Runtime       map[string]interface{} `json:"runtime"`
	ProjectFiles  map[string]interface{} `json:"project_files,omitempty"`
	Aliases       string                 `json:"aliases,omitempty"`
	Servers       string                 `json:"servers,omitempty"`
	Variables     string                 `json:"variables,omitempty"`
	Secrets       string                 `json:"secrets,omitempty"`
	ChangeHistory string                 `json:"change_history,omitempty"`
	AppSource     string                 `json:"app_source,omitempty"`
	CIDValues     map[string]string      `json:"cid_values,omitempty"`
}

// aliasRow / serverRow / variableRow mirror the spec.md §4.5 payload shape's
// per-entity JSON rows.
type aliasRow struct {
	Name          string `json:"name"`
	DefinitionCID string `json:"definition_cid"`
	Enabled       bool   `json:"enabled"`
}

type serverRow struct {
	Name          string `json:"name"`
	DefinitionCID string `json:"definition_cid"`
	Enabled       bool   `json:"enabled"`
}

type variableRow struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
	Enabled    bool   `json:"enabled"`
}

type secretRow struct {
	Name       string `json:"name"`
	Ciphertext string `json:"ciphertext"`
	Enabled    bool   `json:"enabled"`
}

type secretsSection struct {
	Encryption string      `json:"encryption"`
	Items      []secretRow `json:"items"`
}

// Result is what Build returns: the assembled JSON bytes, its CID (empty if
// StoreContent is false), and the set of CIDs referenced by the payload.
type Result struct {
	JSON          []byte
	CID           string
	ReferencedCID map[string]struct{}
}

// Build assembles an export payload for user according to sel.
func Build(store workspace.Store, entities workspace.EntityRepo, user string, sel Selection, now time.Time) (Result, error) {
	referenced := map[string]struct{}{}
	put := func(content []byte) (string, error) {
		if !sel.StoreContent {
			return dryRunCID(content), nil
		}
		c, err := store.Put(content)
		if err != nil {
			return "", err
		}
		return c, nil
	}

	payload := Payload{
		Version:     PayloadVersion,
		GeneratedAt: now.UTC().Format(time.RFC3339),
		Runtime:     runtimeSection(),
	}

	if len(sel.ProjectFiles) > 0 {
		pf := map[string]interface{}{}
		for relpath, c := range sel.ProjectFiles {
			pf[relpath] = map[string]string{"cid": c}
			referenced[c] = struct{}{}
		}
		payload.ProjectFiles = pf
	}

	if sel.Aliases {
		aliases, err := entities.ListAliases(user)
		if err != nil {
			return Result{}, fmt.Errorf("exportengine: listing aliases: %w", err)
		}
		var rows []aliasRow
		for _, a := range aliases {
			if !sel.AliasFilter.allowed(a.Name, a.Enabled) {
				continue
			}
			defCID, err := put([]byte(a.Definition))
			if err != nil {
				return Result{}, fmt.Errorf("exportengine: storing alias definition: %w", err)
			}
			referenced[defCID] = struct{}{}
			rows = append(rows, aliasRow{Name: a.Name, DefinitionCID: defCID, Enabled: a.Enabled})
		}
		sort.Slice(rows, func(i, j int) bool { return strings.ToLower(rows[i].Name) < strings.ToLower(rows[j].Name) })
		data, err := json.Marshal(rows)
		if err != nil {
			return Result{}, err
		}
		c, err := put(data)
		if err != nil {
			return Result{}, err
		}
		payload.Aliases = c
		referenced[c] = struct{}{}
	}

	if sel.Servers {
		servers, err := entities.ListServers(user)
		if err != nil {
			return Result{}, fmt.Errorf("exportengine: listing servers: %w", err)
		}
		var rows []serverRow
		for _, s := range servers {
			if !sel.ServerFilter.allowed(s.Name, s.Enabled) {
				continue
			}
			defCID := s.DefinitionCID
			if defCID == "" {
				var err error
				defCID, err = put([]byte(s.Definition))
				if err != nil {
					return Result{}, fmt.Errorf("exportengine: storing server definition: %w", err)
				}
			}
			referenced[defCID] = struct{}{}
			rows = append(rows, serverRow{Name: s.Name, DefinitionCID: defCID, Enabled: s.Enabled})
		}
		sort.Slice(rows, func(i, j int) bool { return strings.ToLower(rows[i].Name) < strings.ToLower(rows[j].Name) })
		data, err := json.Marshal(rows)
		if err != nil {
			return Result{}, err
		}
		c, err := put(data)
		if err != nil {
			return Result{}, err
		}
		payload.Servers = c
		referenced[c] = struct{}{}
	}

	if sel.Variables {
		vars, err := entities.ListVariables(user)
		if err != nil {
			return Result{}, fmt.Errorf("exportengine: listing variables: %w", err)
		}
		var rows []variableRow
		for _, v := range vars {
			if !sel.VariableFilter.allowed(v.Name, v.Enabled) {
				continue
			}
			rows = append(rows, variableRow{Name: v.Name, Definition: v.Definition, Enabled: v.Enabled})
		}
		sort.Slice(rows, func(i, j int) bool { return strings.ToLower(rows[i].Name) < strings.ToLower(rows[j].Name) })
		data, err := json.Marshal(rows)
		if err != nil {
			return Result{}, err
		}
		c, err := put(data)
		if err != nil {
			return Result{}, err
		}
		payload.Variables = c
		referenced[c] = struct{}{}
	}

	if sel.Secrets {
		secrets, err := entities.ListSecrets(user)
		if err != nil {
			return Result{}, fmt.Errorf("exportengine: listing secrets: %w", err)
		}
		var rows []secretRow
		for _, s := range secrets {
			if !sel.SecretFilter.allowed(s.Name, s.Enabled) {
				continue
			}
			ciphertext, err := secretcrypto.Encrypt(sel.SecretKey, []byte(s.Ciphertext))
			if err != nil {
				return Result{}, fmt.Errorf("exportengine: encrypting secret %q: %w", s.Name, err)
			}
			rows = append(rows, secretRow{Name: s.Name, Ciphertext: ciphertext, Enabled: s.Enabled})
		}
		sort.Slice(rows, func(i, j int) bool { return strings.ToLower(rows[i].Name) < strings.ToLower(rows[j].Name) })
		section := secretsSection{Encryption: secretcrypto.Scheme, Items: rows}
		data, err := json.Marshal(section)
		if err != nil {
			return Result{}, err
		}
		c, err := put(data)
		if err != nil {
			return Result{}, err
		}
		payload.Secrets = c
		referenced[c] = struct{}{}
	}

	if sel.ChangeHistory {
		interactions, err := entities.ListInteractions(user)
		if err != nil {
			return Result{}, fmt.Errorf("exportengine: listing interactions: %w", err)
		}
		grouped := groupHistory(interactions)
		data, err := json.Marshal(grouped)
		if err != nil {
			return Result{}, err
		}
		c, err := put(data)
		if err != nil {
			return Result{}, err
		}
		payload.ChangeHistory = c
		referenced[c] = struct{}{}
	}

	if sel.AppSource && len(sel.AppSourceMap) > 0 {
		for _, entries := range sel.AppSourceMap {
			for _, e := range entries {
				referenced[e.CID] = struct{}{}
			}
		}
		data, err := json.Marshal(sel.AppSourceMap)
		if err != nil {
			return Result{}, err
		}
		c, err := put(data)
		if err != nil {
			return Result{}, err
		}
		payload.AppSource = c
		referenced[c] = struct{}{}
	}

	if sel.CIDMap && sel.StoreContent {
		values := map[string]string{}
		for c := range referenced {
			content, err := store.Get(c)
			if err != nil {
				continue
			}
			values[c] = toUTF8Lossy(content)
		}
		payload.CIDValues = values
	}

	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return Result{}, err
	}

	result := Result{JSON: out, ReferencedCID: referenced}
	if sel.StoreContent {
		c, err := store.Put(out)
		if err != nil {
			return Result{}, err
		}
		result.CID = c
	}
	return result, nil
}

// groupHistory builds the change_history export section's shape: a map from
// collection name to a map from entity name to its ordered event list
// (spec.md §4.5 payload shape, grounded on original_source/routes/
// import_export/change_history.py's per-(type,name) grouping).
func groupHistory(interactions []workspace.Interaction) map[string]map[string][]workspace.Interaction {
	out := map[string]map[string][]workspace.Interaction{}
	for _, i := range interactions {
		byName, ok := out[i.EntityType]
		if !ok {
			byName = map[string][]workspace.Interaction{}
			out[i.EntityType] = byName
		}
		byName[i.EntityName] = append(byName[i.EntityName], i)
	}
	return out
}

func runtimeSection() map[string]interface{} {
	deps := map[string]string{}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, m := range bi.Deps {
			deps[m.Path] = m.Version
		}
	}
	return map[string]interface{}{
		"go": map[string]interface{}{
			"version":        runtime.Version(),
			"implementation": "go",
		},
		"dependencies": deps,
	}
}

// dryRunCID computes what a section's CID would be without writing it to the
// store, for the POST /export/size size probe (spec.md §4.5: "runs the full
// assembly with store_content=false (no CID writes)"). It reuses the same
// content-addressing scheme the store uses, so a probed export and a real
// export of identical content report the same CID.
func dryRunCID(content []byte) string {
	return cid.Generate(content)
}

// toUTF8Lossy decodes b as UTF-8 text, replacing undecodable bytes (spec.md
// §4.5: "UTF-8 text with errors=replace for non-decodable bytes").
func toUTF8Lossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
