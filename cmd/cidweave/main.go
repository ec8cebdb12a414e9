// Command cidweave is the content-addressed web workspace's HTTP server
// (spec.md §6 "External interfaces"). It wires the CID store, the entity
// repository, and the request router together and owns the handful of
// named routes (entity CRUD, upload, export, import) that sit in front of
// the router's own dispatch chain (dashboard, CID serving, alias/server
// dispatch), the same layering cmd/webserver/main.go used for its blog
// routes in front of object serving.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stackdump/cidweave/internal/aliasresolve"
	"github.com/stackdump/cidweave/internal/auth"
	"github.com/stackdump/cidweave/internal/bootdriver"
	"github.com/stackdump/cidweave/internal/config"
	"github.com/stackdump/cidweave/internal/entities"
	"github.com/stackdump/cidweave/internal/exportengine"
	"github.com/stackdump/cidweave/internal/httputil"
	"github.com/stackdump/cidweave/internal/logger"
	"github.com/stackdump/cidweave/internal/render"
	"github.com/stackdump/cidweave/internal/router"
	"github.com/stackdump/cidweave/internal/secretcrypto"
	"github.com/stackdump/cidweave/internal/semanticexport"
	"github.com/stackdump/cidweave/internal/store"
	"github.com/stackdump/cidweave/internal/walletauth"
	"github.com/stackdump/cidweave/internal/workspace"
)

// defaultUser is the workspace owner used when a request carries no
// bearer session (spec.md §9's entity tables are "per-user", but no
// registration flow is described; anonymous requests fall back to a
// single shared workspace rather than being rejected outright).
const defaultUser = "anonymous"

// reservedTopSegments names every path this binary's mux owns outright,
// used by the alias-create handler to reject an alias whose name would
// shadow a built-in route (spec.md §7 "Conflict with reserved route").
var reservedTopSegments = map[string]struct{}{
	"":             {},
	"aliases":      {},
	"servers":      {},
	"variables":    {},
	"secrets":      {},
	"upload":       {},
	"export":       {},
	"import":       {},
	"auth":         {},
	"openapi":      {},
	"openapi.json": {},
}

// Server owns the named routes (spec.md §6) that take priority over the
// router's own alias/server/CID dispatch chain.
type Server struct {
	store    *store.FSStore
	entities *entities.Repo
	rt       *router.Router
	cfg      config.Runtime
	log      logger.Logger
}

func NewServer(st *store.FSStore, ent *entities.Repo, rt *router.Router, cfg config.Runtime, lg logger.Logger) *Server {
	return &Server{store: st, entities: ent, rt: rt, cfg: cfg, log: lg}
}

func (s *Server) currentUser(r *http.Request) string {
	session, err := auth.ExtractSession(r, s.cfg.SessionSecret)
	if err != nil || session.UserID == "" {
		return defaultUser
	}
	return session.UserID
}

func (s *Server) historicalDefinitionCIDs(user, server string) ([]string, error) {
	interactions, err := s.entities.ListInteractions(user)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var out []string
	for _, i := range interactions {
		if i.EntityType != "server" || i.EntityName != server || i.Content == "" {
			continue
		}
		if _, ok := seen[i.Content]; ok {
			continue
		}
		seen[i.Content] = struct{}{}
		out = append(out, i.Content)
	}
	return out, nil
}

func (s *Server) fetchDefinitionText(definitionCID string) (string, error) {
	b, err := s.store.Get(definitionCID)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// routes assembles the top-level mux: named routes first, the content-
// addressed router as the catch-all (mirrors cmd/webserver/main.go's
// ServeHTTP if/HasPrefix chain, expressed as a ServeMux
// since these routes don't need to inspect sibling routes to decide).
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/aliases", s.handleAliasCollection)
	mux.HandleFunc("/aliases/", s.handleAliasItem)
	mux.HandleFunc("/servers", s.handleServerCollection)
	mux.HandleFunc("/servers/", s.handleServerItem)
	mux.HandleFunc("/variables", s.handleVariableCollection)
	mux.HandleFunc("/variables/", s.handleVariableItem)
	mux.HandleFunc("/secrets", s.handleSecretCollection)
	mux.HandleFunc("/secrets/", s.handleSecretItem)

	mux.HandleFunc("/auth/wallet", s.handleWalletLogin)

	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/upload/success", s.handleUploadSuccess)
	mux.HandleFunc("/export", s.handleExport)
	mux.HandleFunc("/export/size", s.handleExportSize)
	mux.HandleFunc("/import", s.handleImport)
	mux.HandleFunc("/openapi.json", s.handleOpenAPI)
	mux.HandleFunc("/openapi", s.handleOpenAPI)

	mux.Handle("/", s.rt)
	return mux
}

// --- JSON helpers -----------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func itemName(prefix, path string) (string, string, bool) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	name := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	return name, action, true
}

// --- aliases ------------------------------------------------------------

type aliasPayload struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
	Enabled    bool   `json:"enabled"`
}

func (s *Server) handleAliasCollection(w http.ResponseWriter, r *http.Request) {
	user := s.currentUser(r)
	switch r.Method {
	case http.MethodGet:
		rows, err := s.entities.ListAliases(user)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	case http.MethodPost:
		s.saveAlias(w, r, user, "")
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAliasItem(w http.ResponseWriter, r *http.Request) {
	user := s.currentUser(r)
	name, action, ok := itemName("/aliases/", r.URL.Path)
	if !ok || name == "new" {
		writeJSON(w, http.StatusOK, aliasPayload{})
		return
	}

	switch {
	case action == "delete" && r.Method == http.MethodPost:
		if err := s.entities.DeleteAlias(user, name); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.recordInteraction(user, "alias", name, "delete", "", "")
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case (action == "" || action == "edit") && r.Method == http.MethodGet:
		a, found, err := s.entities.GetAlias(user, name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, a)
	case action == "" && r.Method == http.MethodPost:
		s.saveAlias(w, r, user, name)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) saveAlias(w http.ResponseWriter, r *http.Request, user, forcedName string) {
	var payload aliasPayload
	if err := decodeJSON(r, &payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	name := payload.Name
	if forcedName != "" {
		name = forcedName
	}
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if aliasresolve.Reserved(name, reservedTopSegments) {
		http.Error(w, fmt.Sprintf("alias %q conflicts with existing route", name), http.StatusConflict)
		return
	}
	meta, definition := entities.ExtractFrontMatter(payload.Definition)
	if _, err := aliasresolve.ParseDefinition(name, definition); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	existing, found, err := s.entities.GetAlias(user, name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a := workspace.Alias{Name: name, Definition: definition, Metadata: meta, Enabled: payload.Enabled, UpdatedAt: now}
	if found {
		a.CreatedAt = existing.CreatedAt
	} else {
		a.CreatedAt = now
	}
	if err := s.entities.PutAlias(user, a); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.recordInteraction(user, "alias", name, "save", "", definition)
	writeJSON(w, http.StatusOK, a)
}

// --- servers --------------------------------------------------------------

type serverPayload struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
	Enabled    bool   `json:"enabled"`
}

func (s *Server) handleServerCollection(w http.ResponseWriter, r *http.Request) {
	user := s.currentUser(r)
	switch r.Method {
	case http.MethodGet:
		rows, err := s.entities.ListServers(user)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	case http.MethodPost:
		s.saveServer(w, r, user, "")
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleServerItem(w http.ResponseWriter, r *http.Request) {
	user := s.currentUser(r)
	name, action, ok := itemName("/servers/", r.URL.Path)
	if !ok || name == "new" {
		writeJSON(w, http.StatusOK, serverPayload{})
		return
	}

	switch {
	case action == "delete" && r.Method == http.MethodPost:
		if err := s.entities.DeleteServer(user, name); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.recordInteraction(user, "server", name, "delete", "", "")
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case (action == "" || action == "edit") && r.Method == http.MethodGet:
		row, found, err := s.entities.GetServer(user, name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, row)
	case action == "" && r.Method == http.MethodPost:
		s.saveServer(w, r, user, name)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) saveServer(w http.ResponseWriter, r *http.Request, user, forcedName string) {
	var payload serverPayload
	if err := decodeJSON(r, &payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	name := payload.Name
	if forcedName != "" {
		name = forcedName
	}
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if aliasresolve.Reserved(name, reservedTopSegments) {
		http.Error(w, fmt.Sprintf("server %q conflicts with existing route", name), http.StatusConflict)
		return
	}

	meta, definition := entities.ExtractFrontMatter(payload.Definition)
	definitionCID, err := s.store.Put([]byte(definition))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	existing, found, err := s.entities.GetServer(user, name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	row := workspace.Server{Name: name, Definition: definition, DefinitionCID: definitionCID, Metadata: meta, Enabled: payload.Enabled, UpdatedAt: now}
	if found {
		row.CreatedAt = existing.CreatedAt
	} else {
		row.CreatedAt = now
	}
	if err := s.entities.PutServer(user, row); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Every server save is recorded with Content set to the definition's
	// CID; historicalDefinitionCIDs relies on this convention to answer
	// the router's versioned-dispatch lookups (e.g. /myserver/<cid-prefix>).
	s.recordInteraction(user, "server", name, "save", "", definitionCID)
	writeJSON(w, http.StatusOK, row)
}

// --- variables --------------------------------------------------------------

type variablePayload struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
	Enabled    bool   `json:"enabled"`
}

func (s *Server) handleVariableCollection(w http.ResponseWriter, r *http.Request) {
	user := s.currentUser(r)
	switch r.Method {
	case http.MethodGet:
		rows, err := s.entities.ListVariables(user)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	case http.MethodPost:
		s.saveVariable(w, r, user, "")
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleVariableItem(w http.ResponseWriter, r *http.Request) {
	user := s.currentUser(r)
	name, action, ok := itemName("/variables/", r.URL.Path)
	if !ok || name == "new" {
		writeJSON(w, http.StatusOK, variablePayload{})
		return
	}

	switch {
	case action == "delete" && r.Method == http.MethodPost:
		if err := s.entities.DeleteVariable(user, name); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.recordInteraction(user, "variable", name, "delete", "", "")
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case (action == "" || action == "edit") && r.Method == http.MethodGet:
		v, found, err := s.entities.GetVariable(user, name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, v)
	case action == "" && r.Method == http.MethodPost:
		s.saveVariable(w, r, user, name)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) saveVariable(w http.ResponseWriter, r *http.Request, user, forcedName string) {
	var payload variablePayload
	if err := decodeJSON(r, &payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	name := payload.Name
	if forcedName != "" {
		name = forcedName
	}
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	existing, found, err := s.entities.GetVariable(user, name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	v := workspace.Variable{Name: name, Definition: payload.Definition, Enabled: payload.Enabled, UpdatedAt: now}
	if found {
		v.CreatedAt = existing.CreatedAt
	} else {
		v.CreatedAt = now
	}
	if err := s.entities.PutVariable(user, v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.recordInteraction(user, "variable", name, "save", "", payload.Definition)
	writeJSON(w, http.StatusOK, v)
}

// --- secrets --------------------------------------------------------------

type secretPayload struct {
	Name       string `json:"name"`
	Plaintext  string `json:"plaintext"`
	Enabled    bool   `json:"enabled"`
}

func (s *Server) handleSecretCollection(w http.ResponseWriter, r *http.Request) {
	user := s.currentUser(r)
	switch r.Method {
	case http.MethodGet:
		rows, err := s.entities.ListSecrets(user)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		// Ciphertext, never plaintext, is exposed over the list endpoint.
		writeJSON(w, http.StatusOK, rows)
	case http.MethodPost:
		s.saveSecret(w, r, user, "")
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSecretItem(w http.ResponseWriter, r *http.Request) {
	user := s.currentUser(r)
	name, action, ok := itemName("/secrets/", r.URL.Path)
	if !ok || name == "new" {
		writeJSON(w, http.StatusOK, secretPayload{})
		return
	}

	switch {
	case action == "delete" && r.Method == http.MethodPost:
		if err := s.entities.DeleteSecret(user, name); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.recordInteraction(user, "secret", name, "delete", "", "")
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case (action == "" || action == "edit") && r.Method == http.MethodGet:
		row, found, err := s.entities.GetSecret(user, name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, row)
	case action == "" && r.Method == http.MethodPost:
		s.saveSecret(w, r, user, name)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) saveSecret(w http.ResponseWriter, r *http.Request, user, forcedName string) {
	var payload secretPayload
	if err := decodeJSON(r, &payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	name := payload.Name
	if forcedName != "" {
		name = forcedName
	}
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if s.cfg.SessionSecret == "" {
		http.Error(w, "server misconfigured: no encryption key", http.StatusInternalServerError)
		return
	}
	ciphertext, err := secretcrypto.Encrypt(s.cfg.SessionSecret, []byte(payload.Plaintext))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	existing, found, err := s.entities.GetSecret(user, name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	row := workspace.Secret{Name: name, Ciphertext: ciphertext, Enabled: payload.Enabled, UpdatedAt: now}
	if found {
		row.CreatedAt = existing.CreatedAt
	} else {
		row.CreatedAt = now
	}
	if err := s.entities.PutSecret(user, row); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.recordInteraction(user, "secret", name, "save", "", "")
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) recordInteraction(user, entityType, entityName, action, message, content string) {
	err := s.entities.AppendInteraction(user, workspace.Interaction{
		EntityType: entityType,
		EntityName: entityName,
		Action:     action,
		Message:    message,
		Content:    content,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		s.log.LogError(fmt.Sprintf("recording %s interaction for %s", entityType, entityName), err)
	}
}

// --- upload -----------------------------------------------------------

// uploadClient fetches a "url" upload source, bounded the same way
// outbound HTTP from a server definition is (spec.md §5 "Timeouts").
var uploadClient = &http.Client{Timeout: 60 * time.Second}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var content []byte
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, fmt.Sprintf("invalid upload: %v", err), http.StatusBadRequest)
			return
		}
	} else {
		r.ParseForm()
	}

	switch {
	case r.MultipartForm != nil && len(r.MultipartForm.File["file"]) > 0:
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid upload: %v", err), http.StatusBadRequest)
			return
		}
		defer file.Close()
		content, err = io.ReadAll(file)
		if err != nil {
			http.Error(w, fmt.Sprintf("reading upload: %v", err), http.StatusBadRequest)
			return
		}
	case r.FormValue("url") != "":
		sourceURL := r.FormValue("url")
		resp, err := uploadClient.Get(sourceURL)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid url: %v", err), http.StatusBadRequest)
			return
		}
		defer resp.Body.Close()
		content, err = io.ReadAll(resp.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("fetching url: %v", err), http.StatusBadRequest)
			return
		}
	case r.FormValue("text") != "":
		content = []byte(r.FormValue("text"))
	default:
		var err error
		content, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("reading request body: %v", err), http.StatusBadRequest)
			return
		}
	}

	if len(content) == 0 {
		http.Error(w, "no content supplied (file, text, url, or request body required)", http.StatusBadRequest)
		return
	}

	c, err := s.store.Put(content)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/upload/success?cid="+c, http.StatusSeeOther)
}

func (s *Server) handleUploadSuccess(w http.ResponseWriter, r *http.Request) {
	c := r.URL.Query().Get("cid")
	if c == "" || !s.store.Exists(c) {
		http.Error(w, "cid not found", http.StatusNotFound)
		return
	}
	base := httputil.GetBaseURL(r, s.cfg.BaseURL)
	writeJSON(w, http.StatusOK, map[string]string{"cid": c, "url": base + "/" + c})
}

// --- export -----------------------------------------------------------

func (s *Server) buildSelection(r *http.Request, storeContent bool) exportengine.Selection {
	q := r.URL.Query()
	truthy := func(name string) bool { return q.Get(name) == "" || q.Get(name) == "true" || q.Get(name) == "1" }
	return exportengine.Selection{
		Aliases:      truthy("aliases"),
		Servers:      truthy("servers"),
		Variables:    truthy("variables"),
		Secrets:      truthy("secrets"),
		ChangeHistory: q.Get("change_history") == "true" || q.Get("change_history") == "1",
		AppSource:    q.Get("app_source") == "true" || q.Get("app_source") == "1",
		CIDMap:       q.Get("cid_map") == "true" || q.Get("cid_map") == "1",
		SecretKey:    s.cfg.BootSecretKey,
		StoreContent: storeContent,
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user := s.currentUser(r)
	sel := s.buildSelection(r, true)
	result, err := exportengine.Build(s.store, s.entities, user, sel, time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := map[string]string{"cid": result.CID}
	if q := r.URL.Query().Get("semantic"); q == "true" || q == "1" {
		projected, err := semanticexport.Project(result.JSON)
		if err != nil {
			http.Error(w, fmt.Sprintf("semantic projection: %v", err), http.StatusInternalServerError)
			return
		}
		resp["semantic_cid"] = projected.CID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExportSize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user := s.currentUser(r)
	sel := s.buildSelection(r, false)
	result, err := exportengine.Build(s.store, s.entities, user, sel, time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"bytes": len(result.JSON)})
}

// --- import / boot ------------------------------------------------------

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"usage": "POST {\"cid\": \"<boot cid>\"} to import"})
		return
	}

	var body struct {
		CID string `json:"cid"`
	}
	if err := decodeJSON(r, &body); err != nil || body.CID == "" {
		http.Error(w, "a boot cid is required", http.StatusBadRequest)
		return
	}

	user := s.currentUser(r)
	if err := bootdriver.Import(s.store, s.entities, user, body.CID, s.cfg.BootSecretKey, s.log); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "imported"})
}

// --- wallet auth --------------------------------------------------------

// walletLoginPayload is a personal_sign challenge response (SPEC_FULL.md
// §3 "walletauth"): the caller signed challenge with a wallet key and
// asserts address as the identity to mint a session for.
type walletLoginPayload struct {
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
	Address   string `json:"address"`
}

func (s *Server) handleWalletLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload walletLoginPayload
	if err := decodeJSON(r, &payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	var identity walletauth.Identity
	var err error
	if payload.Address != "" {
		identity, err = walletauth.VerifyOwnership([]byte(payload.Challenge), payload.Signature, payload.Address)
	} else {
		identity, err = walletauth.RecoverOwner([]byte(payload.Challenge), payload.Signature)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	token, err := auth.IssueSession(s.cfg.SessionSecret, identity.Address, "", "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": identity.Address, "token": token})
}

// --- openapi ------------------------------------------------------------

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	doc := map[string]interface{}{
		"openapi": "3.0.3",
		"info":    map[string]string{"title": "cidweave", "version": "1"},
		"paths": map[string]interface{}{
			"/{cid}":    map[string]string{"get": "serve content-addressed blob"},
			"/aliases":  map[string]string{"get": "list aliases", "post": "create alias"},
			"/servers":  map[string]string{"get": "list servers", "post": "create server"},
			"/variables": map[string]string{"get": "list variables", "post": "create variable"},
			"/secrets":  map[string]string{"get": "list secrets", "post": "create secret"},
			"/upload":   map[string]string{"post": "store content as a cid"},
			"/export":   map[string]string{"get": "build an export snapshot", "post": "build an export snapshot"},
			"/import":   map[string]string{"post": "apply a boot cid"},
		},
	}
	if strings.HasSuffix(r.URL.Path, ".json") {
		writeJSON(w, http.StatusOK, doc)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!doctype html><title>cidweave API</title><p>See <a href=\"/openapi.json\">/openapi.json</a> for the machine-readable schema.</p>")
}

// --- dashboard ------------------------------------------------------------

func handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!doctype html><title>cidweave</title><p>content-addressed web workspace</p>")
}

// --- main -----------------------------------------------------------

func main() {
	rt, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var appLogger logger.Logger
	if rt.JSONLLog {
		appLogger = logger.NewJSONLLogger(os.Stdout)
	} else {
		appLogger = logger.NewTextLogger()
	}
	appLogger.LogInfo(fmt.Sprintf("CID directory: %s", rt.CIDDirectory))
	appLogger.LogInfo(fmt.Sprintf("Entities directory: %s", rt.EntitiesDirectory))
	appLogger.LogInfo(fmt.Sprintf("Base URL: %s", rt.BaseURL))

	st := store.NewFSStore(rt.CIDDirectory)
	if err := st.LoadDirectory(rt.LoadCIDsInTests); err != nil {
		// Every LoadDirectory failure is a directory-mirror consistency
		// violation (spec.md §6 "Exit codes", §7 "CID bytes/name mismatch").
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	ent := entities.NewRepo(rt.EntitiesDirectory)

	if rt.BootCID != "" {
		appLogger.LogInfo(fmt.Sprintf("importing boot cid %s", rt.BootCID))
		if err := bootdriver.Import(st, ent, defaultUser, rt.BootCID, rt.BootSecretKey, appLogger); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
	}

	rnd := render.New()
	qr := render.NewQR()

	rtr := &router.Router{
		Store:    st,
		Entities: ent,
		Render:   rnd,
		QR:       qr,
		Builtins: map[string]router.BuiltinHandler{
			"": handleDashboard,
			"/": handleDashboard,
		},
		Logger: appLogger,
	}
	srv := NewServer(st, ent, rtr, rt, appLogger)
	rtr.CurrentUser = srv.currentUser
	rtr.HistoricalDefinitionCIDs = srv.historicalDefinitionCIDs
	rtr.FetchDefinitionText = srv.fetchDefinitionText

	handler := logger.LoggingMiddleware(appLogger, false)(srv.routes())

	appLogger.LogInfo(fmt.Sprintf("listening on %s", rt.Addr))
	if err := http.ListenAndServe(rt.Addr, handler); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
