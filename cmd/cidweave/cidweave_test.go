package main

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stackdump/cidweave/internal/config"
	"github.com/stackdump/cidweave/internal/entities"
	"github.com/stackdump/cidweave/internal/logger"
	"github.com/stackdump/cidweave/internal/router"
	"github.com/stackdump/cidweave/internal/store"
	"github.com/stackdump/cidweave/internal/walletauth"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st := store.NewFSStore(t.TempDir())
	ent := entities.NewRepo(t.TempDir())
	cfg := config.Runtime{SessionSecret: "test-secret"}
	rtr := &router.Router{
		Store:    st,
		Entities: ent,
		Builtins: map[string]router.BuiltinHandler{"": handleDashboard, "/": handleDashboard},
		Logger:   logger.NewTextLogger(),
	}
	srv := NewServer(st, ent, rtr, cfg, logger.NewTextLogger())
	rtr.CurrentUser = srv.currentUser
	rtr.HistoricalDefinitionCIDs = srv.historicalDefinitionCIDs
	rtr.FetchDefinitionText = srv.fetchDefinitionText
	return srv
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestAliasCreateListAndFetch(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	w := doJSON(t, mux, http.MethodPost, "/aliases", aliasPayload{Name: "shortcut", Definition: "/shortcut -> /target", Enabled: true})
	if w.Code != http.StatusOK {
		t.Fatalf("create alias: status %d body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, mux, http.MethodGet, "/aliases", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list aliases: status %d", w.Code)
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(rows) != 1 || rows[0]["Name"] != "shortcut" {
		t.Fatalf("unexpected alias list: %+v", rows)
	}

	w = doJSON(t, mux, http.MethodGet, "/aliases/shortcut", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get alias: status %d", w.Code)
	}
}

func TestAliasFrontMatterExtractedFromDefinition(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	definition := "---\ntitle: My Shortcut\ntags: a,b\n---\n/shortcut -> /target"
	w := doJSON(t, mux, http.MethodPost, "/aliases", aliasPayload{Name: "shortcut", Definition: definition})
	if w.Code != http.StatusOK {
		t.Fatalf("create alias with front matter: status %d body %s", w.Code, w.Body.String())
	}

	saved, found, err := srv.entities.GetAlias(defaultUser, "shortcut")
	if err != nil || !found {
		t.Fatalf("GetAlias: found=%v err=%v", found, err)
	}
	if saved.Definition != "/shortcut -> /target" {
		t.Fatalf("Definition = %q, want front matter stripped", saved.Definition)
	}
	if saved.Metadata["title"] != "My Shortcut" {
		t.Fatalf("Metadata = %+v, want title=My Shortcut", saved.Metadata)
	}
}

func TestAliasReservedNameRejected(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	w := doJSON(t, mux, http.MethodPost, "/aliases", aliasPayload{Name: "servers", Definition: "/x"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestAliasDelete(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	doJSON(t, mux, http.MethodPost, "/aliases", aliasPayload{Name: "gone", Definition: "/gone -> /x"})
	w := doJSON(t, mux, http.MethodPost, "/aliases/gone/delete", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete alias: status %d", w.Code)
	}
	w = doJSON(t, mux, http.MethodGet, "/aliases/gone", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("after delete: status %d, want 404", w.Code)
	}
}

func TestServerSaveRecordsDefinitionCIDInteraction(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	w := doJSON(t, mux, http.MethodPost, "/servers", serverPayload{Name: "echo", Definition: "return input", Enabled: true})
	if w.Code != http.StatusOK {
		t.Fatalf("create server: status %d body %s", w.Code, w.Body.String())
	}
	var saved map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &saved); err != nil {
		t.Fatalf("decode saved server: %v", err)
	}
	defCID, _ := saved["DefinitionCID"].(string)
	if defCID == "" {
		t.Fatalf("saved server missing DefinitionCID: %+v", saved)
	}

	cids, err := srv.historicalDefinitionCIDs(defaultUser, "echo")
	if err != nil {
		t.Fatalf("historicalDefinitionCIDs: %v", err)
	}
	if len(cids) != 1 || cids[0] != defCID {
		t.Fatalf("historicalDefinitionCIDs = %v, want [%s]", cids, defCID)
	}

	text, err := srv.fetchDefinitionText(defCID)
	if err != nil {
		t.Fatalf("fetchDefinitionText: %v", err)
	}
	if text != "return input" {
		t.Fatalf("fetchDefinitionText = %q, want %q", text, "return input")
	}
}

func TestSecretSaveStoresCiphertextNotPlaintext(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	w := doJSON(t, mux, http.MethodPost, "/secrets", secretPayload{Name: "api-key", Plaintext: "sh-hh-secret", Enabled: true})
	if w.Code != http.StatusOK {
		t.Fatalf("create secret: status %d body %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "sh-hh-secret") {
		t.Fatalf("secret response leaked plaintext: %s", w.Body.String())
	}

	w = doJSON(t, mux, http.MethodGet, "/secrets", nil)
	if strings.Contains(w.Body.String(), "sh-hh-secret") {
		t.Fatalf("secret list leaked plaintext: %s", w.Body.String())
	}
}

func TestUploadTextAndSuccessRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	form := strings.NewReader("text=hello+world")
	req := httptest.NewRequest(http.MethodPost, "/upload", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("upload: status %d, want 303", w.Code)
	}
	location := w.Header().Get("Location")
	if !strings.HasPrefix(location, "/upload/success?cid=") {
		t.Fatalf("Location = %q", location)
	}

	req = httptest.NewRequest(http.MethodGet, location, nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("upload success: status %d body %s", w.Code, w.Body.String())
	}
}

func TestUploadSuccessHonorsForwardedHost(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	form := strings.NewReader("text=hi")
	req := httptest.NewRequest(http.MethodPost, "/upload", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	location := w.Header().Get("Location")

	req2 := httptest.NewRequest(http.MethodGet, location, nil)
	req2.Header.Set("X-Forwarded-Host", "cids.example.com")
	req2.Header.Set("X-Forwarded-Proto", "https")
	w2 := httptest.NewRecorder()
	mux.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("upload success: status %d body %s", w2.Code, w2.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w2.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp["url"], "https://cids.example.com/") {
		t.Fatalf("url = %q, want https://cids.example.com/ prefix", resp["url"])
	}
}

func TestUploadMultipartFile(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "note.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write([]byte("uploaded bytes"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("upload multipart: status %d body %s", w.Code, w.Body.String())
	}
}

func TestUploadEmptyRejected(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(""))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty upload: status %d, want 400", w.Code)
	}
}

func TestExportAndExportSize(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	doJSON(t, mux, http.MethodPost, "/aliases", aliasPayload{Name: "a", Definition: "/a -> /b"})

	w := doJSON(t, mux, http.MethodGet, "/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export: status %d body %s", w.Code, w.Body.String())
	}
	var exported map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &exported); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if exported["cid"] == "" {
		t.Fatalf("export produced no cid: %+v", exported)
	}

	w = doJSON(t, mux, http.MethodPost, "/export/size", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export size: status %d body %s", w.Code, w.Body.String())
	}
	var sized map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &sized); err != nil {
		t.Fatalf("decode export size: %v", err)
	}
	if sized["bytes"] <= 0 {
		t.Fatalf("export size = %+v, want positive byte count", sized)
	}
}

func TestImportRejectsUnknownBootCID(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	w := doJSON(t, mux, http.MethodPost, "/import", map[string]string{"cid": "deadbeef-does-not-exist"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("import unknown cid: status %d, want 400", w.Code)
	}
}

func TestOpenAPIJSONAndHTML(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	w := doJSON(t, mux, http.MethodGet, "/openapi.json", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("openapi.json: status %d content-type %s", w.Code, w.Header().Get("Content-Type"))
	}

	w = doJSON(t, mux, http.MethodGet, "/openapi", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("openapi: status %d content-type %s", w.Code, w.Header().Get("Content-Type"))
	}
}

func TestWalletLoginIssuesSessionForSigner(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	priv, err := walletauth.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	address := walletauth.AddressFromPrivateKey(priv)
	challenge := "login to cidweave at 2026-07-30T00:00:00Z"
	sig, err := walletauth.SignPersonal(priv, []byte(challenge))
	if err != nil {
		t.Fatalf("SignPersonal: %v", err)
	}

	w := doJSON(t, mux, http.MethodPost, "/auth/wallet", walletLoginPayload{
		Challenge: challenge,
		Signature: sig,
		Address:   address,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("wallet login: status %d body %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode wallet login response: %v", err)
	}
	if resp["address"] != address || resp["token"] == "" {
		t.Fatalf("wallet login response = %+v", resp)
	}
}

func TestWalletLoginRejectsWrongSigner(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	signer, err := walletauth.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	other, err := walletauth.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	challenge := "login challenge"
	sig, err := walletauth.SignPersonal(signer, []byte(challenge))
	if err != nil {
		t.Fatalf("SignPersonal: %v", err)
	}

	w := doJSON(t, mux, http.MethodPost, "/auth/wallet", walletLoginPayload{
		Challenge: challenge,
		Signature: sig,
		Address:   walletauth.AddressFromPrivateKey(other),
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wallet login with wrong signer: status %d, want 401", w.Code)
	}
}

func TestExportSemanticToggleAddsSemanticCID(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	doJSON(t, mux, http.MethodPost, "/aliases", aliasPayload{Name: "a", Definition: "/a -> /b"})

	w := doJSON(t, mux, http.MethodGet, "/export?semantic=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export with semantic=true: status %d body %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode export response: %v", err)
	}
	if resp["semantic_cid"] == "" {
		t.Fatalf("export response missing semantic_cid: %+v", resp)
	}
}

func TestDashboardFallsThroughRouter(t *testing.T) {
	srv := newTestServer(t)
	mux := srv.routes()

	w := doJSON(t, mux, http.MethodGet, "/", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("dashboard: status %d content-type %s", w.Code, w.Header().Get("Content-Type"))
	}
}
