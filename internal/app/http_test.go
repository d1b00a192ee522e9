package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type httpEnv struct {
	*testEnv
	handler http.Handler
}

func newHTTPEnv(t *testing.T) *httpEnv {
	t.Helper()
	env := newTestEnv(t)
	return &httpEnv{testEnv: env, handler: NewHTTPServer(env.svc, "*").Handler()}
}

func (e *httpEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
	return payload
}

// signIn registers and logs in through the HTTP routes and returns the token.
func (e *httpEnv) signIn(t *testing.T, email string) string {
	t.Helper()
	creds := `{"email":"` + email + `","password":"password123"}`
	rr := e.do(t, http.MethodPost, "/users/register", "", creds)
	if payload := decodeMap(t, rr); payload["success"] != true {
		t.Fatalf("register %s: %v", email, payload)
	}
	rr = e.do(t, http.MethodPost, "/users/login", "", creds)
	token, _ := decodeMap(t, rr)["token"].(string)
	if token == "" {
		t.Fatalf("login %s returned no token: %s", email, rr.Body.String())
	}
	return token
}

func (e *httpEnv) create(t *testing.T, token string) string {
	t.Helper()
	rr := e.do(t, http.MethodGet, "/add/text", token, "")
	docID, _ := decodeMap(t, rr)["new_id"].(string)
	if docID == "" {
		t.Fatalf("create returned no id: %s", rr.Body.String())
	}
	return docID
}

func TestListOwnedWithoutTokenIsUnauthenticated(t *testing.T) {
	env := newHTTPEnv(t)

	rr := env.do(t, http.MethodGet, "/", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if docs := decodeMap(t, rr)["docs"]; docs != "unauthenticated" {
		t.Fatalf("expected unauthenticated, got %v", docs)
	}

	rr = env.do(t, http.MethodGet, "/", "not-a-jwt", "")
	if docs := decodeMap(t, rr)["docs"]; docs != "unauthenticated" {
		t.Fatalf("expected unauthenticated for a bad token, got %v", docs)
	}
}

func TestCreateAndListOwned(t *testing.T) {
	env := newHTTPEnv(t)
	token := env.signIn(t, "alice@example.com")
	docID := env.create(t, token)

	rr := env.do(t, http.MethodGet, "/", token, "")
	docs, _ := decodeMap(t, rr)["docs"].([]any)
	if len(docs) != 1 {
		t.Fatalf("expected one owned document, got %v", docs)
	}
	if doc := docs[0].(map[string]any); doc["doc_id"] != docID {
		t.Fatalf("unexpected document %v", doc)
	}
}

func TestCreateWithUnknownTypeReturnsNullID(t *testing.T) {
	env := newHTTPEnv(t)
	token := env.signIn(t, "alice@example.com")

	rr := env.do(t, http.MethodGet, "/add/spreadsheet", token, "")
	payload := decodeMap(t, rr)
	if id, exists := payload["new_id"]; !exists || id != nil {
		t.Fatalf("expected new_id=null, got %v", payload)
	}
}

func TestEditAndGetDocument(t *testing.T) {
	env := newHTTPEnv(t)
	token := env.signIn(t, "alice@example.com")
	docID := env.create(t, token)

	rr := env.do(t, http.MethodPut, "/edit", token, `{"doc_id":"`+docID+`","title":"Glass","content":"<p>gott</p>"}`)
	doc, _ := decodeMap(t, rr)["doc"].(map[string]any)
	if doc["title"] != "Glass" || doc["content"] != "<p>gott</p>" {
		t.Fatalf("unexpected edit result %v", doc)
	}

	rr = env.do(t, http.MethodPut, "/edit", token, `{"doc_id":"`+docID+`","title":"Glass!"}`)
	doc, _ = decodeMap(t, rr)["doc"].(map[string]any)
	if doc["title"] != "Glass!" || doc["content"] != "<p>gott</p>" {
		t.Fatalf("absent content must not be blanked: %v", doc)
	}

	rr = env.do(t, http.MethodGet, "/docs/"+docID, "", "")
	doc, _ = decodeMap(t, rr)["doc"].(map[string]any)
	if doc["title"] != "Glass!" {
		t.Fatalf("unexpected get result %v", doc)
	}
}

func TestMissingDocumentIsNull(t *testing.T) {
	env := newHTTPEnv(t)

	for _, rr := range []*httptest.ResponseRecorder{
		env.do(t, http.MethodGet, "/docs/nope00", "", ""),
		env.do(t, http.MethodPut, "/edit", "", `{"doc_id":"nope00","title":"x"}`),
		env.do(t, http.MethodPut, "/comment/delete", "", `{"doc_id":"nope00","id":1}`),
	} {
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		payload := decodeMap(t, rr)
		if doc, exists := payload["doc"]; !exists || doc != nil {
			t.Fatalf("expected doc=null, got %v", payload)
		}
	}
}

func TestInvalidJSONBodyIsBadRequest(t *testing.T) {
	env := newHTTPEnv(t)

	rr := env.do(t, http.MethodPut, "/edit", "", `{"doc_id":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if code := decodeMap(t, rr)["code"]; code != "INVALID_BODY" {
		t.Fatalf("expected INVALID_BODY, got %v", code)
	}
}

func TestInviteAndAcceptOverHTTP(t *testing.T) {
	env := newHTTPEnv(t)
	alice := env.signIn(t, "alice@example.com")
	docID := env.create(t, alice)

	rr := env.do(t, http.MethodPost, "/send", alice, `{"doc_id":"`+docID+`","email":"bob@example.com"}`)
	payload := decodeMap(t, rr)
	if payload["invited"] != true || payload["status"] != "sent" {
		t.Fatalf("unexpected invite response %v", payload)
	}
	rr = env.do(t, http.MethodPost, "/send", alice, `{"doc_id":"`+docID+`","email":"bob@example.com"}`)
	payload = decodeMap(t, rr)
	if payload["invited"] != false || payload["status"] != "already invited" {
		t.Fatalf("unexpected repeat invite response %v", payload)
	}

	bob := env.signIn(t, "bob@example.com")
	rr = env.do(t, http.MethodGet, "/role/invited", bob, "")
	if docs, _ := decodeMap(t, rr)["docs"].([]any); len(docs) != 1 {
		t.Fatalf("expected one invitation, got %v", docs)
	}

	rr = env.do(t, http.MethodGet, "/accept/"+docID, bob, "")
	if accepted := decodeMap(t, rr)["accepted"]; accepted != true {
		t.Fatalf("expected accepted=true, got %v", accepted)
	}

	rr = env.do(t, http.MethodGet, "/role/collaborator", bob, "")
	if docs, _ := decodeMap(t, rr)["docs"].([]any); len(docs) != 1 {
		t.Fatalf("expected one collaboration, got %v", docs)
	}
	rr = env.do(t, http.MethodGet, "/role/invited", bob, "")
	if docs, _ := decodeMap(t, rr)["docs"].([]any); len(docs) != 0 {
		t.Fatalf("invitation should be gone, got %v", docs)
	}

	rr = env.do(t, http.MethodGet, "/accept/nope00", bob, "")
	if accepted := decodeMap(t, rr)["accepted"]; accepted != false {
		t.Fatalf("expected accepted=false for a missing document, got %v", accepted)
	}
}

func TestUnknownRoleIsNotFound(t *testing.T) {
	env := newHTTPEnv(t)
	token := env.signIn(t, "alice@example.com")

	rr := env.do(t, http.MethodGet, "/role/admin", token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestDeleteByNonOwnerIsForbidden(t *testing.T) {
	env := newHTTPEnv(t)
	alice := env.signIn(t, "alice@example.com")
	mallory := env.signIn(t, "mallory@example.com")
	docID := env.create(t, alice)

	rr := env.do(t, http.MethodDelete, "/delete", mallory, `{"id":"`+docID+`"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodDelete, "/delete", "", `{"id":"`+docID+`"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodDelete, "/delete", alice, `{"id":"`+docID+`"}`)
	deleted, _ := decodeMap(t, rr)["deleted"].(map[string]any)
	if deleted["deletedCount"] != float64(1) {
		t.Fatalf("expected deletedCount=1, got %v", deleted)
	}
}

func TestLogoutInvalidatesToken(t *testing.T) {
	env := newHTTPEnv(t)
	token := env.signIn(t, "alice@example.com")

	rr := env.do(t, http.MethodPost, "/users/logout", token, "")
	if ok := decodeMap(t, rr)["ok"]; ok != true {
		t.Fatalf("expected ok=true, got %v", ok)
	}

	rr = env.do(t, http.MethodGet, "/", token, "")
	if docs := decodeMap(t, rr)["docs"]; docs != "unauthenticated" {
		t.Fatalf("logged out token should be unauthenticated, got %v", docs)
	}
}

func TestLoginWithWrongPasswordReturnsFalse(t *testing.T) {
	env := newHTTPEnv(t)
	env.signIn(t, "alice@example.com")

	rr := env.do(t, http.MethodPost, "/users/login", "", `{"email":"alice@example.com","password":"nope-nope"}`)
	if strings.TrimSpace(rr.Body.String()) != "false" {
		t.Fatalf("expected false, got %s", rr.Body.String())
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newHTTPEnv(t)
	env.signIn(t, "alice@example.com")

	rr := env.do(t, http.MethodPost, "/users/register", "", `{"email":"alice@example.com","password":"password123"}`)
	payload := decodeMap(t, rr)
	if payload["success"] != false {
		t.Fatalf("expected success=false, got %v", payload)
	}
}

func TestUsersNeverExposePasswordHash(t *testing.T) {
	env := newHTTPEnv(t)
	env.signIn(t, "alice@example.com")

	rr := env.do(t, http.MethodGet, "/users/all", "", "")
	if strings.Contains(rr.Body.String(), "$2a$") {
		t.Fatalf("password hash leaked: %s", rr.Body.String())
	}
	rr = env.do(t, http.MethodGet, "/users/alice@example.com", "", "")
	user, _ := decodeMap(t, rr)["user"].(map[string]any)
	if user["email"] != "alice@example.com" {
		t.Fatalf("unexpected user %v", user)
	}
	rr = env.do(t, http.MethodGet, "/users/nobody@example.com", "", "")
	if payload := decodeMap(t, rr); payload["user"] != nil {
		t.Fatalf("expected user=null, got %v", payload)
	}
}

func TestResetRedirectsHome(t *testing.T) {
	env := newHTTPEnv(t)

	rr := env.do(t, http.MethodGet, "/reset", "", "")
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect to /, got %d %q", rr.Code, rr.Header().Get("Location"))
	}
	rr = env.do(t, http.MethodGet, "/all", "", "")
	if docs, _ := decodeMap(t, rr)["docs"].([]any); len(docs) != 4 {
		t.Fatalf("expected four seeded documents, got %d", len(docs))
	}
}

func TestExportHTML(t *testing.T) {
	env := newHTTPEnv(t)
	token := env.signIn(t, "alice@example.com")
	docID := env.create(t, token)

	rr := env.do(t, http.MethodGet, "/docs/"+docID+"/export?format=html&comments=true", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rr.Header().Get("Content-Disposition"), ".html") {
		t.Fatalf("unexpected disposition %q", rr.Header().Get("Content-Disposition"))
	}

	other := env.signIn(t, "mallory@example.com")
	rr = env.do(t, http.MethodGet, "/docs/"+docID+"/export?format=html", other, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a stranger, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/docs/"+docID+"/export?format=docx", token, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for docx, got %d", rr.Code)
	}
}

func TestSearchRequiresSession(t *testing.T) {
	env := newHTTPEnv(t)

	rr := env.do(t, http.MethodGet, "/search?q=glass", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	token := env.signIn(t, "alice@example.com")
	rr = env.do(t, http.MethodGet, "/search?q=glass&offset=-5", token, "")
	payload := decodeMap(t, rr)
	if payload["query"] != "glass" || payload["total"] != float64(0) {
		t.Fatalf("unexpected search response %v", payload)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	env := newTestEnv(t)
	server := NewHTTPServer(env.svc, "*")
	handler := server.withMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestSocketRouteThroughMiddleware(t *testing.T) {
	env := newHTTPEnv(t)
	token := env.signIn(t, "alice@example.com")
	docID := env.create(t, token)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/socket", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]any{"event": "join", "data": docID}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Event != "enterDoc" || frame.Data["doc_id"] != docID {
		t.Fatalf("unexpected frame %+v", frame)
	}

	// A comment added over HTTP reaches the socket viewing the document.
	env.do(t, http.MethodPut, "/comment/add", token, `{"doc_id":"`+docID+`","id":1,"content":"hej"}`)
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if frame.Event != "update" {
		t.Fatalf("expected update, got %q", frame.Event)
	}
	comments, _ := frame.Data["comments"].([]any)
	if len(comments) != 1 {
		t.Fatalf("expected the new comment in the update, got %v", frame.Data)
	}
}
