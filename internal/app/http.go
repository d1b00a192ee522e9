package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"ssreditor/api/internal/access"
	"ssreditor/api/internal/authpw"
	"ssreditor/api/internal/export"
	"ssreditor/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	router     *mux.Router
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin}
	s.router = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.router)
}

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/socket", s.service.Gateway())

	r.HandleFunc("/", s.handleListOwned).Methods(http.MethodGet)
	r.HandleFunc("/all", s.handleListAll).Methods(http.MethodGet)
	r.HandleFunc("/role/{role}", s.handleListByRole).Methods(http.MethodGet)
	r.HandleFunc("/add/{type}", s.handleCreate).Methods(http.MethodGet)
	r.HandleFunc("/edit", s.handleEdit).Methods(http.MethodPut)
	r.HandleFunc("/docs/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/docs/{id}/role", s.handleRole).Methods(http.MethodGet)
	r.HandleFunc("/docs/{id}/export", s.handleExport).Methods(http.MethodGet)
	r.HandleFunc("/comment/add", s.handleCommentAdd).Methods(http.MethodPut)
	r.HandleFunc("/comment/delete", s.handleCommentDelete).Methods(http.MethodPut)
	r.HandleFunc("/send", s.handleInvite).Methods(http.MethodPost)
	r.HandleFunc("/accept/{id}", s.handleAccept).Methods(http.MethodGet)
	r.HandleFunc("/delete", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/reset", s.handleReset).Methods(http.MethodGet)
	r.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)

	r.HandleFunc("/users/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/users/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/users/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/users/all", s.handleListUsers).Methods(http.MethodGet)
	r.HandleFunc("/users/{email}", s.handleGetUser).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if s.service.revocations != nil {
		if err := s.service.revocations.Ping(ctx); err != nil {
			// Logout still works from the token's point of view; report only.
			checks["sessions"] = map[string]any{"status": "error", "error": err.Error()}
		} else {
			checks["sessions"] = map[string]any{"status": "ok"}
		}
	}
	checks["pendingWrites"] = len(s.service.scheduler.Pending())

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// session resolves the bearer token. Requests without a valid token get an
// empty Session.
func (s *HTTPServer) session(r *http.Request) Session {
	token := bearerToken(r)
	if token == "" {
		return Session{}
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		glog.V(1).Infof("session: %v", err)
		return Session{}
	}
	return session
}

func (s *HTTPServer) handleListOwned(w http.ResponseWriter, r *http.Request) {
	session := s.session(r)
	if session.Email == "" {
		writeJSON(w, http.StatusOK, map[string]any{"docs": "unauthenticated"})
		return
	}
	docs, err := s.service.Accessible(r.Context(), session, access.RelationOwned)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"docs": nonNilDocs(docs)})
}

func (s *HTTPServer) handleListAll(w http.ResponseWriter, r *http.Request) {
	docs, err := s.service.ListDocuments(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"docs": nonNilDocs(docs)})
}

func (s *HTTPServer) handleListByRole(w http.ResponseWriter, r *http.Request) {
	rel, err := access.ParseRelation(mux.Vars(r)["role"])
	if err != nil {
		writeError(w, http.StatusNotFound, "UNKNOWN_ROLE", err.Error(), nil)
		return
	}
	docs, err := s.service.Accessible(r.Context(), s.session(r), rel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"docs": nonNilDocs(docs)})
}

func (s *HTTPServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	docType, ok := store.ParseDocType(mux.Vars(r)["type"])
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"new_id": nil})
		return
	}
	docID, err := s.service.CreateDocument(r.Context(), s.session(r), docType)
	if err != nil {
		if isDomainError(err) {
			s.fail(w, r, err)
			return
		}
		glog.Errorf("create document: %v", err)
		writeJSON(w, http.StatusOK, map[string]any{"new_id": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"new_id": docID})
}

type editBody struct {
	DocID    string           `json:"doc_id"`
	Title    *string          `json:"title"`
	Content  *string          `json:"content"`
	Comments *[]store.Comment `json:"comments"`
}

func (s *HTTPServer) handleEdit(w http.ResponseWriter, r *http.Request) {
	var body editBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.EditDocument(r.Context(), strings.TrimSpace(body.DocID), store.DocumentPatch{
		Title:    body.Title,
		Content:  body.Content,
		Comments: body.Comments,
	})
	s.writeDoc(w, r, doc, err)
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.GetDocument(r.Context(), mux.Vars(r)["id"])
	s.writeDoc(w, r, doc, err)
}

func (s *HTTPServer) handleRole(w http.ResponseWriter, r *http.Request) {
	session := s.session(r)
	if session.Email == "" {
		s.fail(w, r, errUnauthenticated)
		return
	}
	role, err := s.service.RoleOf(r.Context(), session, mux.Vars(r)["id"])
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": role})
}

type commentBody struct {
	DocID   string          `json:"doc_id"`
	ID      store.CommentID `json:"id"`
	Content string          `json:"content"`
}

func (s *HTTPServer) handleCommentAdd(w http.ResponseWriter, r *http.Request) {
	var body commentBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.AddComment(r.Context(), s.session(r), strings.TrimSpace(body.DocID), body.ID, body.Content)
	s.writeDoc(w, r, doc, err)
}

func (s *HTTPServer) handleCommentDelete(w http.ResponseWriter, r *http.Request) {
	var body commentBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.DeleteComment(r.Context(), strings.TrimSpace(body.DocID), body.ID)
	s.writeDoc(w, r, doc, err)
}

// writeDoc answers {"doc": ...}. Store failures and missing documents both
// come back as a null doc.
func (s *HTTPServer) writeDoc(w http.ResponseWriter, r *http.Request, doc store.Document, err error) {
	if err != nil {
		if isDomainError(err) {
			s.fail(w, r, err)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			glog.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
		}
		writeJSON(w, http.StatusOK, map[string]any{"doc": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"doc": doc})
}

func (s *HTTPServer) handleInvite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DocID string `json:"doc_id"`
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Invite(r.Context(), s.session(r), strings.TrimSpace(body.DocID), body.Email)
	if err != nil {
		if isDomainError(err) {
			s.fail(w, r, err)
			return
		}
		if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, access.ErrInvalidEmail) {
			glog.Errorf("invite: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{"invited": false, "status": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invited": result == access.InviteSent, "status": result})
}

func (s *HTTPServer) handleAccept(w http.ResponseWriter, r *http.Request) {
	_, err := s.service.Accept(r.Context(), s.session(r), mux.Vars(r)["id"])
	if err != nil {
		if isDomainError(err) {
			s.fail(w, r, err)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			glog.Errorf("accept: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]any{"accepted": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	deleted, err := s.service.DeleteDocument(r.Context(), s.session(r), strings.TrimSpace(body.ID))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": map[string]any{"deletedCount": deleted}})
}

func (s *HTTPServer) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Reset(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	resp, err := s.service.Search(r.Context(), s.session(r), query.Get("q"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	format := export.FormatPDF
	if raw := query.Get("format"); raw != "" {
		parsed, ok := export.ParseFormat(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "UNSUPPORTED_FORMAT", fmt.Sprintf("unsupported format %q", raw), nil)
			return
		}
		format = parsed
	}
	includeComments, _ := strconv.ParseBool(query.Get("comments"))

	result, err := s.service.Export(r.Context(), s.session(r), export.Request{
		DocID:           mux.Vars(r)["id"],
		Format:          format,
		IncludeComments: includeComments,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

type credentialsBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if _, err := s.service.Register(r.Context(), body.Email, body.Password); err != nil {
		response := map[string]any{"success": false, "error": err.Error()}
		if !errors.Is(err, authpw.ErrEmailTaken) && !errors.Is(err, authpw.ErrWeakPassword) && !errors.Is(err, authpw.ErrMissingCredentials) {
			glog.Errorf("register: %v", err)
			response["error"] = "Server error"
		}
		writeJSON(w, http.StatusOK, response)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	token, expiresAt, err := s.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		if !errors.Is(err, authpw.ErrInvalidCredentials) && !errors.Is(err, authpw.ErrMissingCredentials) {
			glog.Errorf("login: %v", err)
		}
		writeJSON(w, http.StatusOK, false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expiresAt": expiresAt.Unix()})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Logout(r.Context(), s.session(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.service.ListUsers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *HTTPServer) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.service.GetUser(r.Context(), mux.Vars(r)["email"])
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		glog.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					panic(recovered)
				}
				glog.Errorf("panic serving %s %s: %v\n%s", r.Method, r.URL.Path, recovered, debug.Stack())
				if !writer.wrote {
					writeError(writer, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
				}
			}
			glog.Infof(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
				requestID,
				r.Method,
				r.URL.Path,
				writer.status,
				time.Since(started).Milliseconds(),
			)
		}()

		if r.Method == http.MethodOptions {
			writeJSON(writer, http.StatusNoContent, map[string]any{})
			return
		}
		next.ServeHTTP(writer, r)
	})
}

type requestIDKey struct{}

// RequestID returns the id the middleware attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.wrote = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

// Hijack lets the websocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	r.wrote = true
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func nonNilDocs(docs []store.Document) []store.Document {
	if docs == nil {
		return []store.Document{}
	}
	return docs
}
