package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"

	"ssreditor/api/internal/access"
	"ssreditor/api/internal/annotate"
	"ssreditor/api/internal/auth"
	"ssreditor/api/internal/authpw"
	"ssreditor/api/internal/config"
	"ssreditor/api/internal/export"
	"ssreditor/api/internal/gateway"
	"ssreditor/api/internal/room"
	"ssreditor/api/internal/scheduler"
	"ssreditor/api/internal/search"
	"ssreditor/api/internal/store"
)

// Session is the caller behind a bearer token.
type Session struct {
	Token     string
	UserID    string
	Email     string
	JTI       string
	ExpiresAt time.Time
}

// Revocations remembers logged out tokens until they expire.
type Revocations interface {
	Revoke(ctx context.Context, tokenID, email string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	Ping(ctx context.Context) error
}

type Mailer interface {
	IsConfigured() bool
	SendInvitation(to, inviter, docTitle, acceptURL string) error
}

// Deps are the outer resources a Service is built on. Search, Revocations,
// Mailer and PDF are optional.
type Deps struct {
	Store       store.Store
	Search      *search.Service
	Revocations Revocations
	Mailer      Mailer
	PDF         export.PDFRenderer
	Clock       scheduler.Clock
}

type Service struct {
	cfg         config.Config
	store       store.Store
	locks       *store.Locks
	access      *access.Service
	comments    *annotate.Annotator
	scheduler   *scheduler.Scheduler
	rooms       *room.Broadcaster
	search      *search.Service
	export      *export.Service
	passwords   *authpw.Service
	tokens      *auth.Validator
	revocations Revocations
	mailer      Mailer
	now         func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:         cfg,
		store:       deps.Store,
		locks:       store.NewLocks(),
		search:      deps.Search,
		revocations: deps.Revocations,
		mailer:      deps.Mailer,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if s.search == nil {
		s.search = search.NewService(nil, deps.Store)
	}

	var opts []scheduler.Option
	if deps.Clock != nil {
		opts = append(opts, scheduler.WithClock(deps.Clock))
	}
	delay := cfg.SaveDelay()
	if delay <= 0 {
		delay = scheduler.DefaultDelay
	}

	s.access = access.NewService(deps.Store, s.locks)
	s.comments = annotate.New(deps.Store, s.locks, annotate.WithAttribute(cfg.AnchorAttribute))
	s.scheduler = scheduler.New(indexingPersister{s}, delay, opts...)
	s.rooms = room.NewBroadcaster(deps.Store)
	s.export = export.NewService(deps.Store, deps.PDF)
	s.passwords = authpw.NewService(deps.Store)

	var checker auth.RevocationChecker
	if deps.Revocations != nil {
		checker = deps.Revocations
	}
	s.tokens = auth.NewValidator([]byte(cfg.JWTSecret), checker)
	return s
}

// indexingPersister is what the debounced socket writes go through, so the
// search index follows them.
type indexingPersister struct{ s *Service }

func (p indexingPersister) ApplyUpdate(ctx context.Context, docID string, patch store.DocumentPatch, updated time.Time) (store.Document, error) {
	unlock := p.s.locks.Lock(docID)
	doc, err := p.s.store.ApplyUpdate(ctx, docID, patch, updated)
	unlock()
	if err != nil {
		return store.Document{}, err
	}
	p.s.search.IndexDocument(doc)
	return doc, nil
}

// Gateway builds the websocket endpoint bound to this service's rooms and
// scheduler.
func (s *Service) Gateway() *gateway.Gateway {
	settings := gateway.DefaultSettings()
	settings.AllowedOrigin = s.cfg.CORSOrigin
	settings.RequireAuth = s.cfg.SocketRequireAuth
	return gateway.New(s.rooms, s.scheduler, s.tokens, settings)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Shutdown writes every debounced update that has not fired yet.
func (s *Service) Shutdown(ctx context.Context) error {
	if pending := s.scheduler.Pending(); len(pending) > 0 {
		glog.Infof("flushing %d pending document writes", len(pending))
	}
	return s.scheduler.Flush(ctx)
}

// SessionFromToken resolves the caller. The token must verify, be unexpired
// and not logged out.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.tokens.Claims(ctx, token)
	if err != nil {
		return Session{}, err
	}
	session := Session{
		Token: token,
		Email: claims.Email,
		JTI:   claims.ID,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}

	user, err := s.store.GetUserByEmail(ctx, claims.Email)
	switch {
	case err == nil:
		session.UserID = user.ID
	case errors.Is(err, store.ErrNotFound):
		// The account is gone; the token still names an email.
	default:
		return Session{}, fmt.Errorf("resolve session user: %w", err)
	}
	return session, nil
}

func (s *Service) Register(ctx context.Context, email, password string) (store.User, error) {
	return s.passwords.Register(ctx, email, password)
}

// Login checks credentials and issues a token for the account.
func (s *Service) Login(ctx context.Context, email, password string) (string, time.Time, error) {
	user, err := s.passwords.Login(ctx, email, password)
	if err != nil {
		return "", time.Time{}, err
	}
	ttl := s.cfg.TokenTTL()
	if ttl <= 0 {
		ttl = auth.DefaultTTL
	}
	token, claims, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.Email, ttl, s.now())
	if err != nil {
		return "", time.Time{}, err
	}
	return token, claims.ExpiresAt.Time, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	if s.revocations == nil || session.JTI == "" {
		return nil
	}
	if err := s.revocations.Revoke(ctx, session.JTI, session.Email, session.ExpiresAt); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *Service) ListUsers(ctx context.Context) ([]store.User, error) {
	return s.store.ListUsers(ctx)
}

func (s *Service) GetUser(ctx context.Context, email string) (store.User, error) {
	return s.store.GetUserByEmail(ctx, strings.TrimSpace(email))
}

// CreateDocument stores an empty document owned by the caller and returns its
// external id.
func (s *Service) CreateDocument(ctx context.Context, session Session, docType store.DocType) (string, error) {
	if session.UserID == "" {
		return "", errUnauthenticated
	}
	doc, err := s.store.CreateDocument(ctx, store.Document{
		Title: store.DefaultTitle,
		Type:  docType,
		Owner: session.UserID,
	})
	if err != nil {
		return "", fmt.Errorf("create document: %w", err)
	}
	s.search.IndexDocument(doc)
	glog.V(1).Infof("document %s created by %s", doc.DocID, session.Email)
	return doc.DocID, nil
}

// GetDocument loads a document and pushes it to everyone viewing it.
func (s *Service) GetDocument(ctx context.Context, docID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return store.Document{}, err
	}
	s.rooms.Update(doc.DocID, doc)
	return doc, nil
}

// EditDocument writes a patch immediately, bypassing the debounce.
func (s *Service) EditDocument(ctx context.Context, docID string, patch store.DocumentPatch) (store.Document, error) {
	if patch.Empty() {
		return s.store.GetDocument(ctx, docID)
	}
	doc, err := indexingPersister{s}.ApplyUpdate(ctx, docID, patch, s.now())
	if err != nil {
		return store.Document{}, err
	}
	s.rooms.Update(doc.DocID, doc)
	return doc, nil
}

func (s *Service) AddComment(ctx context.Context, session Session, docID string, commentID store.CommentID, content string) (store.Document, error) {
	if session.Email == "" {
		return store.Document{}, errUnauthenticated
	}
	doc, err := s.comments.Add(ctx, docID, commentID, content, session.Email)
	if err != nil {
		return store.Document{}, err
	}
	s.rooms.Update(doc.DocID, doc)
	return doc, nil
}

func (s *Service) DeleteComment(ctx context.Context, docID string, commentID store.CommentID) (store.Document, error) {
	doc, err := s.comments.Delete(ctx, docID, commentID)
	if err != nil {
		return store.Document{}, err
	}
	s.search.IndexDocument(doc)
	s.rooms.Update(doc.DocID, doc)
	return doc, nil
}

// Invite records the invitation and mails the invitee a link to accept it.
func (s *Service) Invite(ctx context.Context, session Session, docID, email string) (access.InviteResult, error) {
	if _, err := s.authorize(ctx, session, docID, actionInvite); err != nil {
		return "", err
	}
	doc, result, err := s.access.Invite(ctx, docID, email)
	if err != nil {
		return "", err
	}
	if result != access.InviteSent {
		return result, nil
	}
	s.search.IndexDocument(doc)
	s.rooms.Update(doc.DocID, doc)

	if s.mailer != nil && s.mailer.IsConfigured() {
		if err := s.mailer.SendInvitation(access.CanonicalID(email), session.Email, doc.Title, s.acceptURL(doc.DocID)); err != nil {
			glog.Warningf("invite %s to %s: email not sent: %v", email, doc.DocID, err)
		}
	}
	return result, nil
}

func (s *Service) acceptURL(docID string) string {
	base := strings.TrimRight(s.cfg.ClientURL, "/")
	return base + "/accept/" + url.PathEscape(docID)
}

func (s *Service) Accept(ctx context.Context, session Session, docID string) (store.Document, error) {
	if session.Email == "" {
		return store.Document{}, errUnauthenticated
	}
	doc, err := s.access.Accept(ctx, docID, session.Email)
	if err != nil {
		return store.Document{}, err
	}
	s.search.IndexDocument(doc)
	s.rooms.Update(doc.DocID, doc)
	return doc, nil
}

func (s *Service) Accessible(ctx context.Context, session Session, rel access.Relation) ([]store.Document, error) {
	if session.Email == "" {
		return nil, errUnauthenticated
	}
	return s.access.Accessible(ctx, session.Email, rel)
}

func (s *Service) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return s.store.ListDocuments(ctx)
}

func (s *Service) DeleteDocument(ctx context.Context, session Session, docID string) (int64, error) {
	if _, err := s.authorize(ctx, session, docID, actionDelete); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	unlock := s.locks.Lock(docID)
	deleted, err := s.store.DeleteDocument(ctx, docID)
	unlock()
	if err != nil {
		return 0, fmt.Errorf("delete document: %w", err)
	}
	if deleted > 0 {
		s.search.DeleteDocument(docID)
	}
	return deleted, nil
}

// Reset replaces every document with the sample set and rebuilds the index.
func (s *Service) Reset(ctx context.Context) error {
	previous, err := s.store.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("reset: list documents: %w", err)
	}
	if err := s.store.ResetDocuments(ctx, store.SeedDocuments()); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("reset: list documents: %w", err)
	}

	removed := make([]string, 0, len(previous))
	for _, doc := range previous {
		removed = append(removed, doc.DocID)
	}
	s.search.Reindex(removed, docs)
	glog.Infof("reset: %d documents replaced by %d seeds", len(previous), len(docs))
	return nil
}

func (s *Service) Search(ctx context.Context, session Session, text string, limit, offset int) (search.Response, error) {
	if session.Email == "" {
		return search.Response{}, errUnauthenticated
	}
	return s.search.Search(ctx, search.Query{
		Text:   text,
		UserID: session.UserID,
		Email:  session.Email,
		Limit:  limit,
		Offset: offset,
	}), nil
}

func (s *Service) Export(ctx context.Context, session Session, req export.Request) (*export.Result, error) {
	if _, err := s.authorize(ctx, session, req.DocID, actionRead); err != nil {
		return nil, err
	}
	return s.export.Export(ctx, req)
}
