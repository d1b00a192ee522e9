package app

import (
	"context"
	"net/http"

	"github.com/golang/glog"

	"ssreditor/api/internal/access"
	"ssreditor/api/internal/rbac"
	"ssreditor/api/internal/store"
)

const (
	actionRead    = rbac.ActionRead
	actionInvite  = rbac.ActionInvite
	actionDelete  = rbac.ActionDelete
)

var (
	errUnauthenticated = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	errForbidden       = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
)

// authorize loads docID and checks that the caller's relation to it allows
// action.
func (s *Service) authorize(ctx context.Context, session Session, docID string, action rbac.Action) (store.Document, error) {
	if session.Email == "" {
		return store.Document{}, errUnauthenticated
	}
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return store.Document{}, err
	}
	role := access.RoleOf(doc, session.UserID, session.Email)
	if !rbac.Can(role, action) {
		glog.V(1).Infof("rbac: %s (%q) denied %s on %s", session.Email, role, action, docID)
		return store.Document{}, errForbidden
	}
	return doc, nil
}

// RoleOf is the caller's relation to docID, or the empty role when the
// document does not exist.
func (s *Service) RoleOf(ctx context.Context, session Session, docID string) (rbac.Role, error) {
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return rbac.RoleNone, err
	}
	return access.RoleOf(doc, session.UserID, session.Email), nil
}
