// Package access implements the invite -> collaborator state machine of a
// document and the per-user document listings.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ssreditor/api/internal/rbac"
	"ssreditor/api/internal/store"
)

// ErrInvalidEmail is returned for a blank recipient.
var ErrInvalidEmail = errors.New("email is required")

// ErrUnknownRelation is returned by ParseRelation.
var ErrUnknownRelation = errors.New("unknown relation")

type InviteResult string

const (
	InviteSent                InviteResult = "sent"
	InviteAlreadyInvited      InviteResult = "already invited"
	InviteAlreadyCollaborator InviteResult = "already collaborator"
)

// Relation selects one of the document listings of a user.
type Relation string

const (
	RelationOwned        Relation = "owned"
	RelationInvited      Relation = "invited"
	RelationCollaborator Relation = "collaborator"
)

func ParseRelation(value string) (Relation, error) {
	switch Relation(strings.ToLower(strings.TrimSpace(value))) {
	case RelationOwned:
		return RelationOwned, nil
	case RelationInvited:
		return RelationInvited, nil
	case RelationCollaborator, "collaborators":
		return RelationCollaborator, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRelation, value)
	}
}

// Store is the part of store.Store access control needs.
type Store interface {
	GetDocument(ctx context.Context, docID string) (store.Document, error)
	SetAccess(ctx context.Context, docID string, invited, collaborators []string) (store.Document, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	ListOwnedBy(ctx context.Context, userID string) ([]store.Document, error)
	ListInvited(ctx context.Context, email string) ([]store.Document, error)
	ListCollaborating(ctx context.Context, userID string) ([]store.Document, error)
}

type Service struct {
	store Store
	locks *store.Locks
}

// NewService shares locks with every other component that rewrites a whole
// document.
func NewService(s Store, locks *store.Locks) *Service {
	if locks == nil {
		locks = store.NewLocks()
	}
	return &Service{store: s, locks: locks}
}

// Invite adds email to the invited list of docID. Repeating an invite is not
// an error; the result reports why nothing changed.
func (s *Service) Invite(ctx context.Context, docID, email string) (store.Document, InviteResult, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return store.Document{}, "", ErrInvalidEmail
	}

	release := s.locks.Lock(docID)
	defer release()

	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return store.Document{}, "", fmt.Errorf("invite: %w", err)
	}
	if containsEmail(doc.Invited, email) {
		return doc, InviteAlreadyInvited, nil
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if containsID(doc.Collaborators, user.ID) {
			return doc, InviteAlreadyCollaborator, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return store.Document{}, "", fmt.Errorf("invite: resolve user: %w", err)
	}

	invited := append(append([]string{}, doc.Invited...), email)
	updated, err := s.store.SetAccess(ctx, docID, invited, doc.Collaborators)
	if err != nil {
		return store.Document{}, "", fmt.Errorf("invite: %w", err)
	}
	return updated, InviteSent, nil
}

// Accept turns the invitation of email into collaborator access. The email
// leaves the invited list and the user id joins the collaborators in the same
// write.
func (s *Service) Accept(ctx context.Context, docID, email string) (store.Document, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return store.Document{}, ErrInvalidEmail
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.Document{}, fmt.Errorf("accept: resolve user: %w", err)
	}

	release := s.locks.Lock(docID)
	defer release()

	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return store.Document{}, fmt.Errorf("accept: %w", err)
	}

	invited := make([]string, 0, len(doc.Invited))
	for _, candidate := range doc.Invited {
		if !strings.EqualFold(strings.TrimSpace(candidate), email) {
			invited = append(invited, candidate)
		}
	}
	collaborators := Dedupe(append(append([]string{}, doc.Collaborators...), user.ID))

	updated, err := s.store.SetAccess(ctx, docID, invited, collaborators)
	if err != nil {
		return store.Document{}, fmt.Errorf("accept: %w", err)
	}
	return updated, nil
}

// Accessible lists the documents email relates to through rel. An unknown
// user has no owned or collaborator documents.
func (s *Service) Accessible(ctx context.Context, email string, rel Relation) ([]store.Document, error) {
	email = strings.TrimSpace(email)
	if rel == RelationInvited {
		docs, err := s.store.ListInvited(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("list invited: %w", err)
		}
		return docs, nil
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return []store.Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: resolve user: %w", rel, err)
	}

	var docs []store.Document
	switch rel {
	case RelationOwned:
		docs, err = s.store.ListOwnedBy(ctx, user.ID)
	case RelationCollaborator:
		docs, err = s.store.ListCollaborating(ctx, user.ID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRelation, rel)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rel, err)
	}
	return docs, nil
}

// RoleOf reports how a caller relates to doc. Ownership wins over
// collaboration, which wins over a pending invitation.
func RoleOf(doc store.Document, userID, email string) rbac.Role {
	switch {
	case userID != "" && CanonicalID(doc.Owner) == CanonicalID(userID):
		return rbac.RoleOwner
	case userID != "" && containsID(doc.Collaborators, userID):
		return rbac.RoleCollaborator
	case email != "" && containsEmail(doc.Invited, email):
		return rbac.RoleInvited
	default:
		return rbac.RoleNone
	}
}

// CanonicalID is the form two user identifiers are compared in. Structured
// ids (hex ObjectIDs, ULIDs) differ from their string rendering only in case
// and surrounding space.
func CanonicalID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Dedupe keeps the first occurrence of every canonical id, in order.
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		key := CanonicalID(id)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

func containsID(ids []string, target string) bool {
	target = CanonicalID(target)
	for _, id := range ids {
		if CanonicalID(id) == target {
			return true
		}
	}
	return false
}

func containsEmail(emails []string, target string) bool {
	for _, email := range emails {
		if strings.EqualFold(strings.TrimSpace(email), target) {
			return true
		}
	}
	return false
}
