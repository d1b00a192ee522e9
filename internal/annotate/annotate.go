// Package annotate keeps the comment list of a document in step with the
// comment anchors embedded in its content.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"

	"ssreditor/api/internal/store"
)

var ErrInvalidComment = errors.New("comment id is required")

// Store is the part of store.Store the annotator needs.
type Store interface {
	GetDocument(ctx context.Context, docID string) (store.Document, error)
	ApplyUpdate(ctx context.Context, docID string, patch store.DocumentPatch, updated time.Time) (store.Document, error)
}

type Annotator struct {
	store Store
	locks *store.Locks
	attr  string
	now   func() time.Time
}

type Option func(*Annotator)

// WithAttribute changes the attribute that tags an anchor with its comment id.
func WithAttribute(attr string) Option {
	return func(a *Annotator) {
		if attr = strings.TrimSpace(attr); attr != "" {
			a.attr = attr
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Annotator) {
		if now != nil {
			a.now = now
		}
	}
}

func New(s Store, locks *store.Locks, opts ...Option) *Annotator {
	if locks == nil {
		locks = store.NewLocks()
	}
	a := &Annotator{
		store: s,
		locks: locks,
		attr:  DefaultAttribute,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Add appends a comment to docID. The anchor for it is expected to be in the
// content already.
func (a *Annotator) Add(ctx context.Context, docID string, commentID store.CommentID, content, author string) (store.Document, error) {
	if strings.TrimSpace(string(commentID)) == "" {
		return store.Document{}, ErrInvalidComment
	}

	release := a.locks.Lock(docID)
	defer release()

	doc, err := a.store.GetDocument(ctx, docID)
	if err != nil {
		return store.Document{}, fmt.Errorf("add comment: %w", err)
	}

	now := a.now()
	comments := append(append([]store.Comment{}, doc.Comments...), store.Comment{
		ID:      commentID,
		Content: content,
		User:    author,
		Created: now,
	})
	updated, err := a.store.ApplyUpdate(ctx, docID, store.DocumentPatch{Comments: &comments}, now)
	if err != nil {
		return store.Document{}, fmt.Errorf("add comment: %w", err)
	}
	return updated, nil
}

// Delete unwraps the anchor of commentID and drops the comment in one write.
// A comment whose anchor is already gone is still removed from the list.
func (a *Annotator) Delete(ctx context.Context, docID string, commentID store.CommentID) (store.Document, error) {
	id := strings.TrimSpace(string(commentID))
	if id == "" {
		return store.Document{}, ErrInvalidComment
	}

	release := a.locks.Lock(docID)
	defer release()

	doc, err := a.store.GetDocument(ctx, docID)
	if err != nil {
		return store.Document{}, fmt.Errorf("delete comment: %w", err)
	}

	content, found := unwrapAttr(doc.Content, a.attr, id)
	if !found {
		glog.Warningf("delete comment %s on %s: no anchor in content", id, docID)
	}

	comments := make([]store.Comment, 0, len(doc.Comments))
	for _, c := range doc.Comments {
		if strings.TrimSpace(string(c.ID)) != id {
			comments = append(comments, c)
		}
	}

	patch := store.DocumentPatch{Content: &content, Comments: &comments}
	updated, err := a.store.ApplyUpdate(ctx, docID, patch, a.now())
	if err != nil {
		return store.Document{}, fmt.Errorf("delete comment: %w", err)
	}
	return updated, nil
}
