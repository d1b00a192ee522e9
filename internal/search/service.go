package search

import (
	"context"
	"strings"

	"github.com/golang/glog"

	"ssreditor/api/internal/access"
	"ssreditor/api/internal/rbac"
	"ssreditor/api/internal/store"
)

// Backend is a full-text index. *Meili implements it.
type Backend interface {
	Healthy() bool
	Search(q Query) ([]Result, int, error)
	IndexDocument(doc DocumentRecord) error
	IndexDocuments(docs []DocumentRecord) error
	DeleteDocument(id string) error
}

// Fallback answers queries from the document store when the index is down.
type Fallback interface {
	SearchDocuments(ctx context.Context, text string, limit int) ([]store.Document, error)
}

// fallbackScan bounds how many store matches are filtered for access.
const fallbackScan = 200

// Service is the facade that tries the index first and falls back to the
// store.
type Service struct {
	index    Backend
	fallback Fallback
}

// NewService creates a search service. index may be nil if Meilisearch is not
// configured.
func NewService(index Backend, fallback Fallback) *Service {
	return &Service{index: index, fallback: fallback}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}

	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		glog.Warningf("search: meilisearch error, falling back to store: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	docs, err := s.fallback.SearchDocuments(ctx, q.Text, fallbackScan)
	if err != nil {
		glog.Errorf("search: store fallback: %v", err)
		return Response{Results: []Result{}, Query: q.Text}
	}

	var visible []Result
	for _, doc := range docs {
		if access.RoleOf(doc, q.UserID, q.Email) == rbac.RoleNone {
			continue
		}
		visible = append(visible, Result{
			DocID:   doc.DocID,
			Title:   doc.Title,
			Snippet: snippet(PlainText(doc.Content), 160),
			Type:    string(doc.Type),
		})
	}
	total := len(visible)
	start := min(q.Offset, total)
	end := min(start+q.Limit, total)
	return Response{Results: nonNil(visible[start:end]), Total: total, Query: q.Text}
}

// IndexDocument indexes a document (fire-and-forget).
func (s *Service) IndexDocument(doc store.Document) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	record := RecordFromDocument(doc)
	go func() {
		if err := s.index.IndexDocument(record); err != nil {
			glog.Warningf("search: index document %s: %v", record.ID, err)
		}
	}()
}

// DeleteDocument removes a document from the index (fire-and-forget).
func (s *Service) DeleteDocument(docID string) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	go func() {
		if err := s.index.DeleteDocument(docID); err != nil {
			glog.Warningf("search: delete document %s: %v", docID, err)
		}
	}()
}

// Reindex replaces the indexed copies of removed with docs. It runs
// synchronously and is used at startup and after a reset.
func (s *Service) Reindex(removed []string, docs []store.Document) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	for _, id := range removed {
		if err := s.index.DeleteDocument(id); err != nil {
			glog.Warningf("search: delete document %s: %v", id, err)
		}
	}
	records := make([]DocumentRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, RecordFromDocument(doc))
	}
	if err := s.index.IndexDocuments(records); err != nil {
		glog.Warningf("search: reindex documents: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
