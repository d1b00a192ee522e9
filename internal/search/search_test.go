package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssreditor/api/internal/store"
)

type fakeBackend struct {
	mu      sync.Mutex
	healthy bool
	err     error
	results []Result
	indexed []DocumentRecord
	deleted []string
	queries []Query
}

func (f *fakeBackend) Healthy() bool { return f.healthy }

func (f *fakeBackend) Search(q Query) ([]Result, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.results, len(f.results), f.err
}

func (f *fakeBackend) IndexDocument(doc DocumentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, doc)
	return nil
}

func (f *fakeBackend) IndexDocuments(docs []DocumentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, docs...)
	return nil
}

func (f *fakeBackend) DeleteDocument(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func seedStore(t *testing.T) (*store.MemoryStore, store.Document) {
	t.Helper()
	mem := store.NewMemoryStore()
	ctx := context.Background()
	mine, err := mem.CreateDocument(ctx, store.Document{Title: "Glass", Content: "<p>Glass är <b>gott</b>.</p>", Owner: "u1"})
	require.NoError(t, err)
	_, err = mem.CreateDocument(ctx, store.Document{Title: "Glass hos grannen", Content: "hemligt", Owner: "u2"})
	require.NoError(t, err)
	return mem, mine
}

func TestSearchFallsBackToStoreAndFiltersAccess(t *testing.T) {
	mem, mine := seedStore(t)
	svc := NewService(nil, mem)

	resp := svc.Search(context.Background(), Query{Text: "glass", UserID: "u1"})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, mine.DocID, resp.Results[0].DocID)
	assert.Equal(t, "Glass är gott .", resp.Results[0].Snippet)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "glass", resp.Query)
}

func TestSearchUsesHealthyIndex(t *testing.T) {
	mem, _ := seedStore(t)
	backend := &fakeBackend{healthy: true, results: []Result{{DocID: "abc123", Title: "Glass"}}}
	svc := NewService(backend, mem)

	resp := svc.Search(context.Background(), Query{Text: "glass", UserID: "u1", Email: "a@example.com"})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "abc123", resp.Results[0].DocID)
	require.Len(t, backend.queries, 1)
	assert.Equal(t, 20, backend.queries[0].Limit)
}

func TestSearchIndexErrorFallsBack(t *testing.T) {
	mem, mine := seedStore(t)
	backend := &fakeBackend{healthy: true, err: errors.New("boom")}
	svc := NewService(backend, mem)

	resp := svc.Search(context.Background(), Query{Text: "glass", UserID: "u1"})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, mine.DocID, resp.Results[0].DocID)
}

func TestSearchBlankQuery(t *testing.T) {
	svc := NewService(nil, store.NewMemoryStore())
	resp := svc.Search(context.Background(), Query{Text: "  "})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}

func TestReindexReplacesRecords(t *testing.T) {
	backend := &fakeBackend{healthy: true}
	svc := NewService(backend, nil)

	svc.Reindex([]string{"old001"}, []store.Document{{DocID: "new001", Title: "Glass", Content: "<p>x</p>"}})
	assert.Equal(t, []string{"old001"}, backend.deleted)
	require.Len(t, backend.indexed, 1)
	assert.Equal(t, "new001", backend.indexed[0].ID)
	assert.Equal(t, "x", backend.indexed[0].Content)
}

func TestAccessFilter(t *testing.T) {
	got := accessFilter(Query{UserID: "u1", Email: "a@example.com"})
	assert.Equal(t, `owner = "u1" OR collaborators = "u1" OR invited = "a@example.com"`, got)
	assert.Equal(t, "", accessFilter(Query{}))
}

func TestHitToResultPrefersFormatted(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"abc123"`),
		"title":      json.RawMessage(`"Glass"`),
		"type":       json.RawMessage(`"text"`),
		"content":    json.RawMessage(`"Glass är gott."`),
		"_formatted": json.RawMessage(`{"title":"<mark>Glass</mark>","content":"<mark>Glass</mark> är gott."}`),
	}
	r := hitToResult(hit)
	assert.Equal(t, "abc123", r.DocID)
	assert.Equal(t, "<mark>Glass</mark>", r.Title)
	assert.Equal(t, "<mark>Glass</mark> är gott.", r.Snippet)
	assert.Equal(t, "text", r.Type)
}

func TestPlainText(t *testing.T) {
	got := PlainText(`<p>a <span data-comment-id="1">b</span></p><p>c</p>`)
	assert.Equal(t, "a b c", got)
}
