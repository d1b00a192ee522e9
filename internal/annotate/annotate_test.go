package annotate

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ssreditor/api/internal/store"
)

func TestUnwrap(t *testing.T) {
	cases := []struct {
		name    string
		content string
		id      string
		want    string
		found   bool
	}{
		{
			name:    "plain anchor",
			content: `<p>a <span data-comment-id="123">foo</span> b</p>`,
			id:      "123",
			want:    `<p>a foo b</p>`,
			found:   true,
		},
		{
			name:    "attribute order and quoting",
			content: `<p><mark class='c' data-comment-id='7' title="x">foo</mark></p>`,
			id:      "7",
			want:    `<p>foo</p>`,
			found:   true,
		},
		{
			name:    "inner markup kept verbatim",
			content: `<span data-comment-id="1">a <b>bold</b> &amp; <i>x</i></span>`,
			id:      "1",
			want:    `a <b>bold</b> &amp; <i>x</i>`,
			found:   true,
		},
		{
			name:    "nested element with same tag name",
			content: `<span data-comment-id="1">x <span class="y">y</span> z</span>!`,
			id:      "1",
			want:    `x <span class="y">y</span> z!`,
			found:   true,
		},
		{
			name:    "does not span two anchors",
			content: `<span data-comment-id="1">foo</span> and <span data-comment-id="2">bar</span>`,
			id:      "1",
			want:    `foo and <span data-comment-id="2">bar</span>`,
			found:   true,
		},
		{
			name:    "prefix of another id does not match",
			content: `<span data-comment-id="12">foo</span>`,
			id:      "1",
			want:    `<span data-comment-id="12">foo</span>`,
			found:   false,
		},
		{
			name:    "no anchor",
			content: `<p>plain</p>`,
			id:      "9",
			want:    `<p>plain</p>`,
			found:   false,
		},
		{
			name:    "void element anchor is dropped",
			content: `a<img data-comment-id="4" src="x.png">b`,
			id:      "4",
			want:    `ab`,
			found:   true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, found := Unwrap(tc.content, tc.id)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.found, found)
		})
	}
}

func newAnnotator(t *testing.T, content string) (*Annotator, *store.MemoryStore, store.Document) {
	t.Helper()
	mem := store.NewMemoryStore()
	doc, err := mem.CreateDocument(context.Background(), store.Document{Title: store.DefaultTitle, Content: content})
	require.NoError(t, err)
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return New(mem, store.NewLocks(), WithClock(func() time.Time { return clock })), mem, doc
}

func setContent(t *testing.T, mem *store.MemoryStore, docID, content string) {
	t.Helper()
	_, err := mem.ApplyUpdate(context.Background(), docID, store.DocumentPatch{Content: &content}, time.Now())
	require.NoError(t, err)
}

func TestAddThenDeleteLeavesNoResidue(t *testing.T) {
	a, mem, doc := newAnnotator(t, "")
	ctx := context.Background()

	setContent(t, mem, doc.DocID, `<p>before <span data-comment-id="123">text</span> after</p>`)
	added, err := a.Add(ctx, doc.DocID, "123", "text", "author@example.com")
	require.NoError(t, err)
	require.Len(t, added.Comments, 1)
	assert.Equal(t, "author@example.com", added.Comments[0].User)

	deleted, err := a.Delete(ctx, doc.DocID, "123")
	require.NoError(t, err)
	assert.Empty(t, deleted.Comments)
	assert.Equal(t, `<p>before text after</p>`, deleted.Content)
	assert.Equal(t, 1, strings.Count(deleted.Content, "text"))
}

func TestDeleteFirstOfTwoCommentsKeepsSecondAnchor(t *testing.T) {
	a, mem, doc := newAnnotator(t, "")
	ctx := context.Background()

	setContent(t, mem, doc.DocID, `<p><span data-comment-id="1">foo</span> baz</p>`)
	_, err := a.Add(ctx, doc.DocID, "1", "on foo", "a@example.com")
	require.NoError(t, err)

	setContent(t, mem, doc.DocID, `<p><span data-comment-id="1">foo</span> baz <span data-comment-id="2">bar</span></p>`)
	_, err = a.Add(ctx, doc.DocID, "2", "on bar", "b@example.com")
	require.NoError(t, err)

	result, err := a.Delete(ctx, doc.DocID, "1")
	require.NoError(t, err)
	assert.Equal(t, `<p>foo baz <span data-comment-id="2">bar</span></p>`, result.Content)
	require.Len(t, result.Comments, 1)
	assert.Equal(t, store.CommentID("2"), result.Comments[0].ID)
}

func TestDeleteWithoutAnchorStillRemovesListEntry(t *testing.T) {
	a, _, doc := newAnnotator(t, "<p>no anchors here</p>")
	ctx := context.Background()

	_, err := a.Add(ctx, doc.DocID, "5", "orphan", "a@example.com")
	require.NoError(t, err)

	result, err := a.Delete(ctx, doc.DocID, "5")
	require.NoError(t, err)
	// Content and list diverged before the call; only the list side changes.
	assert.Equal(t, "<p>no anchors here</p>", result.Content)
	assert.Empty(t, result.Comments)
}

func TestAnnotatorCustomAttribute(t *testing.T) {
	mem := store.NewMemoryStore()
	doc, err := mem.CreateDocument(context.Background(), store.Document{Content: `<em data-note="3">x</em>`})
	require.NoError(t, err)

	a := New(mem, nil, WithAttribute("data-note"))
	result, err := a.Delete(context.Background(), doc.DocID, "3")
	require.NoError(t, err)
	assert.Equal(t, "x", result.Content)
}

func TestAnnotatorMissingDocumentAndBlankID(t *testing.T) {
	a, _, doc := newAnnotator(t, "")
	ctx := context.Background()

	_, err := a.Add(ctx, "nope00", "1", "x", "a@example.com")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = a.Delete(ctx, "nope00", "1")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = a.Add(ctx, doc.DocID, " ", "x", "a@example.com")
	assert.ErrorIs(t, err, ErrInvalidComment)
}
