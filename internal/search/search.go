package search

import (
	"strings"

	"golang.org/x/net/html"

	"ssreditor/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	DocID   string `json:"doc_id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Type    string `json:"type"`
}

// Query describes a search request. Results are limited to documents the
// caller owns, collaborates on or is invited to.
type Query struct {
	Text   string
	UserID string
	Email  string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	Type          string   `json:"type"`
	Owner         string   `json:"owner"`
	Invited       []string `json:"invited"`
	Collaborators []string `json:"collaborators"`
}

func RecordFromDocument(doc store.Document) DocumentRecord {
	return DocumentRecord{
		ID:            doc.DocID,
		Title:         doc.Title,
		Content:       PlainText(doc.Content),
		Type:          string(doc.Type),
		Owner:         doc.Owner,
		Invited:       doc.Invited,
		Collaborators: doc.Collaborators,
	}
}

// PlainText drops the markup of rich text content, anchors included.
func PlainText(content string) string {
	z := html.NewTokenizer(strings.NewReader(content))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			b.WriteByte(' ')
		}
	}
}

func snippet(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}
