package store

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

type DocType string

const (
	TypeText DocType = "text"
	TypeCode DocType = "code"
)

// DefaultTitle is given to every newly created document.
const DefaultTitle = "Namnlöst dokument"

func ParseDocType(value string) (DocType, bool) {
	switch DocType(strings.ToLower(strings.TrimSpace(value))) {
	case TypeText:
		return TypeText, true
	case TypeCode:
		return TypeCode, true
	default:
		return "", false
	}
}

// CommentID is supplied by the editor client. Clients send it either as a
// JSON number or a string; it is always stored as a string.
type CommentID string

func (c *CommentID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = CommentID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = CommentID(n.String())
	return nil
}

type Comment struct {
	ID      CommentID `json:"id"`
	Content string    `json:"content"`
	User    string    `json:"user"`
	Created time.Time `json:"created"`
}

type Document struct {
	ID            string    `json:"_id"`
	DocID         string    `json:"doc_id"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Type          DocType   `json:"type"`
	Owner         string    `json:"owner"`
	Invited       []string  `json:"invited"`
	Collaborators []string  `json:"collaborators"`
	Comments      []Comment `json:"comments"`
	Created       time.Time `json:"created"`
	Updated       time.Time `json:"updated"`
}

// DocumentPatch carries the fields of an edit. Nil fields are left untouched
// in storage.
type DocumentPatch struct {
	Title    *string
	Content  *string
	Comments *[]Comment
}

func (p DocumentPatch) Empty() bool {
	return p.Title == nil && p.Content == nil && p.Comments == nil
}

type User struct {
	ID           string    `json:"_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Created      time.Time `json:"created"`
}

// SeedDocuments are inserted by Reset.
func SeedDocuments() []Document {
	seeds := []struct{ title, content string }{
		{"Hemligt dokument 1", "Det här är ett hemligt dokument som bara vi får läsa."},
		{"Glass", "Glass är gott."},
		{"Läsken för mig", "Champis kanske är favoriten. Men Coca-Cola är också svårslaget."},
		{"Vinnare av SHL 24-25", "Brynäs!"},
	}
	docs := make([]Document, 0, len(seeds))
	for _, seed := range seeds {
		docs = append(docs, Document{Title: seed.title, Content: seed.content, Type: TypeText})
	}
	return docs
}

func normalizeDocument(doc Document) Document {
	if doc.Invited == nil {
		doc.Invited = []string{}
	}
	if doc.Collaborators == nil {
		doc.Collaborators = []string{}
	}
	if doc.Comments == nil {
		doc.Comments = []Comment{}
	}
	if doc.Type == "" {
		doc.Type = TypeText
	}
	return doc
}
