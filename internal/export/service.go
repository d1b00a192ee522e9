package export

import (
	"context"
	"fmt"
	"html/template"
	"time"

	"ssreditor/api/internal/store"
)

type Loader interface {
	GetDocument(ctx context.Context, docID string) (store.Document, error)
}

// PDFRenderer turns a standalone HTML page into a PDF.
type PDFRenderer func(ctx context.Context, html, title string) (*Result, error)

// Service provides document export functionality
type Service struct {
	store     Loader
	renderPDF PDFRenderer
}

func NewService(loader Loader, renderPDF PDFRenderer) *Service {
	if renderPDF == nil {
		renderPDF = ChromePDF(30 * time.Second)
	}
	return &Service{store: loader, renderPDF: renderPDF}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	doc, err := s.store.GetDocument(ctx, req.DocID)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}

	data := TemplateData{
		Title:    doc.Title,
		Owner:    doc.Owner,
		Updated:  doc.Updated,
		Comments: []TemplateComment{},
	}
	if doc.Type == store.TypeCode {
		data.IsCode = true
		data.Code = doc.Content
	} else {
		// Document content is the editor's own rich text; scripts are
		// disabled in the renderer.
		data.ContentHTML = template.HTML(doc.Content)
	}
	if req.IncludeComments {
		for _, c := range doc.Comments {
			data.Comments = append(data.Comments, TemplateComment{
				ID:      string(c.ID),
				Content: c.Content,
				User:    c.User,
				Created: c.Created,
			})
		}
	}

	html, err := RenderDocumentHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return s.renderPDF(ctx, html, doc.Title)
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(doc.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
