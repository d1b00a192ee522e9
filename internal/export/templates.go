package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/document.html
var templateFS embed.FS

var documentTemplate = template.Must(template.New("document.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/document.html"))

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title       string
	Owner       string
	Updated     time.Time
	IsCode      bool
	Code        string
	ContentHTML template.HTML
	Comments    []TemplateComment
}

type TemplateComment struct {
	ID      string
	Content string
	User    string
	Created time.Time
}

// RenderDocumentHTML renders the document template with provided data
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
