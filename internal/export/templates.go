package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var postTemplate = template.Must(
	template.New("post.html").Funcs(template.FuncMap{
		"join": strings.Join,
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("January 2, 2006")
		},
	}).ParseFS(templateFS, "templates/post.html"),
)

// TemplateData holds data for post template rendering
type TemplateData struct {
	Title         string
	Excerpt       string
	Author        string
	FeaturedImage string
	Categories    []string
	Tags          []string
	PublishedAt   time.Time
	UpdatedAt     time.Time
	ContentHTML   template.HTML
}

// RenderDocumentHTML renders the post template with provided data
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := postTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
