package export

import (
	"context"
	"fmt"
	"html/template"

	"success/api/internal/blocks"
)

// converter turns rendered HTML into a downloadable file.
type converter func(ctx context.Context, html, title string) (*Result, error)

// Service provides post export functionality
type Service struct {
	registry *blocks.Registry
	pdf      converter
	docx     converter
}

// NewService creates a new export service
func NewService(reg *blocks.Registry) *Service {
	if reg == nil {
		reg = blocks.DefaultRegistry()
	}
	return &Service{registry: reg, pdf: exportPDF, docx: exportDOCX}
}

// HTML renders the print template for doc.
func (s *Service) HTML(doc Document) (string, error) {
	data := TemplateData{
		Title:         doc.Title,
		Excerpt:       doc.Excerpt,
		Author:        doc.Author,
		FeaturedImage: doc.FeaturedImage,
		Categories:    doc.Categories,
		Tags:          doc.Tags,
		UpdatedAt:     doc.UpdatedAt,
		ContentHTML:   template.HTML(blocks.RenderHTML(s.registry, doc.Content)),
	}
	if doc.PublishedAt != nil {
		data.PublishedAt = *doc.PublishedAt
	}
	return RenderDocumentHTML(data)
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, doc Document, format Format) (*Result, error) {
	var convert converter
	switch format {
	case FormatPDF:
		convert = s.pdf
	case FormatDOCX:
		convert = s.docx
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	html, err := s.HTML(doc)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return convert(ctx, html, doc.Title)
}
