// Package export renders posts to PDF and DOCX.
package export

import (
	"errors"
	"strings"
	"time"

	"success/api/internal/blocks"
	"success/api/internal/util"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat accepts "pdf" or "docx" in any case.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatPDF:
		return FormatPDF, nil
	case FormatDOCX:
		return FormatDOCX, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Document is everything the export template needs about a post.
type Document struct {
	Title         string
	Excerpt       string
	Author        string
	FeaturedImage string
	Categories    []string
	Tags          []string
	PublishedAt   *time.Time
	UpdatedAt     time.Time
	Content       blocks.Node
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat     = errors.New("unsupported export format")
	ErrPDFDependencyMissing  = errors.New("export pdf dependency missing")
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)


// sanitizeFilename turns a post title into a download name without extension.
func sanitizeFilename(title string) string {
	name := util.Slugify(title)
	if len(name) > 60 {
		name = strings.TrimRight(name[:60], "-")
	}
	if name == "" {
		return "post"
	}
	return name
}
