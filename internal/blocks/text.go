package blocks

import (
	"strings"
	"sync"
	"unicode/utf8"
)

const wordsPerMinute = 200

var builtin = sync.OnceValue(DefaultRegistry)

// PlainText extracts the readable text of a document, one line per block.
// Custom blocks contribute their textual attributes.
func PlainText(doc Node) string {
	var b strings.Builder
	builtin().plainText(doc, &b)
	return strings.TrimSpace(b.String())
}

func (r *Registry) plainText(n Node, b *strings.Builder) {
	switch n.Type {
	case "text":
		b.WriteString(n.Text)
		return
	case "hardBreak":
		b.WriteString("\n")
		return
	}

	spec, ok := r.specs[n.Type]
	if ok && spec.Text != nil {
		n.Attrs = r.normalizeAttrs(spec, n.Attrs)
		if text := spec.Text(n); text != "" {
			b.WriteString(text)
			b.WriteString("\n")
		}
		return
	}
	for _, child := range n.Content {
		r.plainText(child, b)
	}
	if ok && (spec.Content == ContentInline || spec.Content == ContentText) {
		b.WriteString("\n")
	}
}

func WordCount(doc Node) int {
	return len(strings.Fields(PlainText(doc)))
}

// ReadingTime returns whole minutes at 200 words per minute, never less than one.
func ReadingTime(words int) int {
	minutes := (words + wordsPerMinute - 1) / wordsPerMinute
	if minutes < 1 {
		return 1
	}
	return minutes
}

// Excerpt returns at most limit runes of the document text, cut on a word
// boundary when possible and suffixed with an ellipsis when shortened.
func Excerpt(doc Node, limit int) string {
	text := strings.Join(strings.Fields(PlainText(doc)), " ")
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	cut := string(runes[:limit])
	if i := strings.LastIndex(cut, " "); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + "…"
}
