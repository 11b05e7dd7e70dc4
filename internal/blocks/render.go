package blocks

import (
	"strings"
)

// RenderHTML renders a document to HTML. Text and attribute values are
// escaped; unknown node types render their children only.
func RenderHTML(reg *Registry, doc Node) string {
	return reg.renderNode(doc)
}

func (r *Registry) renderNode(n Node) string {
	if n.Type == "text" {
		return renderText(n.Text, n.Marks)
	}

	spec, ok := r.specs[n.Type]
	if !ok {
		return r.renderContent(n.Content)
	}

	var inner string
	if spec.Content == ContentText {
		var b strings.Builder
		for _, child := range n.Content {
			b.WriteString(esc(child.Text))
		}
		inner = b.String()
	} else if !spec.Atom {
		inner = r.renderContent(n.Content)
	}

	if spec.Render == nil {
		return inner
	}
	n.Attrs = r.normalizeAttrs(spec, n.Attrs)
	return spec.Render(n, inner)
}

func (r *Registry) renderContent(content []Node) string {
	var b strings.Builder
	for _, child := range content {
		b.WriteString(r.renderNode(child))
	}
	return b.String()
}

var knownMarks = map[string]bool{
	"bold":      true,
	"italic":    true,
	"underline": true,
	"strike":    true,
	"code":      true,
	"link":      true,
	"highlight": true,
}

// renderText wraps escaped text in its marks; the first mark is outermost.
func renderText(text string, marks []Mark) string {
	if text == "" {
		return ""
	}
	out := esc(text)
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case "bold":
			out = "<strong>" + out + "</strong>"
		case "italic":
			out = "<em>" + out + "</em>"
		case "underline":
			out = "<u>" + out + "</u>"
		case "strike":
			out = "<s>" + out + "</s>"
		case "code":
			out = "<code>" + out + "</code>"
		case "highlight":
			out = "<mark>" + out + "</mark>"
		case "link":
			href := safeURL(toString(marks[i].Attrs["href"]))
			if href == "" {
				href = "#"
			}
			if toString(marks[i].Attrs["target"]) == "_blank" {
				out = "<a" + attrList("href", href, "target", "_blank", "rel", "noopener noreferrer") + ">" + out + "</a>"
			} else {
				out = "<a" + attrList("href", href) + ">" + out + "</a>"
			}
		}
	}
	return out
}
