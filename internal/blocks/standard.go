package blocks

import (
	"fmt"
	"strings"
)

const groupRoot = "root"

func standardSpecs() []Spec {
	return []Spec{
		{Name: "doc", Group: groupRoot, Content: ContentBlock},
		{
			Name: "paragraph", Label: "Paragraph", Content: ContentInline,
			Render: func(_ Node, inner string) string { return "<p>" + inner + "</p>\n" },
		},
		{
			Name: "heading", Label: "Heading", Content: ContentInline,
			Attrs: []AttrSpec{{Name: "level", Default: 1}},
			Normalize: func(attrs map[string]any) {
				attrs["level"] = clampInt(toInt(attrs["level"], 1), 1, 6)
			},
			Render: func(n Node, inner string) string {
				level := n.IntAttr("level", 1)
				return fmt.Sprintf("<h%d>%s</h%d>\n", level, inner, level)
			},
		},
		{Name: "text", Group: GroupInline},
		{
			Name: "bulletList", Label: "Bullet list", Content: ContentListItem,
			Render: func(_ Node, inner string) string { return "<ul>\n" + inner + "</ul>\n" },
		},
		{
			Name: "orderedList", Label: "Numbered list", Content: ContentListItem,
			Attrs: []AttrSpec{{Name: "start", Default: 1}},
			Normalize: func(attrs map[string]any) {
				attrs["start"] = toInt(attrs["start"], 1)
			},
			Render: func(n Node, inner string) string {
				if start := n.IntAttr("start", 1); start != 1 {
					return fmt.Sprintf("<ol start=\"%d\">\n%s</ol>\n", start, inner)
				}
				return "<ol>\n" + inner + "</ol>\n"
			},
		},
		{
			Name: "listItem", Group: ContentListItem, Content: ContentBlock,
			Render: func(_ Node, inner string) string { return "<li>" + inner + "</li>\n" },
		},
		{
			Name: "blockquote", Label: "Quote", Content: ContentBlock,
			Render: func(_ Node, inner string) string { return "<blockquote>\n" + inner + "</blockquote>\n" },
		},
		{
			Name: "codeBlock", Label: "Code", Content: ContentText,
			Attrs: []AttrSpec{{Name: "language", Default: ""}},
			Normalize: func(attrs map[string]any) {
				attrs["language"] = strings.ToLower(strings.TrimSpace(toString(attrs["language"])))
			},
			Render: func(n Node, inner string) string {
				if lang := n.StringAttr("language"); lang != "" {
					return "<pre><code" + attrList("class", "language-"+lang) + ">" + inner + "</code></pre>\n"
				}
				return "<pre><code>" + inner + "</code></pre>\n"
			},
		},
		{
			Name: "hardBreak", Group: GroupInline, Atom: true,
			Render: func(Node, string) string { return "<br>" },
		},
		{
			Name: "horizontalRule", Label: "Horizontal rule", Atom: true,
			Render: func(Node, string) string { return "<hr>\n" },
		},
		{
			Name: "image", Label: "Image", Atom: true,
			Attrs: []AttrSpec{{Name: "src", Default: ""}, {Name: "alt", Default: ""}, {Name: "title", Default: ""}},
			Render: func(n Node, _ string) string {
				pairs := []string{"src", safeURL(n.StringAttr("src")), "alt", n.StringAttr("alt")}
				if title := n.StringAttr("title"); title != "" {
					pairs = append(pairs, "title", title)
				}
				return "<img" + attrList(pairs...) + ">\n"
			},
		},
	}
}
