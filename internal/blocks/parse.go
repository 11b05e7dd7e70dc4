package blocks

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ParseHTML converts an HTML fragment into a document. Elements carrying a
// registered data-type become that block; standard tags map to the
// standard nodes; stray inline content is collected into paragraphs.
func ParseHTML(reg *Registry, src string) (Node, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(src), body)
	if err != nil {
		return Node{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	p := parser{reg: reg}
	return NewDoc(p.blocks(nodes)...), nil
}

type parser struct {
	reg *Registry
}

var inlineTags = map[atom.Atom]bool{
	atom.A: true, atom.Abbr: true, atom.B: true, atom.Bdi: true, atom.Bdo: true,
	atom.Code: true, atom.Del: true, atom.Dfn: true, atom.Em: true, atom.Font: true,
	atom.I: true, atom.Ins: true, atom.Kbd: true, atom.Label: true, atom.Mark: true,
	atom.Q: true, atom.S: true, atom.Samp: true, atom.Small: true, atom.Span: true,
	atom.Strike: true, atom.Strong: true, atom.Sub: true, atom.Sup: true, atom.Time: true,
	atom.U: true, atom.Var: true, atom.Br: true, atom.Wbr: true,
}

var skippedTags = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Template: true, atom.Noscript: true,
	atom.Head: true, atom.Iframe: true, atom.Object: true, atom.Embed: true,
}

func (p parser) blocks(nodes []*html.Node) []Node {
	out := make([]Node, 0)
	var pending []Node
	flush := func() {
		if visible(pending) {
			out = append(out, Paragraph(pending...))
		}
		pending = nil
	}

	for _, n := range nodes {
		switch {
		case n.Type == html.TextNode:
			pending = append(pending, p.inline(n, nil)...)
		case n.Type != html.ElementNode || skippedTags[n.DataAtom]:
			continue
		case inlineTags[n.DataAtom] && getAttr(n, "data-type") == "":
			pending = append(pending, p.inline(n, nil)...)
		default:
			flush()
			out = append(out, p.block(n)...)
		}
	}
	flush()
	return out
}

func (p parser) block(el *html.Node) []Node {
	if node, ok := p.custom(el); ok {
		return []Node{node}
	}

	switch el.DataAtom {
	case atom.P:
		return []Node{Paragraph(p.inlineChildren(el)...)}
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(el.Data[1] - '0')
		return []Node{p.node("heading", map[string]any{"level": level}, p.inlineChildren(el))}
	case atom.Ul:
		return []Node{p.node("bulletList", nil, p.listItems(el))}
	case atom.Ol:
		attrs := map[string]any{}
		if hasAttr(el, "start") {
			attrs["start"] = getAttr(el, "start")
		}
		return []Node{p.node("orderedList", attrs, p.listItems(el))}
	case atom.Li:
		return []Node{p.node("listItem", nil, p.blocks(children(el)))}
	case atom.Blockquote:
		return []Node{p.node("blockquote", nil, p.blocks(children(el)))}
	case atom.Pre:
		lang := ""
		if code := findFirst(el, byTag(atom.Code)); code != nil {
			for _, c := range classes(code) {
				if strings.HasPrefix(c, "language-") {
					lang = strings.TrimPrefix(c, "language-")
				}
			}
		}
		var content []Node
		if text := textContent(el); text != "" {
			content = []Node{Text(text)}
		}
		return []Node{p.node("codeBlock", map[string]any{"language": lang}, content)}
	case atom.Hr:
		return []Node{p.node("horizontalRule", nil, nil)}
	case atom.Img:
		return []Node{p.node("image", map[string]any{
			"src":   getAttr(el, "src"),
			"alt":   getAttr(el, "alt"),
			"title": getAttr(el, "title"),
		}, nil)}
	default:
		return p.blocks(children(el))
	}
}

func (p parser) custom(el *html.Node) (Node, bool) {
	dataType := getAttr(el, "data-type")
	if dataType == "" {
		return Node{}, false
	}
	name, ok := p.reg.byDataType[dataType]
	if !ok {
		return Node{}, false
	}
	spec := p.reg.specs[name]
	if spec.Parse.Tag != "" && spec.Parse.Tag != el.Data {
		return Node{}, false
	}
	var attrs map[string]any
	if spec.Parse.Attrs != nil {
		attrs = spec.Parse.Attrs(el)
	}
	return Node{Type: name, Attrs: p.reg.normalizeAttrs(spec, attrs)}, true
}

func (p parser) node(typ string, attrs map[string]any, content []Node) Node {
	n := Node{Type: typ, Content: content}
	if spec, ok := p.reg.specs[typ]; ok {
		n.Attrs = p.reg.normalizeAttrs(spec, attrs)
	}
	return n
}

func (p parser) listItems(list *html.Node) []Node {
	items := make([]Node, 0)
	for c := list.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if c.DataAtom == atom.Li {
			items = append(items, p.node("listItem", nil, p.blocks(children(c))))
			continue
		}
		items = append(items, p.node("listItem", nil, p.blocks([]*html.Node{c})))
	}
	return items
}

func (p parser) inlineChildren(el *html.Node) []Node {
	var out []Node
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, p.inline(c, nil)...)
	}
	return out
}

func (p parser) inline(n *html.Node, marks []Mark) []Node {
	switch n.Type {
	case html.TextNode:
		if n.Data == "" {
			return nil
		}
		return []Node{Text(n.Data, append([]Mark(nil), marks...)...)}
	case html.ElementNode:
	default:
		return nil
	}

	if skippedTags[n.DataAtom] {
		return nil
	}
	if n.DataAtom == atom.Br {
		return []Node{{Type: "hardBreak"}}
	}
	if m, ok := markFor(n); ok {
		marks = append(append([]Mark(nil), marks...), m)
	}

	var out []Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, p.inline(c, marks)...)
	}
	return out
}

func markFor(el *html.Node) (Mark, bool) {
	switch el.DataAtom {
	case atom.Strong, atom.B:
		return Mark{Type: "bold"}, true
	case atom.Em, atom.I:
		return Mark{Type: "italic"}, true
	case atom.U, atom.Ins:
		return Mark{Type: "underline"}, true
	case atom.S, atom.Strike, atom.Del:
		return Mark{Type: "strike"}, true
	case atom.Code:
		return Mark{Type: "code"}, true
	case atom.Mark:
		return Mark{Type: "highlight"}, true
	case atom.A:
		attrs := map[string]any{"href": getAttr(el, "href")}
		if target := getAttr(el, "target"); target != "" {
			attrs["target"] = target
		}
		return Mark{Type: "link", Attrs: attrs}, true
	}
	return Mark{}, false
}

func visible(nodes []Node) bool {
	for _, n := range nodes {
		if n.Type != "text" || strings.TrimSpace(n.Text) != "" {
			return true
		}
	}
	return false
}
