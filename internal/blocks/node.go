package blocks

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidPath     = errors.New("invalid block path")
	ErrUnknownBlock    = errors.New("unknown block type")
	ErrUnknownAttr     = errors.New("unknown block attribute")
	ErrInvalidAttr     = errors.New("invalid block attribute value")
	ErrInvalidDocument = errors.New("invalid document")
)

// Node is one node of an editor document. The JSON shape matches the
// ProseMirror/TipTap document format so editor payloads decode directly.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Path addresses a node by child indexes from the document root.
// The empty path is the root itself.
type Path []int

func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return append(Path(nil), p[:len(p)-1]...)
}

func (p Path) Last() int {
	if len(p) == 0 {
		return -1
	}
	return p[len(p)-1]
}

func (p Path) String() string {
	return fmt.Sprint([]int(p))
}

// HasPrefix reports whether p starts with (or equals) prefix.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

func NewDoc(content ...Node) Node {
	return Node{Type: "doc", Content: content}
}

func Text(s string, marks ...Mark) Node {
	return Node{Type: "text", Text: s, Marks: marks}
}

func Paragraph(content ...Node) Node {
	return Node{Type: "paragraph", Content: content}
}

// Decode reads a document from JSON. Empty input yields an empty doc.
func Decode(raw []byte) (Node, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return NewDoc(), nil
	}
	var n Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return Node{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if n.Type == "" {
		return Node{}, fmt.Errorf("%w: missing root type", ErrInvalidDocument)
	}
	return n, nil
}

// Clone returns a deep copy of n, including nested attribute values.
func (n Node) Clone() Node {
	out := Node{Type: n.Type, Text: n.Text, Attrs: cloneAttrs(n.Attrs)}
	if n.Content != nil {
		out.Content = make([]Node, len(n.Content))
		for i := range n.Content {
			out.Content[i] = n.Content[i].Clone()
		}
	}
	if n.Marks != nil {
		out.Marks = make([]Mark, len(n.Marks))
		for i, m := range n.Marks {
			out.Marks[i] = Mark{Type: m.Type, Attrs: cloneAttrs(m.Attrs)}
		}
	}
	return out
}

// Count returns the number of nodes in the subtree rooted at n.
func (n Node) Count() int {
	total := 1
	for _, child := range n.Content {
		total += child.Count()
	}
	return total
}

func (n Node) Attr(name string) any {
	if n.Attrs == nil {
		return nil
	}
	return n.Attrs[name]
}

func (n Node) StringAttr(name string) string {
	return toString(n.Attr(name))
}

func (n Node) IntAttr(name string, def int) int {
	return toInt(n.Attr(name), def)
}

func NodeAt(doc Node, path Path) (Node, error) {
	cur := doc
	for depth, idx := range path {
		if idx < 0 || idx >= len(cur.Content) {
			return Node{}, fmt.Errorf("%w: %s (depth %d)", ErrInvalidPath, path, depth)
		}
		cur = cur.Content[idx]
	}
	return cur, nil
}

// Walk visits every node depth first. Returning false from fn skips the
// node's children.
func Walk(doc Node, fn func(n Node, path Path) bool) {
	walk(doc, Path{}, fn)
}

func walk(n Node, path Path, fn func(Node, Path) bool) {
	if !fn(n, path) {
		return
	}
	for i, child := range n.Content {
		childPath := make(Path, len(path)+1)
		copy(childPath, path)
		childPath[len(path)] = i
		walk(child, childPath, fn)
	}
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneAttrs(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneAttrs(t[i])
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	default:
		return v
	}
}
