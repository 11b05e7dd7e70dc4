package blocks

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

const (
	GroupBlock  = "block"
	GroupInline = "inline"
)

// Content kinds a node may hold.
const (
	ContentNone     = ""
	ContentBlock    = "block"
	ContentInline   = "inline"
	ContentListItem = "listItem"
	ContentText     = "text"
)

// RenderFunc renders n to HTML; inner is the already rendered content.
type RenderFunc func(n Node, inner string) string

type AttrSpec struct {
	Name    string   `json:"name"`
	Default any      `json:"default"`
	Enum    []string `json:"enum,omitempty"`
}

// ParseRule matches an HTML element to a block. DataType is compared
// against the element's data-type attribute.
type ParseRule struct {
	Tag      string                             `json:"tag"`
	DataType string                             `json:"dataType,omitempty"`
	Attrs    func(el *html.Node) map[string]any `json:"-"`
}

type Spec struct {
	Name    string     `json:"name"`
	Label   string     `json:"label,omitempty"`
	Group   string     `json:"group"`
	Atom    bool       `json:"atom"`
	Custom  bool       `json:"custom"`
	Content string     `json:"content,omitempty"`
	Attrs   []AttrSpec `json:"attrs"`
	Parse   *ParseRule `json:"parse,omitempty"`

	Render    RenderFunc                 `json:"-"`
	Normalize func(attrs map[string]any) `json:"-"`

	// Text extracts readable text from atom blocks for search and word counts.
	Text func(n Node) string `json:"-"`
}

func (s Spec) attr(name string) (AttrSpec, bool) {
	for _, a := range s.Attrs {
		if a.Name == name {
			return a, true
		}
	}
	return AttrSpec{}, false
}

type Registry struct {
	specs      map[string]Spec
	order      []string
	byDataType map[string]string
}

func NewRegistry() *Registry {
	return &Registry{specs: map[string]Spec{}, byDataType: map[string]string{}}
}

// DefaultRegistry holds the standard editor nodes plus the custom blocks.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range standardSpecs() {
		r.MustRegister(s)
	}
	for _, s := range customSpecs() {
		r.MustRegister(s)
	}
	return r
}

func (r *Registry) Register(s Spec) error {
	if s.Name == "" {
		return fmt.Errorf("block spec requires a name")
	}
	if _, exists := r.specs[s.Name]; exists {
		return fmt.Errorf("block %q already registered", s.Name)
	}
	if s.Group == "" {
		s.Group = GroupBlock
	}
	r.specs[s.Name] = s
	r.order = append(r.order, s.Name)
	if s.Parse != nil && s.Parse.DataType != "" {
		r.byDataType[s.Parse.DataType] = s.Name
	}
	return nil
}

func (r *Registry) MustRegister(s Spec) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// Specs lists registered specs in registration order.
func (r *Registry) Specs() []Spec {
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name])
	}
	return out
}

// Custom lists the custom blocks sorted by name.
func (r *Registry) Custom() []Spec {
	out := make([]Spec, 0)
	for _, s := range r.specs {
		if s.Custom {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Create is the insertion command for a block type: it fills defaults and
// rejects unknown attributes or enumerated values.
func (r *Registry) Create(typ string, attrs map[string]any) (Node, error) {
	spec, ok := r.specs[typ]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrUnknownBlock, typ)
	}
	if typ == "text" {
		return Node{}, fmt.Errorf("%w: text nodes are created inline", ErrUnknownBlock)
	}

	for name := range attrs {
		if _, known := spec.attr(name); !known {
			return Node{}, fmt.Errorf("%w: %s.%s", ErrUnknownAttr, typ, name)
		}
	}
	for _, a := range spec.Attrs {
		if len(a.Enum) == 0 {
			continue
		}
		v, present := attrs[a.Name]
		if !present {
			continue
		}
		if _, ok := matchEnum(a.Enum, v); !ok {
			return Node{}, fmt.Errorf("%w: %s.%s=%v", ErrInvalidAttr, typ, a.Name, v)
		}
	}

	return Node{Type: typ, Attrs: r.normalizeAttrs(spec, attrs)}, nil
}

// normalizeAttrs fills defaults, folds enum values and applies the block's
// own normalization. Invalid enum values fall back to the default.
func (r *Registry) normalizeAttrs(spec Spec, attrs map[string]any) map[string]any {
	if len(spec.Attrs) == 0 {
		return nil
	}
	out := make(map[string]any, len(spec.Attrs))
	for _, a := range spec.Attrs {
		v, present := attrs[a.Name]
		if !present || v == nil {
			v = a.Default
		}
		if len(a.Enum) > 0 {
			if folded, ok := matchEnum(a.Enum, v); ok {
				v = folded
			} else {
				v = a.Default
			}
		}
		out[a.Name] = cloneValue(v)
	}
	if spec.Normalize != nil {
		spec.Normalize(out)
	}
	return out
}

func matchEnum(values []string, v any) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(toString(v)))
	for _, allowed := range values {
		if s == strings.ToLower(allowed) {
			return allowed, true
		}
	}
	return "", false
}
