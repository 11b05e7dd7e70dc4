package blocks

import "fmt"

// Validate checks that doc is a well formed document for reg: the root is a
// doc, every node type is registered, atoms and text nodes are leaves, and
// each node only holds the kind of children its type allows.
func Validate(reg *Registry, doc Node) error {
	if doc.Type != "doc" {
		return fmt.Errorf("%w: root must be doc, got %q", ErrInvalidDocument, doc.Type)
	}
	return reg.validateNode(doc, Path{})
}

func (r *Registry) validateNode(n Node, path Path) error {
	spec, ok := r.specs[n.Type]
	if !ok {
		return fmt.Errorf("%w: unknown node type %q at %s", ErrInvalidDocument, n.Type, path)
	}

	if n.Type == "text" {
		if n.Text == "" {
			return fmt.Errorf("%w: empty text node at %s", ErrInvalidDocument, path)
		}
		if len(n.Content) > 0 {
			return fmt.Errorf("%w: text node with content at %s", ErrInvalidDocument, path)
		}
		for _, m := range n.Marks {
			if !knownMarks[m.Type] {
				return fmt.Errorf("%w: unknown mark %q at %s", ErrInvalidDocument, m.Type, path)
			}
		}
		return nil
	}

	if spec.Atom || spec.Content == ContentNone {
		if len(n.Content) > 0 {
			return fmt.Errorf("%w: %s cannot have content at %s", ErrInvalidDocument, n.Type, path)
		}
		return nil
	}

	for i, child := range n.Content {
		childPath := append(append(Path(nil), path...), i)
		childSpec, known := r.specs[child.Type]
		if known && !allows(spec.Content, child.Type, childSpec.Group) {
			return fmt.Errorf("%w: %s not allowed inside %s at %s", ErrInvalidDocument, child.Type, n.Type, childPath)
		}
		if err := r.validateNode(child, childPath); err != nil {
			return err
		}
	}
	return nil
}

func allows(content, childType, childGroup string) bool {
	switch content {
	case ContentBlock:
		return childGroup == GroupBlock
	case ContentInline:
		return childGroup == GroupInline
	case ContentListItem:
		return childType == "listItem"
	case ContentText:
		return childType == "text"
	default:
		return false
	}
}
