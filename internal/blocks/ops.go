package blocks

import "fmt"

// The structural operations below never modify their input: each works on
// a deep copy and returns the new document.

// Insert places node at index among the children of the node at parent.
// An index of -1 appends.
func Insert(doc Node, parent Path, index int, node Node) (Node, error) {
	out := doc.Clone()
	target, err := locate(&out, parent)
	if err != nil {
		return Node{}, err
	}
	if index == -1 {
		index = len(target.Content)
	}
	if index < 0 || index > len(target.Content) {
		return Node{}, fmt.Errorf("%w: index %d out of range under %s", ErrInvalidPath, index, parent)
	}
	target.Content = insertAt(target.Content, index, node.Clone())
	return out, nil
}

func Delete(doc Node, path Path) (Node, error) {
	if len(path) == 0 {
		return Node{}, fmt.Errorf("%w: cannot delete the root", ErrInvalidPath)
	}
	out := doc.Clone()
	parent, idx, err := locateChild(&out, path)
	if err != nil {
		return Node{}, err
	}
	parent.Content = removeAt(parent.Content, idx)
	return out, nil
}

// Duplicate inserts a deep copy of the node at path directly after it.
func Duplicate(doc Node, path Path) (Node, error) {
	if len(path) == 0 {
		return Node{}, fmt.Errorf("%w: cannot duplicate the root", ErrInvalidPath)
	}
	out := doc.Clone()
	parent, idx, err := locateChild(&out, path)
	if err != nil {
		return Node{}, err
	}
	parent.Content = insertAt(parent.Content, idx+1, parent.Content[idx].Clone())
	return out, nil
}

// Move detaches the node at from and inserts it at to. The destination is
// given in the coordinates of the document before removal: its last element
// is the insertion index within the destination parent.
func Move(doc Node, from, to Path) (Node, error) {
	if len(from) == 0 || len(to) == 0 {
		return Node{}, fmt.Errorf("%w: cannot move the root", ErrInvalidPath)
	}
	moving, err := NodeAt(doc, from)
	if err != nil {
		return Node{}, err
	}

	destParent := to.Parent()
	destIndex := to.Last()
	if destParent.HasPrefix(from) {
		return Node{}, fmt.Errorf("%w: cannot move %s inside itself", ErrInvalidPath, from)
	}
	dest, err := NodeAt(doc, destParent)
	if err != nil {
		return Node{}, err
	}
	if destIndex < 0 || destIndex > len(dest.Content) {
		return Node{}, fmt.Errorf("%w: index %d out of range under %s", ErrInvalidPath, destIndex, destParent)
	}

	srcParent := from.Parent()
	srcIndex := from.Last()

	// Removing the source shifts later siblings, and anything below them,
	// one slot to the left.
	depth := len(srcParent)
	if len(destParent) > depth && destParent.HasPrefix(srcParent) && destParent[depth] > srcIndex {
		destParent[depth]--
	}
	if pathEqual(destParent, srcParent) && destIndex > srcIndex {
		destIndex--
	}

	out, err := Delete(doc, from)
	if err != nil {
		return Node{}, err
	}
	target, err := locate(&out, destParent)
	if err != nil {
		return Node{}, err
	}
	target.Content = insertAt(target.Content, destIndex, moving.Clone())
	return out, nil
}

// MoveUp swaps the node with its previous sibling. At the first position it
// returns an unchanged copy.
func MoveUp(doc Node, path Path) (Node, error) {
	return swapSibling(doc, path, -1)
}

// MoveDown swaps the node with its next sibling. At the last position it
// returns an unchanged copy.
func MoveDown(doc Node, path Path) (Node, error) {
	return swapSibling(doc, path, 1)
}

func swapSibling(doc Node, path Path, delta int) (Node, error) {
	if len(path) == 0 {
		return Node{}, fmt.Errorf("%w: cannot move the root", ErrInvalidPath)
	}
	out := doc.Clone()
	parent, idx, err := locateChild(&out, path)
	if err != nil {
		return Node{}, err
	}
	other := idx + delta
	if other < 0 || other >= len(parent.Content) {
		return out, nil
	}
	parent.Content[idx], parent.Content[other] = parent.Content[other], parent.Content[idx]
	return out, nil
}

func locate(root *Node, path Path) (*Node, error) {
	cur := root
	for depth, idx := range path {
		if idx < 0 || idx >= len(cur.Content) {
			return nil, fmt.Errorf("%w: %s (depth %d)", ErrInvalidPath, path, depth)
		}
		cur = &cur.Content[idx]
	}
	return cur, nil
}

func locateChild(root *Node, path Path) (*Node, int, error) {
	parent, err := locate(root, path.Parent())
	if err != nil {
		return nil, 0, err
	}
	idx := path.Last()
	if idx < 0 || idx >= len(parent.Content) {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	return parent, idx, nil
}

func insertAt(nodes []Node, idx int, n Node) []Node {
	out := make([]Node, 0, len(nodes)+1)
	out = append(out, nodes[:idx]...)
	out = append(out, n)
	return append(out, nodes[idx:]...)
}

func removeAt(nodes []Node, idx int) []Node {
	out := make([]Node, 0, len(nodes)-1)
	out = append(out, nodes[:idx]...)
	return append(out, nodes[idx+1:]...)
}

func pathEqual(a, b Path) bool {
	return len(a) == len(b) && a.HasPrefix(b)
}
