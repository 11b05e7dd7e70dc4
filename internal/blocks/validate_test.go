package blocks

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	reg := DefaultRegistry()
	cases := []struct {
		name string
		doc  Node
		ok   bool
	}{
		{name: "sample", doc: sampleDoc(), ok: true},
		{name: "empty doc", doc: NewDoc(), ok: true},
		{name: "root not doc", doc: Paragraph(Text("x"))},
		{name: "unknown type", doc: NewDoc(Node{Type: "marquee"})},
		{name: "atom with content", doc: NewDoc(Node{Type: "divider", Content: []Node{Paragraph()}})},
		{name: "paragraph in paragraph", doc: NewDoc(Paragraph(Paragraph()))},
		{name: "text at block level", doc: NewDoc(Text("loose"))},
		{name: "empty text", doc: NewDoc(Paragraph(Text("")))},
		{name: "unknown mark", doc: NewDoc(Paragraph(Text("x", Mark{Type: "blink"})))},
		{name: "list without items", doc: NewDoc(Node{Type: "bulletList", Content: []Node{Paragraph()}})},
		{name: "nested doc", doc: NewDoc(NewDoc())},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(reg, tc.doc)
			if tc.ok && err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidDocument) {
				t.Fatalf("Validate() error = %v, want ErrInvalidDocument", err)
			}
		})
	}
}
