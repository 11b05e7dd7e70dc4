package blocks

import "testing"

func TestParseHTMLLooseMarkup(t *testing.T) {
	reg := DefaultRegistry()
	doc, err := ParseHTML(reg, `<h2>Title</h2>Loose <b>text</b><div><p>Inside</p></div><script>alert(1)</script><div data-type="nope"><p>Unknown</p></div>`)
	if err != nil {
		t.Fatalf("ParseHTML() error = %v", err)
	}

	want := []string{"heading", "paragraph", "paragraph", "paragraph"}
	if !equalStrings(types(doc), want) {
		t.Fatalf("types = %v, want %v", types(doc), want)
	}
	if doc.Content[0].IntAttr("level", 0) != 2 {
		t.Fatalf("heading level = %v", doc.Content[0].Attrs["level"])
	}
	loose := doc.Content[1]
	if len(loose.Content) != 2 || loose.Content[1].Marks[0].Type != "bold" {
		t.Fatalf("loose paragraph = %+v", loose)
	}
	if PlainText(doc) != "Title\nLoose text\nInside\nUnknown" {
		t.Fatalf("PlainText() = %q", PlainText(doc))
	}
	if err := Validate(reg, doc); err != nil {
		t.Fatalf("parsed document invalid: %v", err)
	}
}

func TestParseHTMLCustomBlocks(t *testing.T) {
	reg := DefaultRegistry()
	src := `<div data-type="button" class="button-block align-right"><a class="btn btn-secondary" href="/signup">Sign up</a></div>` +
		`<hr data-type="divider" class="divider divider-fancy">` +
		`<div data-type="video-embed" data-url="https://youtu.be/q1"><iframe src="https://www.youtube.com/embed/q1"></iframe></div>`
	doc, err := ParseHTML(reg, src)
	if err != nil {
		t.Fatalf("ParseHTML() error = %v", err)
	}
	if !equalStrings(types(doc), []string{"button", "divider", "videoEmbed"}) {
		t.Fatalf("types = %v", types(doc))
	}

	button := doc.Content[0]
	if button.StringAttr("align") != "right" || button.StringAttr("variant") != "secondary" || button.StringAttr("url") != "/signup" {
		t.Fatalf("button attrs = %#v", button.Attrs)
	}
	if doc.Content[1].StringAttr("style") != "solid" {
		t.Fatalf("unknown divider style should fall back to solid, got %#v", doc.Content[1].Attrs)
	}
	if doc.Content[2].StringAttr("provider") != "youtube" {
		t.Fatalf("video attrs = %#v", doc.Content[2].Attrs)
	}
}

func TestParseHTMLListsAndCode(t *testing.T) {
	reg := DefaultRegistry()
	doc, err := ParseHTML(reg, `<ol start="2"><li>first</li><li><p>second</p></li></ol><pre><code class="language-sql">SELECT 1;</code></pre>`)
	if err != nil {
		t.Fatalf("ParseHTML() error = %v", err)
	}
	list := doc.Content[0]
	if list.Type != "orderedList" || list.IntAttr("start", 0) != 2 || len(list.Content) != 2 {
		t.Fatalf("list = %+v", list)
	}
	first, err := NodeAt(doc, Path{0, 0, 0})
	if err != nil || first.Type != "paragraph" {
		t.Fatalf("bare list text should be wrapped in a paragraph, got %+v", first)
	}
	code := doc.Content[1]
	if code.StringAttr("language") != "sql" || code.Content[0].Text != "SELECT 1;" {
		t.Fatalf("code = %+v", code)
	}
}
