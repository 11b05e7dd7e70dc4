package blocks

import (
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	imagePositions  = []string{"left", "right"}
	calloutVariants = []string{"info", "warning", "success", "error"}
	videoProviders  = []string{"youtube", "vimeo", "other"}
	dividerStyles   = []string{"solid", "dashed", "dotted", "decorative"}
	buttonVariants  = []string{"primary", "secondary", "outline"}
	buttonAligns    = []string{"left", "center", "right"}
)

func customSpecs() []Spec {
	return []Spec{
		fullWidthImageSpec(),
		twoColumnTextSpec(),
		imageTextLayoutSpec(),
		pullQuoteSpec(),
		calloutBoxSpec(),
		gallerySpec(),
		videoEmbedSpec(),
		authorBioSpec(),
		relatedArticlesSpec(),
		dividerSpec(),
		buttonSpec(),
	}
}

func atomBlock(name, label string, attrs []AttrSpec, parse *ParseRule, render RenderFunc) Spec {
	return Spec{
		Name:   name,
		Label:  label,
		Group:  GroupBlock,
		Atom:   true,
		Custom: true,
		Attrs:  attrs,
		Parse:  parse,
		Render: render,
	}
}

func fullWidthImageSpec() Spec {
	s := atomBlock("fullWidthImage", "Full-width image",
		[]AttrSpec{{Name: "src", Default: ""}, {Name: "alt", Default: ""}, {Name: "caption", Default: ""}},
		&ParseRule{Tag: "figure", DataType: "full-width-image", Attrs: func(el *html.Node) map[string]any {
			img := findFirst(el, byTag(atom.Img))
			return map[string]any{
				"src":     getAttr(img, "src"),
				"alt":     getAttr(img, "alt"),
				"caption": textContent(findFirst(el, byTag(atom.Figcaption))),
			}
		}},
		func(n Node, _ string) string {
			var b strings.Builder
			b.WriteString(`<figure data-type="full-width-image" class="full-width-image">`)
			b.WriteString("<img" + attrList("src", safeURL(n.StringAttr("src")), "alt", n.StringAttr("alt")) + ">")
			if caption := n.StringAttr("caption"); caption != "" {
				b.WriteString("<figcaption>" + esc(caption) + "</figcaption>")
			}
			b.WriteString("</figure>\n")
			return b.String()
		})
	s.Text = func(n Node) string { return n.StringAttr("caption") }
	return s
}

func twoColumnTextSpec() Spec {
	s := atomBlock("twoColumnText", "Two-column text",
		[]AttrSpec{{Name: "leftContent", Default: ""}, {Name: "rightContent", Default: ""}},
		&ParseRule{Tag: "div", DataType: "two-column-text", Attrs: func(el *html.Node) map[string]any {
			return map[string]any{
				"leftContent":  textContent(findFirst(el, byClass("column-left"))),
				"rightContent": textContent(findFirst(el, byClass("column-right"))),
			}
		}},
		func(n Node, _ string) string {
			return `<div data-type="two-column-text" class="two-column-text">` +
				`<div class="column column-left">` + esc(n.StringAttr("leftContent")) + `</div>` +
				`<div class="column column-right">` + esc(n.StringAttr("rightContent")) + `</div>` +
				"</div>\n"
		})
	s.Text = func(n Node) string {
		return joinNonEmpty("\n", n.StringAttr("leftContent"), n.StringAttr("rightContent"))
	}
	return s
}

func imageTextLayoutSpec() Spec {
	s := atomBlock("imageTextLayout", "Image and text",
		[]AttrSpec{
			{Name: "imageSrc", Default: ""},
			{Name: "imageAlt", Default: ""},
			{Name: "imagePosition", Default: "left", Enum: imagePositions},
			{Name: "content", Default: ""},
		},
		&ParseRule{Tag: "div", DataType: "image-text-layout", Attrs: func(el *html.Node) map[string]any {
			img := findFirst(el, byTag(atom.Img))
			return map[string]any{
				"imageSrc":      getAttr(img, "src"),
				"imageAlt":      getAttr(img, "alt"),
				"imagePosition": enumFromClass(el, "image-", imagePositions),
				"content":       textContent(findFirst(el, byClass("image-text-content"))),
			}
		}},
		func(n Node, _ string) string {
			return `<div data-type="image-text-layout" class="image-text-layout image-` + n.StringAttr("imagePosition") + `">` +
				`<div class="image-text-media"><img` + attrList("src", safeURL(n.StringAttr("imageSrc")), "alt", n.StringAttr("imageAlt")) + `></div>` +
				`<div class="image-text-content">` + esc(n.StringAttr("content")) + `</div>` +
				"</div>\n"
		})
	s.Text = func(n Node) string { return n.StringAttr("content") }
	return s
}

func pullQuoteSpec() Spec {
	s := atomBlock("pullQuote", "Pull quote",
		[]AttrSpec{{Name: "quote", Default: ""}, {Name: "attribution", Default: ""}},
		&ParseRule{Tag: "blockquote", DataType: "pull-quote", Attrs: func(el *html.Node) map[string]any {
			cite := textContent(findFirst(el, byTag(atom.Cite)))
			cite = strings.TrimSpace(strings.TrimPrefix(cite, "—"))
			return map[string]any{
				"quote":       textContent(findFirst(el, byTag(atom.P))),
				"attribution": cite,
			}
		}},
		func(n Node, _ string) string {
			var b strings.Builder
			b.WriteString(`<blockquote data-type="pull-quote" class="pull-quote">`)
			b.WriteString("<p>" + esc(n.StringAttr("quote")) + "</p>")
			if who := n.StringAttr("attribution"); who != "" {
				b.WriteString("<cite>— " + esc(who) + "</cite>")
			}
			b.WriteString("</blockquote>\n")
			return b.String()
		})
	s.Normalize = func(attrs map[string]any) {
		attrs["attribution"] = strings.TrimSpace(toString(attrs["attribution"]))
	}
	s.Text = func(n Node) string {
		return joinNonEmpty("\n", n.StringAttr("quote"), n.StringAttr("attribution"))
	}
	return s
}

func calloutBoxSpec() Spec {
	s := atomBlock("calloutBox", "Callout box",
		[]AttrSpec{
			{Name: "title", Default: ""},
			{Name: "content", Default: ""},
			{Name: "variant", Default: "info", Enum: calloutVariants},
		},
		&ParseRule{Tag: "aside", DataType: "callout-box", Attrs: func(el *html.Node) map[string]any {
			return map[string]any{
				"title":   textContent(findFirst(el, byClass("callout-title"))),
				"content": textContent(findFirst(el, byClass("callout-content"))),
				"variant": enumFromClass(el, "callout-", calloutVariants),
			}
		}},
		func(n Node, _ string) string {
			var b strings.Builder
			b.WriteString(`<aside data-type="callout-box" class="callout-box callout-` + n.StringAttr("variant") + `" role="note">`)
			if title := n.StringAttr("title"); title != "" {
				b.WriteString(`<p class="callout-title"><strong>` + esc(title) + `</strong></p>`)
			}
			b.WriteString(`<p class="callout-content">` + esc(n.StringAttr("content")) + `</p>`)
			b.WriteString("</aside>\n")
			return b.String()
		})
	s.Text = func(n Node) string {
		return joinNonEmpty("\n", n.StringAttr("title"), n.StringAttr("content"))
	}
	return s
}

func gallerySpec() Spec {
	s := atomBlock("gallery", "Gallery",
		[]AttrSpec{{Name: "images", Default: []any{}}, {Name: "columns", Default: 3}},
		&ParseRule{Tag: "div", DataType: "gallery", Attrs: func(el *html.Node) map[string]any {
			images := make([]any, 0)
			for _, fig := range findAll(el, byClass("gallery-item")) {
				img := findFirst(fig, byTag(atom.Img))
				images = append(images, map[string]any{
					"src":     getAttr(img, "src"),
					"alt":     getAttr(img, "alt"),
					"caption": textContent(findFirst(fig, byTag(atom.Figcaption))),
				})
			}
			return map[string]any{"images": images, "columns": getAttr(el, "data-columns")}
		}},
		func(n Node, _ string) string {
			cols := strconv.Itoa(n.IntAttr("columns", 3))
			var b strings.Builder
			b.WriteString(`<div data-type="gallery" class="gallery gallery-cols-` + cols + `" data-columns="` + cols + `">`)
			for _, img := range listItems(n.Attr("images")) {
				b.WriteString(`<figure class="gallery-item"><img` + attrList("src", safeURL(toString(img["src"])), "alt", toString(img["alt"])) + `>`)
				if caption := toString(img["caption"]); caption != "" {
					b.WriteString("<figcaption>" + esc(caption) + "</figcaption>")
				}
				b.WriteString("</figure>")
			}
			b.WriteString("</div>\n")
			return b.String()
		})
	s.Normalize = func(attrs map[string]any) {
		attrs["images"] = toList(attrs["images"], "src", "alt", "caption")
		attrs["columns"] = clampInt(toInt(attrs["columns"], 3), 1, 6)
	}
	s.Text = func(n Node) string {
		captions := make([]string, 0)
		for _, img := range listItems(n.Attr("images")) {
			captions = append(captions, toString(img["caption"]))
		}
		return joinNonEmpty("\n", captions...)
	}
	return s
}

func videoEmbedSpec() Spec {
	s := atomBlock("videoEmbed", "Video embed",
		[]AttrSpec{
			{Name: "url", Default: ""},
			{Name: "provider", Default: "other", Enum: videoProviders},
			{Name: "caption", Default: ""},
		},
		&ParseRule{Tag: "div", DataType: "video-embed", Attrs: func(el *html.Node) map[string]any {
			return map[string]any{
				"url":     getAttr(el, "data-url"),
				"caption": textContent(findFirst(el, byClass("video-caption"))),
			}
		}},
		func(n Node, _ string) string {
			link := safeURL(n.StringAttr("url"))
			title := n.StringAttr("caption")
			if title == "" {
				title = "Embedded video"
			}
			var b strings.Builder
			b.WriteString(`<div data-type="video-embed" class="video-embed video-` + n.StringAttr("provider") + `"` + attrList("data-url", link) + `>`)
			b.WriteString(`<iframe` + attrList("src", EmbedURL(link), "title", title) +
				` frameborder="0" allow="autoplay; encrypted-media; picture-in-picture" allowfullscreen></iframe>`)
			if caption := n.StringAttr("caption"); caption != "" {
				b.WriteString(`<p class="video-caption">` + esc(caption) + `</p>`)
			}
			b.WriteString("</div>\n")
			return b.String()
		})
	s.Normalize = func(attrs map[string]any) {
		attrs["provider"] = VideoProvider(toString(attrs["url"]))
	}
	s.Text = func(n Node) string { return n.StringAttr("caption") }
	return s
}

// VideoProvider classifies a video URL as youtube, vimeo or other.
func VideoProvider(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "other"
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case host == "youtu.be" || host == "youtube.com" || strings.HasSuffix(host, ".youtube.com") || host == "youtube-nocookie.com":
		return "youtube"
	case host == "vimeo.com" || strings.HasSuffix(host, ".vimeo.com"):
		return "vimeo"
	default:
		return "other"
	}
}

// EmbedURL converts a watch/share URL into the provider's player URL.
// Unknown URLs are returned unchanged.
func EmbedURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segments[len(segments)-1]

	switch VideoProvider(raw) {
	case "youtube":
		if strings.HasPrefix(u.Path, "/embed/") {
			return raw
		}
		id := u.Query().Get("v")
		if strings.HasSuffix(strings.ToLower(u.Hostname()), "youtu.be") || segments[0] == "shorts" {
			id = last
		}
		if id == "" {
			return raw
		}
		return "https://www.youtube.com/embed/" + url.PathEscape(id)
	case "vimeo":
		if strings.HasPrefix(strings.ToLower(u.Hostname()), "player.") {
			return raw
		}
		if _, err := strconv.Atoi(last); err != nil {
			return raw
		}
		return "https://player.vimeo.com/video/" + last
	default:
		return raw
	}
}

func authorBioSpec() Spec {
	s := atomBlock("authorBio", "Author bio",
		[]AttrSpec{{Name: "name", Default: ""}, {Name: "title", Default: ""}, {Name: "bio", Default: ""}, {Name: "photo", Default: ""}},
		&ParseRule{Tag: "div", DataType: "author-bio", Attrs: func(el *html.Node) map[string]any {
			return map[string]any{
				"name":  textContent(findFirst(el, byClass("author-bio-name"))),
				"title": textContent(findFirst(el, byClass("author-bio-title"))),
				"bio":   textContent(findFirst(el, byClass("author-bio-text"))),
				"photo": getAttr(findFirst(el, byClass("author-bio-photo")), "src"),
			}
		}},
		func(n Node, _ string) string {
			var b strings.Builder
			b.WriteString(`<div data-type="author-bio" class="author-bio">`)
			if photo := n.StringAttr("photo"); photo != "" {
				b.WriteString(`<img class="author-bio-photo"` + attrList("src", safeURL(photo), "alt", n.StringAttr("name")) + `>`)
			}
			b.WriteString(`<div class="author-bio-details">`)
			b.WriteString(`<p class="author-bio-name">` + esc(n.StringAttr("name")) + `</p>`)
			if title := n.StringAttr("title"); title != "" {
				b.WriteString(`<p class="author-bio-title">` + esc(title) + `</p>`)
			}
			if bio := n.StringAttr("bio"); bio != "" {
				b.WriteString(`<p class="author-bio-text">` + esc(bio) + `</p>`)
			}
			b.WriteString("</div></div>\n")
			return b.String()
		})
	s.Text = func(n Node) string {
		return joinNonEmpty("\n", n.StringAttr("name"), n.StringAttr("title"), n.StringAttr("bio"))
	}
	return s
}

func relatedArticlesSpec() Spec {
	s := atomBlock("relatedArticles", "Related articles",
		[]AttrSpec{{Name: "heading", Default: "Related Articles"}, {Name: "articles", Default: []any{}}},
		&ParseRule{Tag: "div", DataType: "related-articles", Attrs: func(el *html.Node) map[string]any {
			articles := make([]any, 0)
			for _, li := range findAll(el, byTag(atom.Li)) {
				a := findFirst(li, byTag(atom.A))
				articles = append(articles, map[string]any{
					"title": textContent(findFirst(li, byClass("related-title"))),
					"url":   getAttr(a, "href"),
					"image": getAttr(findFirst(li, byTag(atom.Img)), "src"),
				})
			}
			return map[string]any{
				"heading":  textContent(findFirst(el, byTag(atom.H3))),
				"articles": articles,
			}
		}},
		func(n Node, _ string) string {
			var b strings.Builder
			b.WriteString(`<div data-type="related-articles" class="related-articles">`)
			if heading := n.StringAttr("heading"); heading != "" {
				b.WriteString("<h3>" + esc(heading) + "</h3>")
			}
			b.WriteString("<ul>")
			for _, article := range listItems(n.Attr("articles")) {
				b.WriteString("<li><a" + attrList("href", safeURL(toString(article["url"]))) + ">")
				if img := toString(article["image"]); img != "" {
					b.WriteString("<img" + attrList("src", safeURL(img), "alt", "") + ">")
				}
				b.WriteString(`<span class="related-title">` + esc(toString(article["title"])) + "</span></a></li>")
			}
			b.WriteString("</ul></div>\n")
			return b.String()
		})
	s.Normalize = func(attrs map[string]any) {
		attrs["articles"] = toList(attrs["articles"], "title", "url", "image")
	}
	s.Text = func(n Node) string {
		parts := []string{n.StringAttr("heading")}
		for _, article := range listItems(n.Attr("articles")) {
			parts = append(parts, toString(article["title"]))
		}
		return joinNonEmpty("\n", parts...)
	}
	return s
}

func dividerSpec() Spec {
	return atomBlock("divider", "Divider",
		[]AttrSpec{{Name: "style", Default: "solid", Enum: dividerStyles}},
		&ParseRule{Tag: "hr", DataType: "divider", Attrs: func(el *html.Node) map[string]any {
			return map[string]any{"style": enumFromClass(el, "divider-", dividerStyles)}
		}},
		func(n Node, _ string) string {
			return `<hr data-type="divider" class="divider divider-` + n.StringAttr("style") + `">` + "\n"
		})
}

func buttonSpec() Spec {
	s := atomBlock("button", "Button",
		[]AttrSpec{
			{Name: "text", Default: "Click here"},
			{Name: "url", Default: "#"},
			{Name: "variant", Default: "primary", Enum: buttonVariants},
			{Name: "align", Default: "center", Enum: buttonAligns},
		},
		&ParseRule{Tag: "div", DataType: "button", Attrs: func(el *html.Node) map[string]any {
			a := findFirst(el, byTag(atom.A))
			return map[string]any{
				"text":    textContent(a),
				"url":     getAttr(a, "href"),
				"variant": enumFromClass(a, "btn-", buttonVariants),
				"align":   enumFromClass(el, "align-", buttonAligns),
			}
		}},
		func(n Node, _ string) string {
			return `<div data-type="button" class="button-block align-` + n.StringAttr("align") + `">` +
				`<a class="btn btn-` + n.StringAttr("variant") + `"` + attrList("href", safeURL(n.StringAttr("url"))) + `>` +
				esc(n.StringAttr("text")) + "</a></div>\n"
		})
	s.Normalize = func(attrs map[string]any) {
		if strings.TrimSpace(toString(attrs["url"])) == "" {
			attrs["url"] = "#"
		}
	}
	s.Text = func(n Node) string { return n.StringAttr("text") }
	return s
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
