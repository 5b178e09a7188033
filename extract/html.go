package extract

import (
	"bytes"
	"context"
	"strings"

	"github.com/poiesic/alexandria/core"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Head:     true,
}

var headingElements = map[atom.Atom]bool{
	atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Li: true, atom.Tr: true, atom.Br: true, atom.Pre: true,
	atom.Blockquote: true, atom.Header: true, atom.Footer: true, atom.Table: true,
}

// HTML extracts visible text, headings, image sources, the title and the meta
// description from an HTML document.
func HTML(_ context.Context, raw []byte) (*core.Extraction, error) {
	root, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, &ExtractionError{Type: core.DocTypeHTML, Err: err}
	}

	h := &htmlWalker{result: &core.Extraction{Metadata: map[string]string{}}}
	h.head(root)
	h.walk(root)
	h.flush()
	h.result.Text = strings.Join(h.lines, "\n")
	return h.result, nil
}

type htmlWalker struct {
	result *core.Extraction
	lines  []string
	line   strings.Builder
}

// head reads the title and meta description, which walk skips.
func (h *htmlWalker) head(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Title:
			if title := collapseSpace(textOf(n)); title != "" && h.result.Metadata["title"] == "" {
				h.result.Metadata["title"] = title
			}
		case atom.Meta:
			if strings.EqualFold(attr(n, "name"), "description") {
				if desc := collapseSpace(attr(n, "content")); desc != "" {
					h.result.Metadata["description"] = desc
				}
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		h.head(c)
	}
}

func (h *htmlWalker) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if text := collapseSpace(n.Data); text != "" {
			if h.line.Len() > 0 {
				h.line.WriteByte(' ')
			}
			h.line.WriteString(text)
		}
		return
	case html.ElementNode:
		if skippedElements[n.DataAtom] {
			return
		}
		if n.DataAtom == atom.Img {
			if src := attr(n, "src"); src != "" {
				h.result.Images = append(h.result.Images, src)
			}
			return
		}
		if headingElements[n.DataAtom] {
			h.flush()
			if heading := collapseSpace(textOf(n)); heading != "" {
				h.result.Sections = append(h.result.Sections, heading)
				h.lines = append(h.lines, heading)
			}
			return
		}
		if blockElements[n.DataAtom] {
			h.flush()
			defer h.flush()
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		h.walk(c)
	}
}

func (h *htmlWalker) flush() {
	if h.line.Len() == 0 {
		return
	}
	h.lines = append(h.lines, h.line.String())
	h.line.Reset()
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}
