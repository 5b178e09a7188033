package extract

import (
	"bytes"
	"context"
	"strings"

	"github.com/poiesic/alexandria/core"
	"gitlab.com/golang-commonmark/markdown"
)

// Markdown extracts text, headings and image references from CommonMark.
// The first level-one heading becomes the title.
func Markdown(_ context.Context, raw []byte) (*core.Extraction, error) {
	md := markdown.New(markdown.HTML(false))
	tokens := md.Parse(bytes.TrimPrefix(raw, utf8BOM))

	result := &core.Extraction{Metadata: map[string]string{}}
	var text strings.Builder
	heading := 0
	for _, tok := range tokens {
		switch t := tok.(type) {
		case *markdown.HeadingOpen:
			heading = t.HLevel
		case *markdown.HeadingClose:
			heading = 0
		case *markdown.Inline:
			line := inlineText(t.Children, &result.Images)
			if line == "" {
				continue
			}
			if heading > 0 {
				result.Sections = append(result.Sections, line)
				if heading == 1 && result.Metadata["title"] == "" {
					result.Metadata["title"] = line
				}
			}
			text.WriteString(line)
			text.WriteString("\n\n")
		case *markdown.Fence:
			writeBlock(&text, t.Content)
		case *markdown.CodeBlock:
			writeBlock(&text, t.Content)
		}
	}
	result.Text = strings.TrimSpace(text.String())
	return result, nil
}

// inlineText flattens inline tokens to text, collecting image sources.
func inlineText(children []markdown.Token, images *[]string) string {
	var b strings.Builder
	for _, tok := range children {
		switch t := tok.(type) {
		case *markdown.Text:
			b.WriteString(t.Content)
		case *markdown.CodeInline:
			b.WriteString(t.Content)
		case *markdown.Softbreak, *markdown.Hardbreak:
			b.WriteString(" ")
		case *markdown.Image:
			*images = append(*images, t.Src)
			b.WriteString(inlineText(t.Tokens, images))
		}
	}
	return collapseSpace(b.String())
}

func writeBlock(b *strings.Builder, content string) {
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return
	}
	b.WriteString(content)
	b.WriteString("\n\n")
}
