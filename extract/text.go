package extract

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/poiesic/alexandria/core"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Text extracts plain text and source code. Line endings are normalized.
func Text(_ context.Context, raw []byte) (*core.Extraction, error) {
	text := normalizeNewlines(string(bytes.TrimPrefix(raw, utf8BOM)))
	return &core.Extraction{
		Text: text,
		Metadata: map[string]string{
			"lines": strconv.Itoa(strings.Count(text, "\n") + 1),
		},
	}, nil
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// collapseSpace joins the fields of s with single spaces.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
