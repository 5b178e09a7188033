package extract

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/poiesic/alexandria/core"
)

// PDF extracts page text from a PDF. Each non-empty page contributes a
// "page N" section marker. The document title comes from the Info dictionary.
func PDF(ctx context.Context, raw []byte) (result *core.Extraction, err error) {
	// The PDF reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &ExtractionError{Type: core.DocTypePDF, Err: fmt.Errorf("malformed PDF: %v", r)}
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, &ExtractionError{Type: core.DocTypePDF, Err: err}
	}

	pages := reader.NumPage()
	if pages == 0 {
		return nil, &ExtractionError{Type: core.DocTypePDF, Err: fmt.Errorf("%w: PDF has no pages", core.ErrEmptyContent)}
	}

	result = &core.Extraction{
		Metadata: map[string]string{"pages": strconv.Itoa(pages)},
	}
	if title := strings.TrimSpace(reader.Trailer().Key("Info").Key("Title").Text()); title != "" {
		result.Metadata["title"] = title
	}

	var text strings.Builder
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("extracting pdf page %d: %w", i, err)
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return nil, &ExtractionError{Type: core.DocTypePDF, Err: fmt.Errorf("page %d: %w", i, err)}
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		result.Sections = append(result.Sections, "page "+strconv.Itoa(i))
		text.WriteString(content)
		text.WriteString("\n\n")
	}
	result.Text = strings.TrimSpace(text.String())
	return result, nil
}
