package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/poiesic/alexandria/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPDF writes a single-page PDF showing text, with a correct xref table.
func buildPDF(title, text string) []byte {
	content := fmt.Sprintf("BT 72 712 Td (%s) Tj ET", text)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		fmt.Sprintf("<< /Title (%s) >>", title),
	}

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R /Info 5 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return []byte(b.String())
}

func newRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r, err := New(opts...)
	require.NoError(t, err)
	return r
}

func TestExtract_Text(t *testing.T) {
	r := newRegistry(t)
	raw := append([]byte{0xEF, 0xBB, 0xBF}, []byte("line one\r\nline two\rline three")...)

	result, err := r.Extract(context.Background(), raw, core.DocTypeText)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\nline three", result.Text)
	assert.Equal(t, "3", result.Metadata["lines"])
	assert.Empty(t, result.Sections)
}

func TestExtract_Markdown(t *testing.T) {
	src := "# Queue Handbook\n\nIntro paragraph\nwrapped here.\n\n## Brokers\n\n" +
		"![diagram](img/broker.png)\n\n```go\nfunc main() {}\n```\n\n### Delivery `at-least-once`\n"

	result, err := newRegistry(t).Extract(context.Background(), []byte(src), core.DocTypeMarkdown)
	require.NoError(t, err)

	assert.Equal(t, []string{"Queue Handbook", "Brokers", "Delivery at-least-once"}, result.Sections)
	assert.Equal(t, []string{"img/broker.png"}, result.Images)
	assert.Equal(t, "Queue Handbook", result.Metadata["title"])
	assert.Contains(t, result.Text, "Intro paragraph wrapped here.")
	assert.Contains(t, result.Text, "func main() {}")
	assert.NotContains(t, result.Text, "#")
}

func TestExtract_HTML(t *testing.T) {
	src := `<!DOCTYPE html>
<html>
<head>
  <title>  Release   Notes </title>
  <meta name="description" content="What changed">
  <style>body { color: red }</style>
</head>
<body>
  <h1>Version 2</h1>
  <p>Faster <b>dispatch</b> and
     fewer retries.</p>
  <script>alert("x")</script>
  <img src="/chart.png" alt="chart">
  <h2>Fixes</h2>
  <ul><li>one</li><li>two</li></ul>
</body>
</html>`

	result, err := newRegistry(t).Extract(context.Background(), []byte(src), core.DocTypeHTML)
	require.NoError(t, err)

	assert.Equal(t, "Release Notes", result.Metadata["title"])
	assert.Equal(t, "What changed", result.Metadata["description"])
	assert.Equal(t, []string{"Version 2", "Fixes"}, result.Sections)
	assert.Equal(t, []string{"/chart.png"}, result.Images)
	assert.Equal(t, "Version 2\nFaster dispatch and fewer retries.\nFixes\none\ntwo", result.Text)
	assert.NotContains(t, result.Text, "alert")
	assert.NotContains(t, result.Text, "color")
}

func TestExtract_PDF(t *testing.T) {
	raw := buildPDF("Queue Handbook", "Hello from the bus")

	result, err := newRegistry(t).Extract(context.Background(), raw, core.DocTypePDF)
	require.NoError(t, err)
	assert.Contains(t, result.Text, "Hello from the bus")
	assert.Equal(t, "1", result.Metadata["pages"])
	assert.Equal(t, "Queue Handbook", result.Metadata["title"])
	assert.Equal(t, []string{"page 1"}, result.Sections)
}

func TestExtract_MalformedPDF(t *testing.T) {
	raw := []byte("%PDF-1.4\n" + strings.Repeat("garbage ", 40))

	_, err := newRegistry(t).Extract(context.Background(), raw, core.DocTypePDF)
	var extractErr *ExtractionError
	require.ErrorAs(t, err, &extractErr)
	assert.False(t, extractErr.IsRetryable())
	assert.Equal(t, core.ClassValidation, core.Classify(err))
}

func TestExtract_Errors(t *testing.T) {
	r := newRegistry(t)

	t.Run("unsupported type", func(t *testing.T) {
		_, err := r.Extract(context.Background(), []byte("x"), core.DocTypeUnknown)
		assert.ErrorIs(t, err, core.ErrUnsupportedType)
		assert.False(t, r.Supports(core.DocTypeUnknown))
	})

	t.Run("no text", func(t *testing.T) {
		_, err := r.Extract(context.Background(), []byte("<html><body><script>x</script></body></html>"), core.DocTypeHTML)
		assert.ErrorIs(t, err, core.ErrEmptyContent)
		assert.Equal(t, core.ClassValidation, core.Classify(err))
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := r.Extract(ctx, []byte("text"), core.DocTypeText)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, core.ClassCancelled, core.Classify(err))
	})
}

func TestWithExtractor(t *testing.T) {
	_, err := New(WithExtractor(core.DocTypeText, nil))
	assert.ErrorIs(t, err, ErrNilExtractor)

	flaky := errors.New("service unavailable")
	r := newRegistry(t, WithExtractor(core.DocTypePDF, func(context.Context, []byte) (*core.Extraction, error) {
		return nil, &ExtractionError{Type: core.DocTypePDF, Retryable: true, Err: flaky}
	}))
	_, err = r.Extract(context.Background(), []byte("%PDF-"), core.DocTypePDF)
	assert.ErrorIs(t, err, flaky)
	assert.Equal(t, core.ClassTransient, core.Classify(err))

	plain := errors.New("boom")
	r = newRegistry(t, WithExtractor(core.DocTypeCode, func(context.Context, []byte) (*core.Extraction, error) {
		return nil, plain
	}))
	_, err = r.Extract(context.Background(), []byte("x"), core.DocTypeCode)
	var extractErr *ExtractionError
	require.ErrorAs(t, err, &extractErr)
	assert.Equal(t, core.DocTypeCode, extractErr.Type)
	assert.False(t, extractErr.Retryable)
}
