package core

import (
	"encoding/binary"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is a unique identifier for documents.
// It is generated using content-based hashing.
type ID uint64

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
// This ensures that identical content produces identical IDs.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// String renders the ID as fixed-width hex, which is how it appears in logs and URLs.
func (id ID) String() string {
	s := strconv.FormatUint(uint64(id), 16)
	if len(s) < 16 {
		s = strings.Repeat("0", 16-len(s)) + s
	}
	return s
}

// ParseID parses the hex form produced by ID.String.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, err
	}
	return ID(v), nil
}

// MarshalText renders the ID in its hex form for JSON and YAML output.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses the hex form produced by MarshalText.
func (id *ID) UnmarshalText(b []byte) error {
	v, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// DocType identifies the format of a document.
type DocType int

const (
	DocTypeUnknown DocType = iota
	DocTypePDF
	DocTypeMarkdown
	DocTypeHTML
	DocTypeText
	DocTypeCode
)

var docTypeNames = map[DocType]string{
	DocTypeUnknown:  "unknown",
	DocTypePDF:      "pdf",
	DocTypeMarkdown: "markdown",
	DocTypeHTML:     "html",
	DocTypeText:     "text",
	DocTypeCode:     "code",
}

func (t DocType) String() string {
	if name, ok := docTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// IsTextual reports whether documents of this type must be valid UTF-8.
func (t DocType) IsTextual() bool {
	return t == DocTypeMarkdown || t == DocTypeHTML || t == DocTypeText || t == DocTypeCode
}

var extensionTypes = map[string]DocType{
	".pdf":      DocTypePDF,
	".md":       DocTypeMarkdown,
	".markdown": DocTypeMarkdown,
	".html":     DocTypeHTML,
	".htm":      DocTypeHTML,
	".txt":      DocTypeText,
	".text":     DocTypeText,
	".rst":      DocTypeText,
	".go":       DocTypeCode,
	".py":       DocTypeCode,
	".js":       DocTypeCode,
	".ts":       DocTypeCode,
	".java":     DocTypeCode,
	".c":        DocTypeCode,
	".h":        DocTypeCode,
	".cpp":      DocTypeCode,
	".rs":       DocTypeCode,
	".rb":       DocTypeCode,
	".sh":       DocTypeCode,
	".sql":      DocTypeCode,
	".yaml":     DocTypeCode,
	".yml":      DocTypeCode,
	".json":     DocTypeCode,
}

// DetectDocType infers a document type from a file name's extension.
func DetectDocType(name string) DocType {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	return DocTypeUnknown
}

// Document is a raw input stored ahead of processing.
type Document struct {
	Id         ID
	Name       string
	Type       DocType
	Content    []byte
	InsertedAt time.Time
}

// NewDocument builds a Document whose ID is derived from its name and content,
// so resubmitting the same file yields the same ID.
func NewDocument(name string, content []byte) *Document {
	return &Document{
		Id:      IDFromContent(name + "\x00" + string(content)),
		Name:    name,
		Type:    DetectDocType(name),
		Content: content,
	}
}

// Size returns the content length in bytes.
func (d *Document) Size() int64 {
	return int64(len(d.Content))
}

// Extraction is the output of a format extractor.
type Extraction struct {
	Text     string
	Sections []string          // Headings or structural markers, in document order
	Images   []string          // Image references found in the source
	Metadata map[string]string // Format-specific attributes (title, page count, ...)
}

// IndexEntry is a document's vector in the similarity index.
type IndexEntry struct {
	DocumentID ID
	Vector     []float32
	Metadata   map[string]string
}

// Match is a similarity index hit.
type Match struct {
	DocumentID ID
	Score      float32
	Metadata   map[string]string
}
