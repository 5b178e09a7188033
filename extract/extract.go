// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/poiesic/alexandria/core"
)

// ErrNilExtractor indicates a nil extraction function was registered.
var ErrNilExtractor = errors.New("extractor function cannot be nil")

// Extractor turns raw document bytes into text and structure.
type Extractor interface {
	Extract(ctx context.Context, raw []byte, docType core.DocType) (*core.Extraction, error)
}

// Func extracts one document format.
type Func func(ctx context.Context, raw []byte) (*core.Extraction, error)

// ExtractionError reports a failed extraction and whether repeating it could help.
type ExtractionError struct {
	Type      core.DocType
	Retryable bool
	Err       error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.Type, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the extraction may succeed on another attempt.
func (e *ExtractionError) IsRetryable() bool {
	return e.Retryable
}

// Registry dispatches extraction to the function registered for a document type.
type Registry struct {
	extractors map[core.DocType]Func
	logger     *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry) error

// WithExtractor registers fn for docType, replacing any default.
func WithExtractor(docType core.DocType, fn Func) Option {
	return func(r *Registry) error {
		if fn == nil {
			return fmt.Errorf("%w: %s", ErrNilExtractor, docType)
		}
		r.extractors[docType] = fn
		return nil
	}
}

// WithLogger sets a custom logger for the registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) error {
		r.logger = logger
		return nil
	}
}

// New returns a Registry with extractors for text, code, markdown, HTML and PDF.
func New(opts ...Option) (*Registry, error) {
	r := &Registry{
		extractors: map[core.DocType]Func{
			core.DocTypeText:     Text,
			core.DocTypeCode:     Text,
			core.DocTypeMarkdown: Markdown,
			core.DocTypeHTML:     HTML,
			core.DocTypePDF:      PDF,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.logger = r.logger.With("component", "extract")
	return r, nil
}

// Supports reports whether docType has a registered extractor.
func (r *Registry) Supports(docType core.DocType) bool {
	_, ok := r.extractors[docType]
	return ok
}

// Extract runs the extractor registered for docType. Extractions that yield
// no text fail with core.ErrEmptyContent.
func (r *Registry) Extract(ctx context.Context, raw []byte, docType core.DocType) (*core.Extraction, error) {
	fn, ok := r.extractors[docType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedType, docType)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("extracting %s: %w", docType, err)
	}

	result, err := fn(ctx, raw)
	if err != nil {
		var extractErr *ExtractionError
		if errors.As(err, &extractErr) || ctx.Err() != nil {
			return nil, err
		}
		return nil, &ExtractionError{Type: docType, Err: err}
	}
	if strings.TrimSpace(result.Text) == "" {
		return nil, &ExtractionError{Type: docType, Err: core.ErrEmptyContent}
	}
	if result.Metadata == nil {
		result.Metadata = map[string]string{}
	}
	r.logger.Debug("extracted document",
		"type", docType,
		"chars", len(result.Text),
		"sections", len(result.Sections),
		"images", len(result.Images))
	return result, nil
}

var _ Extractor = (*Registry)(nil)
