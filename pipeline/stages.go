package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/poiesic/alexandria/ai"
	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/storage"
)

// stage binds a pipeline stage to the function that performs it.
type stage struct {
	stage core.Stage
	run   func(ctx context.Context, state *core.PipelineState, w *work) error
}

// work carries intermediate results between the stages of one run.
type work struct {
	document   *core.Document
	extraction *core.Extraction
	analysis   *ai.Analysis
}

// Metadata keys written by the stages.
const (
	MetaName           = "name"
	MetaType           = "type"
	MetaSize           = "size"
	MetaTitle          = "title"
	MetaSections       = "sections"
	MetaImages         = "images"
	MetaChars          = "chars"
	MetaClassification = "classification"
	MetaSummary        = "summary"
	MetaTags           = "tags"
	MetaConfidence     = "confidence"
	MetaDimensions     = "dimensions"
	MetaBatch          = "batch"
)

// sourcePrefix marks metadata copied from the extractor.
const sourcePrefix = "source."

func (p *Pipeline) validate(ctx context.Context, state *core.PipelineState, w *work) error {
	doc, err := p.documents.GetDocument(ctx, state.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: document %s not found", core.ErrValidation, state.DocumentID)
	}
	if err != nil {
		return fmt.Errorf("loading document: %w", err)
	}
	if err := core.ValidateDocument(doc, p.config.MaxDocumentSize); err != nil {
		return err
	}
	w.document = doc
	state.Metadata[MetaName] = doc.Name
	state.Metadata[MetaType] = doc.Type.String()
	state.Metadata[MetaSize] = strconv.FormatInt(doc.Size(), 10)
	return nil
}

func (p *Pipeline) extract(ctx context.Context, state *core.PipelineState, w *work) error {
	extraction, err := p.extractor.Extract(ctx, w.document.Content, w.document.Type)
	if err != nil {
		return err
	}
	w.extraction = extraction
	for k, v := range extraction.Metadata {
		state.Metadata[sourcePrefix+k] = v
	}
	title := extraction.Metadata["title"]
	if title == "" {
		title = w.document.Name
	}
	state.Metadata[MetaTitle] = title
	state.Metadata[MetaSections] = strconv.Itoa(len(extraction.Sections))
	state.Metadata[MetaImages] = strconv.Itoa(len(extraction.Images))
	state.Metadata[MetaChars] = strconv.Itoa(utf8.RuneCountInString(extraction.Text))
	return nil
}

func (p *Pipeline) analyze(ctx context.Context, _ *core.PipelineState, w *work) error {
	text := w.extraction.Text
	if n := utf8.RuneCountInString(text); n > p.config.MaxAnalysisChars {
		return fmt.Errorf("%w: %d characters exceeds limit of %d", core.ErrContentTooLarge, n, p.config.MaxAnalysisChars)
	}
	analysis, err := p.transformer.Analyze(ctx, text, p.config.Instructions)
	if err != nil {
		return err
	}
	w.analysis = analysis
	return nil
}

// enrichDocument merges the analysis into the metadata, indexes the text's
// vector and hands the document to the enrich hook.
func (p *Pipeline) enrichDocument(ctx context.Context, state *core.PipelineState, w *work) error {
	a := w.analysis
	state.Metadata[MetaClassification] = a.Classification
	state.Metadata[MetaSummary] = a.Summary
	state.Metadata[MetaTags] = strings.Join(a.Tags, ",")
	state.Metadata[MetaConfidence] = strconv.FormatFloat(a.Confidence, 'f', 2, 64)

	vector, err := p.embedder.EmbedText(ctx, w.extraction.Text)
	if err != nil {
		return fmt.Errorf("embedding document: %w", err)
	}
	state.Metadata[MetaDimensions] = strconv.Itoa(len(vector))

	indexed := map[string]string{
		MetaName:           state.Metadata[MetaName],
		MetaTitle:          state.Metadata[MetaTitle],
		MetaClassification: a.Classification,
		MetaTags:           state.Metadata[MetaTags],
		MetaSummary:        a.Summary,
		MetaBatch:          state.BatchID,
	}
	if err := p.index.Upsert(ctx, state.DocumentID, vector, indexed); err != nil {
		return fmt.Errorf("indexing document: %w", err)
	}

	if p.enrich != nil {
		if err := p.enrich(ctx, state.Clone(), a); err != nil {
			p.logger.Warn("enrich hook failed", "document", state.DocumentID, "error", err)
		}
	}
	return nil
}
