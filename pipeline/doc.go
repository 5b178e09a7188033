// Package pipeline implements the per-document processing state machine:
//
//	queued -> validating -> extracting -> analyzing -> enriching -> completed
//
// Any stage may fail; a failed document re-enters at queued while attempts
// remain. A cancellation Token is checked at every stage boundary and also
// cancels the running stage's context.
//
// # Stages
//
//   - validating loads the document and checks type, size and well-formedness.
//     Failures are terminal.
//   - extracting runs the extract.Extractor for the document type.
//   - analyzing sends the extracted text to the ai.TextTransformer. Text over
//     Config.MaxAnalysisChars fails with core.ErrContentTooLarge.
//   - enriching merges the analysis into the state metadata, embeds the text,
//     upserts the vector into the storage.VectorIndex and calls the enrich hook.
//
// Each stage runs under Config.StageTimeout. Every transition is saved through
// the storage.PipelineRepository before the Observer sees it.
//
// # Outcomes
//
// Run never returns an error. It folds every failure into an Outcome whose
// Result tells the caller what to do next: report completion, schedule a
// retry at State.NextRetryAt, report a terminal failure, or report a
// cancellation. Retrying is the caller's job; the pipeline only records when.
package pipeline
