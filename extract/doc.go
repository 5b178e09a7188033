// Package extract turns raw document bytes into text plus structural hints
// (headings, page markers, image references and format metadata).
//
// A Registry maps each core.DocType to an extraction Func. New installs
// extractors for plain text and code, CommonMark, HTML and PDF; WithExtractor
// replaces or adds one. Failures are reported as *ExtractionError, whose
// Retryable flag feeds core.Classify.
package extract
