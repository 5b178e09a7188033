package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/search"
)

// colorMonitor prints each stage of a search as it happens.
type colorMonitor struct {
	w io.Writer
}

var _ search.SearchMonitor = (*colorMonitor)(nil)

func newColorMonitor(w io.Writer) *colorMonitor {
	return &colorMonitor{w: w}
}

func (m *colorMonitor) Start(query string) {
	cyan.Fprintf(m.w, "→ searching for %q\n", query)
}

func (m *colorMonitor) AfterSemanticSearch(matches []core.Match) {
	fmt.Fprintf(m.w, "  %d candidates from the vector index\n", len(matches))
}

func (m *colorMonitor) SemanticAndTaggedHit(r search.Result) {
	green.Fprintf(m.w, "  semantic+tag ")
	fmt.Fprintf(m.w, "%s [%0.3f]\n", r.DocumentID, r.Similarity)
}

func (m *colorMonitor) SemanticHit(r search.Result) {
	green.Fprintf(m.w, "  semantic     ")
	fmt.Fprintf(m.w, "%s [%0.3f]\n", r.DocumentID, r.Similarity)
}

func (m *colorMonitor) TaggedHit(r search.Result) {
	yellow.Fprintf(m.w, "  tag          ")
	fmt.Fprintf(m.w, "%s [%s]\n", r.DocumentID, strings.Join(r.Tags, ", "))
}

func (m *colorMonitor) Finish(results []search.Result) {
	cyan.Fprintf(m.w, "→ %d results\n\n", len(results))
}

func printResults(w io.Writer, results []search.Result) {
	fmt.Fprintf(w, "Found %d hits\n", len(results))
	for i, hit := range results {
		title := hit.Title
		if title == "" {
			title = hit.DocumentID.String()
		}
		fmt.Fprintf(w, "%d: %s (%s)[%0.3f]\n", i, title, hit.Classification, hit.Score)
		if hit.Summary != "" {
			fmt.Fprintf(w, "   %s\n", hit.Summary)
		}
		if hit.BatchID != "" {
			fmt.Fprintf(w, "   batch %s\n", hit.BatchID)
		}
	}
}
