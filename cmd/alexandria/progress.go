package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/poiesic/alexandria/core"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// ProgressPrinter reports batch progress on a single line.
type ProgressPrinter struct {
	writer    io.Writer
	startTime time.Time
	lastDone  int
	mu        sync.Mutex
}

// NewProgressPrinter creates a printer. Elapsed time is measured from here.
func NewProgressPrinter(writer io.Writer) *ProgressPrinter {
	return &ProgressPrinter{
		writer:    writer,
		startTime: time.Now(),
		lastDone:  -1,
	}
}

// Report prints rec's progress if the processed count changed.
func (p *ProgressPrinter) Report(rec core.BatchRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec.ProcessedCount == p.lastDone {
		return
	}
	p.lastDone = rec.ProcessedCount
	p.report(rec)
}

// Finish prints the final progress line and a colored summary.
func (p *ProgressPrinter) Finish(rec core.BatchRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec.BatchID == "" {
		fmt.Fprintln(p.writer, "no updates received")
		return
	}
	p.report(rec)
	fmt.Fprintln(p.writer) // Print newline after final progress
	printSummary(p.writer, rec, time.Since(p.startTime))
}

// Elapsed returns the time since the printer was created.
func (p *ProgressPrinter) Elapsed() time.Duration {
	return time.Since(p.startTime)
}

// report prints the current progress. Must be called with lock held.
func (p *ProgressPrinter) report(rec core.BatchRecord) {
	elapsed := time.Since(p.startTime)
	rate := float64(rec.ProcessedCount) / elapsed.Seconds()

	percentage := 0.0
	if rec.TotalCount > 0 {
		percentage = float64(rec.ProcessedCount) / float64(rec.TotalCount) * 100.0
	}

	fmt.Fprintf(p.writer, "\rProgress: %d/%d (%.1f%%) - %.1f docs/s - %d failed",
		rec.ProcessedCount, rec.TotalCount, percentage, rate, rec.ErrorCount)
}

func statusColor(s core.BatchStatus) *color.Color {
	switch s {
	case core.BatchCompleted:
		return green
	case core.BatchError:
		return red
	case core.BatchCancelled:
		return yellow
	}
	return cyan
}

func printSummary(w io.Writer, rec core.BatchRecord, elapsed time.Duration) {
	statusColor(rec.Status).Fprintf(w, "Batch %s %s", rec.BatchID, rec.Status)
	fmt.Fprintf(w, " in %s: %d succeeded, %d failed, %d of %d processed\n",
		elapsed.Round(time.Millisecond), rec.SuccessCount, rec.ErrorCount, rec.ProcessedCount, rec.TotalCount)
	printErrors(w, rec.Errors)
}

func printErrors(w io.Writer, errs []core.DocumentError) {
	for _, e := range errs {
		red.Fprintf(w, "  %s", e.DocumentID)
		fmt.Fprintf(w, " [%s] %s\n", e.Class, e.Message)
	}
}

// printBatch prints a full status report for one batch.
func printBatch(w io.Writer, rec core.BatchRecord) {
	fmt.Fprintf(w, "Batch:     %s\n", rec.BatchID)
	fmt.Fprint(w, "Status:    ")
	statusColor(rec.Status).Fprintln(w, rec.Status)
	fmt.Fprintf(w, "Progress:  %d/%d (%.1f%% success)\n", rec.ProcessedCount, rec.TotalCount, rec.SuccessRate()*100)
	fmt.Fprintf(w, "Created:   %s\n", rec.CreatedAt.Format(time.RFC3339))
	if !rec.CompletedAt.IsZero() {
		fmt.Fprintf(w, "Finished:  %s (%s)\n", rec.CompletedAt.Format(time.RFC3339), rec.CompletedAt.Sub(rec.CreatedAt).Round(time.Millisecond))
	}
	if rec.CurrentDocument != 0 {
		fmt.Fprintf(w, "Last:      %s\n", rec.CurrentDocument)
	}
	if len(rec.Errors) > 0 {
		fmt.Fprintln(w, "Errors:")
		printErrors(w, rec.Errors)
	}
}

// printHistory prints one line per batch, newest first.
func printHistory(w io.Writer, batches []core.BatchRecord) {
	width := 0
	for _, b := range batches {
		width = max(width, len(b.BatchID))
	}
	for _, b := range batches {
		fmt.Fprintf(w, "%-*s  ", width, b.BatchID)
		statusColor(b.Status).Fprintf(w, "%-10s", b.Status)
		fmt.Fprintf(w, "  %3d/%-3d  %3d failed  %s\n",
			b.ProcessedCount, b.TotalCount, b.ErrorCount, b.CreatedAt.Format(time.DateTime))
	}
}

func printWarning(w io.Writer, format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "warning") {
		msg = "warning: " + msg
	}
	yellow.Fprint(w, msg)
}
