// Package tracker aggregates per-document outcomes into batch records.
//
// A Tracker is the orchestrator agent: SubmitBatch publishes one delegation
// per document addressed to any document processor, and the progress,
// completion and error messages that come back are folded into the batch's
// core.BatchRecord. Each document's terminal outcome is counted once, so
// redelivered messages do not skew the totals.
//
// Records are persisted on every change and pushed to Watch channels and
// registered Listeners. Load restores history after a restart and resumes
// batches that were still running.
package tracker
