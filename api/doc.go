// Package api serves the caller-facing HTTP interface.
//
//	POST   /batches              submit documents (multipart files or JSON)
//	GET    /batches              list batches, newest first
//	GET    /batches/{id}         batch record and per-document status
//	DELETE /batches/{id}         cancel a batch
//	GET    /batches/{id}/events  WebSocket stream of batch updates
//	GET    /stats                aggregate batch statistics
//	GET    /search?q=&k=         hybrid search over processed documents
//	GET    /healthz              liveness
//
// Errors are returned as {"error": "..."} with a status derived from the
// error's class.
package api
