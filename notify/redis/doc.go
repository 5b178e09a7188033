// Package redis publishes batch updates to Redis pub/sub so that clients
// outside the process can follow ingestion progress.
//
// Every update is published as JSON on two channels:
//
//	{prefix}:batch:{batch id}   updates of one batch
//	{prefix}:batches            updates of every batch
//
// The latest snapshot of each batch is also stored at {prefix}:batch:{id}:status.
// Snapshots of finished batches expire after SnapshotTTL.
package redis
