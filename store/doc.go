// Package store is a client for a revision-chained JSON document store.
//
// Every document carries an opaque revision token that strictly advances on
// each mutation. Writes are preconditioned on the caller holding the current
// token: a stale token is rejected by the store and surfaces here as
// [ErrConflict]. The client never retries a conflicted write — retrying
// without a re-fetch would mask the concurrent update the conflict is
// reporting — so retry policy is always the caller's.
//
// # Operations
//
//   - [Client.Get], [Client.Insert], [Client.Update], [Client.Delete] —
//     single-document, revision-aware
//   - [Client.Find], [Client.FindOne] — structured selector queries
//   - [Client.BulkSave] — one-round-trip batches with per-document outcomes
//   - [Client.StreamChanges], [Client.Changes] — the change feed transport
//     (package stream builds the resumable consumer on top)
//   - administrative passthroughs: [Client.SetRevsLimit], [Client.Compact],
//     [Client.ViewCleanup], [Client.DeletedDocs], [Client.Purge],
//     [Client.PurgeAll]
//
// # Deletion
//
// Delete appends a tombstone revision rather than erasing the id: the
// document stops resolving through Get and Find, but stays enumerable via
// [Client.DeletedDocs] until explicitly purged.
//
// # Errors
//
// The package defines domain-specific errors, matched with errors.Is:
//
//   - [ErrNotFound] - id unknown, tombstoned or purged
//   - [ErrConflict] - stale or duplicate revision on a write
//   - [ErrValidation] - malformed document or selector, detected locally
//   - [ErrUnauthorized] - credentials rejected
//
// Error responses carry their status and reason as a [*RemoteError];
// network-level failures are wrapped in [*TransportError]. Both are matched
// with errors.As.
package store
