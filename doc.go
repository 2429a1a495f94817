// Package bptree is an embeddable, order-configurable B+tree for
// associative indexing: it maps keys K to values V, tolerates duplicate
// values (each value entry carries a set of keys), and answers both point
// and range/pattern queries through a small condition language. Storage is
// pluggable via the storage.Backend interface; the default in-memory
// backend (storage.NewMemoryBackend) needs no setup.
//
// Mutations run inside snapshot-isolated, copy-on-write transactions
// (pkg/mvcc): a Transaction sees a consistent point-in-time view of the
// tree regardless of concurrent writers, and Commit installs its changes
// with a single optimistic compare-and-swap against the tree's head
// record. A lost race surfaces as a bpterr error with Kind
// bpterr.CommitConflict; the caller decides whether and how to retry.
//
// Tree itself also exposes single-call convenience methods. Insert,
// Delete and SetHeadData open, use, and commit a transaction for the
// caller, retrying on a commit conflict a bounded number of times; Get,
// Exists, Where, Keys and GetHeadData read a throwaway snapshot that is
// rolled back.
package bptree
