package store

import (
	"context"

	"github.com/zetareticula/meshstore/internal/document"
)

// Backend defines the durable layer beneath a Store. Implementations must be safe for
// concurrent use; the Store serializes Apply calls itself.
type Backend interface {
	// Load returns everything persisted so far.
	Load(ctx context.Context) (Snapshot, error)
	// Apply persists one committed mutation atomically.
	Apply(ctx context.Context, batch Batch) error
	// Checkpoints returns the receiver-side checkpoints held for a remote peer, keyed by scope.
	Checkpoints(ctx context.Context, remotePeerID string) (map[string]uint64, error)
	// AdvanceCheckpoint records seq for (remote, scope). Lower values never replace higher ones.
	AdvanceCheckpoint(ctx context.Context, remotePeerID, scope string, seq uint64) error
	// Close releases the backend's connections.
	Close() error
}

// Snapshot is the persisted state loaded at open.
type Snapshot struct {
	Clock       uint64
	Seq         uint64
	Collections map[string][]document.Document
}

// Batch is one committed mutation: full merged documents to upsert, tombstones to remove,
// and the store's Lamport clock and commit sequence after the mutation.
type Batch struct {
	Collection string
	Docs       []document.Document
	Purged     []string
	Clock      uint64
	Seq        uint64
}
