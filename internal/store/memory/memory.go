// Package memory is an in-process store backend. Records are kept in their encoded form so
// a backend outlives the stores opened on it, which makes it useful for tests and for
// ephemeral replicas.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/zetareticula/meshstore/internal/document"
	"github.com/zetareticula/meshstore/internal/store"
)

// ErrInjected is returned by Apply after FailNext.
var ErrInjected = errors.New("injected failure")

type checkpointKey struct {
	remote string
	scope  string
}

// Backend keeps persisted state in maps.
type Backend struct {
	mu          sync.RWMutex
	records     map[string]map[string][]byte
	checkpoints map[checkpointKey]uint64
	clock       uint64
	seq         uint64
	failures    int
	applied     int
}

var _ store.Backend = (*Backend)(nil)

// New creates an empty backend.
func New() *Backend {
	return &Backend{
		records:     make(map[string]map[string][]byte),
		checkpoints: make(map[checkpointKey]uint64),
	}
}

// FailNext makes the next n Apply calls fail with ErrInjected.
func (b *Backend) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = n
}

// Applied returns how many batches were persisted.
func (b *Backend) Applied() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.applied
}

func (b *Backend) Load(ctx context.Context) (store.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := store.Snapshot{Clock: b.clock, Seq: b.seq, Collections: make(map[string][]document.Document, len(b.records))}
	for name, recs := range b.records {
		docs := make([]document.Document, 0, len(recs))
		for _, raw := range recs {
			d, err := document.DecodeRecord(raw)
			if err != nil {
				return store.Snapshot{}, err
			}
			docs = append(docs, d)
		}
		snap.Collections[name] = docs
	}
	return snap, nil
}

func (b *Backend) Apply(ctx context.Context, batch store.Batch) error {
	encoded := make(map[string][]byte, len(batch.Docs))
	for _, d := range batch.Docs {
		raw, err := document.EncodeRecord(d)
		if err != nil {
			return err
		}
		encoded[d.ID] = raw
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.failures > 0 {
		b.failures--
		return ErrInjected
	}
	recs, ok := b.records[batch.Collection]
	if !ok {
		recs = make(map[string][]byte)
		b.records[batch.Collection] = recs
	}
	for id, raw := range encoded {
		recs[id] = raw
	}
	for _, id := range batch.Purged {
		delete(recs, id)
	}
	b.clock = max(b.clock, batch.Clock)
	b.seq = max(b.seq, batch.Seq)
	b.applied++
	return nil
}

func (b *Backend) Checkpoints(ctx context.Context, remotePeerID string) (map[string]uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]uint64)
	for k, v := range b.checkpoints {
		if k.remote == remotePeerID {
			out[k.scope] = v
		}
	}
	return out, nil
}

func (b *Backend) AdvanceCheckpoint(ctx context.Context, remotePeerID, scope string, seq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := checkpointKey{remote: remotePeerID, scope: scope}
	if seq > b.checkpoints[k] {
		b.checkpoints[k] = seq
	}
	return nil
}

// Close keeps the data so the backend can be reopened.
func (b *Backend) Close() error {
	return nil
}
