// Package storetest holds behavior every store.Backend must share.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zetareticula/meshstore/internal/document"
	"github.com/zetareticula/meshstore/internal/store"
)

// Factory returns a backend. Calls with the same t and name must reach the same persisted
// data, so a test can close a backend and open it again.
type Factory func(t *testing.T, name string) store.Backend

// Run exercises a backend implementation.
func Run(t *testing.T, open Factory) {
	t.Run("empty load", func(t *testing.T) {
		b := open(t, "empty")
		defer b.Close()
		snap, err := b.Load(context.Background())
		require.NoError(t, err)
		assert.Zero(t, snap.Seq)
		assert.Zero(t, snap.Clock)
		assert.Empty(t, snap.Collections)
	})

	t.Run("apply and reload", func(t *testing.T) {
		ctx := context.Background()
		b := open(t, "reload")

		d := document.New("1")
		d.Fields["name"] = document.Register{Value: document.String("x"), Clock: document.Clock{PeerID: "A", Counter: 2}, Seq: 1}
		d.Deleted = document.Register{Value: document.Bool(false), Clock: document.Clock{PeerID: "A", Counter: 2}, Seq: 1}
		gone := document.New("2")
		gone.Deleted = document.Register{Value: document.Bool(true), Clock: document.Clock{PeerID: "A", Counter: 1}, Seq: 1}
		require.NoError(t, b.Apply(ctx, store.Batch{Collection: "cars", Docs: []document.Document{d, gone}, Clock: 2, Seq: 1}))
		require.NoError(t, b.Apply(ctx, store.Batch{Collection: "cars", Purged: []string{"2"}, Clock: 2, Seq: 1}))
		require.NoError(t, b.Close())

		b = open(t, "reload")
		defer b.Close()
		snap, err := b.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), snap.Clock)
		assert.Equal(t, uint64(1), snap.Seq)
		require.Len(t, snap.Collections["cars"], 1)
		got := snap.Collections["cars"][0]
		assert.True(t, document.SameContent(d, got))
		assert.Equal(t, uint64(1), got.Seq())
		assert.Equal(t, document.Clock{PeerID: "A", Counter: 2}, got.Fields["name"].Clock)
	})

	t.Run("checkpoints never move backwards", func(t *testing.T) {
		ctx := context.Background()
		b := open(t, "checkpoints")
		defer b.Close()

		require.NoError(t, b.AdvanceCheckpoint(ctx, "B", "cars#all", 4))
		require.NoError(t, b.AdvanceCheckpoint(ctx, "B", "cars#all", 2))
		require.NoError(t, b.AdvanceCheckpoint(ctx, "B", "trucks#all", 1))
		require.NoError(t, b.AdvanceCheckpoint(ctx, "C", "cars#all", 9))

		cps, err := b.Checkpoints(ctx, "B")
		require.NoError(t, err)
		assert.Equal(t, map[string]uint64{"cars#all": 4, "trucks#all": 1}, cps)

		cps, err = b.Checkpoints(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, cps)
	})
}
