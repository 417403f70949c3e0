package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zetareticula/meshstore/internal/document"
	"github.com/zetareticula/meshstore/internal/store"
	"github.com/zetareticula/meshstore/internal/store/storetest"
)

func TestBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	storetest.Run(t, func(t *testing.T, name string) store.Backend {
		return New(Options{Addr: mr.Addr(), Prefix: "test:" + name})
	})
}

func TestPrefixesIsolateReplicas(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := New(Options{Addr: mr.Addr(), Prefix: "a"})
	defer a.Close()
	b := New(Options{Addr: mr.Addr(), Prefix: "b"})
	defer b.Close()

	d := document.New("1")
	d.Deleted = document.Register{Value: document.Bool(true), Clock: document.Clock{PeerID: "A", Counter: 1}, Seq: 1}
	require.NoError(t, a.Apply(ctx, store.Batch{Collection: "c", Docs: []document.Document{d}, Clock: 1, Seq: 1}))

	snap, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Collections)

	assert.True(t, mr.Exists("a:docs:c"))
	assert.Equal(t, "1", mr.HGet("a:meta", "seq"))
}
