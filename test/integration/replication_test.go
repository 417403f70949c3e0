package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zetareticula/meshstore"
	"github.com/zetareticula/meshstore/internal/config"
)

type node struct {
	store *meshstore.Store
	url   string
}

func startNode(t *testing.T, dir, peerID string, cfg *config.Config) *node {
	t.Helper()
	s, err := meshstore.Open(context.Background(), dir, peerID,
		meshstore.WithConfig(cfg),
		meshstore.WithLogger(testr.New(t)),
	)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		require.NoError(t, s.Close())
	})
	return &node{store: s, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.GC.IntervalSeconds = 0
	cfg.Replication.RetryDelay = 20
	return cfg
}

func TestThreeReplicasConverge(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	hub := startNode(t, filepath.Join(root, "hub"), "hub", testConfig())
	phone := startNode(t, filepath.Join(root, "phone"), "phone", testConfig())
	laptop := startNode(t, filepath.Join(root, "laptop"), "laptop", testConfig())

	for _, n := range []*node{hub, phone, laptop} {
		_, err := n.store.RegisterSubscription("tasks", "", nil)
		require.NoError(t, err)
	}
	for _, n := range []*node{phone, laptop} {
		_, err := n.store.ConnectPeer(ctx, hub.url)
		require.NoError(t, err)
	}

	_, err := phone.store.Execute(ctx, "tasks", meshstore.Insert, map[string]any{"_id": "t1", "title": "buy milk", "done": false}, nil)
	require.NoError(t, err)
	_, err = laptop.store.Execute(ctx, "tasks", meshstore.Insert, map[string]any{"_id": "t2", "title": "file taxes", "done": false}, nil)
	require.NoError(t, err)

	converged := func(want int) bool {
		for _, n := range []*node{hub, phone, laptop} {
			got, err := n.store.Find("tasks", "", "", nil, 0)
			if err != nil || len(got) != want {
				return false
			}
		}
		return true
	}
	require.Eventually(t, func() bool { return converged(2) }, 10*time.Second, 10*time.Millisecond)

	_, err = laptop.store.Execute(ctx, "tasks", meshstore.Update, map[string]any{"_id": "t1", "done": true}, nil)
	require.NoError(t, err)
	_, err = hub.store.Execute(ctx, "tasks", meshstore.Delete, map[string]any{"_id": "t2"}, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		for _, n := range []*node{hub, phone, laptop} {
			got, err := n.store.Find("tasks", "done = true", "", nil, 0)
			if err != nil || len(got) != 1 || got[0]["_id"] != "t1" {
				return false
			}
		}
		return converged(1)
	}, 10*time.Second, 10*time.Millisecond)
}

func TestReopenResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	hub := startNode(t, filepath.Join(root, "hub"), "hub", testConfig())
	for i := range 3 {
		_, err := hub.store.Execute(ctx, "tasks", meshstore.Insert, map[string]any{"_id": string(rune('a' + i))}, nil)
		require.NoError(t, err)
	}

	dir := filepath.Join(root, "phone")
	open := func() *meshstore.Store {
		s, err := meshstore.Open(ctx, dir, "phone", meshstore.WithConfig(testConfig()), meshstore.WithLogger(testr.New(t)))
		require.NoError(t, err)
		_, err = s.RegisterSubscription("tasks", "", nil)
		require.NoError(t, err)
		_, err = s.ConnectPeer(ctx, hub.url)
		require.NoError(t, err)
		return s
	}

	phone := open()
	require.Eventually(t, func() bool {
		got, _ := phone.Find("tasks", "", "", nil, 0)
		return len(got) == 3
	}, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, phone.Close())

	_, err := hub.store.Execute(ctx, "tasks", meshstore.Insert, map[string]any{"_id": "d"}, nil)
	require.NoError(t, err)

	phone = open()
	defer phone.Close()
	require.Eventually(t, func() bool {
		got, _ := phone.Find("tasks", "", "", nil, 0)
		return len(got) == 4
	}, 10*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		infos := phone.SyncInfo()
		if len(infos) != 1 {
			return false
		}
		total := uint64(0)
		for _, seq := range infos[0].Received {
			total += seq
		}
		return total > 0
	}, 10*time.Second, 10*time.Millisecond)
}

func TestTombstonePruning(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.GC.IntervalSeconds = 1
	cfg.GC.TombstoneTTLSeconds = 1
	n := startNode(t, filepath.Join(t.TempDir(), "solo"), "solo", cfg)

	_, err := n.store.Execute(ctx, "tasks", meshstore.Insert, map[string]any{"_id": "old"}, nil)
	require.NoError(t, err)
	_, err = n.store.Execute(ctx, "tasks", meshstore.Delete, map[string]any{"_id": "old"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []meshstore.CollectionInfo{{Name: "tasks", Live: 0, Tombstones: 1}}, n.store.Collections())

	assert.Eventually(t, func() bool {
		c := n.store.Collections()
		return len(c) == 1 && c[0].Tombstones == 0
	}, 5*time.Second, 50*time.Millisecond)
}
