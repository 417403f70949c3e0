package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/zetareticula/meshstore"
	v1 "github.com/zetareticula/meshstore/api/v1"
	"github.com/zetareticula/meshstore/internal/config"
	"github.com/zetareticula/meshstore/internal/transport"
	"github.com/zetareticula/meshstore/internal/transport/memory"
)

func newReconciler(t *testing.T, objs ...*v1.SyncReplica) (*SyncReplicaReconciler, *memory.Network) {
	t.Helper()
	scheme := runtime.NewScheme()
	require.NoError(t, v1.AddToScheme(scheme))

	builder := fake.NewClientBuilder().WithScheme(scheme)
	for _, o := range objs {
		builder = builder.WithObjects(o).WithStatusSubresource(o)
	}
	net := memory.NewNetwork()
	r := &SyncReplicaReconciler{
		Client:  builder.Build(),
		Scheme:  scheme,
		DataDir: t.TempDir(),
		Options: []meshstore.Option{meshstore.WithDialer(net)},
		Now:     func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
	t.Cleanup(func() { require.NoError(t, r.Close()) })
	return r, net
}

func request(name string) ctrl.Request {
	return ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "default", Name: name}}
}

func TestReconcileOpensReplica(t *testing.T) {
	ctx := context.Background()
	sr := &v1.SyncReplica{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "edge"},
		Spec: v1.SyncReplicaSpec{
			PeerID:    "edge-1",
			StoreType: config.BackendMemory,
			Subscriptions: []v1.SubscriptionSpec{
				{Collection: "cars", Predicate: "make = :make", Params: map[string]string{"make": "volvo"}},
			},
		},
	}
	r, net := newReconciler(t, sr)

	// A hub replica the edge dials once the peer is added.
	hub, err := meshstore.Open(ctx, "", "hub", meshstore.WithConfig(memoryConfig()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hub.Close() })
	net.Listen("hub", func(c transport.Conn) { _, _ = hub.Accept(c) })
	t.Cleanup(func() { net.Unlisten("hub") })
	_, err = hub.Execute(ctx, "cars", meshstore.Insert, map[string]any{"_id": "1", "make": "volvo"}, nil)
	require.NoError(t, err)

	res, err := r.Reconcile(ctx, request("edge"))
	require.NoError(t, err)
	assert.Equal(t, StatusInterval, res.RequeueAfter)

	var got v1.SyncReplica
	require.NoError(t, r.Get(ctx, types.NamespacedName{Namespace: "default", Name: "edge"}, &got))
	assert.True(t, got.Status.Ready)
	assert.Equal(t, "edge-1", got.Status.PeerID)
	assert.Empty(t, got.Status.Peers)
	assert.Empty(t, got.Status.Message)
	require.NotNil(t, got.Status.LastReconciledTime)

	got.Spec.Peers = []string{"hub"}
	require.NoError(t, r.Update(ctx, &got))
	_, err = r.Reconcile(ctx, request("edge"))
	require.NoError(t, err)

	edge, ok := r.Replica("default/edge")
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		_, err := edge.Get("cars", "1")
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)

	_, err = r.Reconcile(ctx, request("edge"))
	require.NoError(t, err)
	require.NoError(t, r.Get(ctx, types.NamespacedName{Namespace: "default", Name: "edge"}, &got))
	require.Len(t, got.Status.Peers, 1)
	assert.Equal(t, "hub", got.Status.Peers[0].Address)
	assert.Equal(t, 1, got.Status.Collections)

	got.Spec.Peers = nil
	got.Spec.Subscriptions = nil
	require.NoError(t, r.Update(ctx, &got))
	_, err = r.Reconcile(ctx, request("edge"))
	require.NoError(t, err)
	assert.Empty(t, edge.SyncInfo())

	require.NoError(t, r.Delete(ctx, &got))
	_, err = r.Reconcile(ctx, request("edge"))
	require.NoError(t, err)
	_, ok = r.Replica("default/edge")
	assert.False(t, ok)
	_, err = edge.Get("cars", "1")
	assert.ErrorIs(t, err, meshstore.ErrClosed)
}

func TestReconcileReportsInvalidSpec(t *testing.T) {
	ctx := context.Background()
	sr := &v1.SyncReplica{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "broken"},
		Spec:       v1.SyncReplicaSpec{StoreType: "floppy"},
	}
	r, _ := newReconciler(t, sr)

	_, err := r.Reconcile(ctx, request("broken"))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	var got v1.SyncReplica
	require.NoError(t, r.Get(ctx, types.NamespacedName{Namespace: "default", Name: "broken"}, &got))
	assert.False(t, got.Status.Ready)
	assert.Contains(t, got.Status.Message, "floppy")

	got.Spec.StoreType = config.BackendMemory
	got.Spec.Subscriptions = []v1.SubscriptionSpec{{Collection: "cars", Predicate: "make ="}}
	require.NoError(t, r.Update(ctx, &got))
	_, err = r.Reconcile(ctx, request("broken"))
	require.NoError(t, err)
	require.NoError(t, r.Get(ctx, types.NamespacedName{Namespace: "default", Name: "broken"}, &got))
	assert.True(t, got.Status.Ready)
	assert.Contains(t, got.Status.Message, "cars")
}

func TestReconcileMissingResource(t *testing.T) {
	r, _ := newReconciler(t)
	res, err := r.Reconcile(context.Background(), request("gone"))
	require.NoError(t, err)
	assert.Zero(t, res)
}

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	cfg.GC.IntervalSeconds = 0
	return cfg
}
