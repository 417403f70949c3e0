package meshstore

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zetareticula/meshstore/internal/transport"
	"github.com/zetareticula/meshstore/internal/transport/memory"
)

// listen makes acceptor reachable at address on net.
func listen(t *testing.T, net *memory.Network, address string, acceptor *Store) {
	t.Helper()
	net.Listen(address, func(c transport.Conn) { _, _ = acceptor.Accept(c) })
	t.Cleanup(func() { net.Unlisten(address) })
}

func subscribe(t *testing.T, s *Store, collection, predicate string, params map[string]any) *Subscription {
	t.Helper()
	sub, err := s.RegisterSubscription(collection, predicate, params)
	require.NoError(t, err)
	return sub
}

func exec(t *testing.T, s *Store, collection string, op Op, doc map[string]any) {
	t.Helper()
	_, err := s.Execute(context.Background(), collection, op, doc, nil)
	require.NoError(t, err)
}

func field(s *Store, collection, id, name string) any {
	d, err := s.Get(collection, id)
	if err != nil {
		return nil
	}
	return d[name]
}

func absent(s *Store, collection, id string) bool {
	_, err := s.Get(collection, id)
	return err != nil
}

func TestConcurrentWritesConverge(t *testing.T) {
	net := memory.NewNetwork()
	a := openTest(t, "A", WithDialer(net))
	b := openTest(t, "B", WithDialer(net))
	listen(t, net, "b", b)
	subscribe(t, a, "people", "", nil)
	subscribe(t, b, "people", "", nil)

	exec(t, a, "people", Insert, map[string]any{"_id": "1", "name": "x"})
	exec(t, b, "other", Insert, map[string]any{"_id": "pad"})
	exec(t, b, "people", Insert, map[string]any{"_id": "1", "name": "y"})

	_, err := a.ConnectPeer(context.Background(), "b")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return field(a, "people", "1", "name") == "y" && field(b, "people", "1", "name") == "y"
	}, wait, 5*time.Millisecond)
	assert.True(t, absent(a, "other", "pad"), "unsubscribed collections stay local")
}

func TestDeleteUpdateRace(t *testing.T) {
	// race writes n1 on A and syncs it to B, then pauses sync while A deletes n1 and B
	// updates it. The side that wrote more in between holds the higher counter.
	race := func(t *testing.T, deleteLater bool) (a, b *Store) {
		net := memory.NewNetwork()
		a = openTest(t, "A", WithDialer(net))
		b = openTest(t, "B", WithDialer(net))
		listen(t, net, "b", b)
		subscribe(t, a, "notes", "", nil)
		subscribe(t, b, "notes", "", nil)

		_, err := a.ConnectPeer(context.Background(), "b")
		require.NoError(t, err)
		exec(t, a, "notes", Insert, map[string]any{"_id": "n1", "text": "first"})
		require.Eventually(t, func() bool { return !absent(b, "notes", "n1") }, wait, 5*time.Millisecond)

		a.StopSync()
		require.Eventually(t, func() bool { return len(b.SyncInfo()) == 0 }, wait, 5*time.Millisecond)

		later := b
		if deleteLater {
			later = a
		}
		for i := range 3 {
			exec(t, later, "scratch", Insert, map[string]any{"_id": "pad", "n": i})
		}
		exec(t, a, "notes", Delete, map[string]any{"_id": "n1"})
		exec(t, b, "notes", Update, map[string]any{"_id": "n1", "text": "second"})
		a.StartSync()
		return a, b
	}

	t.Run("later delete wins", func(t *testing.T) {
		a, b := race(t, true)
		assert.Eventually(t, func() bool {
			return absent(a, "notes", "n1") && absent(b, "notes", "n1")
		}, wait, 5*time.Millisecond)

		got, err := b.Find("notes", "", "", nil, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("later update wins", func(t *testing.T) {
		a, b := race(t, false)
		assert.Eventually(t, func() bool {
			return field(a, "notes", "n1", "text") == "second" && field(b, "notes", "n1", "text") == "second"
		}, wait, 5*time.Millisecond)
	})
}

func TestSubscriptionSelectsDocuments(t *testing.T) {
	net := memory.NewNetwork()
	a := openTest(t, "A", WithDialer(net))
	b := openTest(t, "B", WithDialer(net))
	listen(t, net, "b", b)

	exec(t, b, "cars", Insert, map[string]any{"_id": "1", "make": "volvo"})
	exec(t, b, "cars", Insert, map[string]any{"_id": "2", "make": "saab"})
	_, err := a.ConnectPeer(context.Background(), "b")
	require.NoError(t, err)

	sub := subscribe(t, a, "cars", "make = :make", map[string]any{"make": "volvo"})
	assert.Equal(t, "cars", sub.Collection())
	assert.Equal(t, "make = :make", sub.Predicate())
	require.Eventually(t, func() bool { return !absent(a, "cars", "1") }, wait, 5*time.Millisecond)

	exec(t, b, "cars", Insert, map[string]any{"_id": "3", "make": "volvo"})
	require.Eventually(t, func() bool { return !absent(a, "cars", "3") }, wait, 5*time.Millisecond)
	assert.True(t, absent(a, "cars", "2"))

	a.CancelSubscription(sub)
	a.CancelSubscription(sub)
	time.Sleep(100 * time.Millisecond)
	exec(t, b, "cars", Insert, map[string]any{"_id": "4", "make": "volvo"})
	time.Sleep(100 * time.Millisecond)
	assert.True(t, absent(a, "cars", "4"), "cancelled subscriptions stop the flow")

	_, err = a.RegisterSubscription("cars", "make = :make", nil)
	assert.ErrorIs(t, err, ErrInvalidPredicate)
}

func TestObserverSeesRemoteChanges(t *testing.T) {
	net := memory.NewNetwork()
	a := openTest(t, "A", WithDialer(net))
	b := openTest(t, "B", WithDialer(net))
	listen(t, net, "b", b)
	subscribe(t, a, "notes", "", nil)

	cb, ch := events(8)
	_, err := a.RegisterObserver("notes", "archived = false", "", nil, cb)
	require.NoError(t, err)
	assert.True(t, nextEvent(t, ch).Initial)

	_, err = a.ConnectPeer(context.Background(), "b")
	require.NoError(t, err)
	exec(t, b, "notes", Insert, map[string]any{"_id": "n1", "archived": false})

	e := nextEvent(t, ch)
	assert.Equal(t, []int{0}, e.Inserted)
	require.Len(t, e.Items, 1)
	assert.Equal(t, "n1", e.Items[0]["_id"])
}

type statuses struct {
	mu   sync.Mutex
	seen []SessionStatus
}

func (s *statuses) record(st SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, st)
}

func (s *statuses) reached(state string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.seen {
		if st.State == state {
			return true
		}
	}
	return false
}

func TestSyncInfoAndControl(t *testing.T) {
	net := memory.NewNetwork()
	var seen statuses
	a := openTest(t, "A", WithDialer(net), WithStatusCallback(seen.record))
	b := openTest(t, "B", WithDialer(net))
	listen(t, net, "b", b)
	subscribe(t, b, "notes", "", nil)

	ps, err := a.ConnectPeer(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "b", ps.Address())
	exec(t, a, "notes", Insert, map[string]any{"_id": "n1"})
	require.Eventually(t, func() bool { return !absent(b, "notes", "n1") }, wait, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		infos := a.SyncInfo()
		if len(infos) != 1 || infos[0].State != "idle" {
			return false
		}
		for _, seq := range infos[0].Acked {
			if seq > 0 {
				return true
			}
		}
		return false
	}, wait, 5*time.Millisecond)
	assert.Equal(t, "B", ps.RemotePeerID())
	assert.True(t, seen.reached("connecting"))
	assert.True(t, seen.reached("syncing"))

	infos := b.SyncInfo()
	require.Len(t, infos, 1)
	assert.Equal(t, "A", infos[0].RemotePeerID)
	assert.False(t, infos[0].LastReceived.IsZero())
	assert.NotEmpty(t, infos[0].Received)

	a.StopSync()
	assert.Equal(t, "disconnected", ps.State())
	require.Eventually(t, func() bool { return len(b.SyncInfo()) == 0 }, wait, 5*time.Millisecond)
	exec(t, a, "notes", Insert, map[string]any{"_id": "n2"})
	time.Sleep(50 * time.Millisecond)
	assert.True(t, absent(b, "notes", "n2"), "stopped sync sends nothing")

	a.StartSync()
	require.Eventually(t, func() bool { return !absent(b, "notes", "n2") }, wait, 5*time.Millisecond)

	a.DisconnectPeer(ps)
	a.DisconnectPeer(ps)
	assert.Empty(t, a.SyncInfo())
	assert.Equal(t, "closed", ps.State())
	assert.Eventually(t, func() bool { return len(b.SyncInfo()) == 0 }, wait, 5*time.Millisecond)

	b.StopSync()
	conn := &refusedConn{}
	_, err = b.Accept(conn)
	assert.ErrorIs(t, err, ErrSyncStopped)
	assert.True(t, conn.closed)
}

type refusedConn struct {
	closed bool
}

func (c *refusedConn) Send(context.Context, []byte) error { return transport.ErrClosed }
func (c *refusedConn) Receive(context.Context) ([]byte, error) { return nil, transport.ErrClosed }
func (c *refusedConn) Close() error { c.closed = true; return nil }
func (c *refusedConn) RemoteAddr() string { return "refused" }

func TestCollectGarbageAfterAcknowledgement(t *testing.T) {
	net := memory.NewNetwork()
	cfg := testConfig()
	cfg.GC.TombstoneTTLSeconds = 0
	a := openTest(t, "A", WithDialer(net), WithConfig(cfg))
	b := openTest(t, "B", WithDialer(net))
	listen(t, net, "b", b)
	subscribe(t, b, "notes", "", nil)

	exec(t, a, "notes", Insert, map[string]any{"_id": "n1"})
	exec(t, a, "notes", Delete, map[string]any{"_id": "n1"})
	n, err := a.CollectGarbage(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "no peer acknowledged the tombstone and no TTL applies")

	_, err = a.ConnectPeer(context.Background(), "b")
	require.NoError(t, err)

	purged := 0
	require.Eventually(t, func() bool {
		n, err := a.CollectGarbage(context.Background())
		if err != nil {
			return false
		}
		purged += n
		return purged == 1
	}, wait, 5*time.Millisecond)
	assert.Equal(t, []CollectionInfo{{Name: "notes", Live: 0, Tombstones: 0}}, a.Collections())
	assert.Equal(t, []CollectionInfo{{Name: "notes", Live: 0, Tombstones: 1}}, b.Collections())
}

func TestWebsocketHandler(t *testing.T) {
	a := openTest(t, "A")
	b := openTest(t, "B")
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	subscribe(t, a, "notes", "", nil)

	exec(t, b, "notes", Insert, map[string]any{"_id": "n1", "text": "over the wire"})
	_, err := a.ConnectPeer(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return field(a, "notes", "n1", "text") == "over the wire"
	}, wait, 5*time.Millisecond)
}
