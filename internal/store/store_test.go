package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zetareticula/meshstore/internal/document"
	"github.com/zetareticula/meshstore/internal/store"
	"github.com/zetareticula/meshstore/internal/store/memory"
)

func openStore(t *testing.T, peer string, backend store.Backend) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), peer, backend, store.Options{Logger: testr.New(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func localDoc(t *testing.T, fields map[string]any) document.Document {
	t.Helper()
	d, err := document.FromMap(fields)
	require.NoError(t, err)
	d.Deleted = document.Register{Value: document.Bool(false)}
	return d
}

func TestPutStampsLocalWrites(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "A", memory.New())

	res, err := s.Put(ctx, "cars", localDoc(t, map[string]any{"_id": "1", "make": "volvo"}), "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"make", document.DeletedField}, res.Changed)
	assert.True(t, res.Live)
	assert.Equal(t, uint64(1), res.Seq)

	got, err := s.Get("cars", "1")
	require.NoError(t, err)
	assert.Equal(t, document.Clock{PeerID: "A", Counter: 1}, got.Fields["make"].Clock)

	remote := document.New("2")
	remote.Fields["make"] = document.Register{Value: document.String("saab"), Clock: document.Clock{PeerID: "B", Counter: 10}}
	_, err = s.Put(ctx, "cars", remote, "B")
	require.NoError(t, err)

	_, err = s.Put(ctx, "cars", localDoc(t, map[string]any{"_id": "1", "make": "audi"}), "")
	require.NoError(t, err)
	got, err = s.Get("cars", "1")
	require.NoError(t, err)
	assert.Equal(t, uint64(11), got.Fields["make"].Clock.Counter, "local counters pass every counter seen")
}

func TestStaleWriteIsNoop(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	s := openStore(t, "A", backend)

	d := document.New("1")
	d.Fields["n"] = document.Register{Value: document.Number(1), Clock: document.Clock{PeerID: "B", Counter: 3}}
	_, err := s.Put(ctx, "c", d, "B")
	require.NoError(t, err)

	res, err := s.Put(ctx, "c", d, "B")
	require.NoError(t, err)
	assert.Empty(t, res.Changed)
	assert.Zero(t, res.Seq)
	assert.Equal(t, 1, backend.Applied())
	assert.Equal(t, uint64(1), s.Head())
}

func TestUpdateRequiresLiveDocument(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "A", memory.New())

	_, err := s.Update(ctx, "c", localDoc(t, map[string]any{"_id": "1", "x": 1}), "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Put(ctx, "c", localDoc(t, map[string]any{"_id": "1", "x": 1}), "")
	require.NoError(t, err)
	_, err = s.Update(ctx, "c", localDoc(t, map[string]any{"_id": "1", "x": 2}), "")
	require.NoError(t, err)

	_, err = s.Delete(ctx, "c", "1", "")
	require.NoError(t, err)
	_, err = s.Update(ctx, "c", localDoc(t, map[string]any{"_id": "1", "x": 3}), "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteUnknownWritesTombstone(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "A", memory.New())

	res, err := s.Delete(ctx, "c", "ghost", "")
	require.NoError(t, err)
	assert.False(t, res.Live)

	_, err = s.Get("c", "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []store.CollectionInfo{{Name: "c", Live: 0, Tombstones: 1}}, s.Collections())
}

func TestMalformedDocumentIsRejected(t *testing.T) {
	s := openStore(t, "A", memory.New())
	d := document.New("1")
	d.Fields[document.IDField] = document.Register{Value: document.String("x")}
	_, err := s.Put(context.Background(), "c", d, "")
	assert.ErrorIs(t, err, document.ErrMalformedDocument)
	assert.Empty(t, s.Collections())
}

func TestBackendFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	s := openStore(t, "A", backend)

	var changes int
	s.AddListener(func(store.Change) { changes++ })

	backend.FailNext(1)
	_, err := s.Put(ctx, "c", localDoc(t, map[string]any{"_id": "1"}), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrIO)
	assert.True(t, errors.Is(err, memory.ErrInjected))

	_, err = s.Get("c", "1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, s.Head())
	assert.Zero(t, changes)

	_, err = s.Put(ctx, "c", localDoc(t, map[string]any{"_id": "1"}), "")
	require.NoError(t, err)
	assert.Equal(t, 1, changes)
}

func TestReopenRestoresState(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()

	s, err := store.Open(ctx, "A", backend, store.Options{})
	require.NoError(t, err)
	_, err = s.Put(ctx, "c", localDoc(t, map[string]any{"_id": "1", "v": "a"}), "")
	require.NoError(t, err)
	_, err = s.Delete(ctx, "c", "2", "")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Get("c", "1")
	assert.ErrorIs(t, err, store.ErrClosed)

	reopened := openStore(t, "A", backend)
	got, err := reopened.Get("c", "1")
	require.NoError(t, err)
	v, _ := got.Get("v")
	assert.Equal(t, "a", v.Any())
	assert.Equal(t, uint64(2), reopened.Head())
	assert.Equal(t, []store.CollectionInfo{{Name: "c", Live: 1, Tombstones: 1}}, reopened.Collections())

	res, err := reopened.Put(ctx, "c", localDoc(t, map[string]any{"_id": "1", "v": "b"}), "")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Seq)
	got, _ = reopened.Get("c", "1")
	assert.Equal(t, uint64(3), got.Fields["v"].Clock.Counter)
}

func TestScanIsRestartable(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "A", memory.New())
	for _, id := range []string{"b", "a", "c"} {
		_, err := s.Put(ctx, "c", localDoc(t, map[string]any{"_id": id}), "")
		require.NoError(t, err)
	}
	_, err := s.Delete(ctx, "c", "c", "")
	require.NoError(t, err)

	seq := s.Scan("c", nil)
	var first, second []string
	for d := range seq {
		first = append(first, d.ID)
	}
	for d := range seq {
		second = append(second, d.ID)
		break
	}
	assert.Equal(t, []string{"a", "b"}, first)
	assert.Equal(t, []string{"a"}, second)

	var filtered []string
	for d := range s.Scan("c", func(d document.Document) bool { return d.ID == "b" }) {
		filtered = append(filtered, d.ID)
	}
	assert.Equal(t, []string{"b"}, filtered)
}

func TestApplySince(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "A", memory.New())

	for _, id := range []string{"1", "2", "3"} {
		_, err := s.Put(ctx, "c", localDoc(t, map[string]any{"_id": id, "v": id}), "")
		require.NoError(t, err)
	}
	remote := document.New("4")
	remote.Fields["v"] = document.Register{Value: document.String("r"), Clock: document.Clock{PeerID: "R", Counter: 9}}
	_, err := s.Put(ctx, "c", remote, "R")
	require.NoError(t, err)

	deltas, upTo, more := s.ApplySince("c", "R", 0, 2)
	require.Len(t, deltas, 2)
	assert.True(t, more)
	assert.Equal(t, uint64(2), upTo)
	assert.Equal(t, "1", deltas[0].Doc.ID)

	deltas, upTo, more = s.ApplySince("c", "R", upTo, 2)
	require.Len(t, deltas, 1, "registers written by the receiving peer are not echoed")
	assert.Equal(t, "3", deltas[0].Doc.ID)
	assert.False(t, more)
	assert.Equal(t, uint64(4), upTo)

	_, err = s.Put(ctx, "c", localDoc(t, map[string]any{"_id": "1", "w": true}), "")
	require.NoError(t, err)
	deltas, _, _ = s.ApplySince("c", "", 4, 0)
	require.Len(t, deltas, 1)
	assert.ElementsMatch(t, []string{"w"}, deltas[0].Changes.FieldNames())
	assert.Len(t, deltas[0].Doc.Fields, 2)
}

func TestApplySinceKeepsCommitsWhole(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "A", memory.New())
	batch := []document.Document{
		localDoc(t, map[string]any{"_id": "1"}),
		localDoc(t, map[string]any{"_id": "2"}),
		localDoc(t, map[string]any{"_id": "3"}),
	}
	_, err := s.PutBatch(ctx, "c", batch, "")
	require.NoError(t, err)

	deltas, upTo, more := s.ApplySince("c", "", 0, 1)
	assert.Len(t, deltas, 3)
	assert.Equal(t, uint64(1), upTo)
	assert.False(t, more)
}

func TestApplySincePagesKeepEarlierRegisters(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "A", memory.New())
	for _, fields := range []map[string]any{
		{"_id": "D", "a": 1},
		{"_id": "E", "x": 1},
		{"_id": "D", "b": 2},
	} {
		_, err := s.Put(ctx, "c", localDoc(t, fields), "")
		require.NoError(t, err)
	}

	shipped := map[string]map[string]bool{}
	var since uint64
	for pages := 0; ; pages++ {
		require.Less(t, pages, 10, "paging does not terminate")
		deltas, upTo, more := s.ApplySince("c", "", since, 1)
		require.Greater(t, upTo, since)
		for _, d := range deltas {
			if shipped[d.Doc.ID] == nil {
				shipped[d.Doc.ID] = map[string]bool{}
			}
			for _, name := range d.Changes.FieldNames() {
				shipped[d.Doc.ID][name] = true
			}
		}
		since = upTo
		if !more {
			break
		}
	}
	assert.Equal(t, uint64(3), since)
	assert.Equal(t, map[string]bool{"a": true, "b": true}, shipped["D"])
	assert.Equal(t, map[string]bool{"x": true}, shipped["E"])
}

func TestApplySinceCutsBeforeUnsentRegisters(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "A", memory.New())
	for _, fields := range []map[string]any{
		{"_id": "D", "a": 1},
		{"_id": "E", "x": 1},
		{"_id": "D", "b": 2},
	} {
		_, err := s.Put(ctx, "c", localDoc(t, fields), "")
		require.NoError(t, err)
	}

	deltas, upTo, more := s.ApplySince("c", "", 0, 1)
	require.Len(t, deltas, 1)
	assert.Equal(t, "D", deltas[0].Doc.ID)
	assert.Equal(t, uint64(1), deltas[0].From)
	assert.ElementsMatch(t, []string{"a", "b"}, deltas[0].Changes.FieldNames())
	assert.Equal(t, uint64(1), upTo, "commit 2 wrote E, which was not sent")
	assert.True(t, more)
}

func TestListenerRunsPerCommit(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "A", memory.New())

	var got []store.Change
	remove := s.AddListener(func(c store.Change) { got = append(got, c) })

	_, err := s.PutBatch(ctx, "c", []document.Document{
		localDoc(t, map[string]any{"_id": "1"}),
		localDoc(t, map[string]any{"_id": "2"}),
	}, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Len(t, got[0].Docs, 2)
	assert.Equal(t, "A", got[0].Origin)

	remove()
	_, err = s.Delete(ctx, "c", "1", "")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s, err := store.Open(ctx, "A", memory.New(), store.Options{Now: func() time.Time { return now }})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put(ctx, "c", localDoc(t, map[string]any{"_id": "1"}), "")
	require.NoError(t, err)
	_, err = s.Delete(ctx, "c", "1", "")
	require.NoError(t, err)
	_, err = s.Delete(ctx, "c", "2", "")
	require.NoError(t, err)

	n, err := s.Purge(ctx, "c", 1, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n, "tombstones newer than the horizon stay")

	n, err = s.Purge(ctx, "c", 2, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Purge(ctx, "c", 0, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []store.CollectionInfo{{Name: "c"}}, s.Collections())
}

func TestCheckpointsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, "A", memory.New())

	require.NoError(t, s.AdvanceCheckpoint(ctx, "B", "cars#x", 5))
	require.NoError(t, s.AdvanceCheckpoint(ctx, "B", "cars#x", 3))
	require.NoError(t, s.AdvanceCheckpoint(ctx, "C", "cars#x", 1))

	cps, err := s.Checkpoints(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"cars#x": 5}, cps)
}
