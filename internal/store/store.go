// Package store implements the document store: the single serialized writer that owns every
// document, stamps local writes with causal metadata, merges remote writes, persists each
// commit through a Backend and notifies listeners in commit order.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/zetareticula/meshstore/internal/document"
	"github.com/zetareticula/meshstore/internal/metrics"
)

var (
	// ErrNotFound is returned for absent or tombstoned documents.
	ErrNotFound = errors.New("document not found")
	// ErrIO is returned when the backend fails to persist or load.
	ErrIO = errors.New("persistence failure")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// Options configures a Store.
type Options struct {
	Logger  logr.Logger
	Metrics *metrics.Metrics
	// Now is the wall clock used for tombstone ages.
	Now func() time.Time
}

// Applied describes the outcome of one document write.
type Applied struct {
	ID      string
	Changed []string
	Live    bool
	// Seq is the commit that applied the write, zero when every register was stale.
	Seq uint64
}

// Change is delivered to listeners once per commit, while the commit is still exclusive.
// Docs holds the merged state of every document the commit touched.
type Change struct {
	Collection string
	Origin     string
	Seq        uint64
	Docs       []document.Document
}

// Listener observes commits. It runs under the store's write lock and must not block or
// call back into the store.
type Listener func(Change)

// Delta pairs a document's current state with the registers it changed after a checkpoint.
type Delta struct {
	Doc     document.Document
	Changes document.Document
	// From is the first commit after since that wrote one of Doc's registers.
	From uint64
}

// CollectionInfo summarizes a collection.
type CollectionInfo struct {
	Name       string
	Live       int
	Tombstones int
}

type collection struct {
	docs    map[string]document.Document
	touched map[string]time.Time
	live    int
}

func newCollection() *collection {
	return &collection{docs: map[string]document.Document{}, touched: map[string]time.Time{}}
}

type listenerEntry struct {
	id int
	fn Listener
}

// Store is the document store of one replica.
type Store struct {
	mu          sync.RWMutex
	peerID      string
	backend     Backend
	clock       uint64
	seq         uint64
	collections map[string]*collection
	listeners   []listenerEntry
	nextID      int
	closed      bool

	log     logr.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Open loads the backend's persisted state and returns a store writing as peerID.
func Open(ctx context.Context, peerID string, backend Backend, opts Options) (*Store, error) {
	if peerID == "" {
		return nil, errors.New("store: empty peer id")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	snap, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %w", ErrIO, err)
	}
	s := &Store{
		peerID:      peerID,
		backend:     backend,
		clock:       snap.Clock,
		seq:         snap.Seq,
		collections: make(map[string]*collection, len(snap.Collections)),
		log:         opts.Logger.WithName("store"),
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
	loadedAt := s.now()
	for name, docs := range snap.Collections {
		c := newCollection()
		for _, d := range docs {
			if err := d.Validate(); err != nil {
				return nil, fmt.Errorf("load %s/%s: %w", name, d.ID, err)
			}
			c.docs[d.ID] = d
			c.touched[d.ID] = loadedAt
			if d.Live() {
				c.live++
			}
			s.clock = max(s.clock, d.MaxCounter())
			s.seq = max(s.seq, d.Seq())
		}
		s.collections[name] = c
		s.recordCounts(name, c)
	}
	s.log.V(1).Info("opened", "peer", peerID, "collections", len(s.collections), "clock", s.clock, "seq", s.seq)
	return s, nil
}

// PeerID is the identity stamped on local writes.
func (s *Store) PeerID() string { return s.peerID }

// Head returns the latest commit sequence.
func (s *Store) Head() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// AddListener registers fn for every subsequent commit and returns a function removing it.
func (s *Store) AddListener(fn Listener) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Put merges doc into the collection. Registers without causal metadata are stamped with
// origin (the local peer when empty) and the next Lamport counter.
func (s *Store) Put(ctx context.Context, collection string, doc document.Document, origin string) (Applied, error) {
	res, err := s.commit(ctx, "put", collection, []document.Document{doc}, origin, nil)
	if err != nil {
		return Applied{}, err
	}
	return res[0], nil
}

// PutBatch merges docs as one atomic commit with a single change notification.
func (s *Store) PutBatch(ctx context.Context, collection string, docs []document.Document, origin string) ([]Applied, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	return s.commit(ctx, "put_batch", collection, docs, origin, nil)
}

// Update is Put restricted to documents that exist and are live.
func (s *Store) Update(ctx context.Context, collection string, doc document.Document, origin string) (Applied, error) {
	res, err := s.commit(ctx, "update", collection, []document.Document{doc}, origin, func(existing document.Document, found bool) error {
		if !found || !existing.Live() {
			return fmt.Errorf("%s/%s: %w", collection, doc.ID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return Applied{}, err
	}
	return res[0], nil
}

// Delete tombstones id. Unknown ids get a tombstone too, so the delete replicates.
func (s *Store) Delete(ctx context.Context, collection, id string, origin string) (Applied, error) {
	doc := document.New(id)
	doc.Deleted = document.Register{Value: document.Bool(true)}
	res, err := s.commit(ctx, "delete", collection, []document.Document{doc}, origin, nil)
	if err != nil {
		return Applied{}, err
	}
	return res[0], nil
}

func (s *Store) commit(ctx context.Context, op, name string, docs []document.Document, origin string, check func(document.Document, bool) error) ([]Applied, error) {
	start := time.Now()
	for _, d := range docs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	if origin == "" {
		origin = s.peerID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	c := s.collections[name]
	seq := s.seq + 1
	stamp := document.Clock{PeerID: origin, Counter: s.clock + 1}
	clock := s.clock
	pending := make(map[string]document.Document, len(docs))
	var order []string
	results := make([]Applied, 0, len(docs))
	for _, in := range docs {
		existing, found := pending[in.ID]
		if !found && c != nil {
			existing, found = c.docs[in.ID]
		}
		if check != nil {
			if err := check(existing, found); err != nil {
				return nil, err
			}
		}
		stamped := document.Stamp(in, stamp)
		clock = max(clock, stamped.MaxCounter())
		merged, changed := document.Merge(existing, stamped, seq)
		res := Applied{ID: in.ID, Changed: changed, Live: merged.Live()}
		if len(changed) == 0 {
			s.metrics.StaleWrites.Inc()
			results = append(results, res)
			continue
		}
		res.Seq = seq
		if _, seen := pending[in.ID]; !seen {
			order = append(order, in.ID)
		}
		pending[in.ID] = merged
		results = append(results, res)
	}
	if len(order) == 0 {
		return results, nil
	}

	batch := Batch{Collection: name, Docs: make([]document.Document, 0, len(order)), Clock: clock, Seq: seq}
	for _, id := range order {
		batch.Docs = append(batch.Docs, pending[id])
	}
	if err := s.backend.Apply(ctx, batch); err != nil {
		s.log.Error(err, "persist commit", "collection", name, "seq", seq)
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	if c == nil {
		c = newCollection()
		s.collections[name] = c
	}
	now := s.now()
	for _, d := range batch.Docs {
		if prev, ok := c.docs[d.ID]; ok && prev.Live() {
			c.live--
		}
		if d.Live() {
			c.live++
		}
		c.docs[d.ID] = d
		c.touched[d.ID] = now
	}
	s.clock = clock
	s.seq = seq
	s.recordCounts(name, c)

	change := Change{Collection: name, Origin: origin, Seq: seq, Docs: batch.Docs}
	for _, l := range s.listeners {
		l.fn(change)
	}

	s.metrics.Operations.WithLabelValues(op).Inc()
	s.metrics.WriteLatency.Observe(time.Since(start).Seconds())
	s.log.V(1).Info("committed", "op", op, "collection", name, "seq", seq, "docs", len(batch.Docs), "origin", origin)
	return results, nil
}

// Get returns the live document id.
func (s *Store) Get(collection, id string) (document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return document.Document{}, ErrClosed
	}
	c := s.collections[collection]
	if c == nil {
		return document.Document{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	d, ok := c.docs[id]
	if !ok || !d.Live() {
		return document.Document{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return d.Clone(), nil
}

// Scan returns the live documents of a collection accepted by match (all when nil), ordered
// by id. Every iteration reads a fresh consistent snapshot.
func (s *Store) Scan(collection string, match func(document.Document) bool) iter.Seq[document.Document] {
	return func(yield func(document.Document) bool) {
		for _, d := range s.liveDocs(collection) {
			if match != nil && !match(d) {
				continue
			}
			if !yield(d) {
				return
			}
		}
	}
}

func (s *Store) liveDocs(collection string) []document.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveDocsLocked(collection)
}

func (s *Store) liveDocsLocked(collection string) []document.Document {
	c := s.collections[collection]
	if c == nil {
		return nil
	}
	out := make([]document.Document, 0, c.live)
	for _, d := range c.docs {
		if d.Live() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Exclusive runs fn with the live documents of collection while no commit can proceed.
// fn must not call back into the store.
func (s *Store) Exclusive(collection string, fn func(docs []document.Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	fn(s.liveDocsLocked(collection))
	return nil
}

// ApplySince returns the documents of collection with registers committed after since,
// ordered by the first such commit. Changes holds every register committed after since,
// leaving out registers last written by remotePeerID. At most limit deltas are returned
// (unlimited when limit <= 0), but documents sharing a first commit are never separated, so a
// batch may exceed limit.
//
// upTo is the commit the deltas cover: every register committed in (since, upTo] is in them.
// Registers committed after upTo may be included too and are returned again by the next call.
// more reports that deltas remain.
func (s *Store) ApplySince(collection, remotePeerID string, since uint64, limit int) (deltas []Delta, upTo uint64, more bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	upTo = s.seq
	c := s.collections[collection]
	if c == nil {
		return nil, upTo, false
	}
	type candidate struct {
		doc  document.Document
		from uint64
	}
	var candidates []candidate
	for _, d := range c.docs {
		if from := d.FirstSeqAfter(since); from > 0 {
			candidates = append(candidates, candidate{doc: d, from: from})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.from != b.from {
			return a.from < b.from
		}
		return a.doc.ID < b.doc.ID
	})
	prev := since
	for _, cd := range candidates {
		if limit > 0 && len(deltas) >= limit && cd.from != prev {
			// every document with a register in (since, cd.from) was emitted
			return deltas, cd.from - 1, true
		}
		prev = cd.from
		changes, ok := document.Since(cd.doc, since, remotePeerID)
		if !ok {
			continue
		}
		deltas = append(deltas, Delta{Doc: cd.doc, Changes: changes, From: cd.from})
	}
	return deltas, upTo, false
}

// Purge physically removes tombstones of collection whose every register was committed at
// or before horizon, or that were last touched before olderThan (ignored when zero).
func (s *Store) Purge(ctx context.Context, collection string, horizon uint64, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	c := s.collections[collection]
	if c == nil {
		return 0, nil
	}
	var ids []string
	for id, d := range c.docs {
		if d.Live() {
			continue
		}
		if d.Seq() <= horizon || (!olderThan.IsZero() && c.touched[id].Before(olderThan)) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	sort.Strings(ids)
	if err := s.backend.Apply(ctx, Batch{Collection: collection, Purged: ids, Clock: s.clock, Seq: s.seq}); err != nil {
		return 0, fmt.Errorf("%w: purge: %w", ErrIO, err)
	}
	for _, id := range ids {
		delete(c.docs, id)
		delete(c.touched, id)
	}
	s.recordCounts(collection, c)
	s.metrics.TombstonesPurged.Add(float64(len(ids)))
	s.log.V(1).Info("purged tombstones", "collection", collection, "count", len(ids), "horizon", horizon)
	return len(ids), nil
}

// Collections lists every collection with its document counts, ordered by name.
func (s *Store) Collections() []CollectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CollectionInfo, 0, len(s.collections))
	for name, c := range s.collections {
		out = append(out, CollectionInfo{Name: name, Live: c.live, Tombstones: len(c.docs) - c.live})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Checkpoints returns the receiver-side checkpoints held for remotePeerID.
func (s *Store) Checkpoints(ctx context.Context, remotePeerID string) (map[string]uint64, error) {
	cps, err := s.backend.Checkpoints(ctx, remotePeerID)
	if err != nil {
		return nil, fmt.Errorf("%w: checkpoints: %w", ErrIO, err)
	}
	return cps, nil
}

// AdvanceCheckpoint persists a receiver-side checkpoint; it never moves backwards.
func (s *Store) AdvanceCheckpoint(ctx context.Context, remotePeerID, scope string, seq uint64) error {
	if err := s.backend.AdvanceCheckpoint(ctx, remotePeerID, scope, seq); err != nil {
		return fmt.Errorf("%w: advance checkpoint: %w", ErrIO, err)
	}
	return nil
}

// Close closes the backend. Later operations return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.listeners = nil
	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", ErrIO, err)
	}
	return nil
}

func (s *Store) recordCounts(name string, c *collection) {
	s.metrics.Documents.WithLabelValues(name, "live").Set(float64(c.live))
	s.metrics.Documents.WithLabelValues(name, "tombstone").Set(float64(len(c.docs) - c.live))
}
