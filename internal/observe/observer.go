// Package observe maintains live query results and delivers their changes: each observer
// keeps its ordered result list, diffs it on every relevant commit, and hands the batches to
// its callback in commit order on a goroutine of its own.
package observe

import (
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/zetareticula/meshstore/internal/document"
	"github.com/zetareticula/meshstore/internal/metrics"
	"github.com/zetareticula/meshstore/internal/query"
)

// ErrClosed is returned when registering on a closed hub.
var ErrClosed = errors.New("observer hub closed")

// State is the lifecycle position of an observer.
type State int

const (
	// Registered observers have not started delivering their initial batch.
	Registered State = iota
	// Active observers have delivered at least one batch.
	Active
	// Cancelled observers never start another callback.
	Cancelled
)

func (s State) String() string {
	switch s {
	case Registered:
		return "registered"
	case Active:
		return "active"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Callback receives batches for one observer, never concurrently with itself.
type Callback func(Batch)

// Query is what an observer watches.
type Query struct {
	Collection string
	Filter     *query.Bound
	Order      query.Ordering
	// Limit caps the visible list; zero means unlimited.
	Limit int
}

func (q Query) matches(d document.Document) bool {
	return d.Live() && (q.Filter == nil || q.Filter.Evaluate(d))
}

func (q Query) visible(all []document.Document) []document.Document {
	if q.Limit > 0 && len(all) > q.Limit {
		return all[:q.Limit]
	}
	return all
}

// Observer is a registered live query.
type Observer struct {
	id    string
	query Query
	hub   *Hub
	cb    Callback

	// all is every matching document in order; guarded by hub.mu
	all []document.Document

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []Batch
	state     State
	cancelled bool
	done      chan struct{}
}

func newObserver(h *Hub, q Query, cb Callback) *Observer {
	o := &Observer{
		id:    uuid.NewString(),
		query: q,
		hub:   h,
		cb:    cb,
		done:  make(chan struct{}),
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// ID is the observer's handle id.
func (o *Observer) ID() string { return o.id }

// Collection returns the watched collection.
func (o *Observer) Collection() string { return o.query.Collection }

// State returns the current lifecycle state.
func (o *Observer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Cancel stops delivery. A callback already running finishes; no other starts. Cancel may be
// called from inside the callback.
func (o *Observer) Cancel() {
	o.hub.Cancel(o)
}

func (o *Observer) enqueue(b Batch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelled {
		return
	}
	o.pending = append(o.pending, b)
	o.cond.Signal()
}

func (o *Observer) stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled = true
	o.state = Cancelled
	o.pending = nil
	o.cond.Signal()
}

func (o *Observer) run(log logr.Logger) {
	defer close(o.done)
	for {
		o.mu.Lock()
		for len(o.pending) == 0 && !o.cancelled {
			o.cond.Wait()
		}
		if o.cancelled {
			o.mu.Unlock()
			return
		}
		b := o.pending[0]
		o.pending[0] = Batch{}
		o.pending = o.pending[1:]
		o.state = Active
		o.mu.Unlock()

		o.deliver(log, b)
	}
}

func (o *Observer) deliver(log logr.Logger, b Batch) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(nil, "observer callback panicked", "observer", o.id, "panic", r)
		}
	}()
	o.cb(b)
}

// Options configures a Hub.
type Options struct {
	Logger  logr.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Hub tracks the observers of one store.
type Hub struct {
	mu        sync.Mutex
	observers map[string]map[string]*Observer
	closed    bool
	wg        sync.WaitGroup

	log     logr.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewHub returns an empty hub.
func NewHub(opts Options) *Hub {
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		observers: make(map[string]map[string]*Observer),
		log:       opts.Logger.WithName("observe"),
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
}

// Register adds an observer whose initial result is computed from docs, the live documents
// of the collection. The caller must ensure no commit is published between reading docs and
// Register returning. The initial batch is queued first, even when empty.
func (h *Hub) Register(q Query, docs []document.Document, cb Callback) (*Observer, error) {
	o := newObserver(h, q, cb)
	for _, d := range docs {
		if q.matches(d) {
			o.all = append(o.all, d)
		}
	}
	q.Order.Sort(o.all)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	byID := h.observers[q.Collection]
	if byID == nil {
		byID = make(map[string]*Observer)
		h.observers[q.Collection] = byID
	}
	byID[o.id] = o

	initial := Diff(nil, q.visible(o.all))
	initial.Initial = true
	initial.Time = h.now()
	o.enqueue(initial)
	h.metrics.ObserverBatches.Inc()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		o.run(h.log)
	}()
	h.log.V(1).Info("registered observer", "observer", o.id, "collection", q.Collection, "initial", len(initial.Items))
	return o, nil
}

// Publish re-evaluates the observers of collection against the documents a commit touched
// and queues a batch for every observer whose visible list changed. It never blocks on
// callbacks.
func (h *Hub) Publish(collection string, touched []document.Document) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, o := range h.observers[collection] {
		next, changed := o.recompute(touched)
		if !changed {
			continue
		}
		b := Diff(o.query.visible(o.all), o.query.visible(next))
		o.all = next
		if b.Empty() {
			continue
		}
		b.Time = h.now()
		o.enqueue(b)
		h.metrics.ObserverBatches.Inc()
	}
}

// recompute folds the touched documents into the ordered result. changed is false when no
// touched document was or is part of the result.
func (o *Observer) recompute(touched []document.Document) ([]document.Document, bool) {
	ids := make(map[string]bool, len(touched))
	for _, d := range touched {
		ids[d.ID] = true
	}
	changed := false
	next := make([]document.Document, 0, len(o.all)+len(touched))
	for _, d := range o.all {
		if ids[d.ID] {
			changed = true
			continue
		}
		next = append(next, d)
	}
	for _, d := range touched {
		if o.query.matches(d) {
			next = append(next, d)
			changed = true
		}
	}
	if !changed {
		return nil, false
	}
	o.query.Order.Sort(next)
	return next, true
}

// Cancel removes o. It is idempotent.
func (h *Hub) Cancel(o *Observer) {
	h.mu.Lock()
	if byID := h.observers[o.query.Collection]; byID != nil {
		delete(byID, o.id)
		if len(byID) == 0 {
			delete(h.observers, o.query.Collection)
		}
	}
	h.mu.Unlock()
	o.stop()
}

// Len returns the number of registered observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, byID := range h.observers {
		n += len(byID)
	}
	return n
}

// Close cancels every observer and waits for their goroutines. It must not be called from a
// callback.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Observer
	for _, byID := range h.observers {
		for _, o := range byID {
			all = append(all, o)
		}
	}
	h.observers = map[string]map[string]*Observer{}
	h.mu.Unlock()

	for _, o := range all {
		o.stop()
	}
	h.wg.Wait()
}
