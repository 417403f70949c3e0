package meshstore

import (
	"errors"
	"time"

	"github.com/zetareticula/meshstore/internal/document"
	"github.com/zetareticula/meshstore/internal/observe"
	"github.com/zetareticula/meshstore/internal/query"
)

// Move relocates the item at old index From to new index To.
type Move = observe.Move

// ChangeEvent describes how an observer's result list changed. Applying Deleted (old
// indices, descending), then Moved (by ascending To), then Inserted (new indices, ascending)
// to the previous list yields Items. Updated lists new indices of items that kept their place
// but changed; a moved item that also changed has Move.Changed set instead.
type ChangeEvent struct {
	Inserted []int
	Updated  []int
	Moved    []Move
	Deleted  []int
	Items    []map[string]any
	// Initial marks the first event, which carries the result at registration.
	Initial bool
	Time    time.Time
}

func newChangeEvent(b observe.Batch) ChangeEvent {
	items := make([]map[string]any, len(b.Items))
	for i, d := range b.Items {
		items[i] = d.Snapshot()
	}
	return ChangeEvent{
		Inserted: b.Inserted,
		Updated:  b.Updated,
		Moved:    b.Moved,
		Deleted:  b.Deleted,
		Items:    items,
		Initial:  b.Initial,
		Time:     b.Time,
	}
}

// Observer is a registered live query.
type Observer struct {
	o *observe.Observer
}

// ID is the observer's handle id.
func (obs *Observer) ID() string { return obs.o.ID() }

// Collection returns the observed collection.
func (obs *Observer) Collection() string { return obs.o.Collection() }

type observerOptions struct {
	limit int
}

// ObserverOption configures RegisterObserver.
type ObserverOption func(*observerOptions)

// WithLimit caps the result list at n items; documents beyond the cap enter the list as
// earlier ones leave it.
func WithLimit(n int) ObserverOption {
	return func(o *observerOptions) { o.limit = n }
}

// RegisterObserver starts a live query over collection. The callback first receives the
// current result (possibly empty), then one event per commit that changes the result. It runs
// on a goroutine of its own, never concurrently with itself, and may cancel its observer.
func (s *Store) RegisterObserver(collection, predicate, ordering string, params map[string]any, callback func(ChangeEvent), opts ...ObserverOption) (*Observer, error) {
	var oo observerOptions
	for _, opt := range opts {
		opt(&oo)
	}
	p, err := s.cache.Compile(predicate)
	if err != nil {
		return nil, err
	}
	filter, err := p.Bind(params)
	if err != nil {
		return nil, err
	}
	order, err := query.ParseOrder(ordering)
	if err != nil {
		return nil, err
	}
	q := observe.Query{Collection: collection, Filter: filter, Order: order, Limit: oo.limit}

	var (
		o      *observe.Observer
		regErr error
	)
	err = s.core.Exclusive(collection, func(docs []document.Document) {
		o, regErr = s.hub.Register(q, docs, func(b observe.Batch) { callback(newChangeEvent(b)) })
	})
	if err == nil {
		err = regErr
	}
	if errors.Is(err, observe.ErrClosed) {
		err = ErrClosed
	}
	if err != nil {
		return nil, err
	}
	return &Observer{o: o}, nil
}

// CancelObserver stops obs. A callback already running finishes; no other starts.
func (s *Store) CancelObserver(obs *Observer) {
	s.hub.Cancel(obs.o)
}
