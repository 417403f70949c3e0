package meshstore

import (
	"sort"

	"github.com/google/uuid"

	"github.com/zetareticula/meshstore/internal/replication"
)

// Subscription declares interest in the documents of a collection matching a predicate.
// Peers send this replica the documents its subscriptions select.
type Subscription struct {
	id         string
	collection string
	predicate  string
	params     map[string]any
}

// ID is the subscription's handle id.
func (sub *Subscription) ID() string { return sub.id }

// Collection returns the subscribed collection.
func (sub *Subscription) Collection() string { return sub.collection }

// Predicate returns the predicate text.
func (sub *Subscription) Predicate() string { return sub.predicate }

// RegisterSubscription adds a subscription and re-advertises the subscription set to every
// connected peer. An empty predicate selects the whole collection.
func (s *Store) RegisterSubscription(collection, predicate string, params map[string]any) (*Subscription, error) {
	p, err := s.cache.Compile(predicate)
	if err != nil {
		return nil, err
	}
	bound, err := p.Bind(params)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		id:         uuid.NewString(),
		collection: collection,
		predicate:  predicate,
		params:     bound.Params(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.subs[sub.id] = sub
	sessions := s.sessionList()
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.RefreshInterest()
	}
	s.log.V(1).Info("registered subscription", "subscription", sub.id, "collection", collection, "predicate", predicate)
	return sub, nil
}

// CancelSubscription removes sub. It is idempotent.
func (s *Store) CancelSubscription(sub *Subscription) {
	s.mu.Lock()
	_, ok := s.subs[sub.id]
	delete(s.subs, sub.id)
	sessions := s.sessionList()
	s.mu.Unlock()
	if !ok {
		return
	}
	for _, sess := range sessions {
		sess.RefreshInterest()
	}
}

// interests returns the subscription set in a stable order.
func (s *Store) interests() []replication.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	specs := make([]replication.Spec, len(subs))
	for i, sub := range subs {
		specs[i] = replication.Spec{Collection: sub.collection, Predicate: sub.predicate, Params: sub.params}
	}
	return specs
}
