// Package meshstore is an embeddable, local-first document store that replicates with peers.
//
// Every replica accepts writes offline. Documents are collections of last-writer-wins
// registers stamped with Lamport clocks, so replicas that exchange their changes converge to
// the same state regardless of delivery order. Live queries (observers) report ordered result
// changes as index diffs, and subscriptions tell peers which documents to send.
package meshstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zetareticula/meshstore/internal/config"
	"github.com/zetareticula/meshstore/internal/document"
	"github.com/zetareticula/meshstore/internal/metrics"
	"github.com/zetareticula/meshstore/internal/observe"
	"github.com/zetareticula/meshstore/internal/query"
	"github.com/zetareticula/meshstore/internal/replication"
	"github.com/zetareticula/meshstore/internal/store"
	"github.com/zetareticula/meshstore/internal/transport"
	"github.com/zetareticula/meshstore/internal/transport/websocket"
)

var (
	// ErrNotFound is returned for absent or deleted documents.
	ErrNotFound = store.ErrNotFound
	// ErrMalformedDocument is returned for documents of the wrong shape; nothing is written.
	ErrMalformedDocument = document.ErrMalformedDocument
	// ErrInvalidPredicate is returned for unparsable predicates, orderings and queries, and
	// for missing or unknown parameters.
	ErrInvalidPredicate = query.ErrInvalidPredicate
	// ErrIO is returned when persistence fails.
	ErrIO = store.ErrIO
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = store.ErrClosed
	// ErrTransportFailure is reported through session status when a connection breaks.
	ErrTransportFailure = replication.ErrTransportFailure
	// ErrProtocolVersionMismatch is reported through session status when a peer speaks another
	// protocol version.
	ErrProtocolVersionMismatch = replication.ErrProtocolVersionMismatch
)

// CollectionInfo summarizes a collection.
type CollectionInfo = store.CollectionInfo

type options struct {
	cfg        *config.Config
	backend    store.Backend
	logger     logr.Logger
	registerer prometheus.Registerer
	dialer     transport.Dialer
	onStatus   func(SessionStatus)
	now        func() time.Time
}

// Option configures Open.
type Option func(*options)

// WithConfig replaces the default configuration.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithBackend persists to b instead of the configured backend. The store closes b.
func WithBackend(b store.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithLogger sets the logger.
func WithLogger(l logr.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the store's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithDialer sets how ConnectPeer reaches addresses. The default dials websockets.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithStatusCallback receives every peer session state change and error. It runs on session
// goroutines and must not block.
func WithStatusCallback(fn func(SessionStatus)) Option {
	return func(o *options) { o.onStatus = fn }
}

// WithClock sets the wall clock used for tombstone ages and event times.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Store is one replica.
type Store struct {
	cfg     *config.Config
	core    *store.Store
	hub     *observe.Hub
	cache   *query.Cache
	dialer  transport.Dialer
	log     logr.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	onStatus func(SessionStatus)

	mu       sync.Mutex
	subs     map[string]*Subscription
	sessions map[string]*replication.Session
	// acks holds, per remote peer and scope, the last commit the peer acknowledged.
	acks    map[string]map[string]uint64
	syncing bool
	closed  bool

	removeListener func()
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// Open opens the replica persisted under persistencePath, writing as localPeerID. An empty
// peer id falls back to the configured one, then to a generated ULID. Peers listed in the
// configuration are connected right away.
func Open(ctx context.Context, persistencePath, localPeerID string, opts ...Option) (*Store, error) {
	o := options{
		cfg:    config.Default(),
		logger: logr.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.dialer == nil {
		o.dialer = &websocket.Dialer{Settings: websocket.DefaultSettings()}
	}
	if localPeerID == "" {
		localPeerID = o.cfg.PeerID
	}
	if localPeerID == "" {
		localPeerID = ulid.Make().String()
	}
	log := o.logger.WithName("meshstore").WithValues("peer", localPeerID)

	m, err := metrics.New(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	backend := o.backend
	if backend == nil {
		if backend, err = o.cfg.Storage.Open(ctx, localPeerID, persistencePath); err != nil {
			return nil, err
		}
	}
	core, err := store.Open(ctx, localPeerID, backend, store.Options{Logger: log, Metrics: m, Now: o.now})
	if err != nil {
		return nil, errors.Join(err, backend.Close())
	}
	cache, err := query.NewCache(256)
	if err != nil {
		return nil, errors.Join(err, core.Close())
	}

	s := &Store{
		cfg:      o.cfg,
		core:     core,
		hub:      observe.NewHub(observe.Options{Logger: log, Metrics: m, Now: o.now}),
		cache:    cache,
		dialer:   o.dialer,
		log:      log,
		metrics:  m,
		now:      o.now,
		onStatus: o.onStatus,
		subs:     map[string]*Subscription{},
		sessions: map[string]*replication.Session{},
		acks:     map[string]map[string]uint64{},
		syncing:  true,
	}
	s.removeListener = core.AddListener(func(c store.Change) {
		s.hub.Publish(c.Collection, c.Docs)
	})

	gcCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if interval := o.cfg.GC.Interval(); interval > 0 {
		s.wg.Add(1)
		go s.collectGarbageLoop(gcCtx, interval)
	}
	for _, addr := range o.cfg.Replication.Peers {
		if _, err := s.ConnectPeer(ctx, addr); err != nil {
			return nil, errors.Join(err, s.Close())
		}
	}
	log.Info("opened store", "backend", o.cfg.Storage.Backend, "collections", len(core.Collections()))
	return s, nil
}

// PeerID is the id this replica writes as.
func (s *Store) PeerID() string { return s.core.PeerID() }

// Close stops every session, observer and background loop, then closes the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*replication.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	for _, sess := range sessions {
		sess.Close()
	}
	s.hub.Close()
	s.removeListener()
	err := s.core.Close()
	s.log.Info("closed store")
	return err
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
