// Package replication runs peer sessions: the handshake, interest exchange, windowed delta
// streaming and acknowledgement protocol that brings two replicas' stores to convergence.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/zetareticula/meshstore/internal/document"
	"github.com/zetareticula/meshstore/internal/metrics"
	"github.com/zetareticula/meshstore/internal/query"
	"github.com/zetareticula/meshstore/internal/store"
	"github.com/zetareticula/meshstore/internal/transport"
)

var (
	// ErrTransportFailure is reported when a connection cannot be opened or breaks.
	ErrTransportFailure = errors.New("transport failure")
	// ErrProtocolVersionMismatch is reported when the remote speaks another protocol version.
	ErrProtocolVersionMismatch = errors.New("protocol version mismatch")
	// ErrProtocol is reported when the remote sends a frame out of turn.
	ErrProtocol = errors.New("protocol violation")
)

// State is the lifecycle position of a session.
type State int

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Syncing
	Idle
	Retrying
	Closed
)

var stateNames = [...]string{"disconnected", "connecting", "handshaking", "syncing", "idle", "retrying", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Store is the part of the document store a session uses.
type Store interface {
	PeerID() string
	AddListener(fn store.Listener) (remove func())
	ApplySince(collection, remotePeerID string, since uint64, limit int) ([]store.Delta, uint64, bool)
	PutBatch(ctx context.Context, collection string, docs []document.Document, origin string) ([]store.Applied, error)
	Checkpoints(ctx context.Context, remotePeerID string) (map[string]uint64, error)
	AdvanceCheckpoint(ctx context.Context, remotePeerID, scope string, seq uint64) error
}

var _ Store = (*store.Store)(nil)

// Config tunes a session.
type Config struct {
	MaxBatchDocs   int
	MaxBatchBytes  int
	MaxInFlight    int
	MaxFailures    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// HandshakeTimeout bounds the hello exchange.
	HandshakeTimeout time.Duration
	// RateLimit paces outgoing deltas per second; zero disables pacing.
	RateLimit float64
	RateBurst int
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		MaxBatchDocs:     100,
		MaxBatchBytes:    1 << 20,
		MaxInFlight:      4,
		MaxFailures:      8,
		InitialBackoff:   100 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBatchDocs <= 0 {
		c.MaxBatchDocs = d.MaxBatchDocs
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = d.MaxBatchBytes
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.InitialBackoff)
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

// Status is reported on every state transition and error.
type Status struct {
	Session      string
	Address      string
	RemotePeerID string
	State        State
	Err          error
	Time         time.Time
}

// Info is a point-in-time summary of a session.
type Info struct {
	Session      string
	Address      string
	RemotePeerID string
	State        State
	// Acked holds, per scope, the commit of ours the remote has confirmed.
	Acked map[string]uint64
	// Received holds, per scope, the remote commit we have applied.
	Received     map[string]uint64
	LastReceived time.Time
	LastError    string
}

// Options wires a session to its replica.
type Options struct {
	Store Store
	// Interests returns the local subscription set.
	Interests func() []Spec
	Cache     *query.Cache
	Config    Config
	Logger    logr.Logger
	Metrics   *metrics.Metrics
	// OnStatus is called from the session goroutine and must not block.
	OnStatus func(Status)
	Now      func() time.Time
}

// Session replicates with one remote replica. Dialed sessions reconnect with backoff;
// accepted sessions end when their connection does.
type Session struct {
	id      string
	address string
	dialer  transport.Dialer
	accept  transport.Conn

	store     Store
	interests func() []Spec
	cache     *query.Cache
	cfg       Config
	log       logr.Logger
	metrics   *metrics.Metrics
	onStatus  func(Status)
	now       func() time.Time
	limiter   *rate.Limiter

	wake     chan struct{}
	interest chan struct{}

	mu           sync.Mutex
	state        State
	remotePeer   string
	lastErr      error
	lastReceived time.Time
	acked        map[string]uint64
	received     map[string]uint64
	closed       bool
	cancel       context.CancelFunc
	done         chan struct{}
}

// Dial returns a session that connects to address through dialer once started.
func Dial(address string, dialer transport.Dialer, opts Options) *Session {
	s := newSession(opts)
	s.address = address
	s.dialer = dialer
	return s
}

// Accept returns a session serving an inbound connection once started.
func Accept(conn transport.Conn, opts Options) *Session {
	s := newSession(opts)
	s.address = conn.RemoteAddr()
	s.accept = conn
	return s
}

func newSession(opts Options) *Session {
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Interests == nil {
		opts.Interests = func() []Spec { return nil }
	}
	if opts.Cache == nil {
		opts.Cache, _ = query.NewCache(64)
	}
	cfg := opts.Config.withDefaults()
	s := &Session{
		id:        uuid.NewString(),
		store:     opts.Store,
		interests: opts.Interests,
		cache:     opts.Cache,
		cfg:       cfg,
		metrics:   opts.Metrics,
		onStatus:  opts.OnStatus,
		now:       opts.Now,
		wake:      make(chan struct{}, 1),
		interest:  make(chan struct{}, 1),
		acked:     map[string]uint64{},
		received:  map[string]uint64{},
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	s.log = opts.Logger.WithName("session").WithValues("session", s.id)
	s.metrics.SessionStates.WithLabelValues(Disconnected.String()).Inc()
	return s
}

// ID is the session's handle id.
func (s *Session) ID() string { return s.id }

// Address is the dialed address, or the remote address of an accepted connection.
func (s *Session) Address() string { return s.address }

// Dialed reports whether the session dials out (and so can be restarted).
func (s *Session) Dialed() bool { return s.dialer != nil }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemotePeerID is the peer id learned in the last handshake.
func (s *Session) RemotePeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remotePeer
}

// Info summarizes the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		Session:      s.id,
		Address:      s.address,
		RemotePeerID: s.remotePeer,
		State:        s.state,
		Acked:        make(map[string]uint64, len(s.acked)),
		Received:     make(map[string]uint64, len(s.received)),
		LastReceived: s.lastReceived,
	}
	for k, v := range s.acked {
		info.Acked[k] = v
	}
	for k, v := range s.received {
		info.Received[k] = v
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// Start runs the session in the background. It is a no-op while running or once closed.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go func() {
		defer close(done)
		s.run(ctx)
		s.mu.Lock()
		if s.done == done {
			s.cancel = nil
		}
		s.mu.Unlock()
	}()
}

// Stop ends the current connection and leaves the session Disconnected. A dialed session
// can be started again.
func (s *Session) Stop() {
	s.halt()
	if s.State() != Closed {
		s.setState(Disconnected, nil)
	}
}

// Close stops the session for good.
func (s *Session) Close() {
	s.halt()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.State() != Closed {
		s.setState(Closed, nil)
	}
}

func (s *Session) halt() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.mu.Lock()
	if s.done == done {
		s.cancel = nil
	}
	s.mu.Unlock()
}

// Done is closed when the background goroutine of the current run exits.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// RefreshInterest re-advertises the local subscription set to the remote.
func (s *Session) RefreshInterest() { notify(s.interest) }

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Session) setState(state State, err error) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	if err != nil {
		s.lastErr = err
	}
	st := Status{Session: s.id, Address: s.address, RemotePeerID: s.remotePeer, State: state, Err: err, Time: s.now()}
	s.mu.Unlock()

	if prev == state && err == nil {
		return
	}
	if prev != state {
		s.metrics.SessionStates.WithLabelValues(prev.String()).Dec()
		s.metrics.SessionStates.WithLabelValues(state.String()).Inc()
	}
	if err != nil {
		s.log.Error(err, "session error", "state", state.String(), "remote", st.RemotePeerID)
	} else {
		s.log.V(1).Info("session state", "from", prev.String(), "to", state.String(), "remote", st.RemotePeerID)
	}
	if s.onStatus != nil {
		s.onStatus(st)
	}
}

func (s *Session) markClosed(err error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.setState(Closed, err)
}

func (s *Session) run(ctx context.Context) {
	if s.dialer == nil {
		conn := s.accept
		s.accept = nil
		if conn == nil {
			s.markClosed(nil)
			return
		}
		_, err := s.serve(ctx, conn, false)
		if ctx.Err() != nil {
			return
		}
		s.markClosed(err)
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	failures := 0
	for {
		s.setState(Connecting, nil)
		var (
			err      error
			synced   bool
			conn     transport.Conn
			dialFail error
		)
		conn, dialFail = s.dialer.Dial(ctx, s.address)
		if dialFail != nil {
			err = fmt.Errorf("%w: dial %s: %w", ErrTransportFailure, s.address, dialFail)
		} else {
			synced, err = s.serve(ctx, conn, true)
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrProtocolVersionMismatch) {
			s.markClosed(err)
			return
		}
		if synced {
			failures = 0
			b.Reset()
		}
		failures++
		s.metrics.SessionFailures.Inc()
		if failures >= s.cfg.MaxFailures {
			s.setState(Disconnected, err)
			return
		}
		s.setState(Retrying, err)

		t := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// outScope is what the remote wants from one collection and how far it has been sent.
type outScope struct {
	collection string
	scope      string
	filters    []*query.Bound
	matchAll   bool
	cursor     uint64
}

func (o *outScope) wants(d document.Document) bool {
	if o.matchAll || !d.Live() {
		return true
	}
	for _, f := range o.filters {
		if f.Evaluate(d) {
			return true
		}
	}
	return false
}

// link is one connected period of a session.
type link struct {
	s        *Session
	conn     transport.Conn
	remote   string
	out      map[string]*outScope
	inFlight int
}

// serve runs one connection. synced reports whether the handshake completed.
func (s *Session) serve(ctx context.Context, conn transport.Conn, dialed bool) (synced bool, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	s.setState(Handshaking, nil)
	remote, want, err := s.handshake(ctx, conn, dialed)
	if err != nil {
		return false, err
	}

	l := &link{s: s, conn: conn, remote: remote, out: map[string]*outScope{}}
	l.adopt(want.Subscriptions, want.Checkpoints)

	remove := s.store.AddListener(func(store.Change) { notify(s.wake) })
	defer remove()

	frames := make(chan Frame)
	failed := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			f, err := s.receiveFrame(ctx, conn)
			if err != nil {
				failed <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	defer wg.Wait()
	defer conn.Close()
	defer cancel()

	s.setState(Syncing, nil)
	for {
		if err := l.pump(ctx); err != nil {
			return true, err
		}
		if l.inFlight == 0 {
			s.setState(Idle, nil)
		} else {
			s.setState(Syncing, nil)
		}

		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-failed:
			return true, err
		case f := <-frames:
			if err := l.handle(ctx, f); err != nil {
				return true, err
			}
		case <-s.wake:
		case <-s.interest:
			if err := l.sendInterest(ctx); err != nil {
				return true, err
			}
		}
	}
}

func (s *Session) send(ctx context.Context, conn transport.Conn, f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.Type, err)
	}
	if err := conn.Send(ctx, data); err != nil {
		return fmt.Errorf("%w: send %s: %w", ErrTransportFailure, f.Type, err)
	}
	s.metrics.Frames.WithLabelValues("out", string(f.Type)).Inc()
	return nil
}

func (s *Session) receiveFrame(ctx context.Context, conn transport.Conn) (Frame, error) {
	data, err := conn.Receive(ctx)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: receive: %w", ErrTransportFailure, err)
	}
	f, err := Decode(data)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	s.metrics.Frames.WithLabelValues("in", string(f.Type)).Inc()
	return f, nil
}

func (s *Session) receiveHello(ctx context.Context, conn transport.Conn) (Hello, error) {
	f, err := s.receiveFrame(ctx, conn)
	if err != nil {
		return Hello{}, err
	}
	if f.Type != FrameHello {
		return Hello{}, fmt.Errorf("%w: expected hello, got %s", ErrProtocol, f.Type)
	}
	return *f.Hello, nil
}

// hello builds our handshake frame. Checkpoints are included when the remote is known from
// an earlier connection.
func (s *Session) hello(ctx context.Context, remote string) (Hello, error) {
	specs := s.interests()
	h := Hello{Version: ProtocolVersion, PeerID: s.store.PeerID(), Subscriptions: specs}
	if remote == "" {
		return h, nil
	}
	cps, err := s.checkpointsFor(ctx, remote, specs)
	if err != nil {
		return Hello{}, err
	}
	h.Checkpoints = cps
	return h, nil
}

func (s *Session) checkpointsFor(ctx context.Context, remote string, specs []Spec) (map[string]uint64, error) {
	all, err := s.store.Checkpoints(ctx, remote)
	if err != nil {
		return nil, err
	}
	names, _ := Group(specs)
	out := make(map[string]uint64, len(names))
	for _, name := range names {
		scope := Scope(name, specs)
		if seq, ok := all[scope]; ok {
			out[scope] = seq
		}
	}
	return out, nil
}

func checkVersion(h Hello) error {
	if h.Version != ProtocolVersion {
		return fmt.Errorf("%w: local %d, remote %d", ErrProtocolVersionMismatch, ProtocolVersion, h.Version)
	}
	return nil
}

// handshake runs hello, hello, interest. The dialing side speaks first and, once it knows
// who answered, follows up with an interest frame carrying the checkpoints it holds for the
// remote. The accepting side answers its hello with its own checkpoints for the dialer and
// starts streaming only after that interest arrives.
func (s *Session) handshake(ctx context.Context, conn transport.Conn, dialed bool) (string, Interest, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	var (
		remote Hello
		want   Interest
		err    error
	)
	if dialed {
		ours, err := s.hello(ctx, s.RemotePeerID())
		if err != nil {
			return "", Interest{}, err
		}
		if err := s.send(ctx, conn, Frame{Type: FrameHello, Hello: &ours}); err != nil {
			return "", Interest{}, err
		}
		if remote, err = s.receiveHello(ctx, conn); err != nil {
			return "", Interest{}, err
		}
		if err := checkVersion(remote); err != nil {
			return "", Interest{}, err
		}
		if err := s.validRemote(remote.PeerID); err != nil {
			return "", Interest{}, err
		}
		specs := s.interests()
		cps, err := s.checkpointsFor(ctx, remote.PeerID, specs)
		if err != nil {
			return "", Interest{}, err
		}
		if err := s.send(ctx, conn, Frame{Type: FrameInterest, Interest: &Interest{Subscriptions: specs, Checkpoints: cps}}); err != nil {
			return "", Interest{}, err
		}
		want = Interest{Subscriptions: remote.Subscriptions, Checkpoints: remote.Checkpoints}
	} else {
		if remote, err = s.receiveHello(ctx, conn); err != nil {
			return "", Interest{}, err
		}
		ours, err := s.hello(ctx, remote.PeerID)
		if err != nil {
			return "", Interest{}, err
		}
		if err := s.send(ctx, conn, Frame{Type: FrameHello, Hello: &ours}); err != nil {
			return "", Interest{}, err
		}
		if err := checkVersion(remote); err != nil {
			return "", Interest{}, err
		}
		if err := s.validRemote(remote.PeerID); err != nil {
			return "", Interest{}, err
		}
		f, err := s.receiveFrame(ctx, conn)
		if err != nil {
			return "", Interest{}, err
		}
		if f.Type != FrameInterest {
			return "", Interest{}, fmt.Errorf("%w: expected interest, got %s", ErrProtocol, f.Type)
		}
		want = *f.Interest
	}
	s.mu.Lock()
	s.remotePeer = remote.PeerID
	s.mu.Unlock()
	s.log.V(1).Info("handshake complete", "remote", remote.PeerID, "subscriptions", len(want.Subscriptions))
	return remote.PeerID, want, nil
}

func (s *Session) validRemote(peerID string) error {
	if peerID == "" || peerID == s.store.PeerID() {
		return fmt.Errorf("%w: remote peer id %q", ErrProtocol, peerID)
	}
	return nil
}

// adopt replaces the remote's interest. Scopes already being streamed keep their cursor;
// new scopes start at the checkpoint the remote holds for them.
func (l *link) adopt(specs []Spec, checkpoints map[string]uint64) {
	names, byColl := Group(specs)
	next := make(map[string]*outScope, len(names))
	for _, name := range names {
		scope := Scope(name, specs)
		if prev, ok := l.out[scope]; ok {
			next[scope] = prev
			continue
		}
		o := &outScope{collection: name, scope: scope, cursor: checkpoints[scope]}
		for _, spec := range byColl[name] {
			p, err := l.s.cache.Compile(spec.Predicate)
			if err == nil && p.MatchAll() {
				o.matchAll = true
				continue
			}
			var b *query.Bound
			if err == nil {
				b, err = p.Bind(spec.Params)
			}
			if err != nil {
				l.s.log.Error(err, "ignoring remote subscription", "collection", name, "predicate", spec.Predicate)
				continue
			}
			o.filters = append(o.filters, b)
		}
		if !o.matchAll && len(o.filters) == 0 {
			continue
		}
		next[scope] = o
	}
	l.out = next
}

func (l *link) sendInterest(ctx context.Context) error {
	specs := l.s.interests()
	cps, err := l.s.checkpointsFor(ctx, l.remote, specs)
	if err != nil {
		return err
	}
	return l.s.send(ctx, l.conn, Frame{Type: FrameInterest, Interest: &Interest{Subscriptions: specs, Checkpoints: cps}})
}

func (l *link) handle(ctx context.Context, f Frame) error {
	switch f.Type {
	case FrameDelta:
		return l.receive(ctx, f.Delta)
	case FrameAck:
		if l.inFlight > 0 {
			l.inFlight--
		}
		l.s.mu.Lock()
		if f.Ack.Seq > l.s.acked[f.Ack.Scope] {
			l.s.acked[f.Ack.Scope] = f.Ack.Seq
		}
		l.s.mu.Unlock()
		return nil
	case FrameInterest:
		l.adopt(f.Interest.Subscriptions, f.Interest.Checkpoints)
		return nil
	default:
		return fmt.Errorf("%w: unexpected %s", ErrProtocol, f.Type)
	}
}

// receive applies a delta, persists the checkpoint and acknowledges, in that order.
func (l *link) receive(ctx context.Context, d *Delta) error {
	if len(d.Docs) > 0 {
		if _, err := l.s.store.PutBatch(ctx, d.Collection, d.Docs, l.remote); err != nil {
			return fmt.Errorf("apply delta for %s: %w", d.Scope, err)
		}
	}
	if err := l.s.store.AdvanceCheckpoint(ctx, l.remote, d.Scope, d.UpTo); err != nil {
		return err
	}
	l.s.mu.Lock()
	if d.UpTo > l.s.received[d.Scope] {
		l.s.received[d.Scope] = d.UpTo
	}
	l.s.lastReceived = l.s.now()
	l.s.mu.Unlock()
	l.s.log.V(1).Info("applied delta", "scope", d.Scope, "docs", len(d.Docs), "upTo", d.UpTo)
	return l.s.send(ctx, l.conn, Frame{Type: FrameAck, Ack: &Ack{Scope: d.Scope, Seq: d.UpTo}})
}

// pump streams pending deltas until the window is full or every scope is caught up.
func (l *link) pump(ctx context.Context) error {
	scopes := make([]string, 0, len(l.out))
	for scope := range l.out {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)

	for progress := true; progress && l.inFlight < l.s.cfg.MaxInFlight; {
		progress = false
		for _, scope := range scopes {
			if l.inFlight >= l.s.cfg.MaxInFlight {
				break
			}
			o := l.out[scope]
			docs, upTo := l.next(o)
			if upTo <= o.cursor {
				continue
			}
			progress = true
			if len(docs) == 0 {
				o.cursor = upTo
				continue
			}
			if l.s.limiter != nil {
				if err := l.s.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			delta := &Delta{Collection: o.collection, Scope: o.scope, UpTo: upTo, Docs: docs}
			if err := l.s.send(ctx, l.conn, Frame{Type: FrameDelta, Delta: delta}); err != nil {
				return err
			}
			o.cursor = upTo
			l.inFlight++
			l.s.log.V(1).Info("sent delta", "scope", o.scope, "docs", len(docs), "upTo", upTo)
		}
	}
	return nil
}

// next computes the next batch of o. Documents the remote's predicates reject are dropped;
// filtered scopes carry whole documents so that a document entering the result arrives
// complete. The byte cap cuts like the document cap: the batch covers a commit only once every
// document with a register in it was emitted.
func (l *link) next(o *outScope) ([]document.Document, uint64) {
	deltas, upTo, _ := l.s.store.ApplySince(o.collection, l.remote, o.cursor, l.s.cfg.MaxBatchDocs)
	var (
		docs []document.Document
		size int
		last uint64
	)
	for _, d := range deltas {
		if len(docs) > 0 && size >= l.s.cfg.MaxBatchBytes && d.From != last {
			return docs, d.From - 1
		}
		last = d.From
		if !o.wants(d.Doc) {
			continue
		}
		body := d.Changes
		if !o.matchAll {
			full, ok := document.Since(d.Doc, 0, l.remote)
			if !ok {
				continue
			}
			body = full
		}
		if b, err := json.Marshal(body); err == nil {
			size += len(b)
		}
		docs = append(docs, body)
	}
	return docs, upTo
}
