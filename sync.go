package meshstore

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/zetareticula/meshstore/internal/replication"
	"github.com/zetareticula/meshstore/internal/transport"
	"github.com/zetareticula/meshstore/internal/transport/websocket"
)

// ErrSyncStopped is returned by Accept while sync is paused.
var ErrSyncStopped = errors.New("sync stopped")

// SessionStatus reports a peer session state change or error.
type SessionStatus struct {
	Session      string
	Address      string
	RemotePeerID string
	// State is one of disconnected, connecting, handshaking, syncing, idle, retrying or closed.
	State string
	Err   error
	Time  time.Time
}

// PeerInfo summarizes one peer session.
type PeerInfo struct {
	Session      string
	Address      string
	RemotePeerID string
	State        string
	// Acked maps each scope sent to the peer to the last local commit it acknowledged.
	Acked map[string]uint64
	// Received maps each scope received from the peer to the last remote commit applied.
	Received     map[string]uint64
	LastReceived time.Time
	LastError    string
}

// PeerSession is a replication session with one peer.
type PeerSession struct {
	s *replication.Session
}

// ID is the session's handle id.
func (ps *PeerSession) ID() string { return ps.s.ID() }

// Address is the dialed address, or the remote address of an accepted connection.
func (ps *PeerSession) Address() string { return ps.s.Address() }

// State returns the session state name.
func (ps *PeerSession) State() string { return ps.s.State().String() }

// RemotePeerID is the peer id learned in the last handshake.
func (ps *PeerSession) RemotePeerID() string { return ps.s.RemotePeerID() }

// ConnectPeer starts replicating with the replica at address. The session reconnects with
// backoff until DisconnectPeer or Close; its progress is reported through the status callback.
func (s *Store) ConnectPeer(ctx context.Context, address string) (*PeerSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess := replication.Dial(address, s.dialer, s.sessionOptions())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.Close()
		return nil, ErrClosed
	}
	s.sessions[sess.ID()] = sess
	syncing := s.syncing
	s.mu.Unlock()

	if syncing {
		sess.Start()
	}
	s.log.Info("connecting peer", "session", sess.ID(), "address", address)
	return &PeerSession{s: sess}, nil
}

// DisconnectPeer closes ps for good. It is idempotent.
func (s *Store) DisconnectPeer(ps *PeerSession) {
	ps.s.Close()
	s.retire(ps.s)
}

// Accept serves a connection a peer opened. The session ends when the connection does.
func (s *Store) Accept(conn transport.Conn) (*PeerSession, error) {
	sess := replication.Accept(conn, s.sessionOptions())
	s.mu.Lock()
	if s.closed || !s.syncing {
		closed := s.closed
		s.mu.Unlock()
		sess.Close()
		_ = conn.Close()
		if closed {
			return nil, ErrClosed
		}
		return nil, ErrSyncStopped
	}
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	sess.Start()
	return &PeerSession{s: sess}, nil
}

// Handler accepts peers over websockets.
func (s *Store) Handler() http.Handler {
	return websocket.Handler(websocket.DefaultSettings(), s.log, func(conn transport.Conn) {
		if _, err := s.Accept(conn); err != nil {
			s.log.V(1).Info("rejected peer", "remote", conn.RemoteAddr(), "reason", err.Error())
		}
	})
}

// StartSync resumes every dialed session after StopSync and lets peers connect again.
func (s *Store) StartSync() {
	s.mu.Lock()
	if s.closed || s.syncing {
		s.mu.Unlock()
		return
	}
	s.syncing = true
	sessions := s.sessionList()
	s.mu.Unlock()

	for _, sess := range sessions {
		if sess.Dialed() {
			sess.Start()
		}
	}
	s.log.Info("sync started")
}

// StopSync pauses replication: dialed sessions disconnect and accepted ones close. Local
// reads and writes keep working.
func (s *Store) StopSync() {
	s.mu.Lock()
	if s.closed || !s.syncing {
		s.mu.Unlock()
		return
	}
	s.syncing = false
	sessions := s.sessionList()
	s.mu.Unlock()

	for _, sess := range sessions {
		if sess.Dialed() {
			sess.Stop()
			continue
		}
		sess.Close()
		s.retire(sess)
	}
	s.log.Info("sync stopped")
}

// SyncInfo reports every peer session, ordered by address.
func (s *Store) SyncInfo() []PeerInfo {
	s.mu.Lock()
	sessions := s.sessionList()
	s.mu.Unlock()

	out := make([]PeerInfo, 0, len(sessions))
	for _, sess := range sessions {
		info := sess.Info()
		out = append(out, PeerInfo{
			Session:      info.Session,
			Address:      info.Address,
			RemotePeerID: info.RemotePeerID,
			State:        info.State.String(),
			Acked:        info.Acked,
			Received:     info.Received,
			LastReceived: info.LastReceived,
			LastError:    info.LastError,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		return out[i].Session < out[j].Session
	})
	return out
}

func (s *Store) sessionOptions() replication.Options {
	return replication.Options{
		Store:     s.core,
		Interests: s.interests,
		Cache:     s.cache,
		Config:    s.cfg.Replication.Session(),
		Logger:    s.log,
		Metrics:   s.metrics,
		OnStatus:  s.statusChanged,
		Now:       s.now,
	}
}

func (s *Store) statusChanged(st replication.Status) {
	if st.State == replication.Closed {
		s.mu.Lock()
		sess := s.sessions[st.Session]
		s.mu.Unlock()
		if sess != nil && !sess.Dialed() {
			s.retire(sess)
		}
	}
	if s.onStatus != nil {
		s.onStatus(SessionStatus{
			Session:      st.Session,
			Address:      st.Address,
			RemotePeerID: st.RemotePeerID,
			State:        st.State.String(),
			Err:          st.Err,
			Time:         st.Time,
		})
	}
}

// retire forgets sess, keeping what its peer acknowledged for garbage collection.
func (s *Store) retire(sess *replication.Session) {
	info := sess.Info()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeAcks(info)
	delete(s.sessions, sess.ID())
}

// mergeAcks records info's acknowledgements. The caller holds s.mu.
func (s *Store) mergeAcks(info replication.Info) {
	if info.RemotePeerID == "" {
		return
	}
	acks := s.acks[info.RemotePeerID]
	if acks == nil {
		acks = map[string]uint64{}
		s.acks[info.RemotePeerID] = acks
	}
	for scope, seq := range info.Acked {
		if seq > acks[scope] {
			acks[scope] = seq
		}
	}
}

// sessionList returns the sessions in id order. The caller holds s.mu.
func (s *Store) sessionList() []*replication.Session {
	out := make([]*replication.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
