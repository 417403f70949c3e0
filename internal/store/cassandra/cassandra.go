// Package cassandra is a store backend on Cassandra for replicas that run as services next
// to an existing cluster.
package cassandra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/zetareticula/meshstore/internal/document"
	"github.com/zetareticula/meshstore/internal/store"
)

// Schema creates the tables a keyspace needs. Statements are separated because CQL runs one
// statement per query.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS %s.documents (
		replica text, collection text, id text, record text,
		PRIMARY KEY ((replica), collection, id))`,
	`CREATE TABLE IF NOT EXISTS %s.checkpoints (
		replica text, remote_peer text, scope text, seq bigint,
		PRIMARY KEY ((replica, remote_peer), scope))`,
	`CREATE TABLE IF NOT EXISTS %s.meta (
		replica text, clock bigint, seq bigint,
		PRIMARY KEY (replica))`,
}

// Options configures the cluster connection.
type Options struct {
	Hosts    []string
	Keyspace string
	// Replica partitions the tables so replicas can share a keyspace.
	Replica    string
	MinTries   int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// Backend persists documents in Cassandra.
type Backend struct {
	session *gocql.Session
	opts    Options
}

var _ store.Backend = (*Backend)(nil)

// Open connects to the cluster and creates the tables when missing.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	if len(opts.Hosts) == 0 || opts.Keyspace == "" || opts.Replica == "" {
		return nil, errors.New("cassandra hosts, keyspace and replica are required")
	}
	if opts.MinTries <= 0 {
		opts.MinTries = 1
	}
	cluster := gocql.NewCluster(opts.Hosts...)
	cluster.Keyspace = opts.Keyspace
	cluster.Consistency = gocql.Quorum
	cluster.NumConns = 2
	if opts.Timeout > 0 {
		cluster.ConnectTimeout = opts.Timeout
		cluster.Timeout = opts.Timeout
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect cassandra: %w", err)
	}
	b := &Backend{session: session, opts: opts}
	for _, stmt := range Schema {
		if err := b.exec(ctx, session.Query(fmt.Sprintf(stmt, opts.Keyspace))); err != nil {
			session.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return b, nil
}

// exec runs q up to MinTries times, waiting RetryDelay in between.
func (b *Backend) exec(ctx context.Context, q *gocql.Query) error {
	var err error
	for i := 0; i < b.opts.MinTries; i++ {
		if err = q.WithContext(ctx).Exec(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.opts.RetryDelay):
		}
	}
	return err
}

func (b *Backend) Load(ctx context.Context) (store.Snapshot, error) {
	snap := store.Snapshot{Collections: map[string][]document.Document{}}

	var clock, seq int64
	err := b.session.Query(`SELECT clock, seq FROM meta WHERE replica = ?`, b.opts.Replica).
		WithContext(ctx).Scan(&clock, &seq)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		return snap, fmt.Errorf("read meta: %w", err)
	}
	snap.Clock, snap.Seq = uint64(clock), uint64(seq)

	iter := b.session.Query(`SELECT collection, record FROM documents WHERE replica = ?`, b.opts.Replica).
		WithContext(ctx).Iter()
	var collection, record string
	for iter.Scan(&collection, &record) {
		d, err := document.DecodeRecord([]byte(record))
		if err != nil {
			_ = iter.Close()
			return snap, fmt.Errorf("decode %s: %w", collection, err)
		}
		snap.Collections[collection] = append(snap.Collections[collection], d)
	}
	if err := iter.Close(); err != nil {
		return snap, fmt.Errorf("read documents: %w", err)
	}
	return snap, nil
}

// Apply writes the batch as one logged batch. The meta row only grows because the store's
// clock and sequence never move backwards.
func (b *Backend) Apply(ctx context.Context, batch store.Batch) error {
	lb := b.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for _, d := range batch.Docs {
		raw, err := document.EncodeRecord(d)
		if err != nil {
			return err
		}
		lb.Query(`INSERT INTO documents (replica, collection, id, record) VALUES (?, ?, ?, ?)`,
			b.opts.Replica, batch.Collection, d.ID, string(raw))
	}
	for _, id := range batch.Purged {
		lb.Query(`DELETE FROM documents WHERE replica = ? AND collection = ? AND id = ?`,
			b.opts.Replica, batch.Collection, id)
	}
	lb.Query(`INSERT INTO meta (replica, clock, seq) VALUES (?, ?, ?)`,
		b.opts.Replica, int64(batch.Clock), int64(batch.Seq))

	var err error
	for i := 0; i < b.opts.MinTries; i++ {
		if err = b.session.ExecuteBatch(lb); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.opts.RetryDelay):
		}
	}
	return fmt.Errorf("apply %s: %w", batch.Collection, err)
}

func (b *Backend) Checkpoints(ctx context.Context, remotePeerID string) (map[string]uint64, error) {
	iter := b.session.Query(`SELECT scope, seq FROM checkpoints WHERE replica = ? AND remote_peer = ?`,
		b.opts.Replica, remotePeerID).WithContext(ctx).Iter()
	out := make(map[string]uint64)
	var scope string
	var seq int64
	for iter.Scan(&scope, &seq) {
		out[scope] = uint64(seq)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}
	return out, nil
}

// AdvanceCheckpoint reads the current value and writes only a higher one. Checkpoints for a
// remote are advanced by that remote's single session, so the read and write do not race.
func (b *Backend) AdvanceCheckpoint(ctx context.Context, remotePeerID, scope string, seq uint64) error {
	var cur int64
	err := b.session.Query(`SELECT seq FROM checkpoints WHERE replica = ? AND remote_peer = ? AND scope = ?`,
		b.opts.Replica, remotePeerID, scope).WithContext(ctx).Scan(&cur)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	if uint64(cur) >= seq {
		return nil
	}
	q := b.session.Query(`INSERT INTO checkpoints (replica, remote_peer, scope, seq) VALUES (?, ?, ?, ?)`,
		b.opts.Replica, remotePeerID, scope, int64(seq))
	if err := b.exec(ctx, q); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	b.session.Close()
	return nil
}
