// Package sqlite is the default durable store backend, one SQLite file per replica.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/zetareticula/meshstore/internal/document"
	"github.com/zetareticula/meshstore/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	record TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	remote_peer TEXT NOT NULL,
	scope TEXT NOT NULL,
	seq INTEGER NOT NULL,
	PRIMARY KEY (remote_peer, scope)
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// Backend persists documents and checkpoints in SQLite.
type Backend struct {
	db *sql.DB
}

var _ store.Backend = (*Backend)(nil)

// Open opens (creating if needed) the database file at path and initializes the schema.
func Open(ctx context.Context, path string) (*Backend, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers and keeps pragmas in effect.
	db.SetMaxOpenConns(1)
	b := &Backend{db: db}
	if err := b.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) init(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (b *Backend) Load(ctx context.Context) (store.Snapshot, error) {
	snap := store.Snapshot{Collections: map[string][]document.Document{}}

	rows, err := b.db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return snap, fmt.Errorf("query meta: %w", err)
	}
	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan meta: %w", err)
		}
		switch key {
		case "clock":
			snap.Clock = uint64(value)
		case "seq":
			snap.Seq = uint64(value)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("iterate meta: %w", err)
	}

	rows, err = b.db.QueryContext(ctx, `SELECT collection, record FROM documents ORDER BY collection, id`)
	if err != nil {
		return snap, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var collection, record string
		if err := rows.Scan(&collection, &record); err != nil {
			return snap, fmt.Errorf("scan document: %w", err)
		}
		d, err := document.DecodeRecord([]byte(record))
		if err != nil {
			return snap, fmt.Errorf("decode %s: %w", collection, err)
		}
		snap.Collections[collection] = append(snap.Collections[collection], d)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("iterate documents: %w", err)
	}
	return snap, nil
}

func (b *Backend) Apply(ctx context.Context, batch store.Batch) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (collection, id, record)
		VALUES (?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET record = excluded.record
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer upsert.Close()

	for _, d := range batch.Docs {
		record, err := document.EncodeRecord(d)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := upsert.ExecContext(ctx, batch.Collection, d.ID, string(record)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert %s/%s: %w", batch.Collection, d.ID, err)
		}
	}
	for _, id := range batch.Purged {
		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, batch.Collection, id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("purge %s/%s: %w", batch.Collection, id, err)
		}
	}
	for key, value := range map[string]uint64{"clock": batch.Clock, "seq": batch.Seq} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = MAX(meta.value, excluded.value)
		`, key, int64(value)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("update %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (b *Backend) Checkpoints(ctx context.Context, remotePeerID string) (map[string]uint64, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT scope, seq FROM checkpoints WHERE remote_peer = ?`, remotePeerID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var scope string
		var seq int64
		if err := rows.Scan(&scope, &seq); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out[scope] = uint64(seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

func (b *Backend) AdvanceCheckpoint(ctx context.Context, remotePeerID, scope string, seq uint64) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO checkpoints (remote_peer, scope, seq)
		VALUES (?, ?, ?)
		ON CONFLICT(remote_peer, scope) DO UPDATE SET
			seq = MAX(checkpoints.seq, excluded.seq)
	`, remotePeerID, scope, int64(seq))
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}
