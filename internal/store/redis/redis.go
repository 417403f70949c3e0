// Package redis is a store backend on Redis, for replicas that keep their state in a shared
// Redis deployment instead of local disk.
package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/zetareticula/meshstore/internal/document"
	"github.com/zetareticula/meshstore/internal/store"
)

// raiseScript sets hash field ARGV[1] of KEYS[1] to ARGV[2] unless it already holds more.
const raiseScript = `
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if tonumber(ARGV[2]) > cur then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
return 0
`

// Options selects the Redis server and the key namespace of one replica.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, so several replicas can share a database.
	Prefix string
}

// Backend persists documents as one hash per collection.
type Backend struct {
	client *redis.Client
	prefix string
}

var _ store.Backend = (*Backend)(nil)

// New creates a backend with its own client.
func New(opts Options) *Backend {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "meshstore"
	}
	return &Backend{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		prefix: prefix,
	}
}

func (b *Backend) key(parts ...string) string {
	k := b.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (b *Backend) Load(ctx context.Context) (store.Snapshot, error) {
	snap := store.Snapshot{Collections: map[string][]document.Document{}}

	meta, err := b.client.HGetAll(ctx, b.key("meta")).Result()
	if err != nil {
		return snap, fmt.Errorf("read meta: %w", err)
	}
	if snap.Clock, err = parseCounter(meta["clock"]); err != nil {
		return snap, err
	}
	if snap.Seq, err = parseCounter(meta["seq"]); err != nil {
		return snap, err
	}

	names, err := b.client.SMembers(ctx, b.key("collections")).Result()
	if err != nil {
		return snap, fmt.Errorf("read collections: %w", err)
	}
	for _, name := range names {
		records, err := b.client.HGetAll(ctx, b.key("docs", name)).Result()
		if err != nil {
			return snap, fmt.Errorf("read %s: %w", name, err)
		}
		docs := make([]document.Document, 0, len(records))
		for _, raw := range records {
			d, err := document.DecodeRecord([]byte(raw))
			if err != nil {
				return snap, fmt.Errorf("decode %s: %w", name, err)
			}
			docs = append(docs, d)
		}
		snap.Collections[name] = docs
	}
	return snap, nil
}

func (b *Backend) Apply(ctx context.Context, batch store.Batch) error {
	records := make([]interface{}, 0, 2*len(batch.Docs))
	for _, d := range batch.Docs {
		raw, err := document.EncodeRecord(d)
		if err != nil {
			return err
		}
		records = append(records, d.ID, string(raw))
	}
	docsKey := b.key("docs", batch.Collection)
	metaKey := b.key("meta")

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, b.key("collections"), batch.Collection)
		if len(records) > 0 {
			pipe.HSet(ctx, docsKey, records...)
		}
		if len(batch.Purged) > 0 {
			pipe.HDel(ctx, docsKey, batch.Purged...)
		}
		pipe.Eval(ctx, raiseScript, []string{metaKey}, "clock", batch.Clock)
		pipe.Eval(ctx, raiseScript, []string{metaKey}, "seq", batch.Seq)
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply %s: %w", batch.Collection, err)
	}
	return nil
}

func (b *Backend) Checkpoints(ctx context.Context, remotePeerID string) (map[string]uint64, error) {
	raw, err := b.client.HGetAll(ctx, b.key("checkpoints", remotePeerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}
	out := make(map[string]uint64, len(raw))
	for scope, v := range raw {
		seq, err := parseCounter(v)
		if err != nil {
			return nil, err
		}
		out[scope] = seq
	}
	return out, nil
}

func (b *Backend) AdvanceCheckpoint(ctx context.Context, remotePeerID, scope string, seq uint64) error {
	err := b.client.Eval(ctx, raiseScript, []string{b.key("checkpoints", remotePeerID)}, scope, seq).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.client.Close()
}

func parseCounter(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %q: %w", s, err)
	}
	return n, nil
}
