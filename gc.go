package meshstore

import (
	"context"
	"time"

	"github.com/zetareticula/meshstore/internal/replication"
)

// collectGarbageLoop purges tombstones every interval until ctx ends.
func (s *Store) collectGarbageLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.CollectGarbage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Error(err, "collect garbage")
				}
				continue
			}
			if n > 0 {
				s.log.Info("collected tombstones", "count", n)
			}
		}
	}
}

// CollectGarbage purges the tombstones every known peer acknowledged, and those older than
// the configured TTL. It returns how many were removed.
func (s *Store) CollectGarbage(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	sessions := s.sessionList()
	s.mu.Unlock()

	for _, sess := range sessions {
		info := sess.Info()
		s.mu.Lock()
		s.mergeAcks(info)
		s.mu.Unlock()
	}

	var olderThan time.Time
	if ttl := s.cfg.GC.TombstoneTTL(); ttl > 0 {
		olderThan = s.now().Add(-ttl)
	}

	total := 0
	for _, c := range s.core.Collections() {
		if c.Tombstones == 0 {
			continue
		}
		n, err := s.core.Purge(ctx, c.Name, s.horizon(c.Name), olderThan)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// horizon is the highest local commit of collection that every known peer acknowledged.
// A peer acknowledged a commit when it acknowledged it in any scope of the collection; a peer
// with no such scope holds the horizon at zero, as does having no known peers at all.
func (s *Store) horizon(collection string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.acks) == 0 {
		return 0
	}
	var (
		low   uint64
		first = true
	)
	for _, acks := range s.acks {
		var best uint64
		for scope, seq := range acks {
			if replication.ScopeCollection(scope) == collection && seq > best {
				best = seq
			}
		}
		if first || best < low {
			low, first = best, false
		}
	}
	return low
}
