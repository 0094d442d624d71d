package poststore

import (
	"context"
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// In-process PostStore. Safe for concurrent use.
//
// Per-author maps are copy-on-write, and all mutation happens inside MapOf.Compute, so the author index (the outer map keys) can never disagree with the per-author collections.
type MemPostStore struct {
	Authors *xsync.MapOf[string, map[string]int64]
	Logger  *slog.Logger
}

var _ PostStore = (*MemPostStore)(nil)

func NewMemPostStore() MemPostStore {
	return MemPostStore{
		Authors: xsync.NewMapOf[string, map[string]int64](),
		Logger:  slog.Default(),
	}
}

func (s MemPostStore) Track(ctx context.Context, authorID, itemID string, createdAt time.Time) error {
	var existing int64
	conflict := false
	s.Authors.Compute(authorID, func(old map[string]int64, loaded bool) (map[string]int64, bool) {
		if ts, ok := old[itemID]; ok {
			existing = ts
			conflict = true
			return old, false
		}
		next := make(map[string]int64, len(old)+1)
		for k, v := range old {
			next[k] = v
		}
		next[itemID] = toMillis(createdAt)
		return next, false
	})
	if conflict {
		s.Logger.Warn("item already tracked for author, keeping first creation time", "author", authorID, "item", itemID, "existing", fromMillis(existing), "ignored", createdAt)
	}
	return nil
}

func (s MemPostStore) Untrack(ctx context.Context, authorID, itemID string) error {
	s.Authors.Compute(authorID, func(old map[string]int64, loaded bool) (map[string]int64, bool) {
		if !loaded {
			return old, true
		}
		if _, ok := old[itemID]; !ok {
			return old, false
		}
		next := make(map[string]int64, len(old))
		for k, v := range old {
			if k != itemID {
				next[k] = v
			}
		}
		return next, len(next) == 0
	})
	return nil
}

func (s MemPostStore) ItemsByAuthor(ctx context.Context, authorID string) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	items, ok := s.Authors.Load(authorID)
	if !ok {
		return out, nil
	}
	for k, v := range items {
		out[k] = fromMillis(v)
	}
	return out, nil
}

func (s MemPostStore) EvictOlderThan(ctx context.Context, authorID string, cutoff time.Time) (int, error) {
	removed := 0
	cut := toMillis(cutoff)
	s.Authors.Compute(authorID, func(old map[string]int64, loaded bool) (map[string]int64, bool) {
		if !loaded {
			return old, true
		}
		next := make(map[string]int64, len(old))
		for k, v := range old {
			if v < cut {
				removed++
			} else {
				next[k] = v
			}
		}
		if removed == 0 {
			return old, len(old) == 0
		}
		return next, len(next) == 0
	})
	return removed, nil
}

func (s MemPostStore) ListTrackedAuthors(ctx context.Context) ([]string, error) {
	out := []string{}
	s.Authors.Range(func(authorID string, items map[string]int64) bool {
		if len(items) > 0 {
			out = append(out, authorID)
		}
		return true
	})
	return out, nil
}
