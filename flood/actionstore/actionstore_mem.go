package actionstore

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type memActionKey struct {
	Kind   ActionKind
	ItemID string
}

// In-process ActionStore. Safe for concurrent use.
type MemActionStore struct {
	Times *xsync.MapOf[memActionKey, int64]
}

var _ ActionStore = (*MemActionStore)(nil)

func NewMemActionStore() MemActionStore {
	return MemActionStore{
		Times: xsync.NewMapOf[memActionKey, int64](),
	}
}

func (s MemActionStore) Record(ctx context.Context, kind ActionKind, itemID string, actionedAt time.Time) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	s.Times.Store(memActionKey{Kind: kind, ItemID: itemID}, toMillis(actionedAt))
	return nil
}

func (s MemActionStore) Clear(ctx context.Context, kind ActionKind, itemID string) error {
	s.Times.Delete(memActionKey{Kind: kind, ItemID: itemID})
	return nil
}

func (s MemActionStore) Get(ctx context.Context, kind ActionKind, itemID string) (time.Time, bool, error) {
	v, ok := s.Times.Load(memActionKey{Kind: kind, ItemID: itemID})
	if !ok {
		return time.Time{}, false, nil
	}
	return fromMillis(v), true, nil
}

func (s MemActionStore) EvictOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	cut := toMillis(cutoff)
	removed := 0
	var stale []memActionKey
	s.Times.Range(func(k memActionKey, v int64) bool {
		if v < cut {
			stale = append(stale, k)
		}
		return true
	})
	for _, k := range stale {
		// re-check under the bucket lock; the action may have been re-recorded since Range saw it
		s.Times.Compute(k, func(old int64, loaded bool) (int64, bool) {
			if loaded && old < cut {
				removed++
				return old, true
			}
			return old, !loaded
		})
	}
	return removed, nil
}
