package poststore

import (
	"context"
	"time"
)

// Per-author index of tracked items and their creation times.
//
// Each (author, item) pair has exactly one creation time: tracking an existing pair is a no-op (first write wins), which is logged as a conflict. Authors with no remaining items are dropped from the author index, so ListTrackedAuthors never returns empty residue.
type PostStore interface {
	Track(ctx context.Context, authorID, itemID string, createdAt time.Time) error
	// does not error if the pair isn't tracked
	Untrack(ctx context.Context, authorID, itemID string) error
	// returns an empty (non-nil) map for unknown authors
	ItemsByAuthor(ctx context.Context, authorID string) (map[string]time.Time, error)
	// removes every item of the author created strictly before cutoff; returns the number removed
	EvictOlderThan(ctx context.Context, authorID string, cutoff time.Time) (int, error)
	ListTrackedAuthors(ctx context.Context) ([]string, error)
}

// Timestamps are persisted as millisecond epoch values; this is the precision the stores round-trip.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
