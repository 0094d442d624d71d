package actionstore

import (
	"context"
	"fmt"
	"time"
)

type ActionKind string

const (
	ActionRemove ActionKind = "remove"
	ActionDelete ActionKind = "delete"
)

var AllKinds = []ActionKind{ActionRemove, ActionDelete}

func (k ActionKind) Validate() error {
	switch k {
	case ActionRemove, ActionDelete:
		return nil
	default:
		return fmt.Errorf("unknown action kind: %q", string(k))
	}
}

// Global record of when moderation actions happened to an item, independent of author.
//
// At most one time is kept per (kind, item): recording again overwrites. A cleared or never-recorded action reads as absent (ok=false), never as a zero time.
type ActionStore interface {
	Record(ctx context.Context, kind ActionKind, itemID string, actionedAt time.Time) error
	// does not error if nothing was recorded
	Clear(ctx context.Context, kind ActionKind, itemID string) error
	Get(ctx context.Context, kind ActionKind, itemID string) (time.Time, bool, error)
	// removes records of every kind actioned strictly before cutoff; returns the number removed
	EvictOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
