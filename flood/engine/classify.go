package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bluesky-social/floodgate/flood/actionstore"
	"github.com/bluesky-social/floodgate/flood/platform"
)

// Why a tracked item does not count toward the quota.
type ExclusionReason string

const (
	ExcludedAge             ExclusionReason = "age"
	ExcludedCurrentItem     ExclusionReason = "currentItem"
	ExcludedDeleted         ExclusionReason = "deleted"
	ExcludedRemoved         ExclusionReason = "removed"
	ExcludedAutoRemoved     ExclusionReason = "autoRemoved"
	ExcludedFloodingRemoved ExclusionReason = "floodingRemoved"
)

var AllExclusionReasons = []ExclusionReason{
	ExcludedAge,
	ExcludedCurrentItem,
	ExcludedDeleted,
	ExcludedRemoved,
	ExcludedAutoRemoved,
	ExcludedFloodingRemoved,
}

// Human readable label, as shown in quota reports.
func (r ExclusionReason) Label() string {
	switch r {
	case ExcludedAge:
		return "Older than quota period"
	case ExcludedCurrentItem:
		return "Item being evaluated"
	case ExcludedDeleted:
		return "Deleted by author"
	case ExcludedRemoved:
		return "Removed"
	case ExcludedAutoRemoved:
		return "Automatically removed"
	case ExcludedFloodingRemoved:
		return "Removed for exceeding quota"
	default:
		return string(r)
	}
}

// Outcome of classifying one item. Reason is empty when Included is true.
type QuotaResult struct {
	Included bool            `json:"included"`
	Reason   ExclusionReason `json:"reason,omitempty"`
}

func Included() QuotaResult {
	return QuotaResult{Included: true}
}

func Excluded(reason ExclusionReason) QuotaResult {
	return QuotaResult{Included: false, Reason: reason}
}

func (r QuotaResult) String() string {
	if r.Included {
		return "included"
	}
	return "excluded (" + string(r.Reason) + ")"
}

// removals actioned this quickly after creation are presumed automated
const autoRemovalWindow = 60 * time.Second

// Decides whether a single item counts toward the author's quota.
//
// Rules are evaluated in a fixed order and the first match wins. Action-time and identity lookups only happen once the cheap rules have been exhausted.
func (ev *Evaluator) ClassifyItem(ctx context.Context, item *platform.Item) (QuotaResult, error) {
	cfg := &ev.Config

	if ev.Current != nil && item.ID == ev.Current.ID {
		return Excluded(ExcludedCurrentItem), nil
	}

	if item.Created.Before(ev.Cutoff) {
		return Excluded(ExcludedAge), nil
	}

	if !cfg.IgnoresAnyRemovals() {
		return Included(), nil
	}

	if !item.HasRemovalMarker() {
		return Included(), nil
	}

	if item.IsRemovedNotDeleted() && cfg.IgnoreRemoved {
		return Excluded(ExcludedRemoved), nil
	}

	if item.RemovedBy != "" {
		self, err := ev.serviceAccountName(ctx)
		if err != nil {
			return QuotaResult{}, err
		}
		if item.RemovedBy == self {
			return Excluded(ExcludedFloodingRemoved), nil
		}
	}

	if item.IsDeletedByAuthor() && cfg.IgnoreDeleted {
		deleted, err := ev.deletedBeforeRemoval(ctx, item)
		if err != nil {
			return QuotaResult{}, err
		}
		if deleted {
			return Excluded(ExcludedDeleted), nil
		}
	}

	if cfg.IgnoreAutoRemoved {
		if item.RemovalCategory == platform.RemovalCategoryAutomodFiltered {
			return Excluded(ExcludedAutoRemoved), nil
		}
		if strings.EqualFold(item.RemovedBy, cfg.AutomatedAccount) {
			return Excluded(ExcludedAutoRemoved), nil
		}
		removed, ok, err := ev.eng.Actions.Get(ctx, actionstore.ActionRemove, item.ID)
		if err != nil {
			return QuotaResult{}, fmt.Errorf("reading remove time: %w", err)
		}
		if !ok {
			ev.logger.Warn("item has removal marker but no recorded remove time", "item", item.ID, "category", item.RemovalCategory)
		} else if removed.Sub(item.Created) < autoRemovalWindow {
			return Excluded(ExcludedAutoRemoved), nil
		}
	}

	return Included(), nil
}

// For an author-deleted item: true if it should be excluded as a deletion.
//
// That is the case when removed items are ignored anyway, when either action time is unknown, or when the removal came after the deletion. An item removed first and deleted later returns false, and continues on to the auto-removal rules.
func (ev *Evaluator) deletedBeforeRemoval(ctx context.Context, item *platform.Item) (bool, error) {
	if ev.Config.IgnoreRemoved {
		return true, nil
	}
	removed, ok, err := ev.eng.Actions.Get(ctx, actionstore.ActionRemove, item.ID)
	if err != nil {
		return false, fmt.Errorf("reading remove time: %w", err)
	}
	if !ok {
		return true, nil
	}
	deleted, ok, err := ev.eng.Actions.Get(ctx, actionstore.ActionDelete, item.ID)
	if err != nil {
		return false, fmt.Errorf("reading delete time: %w", err)
	}
	if !ok {
		return true, nil
	}
	return removed.After(deleted), nil
}
