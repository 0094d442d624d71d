package handlers

import (
	"context"
	"fmt"

	"github.com/bluesky-social/floodgate/flood/engine"
	"github.com/bluesky-social/floodgate/flood/platform"
	"github.com/bluesky-social/floodgate/flood/settings"
)

type Outcome string

const (
	OutcomeIgnored Outcome = "ignored"
	OutcomeWithin  Outcome = "within-quota"
	// over quota, but something else already removed the item
	OutcomeAlreadyRemoved Outcome = "already-removed"
	OutcomeRemoved        Outcome = "removed"
	// over quota, but the removal call failed
	OutcomeRemoveFailed Outcome = "remove-failed"
)

type EnforcementResult struct {
	Outcome  Outcome          `json:"outcome"`
	Decision *engine.Decision `json:"decision"`
}

// Evaluates a newly created item and removes it if the author is over quota.
//
// Config, lookup and evaluation errors are returned before anything is changed. Once the item is removed, the follow-up actions (note, comment, flair, lock) are best-effort and only logged on failure.
func (h *Handlers) OnItemCreated(ctx context.Context, evt CreateEvent) (*EnforcementResult, error) {
	if evt.AuthorID == "" || evt.ItemID == "" {
		return nil, fmt.Errorf("create event missing author (%q) or item (%q)", evt.AuthorID, evt.ItemID)
	}
	logger := h.Logger.With("author", evt.AuthorID, "item", evt.ItemID)

	cfg, err := h.Settings.Load(ctx)
	if err != nil {
		return nil, err
	}
	item, err := h.Platform.GetItemByID(ctx, evt.ItemID)
	if err != nil {
		return nil, fmt.Errorf("fetching created item: %w", err)
	}

	d, err := h.Engine.Evaluate(ctx, cfg, evt.AuthorID, item)
	if err != nil {
		return nil, err
	}
	if d.Ignored {
		logger.Info("author is in ignored group, skipping flood check")
		return &EnforcementResult{Outcome: OutcomeIgnored, Decision: d}, nil
	}
	if !d.ExceedsQuota {
		logger.Info("item does not exceed quota", "included", len(d.Included))
		return &EnforcementResult{Outcome: OutcomeWithin, Decision: d}, nil
	}
	logger.Info("item exceeds quota, removing", "included", len(d.Included), "nextOpportunity", d.NextOpportunity)

	// the item may have been actioned while we were evaluating it
	current, err := h.Platform.GetItemByID(ctx, evt.ItemID)
	if err != nil {
		return nil, fmt.Errorf("re-fetching created item: %w", err)
	}
	if alreadyRemoved(current) {
		logger.Info("item was already removed by something else, skipping removal", "category", current.RemovalCategory)
		return &EnforcementResult{Outcome: OutcomeAlreadyRemoved, Decision: d}, nil
	}

	if err := h.Platform.RemoveItem(ctx, evt.ItemID); err != nil {
		enforcementErrors.WithLabelValues("remove").Inc()
		logger.Error("failed to remove item", "err", err)
		return &EnforcementResult{Outcome: OutcomeRemoveFailed, Decision: d}, nil
	}
	enforcementRemovals.Inc()

	h.applyRemovalSettings(ctx, cfg, evt.ItemID)
	return &EnforcementResult{Outcome: OutcomeRemoved, Decision: d}, nil
}

func alreadyRemoved(item *platform.Item) bool {
	if item.Removed || item.Spam {
		return true
	}
	return item.RemovalCategory != "" && item.RemovalCategory != platform.RemovalCategoryAutomodFiltered
}

func (h *Handlers) applyRemovalSettings(ctx context.Context, cfg *settings.Config, itemID string) {
	logger := h.Logger.With("item", itemID)
	r := cfg.Removal

	if r.ReasonID != "" {
		if err := h.Platform.AddRemovalNote(ctx, itemID, r.ReasonID, removalNote); err != nil {
			enforcementErrors.WithLabelValues("note").Inc()
			logger.Error("failed to add removal note", "err", err)
		}
	}
	if r.Comment != "" {
		if err := h.Platform.ReplyToItem(ctx, itemID, r.Comment); err != nil {
			enforcementErrors.WithLabelValues("reply").Inc()
			logger.Error("failed to add removal comment", "err", err)
		}
	}
	if r.Flair != nil {
		if err := h.Platform.SetItemFlair(ctx, itemID, *r.Flair); err != nil {
			enforcementErrors.WithLabelValues("flair").Inc()
			logger.Error("failed to set removal flair", "err", err)
		}
	}
	if r.Lock {
		if err := h.Platform.LockItem(ctx, itemID); err != nil {
			enforcementErrors.WithLabelValues("lock").Inc()
			logger.Error("failed to lock item", "err", err)
		}
	}
}
