package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/floodgate/flood/actionstore"
	"github.com/bluesky-social/floodgate/flood/engine"
	"github.com/bluesky-social/floodgate/flood/platform"
	"github.com/bluesky-social/floodgate/flood/settings"
)

// note attached to quota removals
const removalNote = "Quota Exceeded"

// Moderation actions which are tracked as removal times, or which clear them.
const (
	ModActionRemoveLink  = "removelink"
	ModActionSpamLink    = "spamlink"
	ModActionApproveLink = "approvelink"
)

// Who caused an item deletion event.
const (
	DeleteSourceUser      = "user"
	DeleteSourceModerator = "moderator"
	DeleteSourceAdmin     = "admin"
)

// Glue between platform events and the quota engine.
type Handlers struct {
	Logger   *slog.Logger
	Engine   *engine.Engine
	Platform platform.Platform
	Settings settings.Source
}

func NewHandlers(eng *engine.Engine, p platform.Platform, src settings.Source) *Handlers {
	return &Handlers{
		Logger:   slog.Default(),
		Engine:   eng,
		Platform: p,
		Settings: src,
	}
}

type SubmitEvent struct {
	AuthorID  string    `json:"authorId"`
	ItemID    string    `json:"itemId"`
	CreatedAt time.Time `json:"createdAt"`
}

type CreateEvent struct {
	AuthorID string `json:"authorId"`
	ItemID   string `json:"itemId"`
}

type ModActionEvent struct {
	Action     string    `json:"action"`
	ItemID     string    `json:"itemId"`
	ActionedAt time.Time `json:"actionedAt"`
}

type DeleteEvent struct {
	ItemID    string    `json:"itemId"`
	Source    string    `json:"source"`
	DeletedAt time.Time `json:"deletedAt"`
}

// Tracks a newly submitted item. Tracking is best-effort: store failures are logged, not returned.
func (h *Handlers) OnItemSubmitted(ctx context.Context, evt SubmitEvent) error {
	if evt.AuthorID == "" || evt.ItemID == "" || evt.CreatedAt.IsZero() {
		return fmt.Errorf("submit event missing author (%q), item (%q) or creation time", evt.AuthorID, evt.ItemID)
	}
	if err := h.Engine.RecordSubmission(ctx, evt.AuthorID, evt.ItemID, evt.CreatedAt); err != nil {
		trackingErrors.WithLabelValues("submit").Inc()
		h.Logger.Error("failed to track submission", "author", evt.AuthorID, "item", evt.ItemID, "err", err)
	}
	return nil
}

// Records removal times for link removals, and clears them on approval. Other actions are ignored.
func (h *Handlers) OnModAction(ctx context.Context, evt ModActionEvent) error {
	switch evt.Action {
	case ModActionRemoveLink, ModActionSpamLink, ModActionApproveLink:
	default:
		return nil
	}
	if evt.ItemID == "" || evt.ActionedAt.IsZero() {
		h.Logger.Error("mod action event missing item or action time", "action", evt.Action, "item", evt.ItemID)
		return nil
	}

	h.Logger.Info("processing mod action", "action", evt.Action, "item", evt.ItemID)
	var err error
	if evt.Action == ModActionApproveLink {
		err = h.Engine.ClearModerationAction(ctx, actionstore.ActionRemove, evt.ItemID)
	} else {
		err = h.Engine.RecordModerationAction(ctx, actionstore.ActionRemove, evt.ItemID, evt.ActionedAt)
	}
	if err != nil {
		trackingErrors.WithLabelValues("modaction").Inc()
		h.Logger.Error("failed to track mod action", "action", evt.Action, "item", evt.ItemID, "err", err)
	}
	return nil
}

// Records deletion times. Delete events are also emitted for moderator and admin removals; only deletions by the author are tracked.
func (h *Handlers) OnItemDelete(ctx context.Context, evt DeleteEvent) error {
	if evt.Source != DeleteSourceUser {
		return nil
	}
	if evt.ItemID == "" || evt.DeletedAt.IsZero() {
		h.Logger.Error("delete event missing item or deletion time", "item", evt.ItemID)
		return nil
	}
	h.Logger.Info("processing user deletion", "item", evt.ItemID)
	if err := h.Engine.RecordModerationAction(ctx, actionstore.ActionDelete, evt.ItemID, evt.DeletedAt); err != nil {
		trackingErrors.WithLabelValues("delete").Inc()
		h.Logger.Error("failed to track deletion", "item", evt.ItemID, "err", err)
	}
	return nil
}
