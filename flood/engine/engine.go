package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/floodgate/flood/actionstore"
	"github.com/bluesky-social/floodgate/flood/platform"
	"github.com/bluesky-social/floodgate/flood/poststore"
	"github.com/bluesky-social/floodgate/flood/settings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var defaultFetchConcurrency = 16

// Runtime for tracking submissions and moderation actions, and deciding whether authors are over quota.
//
// The stores are the source of truth; the engine itself holds no per-author state between calls.
type Engine struct {
	Logger     *slog.Logger
	Posts      poststore.PostStore
	Actions    actionstore.ActionStore
	Membership platform.Membership
	Items      platform.ItemFetcher
	Identity   platform.Identity
	// clock override, for tests (optional)
	Now func() time.Time
	// max concurrent item fetches per evaluation (optional)
	FetchConcurrency int
	// max concurrent author evictions per janitor sweep (optional)
	JanitorConcurrency int
}

// Outcome of one quota evaluation.
type Decision struct {
	AuthorID string `json:"authorId"`
	// author is in an ignored group; nothing else was evaluated
	Ignored      bool                   `json:"ignored"`
	ExceedsQuota bool                   `json:"exceedsQuota"`
	Results      map[string]QuotaResult `json:"results"`
	// counted items, newest first
	Included        []platform.Item `json:"included"`
	NextOpportunity time.Time       `json:"nextOpportunity"`
	EvaluatedAt     time.Time       `json:"evaluatedAt"`
}

func (eng *Engine) now() time.Time {
	if eng.Now != nil {
		return eng.Now().UTC()
	}
	return time.Now().UTC()
}

func (eng *Engine) fetchConcurrency() int {
	if eng.FetchConcurrency > 0 {
		return eng.FetchConcurrency
	}
	return defaultFetchConcurrency
}

func (eng *Engine) RecordSubmission(ctx context.Context, authorID, itemID string, createdAt time.Time) error {
	if authorID == "" || itemID == "" {
		return fmt.Errorf("submission missing author or item ID")
	}
	return eng.Posts.Track(ctx, authorID, itemID, createdAt)
}

func (eng *Engine) UntrackSubmission(ctx context.Context, authorID, itemID string) error {
	return eng.Posts.Untrack(ctx, authorID, itemID)
}

func (eng *Engine) RecordModerationAction(ctx context.Context, kind actionstore.ActionKind, itemID string, actionedAt time.Time) error {
	if itemID == "" {
		return fmt.Errorf("moderation action missing item ID")
	}
	return eng.Actions.Record(ctx, kind, itemID, actionedAt)
}

func (eng *Engine) ClearModerationAction(ctx context.Context, kind actionstore.ActionKind, itemID string) error {
	return eng.Actions.Clear(ctx, kind, itemID)
}

// Decides whether currentItem (which may be nil) puts the author over quota.
//
// The config is validated before anything is read or written. Lookup and store read failures are returned; there is no partial decision.
func (eng *Engine) Evaluate(ctx context.Context, cfg *settings.Config, authorID string, currentItem *platform.Item) (*Decision, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("engine").Start(ctx, "Evaluate", trace.WithAttributes(
		attribute.String("author", authorID),
		attribute.Bool("hasCurrentItem", currentItem != nil),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		evaluationDuration.Observe(time.Since(start).Seconds())
	}()

	ev := eng.NewEvaluator(*cfg, authorID, currentItem)
	decision, err := ev.decide(ctx)
	if err != nil {
		evaluationCount.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}
	switch {
	case decision.Ignored:
		evaluationCount.WithLabelValues("ignored").Inc()
	case decision.ExceedsQuota:
		evaluationCount.WithLabelValues("exceeded").Inc()
	default:
		evaluationCount.WithLabelValues("within").Inc()
	}
	span.SetAttributes(attribute.Bool("exceeds", decision.ExceedsQuota), attribute.Int("included", len(decision.Included)))
	return decision, nil
}

func (ev *Evaluator) decide(ctx context.Context) (*Decision, error) {
	d := Decision{
		AuthorID:        ev.AuthorID,
		Results:         map[string]QuotaResult{},
		Included:        []platform.Item{},
		NextOpportunity: ev.Now,
		EvaluatedAt:     ev.Now,
	}

	ignored, err := ev.IsIgnoredUser(ctx)
	if err != nil {
		return nil, err
	}
	if ignored {
		ev.logger.Info("author is in an ignored group, skipping quota evaluation")
		d.Ignored = true
		return &d, nil
	}

	included, err := ev.IncludedItems(ctx)
	if err != nil {
		return nil, err
	}
	exceeds, err := ev.ExceedsQuota(ctx)
	if err != nil {
		return nil, err
	}
	next, err := ev.NextPostOpportunity(ctx)
	if err != nil {
		return nil, err
	}
	d.Included = included
	d.ExceedsQuota = exceeds
	d.NextOpportunity = next
	d.Results = ev.Classifications()
	return &d, nil
}
