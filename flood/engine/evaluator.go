package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bluesky-social/floodgate/flood/platform"
	"github.com/bluesky-social/floodgate/flood/settings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// a current item this far behind "now" means event delivery is lagging
var backlogWarnThreshold = 5 * time.Minute

// Evaluation session for a single quota decision.
//
// Now and Cutoff are fixed when the session is created. Results are memoized for the lifetime of the session (when UseCached is set), so a new Evaluator must be created for every decision.
type Evaluator struct {
	Config   settings.Config
	AuthorID string
	// item being decided on; may be nil (eg, for a quota report)
	Current   *platform.Item
	Now       time.Time
	Cutoff    time.Time
	UseCached bool

	eng    *Engine
	logger *slog.Logger

	// held for the whole included-items computation
	includedMu  sync.Mutex
	included    []platform.Item
	hasIncluded bool

	mu             sync.Mutex
	serviceAccount string
	classified     []ClassifiedItem
}

// A fetched item and how it was classified.
type ClassifiedItem struct {
	Item   platform.Item
	Result QuotaResult
}

func (eng *Engine) NewEvaluator(cfg settings.Config, authorID string, current *platform.Item) *Evaluator {
	now := eng.now()
	ev := &Evaluator{
		Config:    cfg,
		AuthorID:  authorID,
		Current:   current,
		Now:       now,
		Cutoff:    now.Add(-cfg.Period()),
		UseCached: true,
		eng:       eng,
		logger:    eng.Logger.With("author", authorID),
	}
	if current != nil && now.Sub(current.Created) > backlogWarnThreshold {
		ev.logger.Warn("current item is much older than evaluation time, event delivery may be backlogged", "item", current.ID, "createdAt", current.Created, "now", now)
	}
	return ev
}

// True if the author is in any privileged group the config ignores. Lookups run concurrently; any failure fails the whole check.
func (ev *Evaluator) IsIgnoredUser(ctx context.Context) (bool, error) {
	if !ev.Config.IgnoreModerators && !ev.Config.IgnoreContributors {
		return false, nil
	}

	var isMod, isContrib bool
	g, gctx := errgroup.WithContext(ctx)
	if ev.Config.IgnoreModerators {
		g.Go(func() error {
			v, err := ev.eng.Membership.IsModerator(gctx, ev.AuthorID)
			if err != nil {
				return fmt.Errorf("checking moderator status: %w", err)
			}
			isMod = v
			return nil
		})
	}
	if ev.Config.IgnoreContributors {
		g.Go(func() error {
			v, err := ev.eng.Membership.IsContributor(gctx, ev.AuthorID)
			if err != nil {
				return fmt.Errorf("checking contributor status: %w", err)
			}
			isContrib = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return isMod || isContrib, nil
}

func (ev *Evaluator) serviceAccountName(ctx context.Context) (string, error) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.UseCached && ev.serviceAccount != "" {
		return ev.serviceAccount, nil
	}
	name, err := ev.eng.Identity.ServiceAccountName(ctx)
	if err != nil {
		return "", fmt.Errorf("fetching service account: %w", err)
	}
	ev.serviceAccount = name
	return name, nil
}

// Returns the author's items which count toward the quota, newest first.
//
// Expired entries for the author are evicted first. Every tracked item is then fetched and classified concurrently.
func (ev *Evaluator) IncludedItems(ctx context.Context) ([]platform.Item, error) {
	ev.includedMu.Lock()
	defer ev.includedMu.Unlock()

	if ev.UseCached && ev.hasIncluded {
		return ev.included, nil
	}

	ctx, span := otel.Tracer("engine").Start(ctx, "IncludedItems")
	defer span.End()
	span.SetAttributes(attribute.String("author", ev.AuthorID))

	// the age rule also covers anything missed here, so failure is not fatal
	if n, err := ev.eng.Posts.EvictOlderThan(ctx, ev.AuthorID, ev.Cutoff); err != nil {
		ev.logger.Warn("failed to evict expired items", "err", err)
	} else if n > 0 {
		ev.logger.Debug("evicted expired items", "count", n, "cutoff", ev.Cutoff)
	}

	tracked, err := ev.eng.Posts.ItemsByAuthor(ctx, ev.AuthorID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("reading tracked items: %w", err)
	}
	ids := make([]string, 0, len(tracked))
	for id := range tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	span.SetAttributes(attribute.Int("tracked", len(ids)))

	items := make([]*platform.Item, len(ids))
	results := make([]QuotaResult, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ev.eng.fetchConcurrency())
	for i, id := range ids {
		g.Go(func() error {
			item, err := ev.fetchItem(gctx, id, tracked[id])
			if err != nil {
				return err
			}
			if item == nil {
				return nil
			}
			res, err := ev.ClassifyItem(gctx, item)
			if err != nil {
				return fmt.Errorf("classifying item %s: %w", id, err)
			}
			items[i] = item
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	classified := make([]ClassifiedItem, 0, len(ids))
	included := []platform.Item{}
	for i, item := range items {
		if item == nil {
			continue
		}
		classified = append(classified, ClassifiedItem{Item: *item, Result: results[i]})
		if results[i].Included {
			included = append(included, *item)
		} else {
			itemsExcluded.WithLabelValues(string(results[i].Reason)).Inc()
		}
	}
	sort.SliceStable(included, func(i, j int) bool {
		return included[i].Created.After(included[j].Created)
	})
	sort.SliceStable(classified, func(i, j int) bool {
		return classified[i].Item.Created.After(classified[j].Item.Created)
	})

	ev.mu.Lock()
	ev.classified = classified
	ev.mu.Unlock()

	ev.logger.Debug("classified tracked items", "tracked", len(ids), "included", len(included))
	ev.included = included
	ev.hasIncluded = true
	return included, nil
}

// Fetches a tracked item. Returns nil (and no error) for items the platform no longer knows about; those are untracked.
func (ev *Evaluator) fetchItem(ctx context.Context, itemID string, trackedAt time.Time) (*platform.Item, error) {
	if ev.Current != nil && itemID == ev.Current.ID {
		c := *ev.Current
		return &c, nil
	}
	item, err := ev.eng.Items.GetItemByID(ctx, itemID)
	if errors.Is(err, platform.ErrItemNotFound) {
		ev.logger.Warn("tracked item not found on platform, untracking", "item", itemID)
		if err := ev.eng.Posts.Untrack(ctx, ev.AuthorID, itemID); err != nil {
			ev.logger.Warn("failed to untrack missing item", "item", itemID, "err", err)
		}
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("fetching item %s: %w", itemID, err)
	}
	if item.Created.IsZero() {
		item.Created = trackedAt
	}
	return item, nil
}

func (ev *Evaluator) ExceedsQuota(ctx context.Context) (bool, error) {
	included, err := ev.IncludedItems(ctx)
	if err != nil {
		return false, err
	}
	return len(included) >= ev.Config.QuotaAmount, nil
}

// Earliest time the author could submit without exceeding the quota. This is Now when the quota isn't exceeded; otherwise the moment the quotaAmount-th newest included item ages out of the window.
func (ev *Evaluator) NextPostOpportunity(ctx context.Context) (time.Time, error) {
	exceeds, err := ev.ExceedsQuota(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if !exceeds {
		return ev.Now, nil
	}
	included, err := ev.IncludedItems(ctx)
	if err != nil {
		return time.Time{}, err
	}
	freeSpotIndex := ev.Config.QuotaAmount - 1
	if freeSpotIndex < 0 || freeSpotIndex >= len(included) {
		ev.logger.Warn("quota exceeded but included items list is too short", "included", len(included), "quotaAmount", ev.Config.QuotaAmount)
		return ev.Now, nil
	}
	return included[freeSpotIndex].Created.Add(ev.Config.Period()), nil
}

func (ev *Evaluator) OldestIncludedItem(ctx context.Context) (*platform.Item, error) {
	included, err := ev.IncludedItems(ctx)
	if err != nil {
		return nil, err
	}
	if len(included) == 0 {
		return nil, nil
	}
	return &included[len(included)-1], nil
}

func (ev *Evaluator) NewestIncludedItem(ctx context.Context) (*platform.Item, error) {
	included, err := ev.IncludedItems(ctx)
	if err != nil {
		return nil, err
	}
	if len(included) == 0 {
		return nil, nil
	}
	return &included[0], nil
}

// Results of the most recent IncludedItems computation, keyed by item ID. Empty until IncludedItems has run.
func (ev *Evaluator) Classifications() map[string]QuotaResult {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	out := make(map[string]QuotaResult, len(ev.classified))
	for _, c := range ev.classified {
		out[c.Item.ID] = c.Result
	}
	return out
}

// Every tracked item seen by the most recent IncludedItems computation, newest first.
func (ev *Evaluator) ClassifiedItems() []ClassifiedItem {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	out := make([]ClassifiedItem, len(ev.classified))
	copy(out, ev.classified)
	return out
}
