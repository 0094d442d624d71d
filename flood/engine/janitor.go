package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bluesky-social/floodgate/flood/settings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var defaultJanitorConcurrency = 8

// Summary of one janitor sweep.
type SweepReport struct {
	Cutoff         time.Time `json:"cutoff"`
	Authors        int       `json:"authors"`
	PostsEvicted   int       `json:"postsEvicted"`
	ActionsEvicted int       `json:"actionsEvicted"`
	AuthorErrors   int       `json:"authorErrors"`
}

func (eng *Engine) janitorConcurrency() int {
	if eng.JanitorConcurrency > 0 {
		return eng.JanitorConcurrency
	}
	return defaultJanitorConcurrency
}

// Evicts tracked items and action times older than maxAgeHours.
//
// The cutoff is a single global bound, not any one author's setting. Each author is evicted independently: a failure is logged and counted, and does not stop the sweep. The action-time sweep runs in parallel with the author sweep. An invalid maxAgeHours falls back to the maximum quota period.
//
// A non-nil error means listing authors or the action sweep failed; the report is returned either way.
func (eng *Engine) RunJanitorSweep(ctx context.Context, maxAgeHours float64) (*SweepReport, error) {
	if maxAgeHours <= 0 || maxAgeHours > settings.MaxQuotaPeriodHours {
		eng.Logger.Warn("invalid janitor max age, using maximum quota period", "maxAgeHours", maxAgeHours)
		maxAgeHours = settings.MaxQuotaPeriodHours
	}

	ctx, span := otel.Tracer("engine").Start(ctx, "RunJanitorSweep")
	defer span.End()

	cutoff := eng.now().Add(-time.Duration(maxAgeHours * float64(time.Hour)))
	span.SetAttributes(attribute.String("cutoff", cutoff.Format(time.RFC3339)))
	logger := eng.Logger.With("cutoff", cutoff)
	logger.Info("starting janitor sweep")

	report := SweepReport{Cutoff: cutoff}
	var postsEvicted, authorErrors atomic.Int64

	// not WithContext: a failed action sweep must not cancel author evictions
	var g errgroup.Group
	g.Go(func() error {
		n, err := eng.Actions.EvictOlderThan(ctx, cutoff)
		if err != nil {
			logger.Error("failed to evict expired action times", "err", err)
			return fmt.Errorf("evicting action times: %w", err)
		}
		report.ActionsEvicted = n
		janitorEvicted.WithLabelValues("actions").Add(float64(n))
		return nil
	})
	g.Go(func() error {
		authors, err := eng.Posts.ListTrackedAuthors(ctx)
		if err != nil {
			logger.Error("failed to list tracked authors", "err", err)
			return fmt.Errorf("listing tracked authors: %w", err)
		}
		report.Authors = len(authors)

		var pool errgroup.Group
		pool.SetLimit(eng.janitorConcurrency())
		for _, authorID := range authors {
			pool.Go(func() error {
				n, err := eng.evictAuthor(ctx, authorID, cutoff)
				if err != nil {
					authorErrors.Add(1)
					janitorAuthorErrors.Inc()
					logger.Error("failed to evict expired items for author", "author", authorID, "err", err)
					return nil
				}
				postsEvicted.Add(int64(n))
				return nil
			})
		}
		return pool.Wait()
	})
	err := g.Wait()

	report.PostsEvicted = int(postsEvicted.Load())
	report.AuthorErrors = int(authorErrors.Load())
	janitorEvicted.WithLabelValues("posts").Add(float64(report.PostsEvicted))
	span.SetAttributes(
		attribute.Int("authors", report.Authors),
		attribute.Int("postsEvicted", report.PostsEvicted),
		attribute.Int("actionsEvicted", report.ActionsEvicted),
	)
	if err != nil {
		span.RecordError(err)
	}
	logger.Info("janitor sweep complete", "authors", report.Authors, "postsEvicted", report.PostsEvicted, "actionsEvicted", report.ActionsEvicted, "authorErrors", report.AuthorErrors)
	return &report, err
}

func (eng *Engine) evictAuthor(ctx context.Context, authorID string, cutoff time.Time) (n int, err error) {
	// a misbehaving store shouldn't take down the rest of the sweep
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic evicting author: %v", r)
		}
	}()
	return eng.Posts.EvictOlderThan(ctx, authorID, cutoff)
}

// Runs a janitor sweep every interval until the context is cancelled. maxAgeHours is called before each sweep, so a settings change applies to the next one.
func (eng *Engine) RunJanitor(ctx context.Context, interval time.Duration, maxAgeHours func(context.Context) float64) error {
	if interval <= 0 {
		return errors.New("janitor interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			eng.Logger.Info("janitor shutting down")
			return nil
		case <-ticker.C:
			if _, err := eng.RunJanitorSweep(ctx, maxAgeHours(ctx)); err != nil {
				eng.Logger.Error("janitor sweep failed", "err", err)
			}
		}
	}
}
