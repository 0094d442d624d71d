package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bluesky-social/floodgate/flood/actionstore"
	"github.com/bluesky-social/floodgate/flood/platform"
	"github.com/bluesky-social/floodgate/flood/settings"

	"github.com/stretchr/testify/assert"
)

var t0 = FixtureNow

func upItem(id string, created time.Time) platform.Item {
	return platform.Item{ID: id, AuthorID: "author1", Created: created}
}

func TestNextOpportunityIndexArithmetic(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	MustTrackItem(t, &eng, upItem("t3_a", t0))
	MustTrackItem(t, &eng, upItem("t3_b", t0.Add(-1*time.Hour)))
	MustTrackItem(t, &eng, upItem("t3_c", t0.Add(-3*time.Hour)))

	cfg := settings.DefaultConfig()
	cfg.QuotaAmount = 2
	cfg.QuotaPeriodHours = 24

	d, err := eng.Evaluate(ctx, &cfg, "author1", nil)
	assert.NoError(err)
	assert.False(d.Ignored)
	assert.True(d.ExceedsQuota)
	assert.Equal(3, len(d.Included))
	// newest first
	assert.Equal("t3_a", d.Included[0].ID)
	assert.Equal("t3_b", d.Included[1].ID)
	assert.Equal("t3_c", d.Included[2].ID)
	// index 1 (the 2nd newest) is the one whose expiry frees a slot
	assert.True(t0.Add(-1 * time.Hour).Add(24 * time.Hour).Equal(d.NextOpportunity))
}

func TestNextOpportunityLongerList(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	for i, id := range []string{"t3_1", "t3_2", "t3_3", "t3_4", "t3_5"} {
		MustTrackItem(t, &eng, upItem(id, t0.Add(-time.Duration(i)*time.Hour)))
	}

	cfg := settings.DefaultConfig()
	cfg.QuotaAmount = 3
	ev := eng.NewEvaluator(cfg, "author1", nil)

	exceeds, err := ev.ExceedsQuota(ctx)
	assert.NoError(err)
	assert.True(exceeds)
	next, err := ev.NextPostOpportunity(ctx)
	assert.NoError(err)
	// 3rd newest was created 2h ago
	assert.True(t0.Add(22 * time.Hour).Equal(next))

	newest, err := ev.NewestIncludedItem(ctx)
	assert.NoError(err)
	assert.Equal("t3_1", newest.ID)
	oldest, err := ev.OldestIncludedItem(ctx)
	assert.NoError(err)
	assert.Equal("t3_5", oldest.ID)
}

func TestWithinQuota(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	cfg := settings.DefaultConfig()

	// nothing tracked at all
	d, err := eng.Evaluate(ctx, &cfg, "author1", nil)
	assert.NoError(err)
	assert.False(d.ExceedsQuota)
	assert.Empty(d.Included)
	assert.True(t0.Equal(d.NextOpportunity))

	MustTrackItem(t, &eng, upItem("t3_a", t0.Add(-1*time.Hour)))
	MustTrackItem(t, &eng, upItem("t3_b", t0.Add(-2*time.Hour)))

	ev := eng.NewEvaluator(cfg, "author1", nil)
	exceeds, err := ev.ExceedsQuota(ctx)
	assert.NoError(err)
	assert.False(exceeds)
	next, err := ev.NextPostOpportunity(ctx)
	assert.NoError(err)
	assert.True(ev.Now.Equal(next))

	// exactly at the quota amount counts as exceeding
	MustTrackItem(t, &eng, upItem("t3_c", t0.Add(-3*time.Hour)))
	MustTrackItem(t, &eng, upItem("t3_d", t0.Add(-4*time.Hour)))
	d, err = eng.Evaluate(ctx, &cfg, "author1", nil)
	assert.NoError(err)
	assert.True(d.ExceedsQuota)
	assert.True(d.NextOpportunity.After(d.EvaluatedAt))
	assert.True(t0.Add(20 * time.Hour).Equal(d.NextOpportunity))
}

func TestCurrentItemExcluded(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()
	mp := MockFromEngine(&eng)

	current := upItem("t3_current", t0)
	MustTrackItem(t, &eng, current)
	MustTrackItem(t, &eng, upItem("t3_prev", t0.Add(-time.Hour)))
	// the current item is never fetched
	mp.FetchErrors["t3_current"] = errors.New("should not be fetched")

	cfg := settings.DefaultConfig()
	cfg.QuotaAmount = 1
	d, err := eng.Evaluate(ctx, &cfg, "author1", &current)
	assert.NoError(err)
	assert.Equal(Excluded(ExcludedCurrentItem), d.Results["t3_current"])
	assert.Equal(Included(), d.Results["t3_prev"])
	assert.True(d.ExceedsQuota)
	assert.Equal(1, len(d.Included))
	assert.True(t0.Add(23 * time.Hour).Equal(d.NextOpportunity))

	// excluded even when it would otherwise count, and regardless of config
	ev := eng.NewEvaluator(cfg, "author1", &current)
	res, err := ev.ClassifyItem(ctx, &current)
	assert.NoError(err)
	assert.Equal(Excluded(ExcludedCurrentItem), res)
}

func TestAgeExclusionAndEviction(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	old := upItem("t3_old", t0.Add(-25*time.Hour))
	old.RemovalCategory = "moderator"
	old.Removed = true
	MustTrackItem(t, &eng, old)
	MustTrackItem(t, &eng, upItem("t3_new", t0.Add(-time.Hour)))

	cfg := settings.DefaultConfig()
	cfg.IgnoreRemoved = true
	cfg.IgnoreDeleted = true
	ev := eng.NewEvaluator(cfg, "author1", nil)

	res, err := ev.ClassifyItem(ctx, &old)
	assert.NoError(err)
	assert.Equal(Excluded(ExcludedAge), res)

	included, err := ev.IncludedItems(ctx)
	assert.NoError(err)
	assert.Equal(1, len(included))

	// evaluating evicted the expired entry
	items, err := eng.Posts.ItemsByAuthor(ctx, "author1")
	assert.NoError(err)
	assert.NotContains(items, "t3_old")
	assert.Contains(items, "t3_new")
}

func TestClassifyPrecedence(t *testing.T) {
	ctx := context.Background()

	removedAt := func(created time.Time, d time.Duration) time.Time { return created.Add(d) }
	created := t0.Add(-2 * time.Hour)

	fixtures := []struct {
		name   string
		item   platform.Item
		remove *time.Time
		delete *time.Time
		cfg    func(c *settings.Config)
		expect QuotaResult
	}{
		{
			name:   "no ignore flags is a fast path",
			item:   platform.Item{ID: "t3_x", Created: created, RemovalCategory: "moderator", RemovedBy: "AutoModerator", Removed: true},
			cfg:    func(c *settings.Config) { c.IgnoreAutoRemoved = false },
			expect: Included(),
		},
		{
			name:   "item which is up",
			item:   platform.Item{ID: "t3_x", Created: created},
			cfg:    func(c *settings.Config) { c.IgnoreRemoved = true; c.IgnoreDeleted = true },
			expect: Included(),
		},
		{
			name:   "removed with ignoreRemoved",
			item:   platform.Item{ID: "t3_x", Created: created, RemovalCategory: "moderator", RemovedBy: "floodgate-bot", Removed: true},
			cfg:    func(c *settings.Config) { c.IgnoreRemoved = true },
			expect: Excluded(ExcludedRemoved),
		},
		{
			name:   "removed flag only with ignoreRemoved",
			item:   platform.Item{ID: "t3_x", Created: created, Removed: true},
			cfg:    func(c *settings.Config) { c.IgnoreRemoved = true; c.IgnoreDeleted = true },
			expect: Excluded(ExcludedRemoved),
		},
		{
			name:   "spam flag only with ignoreRemoved",
			item:   platform.Item{ID: "t3_x", Created: created, Spam: true},
			cfg:    func(c *settings.Config) { c.IgnoreRemoved = true; c.IgnoreDeleted = true },
			expect: Excluded(ExcludedRemoved),
		},
		{
			name:   "deleted flag only with ignoreRemoved too",
			item:   platform.Item{ID: "t3_x", Created: created, Deleted: true},
			cfg:    func(c *settings.Config) { c.IgnoreRemoved = true; c.IgnoreDeleted = true },
			expect: Excluded(ExcludedDeleted),
		},
		{
			name:   "deleted flag only with no action times",
			item:   platform.Item{ID: "t3_x", Created: created, Deleted: true},
			cfg:    func(c *settings.Config) { c.IgnoreDeleted = true; c.IgnoreAutoRemoved = false },
			expect: Excluded(ExcludedDeleted),
		},
		{
			name:   "removed by this service",
			item:   platform.Item{ID: "t3_x", Created: created, RemovalCategory: "moderator", RemovedBy: "floodgate-bot", Removed: true},
			cfg:    func(c *settings.Config) {},
			expect: Excluded(ExcludedFloodingRemoved),
		},
		{
			name:   "deleted with ignoreRemoved too",
			item:   platform.Item{ID: "t3_x", Created: created, RemovalCategory: platform.RemovalCategoryDeleted, Deleted: true},
			cfg:    func(c *settings.Config) { c.IgnoreDeleted = true; c.IgnoreRemoved = true },
			expect: Excluded(ExcludedDeleted),
		},
		{
			name:   "deleted with no action times",
			item:   platform.Item{ID: "t3_x", Created: created, RemovalCategory: platform.RemovalCategoryDeleted, Deleted: true},
			cfg:    func(c *settings.Config) { c.IgnoreDeleted = true; c.IgnoreAutoRemoved = false },
			expect: Excluded(ExcludedDeleted),
		},
		{
			name:   "deleted with only a remove time",
			item:   platform.Item{ID: "t3_x", Created: created, RemovalCategory: platform.RemovalCategoryDeleted, Deleted: true},
			remove: ptr(removedAt(created, time.Hour)),
			cfg:    func(c *settings.Config) { c.IgnoreDeleted = true; c.IgnoreAutoRemoved = false },
			expect: Excluded(ExcludedDeleted),
		},
		{
			name:   "deleted then removed",
			item:   platform.Item{ID: "t3_x", Created: created, RemovalCategory: platform.RemovalCategoryDeleted, Deleted: true},
			remove: ptr(removedAt(created, time.Hour)),
			delete: ptr(removedAt(created, 30*time.Minute)),
			cfg:    func(c *settings.Config) { c.IgnoreDeleted = true; c.IgnoreAutoRemoved = false },
			expect: Excluded(ExcludedDeleted),
		},
		{
			name:   "removed then deleted falls through",
			item:   platform.Item{ID: "t3_x", Created: created, RemovalCategory: platform.RemovalCategoryDeleted, Deleted: true},
			remove: ptr(removedAt(created, time.Hour)),
			delete: ptr(removedAt(created, time.Hour+5*time.Minute)),
			cfg:    func(c *settings.Config) { c.IgnoreDeleted = true; c.IgnoreAutoRemoved = false },
			expect: Included(),
		},
		{
			name:   "removed quickly then deleted",
			item:   platform.Item{ID: "t3_x", Created: created, RemovalCategory: platform.RemovalCategoryDeleted, Deleted: true},
			remove: ptr(removedAt(created, 10*time.Second)),
			delete: ptr(removedAt(created, 5*time.Minute)),
			cfg:    func(c *settings.Config) { c.IgnoreDeleted = true },
			expect: Excluded(ExcludedAutoRemoved),
		},
		{
			name:   "filtered",
			item:   platform.Item{ID: "t3_x", Created: created, RemovalCategory: platform.RemovalCategoryAutomodFiltered, Removed: true},
			cfg:    func(c *settings.Config) {},
			expect: Excluded(ExcludedAutoRemoved),
		},
		{
			name:   "removed by the automated account",
			item:   platform.Item{ID: "t3_x", Created: created, RemovalCategory: "moderator", RemovedBy: "automoderator", Removed: true},
			cfg:    func(c *settings.Config) {},
			expect: Excluded(ExcludedAutoRemoved),
		},
		{
			name:   "removed by a human within a minute",
			item:   platform.Item{ID: "t3_x", Created: created, RemovalCategory: "moderator", RemovedBy: "mod1", Removed: true},
			remove: ptr(removedAt(created, 59*time.Second)),
			cfg:    func(c *settings.Config) {},
			expect: Excluded(ExcludedAutoRemoved),
		},
		{
			name:   "removed by a human after a minute",
			item:   platform.Item{ID: "t3_x", Created: created, RemovalCategory: "moderator", RemovedBy: "mod1", Removed: true},
			remove: ptr(removedAt(created, 60*time.Second)),
			cfg:    func(c *settings.Config) {},
			expect: Included(),
		},
		{
			name:   "removed with no recorded remove time",
			item:   platform.Item{ID: "t3_x", Created: created, RemovalCategory: "moderator", RemovedBy: "mod1", Removed: true},
			cfg:    func(c *settings.Config) {},
			expect: Included(),
		},
	}

	for _, f := range fixtures {
		t.Run(f.name, func(t *testing.T) {
			assert := assert.New(t)
			eng := EngineTestFixture()
			if f.remove != nil {
				assert.NoError(eng.RecordModerationAction(ctx, actionstore.ActionRemove, f.item.ID, *f.remove))
			}
			if f.delete != nil {
				assert.NoError(eng.RecordModerationAction(ctx, actionstore.ActionDelete, f.item.ID, *f.delete))
			}
			cfg := settings.DefaultConfig()
			f.cfg(&cfg)
			ev := eng.NewEvaluator(cfg, "author1", nil)
			res, err := ev.ClassifyItem(ctx, &f.item)
			assert.NoError(err)
			assert.Equal(f.expect, res)
		})
	}
}

func ptr(t time.Time) *time.Time {
	return &t
}

func TestIgnoreAutoRemovedScenario(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	a := upItem("t3_a", t0.Add(-3*time.Hour))
	a.Removed = true
	a.RemovalCategory = "moderator"
	a.RemovedBy = "AutoModerator"
	MustTrackItem(t, &eng, a)
	MustTrackItem(t, &eng, upItem("t3_b", t0.Add(-2*time.Hour)))
	MustTrackItem(t, &eng, upItem("t3_c", t0.Add(-1*time.Hour)))
	assert.NoError(eng.RecordModerationAction(ctx, actionstore.ActionRemove, "t3_a", a.Created.Add(10*time.Second)))

	cfg := settings.DefaultConfig()
	cfg.QuotaAmount = 3
	d, err := eng.Evaluate(ctx, &cfg, "author1", nil)
	assert.NoError(err)
	assert.Equal(Excluded(ExcludedAutoRemoved), d.Results["t3_a"])
	assert.Equal(2, len(d.Included))
	assert.False(d.ExceedsQuota)

	cfg.IgnoreAutoRemoved = false
	d, err = eng.Evaluate(ctx, &cfg, "author1", nil)
	assert.NoError(err)
	assert.Equal(Included(), d.Results["t3_a"])
	assert.Equal(3, len(d.Included))
	assert.True(d.ExceedsQuota)
}

func TestApprovalClearsRemoveTime(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	a := upItem("t3_a", t0.Add(-time.Hour))
	a.Removed = true
	a.RemovalCategory = "moderator"
	a.RemovedBy = "mod1"
	MustTrackItem(t, &eng, a)
	assert.NoError(eng.RecordModerationAction(ctx, actionstore.ActionRemove, "t3_a", a.Created.Add(5*time.Second)))

	cfg := settings.DefaultConfig()
	ev := eng.NewEvaluator(cfg, "author1", nil)
	res, err := ev.ClassifyItem(ctx, &a)
	assert.NoError(err)
	assert.Equal(Excluded(ExcludedAutoRemoved), res)

	// a cleared record reads as unknown, which does not exclude
	assert.NoError(eng.ClearModerationAction(ctx, actionstore.ActionRemove, "t3_a"))
	res, err = ev.ClassifyItem(ctx, &a)
	assert.NoError(err)
	assert.Equal(Included(), res)
}

func TestIgnoredUser(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()
	mp := MockFromEngine(&eng)
	mp.Moderators["mod1"] = true
	mp.Contributors["contrib1"] = true

	for i := 0; i < 5; i++ {
		MustTrackItem(t, &eng, platform.Item{ID: "t3_" + string(rune('a'+i)), AuthorID: "mod1", Created: t0.Add(-time.Duration(i) * time.Hour)})
	}

	cfg := settings.DefaultConfig()
	d, err := eng.Evaluate(ctx, &cfg, "mod1", nil)
	assert.NoError(err)
	assert.True(d.Ignored)
	assert.False(d.ExceedsQuota)
	assert.True(t0.Equal(d.NextOpportunity))

	ev := eng.NewEvaluator(cfg, "contrib1", nil)
	ignored, err := ev.IsIgnoredUser(ctx)
	assert.NoError(err)
	assert.False(ignored)

	cfg.IgnoreContributors = true
	ev = eng.NewEvaluator(cfg, "contrib1", nil)
	ignored, err = ev.IsIgnoredUser(ctx)
	assert.NoError(err)
	assert.True(ignored)

	cfg.IgnoreModerators = false
	cfg.IgnoreContributors = false
	d, err = eng.Evaluate(ctx, &cfg, "mod1", nil)
	assert.NoError(err)
	assert.False(d.Ignored)
	assert.True(d.ExceedsQuota)
}

func TestLookupFailuresPropagate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()
	mp := MockFromEngine(&eng)

	mp.MembershipErrors["author1"] = errors.New("membership service down")
	cfg := settings.DefaultConfig()
	_, err := eng.Evaluate(ctx, &cfg, "author1", nil)
	assert.Error(err)

	cfg.IgnoreModerators = false
	MustTrackItem(t, &eng, upItem("t3_a", t0.Add(-time.Hour)))
	mp.FetchErrors["t3_a"] = errors.New("item service down")
	_, err = eng.Evaluate(ctx, &cfg, "author1", nil)
	assert.Error(err)
}

func TestMissingItemIsUntracked(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	MustTrackItem(t, &eng, upItem("t3_a", t0.Add(-time.Hour)))
	// tracked, but never inserted on the platform
	assert.NoError(eng.RecordSubmission(ctx, "author1", "t3_gone", t0.Add(-2*time.Hour)))

	cfg := settings.DefaultConfig()
	d, err := eng.Evaluate(ctx, &cfg, "author1", nil)
	assert.NoError(err)
	assert.Equal(1, len(d.Included))
	assert.NotContains(d.Results, "t3_gone")

	items, err := eng.Posts.ItemsByAuthor(ctx, "author1")
	assert.NoError(err)
	assert.NotContains(items, "t3_gone")
}

func TestConfigErrorBeforeMutation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	MustTrackItem(t, &eng, upItem("t3_old", t0.Add(-48*time.Hour)))

	cfg := settings.DefaultConfig()
	cfg.QuotaAmount = 0
	_, err := eng.Evaluate(ctx, &cfg, "author1", nil)
	var cerr *settings.ConfigError
	assert.ErrorAs(err, &cerr)

	// no eviction happened
	items, err := eng.Posts.ItemsByAuthor(ctx, "author1")
	assert.NoError(err)
	assert.Contains(items, "t3_old")
}

func TestEvaluatorMemoization(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	MustTrackItem(t, &eng, upItem("t3_a", t0.Add(-time.Hour)))
	ev := eng.NewEvaluator(settings.DefaultConfig(), "author1", nil)

	included, err := ev.IncludedItems(ctx)
	assert.NoError(err)
	assert.Equal(1, len(included))

	MustTrackItem(t, &eng, upItem("t3_b", t0.Add(-2*time.Hour)))
	included, err = ev.IncludedItems(ctx)
	assert.NoError(err)
	assert.Equal(1, len(included))

	ev.UseCached = false
	included, err = ev.IncludedItems(ctx)
	assert.NoError(err)
	assert.Equal(2, len(included))
	assert.Equal(2, len(ev.Classifications()))
}

func TestRecordValidation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()

	assert.Error(eng.RecordSubmission(ctx, "", "t3_a", t0))
	assert.Error(eng.RecordSubmission(ctx, "author1", "", t0))
	assert.Error(eng.RecordModerationAction(ctx, actionstore.ActionRemove, "", t0))
	assert.Error(eng.RecordModerationAction(ctx, actionstore.ActionKind("bogus"), "t3_a", t0))

	// first write wins
	assert.NoError(eng.RecordSubmission(ctx, "author1", "t3_a", t0))
	assert.NoError(eng.RecordSubmission(ctx, "author1", "t3_a", t0.Add(time.Hour)))
	items, err := eng.Posts.ItemsByAuthor(ctx, "author1")
	assert.NoError(err)
	assert.True(t0.Equal(items["t3_a"]))

	assert.NoError(eng.UntrackSubmission(ctx, "author1", "t3_a"))
	items, err = eng.Posts.ItemsByAuthor(ctx, "author1")
	assert.NoError(err)
	assert.Empty(items)
}
