package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/bluesky-social/floodgate/flood/actionstore"
	"github.com/bluesky-social/floodgate/flood/cachestore"
	"github.com/bluesky-social/floodgate/flood/platform"
	"github.com/bluesky-social/floodgate/flood/poststore"
)

// fixed clock for fixtures
var FixtureNow = time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)

// In-memory engine, backed by a single MockPlatform (reachable via MockFromEngine).
func EngineTestFixture() Engine {
	posts := poststore.NewMemPostStore()
	actions := actionstore.NewMemActionStore()
	mp := platform.NewMockPlatform()
	cache := cachestore.NewMemCacheStore(10, time.Hour)
	engine := Engine{
		Logger:           slog.Default(),
		Posts:            &posts,
		Actions:          &actions,
		Membership:       platform.NewCachedMembership(&mp, cache),
		Items:            &mp,
		Identity:         &mp,
		Now:              func() time.Time { return FixtureNow },
		FetchConcurrency: 4,
	}
	return engine
}

func MockFromEngine(eng *Engine) *platform.MockPlatform {
	mp, ok := eng.Items.(*platform.MockPlatform)
	if !ok {
		panic("engine was not built with a MockPlatform")
	}
	return mp
}

// Inserts an item on the mock platform and tracks it as a submission.
func MustTrackItem(t testing.TB, eng *Engine, item platform.Item) {
	MockFromEngine(eng).Insert(item)
	if err := eng.RecordSubmission(context.TODO(), item.AuthorID, item.ID, item.Created); err != nil {
		t.Fatal(err)
	}
}
