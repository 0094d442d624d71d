package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bluesky-social/floodgate/flood/engine"
	"github.com/bluesky-social/floodgate/flood/handlers"
	"github.com/bluesky-social/floodgate/flood/platform"
	"github.com/bluesky-social/floodgate/flood/settings"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

var t0 = engine.FixtureNow

func testServer(cfg settings.Config, token string) (*Server, *platform.MockPlatform) {
	eng := engine.EngineTestFixture()
	mp := engine.MockFromEngine(&eng)
	src := settings.StaticSource{Config: cfg}
	deps := &Deps{
		Logger:   slog.Default(),
		Engine:   &eng,
		Handlers: handlers.NewHandlers(&eng, mp, src),
		Settings: src,
	}
	return NewServer(deps, Config{IngestToken: token}), mp
}

func doRequest(srv *Server, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(settings.DefaultConfig(), "secret")

	// health is never behind auth
	rec := doRequest(srv, http.MethodGet, "/_health", "", "")
	assert.Equal(http.StatusOK, rec.Code)
	var status GenericStatus
	assert.NoError(json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal("floodgate", status.Daemon)
	assert.Equal("ok", status.Status)
}

func TestIngestToken(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(settings.DefaultConfig(), "secret")
	body := `{"authorId": "author1", "itemId": "t3_a", "createdAt": "2024-05-01T11:00:00Z"}`

	rec := doRequest(srv, http.MethodPost, "/events/submit", body, "wrong")
	assert.Equal(http.StatusUnauthorized, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/events/submit", body, "secret")
	assert.Equal(http.StatusAccepted, rec.Code)
}

func TestSubmitAndCreate(t *testing.T) {
	assert := assert.New(t)
	cfg := settings.DefaultConfig()
	cfg.QuotaAmount = 1
	srv, mp := testServer(cfg, "")

	rec := doRequest(srv, http.MethodPost, "/events/submit", `{"itemId": "t3_a"}`, "")
	assert.Equal(http.StatusBadRequest, rec.Code)

	for i, id := range []string{"t3_a", "t3_b"} {
		created := t0.Add(time.Duration(i-2) * time.Hour)
		mp.Insert(platform.Item{ID: id, AuthorID: "author1", Created: created})
		body, _ := json.Marshal(handlers.SubmitEvent{AuthorID: "author1", ItemID: id, CreatedAt: created})
		rec = doRequest(srv, http.MethodPost, "/events/submit", string(body), "")
		assert.Equal(http.StatusAccepted, rec.Code)
	}

	rec = doRequest(srv, http.MethodPost, "/events/create", `{"authorId": "author1", "itemId": "t3_b"}`, "")
	assert.Equal(http.StatusOK, rec.Code)
	var res handlers.EnforcementResult
	assert.NoError(json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(handlers.OutcomeRemoved, res.Outcome)
	assert.Equal(1, len(mp.ActionsOfKind("remove")))

	rec = doRequest(srv, http.MethodGet, "/quota/author1", "", "")
	assert.Equal(http.StatusOK, rec.Code)
	var report handlers.QuotaReport
	assert.NoError(json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal("author1", report.AuthorID)
	assert.Equal(2, len(report.Items))
}

func TestCreateErrors(t *testing.T) {
	assert := assert.New(t)

	srv, _ := testServer(settings.DefaultConfig(), "")
	rec := doRequest(srv, http.MethodPost, "/events/create", `{"authorId": "author1", "itemId": "t3_missing"}`, "")
	assert.Equal(http.StatusNotFound, rec.Code)

	bad := settings.DefaultConfig()
	bad.QuotaAmount = 0
	srv, mp := testServer(bad, "")
	mp.Insert(platform.Item{ID: "t3_a", AuthorID: "author1", Created: t0})
	rec = doRequest(srv, http.MethodPost, "/events/create", `{"authorId": "author1", "itemId": "t3_a"}`, "")
	assert.Equal(http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(mp.Actions)
}

func TestModActionAndDelete(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	srv, _ := testServer(settings.DefaultConfig(), "")

	rec := doRequest(srv, http.MethodPost, "/events/modaction", `{"action": "removelink", "itemId": "t3_a", "actionedAt": "2024-05-01T11:00:00Z"}`, "")
	assert.Equal(http.StatusAccepted, rec.Code)
	rec = doRequest(srv, http.MethodPost, "/events/delete", `{"itemId": "t3_b", "source": "user", "deletedAt": "2024-05-01T11:30:00Z"}`, "")
	assert.Equal(http.StatusAccepted, rec.Code)

	_, ok, err := srv.deps.Engine.Actions.Get(ctx, "remove", "t3_a")
	assert.NoError(err)
	assert.True(ok)
	_, ok, err = srv.deps.Engine.Actions.Get(ctx, "delete", "t3_b")
	assert.NoError(err)
	assert.True(ok)
}

func TestJanitorSchedule(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(settings.DefaultConfig(), "")

	srv.config.JanitorSchedule = "not a schedule"
	_, err := srv.startJanitor(context.Background())
	assert.Error(err)

	srv.config.JanitorSchedule = "@every 1h"
	stop, err := srv.startJanitor(context.Background())
	assert.NoError(err)
	stop()

	ctx, cancel := context.WithCancel(context.Background())
	srv.config.JanitorSchedule = ""
	srv.config.JanitorInterval = time.Hour
	stop, err = srv.startJanitor(ctx)
	assert.NoError(err)
	cancel()
	stop()
}

func TestJanitorInterval(t *testing.T) {
	assert := assert.New(t)
	srv, _ := testServer(settings.DefaultConfig(), "")
	eng := srv.deps.Engine

	// older than the configured 24h period, so the next sweep evicts it
	assert.NoError(eng.RecordSubmission(context.Background(), "author1", "t3_old", t0.Add(-30*time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	srv.config.JanitorInterval = 10 * time.Millisecond
	stop, err := srv.startJanitor(ctx)
	assert.NoError(err)

	assert.Eventually(func() bool {
		authors, err := eng.Posts.ListTrackedAuthors(context.Background())
		return err == nil && len(authors) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	stop()
}

func TestJanitorMaxAge(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	src := settings.StaticSource{Config: settings.DefaultConfig()}
	assert.Equal(12.0, janitorMaxAge(ctx, src, 12))
	assert.Equal(settings.DefaultQuotaPeriodHours*1.0, janitorMaxAge(ctx, src, 0))

	bad := settings.DefaultConfig()
	bad.QuotaAmount = 0
	assert.Equal(float64(settings.MaxQuotaPeriodHours), janitorMaxAge(ctx, settings.StaticSource{Config: bad}, 0))
}

func TestSchemaVersion(t *testing.T) {
	t.Skip("live test, need redis running locally")
	assert := assert.New(t)
	ctx := context.Background()

	opt, err := redis.ParseURL("redis://localhost:6379/0")
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(opt)
	assert.NoError(rdb.Del(ctx, schemaVersionKey).Err())

	assert.NoError(checkSchemaVersion(ctx, rdb))
	v, err := rdb.Get(ctx, schemaVersionKey).Int()
	assert.NoError(err)
	assert.Equal(schemaVersion, v)

	assert.NoError(rdb.Set(ctx, schemaVersionKey, schemaVersion+1, 0).Err())
	assert.Error(checkSchemaVersion(ctx, rdb))
	assert.NoError(rdb.Set(ctx, schemaVersionKey, "garbage", 0).Err())
	assert.Error(checkSchemaVersion(ctx, rdb))
	assert.NoError(rdb.Del(ctx, schemaVersionKey).Err())
}
