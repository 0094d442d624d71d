package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bluesky-social/floodgate/flood/actionstore"
	"github.com/bluesky-social/floodgate/flood/cachestore"
	"github.com/bluesky-social/floodgate/flood/engine"
	"github.com/bluesky-social/floodgate/flood/handlers"
	"github.com/bluesky-social/floodgate/flood/platform"
	"github.com/bluesky-social/floodgate/flood/platform/restapi"
	"github.com/bluesky-social/floodgate/flood/poststore"
	"github.com/bluesky-social/floodgate/flood/settings"
	"github.com/bluesky-social/floodgate/util/cliutil"

	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v2"
	"gorm.io/plugin/opentelemetry/tracing"
)

// Layout version of the tracking state in redis. Bumped whenever key names or encodings change.
const schemaVersion = 1

var schemaVersionKey = "floodgate/version"

// a newly added moderator may still be enforced against for this long
const defaultMembershipCacheTTL = 2 * time.Minute

// Everything a command needs, wired from CLI flags.
type Deps struct {
	Logger   *slog.Logger
	Engine   *engine.Engine
	Handlers *handlers.Handlers
	Settings settings.Source

	closers []func() error
}

func (d *Deps) Close() {
	for _, c := range d.closers {
		if err := c(); err != nil {
			d.Logger.Warn("failed to close dependency", "err", err)
		}
	}
}

func setupDeps(ctx context.Context, cctx *cli.Context, logger *slog.Logger) (*Deps, error) {
	deps := &Deps{
		Logger:   logger,
		Settings: settings.FileSource{Path: cctx.String("settings-file")},
	}

	client := restapi.NewClient(cctx.String("platform-host"), cctx.String("platform-token"), cctx.Int("platform-rate-limit"))
	client.Client = restapi.RobustHTTPClient(logger)

	var posts poststore.PostStore
	var actions actionstore.ActionStore
	var cache cachestore.CacheStore
	cacheTTL := cctx.Duration("membership-cache-ttl")

	if redisURL := cctx.String("redis-url"); redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		// check redis connection
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		deps.closers = append(deps.closers, rdb.Close)
		if err := checkSchemaVersion(ctx, rdb); err != nil {
			deps.Close()
			return nil, err
		}
		posts = &poststore.RedisPostStore{Client: rdb, Logger: logger}
		actions = &actionstore.RedisActionStore{Client: rdb}
		cache = cachestore.NewRedisCacheStore(rdb, cacheTTL)
		logger.Info("using redis for tracking state")
	} else {
		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-metadb-connections"))
		if err != nil {
			return nil, err
		}
		if sqldb, err := db.DB(); err == nil {
			deps.closers = append(deps.closers, sqldb.Close)
		}
		if cctx.Bool("db-tracing") {
			if err := db.Use(tracing.NewPlugin()); err != nil {
				deps.Close()
				return nil, err
			}
		}
		gp, err := poststore.NewGormPostStore(db)
		if err != nil {
			deps.Close()
			return nil, err
		}
		gp.Logger = logger
		posts = gp
		ga, err := actionstore.NewGormActionStore(db)
		if err != nil {
			deps.Close()
			return nil, err
		}
		actions = ga
		cache = cachestore.NewMemCacheStore(20_000, cacheTTL)
		logger.Info("using database for tracking state")
	}

	// memcached, when configured, replaces the membership cache picked above
	if servers := cctx.StringSlice("memcached-servers"); len(servers) > 0 {
		cache = cachestore.NewMemcachedCacheStore(servers, cacheTTL)
		logger.Info("using memcached for membership cache", "servers", servers)
	}

	deps.Engine = &engine.Engine{
		Logger:     logger,
		Posts:      posts,
		Actions:    actions,
		Membership: platform.NewCachedMembership(client, cache),
		Items:      client,
		Identity:   client,
	}
	deps.Handlers = handlers.NewHandlers(deps.Engine, client, deps.Settings)
	deps.Handlers.Logger = logger
	return deps, nil
}

// Refuses to run against state written by a newer release; stamps fresh databases.
func checkSchemaVersion(ctx context.Context, rdb *redis.Client) error {
	set, err := rdb.SetNX(ctx, schemaVersionKey, schemaVersion, 0).Result()
	if err != nil {
		return fmt.Errorf("checking schema version: %w", err)
	}
	if set {
		return nil
	}
	raw, err := rdb.Get(ctx, schemaVersionKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	} else if err != nil {
		return fmt.Errorf("checking schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("unparsable schema version in redis: %q", raw)
	}
	if v > schemaVersion {
		return fmt.Errorf("redis schema version %d is newer than supported version %d", v, schemaVersion)
	}
	return nil
}

// Janitor max age: the explicit flag if set, otherwise the configured quota period.
func janitorMaxAge(ctx context.Context, src settings.Source, flagHours float64) float64 {
	if flagHours > 0 {
		return flagHours
	}
	cfg, err := src.Load(ctx)
	if err != nil {
		slog.Warn("could not load settings for janitor max age, using maximum", "err", err)
		return settings.MaxQuotaPeriodHours
	}
	return cfg.QuotaPeriodHours
}
