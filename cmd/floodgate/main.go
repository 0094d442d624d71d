package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bluesky-social/floodgate/flood/settings"
	"github.com/bluesky-social/floodgate/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "floodgate",
		Usage:   "per-author submission quota daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL; when set, tracking state lives in redis instead of the database",
			EnvVars: []string{"FLOODGATE_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string for tracking state, when redis is not configured",
			Value:   "sqlite://data/floodgate/floodgate.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-metadb-connections",
			EnvVars: []string{"MAX_METADB_CONNECTIONS"},
			Value:   40,
		},
		&cli.BoolFlag{
			Name:    "db-tracing",
			Usage:   "emit OTEL spans for database queries",
			EnvVars: []string{"FLOODGATE_DB_TRACING"},
		},
		&cli.StringFlag{
			Name:    "settings-file",
			Usage:   "path to YAML quota settings; re-read for every decision",
			Value:   "floodgate.yaml",
			EnvVars: []string{"FLOODGATE_SETTINGS_FILE"},
		},
		&cli.StringFlag{
			Name:    "platform-host",
			Usage:   "method, hostname, and port of the hosting platform's moderation API",
			Value:   "http://localhost:8080",
			EnvVars: []string{"FLOODGATE_PLATFORM_HOST"},
		},
		&cli.StringFlag{
			Name:    "platform-token",
			Usage:   "bearer token for the hosting platform's moderation API",
			EnvVars: []string{"FLOODGATE_PLATFORM_TOKEN"},
		},
		&cli.IntFlag{
			Name:    "platform-rate-limit",
			Usage:   "max requests per second to the hosting platform",
			Value:   50,
			EnvVars: []string{"FLOODGATE_PLATFORM_RATE_LIMIT"},
		},
		&cli.StringSliceFlag{
			Name:    "memcached-servers",
			Usage:   "memcached addresses for the membership cache (overrides redis and in-process caching)",
			EnvVars: []string{"FLOODGATE_MEMCACHED_SERVERS"},
		},
		&cli.DurationFlag{
			Name:    "membership-cache-ttl",
			Usage:   "how long moderator and contributor lookups are cached; membership changes take up to this long to apply",
			Value:   defaultMembershipCacheTTL,
			EnvVars: []string{"FLOODGATE_MEMBERSHIP_CACHE_TTL"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"FLOODGATE_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format (text or json)",
			EnvVars: []string{"FLOODGATE_LOG_FMT", "LOG_FMT"},
		},
	}

	app.Before = func(cctx *cli.Context) error {
		_, err := cliutil.SetupSlog(cliutil.LogOptions{
			LogLevel:  cctx.String("log-level"),
			LogFormat: cctx.String("log-format"),
		})
		return err
	}

	app.Commands = []*cli.Command{
		runCmd,
		sweepCmd,
		quotaCmd,
		checkSettingsCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3990",
			EnvVars: []string{"FLOODGATE_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3989",
			EnvVars: []string{"FLOODGATE_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "ingest-token",
			Usage:   "shared secret required (as a bearer token) on event ingestion endpoints",
			EnvVars: []string{"FLOODGATE_INGEST_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "janitor-schedule",
			Usage:   "cron schedule for janitor sweeps; empty to use --janitor-interval instead",
			Value:   "*/5 * * * *",
			EnvVars: []string{"FLOODGATE_JANITOR_SCHEDULE"},
		},
		&cli.DurationFlag{
			Name:    "janitor-interval",
			Usage:   "fixed interval between janitor sweeps, when no schedule is set",
			Value:   5 * time.Minute,
			EnvVars: []string{"FLOODGATE_JANITOR_INTERVAL"},
		},
		&cli.Float64Flag{
			Name:    "janitor-max-age-hours",
			Usage:   "evict records older than this; 0 uses the configured quota period",
			EnvVars: []string{"FLOODGATE_JANITOR_MAX_AGE_HOURS"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger := slog.Default()

		shutdownOTEL, err := cliutil.SetupOTEL(ctx, "floodgate")
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := shutdownOTEL(ctx); err != nil {
				slog.Error("failed to shutdown trace exporter", "err", err)
			}
		}()

		deps, err := setupDeps(ctx, cctx, logger)
		if err != nil {
			return err
		}
		defer deps.Close()

		srv := NewServer(deps, Config{
			Logger:             logger,
			Bind:               cctx.String("bind"),
			IngestToken:        cctx.String("ingest-token"),
			JanitorSchedule:    cctx.String("janitor-schedule"),
			JanitorInterval:    cctx.Duration("janitor-interval"),
			JanitorMaxAgeHours: cctx.Float64("janitor-max-age-hours"),
		})

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "err", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("failed to run floodgate service: %w", err)
		}
		return nil
	},
}

var sweepCmd = &cli.Command{
	Name:  "sweep",
	Usage: "run a single janitor sweep and exit",
	Flags: []cli.Flag{
		&cli.Float64Flag{
			Name:  "max-age-hours",
			Usage: "evict records older than this; 0 uses the configured quota period",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		deps, err := setupDeps(ctx, cctx, slog.Default())
		if err != nil {
			return err
		}
		defer deps.Close()

		maxAge := janitorMaxAge(ctx, deps.Settings, cctx.Float64("max-age-hours"))
		report, err := deps.Engine.RunJanitorSweep(ctx, maxAge)
		if report != nil {
			if err := printJSON(report); err != nil {
				return err
			}
		}
		return err
	},
}

var quotaCmd = &cli.Command{
	Name:      "quota",
	Usage:     "show an author's tracked items and quota state",
	ArgsUsage: "<author-id>",
	Action: func(cctx *cli.Context) error {
		authorID := cctx.Args().First()
		if authorID == "" {
			return fmt.Errorf("need to provide author ID as an argument")
		}
		ctx := context.Background()
		deps, err := setupDeps(ctx, cctx, slog.Default())
		if err != nil {
			return err
		}
		defer deps.Close()

		report, err := deps.Handlers.QuotaReport(ctx, authorID)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var checkSettingsCmd = &cli.Command{
	Name:  "check-settings",
	Usage: "parse and validate the quota settings file",
	Action: func(cctx *cli.Context) error {
		src := settings.FileSource{Path: cctx.String("settings-file")}
		cfg, err := src.Load(context.Background())
		if err != nil {
			return err
		}
		return printJSON(cfg)
	},
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
