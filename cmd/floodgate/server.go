package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluesky-social/floodgate/flood/handlers"
	"github.com/bluesky-social/floodgate/flood/platform"
	"github.com/bluesky-social/floodgate/flood/settings"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	slogecho "github.com/samber/slog-echo"
)

// registers collectors on creation, so there is exactly one per process
var httpMetrics = echoprometheus.NewMiddleware("floodgate")

type Server struct {
	deps   *Deps
	config Config
	logger *slog.Logger
	echo   *echo.Echo
	httpd  *http.Server
}

type Config struct {
	Logger      *slog.Logger
	Bind        string
	IngestToken string

	// cron expression; takes priority over JanitorInterval when set
	JanitorSchedule    string
	JanitorInterval    time.Duration
	JanitorMaxAgeHours float64
}

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

func NewServer(deps *Deps, config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true

	srv := &Server{
		deps:   deps,
		config: config,
		logger: logger,
		echo:   e,
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   time.Minute,
		ReadTimeout:    time.Minute,
		MaxHeaderBytes: 1024 * 1024,
	}

	e.Use(slogecho.New(logger))
	e.Use(httpMetrics)
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	e.HTTPErrorHandler = srv.errorHandler

	e.GET("/_health", srv.HandleHealthCheck)

	api := e.Group("")
	if config.IngestToken != "" {
		api.Use(middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
			return key == config.IngestToken, nil
		}))
	}
	api.POST("/events/submit", srv.HandleSubmit)
	api.POST("/events/create", srv.HandleCreate)
	api.POST("/events/modaction", srv.HandleModAction)
	api.POST("/events/delete", srv.HandleDelete)
	api.GET("/quota/:author", srv.HandleQuota)

	return srv
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

// Serves HTTP and runs the janitor until SIGINT or SIGTERM.
func (srv *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopJanitor, err := srv.startJanitor(ctx)
	if err != nil {
		return err
	}

	srv.logger.Info("starting server", "bind", srv.config.Bind)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				srv.logger.Error("HTTP server shutting down unexpectedly", "err", err)
			}
		}
	}()

	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(exitSignals)
	select {
	case sig := <-exitSignals:
		srv.logger.Info("received OS exit signal", "signal", sig)
	case <-ctx.Done():
	}

	if err := srv.Shutdown(); err != nil {
		srv.logger.Error("HTTP server shutdown error", "err", err)
	}
	cancel()
	stopJanitor()
	srv.logger.Info("graceful shutdown complete")
	return nil
}

func (srv *Server) Shutdown() error {
	srv.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.httpd.Shutdown(ctx)
}

func (srv *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (srv *Server) janitorMaxAge(ctx context.Context) float64 {
	return janitorMaxAge(ctx, srv.deps.Settings, srv.config.JanitorMaxAgeHours)
}

// Starts periodic sweeps in the background. The returned func waits for them to stop; the interval mode stops when ctx is cancelled.
func (srv *Server) startJanitor(ctx context.Context) (func(), error) {
	if srv.config.JanitorSchedule != "" {
		c := cron.New()
		_, err := c.AddFunc(srv.config.JanitorSchedule, func() {
			if _, err := srv.deps.Engine.RunJanitorSweep(ctx, srv.janitorMaxAge(ctx)); err != nil {
				srv.logger.Error("janitor sweep failed", "err", err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("invalid janitor schedule %q: %w", srv.config.JanitorSchedule, err)
		}
		c.Start()
		return func() { <-c.Stop().Done() }, nil
	}

	if srv.config.JanitorInterval <= 0 {
		srv.logger.Warn("janitor disabled, no schedule or interval configured")
		return func() {}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.deps.Engine.RunJanitor(ctx, srv.config.JanitorInterval, srv.janitorMaxAge); err != nil {
			srv.logger.Error("janitor stopped", "err", err)
		}
	}()
	return func() { <-done }, nil
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := "internal error"

	var he *echo.HTTPError
	var cfgErr *settings.ConfigError
	switch {
	case errors.As(err, &he):
		code = he.Code
		msg = fmt.Sprintf("%v", he.Message)
	case errors.As(err, &cfgErr):
		code = http.StatusUnprocessableEntity
		msg = cfgErr.Error()
	case errors.Is(err, platform.ErrItemNotFound):
		code = http.StatusNotFound
		msg = err.Error()
	}
	if code >= 500 {
		srv.logger.Warn("floodgate-http-internal-error", "err", err)
	}
	if !c.Response().Committed {
		c.JSON(code, GenericStatus{Daemon: "floodgate", Status: "error", Message: msg})
	}
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "floodgate"})
}

func (srv *Server) HandleSubmit(c echo.Context) error {
	var evt handlers.SubmitEvent
	if err := c.Bind(&evt); err != nil {
		return err
	}
	if evt.AuthorID == "" || evt.ItemID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "authorId and itemId are required")
	}
	if err := srv.deps.Handlers.OnItemSubmitted(c.Request().Context(), evt); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

func (srv *Server) HandleCreate(c echo.Context) error {
	var evt handlers.CreateEvent
	if err := c.Bind(&evt); err != nil {
		return err
	}
	if evt.AuthorID == "" || evt.ItemID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "authorId and itemId are required")
	}
	res, err := srv.deps.Handlers.OnItemCreated(c.Request().Context(), evt)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (srv *Server) HandleModAction(c echo.Context) error {
	var evt handlers.ModActionEvent
	if err := c.Bind(&evt); err != nil {
		return err
	}
	if err := srv.deps.Handlers.OnModAction(c.Request().Context(), evt); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

func (srv *Server) HandleDelete(c echo.Context) error {
	var evt handlers.DeleteEvent
	if err := c.Bind(&evt); err != nil {
		return err
	}
	if err := srv.deps.Handlers.OnItemDelete(c.Request().Context(), evt); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

func (srv *Server) HandleQuota(c echo.Context) error {
	report, err := srv.deps.Handlers.QuotaReport(c.Request().Context(), c.Param("author"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}
