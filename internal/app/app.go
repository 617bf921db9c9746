// Package app wires the proxy's components together: configuration,
// logging, the pending queue, the scheduler, the downstream client, and the
// single HTTP server that carries both intake and control routes. It mirrors the teacher's App
// lifecycle (New / Start / Stop / Run) adapted to a single dispatcher
// goroutine instead of a worker pool.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/ssw/batchproxy/internal/audit"
	"github.com/ssw/batchproxy/internal/config"
	"github.com/ssw/batchproxy/internal/downstream"
	"github.com/ssw/batchproxy/internal/metrics"
	"github.com/ssw/batchproxy/internal/queue"
	"github.com/ssw/batchproxy/internal/scheduler"
	"github.com/ssw/batchproxy/internal/tracing"
)

// App is the assembled proxy process.
type App struct {
	cfg    *config.Config
	logger *logrus.Logger

	queue      *queue.Queue
	downstream *downstream.Client
	scheduler  *scheduler.Scheduler
	auditSink  *audit.KafkaSink
	tracer     *tracing.Provider

	httpServer *http.Server
	reloader   *config.Reloader

	ctx        context.Context
	cancel     context.CancelFunc
	schedDone  chan struct{}
	startTime  time.Time
	configFile string
}

// New builds a fully wired, not-yet-started App from the given config file
// path (may be empty, in which case only defaults and env vars apply).
func New(configFile string) (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())

	strategy, _ := queue.ParseStrategy(cfg.Strategy)
	q := queue.New(strategy)

	compression := downstream.CompressionNone
	if cfg.DownstreamCompression == "gzip" {
		compression = downstream.CompressionGzip
	}
	client := downstream.New(cfg.DownstreamURL, cfg.DownstreamTimeout, compression)

	tracerProvider, err := tracing.Init(ctx, "batchproxy", cfg.OTLPEndpoint)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	var auditSink *audit.KafkaSink
	var schedulerAudit scheduler.AuditSink
	if len(cfg.AuditKafkaBrokers) > 0 {
		auditSink, err = audit.NewKafkaSink(cfg.AuditKafkaBrokers, cfg.AuditKafkaTopic, logger)
		if err != nil {
			logger.WithError(err).Warn("audit: failed to connect to kafka, audit sink disabled")
		} else {
			schedulerAudit = auditSink
		}
	}

	sched := scheduler.New(q, client, cfg.MaxBatch, logger, tracerProvider.Tracer("batchproxy/scheduler"), schedulerAudit)

	a := &App{
		cfg:        cfg,
		logger:     logger,
		queue:      q,
		downstream: client,
		scheduler:  sched,
		auditSink:  auditSink,
		tracer:     tracerProvider,
		ctx:        ctx,
		cancel:     cancel,
		schedDone:  make(chan struct{}),
		configFile: configFile,
	}

	a.initHTTPServer()

	if configFile != "" {
		if reloader, err := config.NewReloader(configFile, logger, a.applyReloadedStrategy); err != nil {
			logger.WithError(err).Debug("config hot-reload disabled: could not watch config file")
		} else {
			a.reloader = reloader
		}
	}

	metricsInit(ctx, q, strategy)

	return a, nil
}

func (a *App) applyReloadedStrategy(name string) {
	if s, ok := queue.ParseStrategy(name); ok {
		a.queue.SetStrategy(s)
		metrics.SetActiveStrategy(s.String(), allStrategyNames)
	}
}

func (a *App) initHTTPServer() {
	router := mux.NewRouter()
	a.registerHandlers(router)
	a.httpServer = &http.Server{
		Addr:    a.cfg.ListenAddr,
		Handler: router,
	}
}

// Start binds the HTTP listen address synchronously — so a bind failure
// (e.g. port already in use) surfaces as an error from Start/Run instead of
// leaving the process running with no listener — then launches the
// scheduler goroutine, the optional config reloader, and the HTTP server
// (serving on the already-bound listener, in the background).
func (a *App) Start() error {
	a.startTime = time.Now()
	a.logger.WithFields(logrus.Fields{
		"addr":      a.cfg.ListenAddr,
		"strategy":  a.queue.Strategy().String(),
		"max_batch": a.cfg.MaxBatch,
	}).Info("starting batchproxy")

	listener, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", a.cfg.ListenAddr, err)
	}

	go func() {
		defer close(a.schedDone)
		a.scheduler.Run(a.ctx)
	}()

	if a.reloader != nil {
		go a.reloader.Run(a.ctx)
	}

	go func() {
		if err := a.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			a.logger.WithError(err).Error("http server error")
		}
	}()

	return nil
}

// Stop performs graceful shutdown: stop accepting HTTP requests, cancel the
// scheduler, wait for its loop to exit, and close auxiliary components.
func (a *App) Stop() error {
	a.logger.Info("stopping batchproxy")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("http server shutdown error")
	}

	a.cancel()
	<-a.schedDone

	if a.auditSink != nil {
		if err := a.auditSink.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close audit sink")
		}
	}
	if err := a.tracer.Shutdown(context.Background()); err != nil {
		a.logger.WithError(err).Warn("failed to shut down tracer")
	}

	a.logger.Info("batchproxy stopped")
	return nil
}

// Run starts the app and blocks until SIGINT/SIGTERM, then shuts down.
func (a *App) Run() error {
	if err := a.Start(); err != nil {
		return err
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	a.logger.Info("shutdown signal received")
	return a.Stop()
}
