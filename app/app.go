package app

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/fast-static/config"
	"github.com/searchktools/fast-static/core"
	"github.com/searchktools/fast-static/core/pools"
)

// slowResponse is the mean response time reported as a bottleneck at exit.
const slowResponse = 100 * time.Millisecond

// App wires configuration, logging, the worker pool and the engine.
type App struct {
	cfg    *config.Config
	log    *logrus.Entry
	pool   *pools.WorkerPool
	engine *core.Engine
	prevGC pools.GCConfig
}

// New creates an application instance
func New(cfg *config.Config) (*App, error) {
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithLogger(cfg, logger)
}

// NewWithLogger creates an application instance that logs to logger.
func NewWithLogger(cfg *config.Config, logger *logrus.Logger) (*App, error) {
	log := logger.WithField("component", "app")

	workers := cfg.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	pool, err := pools.NewWorkerPool(workers, cfg.QueueCapacity)
	if err != nil {
		return nil, err
	}

	engine, err := core.NewEngine(EngineOptions(cfg, logrus.NewEntry(logger)), pool)
	if err != nil {
		pool.Close()
		pool.Wait()
		return nil, err
	}

	prev := pools.ApplyGCConfig(pools.GCConfig{GOGC: cfg.GOGC, MemoryLimit: cfg.MemoryLimit})
	log.WithFields(logrus.Fields{
		"workers":        workers,
		"queue_capacity": cfg.QueueCapacity,
		"gogc":           cfg.GOGC,
		"memory_limit":   cfg.MemoryLimit,
		"env":            cfg.Env,
	}).Info("configured")

	return &App{
		cfg:    cfg,
		log:    log,
		pool:   pool,
		engine: engine,
		prevGC: prev,
	}, nil
}

// NewLogger builds the process logger from the log-level and log-format keys.
func NewLogger(cfg *config.Config) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// EngineOptions maps configuration onto engine options.
func EngineOptions(cfg *config.Config, log *logrus.Entry) core.Options {
	opts := core.DefaultOptions()
	opts.Root = cfg.Root
	opts.MaxFD = cfg.MaxFD
	opts.MaxConnections = cfg.MaxConnections
	opts.ReadBuffer = cfg.ReadBuffer
	opts.WriteBuffer = cfg.WriteBuffer
	opts.MaxPath = cfg.MaxPath
	opts.Backlog = cfg.Backlog
	opts.Tick = cfg.Tick
	opts.AcceptTimeout = cfg.AcceptTimeout
	opts.IdleTimeout = cfg.IdleTimeout
	opts.Logger = log
	return opts
}

// Engine returns the underlying engine
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Start binds the listening socket. Run calls it if it has not been called.
func (a *App) Start() error {
	return a.engine.Listen(a.cfg.ListenAddr())
}

// Run serves until SIGINT, SIGTERM or Shutdown, then logs the final
// statistics.
func (a *App) Run() error {
	if a.engine.Addr() == nil {
		if err := a.Start(); err != nil {
			return err
		}
	}

	go a.awaitSignal()

	a.log.WithField("addr", a.engine.Addr().String()).WithField("env", a.cfg.Env).Info("starting")
	err := a.engine.Serve()
	a.logStats()
	pools.ApplyGCConfig(a.prevGC)
	return err
}

// Shutdown stops the engine. Run returns once it has drained.
func (a *App) Shutdown() {
	a.engine.Shutdown()
}

func (a *App) awaitSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		a.log.WithField("signal", sig.String()).Info("shutting down")
		a.engine.Shutdown()
	case <-a.engine.Done():
	}
}

func (a *App) logStats() {
	stats := a.engine.Stats()
	if js, err := stats.JSON(); err == nil {
		a.log.WithField("stats", js).Info("engine stats")
	} else {
		a.log.WithError(err).Warn("encode stats")
	}

	for _, b := range a.engine.Monitor().Bottlenecks(slowResponse) {
		a.log.WithFields(logrus.Fields{
			"type":     b.Type,
			"status":   b.Status,
			"severity": b.Severity,
		}).Warn(b.Details)
	}

	gc := pools.GetGCStats()
	a.log.WithFields(logrus.Fields{
		"num_gc":      gc.NumGC,
		"pause_total": gc.PauseTotal.String(),
		"alloc_bytes": gc.AllocBytes,
		"sys_bytes":   gc.Sys,
		"goroutines":  gc.NumGoroutine,
	}).Info("gc stats")
}
