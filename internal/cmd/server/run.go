package serverrun

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cfgpkg "github.com/twinstack/loom/internal/config"
	"github.com/twinstack/loom/internal/fusion"
	"github.com/twinstack/loom/internal/runtime"
	httpserver "github.com/twinstack/loom/internal/server/http"
	logpkg "github.com/twinstack/loom/pkg/log"
)

// Options collects the serve-time knobs. Flag overrides win over the config
// file and the environment.
type Options struct {
	ConfigPath string
	HTTPAddr   string
	DataDir    string
	LogLevel   string
	LogFormat  string

	// Units to register before the scheduler starts. The standalone binary
	// runs with none; embedders pass theirs here.
	Units []fusion.Unit
}

// BuildConfig resolves the effective configuration: file (when given), then
// environment overlay, then flag overrides.
func BuildConfig(opts Options) (cfgpkg.Config, error) {
	cfg := cfgpkg.Default()
	if opts.ConfigPath != "" {
		loaded, err := cfgpkg.Load(opts.ConfigPath)
		if err != nil {
			return cfgpkg.Config{}, err
		}
		cfg = loaded
	}
	cfgpkg.FromEnv(&cfg)
	if opts.HTTPAddr != "" {
		cfg.Server.HTTPAddr = opts.HTTPAddr
	}
	if opts.DataDir != "" {
		cfg.Storage.DataDir = opts.DataDir
		// derived paths follow the overridden root
		cfg.Blob.Dir = ""
		cfg.Storage.SQLitePath = ""
		cfg.Upload.ScratchDir = ""
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	cfg.Normalize()
	return cfg, nil
}

// Run starts the runtime and HTTP server and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	// Be robust to callers that don't pass a signal-aware context; layer a
	// local signal context over the provided one.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := BuildConfig(opts)
	if err != nil {
		return err
	}

	logger, err := logpkg.ApplyConfig(&logpkg.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}
	// Redirect stdlib logs (e.g. Pebble) to our logger
	logpkg.RedirectStdLog(logger)

	rt, err := runtime.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	for _, u := range opts.Units {
		if err := rt.RegisterUnit(u); err != nil {
			return err
		}
	}
	if err := rt.Start(sctx); err != nil {
		return err
	}

	logger.Info("starting loom server",
		logpkg.Str("http", cfg.Server.HTTPAddr),
		logpkg.Str("data_dir", cfg.Storage.DataDir),
		logpkg.Str("adapter", cfg.Storage.Adapter),
		logpkg.Int("units", len(opts.Units)),
	)

	hsrv := httpserver.New(rt, logger)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.Server.HTTPAddr); err != nil && sctx.Err() == nil {
			logger.Error("http server", logpkg.Err(err))
		}
	}()

	<-sctx.Done()
	// Shut the server down before closing the runtime/DB to avoid races.
	hsrv.Close()
	wg.Wait()
	return nil
}
