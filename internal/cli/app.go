package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	backend "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/roach88/flowguard/internal/catalog"
	"github.com/roach88/flowguard/internal/config"
	"github.com/roach88/flowguard/internal/engine"
	"github.com/roach88/flowguard/internal/ledger"
	"github.com/roach88/flowguard/internal/links"
	"github.com/roach88/flowguard/internal/lock"
	"github.com/roach88/flowguard/internal/logging"
	"github.com/roach88/flowguard/internal/policy"
	"github.com/roach88/flowguard/internal/store"
	"github.com/roach88/flowguard/internal/telemetry"
)

// app is everything a command needs, built from configuration.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	store      store.Store
	engine     *engine.Engine
	governance *links.Governance
	staking    *links.Staking
	metrics    *telemetry.Metrics
	closers    []func() error
}

// openApp loads the config named by --config and wires the engine.
// Failures are command errors.
func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	a, err := buildApp(ctx, cfg, opts, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to start", err)
	}
	return a, nil
}

func buildApp(ctx context.Context, cfg config.Config, opts *RootOptions, stderr io.Writer) (*app, error) {
	logger, err := newLogger(cfg.Log, opts.Verbose, stderr)
	if err != nil {
		return nil, err
	}

	if cfg.Tracing.Enabled {
		if err := telemetry.InitTracing("flowguard", Version, stderr); err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
	}

	a := &app{
		cfg:        cfg,
		logger:     logger,
		governance: links.NewGovernance(),
		staking:    links.NewStaking(),
		metrics:    telemetry.NewMetrics(),
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	cat, err := loadCatalog(cfg.Catalog)
	if err != nil {
		a.Close()
		return nil, err
	}

	attached := []links.Link{a.governance, a.staking}
	for _, lc := range cfg.Links {
		attached = append(attached, links.NewWebhook(lc.Name, lc.URL, nil))
	}

	engOpts := []engine.Option{
		engine.WithLinks(attached...),
		engine.WithMetrics(a.metrics),
		engine.WithLogger(logger),
		engine.WithLockTTL(cfg.Redis.LockTTL),
	}
	if cat != nil {
		engOpts = append(engOpts, engine.WithCatalog(cat))
	}
	if opts.Correlation != nil {
		engOpts = append(engOpts, engine.WithCorrelation(opts.Correlation))
	}

	if cfg.Redis.Addr != "" {
		client := backend.NewClient(&backend.Options{Addr: cfg.Redis.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			a.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		a.closers = append(a.closers, client.Close)
		engOpts = append(engOpts, engine.WithLocker(lock.NewRedis(client, cfg.Redis.Prefix)))
		logger.Debug("using redis policy locks", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.Prefix)
	}

	if cfg.Ledger.URL != "" {
		receiver, err := policy.ParseAccount(cfg.Ledger.Receiver)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("ledger receiver: %w", err)
		}
		gw := ledger.NewHTTPGateway(cfg.Ledger.URL, receiver,
			ledger.WithRetries(cfg.Ledger.Retries, cfg.Ledger.RetryDelay))
		engOpts = append(engOpts, engine.WithGateway(gw))
	}

	a.engine = engine.New(st, engOpts...)
	return a, nil
}

func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	format, err := logging.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(w, logging.Options{Level: level, Format: format}), nil
}

// loadCatalog returns the coverage catalog named by the config: nil for
// none, the embedded catalog for "default", otherwise a CUE file.
func loadCatalog(path string) (*catalog.Catalog, error) {
	switch path {
	case "":
		return nil, nil
	case config.CatalogDefault:
		return catalog.Default(), nil
	}
	return catalog.LoadFile(path)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	if cfg.Driver == config.StoreMemory {
		return store.NewMemory(), nil
	}
	dialect, err := store.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, dialect, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", dialect, err)
	}
	return st, nil
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("error during shutdown", "error", err)
		return err
	}
	return nil
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute (tests).
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
