package engine

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/flowguard/internal/catalog"
	"github.com/roach88/flowguard/internal/ledger"
	"github.com/roach88/flowguard/internal/links"
	"github.com/roach88/flowguard/internal/lock"
	"github.com/roach88/flowguard/internal/store"
	"github.com/roach88/flowguard/internal/telemetry"
)

// Engine is the policy activation engine.
//
// Thread-safety model:
//   - Mint, queries, TransferOwnership, OnStream*, HandleNotification and
//     Submit: safe from any goroutine; per-policy mutations are serialized
//     through the Locker.
//   - Run: must be called from exactly one goroutine.
//
// The engine holds no policy state of its own. Everything lives in the
// store; the engine only carries collaborators.
type Engine struct {
	store       store.Store
	locker      lock.Locker
	lockTTL     time.Duration
	links       links.Fanout
	gateway     ledger.Gateway
	catalog     *catalog.Catalog
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	correlation CorrelationGenerator
	queue       *requestQueue

	// running is set while Run is serving the queue.
	running atomic.Bool
}

var _ ledger.Handler = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithLocker replaces the default in-process locker, e.g. with a
// lock.Redis shared by several replicas.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) {
		e.locker = l
	}
}

// WithLockTTL sets how long a policy lock may be held.
// Default: lock.DefaultTTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.lockTTL = ttl
	}
}

// WithLinks appends links notified on activation transitions.
func WithLinks(ls ...links.Link) Option {
	return func(e *Engine) {
		e.links = append(e.links, ls...)
	}
}

// WithGateway sets the ledger gateway used by Reconcile.
func WithGateway(g ledger.Gateway) Option {
	return func(e *Engine) {
		e.gateway = g
	}
}

// WithCatalog makes Mint check coverage against c.
func WithCatalog(c *catalog.Catalog) Option {
	return func(e *Engine) {
		e.catalog = c
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithCorrelation sets the correlation token generator.
// Default: UUIDv7Generator.
func WithCorrelation(g CorrelationGenerator) Option {
	return func(e *Engine) {
		e.correlation = g
	}
}

// New creates an Engine over s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		locker:      lock.NewLocal(),
		lockTTL:     lock.DefaultTTL,
		logger:      slog.Default(),
		correlation: UUIDv7Generator{},
		queue:       newRequestQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Links returns the configured links.
func (e *Engine) Links() links.Fanout {
	return e.links
}
