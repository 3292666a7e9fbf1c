// Package engine is the façade of the lineage graph: it opens storage,
// creates sessions, prompts, responses and custom edges with automatic
// linkage, keeps the session cache, and serves point reads.
//
// Writes to one session are serialized by a per-session lock; writes to
// different sessions proceed in parallel. Point reads take no engine locks;
// session lookups and Stats wait while Repair rebuilds the aggregates.
//
//	eng, err := engine.Open(ctx, cfg)
//	sess, err := eng.CreateSession(ctx, nil)
//	pid, err := eng.AddPrompt(ctx, sess.ID, "What is Rust?", nil)
//	rid, err := eng.AddResponse(ctx, pid, "A systems language...", usage, nil)
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/haivivi/lineage/pkg/kv"
	"github.com/haivivi/lineage/pkg/lineage"
	"github.com/haivivi/lineage/pkg/lineage/store"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("lineage: engine closed")

// Option configures Open.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	reg     prometheus.Registerer
	backend store.Backend
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the engine's metrics with reg. Without it no
// metrics are collected.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithBackend injects a storage backend instead of opening one at the
// configured path. The engine does not close an injected backend.
func WithBackend(b store.Backend) Option {
	return func(o *options) { o.backend = b }
}

// Engine is the lineage graph engine. It is safe for concurrent use.
type Engine struct {
	cfg         lineage.Config
	backend     store.Backend
	ownsBackend bool
	logger      *slog.Logger
	metrics     *metrics
	cache       *sessionCache
	locks       *sessionLocks
	loads       singleflight.Group
	closed      atomic.Bool

	// admin is held shared by writers and exclusively by Repair.
	admin sync.RWMutex
}

// Open validates cfg and opens the engine against its storage. It fails
// with lineage.ErrConfig for a bad configuration and with a
// *lineage.StorageError if the storage cannot be opened or carries an
// incompatible format header.
func Open(ctx context.Context, cfg lineage.Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = lineage.DefaultCacheSize
	}
	if cfg.Format == "" {
		cfg.Format = lineage.FormatMsgpack
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "lineage")

	m, err := newMetrics(o.reg)
	if err != nil {
		return nil, fmt.Errorf("lineage: register metrics: %w", err)
	}
	cache, err := newSessionCache(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("lineage: session cache: %w", err)
	}

	backend := o.backend
	owns := false
	if backend == nil {
		backend, err = openBackend(ctx, cfg, logger)
		if err != nil {
			cache.close()
			return nil, err
		}
		owns = true
	}

	logger.Info("engine opened", "path", cfg.Path, "in_memory", cfg.InMemory, "cache_size", cfg.CacheSize)
	return &Engine{
		cfg:         cfg,
		backend:     backend,
		ownsBackend: owns,
		logger:      logger,
		metrics:     m,
		cache:       cache,
		locks:       newSessionLocks(),
	}, nil
}

func openBackend(ctx context.Context, cfg lineage.Config, logger *slog.Logger) (store.Backend, error) {
	s, err := kv.NewBadger(kv.BadgerOptions{
		Options:    store.KVOptions(),
		Dir:        cfg.Path,
		InMemory:   cfg.InMemory,
		SyncWrites: cfg.SyncWrites,
		Logger:     logger,
	})
	if err != nil {
		return nil, lineage.Storage("open "+cfg.Path, err)
	}
	b, err := store.Open(ctx, s)
	if err != nil {
		s.Close()
		return nil, err
	}
	return b, nil
}

// Close flushes and releases the storage. Further calls fail with
// ErrClosed.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	e.admin.Lock()
	defer e.admin.Unlock()
	e.cache.close()
	if !e.ownsBackend {
		e.logger.Info("engine closed")
		return nil
	}
	err := errors.Join(e.backend.Flush(context.Background()), e.backend.Close())
	e.logger.Info("engine closed", "error", err)
	return err
}

// Config returns the configuration the engine was opened with.
func (e *Engine) Config() lineage.Config { return e.cfg }

func (e *Engine) check() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return nil
}

// timeout bounds ctx by the configured storage timeout.
func (e *Engine) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, e.cfg.Timeout)
	}
	return ctx, func() {}
}

// --- point reads ---

// GetNode returns the node with id, or nil, nil if there is none.
func (e *Engine) GetNode(ctx context.Context, id lineage.NodeID) (*lineage.Node, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	ctx, cancel := e.timeout(ctx)
	defer cancel()
	return e.backend.GetNode(ctx, id)
}

// GetEdge returns the edge with id, or nil, nil if there is none.
func (e *Engine) GetEdge(ctx context.Context, id lineage.EdgeID) (*lineage.Edge, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	ctx, cancel := e.timeout(ctx)
	defer cancel()
	return e.backend.GetEdge(ctx, id)
}

// Nodes yields every node in creation order, session roots included.
func (e *Engine) Nodes(ctx context.Context) iter.Seq2[*lineage.Node, error] {
	return guard(ctx, e, e.backend.Nodes)
}

// SessionNodes yields the prompt and response ids of session in creation
// order. Ranging it again re-reads the index.
func (e *Engine) SessionNodes(ctx context.Context, session lineage.SessionID) iter.Seq2[lineage.NodeID, error] {
	return guard(ctx, e, func(ctx context.Context) iter.Seq2[lineage.NodeID, error] {
		return e.backend.SessionNodes(ctx, session)
	})
}

// Outgoing yields the links leaving from. An empty kind yields all kinds;
// PartOf matches HandledBy.
func (e *Engine) Outgoing(ctx context.Context, from lineage.NodeID, kind lineage.EdgeKind) iter.Seq2[lineage.Link, error] {
	return guard(ctx, e, func(ctx context.Context) iter.Seq2[lineage.Link, error] {
		return e.backend.Outgoing(ctx, from, kind)
	})
}

// Incoming yields the links arriving at to.
func (e *Engine) Incoming(ctx context.Context, to lineage.NodeID, kind lineage.EdgeKind) iter.Seq2[lineage.Link, error] {
	return guard(ctx, e, func(ctx context.Context) iter.Seq2[lineage.Link, error] {
		return e.backend.Incoming(ctx, to, kind)
	})
}

// guard fails the iteration up front if the engine is closed, and bounds
// each ranging of list by the configured storage timeout.
func guard[T any](ctx context.Context, e *Engine, list func(context.Context) iter.Seq2[T, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		if err := e.check(); err != nil {
			var zero T
			yield(zero, err)
			return
		}
		ctx, cancel := e.timeout(ctx)
		defer cancel()
		list(ctx)(yield)
	}
}

// Flush forces buffered writes to durable storage.
func (e *Engine) Flush(ctx context.Context) (err error) {
	if err := e.check(); err != nil {
		return err
	}
	ctx, cancel := e.timeout(ctx)
	defer cancel()
	return e.backend.Flush(ctx)
}

// Compact reclaims space held by superseded entries. Live entries survive
// an interrupted compaction.
func (e *Engine) Compact(ctx context.Context) (err error) {
	if err := e.check(); err != nil {
		return err
	}
	defer e.metrics.observe("compact", time.Now(), &err)
	e.logger.Info("compaction started")
	if err := e.backend.Compact(ctx); err != nil {
		return err
	}
	e.logger.Info("compaction finished")
	return nil
}
