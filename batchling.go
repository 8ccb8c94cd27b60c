// Package batchling transparently batches synchronous generative-AI HTTP
// calls made within an activated scope: it groups them by provider,
// endpoint and model, submits them through the provider's async batch
// API, polls to completion, and resolves each call with the same status
// and body the synchronous endpoint would have returned. Grounded on the
// teacher's functional-options Router constructor, generalized from a
// call-through client surface to a context-scoped HTTP interception layer.
package batchling

import (
	"context"
	"net/http"
	"sync"

	"github.com/batchling/batchling/pkg/adapter"
	adapteranthropic "github.com/batchling/batchling/pkg/adapter/anthropic"
	adaptergoogle "github.com/batchling/batchling/pkg/adapter/google"
	adapteropenai "github.com/batchling/batchling/pkg/adapter/openai"
	"github.com/batchling/batchling/pkg/cache"
	"github.com/batchling/batchling/pkg/config"
	"github.com/batchling/batchling/pkg/engine"
	"github.com/batchling/batchling/pkg/hook"
	"github.com/batchling/batchling/pkg/logging"
	"github.com/batchling/batchling/pkg/scope"
)

// Option configures a scope. Re-exported from pkg/config so callers only
// need to import the root package for common usage.
type Option = config.Option

var (
	WithBatchSize    = config.WithBatchSize
	WithBatchWindow  = config.WithBatchWindow
	WithPollInterval = config.WithPollInterval
	WithDryRun       = config.WithDryRun
	WithCache        = config.WithCache
	WithCachePath    = config.WithCachePath
	WithDeferred     = config.WithDeferred
	WithDeferredIdle = config.WithDeferredIdle
	WithCloseTimeout = config.WithCloseTimeout
	WithLogger       = config.WithLogger
)

// installOnce ensures the interception transport is wired into
// http.DefaultTransport exactly once per process, regardless of how many
// scopes are activated concurrently.
var installOnce sync.Once

func installHook() {
	installOnce.Do(func() {
		http.DefaultTransport = hook.New(http.DefaultTransport)
	})
}

// Scope is a handle on one activated batching engine. Call Close to flush
// and drain every outstanding queue before the program exits.
type Scope struct {
	engine *engine.Engine
}

// Close flushes all pending queues, waits for outstanding batches to
// resolve, and releases the scope's cache connection. Returns
// errors.DeferredExit if deferred-exit is enabled and only polling
// activity remains past the configured idle threshold — the caller may
// treat that as success and exit, resuming from cache on the next run.
func (s *Scope) Close(ctx context.Context) error {
	return s.engine.Close(ctx)
}

// Activate installs the interception transport (once per process) and
// returns a context carrying a fresh batching engine. Any HTTP call made
// with the returned context — directly or by a goroutine/request spawned
// from it — is intercepted and batched instead of sent synchronously.
func Activate(ctx context.Context, opts ...Option) (context.Context, *Scope, error) {
	installHook()

	cfg := config.Default()
	config.Apply(cfg, opts...)

	httpClient := &http.Client{Transport: internalTransport()}

	registry := adapter.NewRegistry(
		adapteropenai.New(httpClient),
		adapteranthropic.New(httpClient),
		adaptergoogle.New(httpClient),
	)

	store, err := buildStore(cfg)
	if err != nil {
		return ctx, nil, err
	}

	eng := engine.New(registry, store, cfg)
	scopedCtx := scope.NewContext(ctx, eng)

	return scopedCtx, &Scope{engine: eng}, nil
}

// internalTransport is the transport adapters use for their own
// submission/polling traffic. It may be the hook-wrapped
// http.DefaultTransport, but every adapter request carries the sentinel
// x-batchling-internal header, so the hook passes it straight through
// without re-checking for an active scope.
func internalTransport() http.RoundTripper {
	return http.DefaultTransport
}

func buildStore(cfg *config.Config) (cache.Store, error) {
	if !cfg.Cache {
		return cache.NewMemoryStore(), nil
	}

	path := cfg.CachePath
	if path == "" {
		path = config.DefaultCachePath()
	}
	return cache.OpenSQLite(path, loggerOrNoop(cfg))
}

func loggerOrNoop(cfg *config.Config) logging.Logger {
	if cfg.Logger == nil {
		return logging.Noop{}
	}
	return cfg.Logger
}
