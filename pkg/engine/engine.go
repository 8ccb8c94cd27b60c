// Package engine implements the core request-batching state machine: a
// per-(provider, endpoint, model) queue that drains on a size or time
// trigger, submits the accumulated requests through a provider's async
// batch API, polls the resulting job to completion, and resolves each
// intercepted request with the same body and status it would have
// received from the synchronous endpoint. Grounded on the polling loop and
// job bookkeeping of the teacher's pkg/batch.Manager, generalized from a
// caller-driven Create/Wait surface to one transparently triggered by
// intercepted HTTP traffic.
package engine

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/batchling/batchling/pkg/adapter"
	"github.com/batchling/batchling/pkg/cache"
	"github.com/batchling/batchling/pkg/config"
	berrors "github.com/batchling/batchling/pkg/errors"
	"github.com/batchling/batchling/pkg/hook"
	"github.com/batchling/batchling/pkg/logging"
	"github.com/batchling/batchling/pkg/scope"
)

// pruneInterval is how often the engine sweeps the fingerprint cache of
// rows past its retention window.
const pruneInterval = time.Hour

// Engine owns every in-flight queue and batch for one activated scope.
type Engine struct {
	cfg      *config.Config
	registry *adapter.Registry
	store    cache.Store
	logger   logging.Logger

	// mu guards queues, batches, closed and lastIntake; it is never held
	// across network I/O or channel receives.
	mu      sync.Mutex
	queues  map[string]*queue
	batches map[string]*trackedBatch
	closed  bool

	sf singleflight.Group
	wg sync.WaitGroup

	lastIntake time.Time

	pruneStop chan struct{}
	pruneDone chan struct{}
}

// New builds an Engine over the given adapters and configuration.
func New(registry *adapter.Registry, store cache.Store, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if store == nil {
		store = cache.NewMemoryStore()
	}

	e := &Engine{
		cfg:        cfg,
		registry:   registry,
		store:      store,
		logger:     cfg.Logger,
		queues:     make(map[string]*queue),
		batches:    make(map[string]*trackedBatch),
		lastIntake: time.Now(),
		pruneStop:  make(chan struct{}),
		pruneDone:  make(chan struct{}),
	}
	go e.pruneLoop()
	return e
}

// pruneLoop periodically deletes cache rows past their retention window, so
// a long-lived process's cache doesn't grow without bound. Stopped by Close.
func (e *Engine) pruneLoop() {
	defer close(e.pruneDone)

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.store.Prune(context.Background(), time.Now().Add(-cache.Retention)); err != nil {
				e.logger.Warn("cache prune failed", logging.Str("error", err.Error()))
			}
		case <-e.pruneStop:
			return
		}
	}
}

// Intercept implements scope.Handle. It is called by the HTTP hook for
// every outbound request made under this engine's context.
func (e *Engine) Intercept(ctx context.Context, method, rawURL string, header map[string][]string, body []byte) (int, http.Header, []byte, bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, nil, nil, false, nil
	}

	adp, ok := e.registry.Lookup(parsed.Host, parsed.Path)
	if !ok {
		return 0, nil, nil, false, nil
	}

	captured := &adapter.CapturedRequest{
		Method: method,
		URL:    rawURL,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Body:   body,
	}

	model, err := adp.ExtractModel(captured)
	if err != nil {
		return 0, nil, nil, true, err
	}

	if e.cfg.DryRun {
		e.accountDryRunCacheLookup(ctx, adp, captured)
		status, respHeader, respBody := synthesizeDryRun(adp.Name(), model)
		return status, respHeader, respBody, true, nil
	}

	apiKey := config.APIKey(adp.Name())
	if apiKey == "" {
		return 0, nil, nil, true, berrors.AuthError(adp.Name(), "no API key configured for provider")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, nil, nil, true, berrors.EngineClosed()
	}
	e.lastIntake = time.Now()
	e.mu.Unlock()

	var fprint string
	if e.cfg.Cache {
		fprint, err = cache.Fingerprint(adp.Name(), captured)
		if err != nil {
			e.logger.Warn("fingerprint computation failed, skipping cache", logging.Str("error", err.Error()))
		} else if entry, hit, lookupErr := e.store.Lookup(ctx, fprint); lookupErr == nil && hit {
			return e.awaitJoin(ctx, entry, adp, apiKey)
		}
	}

	customID := uuid.NewString()
	pr := newPendingRequest(customID, captured, fprint, parsed.Host)
	e.enqueue(adp, apiKey, parsed.Host, model, parsed.Path, pr)

	go e.watchCancellation(ctx, pr)

	select {
	case r := <-pr.resultCh:
		return r.StatusCode, r.Header, r.Body, true, r.Err
	case <-ctx.Done():
		return 0, nil, nil, true, berrors.Cancelled()
	}
}

// accountDryRunCacheLookup performs the fingerprint/lookup spec.md §4.4.3
// requires for hit accounting purposes only in dry-run mode: the outcome is
// never used to resolve the call (dry run always returns the synthetic
// response) and never written back.
func (e *Engine) accountDryRunCacheLookup(ctx context.Context, adp adapter.Adapter, captured *adapter.CapturedRequest) {
	if !e.cfg.Cache {
		return
	}
	fprint, err := cache.Fingerprint(adp.Name(), captured)
	if err != nil {
		e.logger.Warn("dry-run fingerprint computation failed", logging.Str("error", err.Error()))
		return
	}
	_, hit, err := e.store.Lookup(ctx, fprint)
	if err != nil {
		e.logger.Warn("dry-run cache lookup failed", logging.Str("error", err.Error()))
		return
	}
	e.logger.Debug("dry-run cache accounting", logging.Str("provider", adp.Name()), logging.Bool("hit", hit))
}

// watchCancellation removes pr from its queue if ctx is cancelled before the
// queue drains, completing it with Cancelled and keeping it out of the
// batch that eventually submits (so a cancelled request is never billed).
// Exits without doing anything once pr resolves through the normal path.
func (e *Engine) watchCancellation(ctx context.Context, pr *pendingRequest) {
	select {
	case <-ctx.Done():
		if pr.queueKey != "" && e.removeFromQueue(pr.queueKey, pr) {
			pr.complete(result{Err: berrors.Cancelled()})
		}
	case <-pr.done:
	}
}

// removeFromQueue deletes pr from the pending queue key, if it is still
// there. Returns false if the queue already drained pr into submission.
func (e *Engine) removeFromQueue(key string, pr *pendingRequest) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.queues[key]
	if !ok {
		return false
	}
	for i, p := range q.pending {
		if p == pr {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// enqueue adds pr to the queue for (provider, path, model), creating the
// queue and arming its window timer if this is the first entry, and
// triggering an immediate drain if the size threshold is reached.
func (e *Engine) enqueue(adp adapter.Adapter, apiKey, host, model, path string, pr *pendingRequest) {
	key := queueKey(adp.Name(), path, model)
	pr.queueKey = key

	e.mu.Lock()
	q, ok := e.queues[key]
	if !ok {
		q = &queue{key: key, provider: adp, apiKey: apiKey, host: host}
		e.queues[key] = q
		q.timer = time.AfterFunc(e.cfg.BatchWindow, func() { e.drain(key) })
	}
	q.pending = append(q.pending, pr)
	shouldDrainNow := len(q.pending) >= e.cfg.BatchSize
	e.mu.Unlock()

	if shouldDrainNow {
		e.drain(key)
	}
}

// drain removes the queue for key, if still present, and submits its
// accumulated requests as a batch. Safe to call more than once for the
// same key (from both the window timer and a size trigger); only the
// first call finds the queue still in the map.
func (e *Engine) drain(key string) {
	e.mu.Lock()
	q, ok := e.queues[key]
	if ok {
		delete(e.queues, key)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	q.timer.Stop()

	e.wg.Add(1)
	go e.submitQueue(q)
}

// synthesizeDryRun builds the placeholder response returned in dry-run
// mode, never making a provider call. The response always carries
// DryRunHeader so callers can tell a synthetic response from a real one.
func synthesizeDryRun(providerName, model string) (int, http.Header, []byte) {
	body := []byte(`{"id":"dryrun-` + uuid.NewString() + `","model":"` + model + `","provider":"` + providerName + `","choices":[]}`)
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(hook.DryRunHeader, "1")
	return 200, header, body
}

// Close drains every outstanding queue immediately and waits for all
// tracked batches to resolve, unless deferred-exit is enabled and only
// polling activity remains past the configured idle threshold.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	keys := make([]string, 0, len(e.queues))
	for k := range e.queues {
		keys = append(keys, k)
	}
	idleFor := time.Since(e.lastIntake)
	activeBatches := len(e.batches)
	e.mu.Unlock()

	close(e.pruneStop)
	<-e.pruneDone

	for _, k := range keys {
		e.drain(k)
	}

	if e.cfg.Deferred && activeBatches > 0 && idleFor >= e.cfg.DeferredIdle {
		e.logger.Info("deferring exit; only polling activity remains",
			logging.Int("active_batches", activeBatches), logging.Duration("idle_for", idleFor))
		return berrors.DeferredExit()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timeout := time.NewTimer(e.cfg.CloseTimeout)
	defer timeout.Stop()

	select {
	case <-done:
		return e.store.Close()
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return berrors.ProviderError("", "close timed out waiting for outstanding batches")
	}
}

var _ scope.Handle = (*Engine)(nil)
