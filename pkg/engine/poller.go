package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/batchling/batchling/pkg/adapter"
	"github.com/batchling/batchling/pkg/cache"
	berrors "github.com/batchling/batchling/pkg/errors"
	"github.com/batchling/batchling/pkg/logging"
)

// submitQueue builds the batch input artifact for q's accumulated
// requests, submits it, and starts polling. Runs on its own goroutine,
// tracked by Engine.wg.
func (e *Engine) submitQueue(q *queue) {
	defer e.wg.Done()

	lines := make([]adapter.BatchLine, 0, len(q.pending))
	for _, pr := range q.pending {
		line, err := q.provider.BuildJSONLLine(pr.customID, pr.req)
		if err != nil {
			pr.complete(result{Err: err})
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	submitResult, err := q.provider.Submit(ctx, q.apiKey, lines)
	if err != nil {
		for _, pr := range q.pending {
			pr.complete(result{Err: err})
		}
		return
	}

	batch := &trackedBatch{
		batchID:   submitResult.BatchID,
		provider:  q.provider,
		apiKey:    q.apiKey,
		result:    submitResult,
		waiters:   make(map[string]*pendingRequest),
		createdAt: time.Now(),
	}
	for _, pr := range q.pending {
		batch.waiters[pr.customID] = pr
	}

	e.mu.Lock()
	e.batches[batch.batchID] = batch
	e.mu.Unlock()

	if e.cfg.Cache {
		for _, pr := range q.pending {
			if pr.fprint == "" {
				continue
			}
			entry := cache.Entry{
				Fingerprint: pr.fprint,
				Provider:    q.provider.Name(),
				Host:        pr.host,
				BatchID:     batch.batchID,
				CustomID:    pr.customID,
			}
			if err := e.store.Record(context.Background(), entry); err != nil {
				e.logger.Warn("failed to record cache entry", logging.Str("error", err.Error()))
			}
		}
	}

	e.wg.Add(1)
	go e.pollBatch(batch)
}

// awaitJoin resolves a cache hit: either the batch is already tracked in
// this process (a concurrent request reached the same fingerprint first)
// or it must be joined fresh, deduplicated across concurrent joiners of
// the same batch id via singleflight.
func (e *Engine) awaitJoin(ctx context.Context, entry *cache.Entry, adp adapter.Adapter, apiKey string) (int, http.Header, []byte, bool, error) {
	e.mu.Lock()
	batch, tracked := e.batches[entry.BatchID]
	e.mu.Unlock()

	if !tracked {
		if _, err, _ := e.sf.Do(entry.BatchID, func() (interface{}, error) {
			e.joinResumedBatch(entry.BatchID, adp, apiKey)
			return nil, nil
		}); err != nil {
			return 0, nil, nil, true, err
		}

		e.mu.Lock()
		batch, tracked = e.batches[entry.BatchID]
		e.mu.Unlock()
		if !tracked {
			return 0, nil, nil, true, berrors.ProviderIncomplete(adp.Name(), "resumed_batch_already_resolved")
		}
	}

	e.mu.Lock()
	pr, ok := batch.waiters[entry.CustomID]
	if !ok {
		pr = newPendingRequest(entry.CustomID, nil, "", entry.Host)
		batch.waiters[entry.CustomID] = pr
	}
	e.mu.Unlock()

	select {
	case r := <-pr.resultCh:
		return r.StatusCode, r.Header, r.Body, true, r.Err
	case <-ctx.Done():
		return 0, nil, nil, true, berrors.Cancelled()
	}
}

// joinResumedBatch registers a batch recovered from the cache as tracked
// and starts polling it, so every concurrent joiner (deduplicated by the
// caller via singleflight on the batch id) converges on one poller.
func (e *Engine) joinResumedBatch(batchID string, adp adapter.Adapter, apiKey string) {
	e.mu.Lock()
	if _, exists := e.batches[batchID]; exists {
		e.mu.Unlock()
		return
	}
	batch := &trackedBatch{
		batchID:   batchID,
		provider:  adp,
		apiKey:    apiKey,
		result:    adapter.SubmitResult{BatchID: batchID},
		waiters:   make(map[string]*pendingRequest),
		createdAt: time.Now(),
	}
	e.batches[batchID] = batch
	e.mu.Unlock()

	e.wg.Add(1)
	go e.pollBatch(batch)
}

// pollBatch polls a tracked batch to completion and dispatches results to
// every registered waiter, then removes the batch from tracking.
func (e *Engine) pollBatch(batch *trackedBatch) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.batches, batch.batchID)
		e.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.PollInterval
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0 // poll indefinitely; transient errors never end the poller

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	ctx := context.Background()

	for {
		<-ticker.C

		status, err := batch.provider.ExtractStatus(ctx, batch.apiKey, batch.result)
		if err != nil {
			if berrors.IsRetryable(err) {
				e.logger.Warn("transient error polling batch, retrying",
					logging.Str("batch_id", batch.batchID), logging.Str("error", err.Error()))
				time.Sleep(bo.NextBackOff())
				continue
			}
			e.completeAll(batch, result{Err: err})
			return
		}
		bo.Reset()

		if !status.IsDone() {
			continue
		}

		lines, err := batch.provider.FetchResults(ctx, batch.apiKey, batch.result)
		if err != nil {
			e.completeAll(batch, result{Err: err})
			return
		}

		e.dispatchResults(batch, lines, string(status))
		return
	}
}

// dispatchResults resolves every waiter that has a matching result line,
// then resolves any leftover waiter (a custom id the provider's terminal
// batch never reported) with ProviderIncomplete naming the terminal state,
// per request independently rather than failing the whole batch.
func (e *Engine) dispatchResults(batch *trackedBatch, lines []adapter.ResultLine, state string) {
	e.mu.Lock()
	waiters := batch.waiters
	batch.waiters = make(map[string]*pendingRequest)
	e.mu.Unlock()

	for _, line := range lines {
		pr, ok := waiters[line.CustomID]
		if !ok {
			continue
		}
		delete(waiters, line.CustomID)

		if line.Err != nil {
			pr.complete(result{Err: line.Err})
			continue
		}
		status := line.StatusCode
		if status == 0 {
			status = 200
		}
		pr.complete(result{StatusCode: status, Header: line.Header, Body: line.Body})
	}

	for _, pr := range waiters {
		pr.complete(result{Err: berrors.ProviderIncomplete(batch.provider.Name(), state)})
	}
}

// completeAll resolves every remaining waiter of batch with the same
// fatal error, used when the batch's status or results could not be
// retrieved.
func (e *Engine) completeAll(batch *trackedBatch, r result) {
	e.mu.Lock()
	waiters := batch.waiters
	batch.waiters = make(map[string]*pendingRequest)
	e.mu.Unlock()

	for _, pr := range waiters {
		pr.complete(r)
	}
}
