package engine

import (
	"net/http"
	"sync"
	"time"

	"github.com/batchling/batchling/pkg/adapter"
)

// result is what a pendingRequest's caller eventually receives: either a
// synthesized HTTP response or the error it resolved to.
type result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

// pendingRequest is one intercepted call waiting on a batch to resolve it.
type pendingRequest struct {
	customID string
	req      *adapter.CapturedRequest
	resultCh chan result
	fprint   string
	host     string

	// queueKey identifies the queue pr was appended to, if any, so a
	// cancellation watcher can remove it before drain. Empty for waiters
	// joined directly onto an already-submitted batch.
	queueKey string

	// done is closed exactly once, by complete, independent of whether
	// resultCh is ever read. A cancellation watcher selects on this
	// instead of resultCh so it never races the caller for the value.
	done     chan struct{}
	doneOnce sync.Once
}

func newPendingRequest(customID string, req *adapter.CapturedRequest, fprint, host string) *pendingRequest {
	return &pendingRequest{
		customID: customID,
		req:      req,
		resultCh: make(chan result, 1),
		fprint:   fprint,
		host:     host,
		done:     make(chan struct{}),
	}
}

func (p *pendingRequest) complete(r result) {
	p.doneOnce.Do(func() {
		p.resultCh <- r
		close(p.done)
	})
}

// trackedBatch is a submitted batch job this engine is polling, whether it
// was submitted in this process (via a drained queue) or joined from the
// fingerprint cache after a restart.
type trackedBatch struct {
	batchID  string
	provider adapter.Adapter
	apiKey   string
	result   adapter.SubmitResult

	// waiters maps a custom id to the pendingRequest it must resolve. Only
	// mutated while holding Engine.mu.
	waiters map[string]*pendingRequest

	createdAt time.Time
}
