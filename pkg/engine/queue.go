package engine

import (
	"time"

	"github.com/batchling/batchling/pkg/adapter"
)

// queue accumulates pending requests for one (provider, endpoint, model)
// key until the batch-size or batch-window trigger fires, per the
// dispatch-groups-by-key shape of the batching engine. All field access
// happens under Engine.mu; queue carries no lock of its own.
type queue struct {
	key      string
	provider adapter.Adapter
	apiKey   string
	host     string
	pending  []*pendingRequest
	timer    *time.Timer
}

func queueKey(providerName, path, model string) string {
	return providerName + "\x00" + path + "\x00" + model
}
