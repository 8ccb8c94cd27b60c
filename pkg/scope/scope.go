// Package scope threads the active batching engine through context.Context,
// the idiomatic Go analogue of the ambient/task-local engine handle a
// caller's concurrently spawned children must inherit. Grounded on the
// context-carried request hash in bifrost's semanticcache plugin, which
// threads state from a PreHook into a PostHook the same way.
package scope

import (
	"context"
	"net/http"
)

// engineKey is unexported so only this package can place or retrieve a
// handle on a context.
type engineKey struct{}

// Handle is the minimal surface pkg/scope needs from an engine, kept
// separate from the engine package itself to avoid an import cycle
// (engine imports scope to assert that *Engine satisfies Handle).
type Handle interface {
	// Intercept is called by the HTTP hook for every request made under a
	// context carrying this handle, unless the request bears the internal
	// sentinel header. It returns ok=false if the request
	// should fall through to a real synchronous call instead (e.g. this
	// engine has no adapter for it). respHeader carries the full set of
	// headers the synthesized response should bear, preserving the
	// synchronous endpoint's response shape bit for bit.
	Intercept(ctx context.Context, method, url string, header map[string][]string, body []byte) (status int, respHeader http.Header, respBody []byte, ok bool, err error)
}

// NewContext returns a copy of parent carrying handle as the active engine.
// Concurrently spawned children of the returned context (goroutines,
// sub-requests) inherit it automatically through normal context
// propagation.
func NewContext(parent context.Context, handle Handle) context.Context {
	return context.WithValue(parent, engineKey{}, handle)
}

// FromContext returns the active engine handle, if any was installed by
// NewContext up the call chain.
func FromContext(ctx context.Context) (Handle, bool) {
	handle, ok := ctx.Value(engineKey{}).(Handle)
	return handle, ok
}
