// Package hook installs the transparent interception layer described in
// the design notes: a middleware injected into an HTTP client's transport
// stack rather than a monkeypatch of the provider SDKs themselves.
// Grounded on the PreHook short-circuit pattern in bifrost's schemas.Plugin
// interface, which lets a plugin return a synthesized response in place of
// letting a request reach the wire.
package hook

import (
	"bytes"
	"io"
	"net/http"

	"github.com/batchling/batchling/pkg/scope"
)

// InternalHeader marks a request the engine itself issues (file uploads,
// batch creation, polling) so the Transport never re-intercepts its own
// traffic and recurses into itself.
const InternalHeader = "x-batchling-internal"

// DryRunHeader is attached to every synthesized response produced while a
// scope is in dry-run mode.
const DryRunHeader = "x-batchling-dry-run"

// Transport wraps an existing http.RoundTripper and, for any request made
// under a context carrying an active scope.Handle, offers it to the engine
// instead of sending it synchronously.
type Transport struct {
	// Next is the RoundTripper that handles requests the active engine
	// declines (no handle on the context, sentinel header set, or the
	// engine reports no adapter match). Defaults to http.DefaultTransport.
	Next http.RoundTripper
}

// New builds a Transport delegating to next, or http.DefaultTransport if
// next is nil.
func New(next http.RoundTripper) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Transport{Next: next}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(InternalHeader) != "" {
		return t.Next.RoundTrip(req)
	}

	handle, ok := scope.FromContext(req.Context())
	if !ok {
		return t.Next.RoundTrip(req)
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	status, respHeader, respBody, handled, err := handle.Intercept(req.Context(), req.Method, req.URL.String(), req.Header, body)
	if err != nil {
		return nil, err
	}
	if !handled {
		if req.Body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
		return t.Next.RoundTrip(req)
	}

	header := respHeader.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}

	resp := &http.Response{
		Status:     http.StatusText(status),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(respBody)),
		Request:    req,
	}
	return resp, nil
}

var _ http.RoundTripper = (*Transport)(nil)
