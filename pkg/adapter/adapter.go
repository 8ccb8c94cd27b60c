// Package adapter defines the per-provider contract a batching engine uses
// to turn intercepted HTTP calls into an async batch job and back again.
package adapter

import (
	"context"
	"net/http"
)

// Status is the provider-neutral lifecycle state of a submitted batch.
type Status string

const (
	StatusValidating Status = "validating"
	StatusInProgress Status = "in_progress"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// IsDone reports whether the batch has reached a terminal state.
func (s Status) IsDone() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// CapturedRequest is the intercepted outbound HTTP call, captured by the
// hook before it would otherwise have been sent synchronously.
type CapturedRequest struct {
	// Method is the HTTP method, e.g. "POST".
	Method string

	// URL is the full request URL.
	URL string

	// Host is the request's hostname, used for adapter dispatch.
	Host string

	// Path is the request's URL path, used for adapter dispatch and model
	// extraction (Google carries the model in the path).
	Path string

	// Header is the original request's headers, credentials included.
	Header http.Header

	// Body is the raw JSON request body.
	Body []byte
}

// BatchLine is one line of a provider's batch input artifact, keyed by a
// custom id the provider echoes back alongside each result.
type BatchLine struct {
	CustomID string
	Line     []byte
}

// SubmitResult identifies the batch job a provider created.
type SubmitResult struct {
	// BatchID is the provider's job identifier.
	BatchID string

	// ResumeToken is opaque provider-specific state (e.g. an input file id)
	// an adapter may need again when polling or fetching results. Adapters
	// that don't need one leave it empty.
	ResumeToken string
}

// ResultLine is one decoded line of a provider's batch output artifact.
type ResultLine struct {
	// CustomID matches a BatchLine.CustomID from the submitted job.
	CustomID string

	// StatusCode is the synthesized HTTP status for this result.
	StatusCode int

	// Header is the synthesized response header. Batch output artifacts
	// carry no header dump from the provider, so adapters set this to the
	// header the synchronous endpoint would have used (at minimum
	// Content-Type).
	Header http.Header

	// Body is the synthesized JSON response body, verbatim as it would
	// have come back from the synchronous endpoint.
	Body []byte

	// Err is set when the provider reports this line as errored rather
	// than succeeded; Body is empty in that case.
	Err error
}

// Adapter is the contract a provider integration implements. An engine
// dispatches a CapturedRequest to exactly one Adapter via a Registry and
// drives the rest of the batch lifecycle entirely through its methods.
type Adapter interface {
	// Name identifies the provider, e.g. "openai".
	Name() string

	// Matches reports whether this adapter owns the given host/path.
	Matches(host, path string) bool

	// ExtractModel pulls the model name out of a captured request, either
	// from the JSON body or, for providers that place it there, the URL
	// path.
	ExtractModel(req *CapturedRequest) (string, error)

	// BuildJSONLLine renders one request as a line of the provider's batch
	// input artifact.
	BuildJSONLLine(customID string, req *CapturedRequest) (BatchLine, error)

	// Submit uploads the accumulated lines (if the provider requires a
	// file) and creates the batch job.
	Submit(ctx context.Context, apiKey string, lines []BatchLine) (SubmitResult, error)

	// ExtractStatus polls the batch job and returns its current status.
	ExtractStatus(ctx context.Context, apiKey string, result SubmitResult) (Status, error)

	// FetchResults downloads and decodes every result line of a batch that
	// has reached a terminal status (see Status.IsDone).
	FetchResults(ctx context.Context, apiKey string, result SubmitResult) ([]ResultLine, error)

	// Cancel requests cancellation of an in-flight batch.
	Cancel(ctx context.Context, apiKey string, result SubmitResult) error
}
