// Package anthropic adapts Anthropic's /v1/messages endpoint to the
// batching engine's Adapter contract, grounded on the batch client the
// teacher repo implements for Anthropic.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/batchling/batchling/pkg/adapter"
	berrors "github.com/batchling/batchling/pkg/errors"
)

const (
	providerName   = "anthropic"
	host           = "api.anthropic.com"
	anthropicVer   = "2023-06-01"
	batchesBetaHdr = "message-batches-2024-09-24"
)

// Adapter implements adapter.Adapter for Anthropic's Messages API.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs an Anthropic Adapter.
func New(httpClient *http.Client) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{baseURL: "https://" + host, httpClient: httpClient}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Matches(reqHost, path string) bool {
	return strings.Contains(reqHost, host) && strings.Contains(path, "/v1/messages") &&
		!strings.Contains(path, "/batches")
}

func (a *Adapter) ExtractModel(req *adapter.CapturedRequest) (string, error) {
	var body struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return "", berrors.InvalidRequest("failed to parse request body for model").WithCause(err)
	}
	if body.Model == "" {
		return "", berrors.InvalidRequest("request body has no model field")
	}
	return body.Model, nil
}

// batchRequestItem is a single entry in an Anthropic batch submission.
type batchRequestItem struct {
	CustomID string          `json:"custom_id"`
	Params   json.RawMessage `json:"params"`
}

func (a *Adapter) BuildJSONLLine(customID string, req *adapter.CapturedRequest) (adapter.BatchLine, error) {
	item := batchRequestItem{CustomID: customID, Params: req.Body}
	encoded, err := json.Marshal(item)
	if err != nil {
		return adapter.BatchLine{}, berrors.InvalidRequest("failed to encode batch line").WithCause(err)
	}
	return adapter.BatchLine{CustomID: customID, Line: encoded}, nil
}

type batchResponse struct {
	ID               string `json:"id"`
	ProcessingStatus string `json:"processing_status"`
	ResultsURL       string `json:"results_url,omitempty"`
}

func (a *Adapter) Submit(ctx context.Context, apiKey string, lines []adapter.BatchLine) (adapter.SubmitResult, error) {
	items := make([]json.RawMessage, len(lines))
	for i, l := range lines {
		items[i] = l.Line
	}

	body, err := json.Marshal(struct {
		Requests []json.RawMessage `json:"requests"`
	}{Requests: items})
	if err != nil {
		return adapter.SubmitResult{}, berrors.InvalidRequest("failed to marshal batch request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages/batches", bytes.NewReader(body))
	if err != nil {
		return adapter.SubmitResult{}, berrors.ProviderError(providerName, "failed to build batch create request").WithCause(err)
	}
	a.setHeaders(httpReq, apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return adapter.SubmitResult{}, berrors.ProviderError(providerName, "batch create request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return adapter.SubmitResult{}, decodeAnthropicError(resp)
	}

	var batch batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return adapter.SubmitResult{}, berrors.ProviderError(providerName, "failed to decode batch create response").WithCause(err)
	}

	return adapter.SubmitResult{BatchID: batch.ID}, nil
}

func (a *Adapter) getBatch(ctx context.Context, apiKey, batchID string) (*batchResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/messages/batches/"+batchID, nil)
	if err != nil {
		return nil, berrors.ProviderError(providerName, "failed to build batch get request").WithCause(err)
	}
	a.setHeaders(httpReq, apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, berrors.ProviderError(providerName, "batch get request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAnthropicError(resp)
	}

	var batch batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, berrors.ProviderError(providerName, "failed to decode batch get response").WithCause(err)
	}
	return &batch, nil
}

func (a *Adapter) ExtractStatus(ctx context.Context, apiKey string, result adapter.SubmitResult) (adapter.Status, error) {
	batch, err := a.getBatch(ctx, apiKey, result.BatchID)
	if err != nil {
		return "", err
	}
	return convertStatus(batch.ProcessingStatus), nil
}

type batchResultItem struct {
	CustomID string `json:"custom_id"`
	Result   struct {
		Type    string          `json:"type"`
		Message json.RawMessage `json:"message,omitempty"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error,omitempty"`
	} `json:"result"`
}

func (a *Adapter) FetchResults(ctx context.Context, apiKey string, result adapter.SubmitResult) ([]adapter.ResultLine, error) {
	batch, err := a.getBatch(ctx, apiKey, result.BatchID)
	if err != nil {
		return nil, err
	}
	if batch.ResultsURL == "" {
		return nil, berrors.ProviderIncomplete(providerName, batch.ProcessingStatus)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, batch.ResultsURL, nil)
	if err != nil {
		return nil, berrors.ProviderError(providerName, "failed to build results download request").WithCause(err)
	}
	a.setHeaders(httpReq, apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, berrors.ProviderError(providerName, "results download request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAnthropicError(resp)
	}

	var results []adapter.ResultLine
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item batchResultItem
		if err := json.Unmarshal(line, &item); err != nil {
			continue
		}

		r := adapter.ResultLine{CustomID: item.CustomID}
		switch {
		case item.Result.Type == "succeeded" && len(item.Result.Message) > 0:
			r.StatusCode = http.StatusOK
			r.Header = http.Header{"Content-Type": []string{"application/json"}}
			r.Body = item.Result.Message
		case item.Result.Error != nil:
			r.Err = berrors.ProviderError(providerName, item.Result.Error.Message)
		default:
			r.Err = berrors.ProviderError(providerName, fmt.Sprintf("unhandled result type %q", item.Result.Type))
		}
		results = append(results, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, berrors.ProviderError(providerName, "failed reading results stream").WithCause(err)
	}

	return results, nil
}

func (a *Adapter) Cancel(ctx context.Context, apiKey string, result adapter.SubmitResult) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages/batches/"+result.BatchID+"/cancel", nil)
	if err != nil {
		return berrors.ProviderError(providerName, "failed to build cancel request").WithCause(err)
	}
	a.setHeaders(httpReq, apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return berrors.ProviderError(providerName, "cancel request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAnthropicError(resp)
	}
	return nil
}

func (a *Adapter) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicVer)
	req.Header.Set("anthropic-beta", batchesBetaHdr)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-batchling-internal", "1")
}

func convertStatus(s string) adapter.Status {
	switch s {
	case "in_progress":
		return adapter.StatusInProgress
	case "canceling":
		return adapter.StatusInProgress
	case "ended":
		return adapter.StatusCompleted
	default:
		return adapter.StatusValidating
	}
}

type apiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func decodeAnthropicError(resp *http.Response) error {
	var envelope apiErrorEnvelope
	_ = json.NewDecoder(resp.Body).Decode(&envelope)

	msg := envelope.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return berrors.AuthError(providerName, msg)
	}
	return berrors.ProviderError(providerName, msg).WithStatusCode(resp.StatusCode)
}

var _ adapter.Adapter = (*Adapter)(nil)
