// Package openai adapts OpenAI's chat-completions endpoint to the batching
// engine's Adapter contract, grounded on the synchronous client and batch
// types the teacher repo implements for OpenAI.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/batchling/batchling/pkg/adapter"
	berrors "github.com/batchling/batchling/pkg/errors"
)

const (
	providerName = "openai"
	host         = "api.openai.com"
	batchWindow  = "24h"
)

// Adapter implements adapter.Adapter for OpenAI's /v1/chat/completions and
// /v1/responses endpoints.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs an OpenAI Adapter.
func New(httpClient *http.Client) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{baseURL: "https://" + host, httpClient: httpClient}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Matches(reqHost, path string) bool {
	return strings.Contains(reqHost, host) &&
		(strings.Contains(path, "/chat/completions") || strings.Contains(path, "/responses"))
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

// batchInputLine is a single line of OpenAI's batch input JSONL, per the
// teacher's BatchInputLine.
type batchInputLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

func (a *Adapter) BuildJSONLLine(customID string, req *adapter.CapturedRequest) (adapter.BatchLine, error) {
	line := batchInputLine{
		CustomID: customID,
		Method:   "POST",
		URL:      req.Path,
		Body:     req.Body,
	}
	encoded, err := json.Marshal(line)
	if err != nil {
		return adapter.BatchLine{}, berrors.InvalidRequest("failed to encode batch line").WithCause(err)
	}
	return adapter.BatchLine{CustomID: customID, Line: encoded}, nil
}

type fileUploadResponse struct {
	ID string `json:"id"`
}

func (a *Adapter) uploadBatchFile(ctx context.Context, apiKey string, lines []adapter.BatchLine) (string, error) {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l.Line)
		buf.WriteByte('\n')
	}

	const boundary = "----BatchlingBoundary"
	var form bytes.Buffer
	form.WriteString("--" + boundary + "\r\n")
	form.WriteString("Content-Disposition: form-data; name=\"purpose\"\r\n\r\n")
	form.WriteString("batch\r\n")
	form.WriteString("--" + boundary + "\r\n")
	form.WriteString("Content-Disposition: form-data; name=\"file\"; filename=\"batch_input.jsonl\"\r\n")
	form.WriteString("Content-Type: application/jsonl\r\n\r\n")
	form.Write(buf.Bytes())
	form.WriteString("\r\n--" + boundary + "--\r\n")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/files", &form)
	if err != nil {
		return "", berrors.ProviderError(providerName, "failed to build upload request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("x-batchling-internal", "1")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", berrors.ProviderError(providerName, "file upload request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeOpenAIError(resp)
	}

	var uploaded fileUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return "", berrors.ProviderError(providerName, "failed to decode file upload response").WithCause(err)
	}
	return uploaded.ID, nil
}

type batchCreateRequest struct {
	InputFileID      string `json:"input_file_id"`
	Endpoint         string `json:"endpoint"`
	CompletionWindow string `json:"completion_window"`
}

type batchObject struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputFileID string `json:"output_file_id,omitempty"`
	ErrorFileID  string `json:"error_file_id,omitempty"`
}

func (a *Adapter) Submit(ctx context.Context, apiKey string, lines []adapter.BatchLine) (adapter.SubmitResult, error) {
	if len(lines) == 0 {
		return adapter.SubmitResult{}, berrors.InvalidRequest("no lines to submit")
	}

	fileID, err := a.uploadBatchFile(ctx, apiKey, lines)
	if err != nil {
		return adapter.SubmitResult{}, err
	}

	endpoint := endpointFromLine(lines[0])
	createReq := batchCreateRequest{
		InputFileID:      fileID,
		Endpoint:         endpoint,
		CompletionWindow: batchWindow,
	}
	body, err := json.Marshal(createReq)
	if err != nil {
		return adapter.SubmitResult{}, berrors.InvalidRequest("failed to marshal batch create request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/batches", bytes.NewReader(body))
	if err != nil {
		return adapter.SubmitResult{}, berrors.ProviderError(providerName, "failed to build batch create request").WithCause(err)
	}
	a.setHeaders(httpReq, apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return adapter.SubmitResult{}, berrors.ProviderError(providerName, "batch create request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return adapter.SubmitResult{}, decodeOpenAIError(resp)
	}

	var batch batchObject
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return adapter.SubmitResult{}, berrors.ProviderError(providerName, "failed to decode batch create response").WithCause(err)
	}

	return adapter.SubmitResult{BatchID: batch.ID}, nil
}

func endpointFromLine(line adapter.BatchLine) string {
	var decoded batchInputLine
	if err := json.Unmarshal(line.Line, &decoded); err == nil && decoded.URL != "" {
		return decoded.URL
	}
	return "/v1/chat/completions"
}

func (a *Adapter) ExtractStatus(ctx context.Context, apiKey string, result adapter.SubmitResult) (adapter.Status, error) {
	batch, err := a.getBatch(ctx, apiKey, result.BatchID)
	if err != nil {
		return "", err
	}
	return convertStatus(batch.Status), nil
}

func (a *Adapter) getBatch(ctx context.Context, apiKey, batchID string) (*batchObject, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/batches/"+batchID, nil)
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
		return nil, decodeOpenAIError(resp)
	}

	var batch batchObject
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, berrors.ProviderError(providerName, "failed to decode batch get response").WithCause(err)
	}
	return &batch, nil
}

type batchOutputLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *Adapter) FetchResults(ctx context.Context, apiKey string, result adapter.SubmitResult) ([]adapter.ResultLine, error) {
	batch, err := a.getBatch(ctx, apiKey, result.BatchID)
	if err != nil {
		return nil, err
	}
	if batch.OutputFileID == "" {
		return nil, berrors.ProviderIncomplete(providerName, batch.Status)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/files/"+batch.OutputFileID+"/content", nil)
	if err != nil {
		return nil, berrors.ProviderError(providerName, "failed to build output download request").WithCause(err)
	}
	a.setHeaders(httpReq, apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, berrors.ProviderError(providerName, "output download request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeOpenAIError(resp)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, berrors.ProviderError(providerName, "failed to read output content").WithCause(err)
	}

	var results []adapter.ResultLine
	decoder := json.NewDecoder(bytes.NewReader(content))
	for decoder.More() {
		var line batchOutputLine
		if err := decoder.Decode(&line); err != nil {
			continue
		}

		r := adapter.ResultLine{CustomID: line.CustomID}
		switch {
		case line.Error != nil:
			r.Err = berrors.ProviderError(providerName, line.Error.Message)
		case line.Response != nil:
			r.StatusCode = line.Response.StatusCode
			r.Header = http.Header{"Content-Type": []string{"application/json"}}
			r.Body = line.Response.Body
		}
		results = append(results, r)
	}

	return results, nil
}

func (a *Adapter) Cancel(ctx context.Context, apiKey string, result adapter.SubmitResult) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/batches/"+result.BatchID+"/cancel", nil)
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
		return decodeOpenAIError(resp)
	}
	return nil
}

func (a *Adapter) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-batchling-internal", "1")
}

func convertStatus(s string) adapter.Status {
	switch s {
	case "validating":
		return adapter.StatusValidating
	case "in_progress":
		return adapter.StatusInProgress
	case "finalizing":
		return adapter.StatusFinalizing
	case "completed":
		return adapter.StatusCompleted
	case "failed":
		return adapter.StatusFailed
	case "expired":
		return adapter.StatusExpired
	case "cancelling", "cancelled":
		return adapter.StatusCancelled
	default:
		return adapter.StatusInProgress
	}
}

type apiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func decodeOpenAIError(resp *http.Response) error {
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
