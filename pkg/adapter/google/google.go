// Package google adapts Gemini's generateContent endpoint to the batching
// engine's Adapter contract, grounded on the batch client the teacher repo
// implements for Google.
package google

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
	providerName = "google"
	host         = "generativelanguage.googleapis.com"
	apiBase      = "https://" + host + "/v1beta"
	downloadBase = "https://" + host + "/download/v1beta"
)

// Adapter implements adapter.Adapter for Gemini's generateContent family.
type Adapter struct {
	httpClient *http.Client
}

// New constructs a Google Adapter.
func New(httpClient *http.Client) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{httpClient: httpClient}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Matches(reqHost, path string) bool {
	return strings.Contains(reqHost, host) && strings.Contains(path, ":generateContent")
}

// ExtractModel pulls the model out of the path, since Google's synchronous
// endpoint places it there rather than in the JSON body:
// /v1beta/models/{model}:generateContent.
func (a *Adapter) ExtractModel(req *adapter.CapturedRequest) (string, error) {
	const marker = "/models/"
	idx := strings.Index(req.Path, marker)
	if idx < 0 {
		return "", berrors.InvalidRequest("request path has no /models/ segment")
	}
	rest := req.Path[idx+len(marker):]
	if colon := strings.Index(rest, ":"); colon >= 0 {
		rest = rest[:colon]
	}
	if rest == "" {
		return "", berrors.InvalidRequest("request path has an empty model segment")
	}
	return rest, nil
}

type requestMetadata struct {
	Key string `json:"key"`
}

type batchRequestItem struct {
	Request  json.RawMessage  `json:"request"`
	Metadata *requestMetadata `json:"metadata,omitempty"`
}

func (a *Adapter) BuildJSONLLine(customID string, req *adapter.CapturedRequest) (adapter.BatchLine, error) {
	model, err := a.ExtractModel(req)
	if err != nil {
		return adapter.BatchLine{}, err
	}

	item := batchRequestItem{
		Request:  req.Body,
		Metadata: &requestMetadata{Key: customID},
	}
	encoded, err := json.Marshal(item)
	if err != nil {
		return adapter.BatchLine{}, berrors.InvalidRequest("failed to encode batch line").WithCause(err)
	}

	// Stash the model in the line so Submit can address the right
	// :batchGenerateContent endpoint without re-parsing every request.
	line := append([]byte(model+"\x00"), encoded...)
	return adapter.BatchLine{CustomID: customID, Line: line}, nil
}

func splitModelLine(line []byte) (model string, body []byte) {
	idx := bytes.IndexByte(line, 0)
	if idx < 0 {
		return "", line
	}
	return string(line[:idx]), line[idx+1:]
}

type batchMetadata struct {
	DisplayName string `json:"displayName,omitempty"`
	State       string `json:"state"`
}

type statusError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type batchResponseBody struct {
	InlinedResponses *struct {
		InlinedResponses []inlinedResponse `json:"inlinedResponses"`
	} `json:"inlinedResponses,omitempty"`
	ResponsesFile string `json:"responsesFile,omitempty"`
}

type inlinedResponse struct {
	Metadata *requestMetadata `json:"metadata,omitempty"`
	Response json.RawMessage  `json:"response,omitempty"`
	Error    *statusError     `json:"error,omitempty"`
}

type batchJob struct {
	Name     string             `json:"name"`
	Metadata *batchMetadata     `json:"metadata,omitempty"`
	Done     bool               `json:"done"`
	Error    *statusError       `json:"error,omitempty"`
	Response *batchResponseBody `json:"response,omitempty"`
}

func (a *Adapter) Submit(ctx context.Context, apiKey string, lines []adapter.BatchLine) (adapter.SubmitResult, error) {
	if len(lines) == 0 {
		return adapter.SubmitResult{}, berrors.InvalidRequest("no lines to submit")
	}

	model, _ := splitModelLine(lines[0].Line)
	if model == "" {
		return adapter.SubmitResult{}, berrors.InvalidRequest("batch line is missing its model")
	}

	items := make([]batchRequestItem, len(lines))
	for i, l := range lines {
		_, body := splitModelLine(l.Line)
		var item batchRequestItem
		if err := json.Unmarshal(body, &item); err != nil {
			return adapter.SubmitResult{}, berrors.InvalidRequest("failed to decode stored batch line").WithCause(err)
		}
		items[i] = item
	}

	reqBody, err := json.Marshal(struct {
		Batch struct {
			DisplayName string `json:"displayName"`
			InputConfig struct {
				Requests struct {
					Requests []batchRequestItem `json:"requests"`
				} `json:"requests"`
			} `json:"inputConfig"`
		} `json:"batch"`
	}{
		Batch: struct {
			DisplayName string `json:"displayName"`
			InputConfig struct {
				Requests struct {
					Requests []batchRequestItem `json:"requests"`
				} `json:"requests"`
			} `json:"inputConfig"`
		}{
			DisplayName: fmt.Sprintf("batchling-%s", model),
			InputConfig: struct {
				Requests struct {
					Requests []batchRequestItem `json:"requests"`
				} `json:"requests"`
			}{
				Requests: struct {
					Requests []batchRequestItem `json:"requests"`
				}{Requests: items},
			},
		},
	})
	if err != nil {
		return adapter.SubmitResult{}, berrors.InvalidRequest("failed to marshal batch request").WithCause(err)
	}

	url := fmt.Sprintf("%s/models/%s:batchGenerateContent?key=%s", apiBase, model, apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return adapter.SubmitResult{}, berrors.ProviderError(providerName, "failed to build batch create request").WithCause(err)
	}
	a.setHeaders(httpReq)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return adapter.SubmitResult{}, berrors.ProviderError(providerName, "batch create request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return adapter.SubmitResult{}, decodeGoogleError(resp)
	}

	var job batchJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return adapter.SubmitResult{}, berrors.ProviderError(providerName, "failed to decode batch create response").WithCause(err)
	}

	return adapter.SubmitResult{BatchID: job.Name, ResumeToken: model}, nil
}

func normalizeBatchName(id string) string {
	if strings.HasPrefix(id, "batches/") {
		return id
	}
	return "batches/" + id
}

func (a *Adapter) getBatch(ctx context.Context, apiKey, batchID string) (*batchJob, error) {
	url := fmt.Sprintf("%s/%s?key=%s", apiBase, normalizeBatchName(batchID), apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, berrors.ProviderError(providerName, "failed to build batch get request").WithCause(err)
	}
	a.setHeaders(httpReq)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, berrors.ProviderError(providerName, "batch get request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeGoogleError(resp)
	}

	var job batchJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, berrors.ProviderError(providerName, "failed to decode batch get response").WithCause(err)
	}
	return &job, nil
}

func (a *Adapter) ExtractStatus(ctx context.Context, apiKey string, result adapter.SubmitResult) (adapter.Status, error) {
	job, err := a.getBatch(ctx, apiKey, result.BatchID)
	if err != nil {
		return "", err
	}
	return convertStatus(job), nil
}

func (a *Adapter) FetchResults(ctx context.Context, apiKey string, result adapter.SubmitResult) ([]adapter.ResultLine, error) {
	job, err := a.getBatch(ctx, apiKey, result.BatchID)
	if err != nil {
		return nil, err
	}
	if !job.Done {
		return nil, berrors.ProviderIncomplete(providerName, "not_done")
	}
	if job.Response == nil {
		return nil, berrors.ProviderIncomplete(providerName, "no_response")
	}

	if job.Response.InlinedResponses != nil && len(job.Response.InlinedResponses.InlinedResponses) > 0 {
		return convertInlinedResponses(job.Response.InlinedResponses.InlinedResponses), nil
	}
	if job.Response.ResponsesFile != "" {
		return a.downloadResults(ctx, apiKey, job.Response.ResponsesFile)
	}

	return nil, berrors.ProviderError(providerName, "completed batch carried no results")
}

func (a *Adapter) downloadResults(ctx context.Context, apiKey, fileName string) ([]adapter.ResultLine, error) {
	url := fmt.Sprintf("%s/%s:download?alt=media&key=%s", downloadBase, fileName, apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, berrors.ProviderError(providerName, "failed to build results download request").WithCause(err)
	}
	a.setHeaders(httpReq)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, berrors.ProviderError(providerName, "results download request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeGoogleError(resp)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, berrors.ProviderError(providerName, "failed to read results content").WithCause(err)
	}

	var lines []inlinedResponse
	decoder := json.NewDecoder(bytes.NewReader(content))
	for decoder.More() {
		var line inlinedResponse
		if err := decoder.Decode(&line); err != nil {
			continue
		}
		lines = append(lines, line)
	}

	return convertInlinedResponses(lines), nil
}

func convertInlinedResponses(responses []inlinedResponse) []adapter.ResultLine {
	results := make([]adapter.ResultLine, len(responses))
	for i, r := range responses {
		out := adapter.ResultLine{}
		if r.Metadata != nil {
			out.CustomID = r.Metadata.Key
		}
		switch {
		case r.Error != nil:
			out.Err = berrors.ProviderError(providerName, r.Error.Message)
		case len(r.Response) > 0:
			out.StatusCode = http.StatusOK
			out.Header = http.Header{"Content-Type": []string{"application/json"}}
			out.Body = r.Response
		}
		results[i] = out
	}
	return results
}

func (a *Adapter) Cancel(ctx context.Context, apiKey string, result adapter.SubmitResult) error {
	url := fmt.Sprintf("%s/%s:cancel?key=%s", apiBase, normalizeBatchName(result.BatchID), apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return berrors.ProviderError(providerName, "failed to build cancel request").WithCause(err)
	}
	a.setHeaders(httpReq)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return berrors.ProviderError(providerName, "cancel request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeGoogleError(resp)
	}
	return nil
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-batchling-internal", "1")
}

func convertStatus(job *batchJob) adapter.Status {
	if job.Done {
		if job.Error != nil {
			return adapter.StatusFailed
		}
		return adapter.StatusCompleted
	}
	if job.Metadata == nil {
		return adapter.StatusValidating
	}
	switch job.Metadata.State {
	case "JOB_STATE_PENDING", "BATCH_STATE_PENDING":
		return adapter.StatusValidating
	case "JOB_STATE_RUNNING", "BATCH_STATE_RUNNING":
		return adapter.StatusInProgress
	case "JOB_STATE_SUCCEEDED", "BATCH_STATE_SUCCEEDED":
		return adapter.StatusCompleted
	case "JOB_STATE_FAILED", "BATCH_STATE_FAILED":
		return adapter.StatusFailed
	case "JOB_STATE_CANCELLED", "BATCH_STATE_CANCELLED":
		return adapter.StatusCancelled
	default:
		return adapter.StatusInProgress
	}
}

func decodeGoogleError(resp *http.Response) error {
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&envelope)

	msg := envelope.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return berrors.AuthError(providerName, msg)
	}
	return berrors.ProviderError(providerName, msg).WithStatusCode(resp.StatusCode)
}

var _ adapter.Adapter = (*Adapter)(nil)
