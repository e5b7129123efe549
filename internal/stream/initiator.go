package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stafflink-ai/employee-stream/internal/model"
	"github.com/stafflink-ai/employee-stream/pkg/logger"
)

// runRequestTimeout bounds the run-initiation and abort calls. It is distinct
// from the stream's own reconnect timing: a timeout here is a normal failure,
// not retried automatically.
const runRequestTimeout = 2 * time.Minute

// Initiator submits user messages and obtains run handles. It shares the
// TokenSource with the transport but owns its own bounded-timeout HTTP client.
type Initiator struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *logger.Logger
}

// NewInitiator creates a run initiator against the given API base URL.
func NewInitiator(baseURL string, tokens TokenSource, httpClient *http.Client, log *logger.Logger) *Initiator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: runRequestTimeout}
	}
	return &Initiator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: httpClient,
		logger:     log,
	}
}

// RunHandle identifies an in-flight model run whose output arrives on the
// stream.
type RunHandle struct {
	RunID      string
	SessionKey string
}

// StartRun submits a user message and returns the handle of the run created
// for it. A non-2xx response yields an error carrying the server-supplied
// message, or a generic fallback; the caller must not assume a run was
// created.
func (i *Initiator) StartRun(ctx context.Context, employeeID, message string, thinking bool) (RunHandle, error) {
	body := model.StartRunRequest{Message: message, Thinking: thinking}
	endpoint := fmt.Sprintf("%s/stream/employee/%s/chat", i.baseURL, url.PathEscape(employeeID))

	var out model.StartRunResponse
	if err := i.post(ctx, endpoint, body, &out); err != nil {
		return RunHandle{}, err
	}
	if out.RunID == "" {
		return RunHandle{}, fmt.Errorf("chat request returned no run id")
	}
	return RunHandle{RunID: out.RunID, SessionKey: out.SessionKey}, nil
}

// AbortRun requests server-side cancellation of a run. Best effort: the abort
// outcome is observed later as an aborted stream event, not through this
// call's response.
func (i *Initiator) AbortRun(ctx context.Context, employeeID, runID string) error {
	endpoint := fmt.Sprintf("%s/stream/employee/%s/abort", i.baseURL, url.PathEscape(employeeID))
	return i.post(ctx, endpoint, model.AbortRunRequest{RunID: runID}, nil)
}

func (i *Initiator) post(ctx context.Context, endpoint string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	token, err := i.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain credential: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s", serverErrorMessage(resp))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// serverErrorMessage pulls the error message out of a non-2xx response body,
// falling back to a generic message.
func serverErrorMessage(resp *http.Response) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return fmt.Sprintf("request failed with status %d", resp.StatusCode)
}
