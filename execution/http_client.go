// execution/http_client.go
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jthadison/tmt-sub006/logs"
)

// Ensure HTTPClient implements EngineClient interface
var _ EngineClient = (*HTTPClient)(nil)

// HTTPClient talks to the execution engine's REST API. Per-call deadlines
// come from the caller's context; the client-level timeout is only a
// backstop for callers that pass context.Background().
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient creates a client for the given engine endpoint.
func NewHTTPClient(baseURL, apiKey string, timeoutSeconds int) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("execution engine base URL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid execution engine base URL: %w", err)
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
	}, nil
}

// CloseAllPositions closes every open position on the engine.
func (c *HTTPClient) CloseAllPositions(ctx context.Context, correlationID string) (CloseResult, error) {
	return c.postClose(ctx, "/v1/positions/close-all", correlationID, "")
}

// CloseAccountPositions closes all positions held by one account.
func (c *HTTPClient) CloseAccountPositions(ctx context.Context, accountID, correlationID string) (CloseResult, error) {
	if accountID == "" {
		return CloseResult{}, fmt.Errorf("account id must not be empty")
	}
	path := fmt.Sprintf("/v1/accounts/%s/positions/close", url.PathEscape(accountID))
	return c.postClose(ctx, path, correlationID, accountID)
}

func (c *HTTPClient) postClose(ctx context.Context, path, correlationID, accountID string) (result CloseResult, err error) {
	// This boundary must never let a panic escape into the stop path.
	defer func() {
		if rec := recover(); rec != nil {
			logs.Errorf("[Execution] panic in engine call %s: %v", path, rec)
			result = CloseResult{Errors: []string{fmt.Sprintf("panic: %v", rec)}}
			err = fmt.Errorf("engine call panicked: %v", rec)
		}
	}()

	body := struct {
		CorrelationID string `json:"correlation_id"`
		AccountID     string `json:"account_id,omitempty"`
	}{CorrelationID: correlationID, AccountID: accountID}

	payload, err := json.Marshal(body)
	if err != nil {
		return CloseResult{}, fmt.Errorf("failed to marshal close request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return CloseResult{}, fmt.Errorf("failed to build close request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", correlationID)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return CloseResult{Errors: []string{err.Error()}}, fmt.Errorf("engine call failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return CloseResult{Errors: []string{err.Error()}}, fmt.Errorf("failed to read engine response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("engine returned status %d: %s", resp.StatusCode, string(data))
		return CloseResult{Errors: []string{msg}}, fmt.Errorf("%s", msg)
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return CloseResult{Errors: []string{err.Error()}}, fmt.Errorf("failed to decode engine response: %w", err)
	}
	return result, nil
}
