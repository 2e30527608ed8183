package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/zhentan/cosigner/internal/admission"
	"github.com/zhentan/cosigner/internal/review"
	"github.com/zhentan/cosigner/internal/txqueue"
)

// Config holds the configuration for connecting to the co-signer API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	APIKey      string // API key from API_KEYS
	SignerGroup string // default group for group-scoped tools (optional)
}

// Client is a plain HTTP client for the co-signer API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client. The timeout leaves room for one
// relay await on execute calls.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 3 * time.Minute},
	}
}

// APIError is an error response from the service.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Code)
}

// do makes a request and decodes a 2xx JSON body into out. Error bodies of
// relay failures still carry the stored record, so they are decoded into
// out as well when possible.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || (apiErr.Code == "" && apiErr.Message == "") {
			apiErr.Message = string(respBody)
		}
		if out != nil && resp.StatusCode == http.StatusBadGateway {
			_ = json.Unmarshal(respBody, out)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Group returns group, or the configured default when empty.
func (c *Client) Group(group string) string {
	if group != "" {
		return group
	}
	return c.cfg.SignerGroup
}

// Pending calls GET /v1/groups/:group/pending.
func (c *Client) Pending(ctx context.Context, group string) ([]*txqueue.Transaction, error) {
	var resp struct {
		Transactions []*txqueue.Transaction `json:"transactions"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/groups/"+url.PathEscape(group)+"/pending", nil, nil, &resp)
	return resp.Transactions, err
}

// Status calls GET /v1/groups/:group/status.
func (c *Client) Status(ctx context.Context, group string) (*admission.Status, error) {
	var st admission.Status
	if err := c.do(ctx, http.MethodGet, "/v1/groups/"+url.PathEscape(group)+"/status", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SetScreening calls PUT /v1/groups/:group/settings.
func (c *Client) SetScreening(ctx context.Context, group string, enabled bool) (*admission.Settings, error) {
	var resp struct {
		Settings *admission.Settings `json:"settings"`
	}
	body := map[string]bool{"screeningEnabled": enabled}
	if err := c.do(ctx, http.MethodPut, "/v1/groups/"+url.PathEscape(group)+"/settings", nil, body, &resp); err != nil {
		return nil, err
	}
	return resp.Settings, nil
}

// AnalyzeStored calls GET /v1/transactions/:id/risk.
func (c *Client) AnalyzeStored(ctx context.Context, id string) (*admission.Analysis, error) {
	var resp struct {
		Analysis *admission.Analysis `json:"analysis"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(id)+"/risk", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Analysis, nil
}

// Analyze calls GET /v1/risk/analyze for an ad-hoc candidate.
func (c *Client) Analyze(ctx context.Context, recipient, amount string) (*admission.Analysis, error) {
	var resp struct {
		Analysis *admission.Analysis `json:"analysis"`
	}
	q := url.Values{"recipient": {recipient}, "amount": {amount}}
	if err := c.do(ctx, http.MethodGet, "/v1/risk/analyze", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Analysis, nil
}

// Transaction calls GET /v1/transactions/:id.
func (c *Client) Transaction(ctx context.Context, id string) (*txqueue.Transaction, error) {
	var resp struct {
		Transaction *txqueue.Transaction `json:"transaction"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(id), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transaction, nil
}

// ExecuteResult is the body of POST /v1/transactions/:id/execute. Status is
// set only for the already-executed shortcut.
type ExecuteResult struct {
	Status      string               `json:"status,omitempty"`
	Hash        string               `json:"hash,omitempty"`
	Action      admission.Action     `json:"action,omitempty"`
	Transaction *txqueue.Transaction `json:"transaction"`
}

// Execute calls POST /v1/transactions/:id/execute. On a relay failure the
// result still holds the unchanged record alongside the error.
func (c *Client) Execute(ctx context.Context, id string) (*ExecuteResult, error) {
	var res ExecuteResult
	err := c.do(ctx, http.MethodPost, "/v1/transactions/"+url.PathEscape(id)+"/execute", nil, struct{}{}, &res)
	return &res, err
}

// Review calls POST /v1/transactions/:id/review.
func (c *Client) Review(ctx context.Context, id string, decision review.Decision, reason string) (*review.Result, error) {
	var res review.Result
	body := map[string]string{"action": string(decision), "reason": reason}
	if err := c.do(ctx, http.MethodPost, "/v1/transactions/"+url.PathEscape(id)+"/review", nil, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
