package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Garant platform.
type Config struct {
	APIURL    string // Base URL, e.g. "http://localhost:8080"
	APIKey    string // API key, e.g. "sk_..."
	AccountID string // Ledger account, e.g. "acc_..."
}

// GarantClient is a pure HTTP client for the Garant platform API.
type GarantClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewGarantClient creates a new client for the Garant platform.
func NewGarantClient(cfg Config) *GarantClient {
	return &GarantClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *GarantClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// BrowseDeals lists deals, optionally filtered by state or seller.
func (c *GarantClient) BrowseDeals(ctx context.Context, state, seller string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if seller != "" {
		q.Set("seller", seller)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/deals", q, nil)
}

// GetDeal fetches one deal by ID.
func (c *GarantClient) GetDeal(ctx context.Context, dealID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/deals/"+dealID, nil, nil)
}

// CreateDeal lists a new deal with the caller as seller.
func (c *GarantClient) CreateDeal(ctx context.Context, title, description, price string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/deals", nil, map[string]string{
		"title":       title,
		"description": description,
		"price":       price,
	})
}

// ClaimDeal funds a listed deal as the buyer.
func (c *GarantClient) ClaimDeal(ctx context.Context, dealID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/deals/"+dealID+"/claim", nil, nil)
}

// FulfillDeal marks a funded deal as fulfilled by the seller.
func (c *GarantClient) FulfillDeal(ctx context.Context, dealID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/deals/"+dealID+"/fulfill", nil, nil)
}

// ConfirmDeal confirms receipt as the buyer, releasing escrow.
func (c *GarantClient) ConfirmDeal(ctx context.Context, dealID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/deals/"+dealID+"/confirm", nil, nil)
}

// DisputeDeal opens a dispute on a deal the caller bought.
func (c *GarantClient) DisputeDeal(ctx context.Context, dealID, reason string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/deals/"+dealID+"/dispute", nil, map[string]string{
		"reason": reason,
	})
}

// PostMessage adds a chat message to a deal thread.
func (c *GarantClient) PostMessage(ctx context.Context, dealID, body string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/deals/"+dealID+"/messages", nil, map[string]string{
		"body": body,
	})
}

// ListMessages returns the chat and audit thread of a deal.
func (c *GarantClient) ListMessages(ctx context.Context, dealID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/deals/"+dealID+"/messages", nil, nil)
}

// GetBalance fetches the caller's ledger balance.
func (c *GarantClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+c.cfg.AccountID+"/balance", nil, nil)
}
