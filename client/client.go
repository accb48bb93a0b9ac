// Package client is a Go client for the pullpay HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TransferResult is returned once a transfer is confirmed on chain.
type TransferResult struct {
	Hash      string `json:"hash"`
	RequestID string `json:"-"`
}

// Allowance is the advisory allowance and balance view for an owner.
type Allowance struct {
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Token     string `json:"token"`
	Decimals  uint8  `json:"decimals"`
	Allowance string `json:"allowance"`
	Balance   string `json:"balance"`
}

// Info describes the configured token and operator.
type Info struct {
	Token    string `json:"token"`
	Operator string `json:"operator"`
}

// Transfer is a journaled transfer.
type Transfer struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id,omitempty"`
	Hash        string    `json:"hash"`
	Depositor   string    `json:"depositor"`
	Recipient   string    `json:"recipient"`
	Token       string    `json:"token"`
	Amount      string    `json:"amount"`
	AmountMinor string    `json:"amount_minor"`
	Decimals    uint8     `json:"decimals"`
	Status      string    `json:"status"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TransferEvent is a lifecycle event received from the event stream.
type TransferEvent struct {
	Hash        string    `json:"hash"`
	RequestID   string    `json:"request_id,omitempty"`
	Depositor   string    `json:"depositor"`
	Recipient   string    `json:"recipient"`
	Token       string    `json:"token"`
	Amount      string    `json:"amount"`
	AmountMinor string    `json:"amount_minor"`
	Status      string    `json:"status"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ListTransfersOptions filters and paginates ListTransfers. Zero values are
// omitted from the query.
type ListTransfersOptions struct {
	Depositor string
	Status    string
	Limit     int
	Offset    int
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// Client is the HTTP client for the pullpay service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new client. Transfer requests block until the receipt
// is observed, so the default timeout is generous.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Transfer asks the operator to pull amount from depositor to recipient and
// waits for confirmation. An optional requestID is forwarded as X-Request-ID.
func (c *Client) Transfer(ctx context.Context, depositor, recipient, amount, requestID string) (*TransferResult, error) {
	body, err := json.Marshal(map[string]string{
		"fromAddress":      depositor,
		"recipientAddress": recipient,
		"amount":           amount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	var result TransferResult
	resp, err := c.do(req, &result)
	if err != nil {
		return nil, err
	}
	result.RequestID = resp.Header.Get("X-Request-ID")

	c.logger.Debug("transfer confirmed", "tx_hash", result.Hash, "request_id", result.RequestID)
	return &result, nil
}

// Allowance reads the operator allowance and balance of owner.
func (c *Client) Allowance(ctx context.Context, owner string) (*Allowance, error) {
	u := c.baseURL + "/api/v1/allowance?" + url.Values{"owner": {owner}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var a Allowance
	if _, err := c.do(req, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Info returns the token and operator addresses.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/info", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var info Info
	if _, err := c.do(req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetTransfer retrieves a journaled transfer by transaction hash.
func (c *Client) GetTransfer(ctx context.Context, hash string) (*Transfer, error) {
	u := fmt.Sprintf("%s/api/v1/transfers/%s", c.baseURL, url.PathEscape(hash))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var t Transfer
	if _, err := c.do(req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransfers lists journaled transfers, most recent first.
func (c *Client) ListTransfers(ctx context.Context, opts ListTransfersOptions) ([]*Transfer, error) {
	q := url.Values{}
	if opts.Depositor != "" {
		q.Set("depositor", opts.Depositor)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	u := c.baseURL + "/api/v1/transfers"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var result struct {
		Transfers []*Transfer `json:"transfers"`
	}
	if _, err := c.do(req, &result); err != nil {
		return nil, err
	}

	c.logger.Debug("transfers listed", "count", len(result.Transfers))
	return result.Transfers, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// Await subscribes to the event stream for depositor (all depositors when
// empty) and returns the first event matcher accepts. It blocks until a match,
// the stream ends or ctx is done.
func (c *Client) Await(ctx context.Context, depositor string, matcher func(*TransferEvent) bool) (*TransferEvent, error) {
	u := c.baseURL + "/api/v1/stream/transfers"
	if depositor != "" {
		u += "/" + url.PathEscape(depositor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream is long lived; only ctx bounds it.
	streamClient := *c.httpClient
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			eventType = ""
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if eventType != "" && eventType != "transfer" {
				continue
			}
			var event TransferEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
				c.logger.Warn("failed to decode transfer event", "error", err)
				continue
			}
			if matcher == nil || matcher(&event) {
				return &event, nil
			}
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream failed: %w", err)
	}
	return nil, fmt.Errorf("stream closed before a matching event arrived")
}

// do sends req and decodes a 200 JSON response into out.
func (c *Client) do(req *http.Request, out interface{}) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
