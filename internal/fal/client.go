package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/imagine/internal/models"
)

// TargetURLHeader carries the real fal URL when a request is sent through a proxy.
const TargetURLHeader = "x-fal-target-url"

// maxErrorBodyBytes bounds how much of a failed response body is kept on APIError.
const maxErrorBodyBytes = 4096

// Client talks to the fal queue API, either directly with a key or through a
// credential-injecting proxy that holds the key.
type Client struct {
	httpClient *http.Client
	queueURL   string
	key        string
	proxyURL   string
}

// Option configures a Client.
type Option func(*Client)

// WithCredentials makes the client call fal directly with the given key.
func WithCredentials(key string) Option {
	return func(c *Client) { c.key = key }
}

// WithProxyURL routes every call through the proxy at proxyURL. No credentials are sent.
func WithProxyURL(proxyURL string) Option {
	return func(c *Client) { c.proxyURL = proxyURL }
}

// WithQueueURL overrides the queue base URL (default https://queue.fal.run).
func WithQueueURL(queueURL string) Option {
	return func(c *Client) { c.queueURL = strings.TrimSuffix(queueURL, "/") }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a fal queue client
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		queueURL:   "https://queue.fal.run",
	}
	for _, opt := range opts {
		opt(c)
	}

	log.Info().
		Str("queue_url", c.queueURL).
		Str("proxy_url", c.proxyURL).
		Bool("direct_credentials", c.key != "").
		Msg("fal client initialized")

	return c
}

// QueueRef identifies a submitted request and the URLs to follow it.
type QueueRef struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
	CancelURL   string `json:"cancel_url"`
}

// Result is the output of a completed request.
type Result struct {
	RequestID string
	Data      json.RawMessage
}

// APIError is a non-2xx answer from fal (or from the proxy in front of it).
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fal api error: status %d: %s", e.StatusCode, e.Body)
}

type statusResponse struct {
	Status        string `json:"status"`
	QueuePosition *int   `json:"queue_position"`
	ResponseURL   string `json:"response_url"`
	Logs          []struct {
		Message string `json:"message"`
	} `json:"logs"`
}

// Submit enqueues input for endpointID (e.g. fal-ai/flux/dev).
func (c *Client) Submit(ctx context.Context, endpointID string, input interface{}) (*QueueRef, error) {
	target := c.queueURL + "/" + strings.Trim(endpointID, "/")

	var ref QueueRef
	if err := c.doJSON(ctx, http.MethodPost, target, input, &ref); err != nil {
		return nil, fmt.Errorf("submit %s: %w", endpointID, err)
	}
	if ref.RequestID == "" {
		return nil, fmt.Errorf("submit %s: response has no request_id", endpointID)
	}

	base := c.requestBase(endpointID, ref.RequestID)
	if ref.StatusURL == "" {
		ref.StatusURL = base + "/status"
	}
	if ref.ResponseURL == "" {
		ref.ResponseURL = base
	}
	if ref.CancelURL == "" {
		ref.CancelURL = base + "/cancel"
	}

	log.Info().
		Str("endpoint", endpointID).
		Str("request_id", ref.RequestID).
		Msg("fal request submitted")

	return &ref, nil
}

// Status fetches the current queue status of ref.
func (c *Client) Status(ctx context.Context, ref *QueueRef, withLogs bool) (*models.QueueUpdate, error) {
	target := ref.StatusURL
	if withLogs {
		target += "?logs=1"
	}

	var resp statusResponse
	if err := c.doJSON(ctx, http.MethodGet, target, nil, &resp); err != nil {
		return nil, fmt.Errorf("status %s: %w", ref.RequestID, err)
	}
	if resp.ResponseURL != "" {
		ref.ResponseURL = resp.ResponseURL
	}

	update := &models.QueueUpdate{
		RequestID:     ref.RequestID,
		Status:        resp.Status,
		QueuePosition: resp.QueuePosition,
	}
	for _, l := range resp.Logs {
		update.Logs = append(update.Logs, l.Message)
	}
	return update, nil
}

// Result fetches the output of a completed request.
func (c *Client) Result(ctx context.Context, ref *QueueRef) (*Result, error) {
	var data json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, ref.ResponseURL, nil, &data); err != nil {
		return nil, fmt.Errorf("result %s: %w", ref.RequestID, err)
	}
	return &Result{RequestID: ref.RequestID, Data: data}, nil
}

// Cancel asks fal to drop a queued request. Requests already running may still complete.
func (c *Client) Cancel(ctx context.Context, ref *QueueRef) error {
	if err := c.doJSON(ctx, http.MethodPut, ref.CancelURL, nil, nil); err != nil {
		return fmt.Errorf("cancel %s: %w", ref.RequestID, err)
	}
	return nil
}

// SubscribeOptions controls polling in Subscribe.
type SubscribeOptions struct {
	PollInterval  time.Duration
	Logs          bool
	OnQueueUpdate func(models.QueueUpdate)
}

// Subscribe submits input, polls status every PollInterval until the request completes,
// and returns its output. Cancelling ctx stops polling and cancels the queued request.
func (c *Client) Subscribe(ctx context.Context, endpointID string, input interface{}, opts SubscribeOptions) (*Result, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	ref, err := c.Submit(ctx, endpointID, input)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.cancelDetached(ref)
			return nil, ctx.Err()
		case <-ticker.C:
		}

		update, err := c.Status(ctx, ref, opts.Logs)
		if err != nil {
			if ctx.Err() != nil {
				c.cancelDetached(ref)
				return nil, ctx.Err()
			}
			return nil, err
		}
		if opts.OnQueueUpdate != nil {
			opts.OnQueueUpdate(*update)
		}

		switch update.Status {
		case models.QueueStatusCompleted:
			return c.Result(ctx, ref)
		case models.QueueStatusInQueue, models.QueueStatusInProgress:
			continue
		default:
			return nil, fmt.Errorf("request %s: unexpected status %q", ref.RequestID, update.Status)
		}
	}
}

func (c *Client) cancelDetached(ref *QueueRef) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Cancel(ctx, ref); err != nil {
		log.Warn().Err(err).Str("request_id", ref.RequestID).Msg("Failed to cancel fal request")
		return
	}
	log.Info().Str("request_id", ref.RequestID).Msg("fal request cancelled")
}

// requestBase builds the per-request URL. Status and result live under owner/alias only,
// without the endpoint sub path (fal-ai/flux/dev -> fal-ai/flux).
func (c *Client) requestBase(endpointID, requestID string) string {
	parts := strings.Split(strings.Trim(endpointID, "/"), "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return c.queueURL + "/" + strings.Join(parts, "/") + "/requests/" + requestID
}

// doJSON sends body (JSON, may be nil) to target and decodes a 2xx answer into out (may be nil).
func (c *Client) doJSON(ctx context.Context, method, target string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	reqURL := target
	if c.proxyURL != "" {
		reqURL = c.proxyURL
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.proxyURL != "" {
		req.Header.Set(TargetURLHeader, target)
	} else if c.key != "" {
		req.Header.Set("Authorization", "Key "+c.key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
