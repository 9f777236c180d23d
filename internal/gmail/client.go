package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	baseURL     = "https://gmail.googleapis.com/gmail/v1"
	maxRetries  = 8
	maxBackoff  = 300 // max backoff in seconds
	maxPageSize = 500
	// MaxBatchModify is the remote's per-call limit for batchModify.
	MaxBatchModify = 1000
)

// Client implements the API interface against the Gmail REST endpoint.
type Client struct {
	httpClient  *http.Client
	tokenSource oauth2.TokenSource
	rateLimiter *RateLimiter
	logger      *slog.Logger
	userID      string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimiter sets a custom rate limiter. Clients created with
// Clone share the limiter so the quota budget stays global.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) {
		c.rateLimiter = rl
	}
}

// NewClient creates a new Gmail API client.
func NewClient(tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		httpClient:  oauth2.NewClient(context.Background(), tokenSource),
		tokenSource: tokenSource,
		userID:      "me",
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.rateLimiter == nil {
		c.rateLimiter = NewRateLimiter(5.0)
	}

	return c
}

// Clone returns a client sharing this client's authorization state and
// rate limiter but issuing calls over its own connections. Each sync
// worker holds a clone so one slow call cannot block another worker on
// a shared connection.
func (c *Client) Clone() *Client {
	return &Client{
		httpClient:  oauth2.NewClient(context.Background(), c.tokenSource),
		tokenSource: c.tokenSource,
		rateLimiter: c.rateLimiter,
		logger:      c.logger,
		userID:      c.userID,
	}
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// request makes an HTTP request with rate limiting and retry logic.
// bodyBytes can be nil for requests without a body.
func (c *Client) request(ctx context.Context, op Operation, method, path string, bodyBytes []byte) ([]byte, error) {
	if err := c.rateLimiter.Acquire(ctx, op); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	reqURL := baseURL + path

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt)
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "path", path)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue // retry network errors
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			c.logger.Debug("rate limited, backing off", "path", path, "attempt", attempt)
			c.rateLimiter.Throttle(30 * time.Second)
			lastErr = fmt.Errorf("rate limited (429)")
			continue

		case http.StatusForbidden:
			// Gmail reports quota exhaustion as 403 with a rateLimitExceeded
			// reason; everything else at 403 is a permission problem.
			if isRateLimitError(respBody) {
				c.logger.Debug("quota exceeded, backing off", "path", path, "attempt", attempt)
				c.rateLimiter.Throttle(60 * time.Second)
				lastErr = fmt.Errorf("quota exceeded (403)")
				continue
			}
			return nil, &AuthError{StatusCode: resp.StatusCode, Body: firstBytes(respBody, 200)}

		case http.StatusUnauthorized:
			return nil, &AuthError{StatusCode: resp.StatusCode, Body: firstBytes(respBody, 200)}

		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			continue

		case http.StatusNotFound:
			return nil, &NotFoundError{Path: path}

		default:
			return nil, fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(respBody))
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff returns exponential backoff with full jitter.
func calculateBackoff(attempt int) time.Duration {
	base := float64(uint(1) << uint(attempt))
	if base > maxBackoff {
		base = maxBackoff
	}
	return time.Duration(rand.Float64() * base * float64(time.Second))
}

// isRateLimitError checks whether a 403 body is actually quota exhaustion.
func isRateLimitError(body []byte) bool {
	return bytes.Contains(body, []byte("rateLimitExceeded")) ||
		bytes.Contains(body, []byte("RATE_LIMIT_EXCEEDED")) ||
		bytes.Contains(body, []byte("userRateLimitExceeded")) ||
		bytes.Contains(body, []byte("Quota exceeded"))
}

func firstBytes(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// JSON response shapes (unexported, used only for unmarshaling).

type profileResponse struct {
	EmailAddress  string `json:"emailAddress"`
	MessagesTotal int64  `json:"messagesTotal"`
	ThreadsTotal  int64  `json:"threadsTotal"`
}

type messageRefJSON struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type listMessagesResponse struct {
	Messages           []messageRefJSON `json:"messages"`
	NextPageToken      string           `json:"nextPageToken"`
	ResultSizeEstimate int64            `json:"resultSizeEstimate"`
}

type rawMessageResponse struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"threadId"`
	LabelIDs     []string `json:"labelIds"`
	Snippet      string   `json:"snippet"`
	InternalDate string   `json:"internalDate"`
	SizeEstimate int64    `json:"sizeEstimate"`
	Raw          string   `json:"raw"` // base64url, typically unpadded
}

type minimalMessageResponse struct {
	ID       string   `json:"id"`
	LabelIDs []string `json:"labelIds"`
}

// decodeBase64URL decodes base64url data, tolerating optional padding.
func decodeBase64URL(s string) ([]byte, error) {
	if strings.ContainsRune(s, '=') {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// GetProfile returns the authenticated user's profile.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	path := fmt.Sprintf("/users/%s/profile", c.userID)
	data, err := c.request(ctx, OpProfile, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp profileResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	return &Profile{
		EmailAddress:  resp.EmailAddress,
		MessagesTotal: resp.MessagesTotal,
		ThreadsTotal:  resp.ThreadsTotal,
	}, nil
}

// ListMessages returns one page of message references matching the query.
func (c *Client) ListMessages(ctx context.Context, query, pageToken string, pageSize int) (*MessageListResponse, error) {
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	params := url.Values{}
	params.Set("maxResults", strconv.Itoa(pageSize))
	if query != "" {
		params.Set("q", query)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	path := fmt.Sprintf("/users/%s/messages?%s", c.userID, params.Encode())
	data, err := c.request(ctx, OpMessagesList, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp listMessagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}

	messages := make([]MessageRef, len(resp.Messages))
	for i, m := range resp.Messages {
		messages[i] = MessageRef(m)
	}

	return &MessageListResponse{
		Messages:           messages,
		NextPageToken:      resp.NextPageToken,
		ResultSizeEstimate: resp.ResultSizeEstimate,
	}, nil
}

// GetMessageRaw fetches a single message with raw MIME data.
func (c *Client) GetMessageRaw(ctx context.Context, messageID string) (*RawMessage, error) {
	path := fmt.Sprintf("/users/%s/messages/%s?format=raw", c.userID, messageID)
	data, err := c.request(ctx, OpMessagesGetRaw, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp rawMessageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	rawBytes, err := decodeBase64URL(resp.Raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw MIME: %w", err)
	}

	internalDate, _ := strconv.ParseInt(resp.InternalDate, 10, 64)

	return &RawMessage{
		ID:           resp.ID,
		ThreadID:     resp.ThreadID,
		LabelIDs:     resp.LabelIDs,
		Snippet:      resp.Snippet,
		InternalDate: internalDate,
		SizeEstimate: resp.SizeEstimate,
		Raw:          rawBytes,
	}, nil
}

// GetMessageLabels fetches only the label set of a message.
func (c *Client) GetMessageLabels(ctx context.Context, messageID string) (*MessageLabels, error) {
	path := fmt.Sprintf("/users/%s/messages/%s?format=minimal", c.userID, messageID)
	data, err := c.request(ctx, OpMessagesGetLabels, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp minimalMessageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse message labels: %w", err)
	}

	return &MessageLabels{ID: resp.ID, LabelIDs: resp.LabelIDs}, nil
}

// BatchModify adds and removes labels on up to MaxBatchModify messages.
func (c *Client) BatchModify(ctx context.Context, messageIDs, addLabelIDs, removeLabelIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if len(messageIDs) > MaxBatchModify {
		return fmt.Errorf("batch modify limited to %d messages, got %d", MaxBatchModify, len(messageIDs))
	}

	body := struct {
		IDs            []string `json:"ids"`
		AddLabelIDs    []string `json:"addLabelIds,omitempty"`
		RemoveLabelIDs []string `json:"removeLabelIds,omitempty"`
	}{IDs: messageIDs, AddLabelIDs: addLabelIDs, RemoveLabelIDs: removeLabelIDs}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	path := fmt.Sprintf("/users/%s/messages/batchModify", c.userID)
	_, err = c.request(ctx, OpMessagesBatchModify, http.MethodPost, path, bodyBytes)
	return err
}

// Ensure Client implements the API interface.
var _ API = (*Client)(nil)
