package telegramclient

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"log/slog"
)

const (
	defaultBaseURL   = "https://api.telegram.org"
	defaultUserAgent = "profilebot/0.1"
	maxRetryAfter    = 10 * time.Second

	// SecretTokenHeader carries the secret registered with setWebhook.
	SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// ErrSecretMismatch is returned when a webhook request carries the wrong secret token.
var ErrSecretMismatch = errors.New("telegramclient: webhook secret mismatch")

// Config controls how the Telegram client behaves.
type Config struct {
	BaseURL       string
	Token         string
	WebhookSecret string
	Timeout       time.Duration
	MaxRetries    int
	Backoff       time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
	UserAgent     string
}

// Client wraps the Bot API methods the gateway needs.
type Client struct {
	token         string
	baseURL       string
	webhookSecret string
	httpClient    *http.Client
	maxRetries    int
	backoff       time.Duration
	logger        *slog.Logger
	userAgent     string
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegramclient: bot token is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		token:         cfg.Token,
		baseURL:       baseURL,
		webhookSecret: cfg.WebhookSecret,
		httpClient:    httpClient,
		maxRetries:    maxRetries,
		backoff:       backoff,
		logger:        logger,
		userAgent:     userAgent,
	}, nil
}

// SendMessage sends a text message to a chat.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	data, err := c.call(ctx, "sendMessage", req)
	if err != nil {
		return nil, err
	}
	return decodeResult[Message](data)
}

// SetWebhook registers url as the delivery target for updates.
func (c *Client) SetWebhook(ctx context.Context, req SetWebhookRequest) error {
	if strings.TrimSpace(req.URL) == "" {
		return errors.New("telegramclient: webhook url required")
	}
	_, err := c.call(ctx, "setWebhook", req)
	return err
}

// GetWebhookInfo returns the current webhook registration.
func (c *Client) GetWebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	data, err := c.call(ctx, "getWebhookInfo", nil)
	if err != nil {
		return nil, err
	}
	return decodeResult[WebhookInfo](data)
}

// EnsureWebhook registers url unless it is already the active webhook. It
// reports whether setWebhook was called. The secret token cannot be read back,
// so rotating it alone does not trigger a new registration.
func (c *Client) EnsureWebhook(ctx context.Context, url, secret string) (bool, error) {
	info, err := c.GetWebhookInfo(ctx)
	if err != nil {
		return false, err
	}
	if info.URL == url {
		c.logger.Info("telegram webhook already registered", "url", url, "pending_updates", info.PendingUpdateCount)
		return false, nil
	}
	if err := c.SetWebhook(ctx, SetWebhookRequest{
		URL:            url,
		SecretToken:    secret,
		AllowedUpdates: []string{"message"},
	}); err != nil {
		return false, err
	}
	c.logger.Info("telegram webhook registered", "url", url, "previous_url", info.URL)
	return true, nil
}

// VerifyWebhookSecret compares the secret token header of an inbound request
// with the configured secret. An empty configured secret disables the check.
func (c *Client) VerifyWebhookSecret(header string) error {
	return VerifySecretToken(c.webhookSecret, header)
}

// VerifySecretToken compares header with secret in constant time.
func VerifySecretToken(secret, header string) error {
	if secret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(header)) != 1 {
		return ErrSecretMismatch
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("telegramclient: marshal %s body: %w", method, err)
		}
	}
	data, err := c.invoke(ctx, method, body)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("telegramclient: decode %s response: %w", method, err)
	}
	if !env.OK {
		return nil, &APIError{StatusCode: http.StatusOK, ErrorCode: env.ErrorCode, Description: env.Description}
	}
	return env.Result, nil
}

func (c *Client) invoke(ctx context.Context, method string, body []byte) ([]byte, error) {
	// The token is part of the URL, so only the method name is ever logged.
	fullURL := c.baseURL + "/bot" + c.token + "/" + method
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader io.Reader
		httpMethod := http.MethodGet
		if body != nil {
			bodyReader = bytes.NewReader(body)
			httpMethod = http.MethodPost
		}
		req, err := http.NewRequestWithContext(ctx, httpMethod, fullURL, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("telegramclient: build request: %w", err)
		}
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			err = redactToken(err, c.token)
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("telegramclient: http error: %w", err)
			}
			lastErr = err
			c.logRetry(method, attempt, 0, err)
			if sleepErr := c.sleep(ctx, c.delay(attempt, 0)); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("telegramclient: read response: %w", readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		apiErr := decodeAPIError(resp.StatusCode, data)
		if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
			lastErr = apiErr
			c.logRetry(method, attempt, resp.StatusCode, apiErr)
			if sleepErr := c.sleep(ctx, c.delay(attempt, apiErr.RetryAfter)); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("telegramclient: request failed without response")
}

func (c *Client) delay(attempt, retryAfter int) time.Duration {
	delay := c.backoff * time.Duration(1<<attempt)
	if hinted := time.Duration(retryAfter) * time.Second; hinted > delay {
		delay = hinted
	}
	if delay > maxRetryAfter {
		delay = maxRetryAfter
	}
	return delay
}

func (c *Client) sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(method string, attempt int, status int, err error) {
	if c.logger == nil {
		return
	}
	c.logger.Warn("telegram retry",
		"method", method,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	if status >= 500 && status <= 599 {
		return true
	}
	return false
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters"`
}

// APIError is a non-successful Bot API response.
type APIError struct {
	StatusCode  int
	ErrorCode   int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegramclient: %s (status=%d)", e.Description, e.StatusCode)
	}
	return fmt.Sprintf("telegramclient: http status %d", e.StatusCode)
}

func decodeAPIError(status int, body []byte) *APIError {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &APIError{StatusCode: status, Description: strings.TrimSpace(string(body))}
	}
	return &APIError{
		StatusCode:  status,
		ErrorCode:   env.ErrorCode,
		Description: env.Description,
		RetryAfter:  env.Parameters.RetryAfter,
	}
}

func decodeResult[T any](raw json.RawMessage) (*T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("telegramclient: decode result: %w", err)
	}
	return &out, nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// redactToken strips the bot token from transport errors, which quote the request URL.
func redactToken(err error, token string) error {
	if err == nil || token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<redacted>"), err: err}
}
