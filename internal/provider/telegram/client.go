package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

const (
	defaultRequestTimeout = 30 * time.Second

	// maxRetries is the maximum number of retry attempts for transient send failures.
	maxRetries = 3

	// baseRetryDelay is the initial delay for exponential backoff.
	baseRetryDelay = 1 * time.Second

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 4 << 20
)

// Config holds the configuration for creating a Client.
type Config struct {
	Token          string
	APIURL         string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Client talks to the Telegram Bot API. It implements provider.Provider and
// serves as the update source of the command poller.
type Client struct {
	token          string
	apiURL         string
	requestTimeout time.Duration
	httpClient     *http.Client
	retryDelay     time.Duration
}

// New creates a Client with the given configuration.
func New(cfg Config) *Client {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	// Per-request deadlines come from the context; a client-wide timeout
	// would cut long polls short.
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		token:          cfg.Token,
		apiURL:         apiURL,
		requestTimeout: timeout,
		httpClient:     client,
		retryDelay:     baseRetryDelay,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "telegram"
}

// GetMe returns the bot's own user record.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", nil, "", c.requestTimeout, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// GetUpdates long-polls for updates with an id of at least offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	body, err := json.Marshal(getUpdatesRequest{
		Offset:         offset,
		Timeout:        int(timeout / time.Second),
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal getUpdates request: %w", err)
	}

	var updates []Update
	if err := c.call(ctx, "getUpdates", body, "application/json", timeout+c.requestTimeout, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendText delivers a text message. Transient failures are retried with
// backoff, honoring the server's retry_after hint unless it is longer than
// the request timeout.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal sendMessage request: %w", err)
	}

	return c.withRetry(ctx, "sendMessage", func() error {
		return c.call(ctx, "sendMessage", body, "application/json", c.requestTimeout, nil)
	})
}

// SendVoice uploads an Ogg/Opus recording as a voice message.
func (c *Client) SendVoice(ctx context.Context, chatID int64, voice []byte, caption string) error {
	buf := new(bytes.Buffer)
	w := multipart.NewWriter(buf)

	if err := w.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return fmt.Errorf("failed to write chat_id: %w", err)
	}
	if caption != "" {
		if err := w.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption: %w", err)
		}
	}
	fileWriter, err := w.CreateFormFile("voice", "voice.ogg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(voice); err != nil {
		return fmt.Errorf("failed to write voice content: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	body := buf.Bytes()
	return c.withRetry(ctx, "sendVoice", func() error {
		return c.call(ctx, "sendVoice", body, w.FormDataContentType(), c.requestTimeout, nil)
	})
}

// withRetry runs send until it succeeds, fails permanently or runs out of
// attempts.
func (c *Client) withRetry(ctx context.Context, method string, send func() error) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying Telegram request",
				"method", method,
				"attempt", attempt,
				"max_retries", maxRetries,
			)
		}

		err := send()
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsTransient() {
			return err
		}

		delay := apiErr.RetryAfter
		if delay <= 0 {
			delay = c.backoffDelay(attempt)
		}
		// Waits longer than one request stall the mail pipeline.
		if delay > c.requestTimeout {
			return fmt.Errorf("telegram %s: retry delay %v exceeds %v, giving up: %w",
				method, delay, c.requestTimeout, err)
		}
		slog.Info("transient Telegram error, retrying",
			"method", method,
			"code", apiErr.Code,
			"delay", delay,
		)
		if err := sleepWithContext(ctx, delay); err != nil {
			return fmt.Errorf("context cancelled during retry wait: %w", err)
		}
	}

	return fmt.Errorf("telegram %s failed after %d retries: %w", method, maxRetries, lastErr)
}

// call performs one Bot API request and decodes its result into out.
func (c *Client) call(ctx context.Context, method string, body []byte, contentType string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpMethod := http.MethodGet
	var reader io.Reader
	if body != nil {
		httpMethod = http.MethodPost
		reader = bytes.NewReader(body)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.apiURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, reader)
	if err != nil {
		return errors.Wrap(sanitize(err, c.token), "failed to create request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(sanitize(err, c.token), "telegram %s request failed", method)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return errors.Wrapf(err, "failed to read telegram %s response", method)
	}

	var envelope apiResponse
	if jsonErr := json.Unmarshal(raw, &envelope); jsonErr != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return classifyResponse(method, resp.StatusCode, nil, resp.Header)
		}
		return errors.Wrapf(jsonErr, "failed to decode telegram %s response", method)
	}
	if !envelope.OK {
		return classifyResponse(method, resp.StatusCode, &envelope, resp.Header)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return errors.Wrapf(err, "failed to decode telegram %s result", method)
	}
	return nil
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.retryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
