package telegram

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// APIError is a failure reported by the Bot API, either through the
// {"ok":false} envelope or a bare HTTP error status.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed (HTTP %d): %s", e.Method, e.Code, e.Description)
}

// IsTransient reports whether the error is rate limiting or an upstream
// gateway failure that is expected to clear by itself.
func (e *APIError) IsTransient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Signature buckets recurring failures by their error code.
func (e *APIError) Signature() string {
	if e.Code == 0 {
		return e.Error()
	}
	return strconv.Itoa(e.Code)
}

// classifyResponse builds an APIError from a failed response.
func classifyResponse(method string, status int, resp *apiResponse, header http.Header) *APIError {
	err := &APIError{Method: method, Code: status}

	if resp != nil {
		if resp.ErrorCode != 0 {
			err.Code = resp.ErrorCode
		}
		err.Description = resp.Description
		if resp.Parameters != nil && resp.Parameters.RetryAfter > 0 {
			err.RetryAfter = time.Duration(resp.Parameters.RetryAfter) * time.Second
		}
	}
	if err.Description == "" {
		err.Description = http.StatusText(err.Code)
	}
	if err.RetryAfter == 0 {
		if seconds, convErr := strconv.Atoi(header.Get("Retry-After")); convErr == nil && seconds > 0 {
			err.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	return err
}

// sanitizedError hides the bot token that net/http embeds in URL errors
// while keeping the original error in the chain.
type sanitizedError struct {
	msg string
	err error
}

func (e *sanitizedError) Error() string { return e.msg }
func (e *sanitizedError) Unwrap() error { return e.err }

func sanitize(err error, token string) error {
	if err == nil || token == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, token) {
		return err
	}
	return &sanitizedError{msg: SanitizeToken(msg, token), err: err}
}

// SanitizeToken replaces every occurrence of token in s.
func SanitizeToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}
