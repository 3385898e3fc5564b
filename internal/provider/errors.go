package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrUnknownPlatform indicates no model variant exists for the platform tag.
var ErrUnknownPlatform = errors.New("unknown platform")

// ErrUnsupportedPlatform indicates the platform is known but no adapter is configured.
var ErrUnsupportedPlatform = errors.New("platform not supported")

// ErrUnsupportedOperation indicates the adapter cannot fulfill the requested method.
var ErrUnsupportedOperation = errors.New("unsupported provider operation")

// ErrMissingModelID indicates none of id, model_id or model was supplied.
var ErrMissingModelID = errors.New("model identifier missing")

// ErrInvalidModelConfig indicates a model configuration the adapter cannot accept.
var ErrInvalidModelConfig = errors.New("invalid model configuration")

// APIError is an upstream HTTP error response.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether the status is worth another attempt.
func (e *APIError) Retryable() bool {
	return retryableStatus(e.StatusCode)
}

// ParseAPIError reads an error body. extract pulls the provider-specific
// message out of the decoded JSON; the raw body is used when it fails.
func ParseAPIError(providerName string, resp *http.Response, extract func(body []byte) string) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("%s upstream error status %d and failed to read body: %w", providerName, resp.StatusCode, err)
	}

	msg := ""
	if extract != nil && json.Valid(body) {
		msg = extract(body)
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return &APIError{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Message:    msg,
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
