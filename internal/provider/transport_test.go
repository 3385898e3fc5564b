package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"streamgate/internal/models"
)

func TestNormalizeFinishReason(t *testing.T) {
	tests := map[string]models.FinishReason{
		"":              models.FinishNone,
		"stop":          models.FinishStop,
		"length":        models.FinishStop,
		"end_turn":      models.FinishStop,
		"max_tokens":    models.FinishStop,
		"STOP":          models.FinishStop,
		"MAX_TOKENS":    models.FinishStop,
		"function_call": models.FinishFunctionCall,
		"tool_calls":    models.FinishFunctionCall,
		"tool_use":      models.FinishFunctionCall,
	}
	for raw, want := range tests {
		if got := NormalizeFinishReason(raw); got != want {
			t.Errorf("NormalizeFinishReason(%q) = %q, want %q", raw, got, want)
		}
	}
}

func extractMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	return payload.Error.Message
}

func newBuilder(url string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(`{}`))
	}
}

func TestOpenStream_RetriesTransientStatus(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
			return
		}
		_, _ = w.Write([]byte("data: ok\n\n"))
	}))
	defer srv.Close()

	resp, err := OpenStream(context.Background(), srv.Client(), "test", 3, newBuilder(srv.URL), extractMessage)
	if err != nil {
		t.Fatalf("OpenStream() error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "data: ok\n\n" {
		t.Errorf("body = %q", body)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestOpenStream_ClientErrorIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	_, err := OpenStream(context.Background(), srv.Client(), "test", 3, newBuilder(srv.URL), extractMessage)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "invalid api key" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}

func TestOpenStream_ExhaustedRetriesReturnLastFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := OpenStream(context.Background(), srv.Client(), "test", 1, newBuilder(srv.URL), extractMessage)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("error = %v", err)
	}
	if apiErr.Message != http.StatusText(http.StatusTooManyRequests) {
		t.Errorf("message = %q", apiErr.Message)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestCall_FollowUpCopies(t *testing.T) {
	base := Call{Prompt: "hi"}
	next := base.FollowUp(ToolTurn{Name: "get_weather", Result: "sunny"})
	if base.ToolTurn != nil {
		t.Error("FollowUp mutated the original call")
	}
	if next.ToolTurn == nil || next.ToolTurn.Result != "sunny" || next.Prompt != "hi" {
		t.Errorf("follow-up = %+v", next)
	}
}
