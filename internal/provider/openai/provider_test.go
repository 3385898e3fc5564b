package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"streamgate/internal/config"
	"streamgate/internal/models"
	"streamgate/internal/provider"
	"streamgate/internal/tools"
)

func newSpec(t *testing.T, model string) provider.ModelSpec {
	t.Helper()
	spec, err := provider.NewModelSpec(models.ModelConfig{Platform: provider.PlatformOpenAI, Model: model, Temperature: 0.2, MaxTokens: 64})
	if err != nil {
		t.Fatal(err)
	}
	return spec
}

func zero() *int {
	n := 0
	return &n
}

func readAll(t *testing.T, r provider.DeltaReader) []provider.Delta {
	t.Helper()
	defer r.Close()
	var out []provider.Delta
	for {
		d, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		out = append(out, d)
	}
}

func TestTransport_StreamsContentAndFunctionCall(t *testing.T) {
	var got chatPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" || r.Header.Get("X-Custom") != "yes" {
			t.Errorf("headers = %v", r.Header)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"choices":[{"delta":{"role":"assistant","content":"Hi"},"finish_reason":null}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"function_call":{"name":"get_weather","arguments":"{\"loc"}},"finish_reason":null}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"function_call":{"arguments":"ation\":\"Berlin\"}"}},"finish_reason":null}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{},"finish_reason":"function_call"}]}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	tr, err := New("openai", config.ProviderConfig{
		APIKey:     "sk-test",
		BaseURL:    srv.URL + "/v1/",
		Headers:    config.Headers{"X-Custom": "yes"},
		MaxRetries: zero(),
	}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}

	reader, err := tr.Open(context.Background(), provider.Call{
		Spec:      newSpec(t, "gpt-4o"),
		System:    "be brief",
		Prompt:    "weather?",
		Functions: []tools.Definition{{Name: "get_weather", Description: "weather", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	deltas := readAll(t, reader)

	if len(deltas) != 4 {
		t.Fatalf("deltas = %+v", deltas)
	}
	if deltas[0].Content != "Hi" || deltas[1].FunctionName != "get_weather" {
		t.Errorf("deltas = %+v", deltas)
	}
	if deltas[1].FunctionArguments+deltas[2].FunctionArguments != `{"location":"Berlin"}` {
		t.Errorf("arguments = %q + %q", deltas[1].FunctionArguments, deltas[2].FunctionArguments)
	}
	if deltas[3].FinishReason != models.FinishFunctionCall {
		t.Errorf("finish = %q", deltas[3].FinishReason)
	}

	if !got.Stream || got.Model != "gpt-4o" || got.FunctionCall != "auto" || len(got.Functions) != 1 {
		t.Errorf("payload = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || *got.Messages[1].Content != "weather?" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.MaxTokens == nil || *got.MaxTokens != 64 || got.Temperature == nil || *got.Temperature != 0.2 {
		t.Errorf("sampling = %v %v", got.MaxTokens, got.Temperature)
	}
}

func TestBuildChatPayload_FollowUp(t *testing.T) {
	payload, err := buildChatPayload(provider.Call{
		Spec:      newSpec(t, "gpt-4o"),
		Prompt:    "weather?",
		Functions: []tools.Definition{{Name: "get_weather"}},
		ToolTurn: &provider.ToolTurn{
			Name:      "get_weather",
			Arguments: `{"location":"Berlin"}`,
			Result:    "sunny",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(payload.Functions) != 0 || payload.FunctionCall != "" {
		t.Error("follow-up must not offer functions again")
	}
	if len(payload.Messages) != 3 {
		t.Fatalf("messages = %+v", payload.Messages)
	}
	assistant, result := payload.Messages[1], payload.Messages[2]
	if assistant.Role != "assistant" || assistant.Content != nil || assistant.FunctionCall.Name != "get_weather" {
		t.Errorf("assistant turn = %+v", assistant)
	}
	if result.Role != "function" || result.Name != "get_weather" || *result.Content != "sunny" {
		t.Errorf("function turn = %+v", result)
	}

	raw, _ := json.Marshal(assistant)
	if !strings.Contains(string(raw), `"content":null`) {
		t.Errorf("assistant turn must carry null content: %s", raw)
	}
}

func TestBuildChatPayload_NoSystemPromptModels(t *testing.T) {
	payload, err := buildChatPayload(provider.Call{Spec: newSpec(t, "o1-mini"), System: "rules", Prompt: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if len(payload.Messages) != 1 || payload.Messages[0].Role != "user" || *payload.Messages[0].Content != "rules\n\nhi" {
		t.Errorf("messages = %+v", payload.Messages)
	}
	if payload.Temperature != nil {
		t.Error("temperature sent to a reasoning model")
	}
}

func TestTransport_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"model not found","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	tr, _ := New("cerebras", config.ProviderConfig{APIKey: "k", BaseURL: srv.URL, MaxRetries: zero()}, srv.Client())
	spec, _ := provider.NewModelSpec(models.ModelConfig{Platform: provider.PlatformCerebras, Model: "llama3.1-8b"})

	_, err := tr.Open(context.Background(), provider.Call{Spec: spec, Prompt: "x"})
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v", err)
	}
	if apiErr.Provider != "cerebras" || apiErr.Message != "invalid_request_error: model not found" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestStreamReader_InlineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"a"}}]}`+"\n\n")
		io.WriteString(w, `data: {"error":{"message":"overloaded","type":"server_error"}}`+"\n\n")
	}))
	defer srv.Close()

	tr, _ := New("openai", config.ProviderConfig{APIKey: "k", BaseURL: srv.URL, MaxRetries: zero()}, srv.Client())
	reader, err := tr.Open(context.Background(), provider.Call{Spec: newSpec(t, "gpt-4o"), Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	if d, err := reader.Next(); err != nil || d.Content != "a" {
		t.Fatalf("first = %+v, %v", d, err)
	}
	if _, err := reader.Next(); err == nil || !strings.Contains(err.Error(), "overloaded") {
		t.Errorf("second error = %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("openai", config.ProviderConfig{BaseURL: "http://x"}, nil); err == nil {
		t.Error("nil client accepted")
	}
	if _, err := New("openai", config.ProviderConfig{}, http.DefaultClient); err == nil {
		t.Error("empty base url accepted")
	}
}

func TestTransport_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/models" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		io.WriteString(w, `{"object":"list","data":[{"id":"gpt-4o","object":"model"},{"id":""},{"id":"o1-mini","object":"model"}]}`)
	}))
	defer srv.Close()

	tr, _ := New("openai", config.ProviderConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, srv.Client())
	ids, err := tr.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error: %v", err)
	}
	if strings.Join(ids, ",") != "gpt-4o,o1-mini" {
		t.Errorf("ids = %v", ids)
	}
}

func TestTransport_ListModelsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key","type":"auth_error"}}`)
	}))
	defer srv.Close()

	tr, _ := New("cerebras", config.ProviderConfig{APIKey: "k", BaseURL: srv.URL}, srv.Client())
	_, err := tr.ListModels(context.Background())
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "auth_error: bad key" {
		t.Errorf("error = %v", err)
	}
}
