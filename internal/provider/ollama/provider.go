// Package ollama streams completions from a local Ollama server.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"streamgate/internal/config"
	"streamgate/internal/models"
	"streamgate/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "streamgate/0.1"
	roleTool        = "tool"
	maxLineBytes    = 1 << 20
)

// Transport implements provider.Transport for Ollama's /api/chat endpoint.
type Transport struct {
	name       string
	apiKey     string
	headers    map[string]string
	client     *http.Client
	maxRetries int
	chatURL    string
	tagsURL    string
}

// New constructs an Ollama transport. The api key is optional and sent as
// a bearer token when present, for servers behind an authenticating proxy.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Transport, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Transport{
		name:       name,
		apiKey:     cfg.APIKey,
		headers:    cfg.Headers,
		client:     client,
		maxRetries: cfg.Retries(),
		chatURL:    baseURL + "/api/chat",
		tagsURL:    baseURL + "/api/tags",
	}, nil
}

func (t *Transport) Name() string {
	return t.name
}

func (t *Transport) Open(ctx context.Context, call provider.Call) (provider.DeltaReader, error) {
	payload, err := buildChatRequest(call)
	if err != nil {
		return nil, err
	}

	resp, err := provider.OpenStream(ctx, t.client, t.name, t.maxRetries, func(ctx context.Context) (*http.Request, error) {
		return t.newRequest(ctx, payload)
	}, extractErrorMessage)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &streamReader{body: resp.Body, scanner: scanner}, nil
}

func (t *Transport) newRequest(ctx context.Context, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", "application/x-ndjson")
	t.authorize(req)

	return req, nil
}

func (t *Transport) authorize(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
}

// ListModels returns the locally pulled models reported by /api/tags.
func (t *Transport) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.tagsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Accept", contentTypeJSON)
	t.authorize(req)

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := provider.FetchJSON(t.client, t.name, req, extractErrorMessage, &tags); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
	Tools    []toolDef      `json:"tools,omitempty"`
}

type chatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

type toolCall struct {
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type toolDef struct {
	Type     string      `json:"type"`
	Function toolDefSpec `json:"function"`
}

type toolDefSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func buildChatRequest(call provider.Call) (chatRequest, error) {
	if call.Spec == nil {
		return chatRequest{}, errors.New("model spec must not be nil")
	}
	if strings.TrimSpace(call.Prompt) == "" {
		return chatRequest{}, errors.New("prompt must not be empty")
	}

	req := chatRequest{
		Model:   call.Spec.ModelID(),
		Stream:  true,
		Options: map[string]any{"temperature": call.Spec.Temperature()},
	}
	if n := call.Spec.MaxTokens(); n > 0 {
		req.Options["num_predict"] = n
	}

	if call.System != "" {
		req.Messages = append(req.Messages, chatMessage{Role: models.RoleSystem, Content: call.System})
	}
	req.Messages = append(req.Messages, chatMessage{Role: models.RoleUser, Content: call.Prompt})

	if turn := call.ToolTurn; turn != nil {
		args := turn.Input
		if args == nil {
			args = map[string]any{}
		}
		req.Messages = append(req.Messages,
			chatMessage{
				Role:      models.RoleAssistant,
				ToolCalls: []toolCall{{Function: toolFunction{Name: turn.Name, Arguments: args}}},
			},
			chatMessage{Role: roleTool, Content: turn.Result, ToolName: turn.Name},
		)
		return req, nil
	}

	for _, fn := range call.Functions {
		req.Tools = append(req.Tools, toolDef{
			Type:     "function",
			Function: toolDefSpec{Name: fn.Name, Description: fn.Description, Parameters: fn.Parameters},
		})
	}

	return req, nil
}

type chatResponse struct {
	Message    chatMessage `json:"message"`
	Done       bool        `json:"done"`
	DoneReason string      `json:"done_reason"`
	Error      string      `json:"error"`
}

type streamReader struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	sawTool  bool
	finished bool
}

func (r *streamReader) Next() (provider.Delta, error) {
	if r.finished {
		return provider.Delta{}, io.EOF
	}

	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var resp chatResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return provider.Delta{}, fmt.Errorf("ollama stream: unmarshal chunk: %w", err)
		}
		if resp.Error != "" {
			return provider.Delta{}, fmt.Errorf("ollama stream error: %s", resp.Error)
		}

		delta := provider.Delta{
			Role:    resp.Message.Role,
			Content: resp.Message.Content,
		}
		if len(resp.Message.ToolCalls) > 0 {
			fn := resp.Message.ToolCalls[0].Function
			args, err := json.Marshal(fn.Arguments)
			if err != nil || fn.Arguments == nil {
				args = []byte("{}")
			}
			r.sawTool = true
			delta.FunctionName = fn.Name
			delta.FunctionArguments = string(args)
		}

		if resp.Done {
			r.finished = true
			reason := resp.DoneReason
			if reason == "" {
				reason = "stop"
			}
			delta.FinishReason = provider.NormalizeFinishReason(reason)
			if r.sawTool {
				delta.FinishReason = models.FinishFunctionCall
			}
		}
		return delta, nil
	}

	if err := r.scanner.Err(); err != nil {
		return provider.Delta{}, fmt.Errorf("ollama stream: read: %w", err)
	}
	return provider.Delta{}, io.EOF
}

func (r *streamReader) Close() error {
	return r.body.Close()
}

func extractErrorMessage(body []byte) string {
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	return resp.Error
}
