package openai

import (
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
	"streamgate/internal/sse"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "streamgate/0.1"
	doneSentinel    = "[DONE]"
)

// Transport implements provider.Transport for OpenAI-compatible chat
// completion APIs.
type Transport struct {
	name       string
	apiKey     string
	baseURL    string
	headers    map[string]string
	client     *http.Client
	maxRetries int
	chatURL    string
}

// New creates a new OpenAI-compatible transport.
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
		baseURL:    baseURL,
		headers:    cfg.Headers,
		client:     client,
		maxRetries: cfg.Retries(),
		chatURL:    baseURL + "/chat/completions",
	}, nil
}

func (t *Transport) Name() string {
	return t.name
}

func (t *Transport) Open(ctx context.Context, call provider.Call) (provider.DeltaReader, error) {
	payload, err := buildChatPayload(call)
	if err != nil {
		return nil, err
	}

	resp, err := provider.OpenStream(ctx, t.client, t.name, t.maxRetries, func(ctx context.Context) (*http.Request, error) {
		return t.newRequest(ctx, payload)
	}, extractErrorMessage)
	if err != nil {
		return nil, err
	}

	return &streamReader{body: resp.Body, decoder: sse.NewDecoder(resp.Body)}, nil
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
	req.Header.Set("Accept", "text/event-stream")
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

// ListModels returns the ids served by GET {base}/models.
func (t *Transport) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Accept", contentTypeJSON)
	t.authorize(req)

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := provider.FetchJSON(t.client, t.name, req, extractErrorMessage, &list); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

type chatPayload struct {
	Model        string         `json:"model"`
	Messages     []chatMessage  `json:"messages"`
	Stream       bool           `json:"stream"`
	MaxTokens    *int           `json:"max_tokens,omitempty"`
	Temperature  *float64       `json:"temperature,omitempty"`
	Functions    []functionSpec `json:"functions,omitempty"`
	FunctionCall string         `json:"function_call,omitempty"`
}

type chatMessage struct {
	Role         string        `json:"role"`
	Content      *string       `json:"content"`
	Name         string        `json:"name,omitempty"`
	FunctionCall *functionCall `json:"function_call,omitempty"`
}

type functionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type functionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

func text(s string) *string {
	return &s
}

func buildChatPayload(call provider.Call) (chatPayload, error) {
	if call.Spec == nil {
		return chatPayload{}, errors.New("model spec must not be nil")
	}
	if strings.TrimSpace(call.Prompt) == "" {
		return chatPayload{}, errors.New("prompt must not be empty")
	}

	noSystem := false
	if m, ok := call.Spec.(provider.OpenAIModel); ok {
		noSystem = m.NoSystemPrompt
	}

	var messages []chatMessage
	switch {
	case call.System == "":
		messages = append(messages, chatMessage{Role: models.RoleUser, Content: text(call.Prompt)})
	case noSystem:
		messages = append(messages, chatMessage{Role: models.RoleUser, Content: text(call.System + "\n\n" + call.Prompt)})
	default:
		messages = append(messages,
			chatMessage{Role: models.RoleSystem, Content: text(call.System)},
			chatMessage{Role: models.RoleUser, Content: text(call.Prompt)},
		)
	}

	payload := chatPayload{
		Model:  call.Spec.ModelID(),
		Stream: true,
	}

	if turn := call.ToolTurn; turn != nil {
		messages = append(messages,
			chatMessage{
				Role:         models.RoleAssistant,
				FunctionCall: &functionCall{Name: turn.Name, Arguments: turn.Arguments},
			},
			chatMessage{Role: models.RoleFunction, Name: turn.Name, Content: text(turn.Result)},
		)
	} else if len(call.Functions) > 0 {
		for _, fn := range call.Functions {
			payload.Functions = append(payload.Functions, functionSpec{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  fn.Parameters,
			})
		}
		payload.FunctionCall = "auto"
	}
	payload.Messages = messages

	if v := call.Spec.MaxTokens(); v > 0 {
		payload.MaxTokens = &v
	}
	if !noSystem {
		v := call.Spec.Temperature()
		payload.Temperature = &v
	}

	return payload, nil
}

type streamChunk struct {
	Choices []streamChoice  `json:"choices"`
	Error   *apiErrorObject `json:"error,omitempty"`
}

type streamChoice struct {
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Role         string        `json:"role"`
	Content      string        `json:"content"`
	FunctionCall *functionCall `json:"function_call"`
	ToolCalls    []toolCall    `json:"tool_calls"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Function functionCall `json:"function"`
}

type streamReader struct {
	body    io.ReadCloser
	decoder *sse.Decoder
}

func (r *streamReader) Next() (provider.Delta, error) {
	for {
		ev, err := r.decoder.Next()
		if err != nil {
			return provider.Delta{}, err
		}

		data := strings.TrimSpace(ev.Data)
		if data == doneSentinel {
			return provider.Delta{}, io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return provider.Delta{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return provider.Delta{}, fmt.Errorf("openai stream error (%s): %s", chunk.Error.Type, chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		return toDelta(chunk.Choices[0]), nil
	}
}

func (r *streamReader) Close() error {
	return r.body.Close()
}

func toDelta(choice streamChoice) provider.Delta {
	delta := provider.Delta{
		Role:    choice.Delta.Role,
		Content: choice.Delta.Content,
	}
	if fc := choice.Delta.FunctionCall; fc != nil {
		delta.FunctionName = fc.Name
		delta.FunctionArguments = fc.Arguments
	}
	// Some compatible backends answer legacy functions with tool_calls.
	if len(choice.Delta.ToolCalls) > 0 {
		tc := choice.Delta.ToolCalls[0]
		delta.FunctionCallID = tc.ID
		if delta.FunctionName == "" {
			delta.FunctionName = tc.Function.Name
		}
		delta.FunctionArguments += tc.Function.Arguments
	}
	if choice.FinishReason != nil {
		delta.FinishReason = provider.NormalizeFinishReason(*choice.FinishReason)
	}
	return delta
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func extractErrorMessage(body []byte) string {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return ""
	}
	if apiErr.Error.Type != "" && apiErr.Error.Message != "" {
		return fmt.Sprintf("%s: %s", apiErr.Error.Type, apiErr.Error.Message)
	}
	return apiErr.Error.Message
}
