package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"streamgate/internal/config"
	"streamgate/internal/models"
	"streamgate/internal/provider"
	"streamgate/internal/sse"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "streamgate/0.1"
	apiVersion      = "2023-06-01"
)

// Transport implements provider.Transport for the Anthropic messages API.
type Transport struct {
	name       string
	apiKey     string
	baseURL    string
	headers    map[string]string
	client     *http.Client
	maxRetries int
	messages   string
}

// New constructs an Anthropic transport.
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
		messages:   baseURL + "/v1/messages",
	}, nil
}

func (t *Transport) Name() string {
	return t.name
}

func (t *Transport) Open(ctx context.Context, call provider.Call) (provider.DeltaReader, error) {
	payload, err := buildMessagePayload(call)
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.messages, bytes.NewReader(body))
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
	req.Header.Set("x-api-key", t.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
}

// ListModels returns the ids served by GET {base}/v1/models.
func (t *Transport) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/v1/models?limit=1000", nil)
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

type messagePayload struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream"`
	Tools       []toolDef `json:"tools,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type toolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

func buildMessagePayload(call provider.Call) (messagePayload, error) {
	if call.Spec == nil {
		return messagePayload{}, errors.New("model spec must not be nil")
	}
	if strings.TrimSpace(call.Prompt) == "" {
		return messagePayload{}, errors.New("prompt must not be empty")
	}
	if call.Spec.MaxTokens() <= 0 {
		return messagePayload{}, fmt.Errorf("%w: anthropic requires max_tokens", provider.ErrInvalidModelConfig)
	}

	temperature := call.Spec.Temperature()
	payload := messagePayload{
		Model:       call.Spec.ModelID(),
		System:      call.System,
		MaxTokens:   call.Spec.MaxTokens(),
		Temperature: &temperature,
		Stream:      true,
		Messages: []message{{
			Role:    models.RoleUser,
			Content: []contentBlock{{Type: "text", Text: call.Prompt}},
		}},
	}

	// Tools stay declared on the follow-up; the API rejects tool_use
	// history without them.
	for _, fn := range call.Functions {
		schema := fn.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		payload.Tools = append(payload.Tools, toolDef{
			Name:        fn.Name,
			Description: fn.Description,
			InputSchema: schema,
		})
	}

	if turn := call.ToolTurn; turn != nil {
		id := turn.CallID
		if id == "" {
			id = "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		input := json.RawMessage(turn.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		payload.Messages = append(payload.Messages,
			message{
				Role:    models.RoleAssistant,
				Content: []contentBlock{{Type: "tool_use", ID: id, Name: turn.Name, Input: input}},
			},
			message{
				Role:    models.RoleUser,
				Content: []contentBlock{{Type: "tool_result", ToolUseID: id, Content: turn.Result}},
			},
		)
	}

	return payload, nil
}

type streamEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock *blockStart  `json:"content_block,omitempty"`
	Delta        *eventDelta  `json:"delta,omitempty"`
	Error        *apiErrorObj `json:"error,omitempty"`
}

type blockStart struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
	Text string `json:"text"`
}

type eventDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
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

		var event streamEvent
		if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
			return provider.Delta{}, fmt.Errorf("decode stream event: %w", err)
		}

		switch event.Type {
		case "content_block_start":
			block := event.ContentBlock
			if block == nil {
				continue
			}
			switch block.Type {
			case "tool_use":
				return provider.Delta{FunctionName: block.Name, FunctionCallID: block.ID}, nil
			case "text":
				if block.Text != "" {
					return provider.Delta{Role: models.RoleAssistant, Content: block.Text}, nil
				}
			}
		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				return provider.Delta{Content: event.Delta.Text}, nil
			case "input_json_delta":
				return provider.Delta{FunctionArguments: event.Delta.PartialJSON}, nil
			}
		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				return provider.Delta{FinishReason: provider.NormalizeFinishReason(event.Delta.StopReason)}, nil
			}
		case "message_stop":
			return provider.Delta{}, io.EOF
		case "error":
			if event.Error != nil {
				return provider.Delta{}, fmt.Errorf("anthropic stream error (%s): %s", event.Error.Type, event.Error.Message)
			}
			return provider.Delta{}, errors.New("anthropic stream error")
		}
	}
}

func (r *streamReader) Close() error {
	return r.body.Close()
}

type apiErrorResponse struct {
	Error apiErrorObj `json:"error"`
}

type apiErrorObj struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func extractErrorMessage(body []byte) string {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s: %s", apiErr.Error.Type, apiErr.Error.Message)
}
