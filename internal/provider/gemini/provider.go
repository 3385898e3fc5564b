// Package gemini streams completions from the Google Generative Language API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"streamgate/internal/config"
	"streamgate/internal/models"
	"streamgate/internal/provider"
	"streamgate/internal/sse"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "streamgate/0.1"
	roleModel       = "model"
)

// Transport implements provider.Transport for Gemini models.
type Transport struct {
	name       string
	apiKey     string
	baseURL    string
	headers    map[string]string
	client     *http.Client
	maxRetries int
}

// New constructs a Gemini transport.
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
	}, nil
}

func (t *Transport) Name() string {
	return t.name
}

func (t *Transport) Open(ctx context.Context, call provider.Call) (provider.DeltaReader, error) {
	payload, err := buildPayload(call)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", t.baseURL, url.PathEscape(call.Spec.ModelID()))

	resp, err := provider.OpenStream(ctx, t.client, t.name, t.maxRetries, func(ctx context.Context) (*http.Request, error) {
		return t.newRequest(ctx, endpoint, payload)
	}, extractErrorMessage)
	if err != nil {
		return nil, err
	}

	return &streamReader{body: resp.Body, decoder: sse.NewDecoder(resp.Body)}, nil
}

func (t *Transport) newRequest(ctx context.Context, endpoint string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
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
	req.Header.Set("x-goog-api-key", t.apiKey)

	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
}

// ListModels returns the models of GET {base}/v1beta/models that can
// generate content, without the "models/" prefix.
func (t *Transport) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/v1beta/models?pageSize=1000", nil)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Accept", contentTypeJSON)
	t.authorize(req)

	var list struct {
		Models []struct {
			Name    string   `json:"name"`
			Methods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := provider.FetchJSON(t.client, t.name, req, extractErrorMessage, &list); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		if len(m.Methods) > 0 && !slices.Contains(m.Methods, "generateContent") {
			continue
		}
		if id := strings.TrimPrefix(m.Name, "models/"); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type generatePayload struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []toolSet         `json:"tools,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type toolSet struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func buildPayload(call provider.Call) (generatePayload, error) {
	if call.Spec == nil {
		return generatePayload{}, errors.New("model spec must not be nil")
	}
	if strings.TrimSpace(call.Prompt) == "" {
		return generatePayload{}, errors.New("prompt must not be empty")
	}

	temperature := call.Spec.Temperature()
	payload := generatePayload{
		Contents: []content{{Role: models.RoleUser, Parts: []part{{Text: call.Prompt}}}},
		GenerationConfig: &generationConfig{
			Temperature:     &temperature,
			MaxOutputTokens: call.Spec.MaxTokens(),
		},
	}
	if call.System != "" {
		payload.SystemInstruction = &content{Parts: []part{{Text: call.System}}}
	}

	if turn := call.ToolTurn; turn != nil {
		args := turn.Input
		if args == nil {
			args = map[string]any{}
		}
		payload.Contents = append(payload.Contents,
			content{Role: roleModel, Parts: []part{{FunctionCall: &functionCall{Name: turn.Name, Args: args}}}},
			content{Role: models.RoleUser, Parts: []part{{FunctionResponse: &functionResponse{
				Name:     turn.Name,
				Response: map[string]any{"result": turn.Result},
			}}}},
		)
		return payload, nil
	}

	if len(call.Functions) > 0 {
		decls := make([]functionDeclaration, 0, len(call.Functions))
		for _, fn := range call.Functions {
			decls = append(decls, functionDeclaration{Name: fn.Name, Description: fn.Description, Parameters: fn.Parameters})
		}
		payload.Tools = []toolSet{{FunctionDeclarations: decls}}
	}

	return payload, nil
}

type streamResponse struct {
	Candidates []candidate `json:"candidates"`
	Error      *apiError   `json:"error,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type streamReader struct {
	body        io.ReadCloser
	decoder     *sse.Decoder
	pending     []provider.Delta
	sawFunction bool
}

func (r *streamReader) Next() (provider.Delta, error) {
	for len(r.pending) == 0 {
		ev, err := r.decoder.Next()
		if err != nil {
			return provider.Delta{}, err
		}

		var resp streamResponse
		if err := json.Unmarshal([]byte(ev.Data), &resp); err != nil {
			return provider.Delta{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		if resp.Error != nil {
			return provider.Delta{}, fmt.Errorf("gemini stream error (%s): %s", resp.Error.Status, resp.Error.Message)
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		r.enqueue(resp.Candidates[0])
	}

	d := r.pending[0]
	r.pending = r.pending[1:]
	return d, nil
}

// enqueue splits one candidate into deltas. Gemini delivers a function
// call whole, so its arguments arrive in a single fragment.
func (r *streamReader) enqueue(c candidate) {
	for _, p := range c.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			args, err := json.Marshal(p.FunctionCall.Args)
			if err != nil || p.FunctionCall.Args == nil {
				args = []byte("{}")
			}
			r.sawFunction = true
			r.pending = append(r.pending, provider.Delta{
				FunctionName:      p.FunctionCall.Name,
				FunctionArguments: string(args),
			})
		case p.Text != "":
			r.pending = append(r.pending, provider.Delta{Content: p.Text})
		}
	}

	if c.FinishReason == "" || c.FinishReason == "FINISH_REASON_UNSPECIFIED" {
		return
	}
	reason := provider.NormalizeFinishReason(c.FinishReason)
	if r.sawFunction {
		reason = models.FinishFunctionCall
	}
	r.pending = append(r.pending, provider.Delta{FinishReason: reason})
}

func (r *streamReader) Close() error {
	return r.body.Close()
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func extractErrorMessage(body []byte) string {
	// Errors may arrive as an object or wrapped in a one-element array.
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err != nil {
		var list []apiErrorResponse
		if err := json.Unmarshal(body, &list); err != nil || len(list) == 0 {
			return ""
		}
		apiErr = list[0]
	}
	if apiErr.Error.Message == "" {
		return ""
	}
	if apiErr.Error.Status != "" {
		return fmt.Sprintf("%s: %s", apiErr.Error.Status, apiErr.Error.Message)
	}
	return apiErr.Error.Message
}
