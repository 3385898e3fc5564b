package models

import (
	"encoding/json"
	"fmt"
)

// Conversation roles shared by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
)

// FinishReason is the canonical terminal marker of a normalized chunk.
// The zero value means the chunk is not terminal and encodes as JSON null.
type FinishReason string

const (
	FinishNone         FinishReason = ""
	FinishStop         FinishReason = "stop"
	FinishFunctionCall FinishReason = "function_call"
	FinishError        FinishReason = "error"
)

// Terminal reports whether the reason ends the current content segment.
func (f FinishReason) Terminal() bool {
	return f != FinishNone
}

func (f FinishReason) MarshalJSON() ([]byte, error) {
	if f == FinishNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(f))
}

func (f *FinishReason) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = FinishNone
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode finish reason: %w", err)
	}
	switch FinishReason(raw) {
	case FinishStop, FinishFunctionCall, FinishError:
		*f = FinishReason(raw)
		return nil
	default:
		return fmt.Errorf("unknown finish reason %q", raw)
	}
}

// Message is the role/content pair carried by every chunk.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage records approximate token accounting for a chunk.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// NormalizedChunk is the wire unit streamed to the caller. Content is the
// full text accumulated so far for the (CorrelationID, BackendModelID) pair.
type NormalizedChunk struct {
	CorrelationID  string       `json:"correlationId"`
	BackendModelID string       `json:"backendModelId"`
	Message        Message      `json:"message"`
	FinishReason   FinishReason `json:"finishReason"`
	Usage          Usage        `json:"usage"`
}

// ModelConfig is one requested backend model after wire decoding and
// defaulting. It is owned by the caller for the lifetime of one request.
type ModelConfig struct {
	Platform    string
	Model       string
	Temperature float64
	MaxTokens   int
	ModelID     string
	ID          string
	Object      string
}

// GenerationRequest is the canonical representation of a fan-out request.
type GenerationRequest struct {
	Models     []ModelConfig
	Prompt     string
	ID         string
	MethodName string
	Requestor  string
}

// CatalogEntry describes the models a configured platform exposes.
type CatalogEntry struct {
	Platform     string   `json:"platform"`
	Provider     string   `json:"provider"`
	Models       []string `json:"models"`
	Capabilities []string `json:"capabilities"`
}
