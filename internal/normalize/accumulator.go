// Package normalize turns backend deltas into cumulative NormalizedChunk records.
package normalize

import (
	"fmt"
	"strings"

	"streamgate/internal/models"
)

// Accumulator owns the fullContent buffer of one adapter call. It is not
// safe for concurrent use; every model task creates its own.
type Accumulator struct {
	correlationID string
	modelID       string
	promptTokens  int
	content       strings.Builder
}

// New returns an accumulator for one (correlation id, backend model) pair.
func New(correlationID, modelID, prompt string) *Accumulator {
	return &Accumulator{
		correlationID: correlationID,
		modelID:       modelID,
		promptTokens:  CountTokens(prompt),
	}
}

// Append adds delta to the buffer and returns a chunk carrying the whole
// content so far. Empty deltas are reported as not emittable.
func (a *Accumulator) Append(delta string) (models.NormalizedChunk, bool) {
	if delta == "" {
		return models.NormalizedChunk{}, false
	}
	a.content.WriteString(delta)
	return a.chunk(models.RoleAssistant, a.content.String(), models.FinishNone), true
}

// Finish returns a terminal chunk over the current content.
func (a *Accumulator) Finish(reason models.FinishReason) models.NormalizedChunk {
	return a.chunk(models.RoleAssistant, a.content.String(), reason)
}

// Replace swaps the buffer for content and returns a chunk with reason.
// Used when a tool result becomes the visible answer.
func (a *Accumulator) Replace(content string, reason models.FinishReason) models.NormalizedChunk {
	a.content.Reset()
	a.content.WriteString(content)
	return a.chunk(models.RoleAssistant, content, reason)
}

// Reset clears the buffer so a continuation starts from empty content.
func (a *Accumulator) Reset() {
	a.content.Reset()
}

// Error returns the single terminal record reporting err for this model.
func (a *Accumulator) Error(err error) models.NormalizedChunk {
	return ErrorChunk(a.correlationID, a.modelID, err)
}

func (a *Accumulator) chunk(role, content string, reason models.FinishReason) models.NormalizedChunk {
	completion := CountTokens(content)
	return models.NormalizedChunk{
		CorrelationID:  a.correlationID,
		BackendModelID: a.modelID,
		Message: models.Message{
			Role:    role,
			Content: content,
		},
		FinishReason: reason,
		Usage: models.Usage{
			PromptTokens:     a.promptTokens,
			CompletionTokens: completion,
			TotalTokens:      a.promptTokens + completion,
		},
	}
}

// ErrorChunk builds a terminal error record without an accumulator.
func ErrorChunk(correlationID, modelID string, err error) models.NormalizedChunk {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return models.NormalizedChunk{
		CorrelationID:  correlationID,
		BackendModelID: modelID,
		Message: models.Message{
			Role:    models.RoleSystem,
			Content: fmt.Sprintf("Error occurred: %s", msg),
		},
		FinishReason: models.FinishError,
	}
}

// CountTokens approximates token usage by whitespace-separated words.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}
