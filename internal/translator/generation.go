package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"streamgate/internal/models"
)

// Defaults applied to omitted model fields.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 100
	DefaultMethod      = "fetch_completion"
)

// ErrInvalidRequest wraps every request validation failure.
var ErrInvalidRequest = errors.New("invalid request")

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// ModelConfig is one entry of GenerationRequest.models on the wire.
type ModelConfig struct {
	Platform    string  `json:"platform" validate:"required"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature" validate:"gte=0,lte=1"`
	MaxTokens   int     `json:"max_tokens" validate:"gt=0"`
	ModelID     string  `json:"model_id"`
	ID          string  `json:"id"`
	Object      string  `json:"object"`
}

// UnmarshalJSON trims identifiers and applies defaults to omitted fields.
func (m *ModelConfig) UnmarshalJSON(data []byte) error {
	type alias struct {
		Platform    string   `json:"platform"`
		Model       string   `json:"model"`
		Temperature *float64 `json:"temperature"`
		MaxTokens   *int     `json:"max_tokens"`
		ModelID     *string  `json:"model_id"`
		ID          *string  `json:"id"`
		Object      *string  `json:"object"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode model config: %w", err)
	}

	m.Platform = strings.ToLower(strings.TrimSpace(raw.Platform))
	m.Model = strings.TrimSpace(raw.Model)
	m.Temperature = DefaultTemperature
	if raw.Temperature != nil {
		m.Temperature = *raw.Temperature
	}
	m.MaxTokens = DefaultMaxTokens
	if raw.MaxTokens != nil {
		m.MaxTokens = *raw.MaxTokens
	}
	m.ModelID = trimmed(raw.ModelID)
	m.ID = trimmed(raw.ID)
	m.Object = trimmed(raw.Object)
	return nil
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// GenerationRequest is the fan-out request body.
type GenerationRequest struct {
	Models     []ModelConfig `json:"models" validate:"min=1,dive"`
	Prompt     string        `json:"prompt" validate:"required"`
	ID         string        `json:"id"`
	MethodName string        `json:"method_name" validate:"required"`
}

// UnmarshalJSON accepts prompt_id as an alias of id and defaults method_name.
func (r *GenerationRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Models     []ModelConfig `json:"models"`
		Prompt     string        `json:"prompt"`
		ID         string        `json:"id"`
		PromptID   string        `json:"prompt_id"`
		MethodName *string       `json:"method_name"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode generation request: %w", err)
	}

	r.Models = raw.Models
	r.Prompt = strings.TrimSpace(raw.Prompt)
	r.ID = strings.TrimSpace(raw.ID)
	if r.ID == "" {
		r.ID = strings.TrimSpace(raw.PromptID)
	}
	r.MethodName = DefaultMethod
	if raw.MethodName != nil {
		r.MethodName = strings.TrimSpace(*raw.MethodName)
	}
	return nil
}

// Validate checks the structural constraints and the method allow-list.
func (r GenerationRequest) Validate(allowedMethods []string) error {
	if err := validateStruct(r); err != nil {
		return err
	}
	if !slices.Contains(allowedMethods, r.MethodName) {
		return fmt.Errorf("%w: method_name %q is not one of %s", ErrInvalidRequest, r.MethodName, strings.Join(allowedMethods, ", "))
	}
	return nil
}

// ToUnified converts the request to its canonical form. A missing id is
// replaced by a generated one so every chunk carries a correlation id.
func (r GenerationRequest) ToUnified(requestor string) models.GenerationRequest {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}

	cfgs := make([]models.ModelConfig, 0, len(r.Models))
	for _, m := range r.Models {
		cfgs = append(cfgs, models.ModelConfig{
			Platform:    m.Platform,
			Model:       m.Model,
			Temperature: m.Temperature,
			MaxTokens:   m.MaxTokens,
			ModelID:     m.ModelID,
			ID:          m.ID,
			Object:      m.Object,
		})
	}

	return models.GenerationRequest{
		Models:     cfgs,
		Prompt:     r.Prompt,
		ID:         id,
		MethodName: r.MethodName,
		Requestor:  requestor,
	}
}

// ToolCallRequest invokes one tool directly.
type ToolCallRequest struct {
	Tool       string         `json:"tool" validate:"required"`
	Parameters map[string]any `json:"parameters"`
}

// Validate checks the tool name.
func (r ToolCallRequest) Validate() error {
	return validateStruct(r)
}

// ToolCallResponse is the result of a direct tool invocation.
type ToolCallResponse struct {
	Tool   string `json:"tool"`
	Result string `json:"result"`
}

// WriteChunk writes chunk as one NDJSON line.
func WriteChunk(w io.Writer, chunk models.NormalizedChunk) error {
	line, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	return nil
}

func validateStruct(s any) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		messages = append(messages, fieldPath(fe)+": "+describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(messages, "; "))
}

// fieldPath drops the root struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return "must contain at least " + fe.Param() + " item(s)"
		}
		return "must be at least " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	default:
		return "is invalid"
	}
}
