package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"streamgate/internal/models"
	"streamgate/internal/normalize"
	"streamgate/internal/toolcall"
	"streamgate/internal/tools"
)

// Supported generation methods.
const (
	MethodFetchCompletion = "fetch_completion"
	MethodChatCompletion  = "chat_completion"
)

// Prompt is the per-request input handed to an adapter.
type Prompt struct {
	Text          string
	Context       string
	CorrelationID string
}

// Adapter streams normalized chunks from one backend.
type Adapter interface {
	Name() string
	Capabilities() []string
	// Stream returns an error only for configuration problems detected
	// before any network call. Upstream failures surface as a terminal
	// chunk with finish reason "error".
	Stream(ctx context.Context, spec ModelSpec, prompt Prompt) (iter.Seq[models.NormalizedChunk], error)
}

// Supports reports whether a exposes method.
func Supports(a Adapter, method string) bool {
	return slices.Contains(a.Capabilities(), method)
}

// ToolInvoker runs local tools on behalf of a model.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) string
	Definitions() []tools.Definition
}

// StreamingAdapter is the Adapter shared by every backend. The Transport
// owns the wire protocol; StreamingAdapter owns accumulation and tool-call
// interception.
type StreamingAdapter struct {
	platform     string
	transport    Transport
	tools        ToolInvoker
	functionHint string
	capabilities []string
}

// AdapterOption configures a StreamingAdapter.
type AdapterOption func(*StreamingAdapter)

// WithTools enables tool-call interception.
func WithTools(invoker ToolInvoker, functionHint string) AdapterOption {
	return func(a *StreamingAdapter) {
		a.tools = invoker
		a.functionHint = functionHint
	}
}

// WithCapabilities overrides the advertised generation methods.
func WithCapabilities(methods ...string) AdapterOption {
	return func(a *StreamingAdapter) {
		a.capabilities = slices.Clone(methods)
	}
}

// NewAdapter binds a transport to the platform whose model variants it serves.
func NewAdapter(platform string, transport Transport, opts ...AdapterOption) *StreamingAdapter {
	a := &StreamingAdapter{
		platform:     platform,
		transport:    transport,
		capabilities: []string{MethodFetchCompletion},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *StreamingAdapter) Name() string {
	return a.transport.Name()
}

func (a *StreamingAdapter) Capabilities() []string {
	return slices.Clone(a.capabilities)
}

// ListModels asks the transport for the models its upstream serves.
func (a *StreamingAdapter) ListModels(ctx context.Context) ([]string, error) {
	lister, ok := a.transport.(ModelLister)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot list models", ErrUnsupportedOperation, a.transport.Name())
	}
	return lister.ListModels(ctx)
}

func (a *StreamingAdapter) Stream(ctx context.Context, spec ModelSpec, prompt Prompt) (iter.Seq[models.NormalizedChunk], error) {
	if spec == nil || spec.Platform() != a.platform {
		return nil, fmt.Errorf("%w: %s adapter cannot serve %T", ErrInvalidModelConfig, a.platform, spec)
	}

	call := a.newCall(spec, prompt)
	acc := normalize.New(prompt.CorrelationID, spec.ModelID(), prompt.Text)

	reader, err := a.transport.Open(ctx, call)
	if err != nil {
		slog.Error("upstream stream failed to open",
			slog.String("platform", a.platform),
			slog.String("model", spec.ModelID()),
			slog.Any("err", err))
		chunk := acc.Error(err)
		return func(yield func(models.NormalizedChunk) bool) {
			if ctx.Err() == nil {
				yield(chunk)
			}
		}, nil
	}

	return func(yield func(models.NormalizedChunk) bool) {
		var state *toolcall.State
		if a.tools != nil {
			state = &toolcall.State{}
		}

		execute, ok := a.drain(ctx, spec, reader, acc, state, yield)
		reader.Close()
		if !ok || !execute {
			return
		}
		a.resume(ctx, spec, call, acc, state, yield)
	}, nil
}

func (a *StreamingAdapter) newCall(spec ModelSpec, prompt Prompt) Call {
	call := Call{
		Spec:   spec,
		System: prompt.Context,
		Prompt: prompt.Text,
	}
	if a.tools == nil {
		return call
	}
	call.Functions = a.tools.Definitions()
	if a.functionHint != "" {
		call.System = strings.TrimSpace(call.System + "\n\n" + a.functionHint)
	}
	return call
}

// drain forwards deltas until the upstream stream ends. It reports whether
// a function call is ready to execute and whether the consumer still wants
// chunks. A nil state disables interception.
func (a *StreamingAdapter) drain(
	ctx context.Context,
	spec ModelSpec,
	reader DeltaReader,
	acc *normalize.Accumulator,
	state *toolcall.State,
	yield func(models.NormalizedChunk) bool,
) (execute bool, ok bool) {
	for {
		delta, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return false, yield(acc.Finish(models.FinishStop))
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, false
			}
			slog.Error("upstream stream failed",
				slog.String("platform", a.platform),
				slog.String("model", spec.ModelID()),
				slog.Any("err", err))
			return false, yield(acc.Error(err))
		}

		if state != nil {
			state.Observe(delta.FunctionName, delta.FunctionCallID, delta.FunctionArguments)
		}

		chunk, emit := acc.Append(delta.Content)
		if !delta.FinishReason.Terminal() {
			if emit && !yield(chunk) {
				return false, false
			}
			continue
		}

		if delta.FinishReason == models.FinishFunctionCall && state != nil && state.Execute() {
			return true, true
		}
		return false, yield(acc.Finish(models.FinishStop))
	}
}

// resume executes the captured function, reports its result and streams
// one follow-up call. The follow-up is never intercepted.
func (a *StreamingAdapter) resume(
	ctx context.Context,
	spec ModelSpec,
	call Call,
	acc *normalize.Accumulator,
	state *toolcall.State,
	yield func(models.NormalizedChunk) bool,
) {
	name := state.FunctionName()
	args := state.Arguments()

	slog.Info("executing tool call",
		slog.String("platform", a.platform),
		slog.String("model", spec.ModelID()),
		slog.String("tool", name))
	slog.Debug("tool call arguments",
		slog.String("tool", name),
		slog.String("raw", state.RawArguments()))

	result := a.tools.Invoke(ctx, name, args)
	if ctx.Err() != nil {
		return
	}
	state.Resume()

	if !yield(acc.Replace(result, models.FinishFunctionCall)) {
		return
	}
	acc.Reset()

	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = []byte("{}")
	}
	followUp := call.FollowUp(ToolTurn{
		Name:      name,
		CallID:    state.CallID(),
		Arguments: string(encoded),
		Input:     args,
		Result:    result,
	})

	reader, err := a.transport.Open(ctx, followUp)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("follow-up stream failed to open",
			slog.String("platform", a.platform),
			slog.String("model", spec.ModelID()),
			slog.Any("err", err))
		yield(acc.Error(err))
		return
	}
	defer reader.Close()

	a.drain(ctx, spec, reader, acc, nil, yield)
}
