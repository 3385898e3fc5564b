package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"streamgate/internal/models"
	"streamgate/internal/tools"
)

// Transport speaks one backend's native streaming protocol.
type Transport interface {
	Name() string
	Open(ctx context.Context, call Call) (DeltaReader, error)
}

// ModelLister is implemented by transports that can enumerate the models
// their upstream currently serves.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// DeltaReader yields decoded deltas of one upstream response. Next returns
// io.EOF when the upstream stream ends.
type DeltaReader interface {
	Next() (Delta, error)
	Close() error
}

// Delta is one native streaming event reduced to the fields the adapter
// needs. Function fields carry partial fragments.
type Delta struct {
	Role              string
	Content           string
	FunctionName      string
	FunctionCallID    string
	FunctionArguments string
	FinishReason      models.FinishReason
}

// Call is the transport-neutral description of one upstream request.
type Call struct {
	Spec      ModelSpec
	System    string
	Prompt    string
	Functions []tools.Definition
	ToolTurn  *ToolTurn
}

// ToolTurn carries the assistant function call and the local result for
// the follow-up request.
type ToolTurn struct {
	Name      string
	CallID    string
	Arguments string // canonical JSON object
	Input     map[string]any
	Result    string
}

// FollowUp returns a copy of c continuing the conversation with turn.
func (c Call) FollowUp(turn ToolTurn) Call {
	c.ToolTurn = &turn
	return c
}

// NormalizeFinishReason maps a native finish/stop reason to the canonical set.
func NormalizeFinishReason(raw string) models.FinishReason {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return models.FinishNone
	case "function_call", "tool_calls", "tool_use":
		return models.FinishFunctionCall
	default:
		return models.FinishStop
	}
}

const (
	retryDelay    = 250 * time.Millisecond
	retryMaxDelay = 2 * time.Second

	maxListBytes = 4 << 20
)

// FetchJSON sends req once and decodes a successful JSON body into out.
// Error statuses are parsed the same way stream errors are.
func FetchJSON(client *http.Client, providerName string, req *http.Request, extract func(body []byte) string, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return ParseAPIError(providerName, resp, extract)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxListBytes)).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", providerName, err)
	}
	return nil
}

// OpenStream sends the request produced by build and returns the response
// once a 2xx status arrives. Connection errors, 429 and 5xx responses are
// retried up to maxRetries times before any byte reaches the caller. build
// is invoked once per attempt so the request body can be replayed.
func OpenStream(
	ctx context.Context,
	client *http.Client,
	providerName string,
	maxRetries int,
	build func(ctx context.Context) (*http.Request, error),
	extract func(body []byte) string,
) (*http.Response, error) {
	attempt := func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s request failed: %w", providerName, err)
		}
		if resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return nil, ParseAPIError(providerName, resp, extract)
		}
		return resp, nil
	}

	if maxRetries <= 0 {
		return attempt()
	}

	policy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(_ *http.Response, err error) bool {
			return shouldRetry(ctx, err)
		}).
		WithMaxRetries(maxRetries).
		WithBackoff(retryDelay, retryMaxDelay).
		ReturnLastFailure().
		Build()

	return failsafe.With[*http.Response](policy).WithContext(ctx).Get(attempt)
}

func shouldRetry(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
