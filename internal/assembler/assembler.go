// Package assembler builds the opaque context string that accompanies every
// prompt sent to a backend.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Assembler resolves the context for a requestor.
type Assembler interface {
	Resolve(ctx context.Context, requestor string) (string, error)
}

// Static assembles context from configuration: the system prompt, the
// current date and an optional note about the requestor.
type Static struct {
	systemPrompt string
	users        map[string]string
	now          func() time.Time
}

// NewStatic returns an assembler over fixed configuration. users maps
// requestor ids to a free-form description.
func NewStatic(systemPrompt string, users map[string]string) *Static {
	return &Static{
		systemPrompt: strings.TrimSpace(systemPrompt),
		users:        users,
		now:          time.Now,
	}
}

func (s *Static) Resolve(ctx context.Context, requestor string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	parts := make([]string, 0, 3)
	if s.systemPrompt != "" {
		parts = append(parts, s.systemPrompt)
	}
	parts = append(parts, fmt.Sprintf("Today's date is %s.", s.now().Format(time.DateOnly)))
	if note, ok := s.users[requestor]; ok && strings.TrimSpace(note) != "" {
		parts = append(parts, fmt.Sprintf("About the user (%s): %s", requestor, strings.TrimSpace(note)))
	}
	return strings.Join(parts, "\n\n"), nil
}

// ResolveOrEmpty resolves context and degrades to an empty string on failure.
func ResolveOrEmpty(ctx context.Context, a Assembler, requestor string) string {
	if a == nil {
		return ""
	}
	out, err := a.Resolve(ctx, requestor)
	if err != nil {
		slog.Warn("context assembly failed, continuing without context",
			slog.String("requestor", requestor),
			slog.Any("err", err))
		return ""
	}
	return out
}
