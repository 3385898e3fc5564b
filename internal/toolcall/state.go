// Package toolcall tracks a model-issued function call inside one adapter
// stream. A State is owned by a single adapter invocation and discarded
// when that invocation returns.
package toolcall

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Phase is the interception phase of a stream.
type Phase int

const (
	Idle Phase = iota
	Collecting
	Executing
	Resumed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Collecting:
		return "collecting"
	case Executing:
		return "executing"
	case Resumed:
		return "resumed"
	default:
		return "unknown"
	}
}

// State accumulates partial function-call fragments.
type State struct {
	phase     Phase
	name      string
	callID    string
	arguments strings.Builder
}

// Phase returns the current phase.
func (s *State) Phase() Phase { return s.phase }

// FunctionName returns the captured function name, if any.
func (s *State) FunctionName() string { return s.name }

// CallID returns the provider call identifier, if the backend sent one.
func (s *State) CallID() string { return s.callID }

// RawArguments returns the argument fragments concatenated verbatim.
func (s *State) RawArguments() string { return s.arguments.String() }

// Observe records one delta's function-call fragments. The first name and
// call id win; argument fragments are appended in arrival order. Fragments
// are ignored once the state has left the collecting phases.
func (s *State) Observe(name, callID, fragment string) {
	if s.phase != Idle && s.phase != Collecting {
		return
	}
	if name == "" && callID == "" && fragment == "" {
		return
	}
	s.phase = Collecting
	if s.name == "" && name != "" {
		s.name = name
	}
	if s.callID == "" && callID != "" {
		s.callID = callID
	}
	s.arguments.WriteString(fragment)
}

// Execute moves Collecting to Executing. It reports false, leaving the
// state untouched, when no function name was captured.
func (s *State) Execute() bool {
	if s.phase != Collecting || s.name == "" {
		return false
	}
	s.phase = Executing
	return true
}

// Resume marks the tool result as delivered. Later fragments are ignored.
func (s *State) Resume() {
	if s.phase == Executing {
		s.phase = Resumed
	}
}

// Arguments parses the accumulated argument buffer.
func (s *State) Arguments() map[string]any {
	return ParseArguments(s.arguments.String())
}

// ParseArguments decodes a JSON argument object. Malformed input is
// repaired when possible; anything else yields an empty argument set.
func ParseArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil && args != nil {
		return args
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err == nil {
		args = nil
		if err := json.Unmarshal([]byte(repaired), &args); err == nil && args != nil {
			return args
		}
	}

	slog.Warn("discarding unparsable tool arguments", slog.String("arguments", raw))
	return map[string]any{}
}
