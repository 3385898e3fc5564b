package toolcall

import "testing"

func TestState_Lifecycle(t *testing.T) {
	var s State
	if s.Phase() != Idle {
		t.Fatalf("initial phase = %s, want idle", s.Phase())
	}

	s.Observe("", "", "")
	if s.Phase() != Idle {
		t.Errorf("empty fragment moved phase to %s", s.Phase())
	}

	s.Observe("get_weather", "call_1", `{"loc`)
	s.Observe("ignored_name", "call_2", `ation": "Ber`)
	s.Observe("", "", `lin"}`)

	if s.Phase() != Collecting {
		t.Fatalf("phase = %s, want collecting", s.Phase())
	}
	if s.FunctionName() != "get_weather" {
		t.Errorf("FunctionName() = %q, name must be captured once", s.FunctionName())
	}
	if s.CallID() != "call_1" {
		t.Errorf("CallID() = %q", s.CallID())
	}
	if s.RawArguments() != `{"location": "Berlin"}` {
		t.Errorf("RawArguments() = %q", s.RawArguments())
	}

	if !s.Execute() {
		t.Fatal("Execute() = false, want true")
	}
	if s.Phase() != Executing {
		t.Errorf("phase = %s, want executing", s.Phase())
	}
	if got := s.Arguments()["location"]; got != "Berlin" {
		t.Errorf("Arguments()[location] = %v", got)
	}

	s.Resume()
	if s.Phase() != Resumed {
		t.Errorf("phase = %s, want resumed", s.Phase())
	}

	s.Observe("other", "", `{"x":1}`)
	if s.FunctionName() != "get_weather" || s.RawArguments() != `{"location": "Berlin"}` {
		t.Error("fragments after resume must be ignored")
	}
	if s.Execute() {
		t.Error("a resumed state must not execute again")
	}
}

func TestState_ExecuteRequiresName(t *testing.T) {
	var s State
	if s.Execute() {
		t.Error("Execute() on idle state = true")
	}

	s.Observe("", "", `{"location":"Paris"}`)
	if s.Execute() {
		t.Error("Execute() without a function name = true")
	}
	if s.Phase() != Collecting {
		t.Errorf("phase = %s, want collecting", s.Phase())
	}
}

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		key  string
		want any
		size int
	}{
		{name: "valid", raw: `{"location":"Berlin","date":"2026-10-19"}`, key: "location", want: "Berlin", size: 2},
		{name: "empty", raw: "", size: 0},
		{name: "whitespace", raw: "   ", size: 0},
		{name: "repairable single quotes", raw: `{'location': 'Rome'}`, key: "location", want: "Rome", size: 1},
		{name: "repairable truncated", raw: `{"location": "Oslo"`, key: "location", want: "Oslo", size: 1},
		{name: "not an object", raw: `["a","b"]`, size: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseArguments(tt.raw)
			if got == nil {
				t.Fatal("ParseArguments() returned nil map")
			}
			if len(got) != tt.size {
				t.Errorf("len = %d, want %d (%v)", len(got), tt.size, got)
			}
			if tt.key != "" && got[tt.key] != tt.want {
				t.Errorf("[%s] = %v, want %v", tt.key, got[tt.key], tt.want)
			}
		})
	}
}

func TestPhase_String(t *testing.T) {
	want := map[Phase]string{Idle: "idle", Collecting: "collecting", Executing: "executing", Resumed: "resumed", Phase(42): "unknown"}
	for p, s := range want {
		if p.String() != s {
			t.Errorf("Phase(%d).String() = %q, want %q", p, p.String(), s)
		}
	}
}
