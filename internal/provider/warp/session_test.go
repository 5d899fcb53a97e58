package warp

import (
	"errors"
	"testing"

	gateway "github.com/pylonlabs/pylon/internal"
)

func TestSessionCascadeStableTurnRotates(t *testing.T) {
	t.Parallel()

	s := NewSession("", "m", EnvContext{})
	s.BeginTurn("first question")
	firstTurn := s.TurnID
	s.AppendAssistantText("answer one")
	s.AppendToolCall("call_A1", "ls", "")
	s.AppendToolResult("call_A1", "out")

	s.BeginTurn("second question")
	secondTurn := s.TurnID
	s.AppendAssistantText("answer two")

	if firstTurn == secondTurn {
		t.Error("turn id must rotate per user query")
	}
	for i, m := range s.Messages {
		if m.CascadeID != s.CascadeID {
			t.Errorf("message %d cascade = %q, want %q", i, m.CascadeID, s.CascadeID)
		}
	}
	// Messages within one turn share its id.
	for _, m := range s.Messages[:4] {
		if m.TurnID != firstTurn {
			t.Errorf("first-turn message has turn %q", m.TurnID)
		}
	}
	for _, m := range s.Messages[4:] {
		if m.TurnID != secondTurn {
			t.Errorf("second-turn message has turn %q", m.TurnID)
		}
	}
}

func TestSessionAcquireFailsFast(t *testing.T) {
	t.Parallel()

	s := NewSession("", "m", EnvContext{})
	if err := s.Acquire(); err != nil {
		t.Fatal(err)
	}
	if err := s.Acquire(); !errors.Is(err, gateway.ErrSessionBusy) {
		t.Fatalf("err = %v, want ErrSessionBusy", err)
	}
	s.Release()
	if err := s.Acquire(); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestSessionStoreLRU(t *testing.T) {
	t.Parallel()

	st := NewSessionStore(16)
	s := NewSession("sess-1", "m", EnvContext{})
	st.Put(s)

	if got := st.Get("sess-1"); got != s {
		t.Fatal("stored session not found")
	}
	st.Delete("sess-1")
	if st.Get("sess-1") != nil {
		t.Fatal("session survived delete")
	}
	if st.Get("missing") != nil {
		t.Fatal("unknown id must return nil")
	}
}
