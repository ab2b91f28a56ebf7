package agent

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestAgent() *Agent {
	return New(Config{
		Name:          "summarizer",
		Type:          "general",
		MaxIterations: 5,
		Timeout:       time.Minute,
		Parameters:    map[string]any{"lang": "en"},
	}, "print('hi')")
}

func TestNewAgentIsIdle(t *testing.T) {
	ag := newTestAgent()
	if ag.ID() == "" {
		t.Fatalf("expected id to be assigned")
	}
	if other := newTestAgent(); other.ID() == ag.ID() {
		t.Fatalf("expected unique ids")
	}
	state := ag.State()
	if state.Status != StatusIdle || state.Iteration != 0 || state.StartedAt != nil {
		t.Fatalf("unexpected initial state: %+v", state)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	ag := newTestAgent()
	start := time.Now()

	if err := ag.Start("run", start); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ag.Start("run", start); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := ag.Configure(Config{Name: "x"}); !errors.Is(err, ErrAgentBusy) {
		t.Fatalf("expected ErrAgentBusy while running, got %v", err)
	}
	if err := ag.Reset(); !errors.Is(err, ErrAgentBusy) {
		t.Fatalf("expected reset to be refused while running, got %v", err)
	}

	ag.Advance(2)
	ag.Advance(1)
	if got := ag.State().Iteration; got != 2 {
		t.Fatalf("iteration must not decrease, got %d", got)
	}

	if err := ag.Finish(StatusRunning, "", time.Now()); err == nil {
		t.Fatalf("expected non-terminal finish to fail")
	}
	if err := ag.Finish(StatusError, "boom", time.Now()); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := ag.Finish(StatusCompleted, "", time.Now()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected terminal state to reject finish, got %v", err)
	}
	ag.Advance(5)

	state := ag.State()
	if state.Status != StatusError || state.ErrorMessage != "boom" || state.EndedAt == nil || state.Iteration != 2 {
		t.Fatalf("unexpected terminal state: %+v", state)
	}

	if err := ag.Start("again", time.Now()); err != nil {
		t.Fatalf("restart from terminal: %v", err)
	}
	state = ag.State()
	if state.Iteration != 0 || state.ErrorMessage != "" || state.EndedAt != nil {
		t.Fatalf("restart must clear previous run fields: %+v", state)
	}
	_ = ag.Finish(StatusCancelled, "", time.Now())

	if err := ag.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ag.State().Status != StatusIdle {
		t.Fatalf("expected idle after reset")
	}
	if err := ag.Configure(Config{Name: "renamed", MaxIterations: 1}); err != nil {
		t.Fatalf("configure while idle: %v", err)
	}
	if ag.Name() != "renamed" {
		t.Fatalf("expected configuration to change")
	}
}

func TestConfigAndStateAreCopies(t *testing.T) {
	ag := newTestAgent()
	cfg := ag.Config()
	cfg.Parameters["lang"] = "fr"
	if ag.Config().Parameters["lang"] != "en" {
		t.Fatalf("config parameters leaked")
	}

	_ = ag.Start("run", time.Now())
	state := ag.State()
	*state.StartedAt = time.Time{}
	if ag.State().StartedAt.IsZero() {
		t.Fatalf("state timestamps leaked")
	}
}

func TestSnapshotJSON(t *testing.T) {
	ag := newTestAgent()
	raw, err := json.Marshal(ag.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["id"] != ag.ID() || decoded["code"] != "print('hi')" {
		t.Fatalf("unexpected snapshot: %s", raw)
	}
	state := decoded["state"].(map[string]any)
	if state["status"] != "idle" {
		t.Fatalf("unexpected state: %v", state)
	}
}

func TestConcurrentReadersSeeConsistentState(t *testing.T) {
	ag := newTestAgent()
	_ = ag.Start("run", time.Now())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 1000; i++ {
			ag.Advance(i)
		}
		_ = ag.Finish(StatusCompleted, "", time.Now())
	}()

	last := 0
	for {
		state := ag.State()
		if state.Iteration < last {
			t.Fatalf("observed iteration going backwards: %d < %d", state.Iteration, last)
		}
		last = state.Iteration
		if state.Status.Terminal() {
			if state.EndedAt == nil {
				t.Fatalf("terminal state without end time")
			}
			break
		}
	}
	wg.Wait()
}

func TestBeginReturnsCommittedConfig(t *testing.T) {
	ag := New(Config{Name: "first", MaxIterations: 3}, "")

	cfg, err := ag.Begin(time.Now())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if cfg.Name != "first" || cfg.MaxIterations != 3 {
		t.Fatalf("unexpected config snapshot: %+v", cfg)
	}
	if got := ag.State().CurrentTask; got != "first" {
		t.Fatalf("current task should be the agent name, got %q", got)
	}
	if err := ag.Configure(Config{Name: "second", MaxIterations: 9}); !errors.Is(err, ErrAgentBusy) {
		t.Fatalf("expected configure to be refused once begun, got %v", err)
	}
	if _, err := ag.Begin(time.Now()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}
