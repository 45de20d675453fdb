package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/renfield-voice/renfield/internal/intent"
	"github.com/renfield-voice/renfield/internal/llm"
	"github.com/renfield-voice/renfield/internal/reliability"
)

type scriptedChat struct {
	responses []string
	errs      []error
	calls     [][]llm.Message
}

func (s *scriptedChat) Chat(_ context.Context, messages []llm.Message) (string, error) {
	cp := make([]llm.Message, len(messages))
	copy(cp, messages)
	s.calls = append(s.calls, cp)
	idx := len(s.calls) - 1
	var err error
	if idx < len(s.errs) {
		err = s.errs[idx]
	}
	if err != nil {
		return "", err
	}
	if idx < len(s.responses) {
		return s.responses[idx], nil
	}
	return "fallback answer", nil
}

func newTestAgent(chat ChatClient, tools *intent.Registry) *Agent {
	return New(chat, tools, nil, Options{
		StepTimeout:   time.Second,
		TotalTimeout:  5 * time.Second,
		MaxSteps:      4,
		HistoryWindow: 12,
		LoopWindow:    3,
		SystemPrompt:  "You are a home assistant.",
	}, zerolog.Nop())
}

func toolRegistry(t *testing.T, output string) *intent.Registry {
	t.Helper()
	r := intent.NewRegistry()
	err := r.Register(intent.ToolSpec{Qualified: "core.lights", Description: "control lights"},
		func(_ context.Context, in intent.Intent) (intent.Result, error) {
			return intent.Result{Success: true, Output: output}, nil
		})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func TestPlainAnswerStopsLoop(t *testing.T) {
	chat := &scriptedChat{responses: []string{"The light is already on."}}
	a := newTestAgent(chat, intent.NewRegistry())

	reply := a.Run(context.Background(), "is the light on?")
	if reply.Text != "The light is already on." || reply.Degraded {
		t.Fatalf("reply: %+v", reply)
	}
	if len(chat.calls) != 1 {
		t.Fatalf("made %d llm calls, want 1", len(chat.calls))
	}
}

func TestToolCallThenAnswer(t *testing.T) {
	chat := &scriptedChat{responses: []string{
		`{"tool":"core.lights","parameters":{"state":"on"}}`,
		"Done, the light is on.",
	}}
	a := newTestAgent(chat, toolRegistry(t, "light switched"))

	reply := a.Run(context.Background(), "turn on the light")
	if reply.Text != "Done, the light is on." {
		t.Fatalf("reply: %+v", reply)
	}
	if len(reply.Actions) != 1 || reply.Actions[0].Intent != "core.lights" || !reply.Actions[0].Success {
		t.Fatalf("actions: %+v", reply.Actions)
	}

	// The second call must carry the tool result back to the model.
	second := chat.calls[1]
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || !strings.Contains(last.Content, "light switched") {
		t.Fatalf("tool result message: %+v", last)
	}
}

func TestIdenticalToolCallsAbort(t *testing.T) {
	call := `{"tool":"core.lights","parameters":{"state":"on"}}`
	chat := &scriptedChat{responses: []string{call, call, call, "summary"}}
	a := newTestAgent(chat, toolRegistry(t, ""))

	reply := a.Run(context.Background(), "turn on the light")
	if !reply.Degraded || reply.Reason != ReasonLoop {
		t.Fatalf("reply: %+v", reply)
	}
}

func TestDifferentParametersDoNotTripLoopGuard(t *testing.T) {
	chat := &scriptedChat{responses: []string{
		`{"tool":"core.lights","parameters":{"room":"kitchen"}}`,
		`{"tool":"core.lights","parameters":{"room":"bedroom"}}`,
		`{"tool":"core.lights","parameters":{"room":"office"}}`,
		"All three lights are on.",
	}}
	a := newTestAgent(chat, toolRegistry(t, ""))

	reply := a.Run(context.Background(), "turn on all lights")
	if reply.Degraded {
		t.Fatalf("loop guard tripped: %+v", reply)
	}
	if len(reply.Actions) != 3 {
		t.Fatalf("actions: %+v", reply.Actions)
	}
}

func TestMaxStepsDegrades(t *testing.T) {
	chat := &scriptedChat{responses: []string{
		`{"tool":"core.lights","parameters":{"n":1}}`,
		`{"tool":"core.lights","parameters":{"n":2}}`,
		`{"tool":"core.lights","parameters":{"n":3}}`,
		`{"tool":"core.lights","parameters":{"n":4}}`,
		"here is a summary",
	}}
	a := newTestAgent(chat, toolRegistry(t, ""))

	reply := a.Run(context.Background(), "busywork")
	if !reply.Degraded || reply.Reason != ReasonMaxSteps {
		t.Fatalf("reply: %+v", reply)
	}
	if reply.Text != "here is a summary" {
		t.Fatalf("summarizer skipped: %+v", reply)
	}
}

func TestUpstreamFailureFallsToSummarizerThenApology(t *testing.T) {
	boom := errors.New("boom")

	// Summarizer succeeds.
	chat := &scriptedChat{errs: []error{boom}, responses: []string{"", "partial answer"}}
	a := newTestAgent(chat, intent.NewRegistry())
	reply := a.Run(context.Background(), "hello")
	if !reply.Degraded || reply.Reason != ReasonUpstream || reply.Text != "partial answer" {
		t.Fatalf("reply: %+v", reply)
	}

	// Summarizer fails too.
	chat = &scriptedChat{errs: []error{boom, boom}}
	a = newTestAgent(chat, intent.NewRegistry())
	reply = a.Run(context.Background(), "hello")
	if !reply.Degraded || !strings.Contains(reply.Text, ReasonUpstream) {
		t.Fatalf("apology: %+v", reply)
	}
}

func TestOpenBreakerShortCircuits(t *testing.T) {
	cb := reliability.NewCircuitBreaker(reliability.BreakerOptions{
		Name:             "agent",
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
	}, zerolog.Nop(), nil)
	cb.RecordFailure()

	chat := &scriptedChat{}
	a := New(chat, intent.NewRegistry(), cb, Options{}, zerolog.Nop())
	reply := a.Run(context.Background(), "hello")
	if !reply.Degraded || reply.Reason != ReasonCircuitOpen {
		t.Fatalf("reply: %+v", reply)
	}
	if len(chat.calls) != 0 {
		t.Fatal("llm called while breaker open")
	}
}

func TestTrimHistoryKeepsPairsTogether(t *testing.T) {
	history := []llm.Message{{Role: llm.RoleUser, Content: "original request"}}
	for i := 0; i < 10; i++ {
		history = append(history,
			llm.Message{Role: llm.RoleAssistant, Content: "call"},
			llm.Message{Role: llm.RoleTool, Content: "result"},
		)
	}

	for window := 3; window < 10; window++ {
		got := trimHistory(history, window)
		if len(got) > window+1 {
			t.Fatalf("window %d: kept %d messages", window, len(got))
		}
		if got[0].Content != "original request" {
			t.Fatalf("window %d: first user message dropped", window)
		}
		if got[1].Role == llm.RoleTool {
			t.Fatalf("window %d: window starts with an orphan tool result", window)
		}
	}
}
