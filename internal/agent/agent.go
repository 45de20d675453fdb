package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/renfield-voice/renfield/internal/intent"
	"github.com/renfield-voice/renfield/internal/llm"
	"github.com/renfield-voice/renfield/internal/reliability"
)

// Apology reason tags surfaced when both the loop and the summarizer fail.
const (
	ReasonCircuitOpen  = "circuit_open"
	ReasonStepTimeout  = "step_timeout"
	ReasonTotalTimeout = "total_timeout"
	ReasonMaxSteps     = "max_steps"
	ReasonLoop         = "tool_loop"
	ReasonUpstream     = "upstream"
)

// ChatClient is the LLM surface the agent drives.
type ChatClient interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// Options bounds the loop.
type Options struct {
	StepTimeout   time.Duration
	TotalTimeout  time.Duration
	MaxSteps      int
	HistoryWindow int
	LoopWindow    int
	SystemPrompt  string
}

// ActionRecord reports one executed tool for the session transcript.
type ActionRecord struct {
	Intent  string `json:"intent"`
	Success bool   `json:"success"`
}

// Reply is the loop outcome.
type Reply struct {
	Text     string         `json:"text"`
	Actions  []ActionRecord `json:"actions,omitempty"`
	Degraded bool           `json:"degraded,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// Agent runs the tool-calling loop: ask the model, execute any requested
// tool, feed the result back, and stop on a plain-text answer or a bound.
type Agent struct {
	chat    ChatClient
	tools   *intent.Registry
	breaker *reliability.CircuitBreaker
	opts    Options
	logger  zerolog.Logger
}

func New(chat ChatClient, tools *intent.Registry, breaker *reliability.CircuitBreaker, opts Options, logger zerolog.Logger) *Agent {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Second
	}
	if opts.TotalTimeout <= 0 {
		opts.TotalTimeout = 2 * time.Minute
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 8
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 12
	}
	if opts.LoopWindow <= 0 {
		opts.LoopWindow = 3
	}
	return &Agent{
		chat:    chat,
		tools:   tools,
		breaker: breaker,
		opts:    opts,
		logger:  logger.With().Str("component", "agent").Logger(),
	}
}

// toolCall is the shape the model uses to request a tool.
type toolCall struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (c toolCall) fingerprint() string {
	params, _ := json.Marshal(c.Parameters)
	return c.Tool + "|" + string(params)
}

// Run executes the loop for one user utterance.
func (a *Agent) Run(ctx context.Context, userText string) Reply {
	ctx, cancel := context.WithTimeout(ctx, a.opts.TotalTimeout)
	defer cancel()

	history := []llm.Message{{Role: llm.RoleUser, Content: userText}}
	var actions []ActionRecord
	var recentCalls []string

	for step := 0; step < a.opts.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return a.degrade(ctx, history, ReasonTotalTimeout)
		}
		if a.breaker != nil {
			if err := a.breaker.Allow(); err != nil {
				return a.degrade(ctx, history, ReasonCircuitOpen)
			}
		}

		stepCtx, stepCancel := context.WithTimeout(ctx, a.opts.StepTimeout)
		raw, err := a.chat.Chat(stepCtx, a.prompt(history))
		stepCancel()
		if err != nil {
			if a.breaker != nil {
				a.breaker.RecordFailure()
			}
			reason := ReasonUpstream
			switch {
			case ctx.Err() != nil:
				reason = ReasonTotalTimeout
			case errors.Is(err, context.DeadlineExceeded):
				reason = ReasonStepTimeout
			}
			a.logger.Warn().Err(err).Int("step", step).Msg("agent step failed")
			return a.degrade(ctx, history, reason)
		}
		if a.breaker != nil {
			a.breaker.RecordSuccess()
		}

		call, ok := parseToolCall(raw)
		if !ok {
			return Reply{Text: strings.TrimSpace(raw), Actions: actions}
		}

		recentCalls = append(recentCalls, call.fingerprint())
		if looping(recentCalls, a.opts.LoopWindow) {
			a.logger.Warn().Str("tool", call.Tool).Msg("identical tool calls repeating, aborting loop")
			return a.degrade(ctx, history, ReasonLoop)
		}

		in, err := intent.Parse(call.Tool, call.Parameters)
		var result intent.Result
		if err == nil {
			result, err = a.tools.Dispatch(ctx, in)
		}
		if err != nil {
			result = intent.Result{Success: false, Output: err.Error()}
		}
		actions = append(actions, ActionRecord{Intent: call.Tool, Success: result.Success})

		// Call and result travel as a pair so truncation never orphans one.
		history = append(history,
			llm.Message{Role: llm.RoleAssistant, Content: raw},
			llm.Message{Role: llm.RoleTool, Content: toolResultContent(call.Tool, result)},
		)
	}
	return a.degrade(ctx, history, ReasonMaxSteps)
}

// prompt assembles the system prompt plus the trimmed history window.
func (a *Agent) prompt(history []llm.Message) []llm.Message {
	trimmed := trimHistory(history, a.opts.HistoryWindow)
	out := make([]llm.Message, 0, len(trimmed)+1)
	if a.opts.SystemPrompt != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: a.systemPrompt()})
	}
	return append(out, trimmed...)
}

func (a *Agent) systemPrompt() string {
	var b strings.Builder
	b.WriteString(a.opts.SystemPrompt)
	specs := a.tools.Specs()
	if len(specs) == 0 {
		return b.String()
	}
	b.WriteString("\n\nAvailable tools:\n")
	for _, s := range specs {
		b.WriteString("- ")
		b.WriteString(s.Qualified)
		if s.Description != "" {
			b.WriteString(": ")
			b.WriteString(s.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString(`To call a tool reply with only {"tool":"<name>","parameters":{...}}. Otherwise answer in plain text.`)
	return b.String()
}

// trimHistory keeps the first user message and the last window messages,
// never splitting an assistant-call/tool-result pair.
func trimHistory(history []llm.Message, window int) []llm.Message {
	if len(history) <= window {
		return history
	}
	start := len(history) - window + 1
	// A tool message at the cut start would arrive without its call.
	if history[start].Role == llm.RoleTool {
		start++
	}
	out := make([]llm.Message, 0, window)
	out = append(out, history[0])
	return append(out, history[start:]...)
}

// looping reports whether the last window fingerprints are identical.
func looping(calls []string, window int) bool {
	if len(calls) < window {
		return false
	}
	last := calls[len(calls)-1]
	for _, c := range calls[len(calls)-window:] {
		if c != last {
			return false
		}
	}
	return true
}

// degrade asks the model for a plain summary of what happened; when that
// also fails the caller gets a tagged apology.
func (a *Agent) degrade(ctx context.Context, history []llm.Message, reason string) Reply {
	if ctx.Err() == nil && (a.breaker == nil || a.breaker.Allow() == nil) {
		summaryCtx, cancel := context.WithTimeout(ctx, a.opts.StepTimeout)
		defer cancel()
		messages := append(a.prompt(history), llm.Message{
			Role:    llm.RoleUser,
			Content: "Answer the original request as well as you can in one or two plain sentences, without calling any tools.",
		})
		text, err := a.chat.Chat(summaryCtx, messages)
		if err == nil && strings.TrimSpace(text) != "" {
			if a.breaker != nil {
				a.breaker.RecordSuccess()
			}
			return Reply{Text: strings.TrimSpace(text), Degraded: true, Reason: reason}
		}
		if err != nil && a.breaker != nil {
			a.breaker.RecordFailure()
		}
	}
	return Reply{
		Text:     fmt.Sprintf("Sorry, I could not finish that request (%s).", reason),
		Degraded: true,
		Reason:   reason,
	}
}

// parseToolCall accepts a bare JSON object with a "tool" key, tolerating
// surrounding prose or code fences.
func parseToolCall(raw string) (toolCall, bool) {
	s := strings.TrimSpace(raw)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return toolCall{}, false
	}
	var call toolCall
	if err := json.Unmarshal([]byte(s[start:end+1]), &call); err != nil {
		return toolCall{}, false
	}
	if call.Tool == "" {
		return toolCall{}, false
	}
	return call, true
}

func toolResultContent(tool string, result intent.Result) string {
	status := "ok"
	if !result.Success {
		status = "error"
	}
	if result.Output == "" {
		return fmt.Sprintf("[%s] %s", tool, status)
	}
	return fmt.Sprintf("[%s] %s: %s", tool, status, result.Output)
}
