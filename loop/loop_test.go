package loop

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openloop-ai/openloop/llm"
)

// scriptProvider plays back a fixed sequence of responses, one per model
// call, and records every request it saw.
type scriptProvider struct {
	mu    sync.Mutex
	steps []scriptStep
	seen  []llm.Request
}

type scriptStep struct {
	resp *llm.Response
	err  error
}

func script(steps ...scriptStep) *scriptProvider {
	return &scriptProvider{steps: steps}
}

func (p *scriptProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, req)
	if len(p.steps) == 0 {
		return nil, errors.New("script exhausted: unexpected model call")
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step.resp, step.err
}

func (p *scriptProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.StreamEvent, 64)
	go func() {
		defer close(ch)
		ch <- llm.StreamEvent{Type: llm.StreamStart}
		for _, r := range resp.Text() {
			ch <- llm.StreamEvent{Type: llm.StreamDelta, Delta: string(r)}
		}
		ch <- llm.StreamEvent{Type: llm.StreamFinish, Response: resp}
	}()
	return ch, nil
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func answerStep(text string) scriptStep {
	return scriptStep{resp: &llm.Response{
		Message:      llm.AssistantMessage(text),
		FinishReason: llm.FinishStop,
		Usage:        llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}}
}

func toolStep(calls ...llm.ToolCall) scriptStep {
	msg := llm.Message{Role: llm.RoleAssistant}
	for _, c := range calls {
		msg.Parts = append(msg.Parts, llm.ToolCallPart(c.ID, c.Name, c.Arguments))
	}
	return scriptStep{resp: &llm.Response{
		Message:      msg,
		FinishReason: llm.FinishToolCalls,
		Usage:        llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}}
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func echoTool(name string) Tool {
	return Tool{
		Name: name,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "echo:" + string(args), nil
		},
	}
}

func newTestLoop(t *testing.T, p Provider, reg *Registry, cfg Config, opts ...LoopOption) *Loop {
	t.Helper()
	l, err := New(p, reg, cfg, opts...)
	require.NoError(t, err)
	return l
}

func TestRunImmediateAnswer(t *testing.T) {
	p := script(answerStep("4"))
	l := newTestLoop(t, p, nil, DefaultConfig())

	res, err := l.Run(context.Background(), "What is 2+2?", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "4", res.Content)
	assert.Equal(t, 1, res.Iterations)
	assert.Empty(t, res.ToolCalls)
	assert.Equal(t, 1, p.callCount())

	require.Len(t, res.Messages, 2)
	assert.Equal(t, RoleUser, res.Messages[0].Role)
	assert.Equal(t, RoleAssistant, res.Messages[1].Role)
}

func TestRunToolThenAnswer(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Tool{
		Name: "weather",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return `{"temp_c":18}`, nil
		},
	})
	p := script(
		toolStep(call("c1", "weather", `{"city":"Oslo"}`)),
		answerStep("18 degrees in Oslo."),
	)
	l := newTestLoop(t, p, reg, DefaultConfig())

	res, err := l.Run(context.Background(), "Weather in Oslo?", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, CallSuccess, res.ToolCalls[0].Status)
	assert.Equal(t, `{"temp_c":18}`, res.ToolCalls[0].Result)

	// user, assistant(tool calls), tool result, assistant answer
	require.Len(t, res.Messages, 4)
	assert.Equal(t, RoleTool, res.Messages[2].Role)
	assert.Equal(t, "c1", res.Messages[2].CallID)

	// The second model request must include the tool result turn.
	second := p.seen[1]
	var sawToolResult bool
	for _, m := range second.Messages {
		if m.Role == llm.RoleTool {
			sawToolResult = true
		}
	}
	assert.True(t, sawToolResult)
}

func TestIterationLimit(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("probe"))
	p := script(
		toolStep(call("c1", "probe", `{}`)),
		toolStep(call("c2", "probe", `{}`)), // must never be reached
	)
	cfg := DefaultConfig()
	cfg.MaxIterations = 1
	l := newTestLoop(t, p, reg, cfg)

	res, err := l.Run(context.Background(), "go", nil)
	require.Nil(t, res)
	var le *LoopError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, IterationLimitExceeded, le.Kind)
	assert.Equal(t, 1, le.Iterations)
	// The tool the first turn requested still ran.
	require.Len(t, le.Records, 1)
	assert.Equal(t, CallSuccess, le.Records[0].Status)
	// The ceiling forbids a second model call.
	assert.Equal(t, 1, p.callCount())
}

func TestToolErrorContinuesLoop(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Tool{
		Name: "flaky",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", errors.New("backend unavailable")
		},
	})
	p := script(
		toolStep(call("c1", "flaky", `{}`)),
		answerStep("The backend is down, sorry."),
	)
	l := newTestLoop(t, p, reg, DefaultConfig())

	res, err := l.Run(context.Background(), "check", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, CallError, res.ToolCalls[0].Status)
	assert.Contains(t, res.ToolCalls[0].Error, "backend unavailable")

	// The error surfaced to the model as an error-flagged tool turn.
	assert.True(t, res.Messages[2].IsError)
}

func TestUnknownToolFailsInvocation(t *testing.T) {
	p := script(toolStep(call("c1", "nonexistent", `{}`)))
	l := newTestLoop(t, p, NewRegistry(), DefaultConfig())

	_, err := l.Run(context.Background(), "go", nil)
	var le *LoopError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, UnknownTool, le.Kind)
	assert.Contains(t, le.Message, "nonexistent")
}

func TestInvalidArgumentsFailsInvocation(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Tool{
		Name: "strict",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"n": map[string]any{"type": "integer"}},
			"required":   []string{"n"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "ok", nil
		},
	})
	p := script(toolStep(call("c1", "strict", `{"n":"not a number"}`)))
	l := newTestLoop(t, p, reg, DefaultConfig())

	_, err := l.Run(context.Background(), "go", nil)
	var le *LoopError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, InvalidToolArguments, le.Kind)
}

func TestMalformedTurnRetriedOnce(t *testing.T) {
	p := script(
		scriptStep{resp: &llm.Response{Message: llm.Message{Role: llm.RoleAssistant}}}, // empty turn
		answerStep("recovered"),
	)
	l := newTestLoop(t, p, nil, DefaultConfig())

	res, err := l.Run(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Content)
	assert.Equal(t, 2, res.Iterations)

	// A corrective system note preceded the retry.
	retry := p.seen[1]
	last := retry.Messages[len(retry.Messages)-1]
	assert.Equal(t, llm.RoleSystem, last.Role)
}

func TestMalformedTwiceIsProviderFailure(t *testing.T) {
	empty := scriptStep{resp: &llm.Response{Message: llm.Message{Role: llm.RoleAssistant}}}
	p := script(empty, empty)
	l := newTestLoop(t, p, nil, DefaultConfig())

	_, err := l.Run(context.Background(), "go", nil)
	var le *LoopError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ProviderFailure, le.Kind)
	assert.Equal(t, 2, p.callCount())
}

func TestProviderErrorIsFatal(t *testing.T) {
	p := script(scriptStep{err: &llm.APIError{Provider: "test", Status: 500, Message: "boom"}})
	l := newTestLoop(t, p, nil, DefaultConfig())

	_, err := l.Run(context.Background(), "go", nil)
	var le *LoopError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ProviderFailure, le.Kind)

	var apiErr *llm.APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestConfirmationDenyAll(t *testing.T) {
	reg := NewRegistry()
	executed := false
	reg.Register(Tool{
		Name: "delete_everything",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			executed = true
			return "done", nil
		},
	})
	p := script(
		toolStep(call("c1", "delete_everything", `{}`)),
		answerStep("Understood, I won't."),
	)
	cfg := DefaultConfig()
	cfg.RequireConfirmation = true
	l := newTestLoop(t, p, reg, cfg)

	res, err := l.Run(context.Background(), "wipe it", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingConfirmation, res.Status)
	require.Len(t, res.Pending, 1)
	assert.False(t, executed, "no tool may run before the gate decision")

	// nil decisions means every request is denied
	final, err := l.Resume(context.Background(), res, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.False(t, executed)
	require.Len(t, final.ToolCalls, 1)
	assert.Equal(t, CallError, final.ToolCalls[0].Status)
	assert.Equal(t, "denied by caller", final.ToolCalls[0].Error)
}

func TestConfirmationPartialApproval(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("read"))
	reg.Register(echoTool("write"))
	p := script(
		toolStep(call("c1", "read", `{"k":"a"}`), call("c2", "write", `{"k":"b"}`)),
		answerStep("done"),
	)
	cfg := DefaultConfig()
	cfg.RequireConfirmation = true
	l := newTestLoop(t, p, reg, cfg)

	res, err := l.Run(context.Background(), "go", nil)
	require.NoError(t, err)
	require.Len(t, res.Pending, 2)

	final, err := l.Resume(context.Background(), res, map[string]bool{"c1": true})
	require.NoError(t, err)
	require.Len(t, final.ToolCalls, 2)

	byID := map[string]ToolCallRecord{}
	for _, rec := range final.ToolCalls {
		byID[rec.CallID] = rec
	}
	assert.Equal(t, CallError, byID["c2"].Status)
	assert.Equal(t, "denied by caller", byID["c2"].Error)
	assert.Equal(t, CallSuccess, byID["c1"].Status)
}

func TestResumeConsumedOnce(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("t"))
	p := script(toolStep(call("c1", "t", `{}`)), answerStep("ok"))
	cfg := DefaultConfig()
	cfg.RequireConfirmation = true
	l := newTestLoop(t, p, reg, cfg)

	res, err := l.Run(context.Background(), "go", nil)
	require.NoError(t, err)

	_, err = l.Resume(context.Background(), res, map[string]bool{"c1": true})
	require.NoError(t, err)

	_, err = l.Resume(context.Background(), res, map[string]bool{"c1": true})
	assert.Error(t, err)
}

func TestHistoryOrderWithSlowTool(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Tool{
		Name: "slow",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			time.Sleep(40 * time.Millisecond)
			return "slow done", nil
		},
	})
	reg.Register(Tool{
		Name: "fast",
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "fast done", nil
		},
	})
	p := script(
		toolStep(call("c1", "slow", `{}`), call("c2", "fast", `{}`)),
		answerStep("both done"),
	)
	l := newTestLoop(t, p, reg, DefaultConfig())

	res, err := l.Run(context.Background(), "go", nil)
	require.NoError(t, err)

	// Records and tool turns follow request order even though the fast
	// tool finished first.
	require.Len(t, res.ToolCalls, 2)
	assert.Equal(t, "c1", res.ToolCalls[0].CallID)
	assert.Equal(t, "c2", res.ToolCalls[1].CallID)
	assert.Equal(t, "c1", res.Messages[2].CallID)
	assert.Equal(t, "c2", res.Messages[3].CallID)
}

func TestDependentToolsRunInStages(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}
	reg := NewRegistry()
	reg.Register(Tool{Name: "fetch", Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
		time.Sleep(20 * time.Millisecond)
		record("fetch")
		return "data", nil
	}})
	reg.Register(Tool{Name: "summarize", DependsOn: []string{"fetch"}, Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
		record("summarize")
		return "summary", nil
	}})
	p := script(
		toolStep(call("c1", "summarize", `{}`), call("c2", "fetch", `{}`)),
		answerStep("done"),
	)
	l := newTestLoop(t, p, reg, DefaultConfig())

	_, err := l.Run(context.Background(), "go", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"fetch", "summarize"}, order)
}

func TestStreamingDeltasConcatenate(t *testing.T) {
	p := script(answerStep("streamed answer"))
	cfg := DefaultConfig()
	cfg.Streaming = true

	var mu sync.Mutex
	var deltas []string
	l := newTestLoop(t, p, nil, cfg, WithEvents(func(ev Event) {
		if ev.Kind == EventContentDelta {
			mu.Lock()
			deltas = append(deltas, ev.Delta)
			mu.Unlock()
		}
	}))

	res, err := l.Run(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, "streamed answer", res.Content)
	assert.Equal(t, res.Content, strings.Join(deltas, ""))
}

func TestCancellationDuringTool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewRegistry()
	finished := false
	reg.Register(Tool{
		Name: "long",
		Handler: func(hctx context.Context, args json.RawMessage) (string, error) {
			cancel() // caller cancels mid-execution
			time.Sleep(10 * time.Millisecond)
			finished = true
			return "partial", nil
		},
	})
	p := script(toolStep(call("c1", "long", `{}`)))
	l := newTestLoop(t, p, reg, DefaultConfig())

	res, err := l.Run(ctx, "go", nil)
	require.NoError(t, err, "cancellation is a status, not an error")
	assert.Equal(t, StatusCancelled, res.Status)
	assert.True(t, finished, "in-flight tool runs to completion")
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, CallSuccess, res.ToolCalls[0].Status)
	assert.Equal(t, 1, p.callCount(), "no model call starts after cancel")
}

func TestCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := script(answerStep("never"))
	l := newTestLoop(t, p, nil, DefaultConfig())

	res, err := l.Run(ctx, "go", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, 0, p.callCount())
}

func TestEventOrdering(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("t"))
	p := script(toolStep(call("c1", "t", `{}`)), answerStep("ok"))

	handler, events, stop := ChannelEvents(64)
	l := newTestLoop(t, p, reg, DefaultConfig(), WithEvents(handler))

	_, err := l.Run(context.Background(), "go", nil)
	require.NoError(t, err)
	stop()

	var kinds []EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventProcessingStart, kinds[0])
	assert.Equal(t, EventProcessingEnd, kinds[len(kinds)-1])

	callIdx, completeIdx := -1, -1
	for i, k := range kinds {
		switch k {
		case EventToolCall:
			callIdx = i
		case EventToolComplete:
			completeIdx = i
		}
	}
	require.GreaterOrEqual(t, callIdx, 0)
	require.GreaterOrEqual(t, completeIdx, 0)
	assert.Less(t, callIdx, completeIdx)
}

func TestUsageAggregatesAcrossIterations(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("t"))
	p := script(toolStep(call("c1", "t", `{}`)), answerStep("ok"))
	l := newTestLoop(t, p, reg, DefaultConfig())

	res, err := l.Run(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Usage.InputTokens)
	assert.Equal(t, 10, res.Usage.OutputTokens)
	assert.Equal(t, 30, res.Usage.TotalTokens)
}

func TestInputHistoryNotMutated(t *testing.T) {
	history := []Message{
		NewUserMessage("earlier question"),
		NewAssistantMessage("earlier answer", nil),
	}
	snapshot := append([]Message(nil), history...)

	p := script(answerStep("ok"))
	l := newTestLoop(t, p, nil, DefaultConfig())

	res, err := l.Run(context.Background(), "new question", history)
	require.NoError(t, err)
	assert.Equal(t, snapshot, history)
	// Result carries only the new turns.
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "new question", res.Messages[0].Content)
}

func TestAssistantProseWithToolCallsStaysOutOfModelContext(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("weather"))

	mixed := llm.Message{Role: llm.RoleAssistant, Parts: []llm.Part{
		llm.TextPart("Let me check that for you."),
		llm.ToolCallPart("c1", "weather", json.RawMessage(`{"city":"Oslo"}`)),
	}}
	p := script(
		scriptStep{resp: &llm.Response{Message: mixed, FinishReason: llm.FinishToolCalls}},
		answerStep("18 degrees"),
	)
	l := newTestLoop(t, p, reg, DefaultConfig())

	res, err := l.Run(context.Background(), "Weather in Oslo?", nil)
	require.NoError(t, err)

	// The stored turn keeps the prose for observability.
	assert.Equal(t, "Let me check that for you.", res.Messages[1].Content)

	// The next model request carries only the tool call, not the prose.
	second := p.seen[1]
	for _, m := range second.Messages {
		if m.Role != llm.RoleAssistant {
			continue
		}
		assert.Empty(t, m.TextContent())
		require.Len(t, m.ToolCalls(), 1)
		assert.Equal(t, "c1", m.ToolCalls()[0].ID)
	}
}

type stubRetriever struct {
	passages []Passage
	err      error
}

func (s stubRetriever) Retrieve(ctx context.Context, query string) ([]Passage, error) {
	return s.passages, s.err
}

func TestRetrieverInjectsContext(t *testing.T) {
	p := script(answerStep("grounded answer"))
	r := stubRetriever{passages: []Passage{{Source: "kb/1", Content: "the sky is blue", Score: 0.9}}}

	var retrieved []Passage
	l := newTestLoop(t, p, nil, DefaultConfig(), WithRetriever(r), WithEvents(func(ev Event) {
		if ev.Kind == EventKnowledgeRetrieved {
			retrieved = ev.Knowledge
		}
	}))

	_, err := l.Run(context.Background(), "what color is the sky?", nil)
	require.NoError(t, err)
	// Passages pass through to the event unchanged.
	require.Len(t, retrieved, 1)
	assert.Equal(t, "kb/1", retrieved[0].Source)

	// The model request carries the passage content.
	req := p.seen[0]
	var found bool
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem && strings.Contains(m.TextContent(), "the sky is blue") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRetrieverFailureIsWarning(t *testing.T) {
	p := script(answerStep("answering blind"))
	r := stubRetriever{err: errors.New("index offline")}

	var warned bool
	l := newTestLoop(t, p, nil, DefaultConfig(), WithRetriever(r), WithEvents(func(ev Event) {
		if ev.Kind == EventWarning {
			warned = true
		}
	}))

	res, err := l.Run(context.Background(), "go", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, warned)
}

func TestConfigRejectsZeroIterations(t *testing.T) {
	_, err := New(script(), nil, Config{MaxIterations: 0})
	assert.Error(t, err)
}
