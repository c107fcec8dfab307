package loop

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/openloop-ai/openloop/llm"
)

// Provider is the LLM adapter contract the loop consumes. Complete is the
// batch mode; Stream produces incremental deltas. The loop treats both
// uniformly, selecting the mode from Config.Streaming at construction.
type Provider interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
	Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error)
}

// Loop drives the agentic turn cycle: model call, intent classification,
// optional tool execution, re-invocation, bounded by MaxIterations.
//
// A Loop holds no per-invocation state and may serve concurrent Run calls,
// but a single logical session must not start a second Run before the
// first's result (or suspension) is observed; the loop provides no mutual
// exclusion of its own.
type Loop struct {
	provider  Provider
	registry  *Registry
	retriever Retriever
	cfg       Config
	events    *emitter
	exec      *executor
}

// LoopOption configures optional collaborators.
type LoopOption func(*Loop)

// WithEvents sets the event handler. Events are delivered synchronously on
// the loop's goroutine.
func WithEvents(h EventHandler) LoopOption {
	return func(l *Loop) { l.events.fn = h }
}

// WithRetriever attaches a knowledge retriever whose passages are surfaced
// as a knowledge:retrieved event and injected into model context.
func WithRetriever(r Retriever) LoopOption {
	return func(l *Loop) { l.retriever = r }
}

// New creates a Loop. The registry is read-only for the duration of any
// run; per-invocation tool sets belong in separate registries.
func New(provider Provider, registry *Registry, cfg Config, opts ...LoopOption) (*Loop, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = NewRegistry()
	}
	l := &Loop{
		provider: provider,
		registry: registry,
		cfg:      cfg,
		events:   &emitter{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.exec = newExecutor(l.events, cfg.ToolTimeout, cfg.MaxToolOutput)
	return l, nil
}

// runState is the working state of one in-flight invocation. It is owned
// exclusively by that invocation and never shared.
type runState struct {
	history    []Message
	base       int
	iterations int
	records    []ToolCallRecord
	usage      llm.Usage
	corrected  bool
	pending    []ToolCallRequest
}

func (st *runState) append(m Message) {
	st.history = append(st.history, m)
}

// newMessages returns the turns this invocation appended.
func (st *runState) newMessages() []Message {
	return append([]Message(nil), st.history[st.base:]...)
}

// Run processes one user message through the loop. History is treated as
// an immutable snapshot. The result is terminal unless Config requires
// confirmation and the model requested tools, in which case the result has
// StatusAwaitingConfirmation and must be passed to Resume.
func (l *Loop) Run(ctx context.Context, message string, history []Message) (*Result, error) {
	st := &runState{history: append([]Message(nil), history...)}
	st.base = len(st.history)

	l.events.emit(Event{Kind: EventProcessingStart})
	st.append(NewUserMessage(message))
	l.retrieve(ctx, st, message)
	return l.advance(ctx, st)
}

// Resume continues an invocation suspended at the confirmation gate.
// decisions maps call id to approval; a request with no decision is
// denied. Denied requests become error records and are not retried;
// approved requests proceed through the execution plan.
func (l *Loop) Resume(ctx context.Context, res *Result, decisions map[string]bool) (*Result, error) {
	if res == nil || res.Status != StatusAwaitingConfirmation || res.resume == nil {
		return nil, errors.New("loop: result is not an awaiting-confirmation suspension")
	}
	st := res.resume
	res.resume = nil // a suspension is consumed exactly once

	pending := st.pending
	st.pending = nil
	if out, err := l.dispatch(ctx, st, pending, decisions, true); out != nil || err != nil {
		return out, err
	}
	l.checkRepetition(st)
	if st.iterations >= l.cfg.MaxIterations {
		return nil, l.iterationLimit(st)
	}
	return l.advance(ctx, st)
}

const correctiveNote = "Your previous reply could not be parsed: it must contain either a final answer or well-formed tool calls with object arguments. Reply again in a valid form."

// advance drives the state machine until a terminal result, a suspension,
// or a fatal error.
func (l *Loop) advance(ctx context.Context, st *runState) (*Result, error) {
	for {
		if ctx.Err() != nil {
			return l.cancelled(st), nil
		}
		if st.iterations >= l.cfg.MaxIterations {
			return nil, l.iterationLimit(st)
		}

		resp, err := l.complete(ctx, st)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, llm.ErrAborted) {
				return l.cancelled(st), nil
			}
			return nil, l.fatal(st, ProviderFailure, "model call failed", err)
		}
		st.iterations++
		st.usage = st.usage.Add(resp.Usage)

		intent := Classify(resp)
		switch intent.Kind {
		case IntentAnswer:
			st.append(NewAssistantMessage(intent.Text, nil))
			l.events.emit(Event{Kind: EventProcessingEnd})
			return finalResult(st, StatusCompleted, intent.Text), nil

		case IntentMalformed:
			if st.corrected {
				return nil, l.fatal(st, ProviderFailure, "malformed model output after corrective retry: "+intent.Reason, nil)
			}
			st.corrected = true
			st.append(NewSystemMessage(correctiveNote))

		case IntentToolRequests:
			st.corrected = false
			st.append(NewAssistantMessage(intent.Text, intent.Requests))

			if l.cfg.RequireConfirmation {
				st.pending = intent.Requests
				l.events.emit(Event{Kind: EventConfirmationRequired, Pending: intent.Requests})
				res := finalResult(st, StatusAwaitingConfirmation, "")
				res.Pending = append([]ToolCallRequest(nil), intent.Requests...)
				res.resume = st
				return res, nil
			}

			if out, err := l.dispatch(ctx, st, intent.Requests, nil, false); out != nil || err != nil {
				return out, err
			}
			l.checkRepetition(st)
		}
	}
}

// complete performs one model invocation, buffering stream deltas into a
// complete turn while re-emitting each delta immediately, in arrival
// order, as content:delta.
func (l *Loop) complete(ctx context.Context, st *runState) (*llm.Response, error) {
	req := llm.Request{
		Model:    l.cfg.Model,
		Provider: l.cfg.Provider,
		Messages: toWire(l.cfg.SystemPrompt, st.history),
		ToolDefs: l.registry.Definitions(),
	}
	if len(req.ToolDefs) > 0 {
		req.ToolChoice = &llm.ToolChoice{Mode: "auto"}
	}

	if !l.cfg.Streaming {
		return l.provider.Complete(ctx, req)
	}

	events, err := l.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	acc := llm.NewAccumulator()
	for ev := range events {
		if ev.Type == llm.StreamDelta {
			l.events.emit(Event{Kind: EventContentDelta, Delta: ev.Delta})
		}
		acc.Process(ev)
	}
	if err := acc.Err(); err != nil {
		return nil, err
	}
	return acc.Response(), nil
}

// retrieve asks the knowledge collaborator for grounding passages. The
// results pass through to the event stream unchanged; retrieval failure is
// a warning, never fatal.
func (l *Loop) retrieve(ctx context.Context, st *runState, query string) {
	if l.retriever == nil {
		return
	}
	passages, err := l.retriever.Retrieve(ctx, query)
	if err != nil {
		l.events.emit(Event{Kind: EventWarning, Message: "knowledge retrieval failed: " + err.Error()})
		return
	}
	if len(passages) == 0 {
		return
	}
	l.events.emit(Event{Kind: EventKnowledgeRetrieved, Knowledge: passages})
	st.append(NewSystemMessage(knowledgeContext(passages)))
}

// dispatch resolves, validates, plans, and executes one turn's requests.
// It returns a non-nil result only for cancellation, and a non-nil error
// only for fatal failures; the normal outcome is (nil, nil) with records
// and tool-result messages appended in plan order.
func (l *Loop) dispatch(ctx context.Context, st *runState, requests []ToolCallRequest, decisions map[string]bool, gated bool) (*Result, error) {
	approved := requests
	if gated {
		approved = nil
		for _, req := range requests {
			if decisions[req.CallID] {
				approved = append(approved, req)
				continue
			}
			rec := deniedRecord(req)
			l.events.emit(Event{Kind: EventToolCall, Tool: &ToolEventData{
				CallID: req.CallID, Name: req.Name, Arguments: req.Arguments,
			}})
			l.events.emit(Event{Kind: EventToolError, Tool: &ToolEventData{
				CallID: req.CallID, Name: req.Name, Error: rec.Error,
			}})
			st.records = append(st.records, rec)
			st.append(NewToolResultMessage(rec))
		}
	}

	// Resolve and validate everything up front: an unknown tool or schema
	// violation fails the invocation before any side effect runs.
	resolved := make(map[string]Tool, len(approved))
	for _, req := range approved {
		tool, ok := l.registry.Get(req.Name)
		if !ok {
			return nil, l.fatal(st, UnknownTool, "unknown tool: "+req.Name, nil)
		}
		if err := tool.ValidateArguments(req.Arguments); err != nil {
			return nil, l.fatal(st, InvalidToolArguments, err.Error(), nil)
		}
		resolved[req.Name] = tool
	}

	stages, err := BuildPlan(approved, func(name string) []string {
		return resolved[name].DependsOn
	})
	if err != nil {
		var le *LoopError
		if errors.As(err, &le) {
			return nil, l.fatal(st, le.Kind, le.Message, nil)
		}
		return nil, l.fatal(st, InvalidPlan, err.Error(), err)
	}

	// Tool handlers run on an uncancellable context: on external
	// cancellation in-flight executions finish rather than leaving side
	// effects half applied. No further stages or model calls start.
	execCtx := context.WithoutCancel(ctx)
	for _, stage := range stages {
		if ctx.Err() != nil {
			return l.cancelled(st), nil
		}
		recs := make([]ToolCallRecord, len(stage))
		if len(stage) == 1 {
			recs[0] = l.exec.execute(execCtx, resolved[stage[0].Name], stage[0])
		} else {
			g := new(errgroup.Group)
			for i, req := range stage {
				g.Go(func() error {
					recs[i] = l.exec.execute(execCtx, resolved[req.Name], req)
					return nil
				})
			}
			_ = g.Wait()
		}
		// Append in plan order regardless of completion order so model
		// context stays deterministic under concurrency.
		for _, rec := range recs {
			st.records = append(st.records, rec)
			st.append(NewToolResultMessage(rec))
		}
	}

	if ctx.Err() != nil {
		return l.cancelled(st), nil
	}
	return nil, nil
}

// checkRepetition nudges the model when recent tool calls cycle.
func (l *Loop) checkRepetition(st *runState) {
	if l.cfg.RepetitionWindow <= 0 {
		return
	}
	if !detectRepetition(st.records, l.cfg.RepetitionWindow) {
		return
	}
	note := "The recent tool calls repeat without making progress. Try a different approach or give your best answer with what you have."
	st.append(NewSystemMessage(note))
	l.events.emit(Event{Kind: EventWarning, Message: note})
}

func (l *Loop) cancelled(st *runState) *Result {
	l.events.emit(Event{Kind: EventProcessingEnd})
	return finalResult(st, StatusCancelled, "")
}

func (l *Loop) iterationLimit(st *runState) *LoopError {
	return l.fatal(st, IterationLimitExceeded, "no final answer within the iteration ceiling", nil)
}

func (l *Loop) fatal(st *runState, kind ErrorKind, message string, cause error) *LoopError {
	l.events.emit(Event{Kind: EventProcessingEnd})
	return &LoopError{
		Kind:       kind,
		Message:    message,
		History:    st.newMessages(),
		Records:    append([]ToolCallRecord(nil), st.records...),
		Iterations: st.iterations,
		Cause:      cause,
	}
}
