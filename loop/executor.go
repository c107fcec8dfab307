package loop

import (
	"context"
	"fmt"
	"time"
)

// DefaultToolTimeout bounds a single tool execution unless the tool
// declares its own timeout.
const DefaultToolTimeout = 60 * time.Second

// DefaultMaxToolOutput is the character budget for tool output re-entering
// LLM context.
const DefaultMaxToolOutput = 30000

// executor invokes a single resolved tool with a bounded timeout and
// normalizes any failure into an error record. It never retries: tool side
// effects may not be idempotent, so retry policy belongs to the caller.
type executor struct {
	events    *emitter
	timeout   time.Duration
	maxOutput int
}

func newExecutor(events *emitter, timeout time.Duration, maxOutput int) *executor {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	if maxOutput <= 0 {
		maxOutput = DefaultMaxToolOutput
	}
	return &executor{events: events, timeout: timeout, maxOutput: maxOutput}
}

type toolOutcome struct {
	result string
	err    error
}

// execute runs one approved request. It emits tool:call before invocation
// and tool:complete or tool:error after; for a given call id those events
// are always in that relative order. A timeout becomes an error record,
// not a hang; the handler goroutine is left to finish on its own since the
// loop must not interrupt external side effects midway.
func (x *executor) execute(ctx context.Context, tool Tool, req ToolCallRequest) ToolCallRecord {
	x.events.emit(Event{Kind: EventToolCall, Tool: &ToolEventData{
		CallID:    req.CallID,
		Name:      req.Name,
		Arguments: req.Arguments,
	}})

	timeout := x.timeout
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}

	start := time.Now()
	done := make(chan toolOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- toolOutcome{err: fmt.Errorf("tool %s panicked: %v", req.Name, r)}
			}
		}()
		result, err := tool.Handler(ctx, req.Arguments)
		done <- toolOutcome{result: result, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out toolOutcome
	select {
	case out = <-done:
	case <-timer.C:
		out = toolOutcome{err: fmt.Errorf("tool %s timed out after %s", req.Name, timeout)}
	}
	duration := time.Since(start)

	if out.err != nil {
		rec := ToolCallRecord{
			CallID:   req.CallID,
			Name:     req.Name,
			Status:   CallError,
			Error:    out.err.Error(),
			Duration: duration,
		}
		x.events.emit(Event{Kind: EventToolError, Tool: &ToolEventData{
			CallID:   req.CallID,
			Name:     req.Name,
			Error:    rec.Error,
			Duration: duration,
		}})
		return rec
	}

	rec := ToolCallRecord{
		CallID:   req.CallID,
		Name:     req.Name,
		Status:   CallSuccess,
		Result:   truncateOutput(out.result, x.maxOutput),
		Duration: duration,
	}
	// The event carries the full untruncated output.
	x.events.emit(Event{Kind: EventToolComplete, Tool: &ToolEventData{
		CallID:   req.CallID,
		Name:     req.Name,
		Result:   out.result,
		Duration: duration,
	}})
	return rec
}

// deniedRecord builds the record for a request the caller refused at the
// confirmation gate. Denied requests are never retried.
func deniedRecord(req ToolCallRequest) ToolCallRecord {
	return ToolCallRecord{
		CallID: req.CallID,
		Name:   req.Name,
		Status: CallError,
		Error:  "denied by caller",
	}
}
