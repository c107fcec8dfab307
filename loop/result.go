package loop

import "github.com/openloop-ai/openloop/llm"

// Status is the terminal (or suspended) state of one invocation.
type Status string

const (
	StatusRunning              Status = "running"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusCancelled            Status = "cancelled"
)

// Result is the terminal output of one invocation, produced exactly once.
// When Status is StatusAwaitingConfirmation the result is a suspension:
// Pending lists the requests needing a decision and the invocation is
// resumed with Loop.Resume.
type Result struct {
	// Content is the final assistant answer. Empty unless completed.
	Content string `json:"content"`
	// ToolCalls is the complete ordered record list across all iterations.
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	Status    Status           `json:"status"`
	// Iterations is the number of model invocations consumed. Never
	// exceeds Config.MaxIterations.
	Iterations int `json:"iterations"`
	// Messages holds the new turns this invocation appended, in order.
	// The caller's input history is never mutated.
	Messages []Message `json:"messages,omitempty"`
	Usage    llm.Usage `json:"usage"`
	// Pending is set only while awaiting confirmation.
	Pending []ToolCallRequest `json:"pending,omitempty"`

	// resume carries the suspended state between Run and Resume.
	resume *runState
}

// finalResult assembles the terminal Result from loop state. Pure: no side
// effects beyond reading st.
func finalResult(st *runState, status Status, content string) *Result {
	return &Result{
		Content:    content,
		ToolCalls:  append([]ToolCallRecord(nil), st.records...),
		Status:     status,
		Iterations: st.iterations,
		Messages:   st.newMessages(),
		Usage:      st.usage,
	}
}
