package loop

import "fmt"

// ErrorKind discriminates fatal loop failures.
type ErrorKind string

const (
	// ProviderFailure is an unrecoverable LLM adapter error, including a
	// second malformed turn after the corrective retry.
	ProviderFailure ErrorKind = "provider_failure"
	// IterationLimitExceeded means MaxIterations was reached without a
	// plain-answer turn. The error carries the partial history.
	IterationLimitExceeded ErrorKind = "iteration_limit_exceeded"
	// UnknownTool means the model requested a tool the registry cannot
	// resolve. Fatal for the whole invocation.
	UnknownTool ErrorKind = "unknown_tool"
	// InvalidToolArguments means arguments failed validation against the
	// tool's declared JSON schema.
	InvalidToolArguments ErrorKind = "invalid_tool_arguments"
	// InvalidPlan means declared tool dependencies form a cycle.
	InvalidPlan ErrorKind = "invalid_plan"
)

// LoopError is the fatal error type returned by Run and Resume. Recoverable
// tool failures never surface here; they become error records in the
// result's tool-call history instead.
type LoopError struct {
	Kind    ErrorKind
	Message string
	// History holds the new messages produced before the failure, so the
	// caller can persist progress or resume.
	History    []Message
	Records    []ToolCallRecord
	Iterations int
	Cause      error
}

func (e *LoopError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("loop: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("loop: %s: %s", e.Kind, e.Message)
}

func (e *LoopError) Unwrap() error { return e.Cause }
