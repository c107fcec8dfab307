package loop

import (
	"fmt"
	"time"
)

// Config is caller-supplied policy, immutable for the lifetime of one
// invocation.
type Config struct {
	// MaxIterations is the hard ceiling on model invocations per run.
	// Must be at least 1.
	MaxIterations int
	// RequireConfirmation suspends the loop at the confirmation gate
	// before any requested tool executes; the caller resumes with an
	// explicit approve/deny per request.
	RequireConfirmation bool
	// SystemPrompt leads every model request.
	SystemPrompt string
	// Streaming selects the provider's streaming mode; deltas are
	// re-emitted as content:delta events in arrival order.
	Streaming bool
	// ToolTimeout bounds each tool execution. Zero means
	// DefaultToolTimeout.
	ToolTimeout time.Duration
	// MaxToolOutput is the character budget for tool output re-entering
	// model context. Zero means DefaultMaxToolOutput.
	MaxToolOutput int
	// RepetitionWindow enables repeating-call detection over the last N
	// executed calls when > 0.
	RepetitionWindow int
	// Model and Provider are passed through to the LLM client.
	Model    string
	Provider string
}

// DefaultMaxIterations is the framework's default iteration ceiling.
const DefaultMaxIterations = 10

// DefaultConfig returns the default loop policy.
func DefaultConfig() Config {
	return Config{
		MaxIterations:    DefaultMaxIterations,
		RepetitionWindow: 6,
	}
}

func (c Config) validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("loop: MaxIterations must be at least 1, got %d", c.MaxIterations)
	}
	return nil
}
