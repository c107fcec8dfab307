// Package loop implements an agentic tool-calling loop: a bounded cycle of
// model invocation, intent classification, tool execution, and
// re-invocation that ends with a final answer, an error, or cancellation.
//
// The loop owns conversation state for the duration of one invocation and
// treats everything else as an injected collaborator: a Provider for model
// calls, a Registry of schema-described tools, an optional Retriever for
// grounding passages, and an EventHandler for observability.
//
//	reg := loop.NewRegistry()
//	reg.Register(loop.Tool{
//		Name:        "weather",
//		Description: "Current weather for a city",
//		Parameters: map[string]any{
//			"type":       "object",
//			"properties": map[string]any{"city": map[string]any{"type": "string"}},
//			"required":   []string{"city"},
//		},
//		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
//			return `{"temp_c": 18}`, nil
//		},
//	})
//
//	l, err := loop.New(provider, reg, loop.DefaultConfig())
//	res, err := l.Run(ctx, "What's the weather in Oslo?", nil)
//
// With Config.RequireConfirmation set, a turn that requests tools suspends
// instead of executing: Run returns a Result with
// StatusAwaitingConfirmation and the pending requests, and the caller
// continues with Resume, approving or denying each call id. Denied calls
// are recorded as errors visible to the model; they are never retried.
//
// Cancellation is cooperative. Cancelling the context stops the loop at
// the next boundary with StatusCancelled and partial results; tool
// executions already in flight run to completion.
package loop
