package loop

import (
	"encoding/json"

	"github.com/openloop-ai/openloop/llm"
)

// IntentKind classifies a completed model turn.
type IntentKind string

const (
	// IntentAnswer is a plain textual answer; the loop terminates.
	IntentAnswer IntentKind = "answer"
	// IntentToolRequests is one or more tool-call requests.
	IntentToolRequests IntentKind = "tool_requests"
	// IntentMalformed covers empty turns and structurally broken tool
	// calls, e.g. non-object arguments.
	IntentMalformed IntentKind = "malformed"
)

// Intent is the normalized form of one model turn.
type Intent struct {
	Kind IntentKind
	// Text is the turn's prose. For tool requests it is stray prose the
	// model emitted alongside the calls.
	Text     string
	Requests []ToolCallRequest
	// Reason explains a malformed classification.
	Reason string
}

// Classify normalizes a raw model turn into a discriminated result. It is
// a pure function: providers that mix free text with tool-call metadata
// classify as tool requests when any request is present.
func Classify(resp *llm.Response) Intent {
	text := resp.Text()
	calls := resp.ToolCalls()

	if len(calls) > 0 {
		requests := make([]ToolCallRequest, 0, len(calls))
		for _, tc := range calls {
			if !isJSONObject(tc.Arguments) {
				return Intent{
					Kind:   IntentMalformed,
					Text:   text,
					Reason: "tool call " + tc.Name + " has non-object arguments",
				}
			}
			requests = append(requests, ToolCallRequest{
				CallID:    tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		return Intent{Kind: IntentToolRequests, Text: text, Requests: requests}
	}

	if text == "" {
		return Intent{Kind: IntentMalformed, Reason: "empty content with no tool calls"}
	}
	return Intent{Kind: IntentAnswer, Text: text}
}

// isJSONObject reports whether raw parses as a JSON object. Empty arguments
// count as an empty object, which some providers emit for no-arg tools.
func isJSONObject(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil
}
