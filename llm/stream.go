package llm

// Accumulator collects stream events into a complete Response, for callers
// that consume deltas live but still need the finished turn.
type Accumulator struct {
	text      []byte
	toolCalls []ToolCall
	response  *Response
	err       error
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Process ingests one stream event.
func (a *Accumulator) Process(event StreamEvent) {
	switch event.Type {
	case StreamDelta:
		a.text = append(a.text, event.Delta...)
	case StreamTool:
		if event.ToolCall != nil {
			a.toolCalls = append(a.toolCalls, *event.ToolCall)
		}
	case StreamFinish:
		a.response = event.Response
	case StreamError:
		a.err = event.Err
	}
}

// Err returns the stream error, if any event carried one.
func (a *Accumulator) Err() error { return a.err }

// Response returns the accumulated response. If the stream never produced
// a finish event, a response is synthesized from the collected parts.
func (a *Accumulator) Response() *Response {
	if a.response != nil {
		return a.response
	}
	var parts []Part
	if len(a.text) > 0 {
		parts = append(parts, TextPart(string(a.text)))
	}
	for _, tc := range a.toolCalls {
		parts = append(parts, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}
	reason := FinishStop
	if len(a.toolCalls) > 0 {
		reason = FinishToolCalls
	}
	return &Response{
		Message:      Message{Role: RoleAssistant, Parts: parts},
		FinishReason: reason,
	}
}
