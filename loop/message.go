package loop

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/openloop-ai/openloop/llm"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one turn in a conversation. Messages are immutable once
// appended; ordering is append order. The loop never mutates the caller's
// history, it builds a new extended sequence.
type Message struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"` // assistant turns
	CallID    string            `json:"call_id,omitempty"`    // tool-result turns
	IsError   bool              `json:"is_error,omitempty"`   // tool-result turns
}

// ToolCallRequest is a model's request to invoke a tool. The call id is
// unique within a turn.
type ToolCallRequest struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallStatus is the lifecycle state of a tool call record.
type ToolCallStatus string

const (
	CallPending ToolCallStatus = "pending"
	CallSuccess ToolCallStatus = "success"
	CallError   ToolCallStatus = "error"
)

// ToolCallRecord is the outcome of executing a request. Status moves from
// pending to exactly one of success or error and never reverts.
type ToolCallRecord struct {
	CallID   string         `json:"call_id"`
	Name     string         `json:"name"`
	Status   ToolCallStatus `json:"status"`
	Result   string         `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// NewUserMessage creates a user Message.
func NewUserMessage(content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewSystemMessage creates a system Message.
func NewSystemMessage(content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      RoleSystem,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewAssistantMessage creates an assistant Message with optional tool
// call requests.
func NewAssistantMessage(content string, calls []ToolCallRequest) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
		ToolCalls: calls,
	}
}

// NewToolResultMessage creates the synthetic tool-result Message appended
// to history after a record resolves.
func NewToolResultMessage(rec ToolCallRecord) Message {
	content := rec.Result
	if rec.Status == CallError {
		content = rec.Error
	}
	return Message{
		ID:        uuid.New().String(),
		Role:      RoleTool,
		Content:   content,
		Timestamp: time.Now(),
		CallID:    rec.CallID,
		IsError:   rec.Status == CallError,
	}
}

// toWire converts loop history into provider messages. The system prompt,
// when non-empty, leads the sequence.
func toWire(systemPrompt string, history []Message) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, llm.SystemMessage(systemPrompt))
	}
	for _, m := range history {
		switch m.Role {
		case RoleUser:
			messages = append(messages, llm.UserMessage(m.Content))
		case RoleSystem:
			messages = append(messages, llm.SystemMessage(m.Content))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				messages = append(messages, llm.AssistantMessage(m.Content))
				continue
			}
			// Stray prose alongside tool calls stays on the stored
			// Message for observability; only the calls go back to the
			// model.
			wire := llm.Message{Role: llm.RoleAssistant}
			for _, tc := range m.ToolCalls {
				wire.Parts = append(wire.Parts, llm.ToolCallPart(tc.CallID, tc.Name, tc.Arguments))
			}
			messages = append(messages, wire)
		case RoleTool:
			messages = append(messages, llm.ToolResultMessage(m.CallID, m.Content, m.IsError))
		}
	}
	return messages
}
