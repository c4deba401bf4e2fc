package modelrouter

import (
	"encoding/json"

	"github.com/frontdeskhq/orchestrator/pkg/models"
)

func toolCallFromWire(tc wireToolCall) models.ToolCall {
	return models.ToolCall{
		ID:        tc.ID,
		Name:      tc.Function.Name,
		Arguments: json.RawMessage(tc.Function.Arguments),
	}
}

func toolCallToWire(tc models.ToolCall) wireToolCall {
	return wireToolCall{
		ID:   tc.ID,
		Type: "function",
		Function: wireFunction{
			Name:      tc.Name,
			Arguments: string(tc.Arguments),
		},
	}
}

// FromMessage converts a persisted conversation message into provider wire
// form. The persisted history and the wire history stay structurally
// aligned: assistant tool calls keep their ids so tool-role replies can
// reference them.
func FromMessage(m models.Message) ChatMessage {
	cm := ChatMessage{
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		cm.ToolCalls = append(cm.ToolCalls, toolCallToWire(tc))
	}
	return cm
}

// FromMessages converts a message slice, preserving order.
func FromMessages(msgs []models.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, FromMessage(m))
	}
	return out
}
