package loop

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/frontdeskhq/orchestrator/internal/modelrouter"
	"github.com/frontdeskhq/orchestrator/internal/tools"
	"github.com/frontdeskhq/orchestrator/pkg/models"
)

// scriptedModel returns canned responses in order, then repeats the last.
type scriptedModel struct {
	responses []*modelrouter.GenerateResponse
	calls     int
	requests  []modelrouter.GenerateRequest
}

func (m *scriptedModel) Generate(_ context.Context, req modelrouter.GenerateRequest) (*modelrouter.GenerateResponse, error) {
	m.requests = append(m.requests, req)
	idx := m.calls
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.calls++
	return m.responses[idx], nil
}

func text(content string, tok int64) *modelrouter.GenerateResponse {
	return &modelrouter.GenerateResponse{Content: content, Model: "test-model", TotalTokens: tok}
}

func toolCall(id, name, args string) *modelrouter.GenerateResponse {
	return &modelrouter.GenerateResponse{
		Model:       "test-model",
		TotalTokens: 5,
		ToolCalls:   []models.ToolCall{{ID: id, Name: name, Arguments: json.RawMessage(args)}},
	}
}

func availabilityRegistry(t *testing.T) (*tools.Registry, *int) {
	t.Helper()
	calls := 0
	r := tools.NewRegistry()
	r.MustRegister(tools.Spec{
		Name:        "check_availability",
		Description: "check slots",
		Schema:      json.RawMessage(`{"type":"object","properties":{"date":{"type":"string"}},"required":["date"]}`),
		Timeout:     time.Second,
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			calls++
			return map[string]any{"slots": []string{"09:00"}}, nil
		},
	})
	return r, &calls
}

func history(userText string) []models.Message {
	return []models.Message{{Role: models.RoleUser, Content: userText, Timestamp: time.Now().UTC()}}
}

func TestPlainTextTurnIsOneIteration(t *testing.T) {
	model := &scriptedModel{responses: []*modelrouter.GenerateResponse{text("We open at 9am.", 11)}}
	registry, _ := availabilityRegistry(t)
	runner := NewRunner(model, registry, 0)

	result, err := runner.Run(context.Background(), RunInput{
		ConversationID: "c1",
		SystemPrompt:   "be helpful",
		History:        history("when do you open?"),
		ToolsEnabled:   false,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", result.Iterations)
	}
	if len(result.ToolResults) != 0 {
		t.Errorf("ToolResults = %v, want empty", result.ToolResults)
	}
	if result.FinalText != "We open at 9am." {
		t.Errorf("FinalText = %q", result.FinalText)
	}
	// History grew by exactly the assistant reply.
	if len(result.Messages) != 2 {
		t.Errorf("Messages = %d, want 2 (user + assistant)", len(result.Messages))
	}
	if result.TokensUsed != 11 {
		t.Errorf("TokensUsed = %d, want 11", result.TokensUsed)
	}

	// Tools disabled: no tool schema advertised.
	if len(model.requests[0].Tools) != 0 {
		t.Error("tool definitions advertised on a tools-disabled turn")
	}
}

func TestToolCallTurnIsTwoIterations(t *testing.T) {
	model := &scriptedModel{responses: []*modelrouter.GenerateResponse{
		toolCall("tc-1", "check_availability", `{"date":"2026-09-01"}`),
		text("We have 9am open.", 7),
	}}
	registry, handlerCalls := availabilityRegistry(t)
	runner := NewRunner(model, registry, 0)

	result, err := runner.Run(context.Background(), RunInput{
		ConversationID: "c2",
		SystemPrompt:   "be helpful",
		History:        history("anything tomorrow?"),
		ToolsEnabled:   true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", result.Iterations)
	}
	if *handlerCalls != 1 {
		t.Errorf("tool handler called %d times, want 1", *handlerCalls)
	}
	if len(result.ToolResults) != 1 || !result.ToolResults[0].Success {
		t.Fatalf("ToolResults = %+v, want one success", result.ToolResults)
	}
	if result.ToolResults[0].ToolCallID != "tc-1" {
		t.Errorf("result tagged with %q, want tc-1", result.ToolResults[0].ToolCallID)
	}

	// user, assistant-with-tool-call, tool-result, assistant-final.
	if len(result.Messages) != 4 {
		t.Fatalf("Messages = %d, want 4", len(result.Messages))
	}
	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	for i, want := range wantRoles {
		if result.Messages[i].Role != want {
			t.Errorf("Messages[%d].Role = %q, want %q", i, result.Messages[i].Role, want)
		}
	}
	if result.Messages[2].ToolCallID != "tc-1" {
		t.Errorf("tool message ToolCallID = %q, want tc-1", result.Messages[2].ToolCallID)
	}

	// Second model call saw the tool result in its history.
	second := model.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "09:00") {
		t.Errorf("second model call last message = %+v, want tool result with slots", last)
	}
	// Tool schema advertised on a tools-enabled turn.
	if len(model.requests[0].Tools) != 1 {
		t.Errorf("advertised %d tools, want 1", len(model.requests[0].Tools))
	}
}

func TestIterationCapStopsToolCallingLoop(t *testing.T) {
	model := &scriptedModel{responses: []*modelrouter.GenerateResponse{
		toolCall("tc", "check_availability", `{"date":"2026-09-01"}`),
	}}
	registry, handlerCalls := availabilityRegistry(t)
	runner := NewRunner(model, registry, 3)

	result, err := runner.Run(context.Background(), RunInput{
		ConversationID: "c3",
		History:        history("loop forever"),
		ToolsEnabled:   true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Iterations != 3 {
		t.Errorf("Iterations = %d, want cap of 3", result.Iterations)
	}
	if !result.CapReached {
		t.Error("CapReached should be set when the loop is cut off")
	}
	if *handlerCalls != 3 {
		t.Errorf("handler called %d times, want 3", *handlerCalls)
	}
}

func TestCapDoesNotReplayEarlierTurnText(t *testing.T) {
	model := &scriptedModel{responses: []*modelrouter.GenerateResponse{
		toolCall("tc", "check_availability", `{"date":"2026-09-01"}`),
	}}
	registry, _ := availabilityRegistry(t)
	runner := NewRunner(model, registry, 2)

	multiTurn := []models.Message{
		{Role: models.RoleUser, Content: "are you open tomorrow", Timestamp: time.Now().UTC()},
		{Role: models.RoleAssistant, Content: "Yes, nine to five.", Timestamp: time.Now().UTC()},
		{Role: models.RoleUser, Content: "book me in then", Timestamp: time.Now().UTC()},
	}

	result, err := runner.Run(context.Background(), RunInput{
		ConversationID: "c3b",
		History:        multiTurn,
		ToolsEnabled:   true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.CapReached {
		t.Fatal("CapReached should be set")
	}
	if result.FinalText != "" {
		t.Errorf("FinalText = %q, want empty: a capped turn with no new text must not resurface an earlier turn's reply", result.FinalText)
	}
}

func TestCapReturnsPartialTextFromThisTurn(t *testing.T) {
	partial := &modelrouter.GenerateResponse{
		Content:     "Let me check that for you.",
		Model:       "test-model",
		TotalTokens: 5,
		ToolCalls:   []models.ToolCall{{ID: "tc", Name: "check_availability", Arguments: json.RawMessage(`{"date":"2026-09-01"}`)}},
	}
	model := &scriptedModel{responses: []*modelrouter.GenerateResponse{partial}}
	registry, _ := availabilityRegistry(t)
	runner := NewRunner(model, registry, 2)

	result, err := runner.Run(context.Background(), RunInput{
		ConversationID: "c3c",
		History:        history("book me in"),
		ToolsEnabled:   true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.CapReached {
		t.Fatal("CapReached should be set")
	}
	if result.FinalText != "Let me check that for you." {
		t.Errorf("FinalText = %q, want the partial text this turn produced", result.FinalText)
	}
}

func TestFailedToolIsFedBackNotFatal(t *testing.T) {
	model := &scriptedModel{responses: []*modelrouter.GenerateResponse{
		toolCall("tc-1", "check_availability", `{"date": 42}`), // schema violation
		text("Let me take a message instead.", 3),
	}}
	registry, handlerCalls := availabilityRegistry(t)
	runner := NewRunner(model, registry, 0)

	result, err := runner.Run(context.Background(), RunInput{
		ConversationID: "c4",
		History:        history("book me in"),
		ToolsEnabled:   true,
	})
	if err != nil {
		t.Fatalf("a rejected tool call must not abort the turn, got %v", err)
	}
	if *handlerCalls != 0 {
		t.Errorf("handler called %d times for invalid args, want 0", *handlerCalls)
	}
	if len(result.ToolResults) != 1 || result.ToolResults[0].Success {
		t.Fatalf("ToolResults = %+v, want one failure", result.ToolResults)
	}
	// The failure went back to the model as a tool message.
	second := model.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "\"success\": false") {
		t.Errorf("model did not see the failed result: %+v", last)
	}
	if result.FinalText != "Let me take a message instead." {
		t.Errorf("FinalText = %q", result.FinalText)
	}
}

func TestRunDoesNotAliasCallerHistory(t *testing.T) {
	model := &scriptedModel{responses: []*modelrouter.GenerateResponse{text("hi", 1)}}
	registry, _ := availabilityRegistry(t)
	runner := NewRunner(model, registry, 0)

	hist := history("hello")
	result, err := runner.Run(context.Background(), RunInput{ConversationID: "c5", History: hist})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(hist) != 1 {
		t.Errorf("caller history mutated: len = %d, want 1", len(hist))
	}
	if len(result.Messages) != 2 {
		t.Errorf("result messages = %d, want 2", len(result.Messages))
	}
}
