// Package loop implements the tool-execution state machine: a bounded
// sequence of model calls interleaved with validated tool invocations.
//
// The loop owns only its working copy of the message history and the
// ephemeral run result. It never touches persistence; the gateway diffs
// the returned messages against stored state.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/frontdeskhq/orchestrator/internal/modelrouter"
	"github.com/frontdeskhq/orchestrator/internal/tools"
	"github.com/frontdeskhq/orchestrator/pkg/models"
)

// DefaultMaxIterations caps model-call/tool-execution round trips per turn.
const DefaultMaxIterations = 10

// Generator is the model capability the loop drives. Satisfied by
// *modelrouter.Router.
type Generator interface {
	Generate(ctx context.Context, req modelrouter.GenerateRequest) (*modelrouter.GenerateResponse, error)
}

// Executor is the tool capability. Satisfied by *tools.Registry.
type Executor interface {
	Definitions() []tools.Definition
	Execute(ctx context.Context, name string, args json.RawMessage, toolCallID string) (models.ToolResult, error)
}

// state is the loop's explicit position in its machine.
type state int

const (
	stateAwaitingModel state = iota
	stateExecutingTools
	stateDone
)

// RunInput is one turn's worth of work.
type RunInput struct {
	ConversationID string
	SystemPrompt   string
	// History is the persisted message log including the just-appended
	// user message. The loop copies it; the caller's slice is not aliased.
	History      []models.Message
	ToolsEnabled bool
	Model        string
	Temperature  float64
}

// Runner drives the loop.
type Runner struct {
	gen           Generator
	exec          Executor
	maxIterations int
	tracer        trace.Tracer
}

// NewRunner builds a Runner. maxIterations <= 0 selects the default cap.
func NewRunner(gen Generator, exec Executor, maxIterations int) *Runner {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Runner{
		gen:           gen,
		exec:          exec,
		maxIterations: maxIterations,
		tracer:        otel.Tracer("orchestrator/loop"),
	}
}

// Run executes the state machine until the model produces final text or
// the iteration cap is reached. Hitting the cap is reported, not fatal:
// whatever partial text exists is returned, never a fabricated answer.
func (r *Runner) Run(ctx context.Context, in RunInput) (*models.RunResult, error) {
	ctx, span := r.tracer.Start(ctx, "loop.run",
		trace.WithAttributes(attribute.String("conversation_id", in.ConversationID)))
	defer span.End()

	working := append([]models.Message(nil), in.History...)

	var defs []modelrouter.ToolDefinition
	if in.ToolsEnabled {
		for _, d := range r.exec.Definitions() {
			defs = append(defs, modelrouter.ToolDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Schema,
			})
		}
	}

	result := &models.RunResult{ConversationID: in.ConversationID}
	st := stateAwaitingModel

	for result.Iterations < r.maxIterations && st != stateDone {
		req := modelrouter.GenerateRequest{
			Messages:    append([]modelrouter.ChatMessage{{Role: "system", Content: in.SystemPrompt}}, modelrouter.FromMessages(working)...),
			Tools:       defs,
			Temperature: in.Temperature,
			Model:       in.Model,
		}

		resp, err := r.gen.Generate(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("model call (iteration %d): %w", result.Iterations+1, err)
		}
		result.Iterations++
		result.TokensUsed += resp.TotalTokens
		result.Model = resp.Model

		assistant := models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			Model:     resp.Model,
			Tokens:    resp.TotalTokens,
			Timestamp: time.Now().UTC(),
		}
		working = append(working, assistant)

		if len(resp.ToolCalls) == 0 {
			result.FinalText = resp.Content
			st = stateDone
			break
		}

		st = stateExecutingTools
		for _, call := range resp.ToolCalls {
			working = append(working, r.runTool(ctx, call, result))
		}
		st = stateAwaitingModel
	}

	if st != stateDone {
		result.CapReached = true
		// Only this run's messages are eligible as partial text. Scanning
		// the whole history would replay an earlier turn's answer.
		result.FinalText = lastAssistantText(working[len(in.History):])
		log.Warn().
			Str("conversation_id", in.ConversationID).
			Int("iterations", result.Iterations).
			Msg("iteration cap reached without final text")
	}

	result.Messages = working
	span.SetAttributes(
		attribute.Int("iterations", result.Iterations),
		attribute.Bool("cap_reached", result.CapReached),
		attribute.Int("tool_results", len(result.ToolResults)),
	)
	return result, nil
}

// runTool executes one tool call and converts the outcome into the
// tool-role message appended to the working history. Sequential execution
// keeps result order aligned with call order.
func (r *Runner) runTool(ctx context.Context, call models.ToolCall, result *models.RunResult) models.Message {
	ctx, span := r.tracer.Start(ctx, "loop.tool",
		trace.WithAttributes(attribute.String("tool", call.Name)))
	defer span.End()

	toolResult, err := r.exec.Execute(ctx, call.Name, call.Arguments, call.ID)
	if err != nil {
		// Validation-stage rejection: the model sent bad output. Fed back
		// like any failed result so the model can correct itself.
		log.Warn().Str("tool", call.Name).Err(err).Msg("tool call rejected")
	}
	result.ToolResults = append(result.ToolResults, toolResult)

	return models.Message{
		Role:       models.RoleTool,
		Content:    renderToolResult(toolResult),
		ToolCallID: call.ID,
		Timestamp:  time.Now().UTC(),
	}
}

// renderToolResult is the model-facing text form of a tool outcome.
func renderToolResult(tr models.ToolResult) string {
	if !tr.Success {
		return fmt.Sprintf(`{"success": false, "error": %q}`, tr.Error)
	}
	payload, err := json.Marshal(tr.Data)
	if err != nil {
		return `{"success": true}`
	}
	return fmt.Sprintf(`{"success": true, "data": %s}`, payload)
}

// lastAssistantText returns the most recent non-empty assistant text in
// msgs, or empty when none exists.
func lastAssistantText(msgs []models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}
