// Package tools implements the orchestrator's tool registry and executor.
//
// The registry is the single source of truth for each tool: the JSON schema
// advertised to the model and the safety policy enforced at execution time
// come from the same Spec, so they cannot diverge. Adding a tool means
// adding one registry entry; nothing outside this package branches on tool
// identity.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/frontdeskhq/orchestrator/internal/httperr"
	"github.com/frontdeskhq/orchestrator/pkg/models"
)

// Handler executes a tool against its external collaborator. The arguments
// have already passed schema validation and the confirmation gate.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Spec is one registry entry. Read-only once registered.
type Spec struct {
	Name        string
	Description string
	// Schema is the JSON-schema document advertised to the model and
	// enforced before the handler runs.
	Schema json.RawMessage
	// SideEffect marks tools that change external state.
	SideEffect bool
	// RequiresConfirmation demands confirmed=true inside the validated
	// arguments before the handler may run. Only meaningful for
	// side-effecting tools.
	RequiresConfirmation bool
	Timeout              time.Duration
	Handler              Handler
}

// Definition is the model-facing advertisement of a tool.
type Definition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

type entry struct {
	spec     Spec
	compiled *gojsonschema.Schema
}

// Registry is the allowlist of executable tools. Populated at startup,
// read-only afterwards, safe for concurrent use.
type Registry struct {
	entries map[string]*entry
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool. Registration failures are configuration defects and
// abort startup rather than surfacing at call time.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return errors.New("tool spec missing name")
	}
	if _, dup := r.entries[spec.Name]; dup {
		return fmt.Errorf("tool %s registered twice", spec.Name)
	}
	if spec.Handler == nil {
		return fmt.Errorf("tool %s has no handler", spec.Name)
	}
	if spec.RequiresConfirmation && !spec.SideEffect {
		return fmt.Errorf("tool %s requires confirmation but is not marked side-effecting", spec.Name)
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(spec.Schema))
	if err != nil {
		return fmt.Errorf("tool %s has invalid schema: %w", spec.Name, err)
	}

	r.entries[spec.Name] = &entry{spec: spec, compiled: compiled}
	r.order = append(r.order, spec.Name)
	return nil
}

// MustRegister panics on registration failure; for startup wiring only.
func (r *Registry) MustRegister(spec Spec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

// Definitions returns the tools to advertise to the model, in registration
// order.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		defs = append(defs, Definition{
			Name:        e.spec.Name,
			Description: e.spec.Description,
			Schema:      e.spec.Schema,
		})
	}
	return defs
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Execute validates and runs one tool call.
//
// Validation order: allowlist, schema, confirmation gate, then the handler
// under the tool's timeout. The returned ToolResult is always populated;
// the error is non-nil only for the validation stages (bad model output),
// classified so the gateway can report it distinctly. Handler failures,
// including timeouts, come back as a failed ToolResult with a nil error:
// they are folded into the conversation for the model to react to, not
// fatal to the turn.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage, toolCallID string) (models.ToolResult, error) {
	result := models.ToolResult{ToolName: name, ToolCallID: toolCallID}

	e, ok := r.entries[name]
	if !ok {
		err := httperr.Validationf("tool %q is not allowlisted", name)
		result.Error = err.Message
		return result, err
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	validation, err := e.compiled.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		verr := httperr.Validationf("tool %s arguments are not valid JSON: %v", name, err)
		result.Error = verr.Message
		return result, verr
	}
	if !validation.Valid() {
		verr := httperr.Validationf("tool %s arguments rejected: %s", name, formatSchemaErrors(validation))
		result.Error = verr.Message
		return result, verr
	}

	if e.spec.RequiresConfirmation && !confirmed(args) {
		verr := httperr.Validationf("tool %s is side-effecting and requires confirmed=true in its arguments", name)
		result.Error = verr.Message
		return result, verr
	}

	execCtx := ctx
	if e.spec.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.spec.Timeout)
		defer cancel()
	}

	data, err := e.spec.Handler(execCtx, args)
	if err != nil {
		log.Warn().Str("tool", name).Err(err).Msg("tool execution failed")
		if errors.Is(err, context.DeadlineExceeded) {
			result.Error = fmt.Sprintf("tool %s timed out after %s", name, e.spec.Timeout)
		} else {
			result.Error = err.Error()
		}
		return result, nil
	}

	result.Success = true
	result.Data = data
	return result, nil
}

// confirmed checks the in-band confirmation flag of a side-effecting call.
func confirmed(args json.RawMessage) bool {
	var probe struct {
		Confirmed bool `json:"confirmed"`
	}
	if err := json.Unmarshal(args, &probe); err != nil {
		return false
	}
	return probe.Confirmed
}

func formatSchemaErrors(result *gojsonschema.Result) string {
	parts := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}
