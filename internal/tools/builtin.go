package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/frontdeskhq/orchestrator/internal/config"
)

// Typed argument structures for the built-in tools. Each handler decodes
// its schema-validated raw arguments into one of these before calling the
// collaborator, so the mapping from tool name to argument shape is checked
// by the compiler rather than duck-typed at call sites.

// AvailabilityArgs queries open appointment slots.
type AvailabilityArgs struct {
	Date            string `json:"date"`
	ServiceType     string `json:"service_type,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

// BookingArgs books an appointment. Side-effecting; requires confirmation.
type BookingArgs struct {
	Date        string `json:"date"`
	Time        string `json:"time"`
	ClientName  string `json:"client_name"`
	ClientPhone string `json:"client_phone,omitempty"`
	ClientEmail string `json:"client_email,omitempty"`
	ServiceType string `json:"service_type,omitempty"`
	Notes       string `json:"notes,omitempty"`
	Confirmed   bool   `json:"confirmed"`
}

// LeadArgs creates a CRM lead. Side-effecting; requires confirmation.
type LeadArgs struct {
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	MatterType string `json:"matter_type,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Confirmed  bool   `json:"confirmed"`
}

// NotifyArgs dispatches a notification to firm staff.
type NotifyArgs struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

var availabilitySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"date": {"type": "string", "description": "Requested date, YYYY-MM-DD"},
		"service_type": {"type": "string", "description": "Kind of appointment, e.g. consultation"},
		"duration_minutes": {"type": "integer", "minimum": 15, "maximum": 240}
	},
	"required": ["date"],
	"additionalProperties": false
}`)

var bookingSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"date": {"type": "string", "description": "Appointment date, YYYY-MM-DD"},
		"time": {"type": "string", "description": "Appointment start time, HH:MM"},
		"client_name": {"type": "string"},
		"client_phone": {"type": "string"},
		"client_email": {"type": "string"},
		"service_type": {"type": "string"},
		"notes": {"type": "string"},
		"confirmed": {"type": "boolean", "description": "Must be true: the caller explicitly confirmed the booking"}
	},
	"required": ["date", "time", "client_name"],
	"additionalProperties": false
}`)

var leadSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"phone": {"type": "string"},
		"email": {"type": "string"},
		"matter_type": {"type": "string", "description": "Practice area of the inquiry"},
		"summary": {"type": "string", "description": "One-paragraph summary of what the caller needs"},
		"confirmed": {"type": "boolean", "description": "Must be true: the caller agreed to be contacted"}
	},
	"required": ["name"],
	"additionalProperties": false
}`)

var notifySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"channel": {"type": "string", "enum": ["sms", "email"]},
		"recipient": {"type": "string"},
		"message": {"type": "string"}
	},
	"required": ["channel", "recipient", "message"],
	"additionalProperties": false
}`)

// NewDefaultRegistry builds the production registry: the four receptionist
// tools, each backed by the internal scheduling/CRM service.
func NewDefaultRegistry(cfg config.ToolsConfig) (*Registry, error) {
	client := NewClient(cfg)
	r := NewRegistry()

	specs := []Spec{
		{
			Name:        "check_availability",
			Description: "Check open appointment slots for a given date. Read-only.",
			Schema:      availabilitySchema,
			Timeout:     cfg.Timeout,
			Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var args AvailabilityArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("decode availability args: %w", err)
				}
				return client.postJSON(ctx, "/availability/check", args)
			},
		},
		{
			Name:                 "book_appointment",
			Description:          "Book an appointment for a caller. Only call after the caller has explicitly confirmed; set confirmed=true.",
			Schema:               bookingSchema,
			SideEffect:           true,
			RequiresConfirmation: true,
			Timeout:              cfg.Timeout,
			Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var args BookingArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("decode booking args: %w", err)
				}
				return client.postJSON(ctx, "/appointments/book", args)
			},
		},
		{
			Name:                 "create_lead",
			Description:          "Create a new client lead in the firm's intake system. Only call after the caller has agreed; set confirmed=true.",
			Schema:               leadSchema,
			SideEffect:           true,
			RequiresConfirmation: true,
			Timeout:              cfg.Timeout,
			Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var args LeadArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("decode lead args: %w", err)
				}
				return client.postJSON(ctx, "/leads", args)
			},
		},
		{
			Name:        "send_notification",
			Description: "Notify firm staff about an urgent matter by SMS or email.",
			Schema:      notifySchema,
			SideEffect:  true,
			Timeout:     cfg.Timeout,
			Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var args NotifyArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("decode notify args: %w", err)
				}
				return client.postJSON(ctx, "/notifications", args)
			},
		},
	}

	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			return nil, err
		}
	}
	return r, nil
}
