// Package prompt builds the per-turn system prompt from the firm's persona
// text and an optional tool-usage policy fragment. Firm persona lives in
// the firm-settings service and is cached in-process with a short TTL.
package prompt

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultPersona is used when no firm is in scope or the settings service
// is unavailable. A settings outage degrades the persona, never the turn.
const DefaultPersona = `You are a professional, friendly AI receptionist answering calls on behalf of the firm.
Greet callers warmly, answer questions about the firm's services, and help them schedule appointments.
Keep responses short and conversational: they are read aloud over the phone.
If you cannot help with something, offer to take a message for the staff.`

const toolPolicy = `You have tools available for checking availability, booking appointments, creating client leads, and notifying staff.
Before any booking or lead creation, state what you are about to do and get the caller's explicit agreement, then call the tool with confirmed=true.
Never invent availability: always check with the tool first.
If a tool fails, apologize briefly and offer to have someone follow up.`

// SettingsSource looks up firm persona text. Implemented by the
// firm-settings HTTP client; faked in tests.
type SettingsSource interface {
	Persona(ctx context.Context, firmID string) (string, error)
}

// Composer assembles system prompts.
type Composer struct {
	settings SettingsSource
}

// NewComposer builds a Composer. A nil source disables firm lookups.
func NewComposer(settings SettingsSource) *Composer {
	return &Composer{settings: settings}
}

// Compose returns the system prompt for one turn.
func (c *Composer) Compose(ctx context.Context, firmID *string, toolsEnabled bool) string {
	persona := DefaultPersona

	if firmID != nil && *firmID != "" && c.settings != nil {
		text, err := c.settings.Persona(ctx, *firmID)
		switch {
		case err != nil:
			log.Warn().Str("firm_id", *firmID).Err(err).Msg("firm persona lookup failed, using default")
		case strings.TrimSpace(text) != "":
			persona = text
		}
	}

	if !toolsEnabled {
		return persona
	}
	return persona + "\n\n" + toolPolicy
}
