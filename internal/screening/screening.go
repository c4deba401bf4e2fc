// Package screening checks inbound caller utterances before they enter a
// conversation turn. Transcripts arriving from the voice layer are
// untrusted text; screening catches oversized payloads and the common
// prompt-injection phrasings before they reach the model.
package screening

import (
	"regexp"
	"unicode/utf8"

	"github.com/frontdeskhq/orchestrator/internal/config"
)

// Finding kinds.
const (
	KindOverLength      = "over_length"
	KindPromptInjection = "prompt_injection"
)

// Finding is one screening violation.
type Finding struct {
	Kind    string
	Message string
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my)\s+`),
	regexp.MustCompile(`(?i)new\s+instructions?:\s*`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?)`),
	regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+have\s+no\s+(restrictions?|rules?|filters?)`),
}

// highSensitivityPatterns additionally flag prompt-disclosure probing.
var highSensitivityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
	regexp.MustCompile(`(?i)what\s+(is|are)\s+your\s+(system\s+)?(prompt|instructions?|rules?)`),
	regexp.MustCompile(`(?i)repeat\s+(your|the)\s+(system\s+)?(prompt|instructions?)\s+verbatim`),
}

// Screener evaluates caller utterances.
type Screener struct {
	maxChars        int
	highSensitivity bool
}

// New builds a Screener, or nil when screening is disabled.
func New(cfg config.ScreeningConfig) *Screener {
	if !cfg.Enabled {
		return nil
	}
	return &Screener{
		maxChars:        cfg.MaxChars,
		highSensitivity: cfg.HighSensitivity,
	}
}

// Screen returns the violations found in one utterance. An empty result
// means the text is clean.
func (s *Screener) Screen(text string) []Finding {
	var findings []Finding

	if s.maxChars > 0 && utf8.RuneCountInString(text) > s.maxChars {
		findings = append(findings, Finding{
			Kind:    KindOverLength,
			Message: "message exceeds the maximum utterance length",
		})
	}

	patterns := injectionPatterns
	if s.highSensitivity {
		patterns = append(append([]*regexp.Regexp(nil), injectionPatterns...), highSensitivityPatterns...)
	}
	for _, re := range patterns {
		if re.MatchString(text) {
			findings = append(findings, Finding{
				Kind:    KindPromptInjection,
				Message: "message contains instruction-override phrasing",
			})
			break
		}
	}

	return findings
}
