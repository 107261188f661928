// Package llm generates grounded recommendation summaries. Generation is
// strictly advisory: every failure here maps to a sentinel the engine can
// absorb, so ranking keeps working through a provider outage.
package llm

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnavailable covers transport failures, timeouts and provider
	// errors. The caller substitutes a deterministic summary.
	ErrUnavailable = errors.New("llm: generation unavailable")

	// ErrQuota is the distinguishable quota/rate-limit case, so operators
	// can tell billing exhaustion from an outage.
	ErrQuota = errors.New("llm: quota exhausted")
)

// Request carries a spending query and the ranked card texts that ground
// the summary. CardTexts is the only factual source the model may use.
type Request struct {
	Query     string
	Category  string
	CardTexts []string
}

// Generator produces a short natural-language summary for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

const (
	generationTemperature = 0.3
	defaultMaxTokens      = 500

	systemPrompt = "You are a concise credit-card reward assistant. " +
		"Answer using only the card information provided; never invent rates, caps or conditions. " +
		"Mention activation requirements and expiry dates when present. Reply in two to three sentences."
)

// buildUserPrompt renders the grounding block both providers share.
func buildUserPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Spending scenario: ")
	b.WriteString(strings.TrimSpace(req.Query))
	b.WriteString("\n")
	if req.Category != "" {
		b.WriteString("Spending category: ")
		b.WriteString(req.Category)
		b.WriteString("\n")
	}
	b.WriteString("\nCard information, best candidate first:\n")
	for i, text := range req.CardTexts {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	b.WriteString("\nSay which card to use for this scenario and why.")
	return b.String()
}
