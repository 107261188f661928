package catalog

import (
	"sort"
	"strings"

	"github.com/whichcard/whichcard/internal/knowledge"
)

// BuildDocuments turns card records into index documents, one per card.
// Every category/rate pair and every caveat appears verbatim in the text:
// the text is the sole factual grounding for generated summaries, so
// nothing the user may be told can be absent from it.
func BuildDocuments(records []CardRecord) []knowledge.Document {
	docs := make([]knowledge.Document, 0, len(records))
	for _, rec := range records {
		docs = append(docs, knowledge.Document{
			ID:   rec.Name,
			Text: documentText(rec),
			Meta: knowledge.DocumentMeta{
				Issuer:             rec.Issuer,
				Categories:         sortedCategories(rec.Rates),
				Rates:              copyRates(rec.Rates),
				ActivationRequired: rec.ActivationRequired,
				ValidUntil:         rec.ValidUntil,
				Conditions:         rec.Conditions,
			},
		})
	}
	return docs
}

func documentText(rec CardRecord) string {
	var b strings.Builder
	b.WriteString("Card: ")
	b.WriteString(rec.Name)
	b.WriteString("\n")
	if rec.Issuer != "" {
		b.WriteString("Issuer: ")
		b.WriteString(rec.Issuer)
		b.WriteString("\n")
	}
	b.WriteString("Rewards:\n")
	for _, cat := range sortedCategories(rec.Rates) {
		b.WriteString("- ")
		b.WriteString(cat)
		b.WriteString(": ")
		b.WriteString(knowledge.FormatRate(rec.Rates[cat]))
		b.WriteString("% cashback\n")
	}
	if rec.ActivationRequired {
		b.WriteString("Activation: registration required before rewards apply\n")
	} else {
		b.WriteString("Activation: none required\n")
	}
	if rec.ValidUntil != nil {
		b.WriteString("Valid until: ")
		b.WriteString(rec.ValidUntil.Format("2006-01-02"))
		b.WriteString("\n")
	} else {
		b.WriteString("Valid until: no end date\n")
	}
	if rec.Conditions != "" {
		b.WriteString("Conditions: ")
		b.WriteString(rec.Conditions)
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func sortedCategories(rates map[string]float64) []string {
	cats := make([]string, 0, len(rates))
	for cat := range rates {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	return cats
}

func copyRates(rates map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(rates))
	for k, v := range rates {
		out[k] = v
	}
	return out
}
