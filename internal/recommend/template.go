package recommend

import (
	"strings"

	"github.com/whichcard/whichcard/internal/knowledge"
)

// noCardsSummary answers users who hold no cards yet. Fixed text: no
// retrieval or generation runs for this case.
const noCardsSummary = "You have no cards on file yet. Add the cards you hold and ask again."

// templateSummary writes the deterministic summary used whenever
// generation is disabled or fails. It states only facts already present in
// the ranked items, so it can never contradict the ranking.
func templateSummary(res Result) string {
	if len(res.Items) == 0 {
		var b strings.Builder
		if res.CategoryMatched {
			b.WriteString("None of your cards earns a bonus for ")
			b.WriteString(res.Category)
			b.WriteString(" right now.")
		} else {
			b.WriteString("No rewards found across your cards for this query.")
		}
		writeExpiredNote(&b, res.Expired)
		return b.String()
	}

	var b strings.Builder
	top := res.Items[0]
	if res.CategoryMatched {
		b.WriteString("Best for ")
		b.WriteString(res.Category)
		b.WriteString(": ")
	} else {
		b.WriteString("No clear category matched; ranked by each card's best rate. Top pick: ")
	}
	writeItem(&b, top)
	b.WriteString(".")

	if len(res.Items) > 1 {
		b.WriteString(" Also: ")
		for i, it := range res.Items[1:] {
			if i > 0 {
				b.WriteString(", ")
			}
			writeItem(&b, it)
		}
		b.WriteString(".")
	}
	writeExpiredNote(&b, res.Expired)
	return b.String()
}

func writeItem(b *strings.Builder, it Item) {
	b.WriteString(it.CardName)
	b.WriteString(" at ")
	b.WriteString(knowledge.FormatRate(it.Rate))
	b.WriteString("%")
	if it.ActivationRequired {
		b.WriteString(" (activation required)")
	}
}

func writeExpiredNote(b *strings.Builder, expired []string) {
	if len(expired) == 0 {
		return
	}
	b.WriteString(" Expired and not ranked: ")
	b.WriteString(strings.Join(expired, ", "))
	b.WriteString(".")
}
