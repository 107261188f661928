package knowledge

import (
	"sort"
	"strconv"
	"time"
)

// FormatRate renders a reward percentage without a trailing zero tail:
// 3 stays "3", 3.5 stays "3.5".
func FormatRate(rate float64) string {
	return strconv.FormatFloat(rate, 'f', -1, 64)
}

// Document is the unit of indexed knowledge, derived 1:1 from a catalog
// card. Text is the only factual grounding handed to summary generation;
// Meta mirrors the structured fields so the query path never re-parses text.
type Document struct {
	ID   string       `json:"id"`
	Text string       `json:"text"`
	Meta DocumentMeta `json:"meta"`
}

// DocumentMeta carries the structured card fields alongside the embedded
// text. Rates maps a spending category to a reward percentage.
type DocumentMeta struct {
	Issuer             string             `json:"issuer,omitempty"`
	Categories         []string           `json:"categories"`
	Rates              map[string]float64 `json:"rates"`
	ActivationRequired bool               `json:"activation_required"`
	ValidUntil         *time.Time         `json:"valid_until,omitempty"`
	Conditions         string             `json:"conditions,omitempty"`
}

// BestRate returns the highest reward rate across all categories and the
// category it belongs to. Ties resolve to the lexicographically smallest
// category name so the result is stable.
func (m DocumentMeta) BestRate() (string, float64) {
	names := make([]string, 0, len(m.Rates))
	for name := range m.Rates {
		names = append(names, name)
	}
	sort.Strings(names)

	best := ""
	bestRate := -1.0
	for _, name := range names {
		if m.Rates[name] > bestRate {
			best = name
			bestRate = m.Rates[name]
		}
	}
	if bestRate < 0 {
		return "", 0
	}
	return best, bestRate
}

// Expired reports whether the card's reward schedule has lapsed as of now.
// A nil ValidUntil means the schedule has no end date.
func (m DocumentMeta) Expired(now time.Time) bool {
	return m.ValidUntil != nil && m.ValidUntil.Before(now)
}

// Match is a single retrieval hit: a document and its cosine similarity
// against the query.
type Match struct {
	Doc   Document `json:"doc"`
	Score float64  `json:"score"`
}
