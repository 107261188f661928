// Package catalog parses raw credit-card catalog files into card records
// and turns records into indexable documents. Parsing is strict: the first
// invalid row aborts the whole catalog so a refresh never serves a
// partially understood dataset.
package catalog

import (
	"fmt"
	"time"
)

// CardRecord is one credit card as described by the catalog. Name is the
// unique identity; Rates maps a spending category to a reward percentage.
type CardRecord struct {
	Name               string
	Issuer             string
	Rates              map[string]float64
	ActivationRequired bool
	ValidUntil         *time.Time // nil = no expiry
	Conditions         string
}

// Expired reports whether the card's reward schedule has lapsed as of now.
func (r CardRecord) Expired(now time.Time) bool {
	return r.ValidUntil != nil && r.ValidUntil.Before(now)
}

// MalformedError describes the first defect found in a catalog file.
// Line is 1-based and counts the header row. Column is the canonical
// column name when the defect is tied to one.
type MalformedError struct {
	Line   int
	Column string
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("catalog line %d: column %q: %s", e.Line, e.Column, e.Reason)
	}
	return fmt.Sprintf("catalog line %d: %s", e.Line, e.Reason)
}

func malformed(line int, column, format string, args ...any) *MalformedError {
	return &MalformedError{Line: line, Column: column, Reason: fmt.Sprintf(format, args...)}
}
