// Package recommend ranks a user's held cards for a spending query. The
// pipeline is retrieve, filter, deterministic rank, then grounded summary
// generation; generation is advisory and every failure there degrades to a
// templated summary while the ranking stands.
package recommend

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/whichcard/whichcard/internal/knowledge"
	"github.com/whichcard/whichcard/internal/llm"
)

// ErrNotReady is returned while no knowledge handle has been swapped in
// yet (fresh start before the first successful build).
var ErrNotReady = errors.New("recommend: knowledge index not ready")

// Item is one ranked card for the inferred category.
type Item struct {
	CardName           string     `json:"card_name"`
	Rate               float64    `json:"rate"`
	ActivationRequired bool       `json:"activation_required"`
	ValidUntil         *time.Time `json:"valid_until,omitempty"`
	Conditions         string     `json:"conditions,omitempty"`
}

// Result is a full recommendation. Items is ordered by rate descending,
// card name ascending, and holds at most MaxItems entries when the
// category matched. Expired lists held cards whose reward schedule has
// lapsed; they never rank.
type Result struct {
	Query           string   `json:"query"`
	Category        string   `json:"category"`
	CategoryMatched bool     `json:"category_matched"`
	Items           []Item   `json:"items"`
	Expired         []string `json:"expired,omitempty"`
	Summary         string   `json:"summary"`
	Generated       bool     `json:"generated"`
}

// MaxItems bounds the ranked list when a category matched.
const MaxItems = 3

const defaultGenerationTimeout = 10 * time.Second

type Options struct {
	Logger *slog.Logger

	// Generator writes the natural-language summary. nil disables
	// generation entirely; the templated summary is used instead.
	Generator llm.Generator

	// Rules overrides the embedded category inference policy.
	Rules *CategoryRules

	// PoolSize is the retrieval k floor. The engine retrieves
	// max(PoolSize, 2*len(held)) candidates. <= 0 uses the index default.
	PoolSize int

	// GenerationTimeout bounds one summary generation call.
	GenerationTimeout time.Duration
}

// Engine answers recommendation queries against the active knowledge
// handle. The handle is replaced atomically by Swap; queries in flight
// keep the handle they started with.
type Engine struct {
	log        *slog.Logger
	gen        llm.Generator
	rules      *CategoryRules
	poolSize   int
	genTimeout time.Duration

	active atomic.Pointer[knowledge.Handle]
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = knowledge.DefaultPoolSize
	}
	genTimeout := opts.GenerationTimeout
	if genTimeout <= 0 {
		genTimeout = defaultGenerationTimeout
	}
	return &Engine{
		log:        logger,
		gen:        opts.Generator,
		rules:      rules,
		poolSize:   poolSize,
		genTimeout: genTimeout,
	}
}

// Swap replaces the active handle. In-flight queries finish on the handle
// they loaded; new queries see the new one immediately.
func (e *Engine) Swap(h *knowledge.Handle) {
	e.active.Store(h)
}

// Ready reports whether a handle is being served.
func (e *Engine) Ready() bool { return e.active.Load() != nil }

// DocumentCount is the active handle's size, 0 when not ready.
func (e *Engine) DocumentCount() int {
	if h := e.active.Load(); h != nil {
		return h.Len()
	}
	return 0
}

// ActiveVersion is the catalog version being served, "" when not ready.
func (e *Engine) ActiveVersion() string {
	if h := e.active.Load(); h != nil {
		return h.Version()
	}
	return ""
}

// CardNames lists every card in the active handle, ascending. Collaborators
// use it to validate card names before persisting them.
func (e *Engine) CardNames() []string {
	if h := e.active.Load(); h != nil {
		return h.IDs()
	}
	return nil
}

// ExpiredCardCount counts active-handle cards whose schedule has lapsed.
func (e *Engine) ExpiredCardCount() int {
	h := e.active.Load()
	if h == nil {
		return 0
	}
	now := time.Now()
	n := 0
	for _, d := range h.Documents() {
		if d.Meta.Expired(now) {
			n++
		}
	}
	return n
}

// Recommend ranks the user's held cards for the query. With no held cards
// it answers immediately without touching the index or the generator.
func (e *Engine) Recommend(ctx context.Context, query string, held []string) (Result, error) {
	h := e.active.Load()
	if h == nil {
		return Result{}, ErrNotReady
	}

	query = strings.TrimSpace(query)
	held = dedupeNames(held)

	category, matched := InferCategory(query, e.rules)
	res := Result{Query: query, Category: category, CategoryMatched: matched}

	if len(held) == 0 {
		res.Summary = noCardsSummary
		return res, nil
	}

	candidates := e.gatherCandidates(ctx, h, query, held)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	now := time.Now()
	var ranked []rankedDoc
	for _, doc := range candidates {
		if doc.Meta.Expired(now) {
			res.Expired = append(res.Expired, doc.ID)
			continue
		}
		if matched {
			rate, ok := doc.Meta.Rates[category]
			if !ok || rate <= 0 {
				continue // the card earns nothing here; never shown as 0%
			}
			ranked = append(ranked, rankedDoc{doc: doc, rate: rate})
			continue
		}
		if _, best := doc.Meta.BestRate(); best > 0 {
			ranked = append(ranked, rankedDoc{doc: doc, rate: best})
		}
	}
	sort.Strings(res.Expired)

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].rate != ranked[j].rate {
			return ranked[i].rate > ranked[j].rate
		}
		return ranked[i].doc.ID < ranked[j].doc.ID
	})
	if matched && len(ranked) > MaxItems {
		ranked = ranked[:MaxItems]
	}

	for _, r := range ranked {
		res.Items = append(res.Items, Item{
			CardName:           r.doc.ID,
			Rate:               r.rate,
			ActivationRequired: r.doc.Meta.ActivationRequired,
			ValidUntil:         r.doc.Meta.ValidUntil,
			Conditions:         r.doc.Meta.Conditions,
		})
	}

	res.Summary, res.Generated = e.summarize(ctx, res, ranked)
	return res, nil
}

type rankedDoc struct {
	doc  knowledge.Document
	rate float64
}

// gatherCandidates retrieves a similarity pool, filters it to held cards,
// then backfills every held card the retriever missed by direct lookup.
// The lookup pass decides inclusion; retrieval cannot drop a held card.
func (e *Engine) gatherCandidates(ctx context.Context, h *knowledge.Handle, query string, held []string) []knowledge.Document {
	k := e.poolSize
	if 2*len(held) > k {
		k = 2 * len(held)
	}

	heldSet := make(map[string]string, len(held)) // folded -> as held
	for _, name := range held {
		heldSet[strings.ToLower(name)] = name
	}

	seen := make(map[string]bool, len(held))
	var out []knowledge.Document

	matches, err := h.Query(ctx, query, k)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		// Retrieval is an optimization; ranking survives on lookups.
		e.log.Warn("similarity retrieval failed, falling back to lookups", "error", err)
	}
	for _, m := range matches {
		if _, isHeld := heldSet[strings.ToLower(m.Doc.ID)]; isHeld && !seen[m.Doc.ID] {
			seen[m.Doc.ID] = true
			out = append(out, m.Doc)
		}
	}

	for folded := range heldSet {
		doc, ok := lookupFold(h, folded)
		if ok && !seen[doc.ID] {
			seen[doc.ID] = true
			out = append(out, doc)
		}
	}
	return out
}

// lookupFold finds a document by case-insensitive ID.
func lookupFold(h *knowledge.Handle, folded string) (knowledge.Document, bool) {
	if doc, ok := h.Lookup(folded); ok {
		return doc, true
	}
	for _, id := range h.IDs() {
		if strings.ToLower(id) == folded {
			return h.Lookup(id)
		}
	}
	return knowledge.Document{}, false
}

// summarize asks the generator for a grounded summary and falls back to
// the deterministic template on any failure. The ranking above is already
// final either way.
func (e *Engine) summarize(ctx context.Context, res Result, ranked []rankedDoc) (string, bool) {
	if e.gen == nil || len(ranked) == 0 {
		return templateSummary(res), false
	}

	texts := make([]string, len(ranked))
	for i, r := range ranked {
		texts[i] = r.doc.Text
	}
	genCtx, cancel := context.WithTimeout(ctx, e.genTimeout)
	defer cancel()

	summary, err := e.gen.Generate(genCtx, llm.Request{
		Query:     res.Query,
		Category:  res.Category,
		CardTexts: texts,
	})
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, llm.ErrQuota) {
			level = slog.LevelError
		}
		e.log.Log(ctx, level, "summary generation failed, using template", "error", err)
		return templateSummary(res), false
	}
	return summary, true
}

func dedupeNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		key := strings.ToLower(n)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, n)
	}
	return out
}
