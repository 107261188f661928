package recommend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/whichcard/whichcard/internal/embedding"
	"github.com/whichcard/whichcard/internal/knowledge"
	"github.com/whichcard/whichcard/internal/llm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGen struct {
	reply string
	err   error
	got   llm.Request
	calls int
}

func (f *fakeGen) Generate(_ context.Context, req llm.Request) (string, error) {
	f.calls++
	f.got = req
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

// flakyEmbedder embeds documents normally but can be told to fail queries,
// simulating a provider outage after a successful build.
type flakyEmbedder struct {
	*embedding.Local
	failQuery bool
}

func (f *flakyEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if f.failQuery {
		return nil, errors.New("embedder down")
	}
	return f.Local.EmbedQuery(ctx, text)
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func engineDocs() []knowledge.Document {
	return []knowledge.Document{
		{
			ID:   "CardA",
			Text: "Card: CardA\nRewards:\n- fuel: 3% cashback\n- dining: 1% cashback",
			Meta: knowledge.DocumentMeta{
				Categories: []string{"dining", "fuel"},
				Rates:      map[string]float64{"fuel": 3, "dining": 1},
			},
		},
		{
			ID:   "CardB",
			Text: "Card: CardB\nRewards:\n- fuel: 2% cashback\nActivation: registration required before rewards apply",
			Meta: knowledge.DocumentMeta{
				Categories:         []string{"fuel"},
				Rates:              map[string]float64{"fuel": 2},
				ActivationRequired: true,
			},
		},
		{
			ID:   "CardC",
			Text: "Card: CardC\nRewards:\n- dining: 4.5% cashback",
			Meta: knowledge.DocumentMeta{
				Categories: []string{"dining"},
				Rates:      map[string]float64{"dining": 4.5},
			},
		},
		{
			ID:   "CardD",
			Text: "Card: CardD\nRewards:\n- fuel: 5% cashback\nValid until: 2024-01-31",
			Meta: knowledge.DocumentMeta{
				Categories: []string{"fuel"},
				Rates:      map[string]float64{"fuel": 5},
				ValidUntil: date(2024, 1, 31),
			},
		},
		{
			ID:   "CardE",
			Text: "Card: CardE\nRewards:\n- online: 2.5% cashback",
			Meta: knowledge.DocumentMeta{
				Categories: []string{"online"},
				Rates:      map[string]float64{"online": 2.5},
			},
		},
	}
}

func buildHandle(t *testing.T, emb embedding.Embedder, docs []knowledge.Document) *knowledge.Handle {
	t.Helper()
	ix, err := knowledge.NewIndex(knowledge.IndexOptions{Logger: testLogger(), Embedder: emb})
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	h, err := ix.Build(context.Background(), "catalog-test.csv", docs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return h
}

func newTestEngine(t *testing.T, gen llm.Generator) *Engine {
	t.Helper()
	e := New(Options{Logger: testLogger(), Generator: gen})
	e.Swap(buildHandle(t, embedding.NewLocal(64), engineDocs()))
	return e
}

func TestRecommendFuelQuery(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil)
	res, err := e.Recommend(context.Background(), "refuel at the gas station", []string{"CardA", "CardB"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if res.Category != "fuel" || !res.CategoryMatched {
		t.Fatalf("category = %q matched=%v, want fuel/true", res.Category, res.CategoryMatched)
	}
	if len(res.Items) != 2 {
		t.Fatalf("items = %+v, want 2", res.Items)
	}
	if res.Items[0].CardName != "CardA" || res.Items[0].Rate != 3 {
		t.Fatalf("top item = %+v, want CardA at 3", res.Items[0])
	}
	if res.Items[1].CardName != "CardB" || res.Items[1].Rate != 2 {
		t.Fatalf("second item = %+v, want CardB at 2", res.Items[1])
	}
	if !res.Items[1].ActivationRequired {
		t.Fatalf("CardB activation caveat lost")
	}
	if res.Generated {
		t.Fatalf("no generator configured, summary must be templated")
	}
	if !strings.Contains(res.Summary, "CardA at 3%") {
		t.Fatalf("summary = %q", res.Summary)
	}
}

func TestRecommendEmptyHeldShortCircuits(t *testing.T) {
	t.Parallel()

	gen := &fakeGen{reply: "should never be called"}
	e := newTestEngine(t, gen)
	res, err := e.Recommend(context.Background(), "dinner", nil)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(res.Items) != 0 || res.Summary != noCardsSummary {
		t.Fatalf("empty-held result = %+v", res)
	}
	if gen.calls != 0 {
		t.Fatalf("generator called %d times for empty held set", gen.calls)
	}
}

func TestRecommendNotReady(t *testing.T) {
	t.Parallel()

	e := New(Options{Logger: testLogger()})
	if _, err := e.Recommend(context.Background(), "dinner", []string{"CardA"}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("error = %v, want ErrNotReady", err)
	}
}

func TestRecommendExpiredSurfacedSeparately(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil)
	res, err := e.Recommend(context.Background(), "fuel for the car", []string{"CardA", "CardD"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].CardName != "CardA" {
		t.Fatalf("items = %+v, want only CardA", res.Items)
	}
	if len(res.Expired) != 1 || res.Expired[0] != "CardD" {
		t.Fatalf("expired = %v, want [CardD]", res.Expired)
	}
	if !strings.Contains(res.Summary, "CardD") {
		t.Fatalf("summary should mention the expired card: %q", res.Summary)
	}
}

func TestRecommendExcludesCardsWithoutCategory(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil)
	// CardE has no fuel rate at all; it must not appear as 0%.
	res, err := e.Recommend(context.Background(), "gas station", []string{"CardE"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(res.Items) != 0 {
		t.Fatalf("items = %+v, want none", res.Items)
	}
	if !strings.Contains(res.Summary, "None of your cards") {
		t.Fatalf("summary = %q", res.Summary)
	}
}

func TestRecommendUnknownCategoryRanksBestRates(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil)
	held := []string{"CardA", "CardB", "CardC", "CardE"}
	res, err := e.Recommend(context.Background(), "zzzz nothing matches this", held)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if res.CategoryMatched {
		t.Fatalf("category %q should not have matched", res.Category)
	}
	if res.Category != "general" {
		t.Fatalf("fallback label = %q, want general", res.Category)
	}
	// All four held cards ranked by their best rate; no top-3 truncation.
	want := []struct {
		name string
		rate float64
	}{{"CardC", 4.5}, {"CardA", 3}, {"CardE", 2.5}, {"CardB", 2}}
	if len(res.Items) != len(want) {
		t.Fatalf("items = %+v, want %d entries", res.Items, len(want))
	}
	for i, w := range want {
		if res.Items[i].CardName != w.name || res.Items[i].Rate != w.rate {
			t.Fatalf("item %d = %+v, want %s at %v", i, res.Items[i], w.name, w.rate)
		}
	}
}

func TestRecommendTopThreeTruncation(t *testing.T) {
	t.Parallel()

	docs := []knowledge.Document{}
	for _, d := range []struct {
		id   string
		rate float64
	}{{"W1", 1}, {"W2", 2}, {"W3", 3}, {"W4", 4}} {
		docs = append(docs, knowledge.Document{
			ID:   d.id,
			Text: "Card: " + d.id + " dining cashback",
			Meta: knowledge.DocumentMeta{Categories: []string{"dining"}, Rates: map[string]float64{"dining": d.rate}},
		})
	}
	e := New(Options{Logger: testLogger()})
	e.Swap(buildHandle(t, embedding.NewLocal(64), docs))

	res, err := e.Recommend(context.Background(), "restaurant dinner", []string{"W1", "W2", "W3", "W4"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(res.Items) != MaxItems {
		t.Fatalf("items = %+v, want %d", res.Items, MaxItems)
	}
	if res.Items[0].CardName != "W4" || res.Items[2].CardName != "W2" {
		t.Fatalf("ranking wrong: %+v", res.Items)
	}
}

func TestRecommendDeterministicTieBreak(t *testing.T) {
	t.Parallel()

	docs := []knowledge.Document{
		{ID: "Zeta", Text: "dining card", Meta: knowledge.DocumentMeta{Rates: map[string]float64{"dining": 2}}},
		{ID: "Alpha", Text: "dining card", Meta: knowledge.DocumentMeta{Rates: map[string]float64{"dining": 2}}},
	}
	e := New(Options{Logger: testLogger()})
	e.Swap(buildHandle(t, embedding.NewLocal(64), docs))

	for i := 0; i < 5; i++ {
		res, err := e.Recommend(context.Background(), "restaurant", []string{"Zeta", "Alpha"})
		if err != nil {
			t.Fatalf("Recommend: %v", err)
		}
		if res.Items[0].CardName != "Alpha" || res.Items[1].CardName != "Zeta" {
			t.Fatalf("equal rates must rank by name: %+v", res.Items)
		}
	}
}

func TestRecommendSurvivesRetrievalOutage(t *testing.T) {
	t.Parallel()

	emb := &flakyEmbedder{Local: embedding.NewLocal(64)}
	e := New(Options{Logger: testLogger()})
	e.Swap(buildHandle(t, emb, engineDocs()))

	emb.failQuery = true
	res, err := e.Recommend(context.Background(), "gas station fill up", []string{"CardA", "CardB"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(res.Items) != 2 || res.Items[0].CardName != "CardA" {
		t.Fatalf("lookup fallback failed: %+v", res.Items)
	}
}

func TestRecommendGeneratedSummary(t *testing.T) {
	t.Parallel()

	gen := &fakeGen{reply: "CardA wins for fuel."}
	e := newTestEngine(t, gen)
	res, err := e.Recommend(context.Background(), "gas station", []string{"CardA"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if !res.Generated || res.Summary != "CardA wins for fuel." {
		t.Fatalf("generated summary not used: %+v", res)
	}
	if gen.got.Category != "fuel" || len(gen.got.CardTexts) != 1 {
		t.Fatalf("generator request = %+v", gen.got)
	}
	if !strings.Contains(gen.got.CardTexts[0], "CardA") {
		t.Fatalf("grounding text = %q", gen.got.CardTexts[0])
	}
}

func TestRecommendGenerationFailureKeepsRanking(t *testing.T) {
	t.Parallel()

	for _, genErr := range []error{llm.ErrUnavailable, llm.ErrQuota} {
		gen := &fakeGen{err: genErr}
		e := newTestEngine(t, gen)
		res, err := e.Recommend(context.Background(), "gas station", []string{"CardA", "CardB"})
		if err != nil {
			t.Fatalf("Recommend with %v: %v", genErr, err)
		}
		if len(res.Items) != 2 {
			t.Fatalf("ranking lost on generation failure: %+v", res.Items)
		}
		if res.Generated {
			t.Fatalf("Generated flag set despite %v", genErr)
		}
		if !strings.Contains(res.Summary, "Best for fuel") {
			t.Fatalf("template summary missing: %q", res.Summary)
		}
	}
}

func TestRecommendHeldNamesCaseInsensitive(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil)
	res, err := e.Recommend(context.Background(), "gas station", []string{"carda", "CARDB", "carda"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("case-folded held names not matched: %+v", res.Items)
	}
}

func TestSwapIsImmediate(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil)
	if e.DocumentCount() != 5 || !e.Ready() {
		t.Fatalf("engine not serving initial handle")
	}

	smaller := buildHandle(t, embedding.NewLocal(64), engineDocs()[:2])
	e.Swap(smaller)
	if e.DocumentCount() != 2 {
		t.Fatalf("swap not visible: count=%d", e.DocumentCount())
	}
	if e.ActiveVersion() != "catalog-test.csv" {
		t.Fatalf("ActiveVersion = %q", e.ActiveVersion())
	}
}
