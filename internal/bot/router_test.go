package bot

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/whichcard/whichcard/internal/recommend"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEngine struct {
	names []string
	res   recommend.Result
	err   error

	lastQuery string
	lastHeld  []string
}

func (f *fakeEngine) Recommend(ctx context.Context, query string, held []string) (recommend.Result, error) {
	f.lastQuery = query
	f.lastHeld = append([]string(nil), held...)
	if f.err != nil {
		return recommend.Result{}, f.err
	}
	return f.res, nil
}

func (f *fakeEngine) CardNames() []string { return f.names }
func (f *fakeEngine) Ready() bool         { return len(f.names) > 0 }

type fakeStore struct {
	cards   map[string][]string
	touched map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{cards: map[string][]string{}, touched: map[string]int{}}
}

func (f *fakeStore) Touch(ctx context.Context, userID string) error {
	f.touched[userID]++
	return nil
}

func (f *fakeStore) AddCard(ctx context.Context, userID, cardName string) (bool, error) {
	for _, c := range f.cards[userID] {
		if c == cardName {
			return false, nil
		}
	}
	f.cards[userID] = append(f.cards[userID], cardName)
	return true, nil
}

func (f *fakeStore) RemoveCard(ctx context.Context, userID, cardName string) (bool, error) {
	held := f.cards[userID]
	for i, c := range held {
		if c == cardName {
			f.cards[userID] = append(held[:i:i], held[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) HeldCards(ctx context.Context, userID string) ([]string, error) {
	return append([]string(nil), f.cards[userID]...), nil
}

func (f *fakeStore) CardCount(ctx context.Context, userID string) (int, error) {
	return len(f.cards[userID]), nil
}

func (f *fakeStore) ClearCards(ctx context.Context, userID string) (int, error) {
	n := len(f.cards[userID])
	delete(f.cards, userID)
	return n, nil
}

func newTestRouter(t *testing.T, engine *fakeEngine, store *fakeStore) *Router {
	t.Helper()
	r, err := New(Options{Logger: testLogger(), Engine: engine, Users: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func catalogEngine() *fakeEngine {
	return &fakeEngine{names: []string{
		"Aurora Cashback",
		"Aurora Travel Plus",
		"Borealis Travel",
		"Cascade Everyday",
	}}
}

func TestHandleRequiresUser(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, catalogEngine(), newFakeStore())
	if _, err := r.Handle(context.Background(), "  ", "/list"); err == nil {
		t.Fatal("expected error for missing user id")
	}
}

func TestEmptyMessageGetsHelp(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, catalogEngine(), newFakeStore())
	rep, err := r.Handle(context.Background(), "u1", "   ")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rep.Text != helpText {
		t.Fatalf("reply = %q", rep.Text)
	}
}

func TestWelcomeAndHelpCommands(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, catalogEngine(), newFakeStore())
	cases := []struct {
		in   string
		want string
	}{
		{"/start", welcomeText},
		{"開始", welcomeText},
		{"/help", helpText},
		{"說明", helpText},
	}
	for _, tc := range cases {
		rep, err := r.Handle(context.Background(), "u1", tc.in)
		if err != nil {
			t.Fatalf("Handle(%q): %v", tc.in, err)
		}
		if rep.Text != tc.want {
			t.Fatalf("Handle(%q) = %q", tc.in, rep.Text)
		}
	}
}

func TestAddCardCanonicalizes(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	r := newTestRouter(t, catalogEngine(), store)

	rep, err := r.Handle(context.Background(), "u1", "/add aurora cashback")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(rep.Text, `Added "Aurora Cashback"`) {
		t.Fatalf("reply = %q", rep.Text)
	}
	if !strings.Contains(rep.Text, "1 card.") {
		t.Fatalf("reply missing count: %q", rep.Text)
	}
	if got := store.cards["u1"]; !reflect.DeepEqual(got, []string{"Aurora Cashback"}) {
		t.Fatalf("stored = %v", got)
	}
}

func TestAddCardDuplicate(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	r := newTestRouter(t, catalogEngine(), store)
	ctx := context.Background()

	if _, err := r.Handle(ctx, "u1", "/add Aurora Cashback"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	rep, err := r.Handle(ctx, "u1", "/add Aurora Cashback")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(rep.Text, "already hold") {
		t.Fatalf("reply = %q", rep.Text)
	}
}

func TestAddCardSuggestions(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, catalogEngine(), newFakeStore())
	rep, err := r.Handle(context.Background(), "u1", "/add Aurora")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(rep.Text, "Did you mean") {
		t.Fatalf("reply = %q", rep.Text)
	}
	if !strings.Contains(rep.Text, "Aurora Cashback") || !strings.Contains(rep.Text, "Aurora Travel Plus") {
		t.Fatalf("suggestions missing: %q", rep.Text)
	}
	if strings.Contains(rep.Text, "Borealis") {
		t.Fatalf("unrelated suggestion: %q", rep.Text)
	}
}

func TestAddCardNoMatch(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, catalogEngine(), newFakeStore())
	rep, err := r.Handle(context.Background(), "u1", "/add Totally Unknown")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(rep.Text, "Card not found") || !strings.Contains(rep.Text, "/cards") {
		t.Fatalf("reply = %q", rep.Text)
	}
}

func TestAddCardWhileWarmingUp(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeEngine{}, newFakeStore())
	rep, err := r.Handle(context.Background(), "u1", "/add Aurora Cashback")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rep.Text != warmingUpText {
		t.Fatalf("reply = %q", rep.Text)
	}
}

func TestRemoveCard(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.cards["u1"] = []string{"Aurora Cashback", "Borealis Travel"}
	r := newTestRouter(t, catalogEngine(), store)

	rep, err := r.Handle(context.Background(), "u1", "/remove borealis travel")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(rep.Text, `Removed "Borealis Travel"`) {
		t.Fatalf("reply = %q", rep.Text)
	}
	if got := store.cards["u1"]; !reflect.DeepEqual(got, []string{"Aurora Cashback"}) {
		t.Fatalf("stored = %v", got)
	}
}

func TestRemoveCardNotHeld(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, catalogEngine(), newFakeStore())
	rep, err := r.Handle(context.Background(), "u1", "/remove Aurora Cashback")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(rep.Text, "don't hold") {
		t.Fatalf("reply = %q", rep.Text)
	}
}

func TestRemoveCardGoneFromCatalog(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.cards["u1"] = []string{"Retired Card"}
	r := newTestRouter(t, catalogEngine(), store)

	rep, err := r.Handle(context.Background(), "u1", "/remove retired card")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(rep.Text, `Removed "Retired Card"`) {
		t.Fatalf("reply = %q", rep.Text)
	}
}

func TestListCards(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	r := newTestRouter(t, catalogEngine(), store)
	ctx := context.Background()

	rep, err := r.Handle(ctx, "u1", "/list")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(rep.Text, "no cards yet") {
		t.Fatalf("reply = %q", rep.Text)
	}

	store.cards["u1"] = []string{"Aurora Cashback", "Borealis Travel"}
	rep, err = r.Handle(ctx, "u1", "/list")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(rep.Text, "Your cards (2):") ||
		!strings.Contains(rep.Text, "1. Aurora Cashback") ||
		!strings.Contains(rep.Text, "2. Borealis Travel") {
		t.Fatalf("reply = %q", rep.Text)
	}
}

func TestCatalogCommand(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, catalogEngine(), newFakeStore())
	rep, err := r.Handle(context.Background(), "u1", "/cards")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(rep.Text, "Catalog (4 cards):") || !strings.Contains(rep.Text, "Cascade Everyday") {
		t.Fatalf("reply = %q", rep.Text)
	}
}

func TestClearCards(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.cards["u1"] = []string{"A", "B", "C"}
	r := newTestRouter(t, catalogEngine(), store)
	ctx := context.Background()

	rep, err := r.Handle(ctx, "u1", "/clear")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(rep.Text, "Removed 3 cards.") {
		t.Fatalf("reply = %q", rep.Text)
	}

	rep, err = r.Handle(ctx, "u1", "/clear")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(rep.Text, "no cards") {
		t.Fatalf("reply = %q", rep.Text)
	}
}

func TestQueryPassesHeldCards(t *testing.T) {
	t.Parallel()

	engine := catalogEngine()
	engine.res = recommend.Result{Summary: "Best for dining: Cascade Everyday at 2%."}
	store := newFakeStore()
	store.cards["u1"] = []string{"Cascade Everyday"}
	r := newTestRouter(t, engine, store)

	rep, err := r.Handle(context.Background(), "u1", "dinner tonight")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rep.Text != engine.res.Summary {
		t.Fatalf("reply = %q", rep.Text)
	}
	if engine.lastQuery != "dinner tonight" {
		t.Fatalf("query = %q", engine.lastQuery)
	}
	if !reflect.DeepEqual(engine.lastHeld, []string{"Cascade Everyday"}) {
		t.Fatalf("held = %v", engine.lastHeld)
	}
	if store.touched["u1"] == 0 {
		t.Fatal("user not touched")
	}
}

func TestQueryWhileNotReady(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{err: recommend.ErrNotReady}
	r := newTestRouter(t, engine, newFakeStore())

	rep, err := r.Handle(context.Background(), "u1", "dinner tonight")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rep.Text != warmingUpText {
		t.Fatalf("reply = %q", rep.Text)
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, catalogEngine(), newFakeStore())
	rep, err := r.Handle(context.Background(), "u1", "/frobnicate now")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(rep.Text, "Unknown command /frobnicate") {
		t.Fatalf("reply = %q", rep.Text)
	}
}

func TestSuggestCaps(t *testing.T) {
	t.Parallel()

	names := []string{"Card A1", "Card A2", "Card A3", "Card A4", "Card A5", "Card A6", "Card A7"}
	got := suggest("card", names)
	if len(got) != maxSuggestions {
		t.Fatalf("len = %d, want %d", len(got), maxSuggestions)
	}
	if !sortedStrings(got) {
		t.Fatalf("suggestions not sorted: %v", got)
	}
}

func sortedStrings(s []string) bool {
	for i := 1; i < len(s); i++ {
		if s[i-1] > s[i] {
			return false
		}
	}
	return true
}
