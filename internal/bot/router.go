// Package bot turns chat messages into card-collection and
// recommendation actions. The router is transport-neutral; the HTTP API
// and the interactive console both front it.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/whichcard/whichcard/internal/recommend"
)

// Recommender is the slice of the recommendation engine the router uses.
type Recommender interface {
	Recommend(ctx context.Context, query string, held []string) (recommend.Result, error)
	CardNames() []string
	Ready() bool
}

// CardStore is the slice of the user store the router uses.
type CardStore interface {
	Touch(ctx context.Context, userID string) error
	AddCard(ctx context.Context, userID string, cardName string) (bool, error)
	RemoveCard(ctx context.Context, userID string, cardName string) (bool, error)
	HeldCards(ctx context.Context, userID string) ([]string, error)
	CardCount(ctx context.Context, userID string) (int, error)
	ClearCards(ctx context.Context, userID string) (int, error)
}

const maxSuggestions = 5

const helpText = `Commands:
/add <card name> - add a card you hold
/remove <card name> - remove a card
/list - show your cards
/cards - show every card in the catalog
/clear - remove all your cards
/help - show this help

Anything else is treated as a spending question, for example
"dinner tonight" or "加油".`

const welcomeText = `Welcome! I help you pick the best credit card for each purchase.
Add the cards you hold, then ask away.

` + helpText

const warmingUpText = "The card catalog is still loading. Please try again in a moment."

type Options struct {
	Logger *slog.Logger
	Engine Recommender
	Users  CardStore
}

type Router struct {
	log    *slog.Logger
	engine Recommender
	users  CardStore
}

// Reply is what goes back to the user, always readable text.
type Reply struct {
	Text string `json:"text"`
}

func New(opts Options) (*Router, error) {
	if opts.Engine == nil || opts.Users == nil {
		return nil, errors.New("bot: missing engine or user store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Router{log: logger, engine: opts.Engine, users: opts.Users}, nil
}

// Handle routes one inbound message. User mistakes (unknown card, unknown
// command) come back as reply text; the returned error is reserved for
// infrastructure failures.
func (r *Router) Handle(ctx context.Context, userID string, text string) (Reply, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Reply{}, errors.New("bot: missing user id")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{Text: helpText}, nil
	}

	if err := r.users.Touch(ctx, userID); err != nil {
		r.log.Warn("touch user failed", "user", userID, "error", err)
	}

	cmd, arg, isCmd := parseCommand(text)
	if !isCmd {
		return r.query(ctx, userID, text)
	}
	switch cmd {
	case "start", "hi", "hello":
		return Reply{Text: welcomeText}, nil
	case "help":
		return Reply{Text: helpText}, nil
	case "add":
		return r.addCard(ctx, userID, arg)
	case "remove", "rm":
		return r.removeCard(ctx, userID, arg)
	case "list":
		return r.listCards(ctx, userID)
	case "cards", "catalog":
		return r.catalogCards()
	case "clear":
		return r.clearCards(ctx, userID)
	default:
		return Reply{Text: fmt.Sprintf("Unknown command /%s. Send /help for the command list.", cmd)}, nil
	}
}

// parseCommand recognizes slash commands plus the bare Chinese aliases
// the original chat surface accepted.
func parseCommand(text string) (cmd, arg string, ok bool) {
	switch text {
	case "開始":
		return "start", "", true
	case "說明", "幫助":
		return "help", "", true
	}
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, tail, _ := strings.Cut(strings.TrimPrefix(text, "/"), " ")
	cmd = strings.ToLower(strings.TrimSpace(head))
	if cmd == "" {
		return "", "", false
	}
	return cmd, strings.TrimSpace(tail), true
}

func (r *Router) addCard(ctx context.Context, userID, arg string) (Reply, error) {
	if arg == "" {
		return Reply{Text: "Usage: /add <card name>"}, nil
	}
	known := r.engine.CardNames()
	if len(known) == 0 {
		return Reply{Text: warmingUpText}, nil
	}

	canonical, found := resolveName(arg, known)
	if !found {
		if sug := suggest(arg, known); len(sug) > 0 {
			var b strings.Builder
			fmt.Fprintf(&b, "Card not found: %q\n\nDid you mean:\n", arg)
			for _, s := range sug {
				fmt.Fprintf(&b, "- %s\n", s)
			}
			b.WriteString("\nPlease use the full card name.")
			return Reply{Text: b.String()}, nil
		}
		return Reply{Text: fmt.Sprintf("Card not found: %q\n\nSend /cards to see the catalog.", arg)}, nil
	}

	added, err := r.users.AddCard(ctx, userID, canonical)
	if err != nil {
		return Reply{}, err
	}
	if !added {
		return Reply{Text: fmt.Sprintf("You already hold %q.", canonical)}, nil
	}
	n, err := r.users.CardCount(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("Added %q. You now hold %d %s.", canonical, n, pluralCards(n))}, nil
}

func (r *Router) removeCard(ctx context.Context, userID, arg string) (Reply, error) {
	if arg == "" {
		return Reply{Text: "Usage: /remove <card name>"}, nil
	}
	held, err := r.users.HeldCards(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	// Resolve against the held set, not the catalog: a card that has since
	// left the catalog must still be removable.
	canonical, found := resolveName(arg, held)
	if !found {
		return Reply{Text: fmt.Sprintf("You don't hold %q. Send /list to see your cards.", arg)}, nil
	}

	removed, err := r.users.RemoveCard(ctx, userID, canonical)
	if err != nil {
		return Reply{}, err
	}
	if !removed {
		return Reply{Text: fmt.Sprintf("You don't hold %q. Send /list to see your cards.", arg)}, nil
	}
	n, err := r.users.CardCount(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("Removed %q. You now hold %d %s.", canonical, n, pluralCards(n))}, nil
}

func (r *Router) listCards(ctx context.Context, userID string) (Reply, error) {
	held, err := r.users.HeldCards(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	if len(held) == 0 {
		return Reply{Text: "You have no cards yet. Add one with /add <card name>."}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Your cards (%d):\n", len(held))
	for i, name := range held {
		fmt.Fprintf(&b, "%d. %s\n", i+1, name)
	}
	return Reply{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (r *Router) catalogCards() (Reply, error) {
	names := r.engine.CardNames()
	if len(names) == 0 {
		return Reply{Text: warmingUpText}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Catalog (%d cards):\n", len(names))
	for _, name := range names {
		fmt.Fprintf(&b, "- %s\n", name)
	}
	return Reply{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (r *Router) clearCards(ctx context.Context, userID string) (Reply, error) {
	n, err := r.users.ClearCards(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	if n == 0 {
		return Reply{Text: "You have no cards."}, nil
	}
	return Reply{Text: fmt.Sprintf("Removed %d %s.", n, pluralCards(n))}, nil
}

func (r *Router) query(ctx context.Context, userID, text string) (Reply, error) {
	held, err := r.users.HeldCards(ctx, userID)
	if err != nil {
		return Reply{}, err
	}
	res, err := r.engine.Recommend(ctx, text, held)
	if err != nil {
		if errors.Is(err, recommend.ErrNotReady) {
			return Reply{Text: warmingUpText}, nil
		}
		return Reply{}, err
	}
	return Reply{Text: res.Summary}, nil
}

// resolveName finds arg among names, ignoring case. Returns the canonical
// spelling.
func resolveName(arg string, names []string) (string, bool) {
	for _, name := range names {
		if strings.EqualFold(name, arg) {
			return name, true
		}
	}
	return "", false
}

// suggest finds near-miss names: the input contains the name or the name
// contains the input, ignoring case. At most maxSuggestions, ascending.
func suggest(arg string, names []string) []string {
	needle := strings.ToLower(arg)
	var out []string
	for _, name := range names {
		lower := strings.ToLower(name)
		if strings.Contains(lower, needle) || strings.Contains(needle, lower) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out
}

func pluralCards(n int) string {
	if n == 1 {
		return "card"
	}
	return "cards"
}
