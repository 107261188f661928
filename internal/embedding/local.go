package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

const defaultLocalDimension = 256

// Local is a deterministic feature-hashing embedder. It needs no network
// and no model files, which keeps the pipeline usable when no embedding
// provider is configured. Tokens are hashed into a fixed-width vector with
// a sign bit, so similar texts share features without any training.
type Local struct {
	dim int
}

// NewLocal returns a local embedder with the given dimension (<= 0 picks
// the default).
func NewLocal(dim int) *Local {
	if dim <= 0 {
		dim = defaultLocalDimension
	}
	return &Local{dim: dim}
}

func (l *Local) EmbedDocs(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = l.embed(text)
	}
	return out, nil
}

func (l *Local) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.embed(text), nil
}

func (l *Local) Dimension() int { return l.dim }

func (l *Local) Fingerprint() string {
	return fmt.Sprintf("local/fnv64-%d/v1", l.dim)
}

func (l *Local) embed(text string) []float32 {
	vec := make([]float32, l.dim)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(l.dim))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	return vec
}

// tokenize lowercases and splits on non-alphanumeric runes. Ideographic
// runes carry no word boundaries, so each one is a token and adjacent
// pairs contribute bigrams; that keeps CJK catalog text retrievable.
func tokenize(text string) []string {
	var tokens []string
	var word strings.Builder
	var prevIdeo rune

	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
			if prevIdeo != 0 {
				tokens = append(tokens, string([]rune{prevIdeo, r}))
			}
			prevIdeo = r
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
			prevIdeo = 0
		default:
			flush()
			prevIdeo = 0
		}
	}
	flush()
	return tokens
}
