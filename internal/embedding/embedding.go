// Package embedding turns text into vectors for the knowledge index.
// Two providers exist: the OpenAI embeddings API and a deterministic
// local hashing embedder for offline operation and tests.
package embedding

import "context"

// Embedder converts text to fixed-dimension vectors. Vectors are raw
// (not normalized); the index owns normalization.
type Embedder interface {
	// EmbedDocs embeds document texts, preserving order.
	EmbedDocs(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension is the vector width this embedder produces.
	Dimension() int

	// Fingerprint identifies provider, model and dimension. An index built
	// under one fingerprint must not serve queries embedded under another.
	Fingerprint() string
}
