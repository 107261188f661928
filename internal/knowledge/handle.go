package knowledge

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/whichcard/whichcard/internal/embedding"
)

// DefaultPoolSize is the retrieval k used when callers pass k <= 0. The
// pool stays well above the final top-3 so the held-card filter has
// candidates to discard.
const DefaultPoolSize = 10

// Handle is one immutable build of the knowledge index: documents plus
// their normalized vectors. A handle is never mutated after Build; the
// refresh path replaces the whole handle atomically, so readers may keep
// querying one while the next is being built.
type Handle struct {
	version  string
	embedFP  string
	builtAt  time.Time
	dim      int
	docs     []Document // sorted by ID
	byID     map[string]int
	vectors  [][]float32 // normalized, same order as docs
	embedder embedding.Embedder
}

// Version reports the catalog version this handle was built from.
func (h *Handle) Version() string { return h.version }

// BuiltAt reports when the build finished.
func (h *Handle) BuiltAt() time.Time { return h.builtAt }

// Len is the number of indexed documents.
func (h *Handle) Len() int { return len(h.docs) }

// Lookup returns the document with the given ID.
func (h *Handle) Lookup(id string) (Document, bool) {
	i, ok := h.byID[id]
	if !ok {
		return Document{}, false
	}
	return h.docs[i], true
}

// IDs lists all document IDs in ascending order.
func (h *Handle) IDs() []string {
	out := make([]string, len(h.docs))
	for i, d := range h.docs {
		out[i] = d.ID
	}
	return out
}

// Documents returns a copy of every indexed document.
func (h *Handle) Documents() []Document {
	return append([]Document(nil), h.docs...)
}

// Query returns the k most similar documents for the query text, best
// first. Scores are cosine similarity; score ties break by document ID
// ascending so results are deterministic. k <= 0 uses DefaultPoolSize.
func (h *Handle) Query(ctx context.Context, text string, k int) ([]Match, error) {
	if k <= 0 {
		k = DefaultPoolSize
	}
	if k > len(h.docs) {
		k = len(h.docs)
	}
	if k == 0 {
		return nil, nil
	}

	qvec, err := h.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(qvec) != h.dim {
		return nil, fmt.Errorf("query vector dimension %d, index has %d", len(qvec), h.dim)
	}
	normalize(qvec)

	// Min-heap of the best k so far; the root is the weakest kept match.
	mh := &matchHeap{}
	heap.Init(mh)
	for i, vec := range h.vectors {
		cand := scored{score: dot(qvec, vec), idx: i}
		if mh.Len() < k {
			heap.Push(mh, cand)
			continue
		}
		if mh.less((*mh)[0], cand) {
			(*mh)[0] = cand
			heap.Fix(mh, 0)
		}
	}

	out := make([]Match, 0, mh.Len())
	for _, s := range *mh {
		out = append(out, Match{Doc: h.docs[s.idx], Score: s.score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Doc.ID < out[j].Doc.ID
	})
	return out, nil
}

type scored struct {
	score float64
	idx   int
}

// matchHeap is a min-heap under the same ordering Query returns, so the
// root is always the candidate to evict.
type matchHeap []scored

func (m matchHeap) Len() int { return len(m) }

// less ranks a strictly weaker than b: lower score, or equal score with a
// later document ID.
func (m matchHeap) less(a, b scored) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.idx > b.idx
}

func (m matchHeap) Less(i, j int) bool { return m.less(m[i], m[j]) }
func (m matchHeap) Swap(i, j int)      { m[i], m[j] = m[j], m[i] }

func (m *matchHeap) Push(x any) { *m = append(*m, x.(scored)) }

func (m *matchHeap) Pop() any {
	old := *m
	n := len(old)
	x := old[n-1]
	*m = old[:n-1]
	return x
}

// normalize scales v to unit length in place. Zero vectors stay zero.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

// dot of two unit vectors is their cosine similarity.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
