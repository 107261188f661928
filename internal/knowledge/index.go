// Package knowledge embeds catalog documents into a searchable in-memory
// index. Builds are whole-dataset: every refresh produces a fresh
// immutable Handle which the serving layer swaps in atomically. Builds are
// also persisted as snapshots so a restart can reopen the latest index
// without re-embedding.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/whichcard/whichcard/internal/embedding"
)

// BuildError wraps any failure while building an index. The caller keeps
// serving its previous handle; a failed build never leaves partial state.
type BuildError struct {
	Stage string // "input", "embed", "persist"
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("index build failed at %s: %v", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

func buildErr(stage string, err error) *BuildError {
	return &BuildError{Stage: stage, Err: err}
}

type IndexOptions struct {
	Logger *slog.Logger

	// Embedder turns document and query text into vectors. Required.
	Embedder embedding.Embedder

	// SnapshotDir persists each successful build as a JSON snapshot.
	// Empty disables persistence.
	SnapshotDir string

	// KeepSnapshots bounds retained snapshot files. If <= 0, a default of
	// 2 is used.
	KeepSnapshots int
}

// Index builds and reloads handles. It holds no query state itself.
type Index struct {
	log      *slog.Logger
	embedder embedding.Embedder
	dir      string
	keep     int
}

func NewIndex(opts IndexOptions) (*Index, error) {
	if opts.Embedder == nil {
		return nil, errors.New("knowledge: missing embedder")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	keep := opts.KeepSnapshots
	if keep <= 0 {
		keep = 2
	}
	dir := strings.TrimSpace(opts.SnapshotDir)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	return &Index{log: logger, embedder: opts.Embedder, dir: dir, keep: keep}, nil
}

// Build embeds every document and returns a new immutable handle tagged
// with the catalog version it came from. The previous handle, if any, is
// untouched: swapping is the caller's decision.
func (ix *Index) Build(ctx context.Context, catalogVersion string, docs []Document) (*Handle, error) {
	if len(docs) == 0 {
		return nil, buildErr("input", errors.New("no documents to index"))
	}

	sorted := append([]Document(nil), docs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	byID := make(map[string]int, len(sorted))
	texts := make([]string, len(sorted))
	for i, d := range sorted {
		if strings.TrimSpace(d.ID) == "" {
			return nil, buildErr("input", fmt.Errorf("document %d has no ID", i))
		}
		if _, dup := byID[d.ID]; dup {
			return nil, buildErr("input", fmt.Errorf("duplicate document ID %q", d.ID))
		}
		byID[d.ID] = i
		texts[i] = d.Text
	}

	start := time.Now()
	vectors, err := ix.embedder.EmbedDocs(ctx, texts)
	if err != nil {
		return nil, buildErr("embed", err)
	}
	if len(vectors) != len(sorted) {
		return nil, buildErr("embed", fmt.Errorf("got %d vectors for %d documents", len(vectors), len(sorted)))
	}
	dim := len(vectors[0])
	for i, vec := range vectors {
		if len(vec) != dim {
			return nil, buildErr("embed", fmt.Errorf("vector %d has dimension %d, want %d", i, len(vec), dim))
		}
		normalize(vec)
	}

	h := &Handle{
		version:  catalogVersion,
		embedFP:  ix.embedder.Fingerprint(),
		builtAt:  time.Now().UTC(),
		dim:      dim,
		docs:     sorted,
		byID:     byID,
		vectors:  vectors,
		embedder: ix.embedder,
	}

	if ix.dir != "" {
		if err := ix.saveSnapshot(h); err != nil {
			return nil, buildErr("persist", err)
		}
	}

	ix.log.Info("knowledge index built",
		"documents", len(sorted),
		"dimension", dim,
		"catalog_version", catalogVersion,
		"duration", time.Since(start).Round(time.Millisecond))
	return h, nil
}
