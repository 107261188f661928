package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	snapshotPrefix = "index-"
	snapshotSuffix = ".json"
)

// ErrNoSnapshot is returned by LoadLatest when no usable snapshot exists.
var ErrNoSnapshot = errors.New("knowledge: no usable index snapshot")

// snapshotPayload is the persisted form of a handle. Vectors are stored
// normalized, exactly as queried.
type snapshotPayload struct {
	CatalogVersion string      `json:"catalog_version"`
	Embedder       string      `json:"embedder"`
	Dimension      int         `json:"dimension"`
	BuiltAt        time.Time   `json:"built_at"`
	Documents      []Document  `json:"documents"`
	Vectors        [][]float32 `json:"vectors"`
}

// snapshotEnvelope wraps the payload with an integrity checksum, so a
// torn or hand-edited file is detected and skipped at load.
type snapshotEnvelope struct {
	SchemaVersion int             `json:"schema_version"`
	SHA256        string          `json:"sha256"`
	Payload       json.RawMessage `json:"payload"`
}

const snapshotSchemaVersion = 1

func (ix *Index) saveSnapshot(h *Handle) error {
	payload, err := json.Marshal(snapshotPayload{
		CatalogVersion: h.version,
		Embedder:       h.embedFP,
		Dimension:      h.dim,
		BuiltAt:        h.builtAt,
		Documents:      h.docs,
		Vectors:        h.vectors,
	})
	if err != nil {
		return err
	}
	sum := sha256.Sum256(payload)
	out, err := json.Marshal(snapshotEnvelope{
		SchemaVersion: snapshotSchemaVersion,
		SHA256:        hex.EncodeToString(sum[:]),
		Payload:       payload,
	})
	if err != nil {
		return err
	}

	// Successive builds within one millisecond bump the timestamp so
	// every snapshot keeps its own file.
	ms := time.Now().UnixMilli()
	var path string
	for {
		name := snapshotPrefix + strconv.FormatInt(ms, 10) + snapshotSuffix
		path = filepath.Join(ix.dir, name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		ms++
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	ix.pruneSnapshots()
	return nil
}

// pruneSnapshots drops the oldest snapshot files beyond the bound.
// Failures are logged and never fail a build.
func (ix *Index) pruneSnapshots() {
	names := ix.snapshotNames()
	if len(names) <= ix.keep {
		return
	}
	for _, name := range names[:len(names)-ix.keep] {
		if err := os.Remove(filepath.Join(ix.dir, name)); err != nil {
			ix.log.Warn("prune index snapshot failed", "snapshot", name, "error", err)
		}
	}
}

// LoadLatest reopens the newest usable snapshot: intact checksum and an
// embedder fingerprint matching the configured embedder. Unusable
// snapshots are skipped with a warning so one corrupt file never blocks a
// restart.
func (ix *Index) LoadLatest() (*Handle, error) {
	if ix.dir == "" {
		return nil, ErrNoSnapshot
	}
	names := ix.snapshotNames()
	for i := len(names) - 1; i >= 0; i-- {
		h, err := ix.loadSnapshot(filepath.Join(ix.dir, names[i]))
		if err != nil {
			ix.log.Warn("skipping index snapshot", "snapshot", names[i], "error", err)
			continue
		}
		ix.log.Info("knowledge index loaded from snapshot",
			"snapshot", names[i],
			"documents", h.Len(),
			"catalog_version", h.Version())
		return h, nil
	}
	return nil, ErrNoSnapshot
}

func (ix *Index) loadSnapshot(path string) (*Handle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env snapshotEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.SchemaVersion != snapshotSchemaVersion {
		return nil, fmt.Errorf("schema version %d unsupported", env.SchemaVersion)
	}
	sum := sha256.Sum256(env.Payload)
	if hex.EncodeToString(sum[:]) != env.SHA256 {
		return nil, errors.New("checksum mismatch")
	}
	var p snapshotPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if p.Embedder != ix.embedder.Fingerprint() {
		return nil, fmt.Errorf("embedder fingerprint %q, configured %q", p.Embedder, ix.embedder.Fingerprint())
	}
	if len(p.Documents) == 0 || len(p.Documents) != len(p.Vectors) {
		return nil, fmt.Errorf("inconsistent snapshot: %d documents, %d vectors", len(p.Documents), len(p.Vectors))
	}
	byID := make(map[string]int, len(p.Documents))
	for i, d := range p.Documents {
		if len(p.Vectors[i]) != p.Dimension {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(p.Vectors[i]), p.Dimension)
		}
		byID[d.ID] = i
	}

	return &Handle{
		version:  p.CatalogVersion,
		embedFP:  p.Embedder,
		builtAt:  p.BuiltAt,
		dim:      p.Dimension,
		docs:     p.Documents,
		byID:     byID,
		vectors:  p.Vectors,
		embedder: ix.embedder,
	}, nil
}

// snapshotNames lists snapshot files, oldest first. Names embed UnixMilli,
// which sorts lexicographically in the same order.
func (ix *Index) snapshotNames() []string {
	ents, err := os.ReadDir(ix.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
