// Package versionstore keeps the catalog files on disk: exactly one
// current version plus a bounded, FIFO-evicted backup history. Every
// replacement goes through a temp file and rename so readers never see a
// partially written catalog.
package versionstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxBackups = 30

	versionPrefix = "catalog-"
	versionSuffix = ".csv"
)

// ErrNoCatalog is returned when no catalog version has ever been promoted.
var ErrNoCatalog = errors.New("versionstore: no catalog version available")

// Version identifies one stored catalog file. ID doubles as the filename
// and embeds the creation timestamp, so versions sort lexicographically in
// chronological order.
type Version struct {
	ID        string
	Path      string
	CreatedAt time.Time
}

type Options struct {
	Logger *slog.Logger

	// Dir is the catalog data directory. The current version lives directly
	// in it; prior versions live under Dir/backups.
	Dir string

	// MaxBackups keeps the latest N replaced versions. If <= 0, a default
	// of 30 is used.
	MaxBackups int

	// Seed, when non-nil, is promoted automatically if the store opens with
	// no current version. It backs a fresh data directory until the first
	// real catalog arrives.
	Seed []byte
}

type Store struct {
	log *slog.Logger

	dir        string
	backupsDir string
	maxBackups int

	mu      sync.Mutex
	current *Version
	backups []Version // oldest -> newest
}

// Open prepares the data directory and loads the existing version state.
// Stray current files left by a crash are adopted: the newest becomes the
// current version, older ones are demoted to backups.
func Open(opts Options) (*Store, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("missing Dir")
	}
	backupsDir := filepath.Join(dir, "backups")
	if err := os.MkdirAll(backupsDir, 0o700); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	s := &Store{
		log:        logger,
		dir:        dir,
		backupsDir: backupsDir,
		maxBackups: maxBackups,
	}

	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	if s.current == nil && len(opts.Seed) > 0 {
		v, err := s.promoteLocked(opts.Seed)
		if err != nil {
			return nil, fmt.Errorf("promote seed catalog: %w", err)
		}
		s.log.Info("seed catalog promoted", "version", v.ID)
	}
	return s, nil
}

// Promote makes content the current catalog version. The previous current
// file moves into the backup history; the oldest backups beyond the bound
// are evicted. On error the previous current version is left intact.
func (s *Store) Promote(content []byte) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promoteLocked(content)
}

// Current returns the current catalog version without touching its bytes.
func (s *Store) Current() (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Version{}, ErrNoCatalog
	}
	return *s.current, nil
}

// ReadCurrent returns the current version and its full contents.
func (s *Store) ReadCurrent() (Version, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Version{}, nil, ErrNoCatalog
	}
	content, err := os.ReadFile(s.current.Path)
	if err != nil {
		return Version{}, nil, fmt.Errorf("read current catalog: %w", err)
	}
	return *s.current, content, nil
}

// BackupCount reports how many replaced versions are retained.
func (s *Store) BackupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backups)
}

// Backups lists retained versions, oldest first.
func (s *Store) Backups() []Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Version(nil), s.backups...)
}

// loadLocked rebuilds the in-memory version state from the directory.
// Bookkeeping stays in memory afterwards: the query path never scans
// directories.
func (s *Store) loadLocked() error {
	currents, err := scanVersions(s.dir)
	if err != nil {
		return err
	}
	if len(currents) > 0 {
		// Newest file is the current version; older strays are demoted.
		cur := currents[len(currents)-1]
		for _, stray := range currents[:len(currents)-1] {
			dst := filepath.Join(s.backupsDir, stray.ID)
			if err := os.Rename(stray.Path, dst); err != nil {
				s.log.Warn("demote stray catalog failed", "version", stray.ID, "error", err)
				continue
			}
			s.log.Info("stray catalog demoted to backup", "version", stray.ID)
		}
		s.current = &cur
	}

	backups, err := scanVersions(s.backupsDir)
	if err != nil {
		return err
	}
	s.backups = backups
	s.pruneLocked()
	return nil
}

func (s *Store) promoteLocked(content []byte) (Version, error) {
	if len(content) == 0 {
		return Version{}, errors.New("versionstore: refusing to promote empty catalog")
	}

	next := s.nextVersionLocked()
	tmp := filepath.Join(s.dir, "."+next.ID+".tmp")
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return Version{}, fmt.Errorf("write catalog: %w", err)
	}

	var backedUp *Version
	if s.current != nil {
		dst := filepath.Join(s.backupsDir, s.current.ID)
		if err := os.Rename(s.current.Path, dst); err != nil {
			_ = os.Remove(tmp)
			return Version{}, fmt.Errorf("back up current catalog: %w", err)
		}
		backedUp = &Version{ID: s.current.ID, Path: dst, CreatedAt: s.current.CreatedAt}
	}

	if err := os.Rename(tmp, next.Path); err != nil {
		_ = os.Remove(tmp)
		if backedUp != nil {
			// Best-effort restore of the version we just demoted.
			if rerr := os.Rename(backedUp.Path, s.current.Path); rerr != nil {
				s.log.Warn("restore backed-up catalog failed", "version", backedUp.ID, "error", rerr)
			}
		}
		return Version{}, fmt.Errorf("promote catalog: %w", err)
	}

	if backedUp != nil {
		s.backups = append(s.backups, *backedUp)
	}
	s.current = &next
	s.pruneLocked()
	return next, nil
}

// pruneLocked evicts the oldest backups beyond the bound. Eviction
// failures are logged and never fail a promote.
func (s *Store) pruneLocked() {
	for len(s.backups) > s.maxBackups {
		victim := s.backups[0]
		s.backups = s.backups[1:]
		if err := os.Remove(victim.Path); err != nil {
			s.log.Warn("evict catalog backup failed", "version", victim.ID, "error", err)
			continue
		}
		s.log.Debug("catalog backup evicted", "version", victim.ID)
	}
}

// nextVersionLocked picks a fresh version ID. Promotions within the same
// millisecond bump the timestamp to keep IDs unique and ordered.
func (s *Store) nextVersionLocked() Version {
	ms := time.Now().UnixMilli()
	if s.current != nil {
		if lastMs := s.current.CreatedAt.UnixMilli(); ms <= lastMs {
			ms = lastMs + 1
		}
	}
	id := versionPrefix + strconv.FormatInt(ms, 10) + versionSuffix
	return Version{
		ID:        id,
		Path:      filepath.Join(s.dir, id),
		CreatedAt: time.UnixMilli(ms),
	}
}

func scanVersions(dir string) ([]Version, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Version
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		v, ok := parseVersionID(ent.Name())
		if !ok {
			continue
		}
		v.Path = filepath.Join(dir, v.ID)
		out = append(out, v)
	}
	// IDs embed UnixMilli, which sorts lexicographically in the same order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func parseVersionID(name string) (Version, bool) {
	if !strings.HasPrefix(name, versionPrefix) || !strings.HasSuffix(name, versionSuffix) {
		return Version{}, false
	}
	msPart := strings.TrimSuffix(strings.TrimPrefix(name, versionPrefix), versionSuffix)
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil || ms <= 0 {
		return Version{}, false
	}
	return Version{ID: name, CreatedAt: time.UnixMilli(ms)}, true
}
