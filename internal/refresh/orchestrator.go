// Package refresh rebuilds the whole knowledge base from the catalog and
// swaps it into the serving engine. Runs are single-flight: a second
// caller is rejected immediately rather than queued, and a failed run
// leaves the previously served index fully intact.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/whichcard/whichcard/internal/catalog"
	"github.com/whichcard/whichcard/internal/knowledge"
	"github.com/whichcard/whichcard/internal/recommend"
	"github.com/whichcard/whichcard/internal/versionstore"
)

// ErrRefreshInProgress rejects a refresh that would overlap a running one.
var ErrRefreshInProgress = errors.New("refresh: already in progress")

// Fetcher pulls the newest catalog from the remote source.
type Fetcher interface {
	FetchLatest(ctx context.Context) ([]byte, error)
}

type Options struct {
	Logger *slog.Logger

	// Fetcher is optional; without one, refreshes rebuild from the on-disk
	// catalog only.
	Fetcher Fetcher

	Store  *versionstore.Store
	Index  *knowledge.Index
	Engine *recommend.Engine
}

// RunOptions tune a single refresh run.
type RunOptions struct {
	// SkipFetch rebuilds from the current on-disk catalog without touching
	// the remote source.
	SkipFetch bool

	// FromFile promotes the named local file as the new catalog instead of
	// fetching. Used by the data-directory watcher.
	FromFile string
}

// Report describes one completed refresh.
type Report struct {
	ReportID         string        `json:"report_id"`
	VersionID        string        `json:"version_id"`
	DocumentCount    int           `json:"document_count"`
	ExpiredCardCount int           `json:"expired_card_count"`
	BackupCount      int           `json:"backup_count"`
	FetchSkipped     bool          `json:"fetch_skipped,omitempty"`
	FetchNote        string        `json:"fetch_note,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Status is the read-only health view. It always reflects the version
// being served: a failed refresh leaves it unchanged.
type Status struct {
	Ready            bool      `json:"ready"`
	DocumentCount    int       `json:"document_count"`
	ExpiredCardCount int       `json:"expired_card_count"`
	CurrentVersionID string    `json:"current_version_id,omitempty"`
	LastRefresh      time.Time `json:"last_refresh"`
}

type Orchestrator struct {
	log     *slog.Logger
	fetcher Fetcher
	store   *versionstore.Store
	index   *knowledge.Index
	engine  *recommend.Engine

	mu          sync.Mutex // held for the whole of one refresh run
	lastRefresh atomic.Pointer[time.Time]
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Index == nil || opts.Engine == nil {
		return nil, errors.New("refresh: missing store, index or engine")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Orchestrator{
		log:     logger,
		fetcher: opts.Fetcher,
		store:   opts.Store,
		index:   opts.Index,
		engine:  opts.Engine,
	}, nil
}

// Refresh runs the full pipeline: fetch (optional, non-fatal), promote,
// parse, build, swap. Safe to call repeatedly; concurrent calls get
// ErrRefreshInProgress. Queries keep running against the old index for
// the whole duration.
func (o *Orchestrator) Refresh(ctx context.Context, opts RunOptions) (Report, error) {
	if !o.mu.TryLock() {
		return Report{}, ErrRefreshInProgress
	}
	defer o.mu.Unlock()

	start := time.Now()
	rep := Report{ReportID: uuid.NewString()}

	switch {
	case opts.FromFile != "":
		content, err := os.ReadFile(opts.FromFile)
		if err != nil {
			return rep, fmt.Errorf("read local catalog: %w", err)
		}
		if _, err := o.store.Promote(content); err != nil {
			return rep, err
		}
	case opts.SkipFetch || o.fetcher == nil:
		rep.FetchSkipped = true
	default:
		content, err := o.fetcher.FetchLatest(ctx)
		if err != nil {
			// The remote source being down must not take the service down:
			// rebuild from the on-disk catalog and surface the failure.
			rep.FetchNote = err.Error()
			o.log.Warn("remote catalog fetch failed, using on-disk catalog", "error", err)
		} else if _, err := o.store.Promote(content); err != nil {
			return rep, err
		}
	}

	version, count, expired, err := o.buildAndSwap(ctx)
	if err != nil {
		return rep, err
	}

	now := time.Now().UTC()
	o.lastRefresh.Store(&now)

	rep.VersionID = version
	rep.DocumentCount = count
	rep.ExpiredCardCount = expired
	rep.BackupCount = o.store.BackupCount()
	rep.Duration = time.Since(start)

	o.log.Info("refresh complete",
		"report_id", rep.ReportID,
		"version", rep.VersionID,
		"documents", rep.DocumentCount,
		"expired_cards", rep.ExpiredCardCount,
		"backups", rep.BackupCount,
		"fetch_skipped", rep.FetchSkipped,
		"duration", rep.Duration.Round(time.Millisecond))
	return rep, nil
}

// Bootstrap brings the engine up at process start: reuse the newest index
// snapshot if it matches the current catalog version, otherwise build
// once from disk. No remote fetch. An empty data directory is not an
// error; the service starts unready.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	if !o.mu.TryLock() {
		return ErrRefreshInProgress
	}
	defer o.mu.Unlock()

	version, err := o.store.Current()
	if err != nil {
		if errors.Is(err, versionstore.ErrNoCatalog) {
			o.log.Warn("no catalog on disk, starting unready")
			return nil
		}
		return err
	}

	if h, err := o.index.LoadLatest(); err == nil {
		if h.Version() == version.ID {
			o.engine.Swap(h)
			now := time.Now().UTC()
			o.lastRefresh.Store(&now)
			o.log.Info("index restored from snapshot", "version", version.ID, "documents", h.Len())
			return nil
		}
		o.log.Info("index snapshot is for another catalog version, rebuilding",
			"snapshot_version", h.Version(), "catalog_version", version.ID)
	} else if !errors.Is(err, knowledge.ErrNoSnapshot) {
		o.log.Warn("index snapshot unusable, rebuilding", "error", err)
	}

	if _, _, _, err := o.buildAndSwap(ctx); err != nil {
		return err
	}
	now := time.Now().UTC()
	o.lastRefresh.Store(&now)
	return nil
}

// Status reports on the version currently being served.
func (o *Orchestrator) Status() Status {
	st := Status{
		Ready:            o.engine.Ready(),
		DocumentCount:    o.engine.DocumentCount(),
		ExpiredCardCount: o.engine.ExpiredCardCount(),
		CurrentVersionID: o.engine.ActiveVersion(),
	}
	if ts := o.lastRefresh.Load(); ts != nil {
		st.LastRefresh = *ts
	}
	return st
}

// buildAndSwap runs read -> parse -> build -> swap against the current
// on-disk catalog. Any error leaves the engine untouched.
func (o *Orchestrator) buildAndSwap(ctx context.Context) (versionID string, count, expired int, err error) {
	version, raw, err := o.store.ReadCurrent()
	if err != nil {
		return "", 0, 0, err
	}
	records, err := catalog.Parse(raw)
	if err != nil {
		return "", 0, 0, fmt.Errorf("catalog %s: %w", version.ID, err)
	}
	docs := catalog.BuildDocuments(records)
	handle, err := o.index.Build(ctx, version.ID, docs)
	if err != nil {
		return "", 0, 0, err
	}
	o.engine.Swap(handle)

	now := time.Now()
	for _, d := range docs {
		if d.Meta.Expired(now) {
			expired++
		}
	}
	return version.ID, handle.Len(), expired, nil
}
