// Package watcher refreshes the catalog when a CSV file lands in the
// inbox directory. Consumed files are removed; files that fail to parse
// stay in place for inspection.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/whichcard/whichcard/internal/refresh"
)

const defaultDebounce = 2 * time.Second

// Refresher is the slice of the refresh orchestrator the watcher uses.
type Refresher interface {
	Refresh(ctx context.Context, opts refresh.RunOptions) (refresh.Report, error)
}

type Options struct {
	Logger    *slog.Logger
	InboxDir  string
	Debounce  time.Duration
	Refresher Refresher
}

type Watcher struct {
	log       *slog.Logger
	inbox     string
	debounce  time.Duration
	refresher Refresher
	fsw       *fsnotify.Watcher
}

func New(opts Options) (*Watcher, error) {
	if opts.Refresher == nil {
		return nil, errors.New("watcher: missing refresher")
	}
	inbox := strings.TrimSpace(opts.InboxDir)
	if inbox == "" {
		return nil, errors.New("watcher: missing inbox dir")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	if err := os.MkdirAll(inbox, 0o700); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(inbox); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	return &Watcher{
		log:       logger,
		inbox:     inbox,
		debounce:  debounce,
		refresher: opts.Refresher,
		fsw:       fsw,
	}, nil
}

// Run blocks until ctx is done. Writes to the same file are coalesced so
// a slow upload triggers one refresh, not one per chunk.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("watching catalog inbox", "dir", w.inbox)

	var mu sync.Mutex
	pending := map[string]*time.Timer{}

	defer func() {
		mu.Lock()
		for _, t := range pending {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !isInboxCSV(ev.Name) {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			path := ev.Name
			mu.Lock()
			if t, exists := pending[path]; exists {
				t.Reset(w.debounce)
			} else {
				pending[path] = time.AfterFunc(w.debounce, func() {
					mu.Lock()
					delete(pending, path)
					mu.Unlock()
					w.consume(ctx, path)
				})
			}
			mu.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("inbox watch error", "error", err)
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) consume(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	w.log.Info("catalog file dropped in inbox", "file", filepath.Base(path))
	rep, err := w.refresher.Refresh(ctx, refresh.RunOptions{FromFile: path})
	if err != nil {
		if errors.Is(err, refresh.ErrRefreshInProgress) {
			w.log.Warn("refresh already running, leaving inbox file for retry", "file", filepath.Base(path))
			return
		}
		w.log.Error("inbox refresh failed, leaving file in place", "file", filepath.Base(path), "error", err)
		return
	}

	if err := os.Remove(path); err != nil {
		w.log.Warn("remove consumed inbox file failed", "file", filepath.Base(path), "error", err)
	}
	w.log.Info("inbox refresh complete",
		"file", filepath.Base(path),
		"version", rep.VersionID,
		"documents", rep.DocumentCount)
}

// isInboxCSV accepts visible .csv files; editors and uploaders often
// write hidden temp files first.
func isInboxCSV(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), ".csv")
}
