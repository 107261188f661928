// Package daemon wires the catalog pipeline, the user card store, and
// the HTTP API into one runnable process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/whichcard/whichcard/internal/bot"
	"github.com/whichcard/whichcard/internal/catalog"
	"github.com/whichcard/whichcard/internal/config"
	"github.com/whichcard/whichcard/internal/drive"
	"github.com/whichcard/whichcard/internal/embedding"
	"github.com/whichcard/whichcard/internal/knowledge"
	"github.com/whichcard/whichcard/internal/llm"
	"github.com/whichcard/whichcard/internal/lockfile"
	"github.com/whichcard/whichcard/internal/monitor"
	"github.com/whichcard/whichcard/internal/recommend"
	"github.com/whichcard/whichcard/internal/refresh"
	"github.com/whichcard/whichcard/internal/server"
	"github.com/whichcard/whichcard/internal/userstore"
	"github.com/whichcard/whichcard/internal/versionstore"
	"github.com/whichcard/whichcard/internal/watcher"
)

type Options struct {
	Config *config.Config

	// Logger overrides the config-derived stdout logger. The console
	// passes a file-backed logger so the TUI owns the terminal.
	Logger *slog.Logger

	Version   string
	Commit    string
	BuildTime string
}

// Daemon owns every subsystem of a running whichcard process. New
// acquires the data-directory lock, so at most one daemon serves a
// given data directory.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	version   string
	commit    string
	buildTime string

	lock   *lockfile.Lock
	store  *versionstore.Store
	index  *knowledge.Index
	engine *recommend.Engine
	orch   *refresh.Orchestrator
	users  *userstore.Store
	router *bot.Router
	srv    *server.Server
	watch  *watcher.Watcher
}

func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("missing config")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = newLogger(cfg.LogFormat, cfg.LogLevel)
		if err != nil {
			return nil, err
		}
	}

	dataDir := filepath.Clean(strings.TrimSpace(cfg.DataDir))
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}

	lock, err := lockfile.Acquire(filepath.Join(dataDir, "daemon.lock"))
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return nil, fmt.Errorf("data directory %s is in use by another process: %w", dataDir, err)
		}
		return nil, err
	}

	var users *userstore.Store
	ok := false
	defer func() {
		if ok {
			return
		}
		if users != nil {
			_ = users.Close()
		}
		_ = lock.Release()
	}()

	store, err := versionstore.Open(versionstore.Options{
		Logger:     logger,
		Dir:        filepath.Join(dataDir, "catalog"),
		MaxBackups: cfg.Catalog.MaxBackups,
		Seed:       catalog.Seed(),
	})
	if err != nil {
		return nil, err
	}

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	index, err := knowledge.NewIndex(knowledge.IndexOptions{
		Logger:      logger,
		Embedder:    embedder,
		SnapshotDir: filepath.Join(dataDir, "index"),
	})
	if err != nil {
		return nil, err
	}

	gen, err := newGenerator(cfg)
	if err != nil {
		return nil, err
	}
	engine := recommend.New(recommend.Options{
		Logger:            logger,
		Generator:         gen,
		GenerationTimeout: time.Duration(cfg.Generation.TimeoutSeconds) * time.Second,
	})

	fetcher, err := newFetcher(logger, cfg)
	if err != nil {
		return nil, err
	}

	orch, err := refresh.New(refresh.Options{
		Logger:  logger,
		Fetcher: fetcher,
		Store:   store,
		Index:   index,
		Engine:  engine,
	})
	if err != nil {
		return nil, err
	}

	users, err = userstore.Open(filepath.Join(dataDir, "users.db"))
	if err != nil {
		return nil, err
	}

	router, err := bot.New(bot.Options{
		Logger: logger,
		Engine: engine,
		Users:  users,
	})
	if err != nil {
		return nil, err
	}

	srv, err := server.New(server.Options{
		Logger:         logger,
		Listen:         cfg.Listen,
		AllowedOrigins: cfg.AllowedOrigins,
		AdminKey:       os.Getenv(cfg.AdminKeyEnv),
		Engine:         engine,
		Users:          users,
		Bot:            router,
		Refresher:      orch,
		Monitor:        monitor.NewService(logger),
		Version:        opts.Version,
	})
	if err != nil {
		return nil, err
	}

	var watch *watcher.Watcher
	if cfg.Watcher.Enabled {
		watch, err = watcher.New(watcher.Options{
			Logger:    logger,
			InboxDir:  cfg.Watcher.InboxDir,
			Debounce:  time.Duration(cfg.Watcher.DebounceMS) * time.Millisecond,
			Refresher: orch,
		})
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return &Daemon{
		cfg:       cfg,
		log:       logger,
		version:   strings.TrimSpace(opts.Version),
		commit:    strings.TrimSpace(opts.Commit),
		buildTime: strings.TrimSpace(opts.BuildTime),
		lock:      lock,
		store:     store,
		index:     index,
		engine:    engine,
		orch:      orch,
		users:     users,
		router:    router,
		srv:       srv,
		watch:     watch,
	}, nil
}

// Run serves until ctx is canceled. A failed bootstrap is not fatal:
// the daemon starts unready and recovers on the next good refresh.
func (d *Daemon) Run(ctx context.Context) error {
	if d == nil {
		return errors.New("nil daemon")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() { _ = d.Close() }()

	d.log.Info("whichcard starting",
		"version", d.version,
		"commit", d.commit,
		"build_time", d.buildTime,
		"data_dir", d.cfg.DataDir,
		"listen", d.cfg.Listen,
		"embedding_provider", d.cfg.Embedding.Provider,
		"generation_provider", d.cfg.Generation.Provider,
		"watcher_enabled", d.cfg.Watcher.Enabled,
		"goos", runtime.GOOS,
		"goarch", runtime.GOARCH,
	)

	if err := d.orch.Bootstrap(ctx); err != nil {
		d.log.Warn("bootstrap failed, serving unready until a refresh succeeds", "error", err)
	}

	if err := d.srv.Start(ctx); err != nil {
		return err
	}

	if d.watch != nil {
		go func() {
			if err := d.watch.Run(ctx); err != nil && ctx.Err() == nil {
				d.log.Error("inbox watcher stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	d.log.Info("whichcard stopping")
	return ctx.Err()
}

// RefreshOnce runs a single catalog refresh outside the serving loop,
// for the refresh subcommand and the console.
func (d *Daemon) RefreshOnce(ctx context.Context, opts refresh.RunOptions) (refresh.Report, error) {
	if d == nil {
		return refresh.Report{}, errors.New("nil daemon")
	}
	return d.orch.Refresh(ctx, opts)
}

// Bootstrap restores or rebuilds the index from the on-disk catalog
// without fetching.
func (d *Daemon) Bootstrap(ctx context.Context) error {
	if d == nil {
		return errors.New("nil daemon")
	}
	return d.orch.Bootstrap(ctx)
}

// Status reports the served catalog state.
func (d *Daemon) Status() refresh.Status {
	if d == nil {
		return refresh.Status{}
	}
	return d.orch.Status()
}

// Bot returns the chat command router.
func (d *Daemon) Bot() *bot.Router {
	if d == nil {
		return nil
	}
	return d.router
}

// Close releases every resource New acquired. Safe to call more than
// once.
func (d *Daemon) Close() error {
	if d == nil {
		return nil
	}
	if d.watch != nil {
		_ = d.watch.Close()
		d.watch = nil
	}
	if d.srv != nil {
		_ = d.srv.Close()
	}
	if d.users != nil {
		_ = d.users.Close()
		d.users = nil
	}
	if d.lock != nil {
		_ = d.lock.Release()
		d.lock = nil
	}
	return nil
}

func newEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	switch cfg.Embedding.Provider {
	case "", "local":
		return embedding.NewLocal(cfg.Embedding.Dimensions), nil
	case "openai":
		key := strings.TrimSpace(os.Getenv(cfg.Embedding.APIKeyEnv))
		if key == "" {
			return nil, fmt.Errorf("embedding provider openai: %s is not set", cfg.Embedding.APIKeyEnv)
		}
		return embedding.NewOpenAI(embedding.OpenAIOptions{
			APIKey:     key,
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
}

func newGenerator(cfg *config.Config) (llm.Generator, error) {
	switch cfg.Generation.Provider {
	case "", "none":
		return nil, nil
	case "openai":
		key := strings.TrimSpace(os.Getenv(cfg.Generation.APIKeyEnv))
		if key == "" {
			return nil, fmt.Errorf("generation provider openai: %s is not set", cfg.Generation.APIKeyEnv)
		}
		return llm.NewOpenAI(llm.OpenAIOptions{
			APIKey:  key,
			BaseURL: cfg.Generation.BaseURL,
			Model:   cfg.Generation.Model,
		})
	case "anthropic":
		key := strings.TrimSpace(os.Getenv(cfg.Generation.APIKeyEnv))
		if key == "" {
			return nil, fmt.Errorf("generation provider anthropic: %s is not set", cfg.Generation.APIKeyEnv)
		}
		return llm.NewAnthropic(llm.AnthropicOptions{
			APIKey:  key,
			BaseURL: cfg.Generation.BaseURL,
			Model:   cfg.Generation.Model,
		})
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Generation.Provider)
	}
}

func newFetcher(logger *slog.Logger, cfg *config.Config) (refresh.Fetcher, error) {
	if strings.TrimSpace(cfg.Catalog.RemoteURL) == "" && strings.TrimSpace(cfg.Catalog.FileID) == "" {
		return nil, nil
	}
	return drive.NewClient(drive.Options{
		Logger: logger,
		URL:    cfg.Catalog.RemoteURL,
		FileID: cfg.Catalog.FileID,
	})
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
