package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"github.com/whichcard/whichcard/internal/config"
	"github.com/whichcard/whichcard/internal/console"
	"github.com/whichcard/whichcard/internal/daemon"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	// A .env in the working directory is a dev convenience; absence is fine.
	_ = godotenv.Load()

	fs := flag.NewFlagSet("whichcard", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	user := fs.String("user", "console", "Card collection to operate on")
	showVersion := fs.Bool("version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("whichcard %s\n", Version)
		return
	}

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		// The console works without a config file.
		cfg = config.Default()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare data directory: %v\n", err)
		os.Exit(1)
	}

	// The TUI owns the terminal, so logs go to a file in the data dir.
	var logW io.Writer = io.Discard
	logFile, err := os.OpenFile(filepath.Join(cfg.DataDir, "console.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err == nil {
		defer logFile.Close()
		logW = logFile
	}
	logger := slog.New(slog.NewTextHandler(logW, &slog.HandlerOptions{Level: slog.LevelInfo}))

	d, err := daemon.New(daemon.Options{
		Config:  cfg,
		Logger:  logger,
		Version: Version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = d.Close() }()

	fmt.Println("Preparing the card catalog...")
	if err := d.Bootstrap(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v (starting unready, run /refresh)\n", err)
	}

	m := console.New(console.Options{
		Chat:      d.Bot(),
		Refresher: d,
		UserID:    *user,
	})
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "console error: %v\n", err)
		os.Exit(1)
	}
}
