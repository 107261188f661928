package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/whichcard/whichcard/internal/config"
	"github.com/whichcard/whichcard/internal/daemon"
	"github.com/whichcard/whichcard/internal/refresh"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	// A .env in the working directory is a dev convenience; absence is fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "refresh":
		refreshCmd(os.Args[2:])
	case "version":
		fmt.Printf("whichcard-server %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `whichcard-server

Usage:
  whichcard-server init [flags]
  whichcard-server run [flags]
  whichcard-server refresh [flags]
  whichcard-server version

Commands:
  init      Write a default config file.
  run       Run the daemon using the local config file.
  refresh   Fetch the catalog, rebuild the index once, then exit.
  version   Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	dataDir := fs.String("data-dir", "", "Data directory (default: ~/.whichcard/data)")
	force := fs.Bool("force", false, "Overwrite an existing config file")
	_ = fs.Parse(args)

	path := filepath.Clean(*cfgPath)
	if !*force {
		if _, err := os.Stat(path); err == nil {
			fmt.Fprintf(os.Stderr, "config already exists: %s (use -force to overwrite)\n", path)
			os.Exit(1)
		}
	}

	cfg := &config.Config{DataDir: strings.TrimSpace(*dataDir)}
	cfg.ApplyDefaults()
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config written: %s\n", path)
	fmt.Printf("Data directory: %s\n", cfg.DataDir)
	fmt.Printf("Admin key env:  %s (unset: admin endpoints disabled)\n", cfg.AdminKeyEnv)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v (run `whichcard-server init` first)\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(daemon.Options{
		Config:    cfg,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init daemon: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "daemon exited with error: %v\n", err)
		os.Exit(1)
	}
}

func refreshCmd(args []string) {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	skipFetch := fs.Bool("skip-fetch", false, "Rebuild from the on-disk catalog without fetching")
	fromFile := fs.String("file", "", "Promote a local CSV file instead of fetching")
	timeout := fs.Duration("timeout", 5*time.Minute, "Refresh timeout")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v (run `whichcard-server init` first)\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(daemon.Options{
		Config:    cfg,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init: %v\n(if the daemon is running, use POST /admin/refresh instead)\n", err)
		os.Exit(1)
	}
	defer func() { _ = d.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rep, err := d.RefreshOnce(ctx, refresh.RunOptions{
		SkipFetch: *skipFetch,
		FromFile:  strings.TrimSpace(*fromFile),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "refresh failed: %v\n", err)
		os.Exit(1)
	}

	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to render report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}
