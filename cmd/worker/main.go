package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/obsidianmcp/obsidian-sync-mcp/internal/config"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/gitcred"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/gitsync"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/hashdb"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/ragapi"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/syncconfig"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/userlock"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/vaultfs"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/worker"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "obsidian-sync-worker").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	cfg := config.FromEnv()

	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		log.Fatal().Err(err).Str("root", cfg.StorageRoot).Msg("failed to create storage root")
	}

	fs := vaultfs.New(cfg.StorageRoot)
	creds := gitcred.NewStore(fs, nil)
	hashes := hashdb.New(fs)
	configs := syncconfig.NewStore(fs, creds)
	rag := ragapi.NewClient(cfg.RAGAPIURL, cfg.RAGAPIJWTSecret)

	syncer := gitsync.New(fs, hashes, rag, gitcred.ExecRunner{}, gitsync.Options{
		MaxFilesPerCycle: cfg.MaxFilesPerCycle,
		IndexDelay:       cfg.IndexDelay,
	})

	w := worker.New(fs, configs, creds, syncer, userlock.NewSet(cfg.StorageRoot), cfg.SyncInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Dur("interval", cfg.SyncInterval).
		Int("max_files_per_cycle", cfg.MaxFilesPerCycle).
		Msg("starting sync worker")

	w.Run(ctx)

	log.Info().Msg("worker stopped")
}
