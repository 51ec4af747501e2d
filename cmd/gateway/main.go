package main

import (
	"context"
	"fmt"
	"net/http"
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
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/httpapi"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/mcpserver/server"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/mcpserver/tools"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/oauth"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/ragapi"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/search"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/syncconfig"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/userlock"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/userstore"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/vaultfs"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/vectordb"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// noSearch answers search requests when no vector database is configured.
type noSearch struct{}

func (noSearch) Search(context.Context, string, string, int) ([]search.Result, error) {
	return nil, fmt.Errorf("vector database not configured")
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "obsidian-sync-mcp").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()
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

	// Vector search is optional: the gateway serves file tools without it.
	var searcher tools.FileSearcher = noSearch{}
	if cfg.VectorDB.Configured() {
		pool, err := vectordb.Open(ctx, cfg.VectorDB.URL())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to vector db")
		}
		defer pool.Close()
		searcher = search.New(rag, vectordb.NewStore(pool), fs)
	} else {
		log.Warn().Msg("VECTORDB_HOST not set; search_files will be unavailable")
	}

	deps := &tools.Deps{
		FS:               fs,
		RAG:              rag,
		Searcher:         searcher,
		Configs:          configs,
		Creds:            creds,
		Hashes:           hashes,
		Git:              syncer,
		Locks:            userlock.NewSet(cfg.StorageRoot),
		MaxFilesPerCycle: cfg.MaxFilesPerCycle,
		SyncInterval:     cfg.SyncInterval,
	}

	users := userstore.New()

	srv := &httpapi.Server{
		OAuth: oauth.NewHandler(users),
		MCP:   server.NewMCPServer(users, deps),
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
