// Package worker runs the periodic background sync: every interval it scans
// the storage tree for configured users and runs one sync cycle per user,
// a bounded number in flight at once.
package worker

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/obsidianmcp/obsidian-sync-mcp/internal/gitcred"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/gitsync"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/syncconfig"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/userlock"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/vaultfs"
)

const defaultConcurrency = 4

// CycleRunner is the syncing engine the worker schedules; tests substitute a
// fake.
type CycleRunner interface {
	SyncCycle(ctx context.Context, userID string, cfg *syncconfig.Config, token string) (gitsync.Stats, error)
}

// Worker drives sync cycles for every configured user.
type Worker struct {
	fs      *vaultfs.FS
	configs *syncconfig.Store
	creds   *gitcred.Store
	syncer  CycleRunner
	locks   *userlock.Set

	interval    time.Duration
	concurrency int
}

func New(fs *vaultfs.FS, configs *syncconfig.Store, creds *gitcred.Store, syncer CycleRunner, locks *userlock.Set, interval time.Duration) *Worker {
	return &Worker{
		fs:          fs,
		configs:     configs,
		creds:       creds,
		syncer:      syncer,
		locks:       locks,
		interval:    interval,
		concurrency: defaultConcurrency,
	}
}

// Run loops until the context is canceled. The first pass starts immediately.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Dur("interval", w.interval).Msg("sync worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.RunOnce(ctx)
		select {
		case <-ctx.Done():
			log.Info().Msg("sync worker stopping")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce syncs every eligible user, at most concurrency in flight.
func (w *Worker) RunOnce(ctx context.Context) {
	users := w.eligibleUsers()
	if len(users) == 0 {
		return
	}

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for _, userID := range users {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(userID string) {
			defer func() { <-sem; wg.Done() }()
			w.syncUser(ctx, userID)
		}(userID)
	}
	wg.Wait()
}

// eligibleUsers scans the storage root for users whose sync is configured
// and not stopped by the circuit breaker.
func (w *Worker) eligibleUsers() []string {
	entries, err := os.ReadDir(w.fs.Root)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("root", w.fs.Root).Msg("scanning storage root failed")
		}
		return nil
	}

	var users []string
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		userID := entry.Name()
		cfg, ok := w.configs.Load(userID)
		if !ok || cfg.RepoURL == "" {
			continue
		}
		if cfg.State() == syncconfig.StateStopped {
			log.Debug().Str("user", userID).Msg("sync stopped for user, skipping")
			continue
		}
		users = append(users, userID)
	}
	return users
}

func (w *Worker) syncUser(ctx context.Context, userID string) {
	w.locks.Lock(userID)
	defer w.locks.Unlock(userID)

	cfg, ok := w.configs.Load(userID)
	if !ok || cfg.State() == syncconfig.StateStopped {
		return
	}

	token, _ := w.creds.Lookup(ctx, userID, cfg.RepoURL)

	start := time.Now()
	stats, err := w.syncer.SyncCycle(ctx, userID, cfg, token)
	if err != nil {
		stopped, markErr := w.configs.MarkFailure(userID, err.Error())
		if markErr != nil {
			log.Error().Err(markErr).Str("user", userID).Msg("recording sync failure failed")
		}
		log.Warn().Err(err).Str("user", userID).Bool("stopped", stopped).Msg("sync cycle failed")
		return
	}

	if err := w.configs.MarkSuccess(userID); err != nil {
		log.Error().Err(err).Str("user", userID).Msg("recording sync success failed")
	}
	log.Info().
		Str("user", userID).
		Int("indexed", stats.Indexed).
		Int("deleted", stats.Deleted).
		Int("failed", stats.Failed).
		Int("remaining", stats.Remaining).
		Dur("took", time.Since(start)).
		Msg("sync cycle complete")
}
