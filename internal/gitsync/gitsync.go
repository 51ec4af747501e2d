// Package gitsync keeps each user's vault checkout in step with its Git
// remote and the RAG index: pull, diff against the hash index, re-embed what
// changed, then commit and push anything written locally.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/rs/zerolog/log"

	"github.com/obsidianmcp/obsidian-sync-mcp/internal/gitcred"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/hashdb"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/ragapi"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/syncconfig"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/vaultfs"
)

const (
	commitAuthor = "Obsidian Sync"
	commitEmail  = "sync@librechat.local"

	pullRetries   = 3
	pullBackoff   = time.Second
	maxNoteLength = 10 << 20 // refuse to embed files above 10 MiB
)

// Options tune the indexing throttle.
type Options struct {
	// MaxFilesPerCycle caps how many changed files one cycle embeds. The
	// rest wait for the next cycle.
	MaxFilesPerCycle int

	// IndexDelay is the pause between consecutive embed calls.
	IndexDelay time.Duration
}

// Stats summarizes one sync cycle.
type Stats struct {
	Indexed   int // files embedded this cycle
	Deleted   int // stale index records removed
	Failed    int // files whose embed failed (retried next cycle)
	Remaining int // changed files deferred by the throttle
	Pushed    bool
}

// Syncer drives vault synchronization for all users. Methods take the user
// and config explicitly; the Syncer itself holds no per-user state.
type Syncer struct {
	fs     *vaultfs.FS
	hashes *hashdb.DB
	rag    ragapi.Indexer
	run    gitcred.Runner
	opts   Options

	sleep func(time.Duration)
	now   func() time.Time
}

func New(fs *vaultfs.FS, hashes *hashdb.DB, rag ragapi.Indexer, run gitcred.Runner, opts Options) *Syncer {
	if opts.MaxFilesPerCycle <= 0 {
		opts.MaxFilesPerCycle = 10
	}
	if run == nil {
		run = gitcred.ExecRunner{}
	}
	return &Syncer{
		fs:     fs,
		hashes: hashes,
		rag:    rag,
		run:    run,
		opts:   opts,
		sleep:  time.Sleep,
		now:    time.Now,
	}
}

// auth builds the transport auth for a PAT. Git over HTTP accepts the token
// as the username with an empty password.
func auth(token string) *githttp.BasicAuth {
	if token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: token}
}

// EnsureRepo makes sure the user's vault is a checkout of the configured
// remote: clone on first contact, otherwise repoint origin if the URL
// changed. An empty remote is initialized locally so first commits can push.
func (s *Syncer) EnsureRepo(ctx context.Context, userID string, cfg *syncconfig.Config, token string) (*git.Repository, error) {
	vault, err := s.fs.VaultRoot(userID)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(filepath.Join(vault, ".git")); err == nil {
		repo, err := git.PlainOpen(vault)
		if err != nil {
			return nil, fmt.Errorf("opening vault repo: %w", err)
		}
		if err := s.ensureRemote(repo, cfg.RepoURL); err != nil {
			return nil, err
		}
		return repo, nil
	}

	log.Info().Str("user", userID).Str("repo", cfg.RepoURL).Msg("cloning vault")
	repo, err := git.PlainCloneContext(ctx, vault, false, &git.CloneOptions{
		URL:           cfg.RepoURL,
		Auth:          auth(token),
		ReferenceName: plumbing.NewBranchReferenceName(cfg.Branch),
		SingleBranch:  true,
	})
	if err == nil {
		return repo, nil
	}
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		repo, initErr := git.PlainInit(vault, false)
		if initErr != nil {
			return nil, fmt.Errorf("initializing empty vault repo: %w", initErr)
		}
		if err := s.ensureRemote(repo, cfg.RepoURL); err != nil {
			return nil, err
		}
		return repo, nil
	}
	return nil, fmt.Errorf("cloning %s: %w", cfg.RepoURL, err)
}

func (s *Syncer) ensureRemote(repo *git.Repository, wantURL string) error {
	remote, err := repo.Remote(git.DefaultRemoteName)
	if err == nil {
		urls := remote.Config().URLs
		if len(urls) > 0 && gitcred.CleanRemoteURL(urls[0]) == wantURL {
			return nil
		}
		if err := repo.DeleteRemote(git.DefaultRemoteName); err != nil {
			return fmt.Errorf("replacing origin: %w", err)
		}
	}
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{wantURL},
	})
	if err != nil {
		return fmt.Errorf("setting origin to %s: %w", wantURL, err)
	}
	return nil
}

// Pull fast-forwards the checkout, retrying transient failures.
func (s *Syncer) Pull(ctx context.Context, repo *git.Repository, cfg *syncconfig.Config, token string) error {
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}

	op := func() error {
		err := wt.PullContext(ctx, &git.PullOptions{
			RemoteName:    git.DefaultRemoteName,
			ReferenceName: plumbing.NewBranchReferenceName(cfg.Branch),
			Auth:          auth(token),
			SingleBranch:  true,
		})
		switch {
		case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
			return nil
		case errors.Is(err, plumbing.ErrReferenceNotFound), errors.Is(err, transport.ErrEmptyRemoteRepository):
			// Nothing upstream yet; the first push will create the branch.
			return nil
		default:
			return err
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pullBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, pullRetries), ctx)); err != nil {
		return fmt.Errorf("pulling %s: %w", cfg.RepoURL, err)
	}
	return nil
}

// CommitPush commits pending worktree changes under message and pushes.
// Without paths every change is staged (the worker's bulk commit); with
// paths only the named vault-relative files are staged, so a per-file commit
// never sweeps in unrelated edits. A clean worktree commits nothing but
// still attempts the push, so earlier unpushed commits get through.
func (s *Syncer) CommitPush(ctx context.Context, userID string, cfg *syncconfig.Config, token, message string, paths ...string) error {
	repo, err := s.EnsureRepo(ctx, userID, cfg, token)
	if err != nil {
		return err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	status, err := wt.Status()
	if err != nil {
		return err
	}

	if dirty(status, paths) {
		if len(paths) == 0 {
			if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
				return fmt.Errorf("staging changes: %w", err)
			}
		} else {
			for _, rel := range paths {
				// Add also stages a deletion when the file is gone.
				if _, err := wt.Add(filepath.ToSlash(rel)); err != nil {
					return fmt.Errorf("staging %s: %w", rel, err)
				}
			}
		}
		_, err = wt.Commit(message, &git.CommitOptions{
			Author: &object.Signature{Name: commitAuthor, Email: commitEmail, When: s.now()},
		})
		if err != nil {
			return fmt.Errorf("committing: %w", err)
		}
	}

	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: git.DefaultRemoteName,
		Auth:       auth(token),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing: %w", err)
	}
	return nil
}

// dirty reports whether anything that would be staged has changes. The raw
// status map is consulted for named paths; Status.File fabricates an
// Untracked entry for paths absent from the map.
func dirty(status git.Status, paths []string) bool {
	if len(paths) == 0 {
		return !status.IsClean()
	}
	for _, rel := range paths {
		st, ok := status[filepath.ToSlash(rel)]
		if ok && (st.Worktree != git.Unmodified || st.Staging != git.Unmodified) {
			return true
		}
	}
	return false
}

// SyncCycle runs one full cycle for a user: pull, prune stale index records,
// embed changed files newest-first under the throttle, then commit and push
// local changes. Git-level failures abort the cycle; per-file embed failures
// are counted and retried next cycle.
func (s *Syncer) SyncCycle(ctx context.Context, userID string, cfg *syncconfig.Config, token string) (Stats, error) {
	var stats Stats

	repo, err := s.EnsureRepo(ctx, userID, cfg, token)
	if err != nil {
		return stats, err
	}
	if err := s.Pull(ctx, repo, cfg, token); err != nil {
		return stats, err
	}

	hashes := s.hashes.Load(userID)
	candidates, err := s.discover(ctx, userID)
	if err != nil {
		return stats, err
	}

	stats.Deleted = s.pruneStale(ctx, userID, hashes, candidates)

	changed := s.changedFiles(userID, hashes, candidates)
	if len(changed) > s.opts.MaxFilesPerCycle {
		stats.Remaining = len(changed) - s.opts.MaxFilesPerCycle
		changed = changed[:s.opts.MaxFilesPerCycle]
		log.Info().Str("user", userID).Int("deferred", stats.Remaining).Msg("throttling index backlog")
	}

	for i, rel := range changed {
		if i > 0 && s.opts.IndexDelay > 0 {
			s.sleep(s.opts.IndexDelay)
		}
		if err := s.indexFile(ctx, userID, rel, hashes); err != nil {
			stats.Failed++
			log.Warn().Err(err).Str("user", userID).Str("file", rel).Msg("indexing failed")
			continue
		}
		stats.Indexed++
	}

	if err := s.hashes.Save(userID, hashes); err != nil {
		return stats, err
	}

	message := "Sync from LibreChat: " + s.now().UTC().Format(time.RFC3339)
	if err := s.CommitPush(ctx, userID, cfg, token, message); err != nil {
		return stats, err
	}
	stats.Pushed = true
	return stats, nil
}

// discover lists every indexable markdown file, vault-relative. git ls-files
// sees both tracked and untracked files and honors .gitignore; the
// filesystem walk is the fallback when git is unavailable.
func (s *Syncer) discover(ctx context.Context, userID string) ([]string, error) {
	vault := s.fs.VaultPath(userID)
	out, err := s.run.Run(ctx, "", "-C", vault, "ls-files", "-z", "-c", "-o", "--exclude-standard", "--", "*.md")
	if err != nil {
		log.Debug().Err(err).Str("user", userID).Msg("git ls-files failed, walking filesystem")
		return s.fs.WalkMarkdown(userID)
	}

	var rels []string
	for _, rel := range strings.Split(out, "\x00") {
		rel = strings.TrimSpace(rel)
		if rel == "" || vaultfs.IndexExcluded(rel) {
			continue
		}
		if _, err := os.Stat(filepath.Join(vault, filepath.FromSlash(rel))); err != nil {
			continue
		}
		rels = append(rels, rel)
	}
	return rels, nil
}

// pruneStale removes index records for files that vanished or became
// excluded, both from the RAG service and the hash index. Returns how many
// records were pruned.
func (s *Syncer) pruneStale(ctx context.Context, userID string, hashes map[string]string, candidates []string) int {
	vault := s.fs.VaultPath(userID)
	current := make(map[string]struct{}, len(candidates))
	for _, rel := range candidates {
		current[filepath.Join(vault, filepath.FromSlash(rel))] = struct{}{}
	}

	pruned := 0
	for abs := range hashes {
		rel, err := s.fs.Rel(userID, abs)
		if err != nil {
			// Key from a relocated storage root; no index record to clear.
			delete(hashes, abs)
			pruned++
			continue
		}
		if _, ok := current[abs]; ok && !vaultfs.IndexExcluded(rel) {
			continue
		}
		if err := s.rag.Delete(ctx, userID, ragapi.FileID(userID, rel)); err != nil {
			log.Warn().Err(err).Str("user", userID).Str("file", rel).Msg("removing stale index record failed")
			continue
		}
		delete(hashes, abs)
		pruned++
	}
	return pruned
}

// changedFiles filters candidates down to those whose content hash moved,
// newest modification first so recent edits index ahead of the backlog.
func (s *Syncer) changedFiles(userID string, hashes map[string]string, candidates []string) []string {
	vault := s.fs.VaultPath(userID)

	type change struct {
		rel   string
		mtime time.Time
	}
	var changes []change
	for _, rel := range candidates {
		abs := filepath.Join(vault, filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		if err != nil || info.Size() > maxNoteLength {
			continue
		}
		content, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		if hashes[abs] == hashdb.Hash(content) {
			continue
		}
		changes = append(changes, change{rel: rel, mtime: info.ModTime()})
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].mtime.After(changes[j].mtime) })

	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.rel
	}
	return out
}

// indexFile re-embeds one file.
func (s *Syncer) indexFile(ctx context.Context, userID, rel string, hashes map[string]string) error {
	abs, err := s.fs.Resolve(userID, rel)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return err
	}

	fileID := ragapi.FileID(userID, rel)
	// Clear previous chunks so the index never holds both versions. A miss
	// or transient failure here must not block the fresh embed.
	if err := s.rag.Delete(ctx, userID, fileID); err != nil {
		log.Warn().Err(err).Str("user", userID).Str("file", rel).Msg("clearing previous chunks failed")
	}

	err = s.rag.Embed(ctx, ragapi.EmbedRequest{
		UserID:      userID,
		FileID:      fileID,
		FileName:    filepath.Base(rel),
		ContentType: "text/markdown",
		Content:     content,
		Metadata: map[string]any{
			"user_id":    userID,
			"filename":   ragapi.MetadataFilename(rel),
			"updated_at": s.now().UTC().Format(time.RFC3339),
			"source":     "obsidian-git-sync",
		},
	})
	if err != nil {
		return err
	}

	hashes[abs] = hashdb.Hash(content)
	return nil
}

// Progress reports how far indexing has gotten: indexed counts current
// markdown files whose content hash matches the index, total counts all
// indexable markdown files.
func (s *Syncer) Progress(userID string) (indexed, total int) {
	rels, err := s.fs.WalkMarkdown(userID)
	if err != nil {
		return 0, 0
	}
	hashes := s.hashes.Load(userID)
	vault := s.fs.VaultPath(userID)

	for _, rel := range rels {
		total++
		abs := filepath.Join(vault, filepath.FromSlash(rel))
		h, ok := hashes[abs]
		if !ok {
			continue
		}
		content, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		if h == hashdb.Hash(content) {
			indexed++
		}
	}
	return indexed, total
}
