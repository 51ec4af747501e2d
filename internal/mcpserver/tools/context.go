package tools

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/obsidianmcp/obsidian-sync-mcp/internal/gitcred"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/hashdb"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/ragapi"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/search"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/syncconfig"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/userlock"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/vaultfs"
)

// GitPusher is the per-file commit/push slice of the sync engine used by
// write tools.
type GitPusher interface {
	CommitPush(ctx context.Context, userID string, cfg *syncconfig.Config, token, message string, paths ...string) error
	Progress(userID string) (indexed, total int)
}

// FileSearcher answers semantic queries; tests substitute a fake.
type FileSearcher interface {
	Search(ctx context.Context, userID, query string, k int) ([]search.Result, error)
}

// Deps bundles the services tool handlers operate on. One instance is shared
// by all requests; everything in it is safe for concurrent use.
type Deps struct {
	FS       *vaultfs.FS
	RAG      ragapi.Indexer
	Searcher FileSearcher
	Configs  *syncconfig.Store
	Creds    *gitcred.Store
	Hashes   *hashdb.DB
	Git      GitPusher
	Locks    *userlock.Set

	// Worker pacing, used by the status tool for the ETA estimate.
	MaxFilesPerCycle int
	SyncInterval     time.Duration

	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// ToolContext provides per-request state to tool handlers.
type ToolContext struct {
	Logger    *zerolog.Logger
	UserID    string
	SessionID string
	Deps      *Deps
}

// NewToolContext creates the context for one tool call.
func NewToolContext(logger *zerolog.Logger, userID, sessionID string, deps *Deps) *ToolContext {
	return &ToolContext{
		Logger:    logger,
		UserID:    userID,
		SessionID: sessionID,
		Deps:      deps,
	}
}

// requireUser guards every handler: tools are meaningless without an
// authenticated user.
func (tc *ToolContext) requireUser() error {
	if tc.UserID == "" {
		return NewToolError(ErrCodeUnauthenticated, "Unauthenticated: no user bound to this request", nil)
	}
	return nil
}
