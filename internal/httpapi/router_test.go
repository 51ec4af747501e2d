package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/obsidianmcp/obsidian-sync-mcp/internal/gitcred"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/hashdb"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/mcpserver/server"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/mcpserver/tools"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/oauth"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/ragapi"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/search"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/syncconfig"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/userlock"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/userstore"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/vaultfs"
)

type nopIndexer struct{}

func (nopIndexer) Embed(context.Context, ragapi.EmbedRequest) error { return nil }
func (nopIndexer) Delete(context.Context, string, string) error     { return nil }

type nopSearcher struct{}

func (nopSearcher) Search(context.Context, string, string, int) ([]search.Result, error) {
	return nil, nil
}

type nopGit struct{}

func (nopGit) CommitPush(context.Context, string, *syncconfig.Config, string, string, ...string) error {
	return nil
}
func (nopGit) Progress(string) (int, int) { return 0, 0 }

type nopRunner struct{}

func (nopRunner) Run(context.Context, string, ...string) (string, error) { return "", nil }

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	fs := vaultfs.New(t.TempDir())
	creds := gitcred.NewStore(fs, nopRunner{})
	deps := &tools.Deps{
		FS:               fs,
		RAG:              nopIndexer{},
		Searcher:         nopSearcher{},
		Configs:          syncconfig.NewStore(fs, creds),
		Creds:            creds,
		Hashes:           hashdb.New(fs),
		Git:              nopGit{},
		Locks:            userlock.NewSet(fs.Root),
		MaxFilesPerCycle: 10,
		SyncInterval:     time.Minute,
	}
	users := userstore.New()

	srv := &Server{
		OAuth: oauth.NewHandler(users),
		MCP:   server.NewMCPServer(users, deps),
	}
	return srv.Routes()
}

func TestHealthEndpoint(t *testing.T) {
	router := newRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" || body["service"] != "obsidian-sync-mcp" {
		t.Errorf("body = %v", body)
	}
}

func TestMCPRequiresAuth(t *testing.T) {
	router := newRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Errorf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
	}
}

func TestOAuthEndpointsAreExempt(t *testing.T) {
	router := newRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/authorize?redirect_uri=http://c/cb&state=alice:x", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("authorize status = %d, want 200 without auth", rec.Code)
	}
}
