package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
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

type fakeRAG struct {
	embeds    []ragapi.EmbedRequest
	deletes   []string
	embedFail bool
}

func (f *fakeRAG) Embed(_ context.Context, req ragapi.EmbedRequest) error {
	if f.embedFail {
		return errors.New("rag unavailable")
	}
	f.embeds = append(f.embeds, req)
	return nil
}

func (f *fakeRAG) Delete(_ context.Context, _, fileID string) error {
	f.deletes = append(f.deletes, fileID)
	return nil
}

type fakeSearcher struct {
	results []search.Result
	err     error
}

func (f *fakeSearcher) Search(context.Context, string, string, int) ([]search.Result, error) {
	return f.results, f.err
}

type fakeGit struct {
	messages []string
	paths    [][]string
	indexed  int
	total    int
}

func (f *fakeGit) CommitPush(_ context.Context, _ string, _ *syncconfig.Config, _, message string, paths ...string) error {
	f.messages = append(f.messages, message)
	f.paths = append(f.paths, paths)
	return nil
}

func (f *fakeGit) Progress(string) (int, int) { return f.indexed, f.total }

type quietRunner struct{}

func (quietRunner) Run(context.Context, string, ...string) (string, error) { return "", nil }

func newTestContext(t *testing.T) (*ToolContext, *fakeRAG, *fakeGit, *Deps) {
	t.Helper()
	fs := vaultfs.New(t.TempDir())
	creds := gitcred.NewStore(fs, quietRunner{})
	rag := &fakeRAG{}
	git := &fakeGit{}

	deps := &Deps{
		FS:               fs,
		RAG:              rag,
		Searcher:         &fakeSearcher{},
		Configs:          syncconfig.NewStore(fs, creds),
		Creds:            creds,
		Hashes:           hashdb.New(fs),
		Git:              git,
		Locks:            userlock.NewSet(fs.Root),
		MaxFilesPerCycle: 10,
		SyncInterval:     time.Minute,
		Now:              func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	}
	logger := zerolog.Nop()
	return NewToolContext(&logger, "alice", "sess-1", deps), rag, git, deps
}

func call(t *testing.T, h Handler, tc *ToolContext, args any) string {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	out, err := h(context.Background(), tc, raw)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return out
}

func TestUploadFile(t *testing.T) {
	tc, rag, _, deps := newTestContext(t)

	out := call(t, HandleUploadFile, tc, map[string]string{
		"filename": "notes/idea.md",
		"content":  "# Idea",
	})
	if !strings.Contains(out, "Successfully uploaded 'notes/idea.md' (6 bytes)") {
		t.Errorf("output = %q", out)
	}

	abs := filepath.Join(deps.FS.VaultPath("alice"), "notes", "idea.md")
	if data, err := os.ReadFile(abs); err != nil || string(data) != "# Idea" {
		t.Errorf("file on disk = %q, %v", data, err)
	}

	if len(rag.embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(rag.embeds))
	}
	if rag.embeds[0].FileID != "user_alice_obsidian_vault/notes/idea.md" {
		t.Errorf("file_id = %q", rag.embeds[0].FileID)
	}
	if rag.embeds[0].Metadata["filename"] != "obsidian_vault/notes/idea.md" {
		t.Errorf("metadata filename = %v", rag.embeds[0].Metadata["filename"])
	}
}

func TestUploadFileRefusesExisting(t *testing.T) {
	tc, _, _, _ := newTestContext(t)

	call(t, HandleUploadFile, tc, map[string]string{"filename": "a.md", "content": "one"})
	out := call(t, HandleUploadFile, tc, map[string]string{"filename": "a.md", "content": "two"})
	if !strings.Contains(out, "Error: File 'a.md' already exists") {
		t.Errorf("output = %q", out)
	}
}

func TestUploadFileRollsBackOnIndexFailure(t *testing.T) {
	tc, rag, _, deps := newTestContext(t)
	rag.embedFail = true

	raw, _ := json.Marshal(map[string]string{"filename": "notes/a.md", "content": "x"})
	_, err := HandleUploadFile(context.Background(), tc, raw)
	if err == nil {
		t.Fatal("expected error when indexing fails")
	}

	abs := filepath.Join(deps.FS.VaultPath("alice"), "notes", "a.md")
	if _, statErr := os.Stat(abs); !os.IsNotExist(statErr) {
		t.Error("file not rolled back after index failure")
	}
}

func TestUploadFileRejectsTraversal(t *testing.T) {
	tc, _, _, deps := newTestContext(t)

	out := call(t, HandleUploadFile, tc, map[string]string{
		"filename": "../../evil.md",
		"content":  "x",
	})
	if !strings.HasPrefix(out, "Error:") || !strings.Contains(out, "path traversal") {
		t.Errorf("output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(deps.FS.Root, "evil.md")); !os.IsNotExist(err) {
		t.Error("traversal wrote outside the vault")
	}
}

func TestCreateNoteSanitizesTitle(t *testing.T) {
	tc, rag, _, deps := newTestContext(t)

	out := call(t, HandleCreateNote, tc, map[string]string{
		"title":   "Meeting: Q3 plan!",
		"content": "agenda",
	})
	if !strings.Contains(out, "Successfully uploaded 'Meeting_Q3_plan.md'") {
		t.Errorf("output = %q", out)
	}

	abs := filepath.Join(deps.FS.VaultPath("alice"), "Meeting_Q3_plan.md")
	data, err := os.ReadFile(abs)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "# Meeting: Q3 plan!\n\nagenda" {
		t.Errorf("note body = %q", data)
	}
	if len(rag.embeds) != 1 {
		t.Errorf("embeds = %d", len(rag.embeds))
	}
}

func TestReadFile(t *testing.T) {
	tc, _, _, _ := newTestContext(t)
	call(t, HandleUploadFile, tc, map[string]string{"filename": "notes/a.md", "content": "hello"})

	if out := call(t, HandleReadFile, tc, map[string]string{"filename": "notes/a.md"}); out != "hello" {
		t.Errorf("read = %q", out)
	}
	out := call(t, HandleReadFile, tc, map[string]string{"filename": "missing.md"})
	if !strings.Contains(out, "Error: File 'missing.md' not found") {
		t.Errorf("missing read = %q", out)
	}
}

func TestReadFileIsolatedPerUser(t *testing.T) {
	tc, _, _, deps := newTestContext(t)
	call(t, HandleUploadFile, tc, map[string]string{"filename": "private.md", "content": "secret"})

	logger := zerolog.Nop()
	other := NewToolContext(&logger, "bob", "sess-2", deps)
	out := call(t, HandleReadFile, other, map[string]string{"filename": "private.md"})
	if !strings.Contains(out, "not found") {
		t.Errorf("cross-user read = %q", out)
	}
}

func TestModifyFile(t *testing.T) {
	tc, rag, git, _ := newTestContext(t)
	call(t, HandleUploadFile, tc, map[string]string{"filename": "notes/a.md", "content": "v1"})

	// Make sync configured so commit/push runs.
	if err := tc.Deps.Configs.Configure(context.Background(), "alice", syncconfig.ConfigureOptions{
		RepoURL: "https://github.com/a/v.git", Token: "t",
	}); err != nil {
		t.Fatal(err)
	}

	out := call(t, HandleModifyFile, tc, map[string]string{"filename": "notes/a.md", "content": "v2 longer"})
	if !strings.Contains(out, "Successfully modified 'notes/a.md' (9 bytes)") {
		t.Errorf("output = %q", out)
	}

	// Delete-then-embed, and a per-file commit message.
	if len(rag.deletes) != 1 || rag.deletes[0] != "user_alice_obsidian_vault/notes/a.md" {
		t.Errorf("deletes = %v", rag.deletes)
	}
	if len(rag.embeds) != 2 {
		t.Errorf("embeds = %d, want 2", len(rag.embeds))
	}
	if len(git.messages) != 1 || !strings.HasPrefix(git.messages[0], "Update a.md from LibreChat: ") {
		t.Errorf("commit messages = %v", git.messages)
	}
	if len(git.paths) != 1 || len(git.paths[0]) != 1 || git.paths[0][0] != "notes/a.md" {
		t.Errorf("staged paths = %v, want just the modified file", git.paths)
	}
}

func TestModifyFileRequiresExisting(t *testing.T) {
	tc, _, _, _ := newTestContext(t)
	out := call(t, HandleModifyFile, tc, map[string]string{"filename": "nope.md", "content": "x"})
	if !strings.Contains(out, "Error: File 'nope.md' not found. Use upload_file") {
		t.Errorf("output = %q", out)
	}
}

func TestDeleteFile(t *testing.T) {
	tc, rag, git, deps := newTestContext(t)
	call(t, HandleUploadFile, tc, map[string]string{"filename": "notes/a.md", "content": "x"})
	if err := tc.Deps.Configs.Configure(context.Background(), "alice", syncconfig.ConfigureOptions{
		RepoURL: "https://github.com/a/v.git", Token: "t",
	}); err != nil {
		t.Fatal(err)
	}

	out := call(t, HandleDeleteFile, tc, map[string]string{"filename": "notes/a.md"})
	if out != "Successfully deleted 'notes/a.md'" {
		t.Errorf("output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(deps.FS.VaultPath("alice"), "notes", "a.md")); !os.IsNotExist(err) {
		t.Error("file still on disk")
	}
	if len(rag.deletes) != 1 {
		t.Errorf("rag deletes = %v", rag.deletes)
	}
	if len(git.messages) != 1 || !strings.HasPrefix(git.messages[0], "Delete a.md from LibreChat: ") {
		t.Errorf("commit messages = %v", git.messages)
	}
	if len(git.paths) != 1 || len(git.paths[0]) != 1 || git.paths[0][0] != "notes/a.md" {
		t.Errorf("staged paths = %v, want just the deleted file", git.paths)
	}
}

func TestListFilesEmpty(t *testing.T) {
	tc, _, _, _ := newTestContext(t)
	out := call(t, HandleListFiles, tc, map[string]string{})
	if !strings.Contains(out, "No items found in 'root'") {
		t.Errorf("output = %q", out)
	}
}

func TestListFiles(t *testing.T) {
	tc, _, _, deps := newTestContext(t)
	call(t, HandleUploadFile, tc, map[string]string{"filename": "notes/a.md", "content": "x"})
	call(t, HandleUploadFile, tc, map[string]string{"filename": "todo.md", "content": "y"})

	// Hidden directories stay invisible.
	hidden := filepath.Join(deps.FS.VaultPath("alice"), ".obsidian")
	if err := os.MkdirAll(hidden, 0o755); err != nil {
		t.Fatal(err)
	}

	out := call(t, HandleListFiles, tc, map[string]string{})
	if !strings.Contains(out, "- notes/ (1 files, 0 folders)") {
		t.Errorf("missing directory line: %q", out)
	}
	if !strings.Contains(out, "- todo.md") {
		t.Errorf("missing file line: %q", out)
	}
	if strings.Contains(out, ".obsidian") {
		t.Errorf("hidden dir listed: %q", out)
	}
	if !strings.Contains(out, "search_files") {
		t.Errorf("missing discovery hint: %q", out)
	}

	out = call(t, HandleListFiles, tc, map[string]string{"directory": "missing"})
	if !strings.Contains(out, "Error: Directory 'missing' not found") {
		t.Errorf("missing dir output = %q", out)
	}
}

func TestSearchFilesFormatting(t *testing.T) {
	tc, _, _, deps := newTestContext(t)
	deps.Searcher = &fakeSearcher{results: []search.Result{
		{Filename: "notes/a.md", Similarity: 0.94999, Excerpt: "alpha..."},
		{Filename: "notes/b.md", Similarity: 0.7, Excerpt: "beta"},
	}}

	out := call(t, HandleSearchFiles, tc, map[string]any{"query": "alpha"})
	if !strings.Contains(out, "Found 2 result(s) for 'alpha':") {
		t.Errorf("header missing: %q", out)
	}
	if !strings.Contains(out, "1. notes/a.md (relevance: 0.950)") {
		t.Errorf("first line wrong: %q", out)
	}

	deps.Searcher = &fakeSearcher{}
	out = call(t, HandleSearchFiles, tc, map[string]any{"query": "nothing"})
	if out != "No results found for query: 'nothing'" {
		t.Errorf("empty result output = %q", out)
	}
}

func TestHandlersRequireUser(t *testing.T) {
	tc, _, _, _ := newTestContext(t)
	tc.UserID = ""

	raw, _ := json.Marshal(map[string]string{"filename": "a.md", "content": "x"})
	_, err := HandleUploadFile(context.Background(), tc, raw)
	var toolErr *ToolError
	if !errors.As(err, &toolErr) || toolErr.Code != ErrCodeUnauthenticated {
		t.Fatalf("err = %v, want unauthenticated ToolError", err)
	}
}

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Meeting Notes", "Meeting_Notes"},
		{"Q3: Plan!", "Q3_Plan"},
		{"  spaced  ", "spaced"},
		{"keep-dash_ok", "keep-dash_ok"},
		{"Café", "Café"},
		{"Café: Über plan!", "Café_Über_plan"},
		{"日本語 ノート", "日本語_ノート"},
	}
	for _, tt := range tests {
		if got := SanitizeTitle(tt.in); got != tt.want {
			t.Errorf("SanitizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
