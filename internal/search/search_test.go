package search

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/obsidianmcp/obsidian-sync-mcp/internal/ragapi"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/vaultfs"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/vectordb"
)

type fakeEmbedder struct {
	localVec   []float64
	localErr   error
	embedded   []ragapi.EmbedRequest
	deleted    []string
	embedError error
}

func (f *fakeEmbedder) LocalEmbed(context.Context, string, string) ([]float64, error) {
	return f.localVec, f.localErr
}

func (f *fakeEmbedder) Embed(_ context.Context, req ragapi.EmbedRequest) error {
	if f.embedError != nil {
		return f.embedError
	}
	f.embedded = append(f.embedded, req)
	return nil
}

func (f *fakeEmbedder) Delete(_ context.Context, _, fileID string) error {
	f.deleted = append(f.deleted, fileID)
	return nil
}

type fakeVectorStore struct {
	rows        []vectordb.Row
	fetched     map[string][]float64
	deletedIDs  []string
	gotLimit    int
	gotEmbedded []float64
}

func (f *fakeVectorStore) Search(_ context.Context, _ string, embedding []float64, limit int) ([]vectordb.Row, error) {
	f.gotEmbedded = embedding
	f.gotLimit = limit
	return f.rows, nil
}

func (f *fakeVectorStore) FetchEmbedding(_ context.Context, customID string) ([]float64, bool, error) {
	vec, ok := f.fetched[customID]
	return vec, ok, nil
}

func (f *fakeVectorStore) DeleteByCustomID(_ context.Context, customID string) error {
	f.deletedIDs = append(f.deletedIDs, customID)
	return nil
}

func newTestSearcher(t *testing.T, rag *fakeEmbedder, vec *fakeVectorStore) (*Searcher, *vaultfs.FS) {
	t.Helper()
	fs := vaultfs.New(t.TempDir())
	s := New(rag, vec, fs)
	s.newID = func() string { return "fixed" }
	s.sleep = func(time.Duration) {}
	return s, fs
}

func row(customID, filename, doc string, sim float64) vectordb.Row {
	meta := map[string]any{}
	if filename != "" {
		meta["filename"] = filename
	}
	return vectordb.Row{Document: doc, Metadata: meta, CustomID: customID, Similarity: sim}
}

func TestSearchFastPath(t *testing.T) {
	rag := &fakeEmbedder{localVec: []float64{0.1, 0.2}}
	vec := &fakeVectorStore{rows: []vectordb.Row{
		row("user_alice_obsidian_vault/notes/a.md", "obsidian_vault/notes/a.md", "alpha content", 0.91),
		row("user_alice_obsidian_vault/notes/b.md", "obsidian_vault/notes/b.md", "beta content", 0.72),
	}}
	s, _ := newTestSearcher(t, rag, vec)

	results, err := s.Search(context.Background(), "alice", "alpha", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Filename != "notes/a.md" || results[0].Similarity != 0.91 {
		t.Errorf("first result = %+v", results[0])
	}
	if vec.gotLimit != 15 {
		t.Errorf("overfetch limit = %d, want 15", vec.gotLimit)
	}
	if len(rag.embedded) != 0 {
		t.Error("fast path must not create temp documents")
	}
}

func TestSearchTempDocumentFallback(t *testing.T) {
	rag := &fakeEmbedder{localErr: ragapi.ErrNoLocalEmbed}
	vec := &fakeVectorStore{
		fetched: map[string][]float64{"tmp_query_fixed": {0.3, 0.4}},
		rows: []vectordb.Row{
			row("user_alice_obsidian_vault/notes/a.md", "obsidian_vault/notes/a.md", "x", 0.8),
		},
	}
	s, _ := newTestSearcher(t, rag, vec)

	results, err := s.Search(context.Background(), "alice", "query text", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if len(vec.gotEmbedded) != 2 || vec.gotEmbedded[0] != 0.3 {
		t.Errorf("search used embedding %v, want the fetched one", vec.gotEmbedded)
	}

	// The throwaway document is cleaned from both stores.
	if len(rag.embedded) != 1 || rag.embedded[0].FileID != "tmp_query_fixed" {
		t.Errorf("temp embed = %+v", rag.embedded)
	}
	if len(rag.deleted) != 1 || rag.deleted[0] != "tmp_query_fixed" {
		t.Errorf("temp rag delete = %v", rag.deleted)
	}
	if len(vec.deletedIDs) != 1 || vec.deletedIDs[0] != "tmp_query_fixed" {
		t.Errorf("temp row delete = %v", vec.deletedIDs)
	}
}

func TestSearchFiltersExcludedPaths(t *testing.T) {
	rag := &fakeEmbedder{localVec: []float64{0.1}}
	vec := &fakeVectorStore{rows: []vectordb.Row{
		row("user_alice_obsidian_vault/.obsidian/workspace.md", "obsidian_vault/.obsidian/workspace.md", "hidden", 0.99),
		row("user_alice_obsidian_vault/root.md", "obsidian_vault/root.md", "root-level", 0.95),
		row("user_alice_obsidian_vault/notes/keep.md", "obsidian_vault/notes/keep.md", "kept", 0.90),
	}}
	s, _ := newTestSearcher(t, rag, vec)

	results, err := s.Search(context.Background(), "alice", "q", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Filename != "notes/keep.md" {
		t.Errorf("results = %+v, want only notes/keep.md", results)
	}
}

func TestSearchLegacyRecordsNeedExistingFile(t *testing.T) {
	rag := &fakeEmbedder{localVec: []float64{0.1}}
	vec := &fakeVectorStore{rows: []vectordb.Row{
		row("notes/alive.md", "notes/alive.md", "legacy but present", 0.9),
		row("notes/dead.md", "notes/dead.md", "legacy and gone", 0.8),
	}}
	s, fs := newTestSearcher(t, rag, vec)

	vault, err := fs.VaultRoot("alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(vault, "notes"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(vault, "notes", "alive.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(context.Background(), "alice", "q", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Filename != "notes/alive.md" {
		t.Errorf("results = %+v, want only notes/alive.md", results)
	}
}

func TestSearchCapsAtK(t *testing.T) {
	rag := &fakeEmbedder{localVec: []float64{0.1}}
	var rows []vectordb.Row
	for _, name := range []string{"a", "b", "c", "d"} {
		rows = append(rows, row(
			"user_alice_obsidian_vault/notes/"+name+".md",
			"obsidian_vault/notes/"+name+".md", "doc "+name, 0.5))
	}
	vec := &fakeVectorStore{rows: rows}
	s, _ := newTestSearcher(t, rag, vec)

	results, err := s.Search(context.Background(), "alice", "q", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("results = %d, want 2", len(results))
	}
}

func TestExcerptTruncation(t *testing.T) {
	long := strings.Repeat("word ", 100)
	got := excerpt(long)
	if len([]rune(got)) != excerptLength+3 {
		t.Errorf("excerpt length = %d, want %d", len([]rune(got)), excerptLength+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("long excerpt missing ellipsis")
	}

	if got := excerpt("line one\nline   two"); got != "line one line two" {
		t.Errorf("whitespace not collapsed: %q", got)
	}
}
