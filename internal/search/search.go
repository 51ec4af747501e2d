// Package search answers semantic queries over a user's indexed vault. The
// query is embedded (fast path or temp-document fallback), matched against
// the vector store, and the hits are filtered back down to real vault notes.
package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/obsidianmcp/obsidian-sync-mcp/internal/ragapi"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/vaultfs"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/vectordb"
)

const (
	// overfetch widens the vector query so post-filtering still fills k.
	overfetch = 3

	excerptLength = 200

	embedPollAttempts = 5
	embedPollInterval = 200 * time.Millisecond
)

// Embedder is the slice of the RAG client search depends on.
type Embedder interface {
	ragapi.Indexer
	LocalEmbed(ctx context.Context, userID, text string) ([]float64, error)
}

// VectorStore is the slice of the vector database search depends on.
type VectorStore interface {
	Search(ctx context.Context, userID string, embedding []float64, limit int) ([]vectordb.Row, error)
	FetchEmbedding(ctx context.Context, customID string) ([]float64, bool, error)
	DeleteByCustomID(ctx context.Context, customID string) error
}

// Result is one search hit, best first.
type Result struct {
	Filename   string // vault-relative path
	Similarity float64
	Excerpt    string
}

// Searcher runs queries for any user.
type Searcher struct {
	rag Embedder
	vec VectorStore
	fs  *vaultfs.FS

	newID func() string
	sleep func(time.Duration)
}

func New(rag Embedder, vec VectorStore, fs *vaultfs.FS) *Searcher {
	return &Searcher{
		rag:   rag,
		vec:   vec,
		fs:    fs,
		newID: uuid.NewString,
		sleep: time.Sleep,
	}
}

// Search returns up to k hits for the query, scoped to one user.
func (s *Searcher) Search(ctx context.Context, userID, query string, k int) ([]Result, error) {
	if k <= 0 {
		k = 5
	}

	embedding, err := s.queryEmbedding(ctx, userID, query)
	if err != nil {
		return nil, err
	}

	rows, err := s.vec.Search(ctx, userID, embedding, k*overfetch)
	if err != nil {
		return nil, err
	}

	var out []Result
	for _, row := range rows {
		rel, ok := s.admit(userID, row)
		if !ok {
			continue
		}
		out = append(out, Result{
			Filename:   rel,
			Similarity: row.Similarity,
			Excerpt:    excerpt(row.Document),
		})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// queryEmbedding obtains the embedding vector for the query text. The
// /local/embed endpoint is the fast path; without it the query is indexed as
// a throwaway document, its stored embedding read back, then removed.
func (s *Searcher) queryEmbedding(ctx context.Context, userID, query string) ([]float64, error) {
	vec, err := s.rag.LocalEmbed(ctx, userID, query)
	if err == nil {
		return vec, nil
	}
	log.Debug().Err(err).Msg("local embed unavailable, using temp-document fallback")

	tmpID := "tmp_query_" + s.newID()
	err = s.rag.Embed(ctx, ragapi.EmbedRequest{
		UserID:      userID,
		FileID:      tmpID,
		FileName:    "query.md",
		ContentType: "text/plain",
		Content:     []byte(query),
		Metadata:    map[string]any{"user_id": userID, "source": "query-embedding"},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	defer func() {
		if err := s.rag.Delete(ctx, userID, tmpID); err != nil {
			log.Warn().Err(err).Str("file_id", tmpID).Msg("temp query document cleanup failed")
		}
		if err := s.vec.DeleteByCustomID(ctx, tmpID); err != nil {
			log.Warn().Err(err).Str("file_id", tmpID).Msg("temp query row cleanup failed")
		}
	}()

	for attempt := 0; attempt < embedPollAttempts; attempt++ {
		vec, ok, err := s.vec.FetchEmbedding(ctx, tmpID)
		if err != nil {
			return nil, err
		}
		if ok {
			return vec, nil
		}
		s.sleep(embedPollInterval)
	}
	return nil, fmt.Errorf("query embedding never appeared in vector store")
}

// admit maps a vector row back to a vault-relative filename and decides
// whether it belongs in results. Rows for hidden or root-level files are
// dropped; records written before path prefixes were standardized are kept
// only when the file still exists.
func (s *Searcher) admit(userID string, row vectordb.Row) (string, bool) {
	rel, legacy := filenameOf(userID, row)
	if rel == "" {
		return "", false
	}
	if vaultfs.IndexExcluded(rel) {
		return "", false
	}
	if legacy && !s.exists(userID, rel) {
		return "", false
	}
	return rel, true
}

func (s *Searcher) exists(userID, rel string) bool {
	abs := filepath.Join(s.fs.VaultPath(userID), filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

// filenameOf derives the vault-relative path from a row. Preference order:
// the filename metadata field, then the custom_id. legacy is true when the
// record predates the obsidian_vault/ prefix convention.
func filenameOf(userID string, row vectordb.Row) (rel string, legacy bool) {
	if name, ok := row.Metadata["filename"].(string); ok && name != "" {
		if after, found := strings.CutPrefix(name, vaultfs.VaultDirName+"/"); found {
			return after, false
		}
		return name, true
	}

	prefix := fmt.Sprintf("user_%s_%s/", userID, vaultfs.VaultDirName)
	if after, found := strings.CutPrefix(row.CustomID, prefix); found {
		return after, false
	}
	return row.CustomID, true
}

// excerpt trims a chunk down to a preview, whitespace collapsed.
func excerpt(document string) string {
	text := strings.Join(strings.Fields(document), " ")
	runes := []rune(text)
	if len(runes) <= excerptLength {
		return text
	}
	return string(runes[:excerptLength]) + "..."
}
