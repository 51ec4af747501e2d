// Package vectordb runs direct similarity queries against the shared
// pgvector database that the RAG service writes into. Reads only; all writes
// go through the RAG service, except for the temporary query-embedding rows
// it cleans up after itself.
package vectordb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const queryTimeout = 30 * time.Second

// Row is one similarity hit from langchain_pg_embedding.
type Row struct {
	Document   string
	Metadata   map[string]any
	CustomID   string
	Similarity float64
}

// Store wraps the pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open creates a connection pool against the vector database.
func Open(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Int32("max_conns", cfg.MaxConns).Msg("vector db pool created")
	return pool, nil
}

// Search returns the rows nearest to the query embedding, scoped to one
// user's records, nearest first. <=> is pgvector cosine distance.
func (s *Store) Search(ctx context.Context, userID string, embedding []float64, limit int) ([]Row, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `
		SELECT document, cmetadata, custom_id,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM   langchain_pg_embedding
		WHERE  cmetadata->>'user_id' = $2
		ORDER  BY embedding <=> $1::vector
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, EncodeVector(embedding), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Document, &r.Metadata, &r.CustomID, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scanning search row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FetchEmbedding reads back the embedding stored under a custom_id. Used by
// the query-embedding fallback path.
func (s *Store) FetchEmbedding(ctx context.Context, customID string) ([]float64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var text string
	err := s.pool.QueryRow(ctx,
		`SELECT embedding::text FROM langchain_pg_embedding WHERE custom_id = $1 LIMIT 1`,
		customID).Scan(&text)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fetching embedding: %w", err)
	}

	vec, err := DecodeVector(text)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

// isNoRows reports whether a query came back empty, anywhere in the chain.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// DeleteByCustomID removes all rows stored under a custom_id.
func (s *Store) DeleteByCustomID(ctx context.Context, customID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx, `DELETE FROM langchain_pg_embedding WHERE custom_id = $1`, customID)
	return err
}

// EncodeVector renders a pgvector literal: [0.1,0.2,...].
func EncodeVector(v []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}

// DecodeVector parses a pgvector text literal back into floats.
func DecodeVector(text string) ([]float64, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "[")
	trimmed = strings.TrimSuffix(trimmed, "]")
	if trimmed == "" {
		return nil, nil
	}

	parts := strings.Split(trimmed, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("parsing vector literal: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}
