package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings for the gateway and worker. It is built
// once at startup from the environment and passed through explicitly; nothing
// reads env vars after FromEnv returns.
type Config struct {
	Host        string
	Port        int
	StorageRoot string

	RAGAPIURL       string
	RAGAPIJWTSecret string

	ChunkSize    int
	ChunkOverlap int

	SyncInterval     time.Duration
	MaxFilesPerCycle int
	IndexDelay       time.Duration

	VectorDB VectorDBConfig
}

// VectorDBConfig holds the pgvector connection settings.
type VectorDBConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Configured reports whether a vector DB connection can be attempted.
func (v VectorDBConfig) Configured() bool {
	return v.Host != ""
}

// URL renders a pgx-compatible connection string.
func (v VectorDBConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", v.User, v.Password, v.Host, v.Port, v.Database)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envSeconds(k string, def float64) time.Duration {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return time.Duration(def * float64(time.Second))
}

// FromEnv builds a Config from the process environment, applying the
// documented defaults for anything unset.
func FromEnv() *Config {
	return &Config{
		Host:        env("HOST", "0.0.0.0"),
		Port:        envInt("PORT", 3003),
		StorageRoot: env("STORAGE_ROOT", "/storage"),

		RAGAPIURL:       env("RAG_API_URL", "http://librechat-rag-api:8000"),
		RAGAPIJWTSecret: env("RAG_API_JWT_SECRET", os.Getenv("JWT_SECRET")),

		ChunkSize:    envInt("CHUNK_SIZE", 1500),
		ChunkOverlap: envInt("CHUNK_OVERLAP", 100),

		SyncInterval:     envSeconds("SYNC_INTERVAL", 60),
		MaxFilesPerCycle: envInt("MAX_FILES_PER_CYCLE", 10),
		IndexDelay:       envSeconds("INDEX_DELAY", 0.5),

		VectorDB: VectorDBConfig{
			Host:     os.Getenv("VECTORDB_HOST"),
			Port:     envInt("VECTORDB_PORT", 5432),
			Database: env("VECTORDB_DB", "mydatabase"),
			User:     env("VECTORDB_USER", "myuser"),
			Password: env("VECTORDB_PASSWORD", "mypassword"),
		},
	}
}

// Addr returns the gateway listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
