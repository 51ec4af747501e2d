// Package syncconfig persists the per-user Git sync configuration and the
// failure/circuit-breaker state machine, one git_config.json per user.
package syncconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/obsidianmcp/obsidian-sync-mcp/internal/atomicfile"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/gitcred"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/vaultfs"
)

// MaxConsecutiveFailures is the circuit-breaker threshold: after this many
// consecutive sync failures the user is stopped until reset.
const MaxConsecutiveFailures = 5

// Version tags the config schema written by this build.
const Version = "1.1"

// ErrValidation covers placeholder values and otherwise malformed input.
var ErrValidation = errors.New("validation error")

// Config is the JSON document stored as git_config.json. Timestamps are
// RFC 3339 UTC strings; the encoding is externally observable and stable.
type Config struct {
	RepoURL          string `json:"repo_url"`
	Branch           string `json:"branch"`
	UpdatedAt        string `json:"updated_at,omitempty"`
	FailureCount     int    `json:"failure_count"`
	Stopped          bool   `json:"stopped"`
	LastFailure      string `json:"last_failure,omitempty"`
	LastFailureError string `json:"last_failure_error,omitempty"`
	LastSuccess      string `json:"last_success,omitempty"`
	AutoConfigured   bool   `json:"auto_configured,omitempty"`
	Version          string `json:"version,omitempty"`

	// Token is tolerated for configs written by older deployments; new
	// writes keep credentials out of the config file entirely.
	Token string `json:"token,omitempty"`
}

// State classifies the sync state machine position.
type State string

const (
	StateActive  State = "active"
	StateWarning State = "warning"
	StateStopped State = "stopped"
)

func (c *Config) State() State {
	switch {
	case c.Stopped:
		return StateStopped
	case c.FailureCount > 0:
		return StateWarning
	default:
		return StateActive
	}
}

// IsPlaceholder reports whether a value is an unreplaced {{...}} template.
func IsPlaceholder(v string) bool {
	return strings.HasPrefix(v, "{{") && strings.HasSuffix(v, "}}") && len(v) >= 4
}

// Store reads and writes per-user sync configs.
type Store struct {
	fs    *vaultfs.FS
	creds *gitcred.Store
	now   func() time.Time
}

func NewStore(fs *vaultfs.FS, creds *gitcred.Store) *Store {
	return &Store{fs: fs, creds: creds, now: time.Now}
}

// Path returns the config file location for a user.
func (s *Store) Path(userID string) string {
	return filepath.Join(s.fs.Root, userID, vaultfs.ConfigFileName)
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Load reads a user's config. A missing file or one that fails to parse is
// reported as absent; a half-written file looks the same as no file.
func (s *Store) Load(userID string) (*Config, bool) {
	data, err := os.ReadFile(s.Path(userID))
	if err != nil {
		return nil, false
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("unparseable sync config, treating as absent")
		return nil, false
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	return &cfg, true
}

// Save persists a config atomically.
func (s *Store) Save(userID string, cfg *Config) error {
	if _, err := s.fs.UserDir(userID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(s.Path(userID), data, 0o644)
}

// Validate rejects placeholder values and URLs with embedded credentials
// that cannot be cleaned.
func Validate(repoURL, token, branch string) error {
	for _, v := range []string{repoURL, token, branch} {
		if IsPlaceholder(v) {
			return fmt.Errorf("%w: unreplaced placeholder value %q", ErrValidation, v)
		}
	}
	if repoURL != "" && !strings.HasPrefix(repoURL, "http://") && !strings.HasPrefix(repoURL, "https://") {
		return fmt.Errorf("%w: repo_url must be http(s), got %q", ErrValidation, repoURL)
	}
	return nil
}

// ConfigureOptions are the inputs to Configure and AutoConfigure.
type ConfigureOptions struct {
	RepoURL        string
	Token          string
	Branch         string
	AutoConfigured bool
}

// Configure validates the inputs, installs the token into the credential
// store, and writes a fresh config with the failure state cleared. It is
// idempotent: if the current config already names the same cleaned repo URL
// and branch, the file is left untouched (the credential is still
// refreshed).
func (s *Store) Configure(ctx context.Context, userID string, opts ConfigureOptions) error {
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if err := Validate(opts.RepoURL, opts.Token, opts.Branch); err != nil {
		return err
	}
	if opts.RepoURL == "" {
		return fmt.Errorf("%w: repo_url is required", ErrValidation)
	}

	if err := s.creds.Install(ctx, userID, opts.RepoURL, opts.Token); err != nil {
		return fmt.Errorf("installing git credentials: %w", err)
	}

	clean := gitcred.CleanRemoteURL(opts.RepoURL)
	if current, ok := s.Load(userID); ok && current.RepoURL == clean && current.Branch == opts.Branch {
		return nil
	}

	cfg := &Config{
		RepoURL:        clean,
		Branch:         opts.Branch,
		UpdatedAt:      s.timestamp(),
		AutoConfigured: opts.AutoConfigured,
		Version:        Version,
		FailureCount:   0,
		Stopped:        false,
	}
	return s.Save(userID, cfg)
}

// MarkSuccess records a successful sync: failure state cleared, last_success
// stamped. This is one of the two transitions that close the circuit
// breaker.
func (s *Store) MarkSuccess(userID string) error {
	cfg, ok := s.Load(userID)
	if !ok {
		return fmt.Errorf("no sync config for user %s", userID)
	}

	cfg.FailureCount = 0
	cfg.Stopped = false
	cfg.LastSuccess = s.timestamp()
	cfg.LastFailure = ""
	cfg.LastFailureError = ""
	return s.Save(userID, cfg)
}

// MarkFailure increments the consecutive failure count and opens the circuit
// breaker at the threshold. Returns whether the user is now stopped.
func (s *Store) MarkFailure(userID, cause string) (bool, error) {
	cfg, ok := s.Load(userID)
	if !ok {
		return false, fmt.Errorf("no sync config for user %s", userID)
	}

	cfg.FailureCount++
	cfg.LastFailure = s.timestamp()
	if cause == "" {
		cause = "unknown error"
	}
	cfg.LastFailureError = cause
	if cfg.FailureCount >= MaxConsecutiveFailures {
		cfg.Stopped = true
		log.Error().Str("user", userID).Int("failures", cfg.FailureCount).Msg("sync disabled after repeated failures")
	}

	if err := s.Save(userID, cfg); err != nil {
		return cfg.Stopped, err
	}
	return cfg.Stopped, nil
}

// ResetFailures clears the failure state without requiring a successful
// sync. This is the explicit circuit-breaker reset.
func (s *Store) ResetFailures(userID string) error {
	cfg, ok := s.Load(userID)
	if !ok {
		return fmt.Errorf("no sync config for user %s", userID)
	}

	cfg.FailureCount = 0
	cfg.Stopped = false
	cfg.LastFailure = ""
	cfg.LastFailureError = ""
	cfg.UpdatedAt = s.timestamp()
	return s.Save(userID, cfg)
}
