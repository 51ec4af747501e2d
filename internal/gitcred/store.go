// Package gitcred persists per-user Git credentials through git's standard
// "store" credential helper, one .git-credentials file per user. Tokens flow
// only through the store; they never appear in remote URLs.
package gitcred

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/obsidianmcp/obsidian-sync-mcp/internal/vaultfs"
)

// Runner executes a git subprocess. It is an interface so tests can
// substitute an in-process fake.
type Runner interface {
	Run(ctx context.Context, stdin string, args ...string) (string, error)
}

// ExecRunner runs the real git binary.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, stdin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(errOut.String()))
	}
	return out.String(), nil
}

// Store reads and writes per-user credential files.
type Store struct {
	fs  *vaultfs.FS
	run Runner
}

func NewStore(fs *vaultfs.FS, run Runner) *Store {
	if run == nil {
		run = ExecRunner{}
	}
	return &Store{fs: fs, run: run}
}

// CredFile returns the path of the user's credential store file.
func (s *Store) CredFile(userID string) string {
	return filepath.Join(s.fs.Root, userID, vaultfs.CredFileName)
}

// Helper returns the credential.helper value pointing at the user's store.
func (s *Store) Helper(userID string) string {
	return fmt.Sprintf("store --file=%s", s.CredFile(userID))
}

// Install saves the token for repoURL into the user's credential store via
// `git credential approve`. An empty token is a no-op.
func (s *Store) Install(ctx context.Context, userID, repoURL, token string) error {
	if token == "" {
		return nil
	}
	if _, err := s.fs.UserDir(userID); err != nil {
		return err
	}

	protocol, host, path, ok := splitURL(repoURL)
	if !ok {
		return fmt.Errorf("unsupported repo url %q", CleanRemoteURL(repoURL))
	}

	input := fmt.Sprintf("protocol=%s\nhost=%s\npath=%s\nusername=%s\npassword=\n\n", protocol, host, path, token)
	_, err := s.run.Run(ctx, input, "-c", "credential.helper="+s.Helper(userID), "credential", "approve")
	if err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}
	return nil
}

// Lookup retrieves the token for repoURL from the user's credential store via
// `git credential fill`. Returns false when no credential is stored.
func (s *Store) Lookup(ctx context.Context, userID, repoURL string) (string, bool) {
	protocol, host, path, ok := splitURL(repoURL)
	if !ok {
		return "", false
	}

	input := fmt.Sprintf("protocol=%s\nhost=%s\npath=%s\n", protocol, host, path)
	out, err := s.run.Run(ctx, input, "-c", "credential.helper="+s.Helper(userID), "credential", "fill")
	if err != nil {
		log.Debug().Err(err).Str("user", userID).Msg("credential fill failed")
		return "", false
	}

	for _, line := range strings.Split(out, "\n") {
		if after, ok := strings.CutPrefix(line, "username="); ok && after != "" {
			return after, true
		}
	}
	return "", false
}

var embeddedCredRe = regexp.MustCompile(`^(https?://)[^@/]+@`)

// CleanRemoteURL strips embedded user[:pass]@ credentials from an HTTP(S)
// remote URL so the cleaned form is safe to store and display.
func CleanRemoteURL(url string) string {
	return embeddedCredRe.ReplaceAllString(url, "$1")
}

var urlRe = regexp.MustCompile(`^(https?)://([^/]+)(/.*)?$`)

// splitURL breaks an HTTP(S) repo URL into the (protocol, host, path) triple
// git's credential protocol uses. Embedded credentials in the host part are
// dropped.
func splitURL(repoURL string) (protocol, host, path string, ok bool) {
	m := urlRe.FindStringSubmatch(repoURL)
	if m == nil {
		return "", "", "", false
	}
	protocol = m[1]
	hostPart := m[2]
	if i := strings.LastIndex(hostPart, "@"); i >= 0 {
		hostPart = hostPart[i+1:]
	}
	host = hostPart
	path = m[3]
	if path == "" {
		path = "/"
	}
	return protocol, host, path, true
}
