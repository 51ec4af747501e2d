// Package vaultfs implements the per-user storage layout: a directory per
// user under the storage root, with the Obsidian vault checkout in an
// obsidian_vault subdirectory. All caller-supplied names are resolved through
// Resolve, which refuses anything escaping the vault.
package vaultfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// VaultDirName is the checkout directory inside each user's storage.
	VaultDirName = "obsidian_vault"

	// ConfigFileName and HashFileName are the sync state files living next
	// to the vault, never inside it.
	ConfigFileName = "git_config.json"
	HashFileName   = "sync_hashes.json"
	CredFileName   = ".git-credentials"
)

var (
	ErrPathTraversal = errors.New("path traversal")
	ErrNotFound      = errors.New("not found")
)

// FS resolves user storage paths under a fixed root.
type FS struct {
	Root string
}

func New(root string) *FS {
	return &FS{Root: root}
}

// UserDir returns (and creates) the storage directory for a user.
func (f *FS) UserDir(userID string) (string, error) {
	dir := filepath.Join(f.Root, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating user dir: %w", err)
	}
	return dir, nil
}

// VaultRoot returns (and creates) the vault checkout directory for a user.
func (f *FS) VaultRoot(userID string) (string, error) {
	userDir, err := f.UserDir(userID)
	if err != nil {
		return "", err
	}
	vault := filepath.Join(userDir, VaultDirName)
	if err := os.MkdirAll(vault, 0o755); err != nil {
		return "", fmt.Errorf("creating vault dir: %w", err)
	}
	return vault, nil
}

// VaultPath returns the vault directory without creating it.
func (f *FS) VaultPath(userID string) string {
	return filepath.Join(f.Root, userID, VaultDirName)
}

// Resolve maps a caller-supplied name to an absolute path inside the user's
// vault. A leading slash is stripped, and one obsidian_vault/ prefix is
// tolerated so callers may pass either vault-relative or storage-relative
// names. The resolved real path must stay a descendant of the vault root.
func (f *FS) Resolve(userID, name string) (string, error) {
	vault, err := f.VaultRoot(userID)
	if err != nil {
		return "", err
	}

	cleaned := strings.TrimLeft(strings.TrimSpace(name), "/")
	cleaned = strings.TrimPrefix(cleaned, VaultDirName+"/")

	target := filepath.Join(vault, filepath.FromSlash(cleaned))

	realVault, err := filepath.EvalSymlinks(vault)
	if err != nil {
		return "", fmt.Errorf("resolving vault root: %w", err)
	}

	// Compare against the real path. The target may not exist yet; resolve
	// the deepest existing ancestor so symlinked parents cannot escape.
	real := target
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		real = resolved
	} else if resolved, err := filepath.EvalSymlinks(filepath.Dir(target)); err == nil {
		real = filepath.Join(resolved, filepath.Base(target))
	} else {
		real = filepath.Clean(target)
	}

	if !isDescendant(realVault, real) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, name)
	}
	return target, nil
}

func isDescendant(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// Rel returns the vault-relative path for an absolute path, with forward
// slashes regardless of platform.
func (f *FS) Rel(userID, abs string) (string, error) {
	vault := f.VaultPath(userID)
	rel, err := filepath.Rel(vault, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%s is outside the vault", abs)
	}
	return filepath.ToSlash(rel), nil
}

// Hidden reports whether any segment of a vault-relative path starts with a
// dot. This covers .git, .obsidian and plain hidden files.
func Hidden(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// IndexExcluded reports whether a vault-relative path is excluded from
// indexing and search results: hidden paths, and files sitting directly at
// the vault root (notes are expected to live in subdirectories).
func IndexExcluded(rel string) bool {
	rel = filepath.ToSlash(rel)
	if rel == "" || Hidden(rel) {
		return true
	}
	return !strings.Contains(rel, "/")
}
