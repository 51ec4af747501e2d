package vaultfs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// FileEntry describes one file in a directory listing.
type FileEntry struct {
	Name     string
	Rel      string // vault-relative, forward slashes
	Size     int64
	Modified time.Time
}

// DirEntry describes one subdirectory with recursive content counts.
type DirEntry struct {
	Name      string
	Rel       string
	FileCount int
	DirCount  int
}

// Listing is the result of listing one vault directory.
type Listing struct {
	Dir   string // vault-relative directory that was listed, "" for the root
	Files []FileEntry
	Dirs  []DirEntry
}

// Empty reports whether the listing contains nothing at all.
func (l *Listing) Empty() bool {
	return len(l.Files) == 0 && len(l.Dirs) == 0
}

// List enumerates the files and subdirectories of one vault directory.
// Hidden entries are skipped. Listing a missing directory fails with
// ErrNotFound.
func (f *FS) List(userID, dir string) (*Listing, error) {
	abs, err := f.Resolve(userID, dir)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: directory %q", ErrNotFound, dir)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: directory %q", ErrNotFound, dir)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}

	listing := &Listing{}
	if listing.Dir, err = f.Rel(userID, abs); err != nil {
		return nil, err
	}
	if listing.Dir == "." {
		listing.Dir = ""
	}

	for _, entry := range entries {
		rel, err := f.Rel(userID, filepath.Join(abs, entry.Name()))
		if err != nil || Hidden(rel) {
			continue
		}

		if entry.IsDir() {
			files, dirs := countTree(filepath.Join(abs, entry.Name()))
			listing.Dirs = append(listing.Dirs, DirEntry{
				Name:      entry.Name(),
				Rel:       rel,
				FileCount: files,
				DirCount:  dirs,
			})
			continue
		}

		fi, err := entry.Info()
		if err != nil {
			continue
		}
		listing.Files = append(listing.Files, FileEntry{
			Name:     entry.Name(),
			Rel:      rel,
			Size:     fi.Size(),
			Modified: fi.ModTime().UTC(),
		})
	}

	sort.Slice(listing.Files, func(i, j int) bool { return listing.Files[i].Name < listing.Files[j].Name })
	sort.Slice(listing.Dirs, func(i, j int) bool { return listing.Dirs[i].Name < listing.Dirs[j].Name })

	return listing, nil
}

// countTree counts non-hidden files and directories below root, recursively.
func countTree(root string) (files, dirs int) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == root {
			return nil
		}
		name := d.Name()
		if len(name) > 0 && name[0] == '.' {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			dirs++
		} else {
			files++
		}
		return nil
	})
	return files, dirs
}

// WalkMarkdown returns the vault-relative paths of every markdown file in the
// user's vault that is not excluded from indexing. This is the filesystem
// fallback used when git ls-files is unavailable, and the source for progress
// accounting in sync status.
func (f *FS) WalkMarkdown(userID string) ([]string, error) {
	vault := f.VaultPath(userID)
	if _, err := os.Stat(vault); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []string
	err := filepath.WalkDir(vault, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != vault && len(name) > 0 && name[0] == '.' {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(name) != ".md" {
			return nil
		}
		rel, err := f.Rel(userID, path)
		if err != nil || IndexExcluded(rel) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	return out, err
}
