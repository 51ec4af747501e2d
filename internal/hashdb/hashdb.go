// Package hashdb tracks the last-indexed content hash of each vault file in
// a sync_hashes.json per user, so sync cycles only re-embed files whose
// content actually changed.
package hashdb

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/obsidianmcp/obsidian-sync-mcp/internal/atomicfile"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/vaultfs"
)

// Hash returns the tracking hash of file content, a 32-char lowercase hex
// MD5. Collision resistance does not matter here; the hash only detects
// content change between sync cycles.
func Hash(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

// DB reads and writes per-user hash index files. Keys are absolute file
// paths, matching the state files of existing deployments.
type DB struct {
	fs *vaultfs.FS
}

func New(fs *vaultfs.FS) *DB {
	return &DB{fs: fs}
}

// Path returns the hash index location for a user.
func (d *DB) Path(userID string) string {
	return filepath.Join(d.fs.Root, userID, vaultfs.HashFileName)
}

// Load reads a user's hash index. A missing or unparseable file yields an
// empty index, which forces a full re-index on the next cycle.
func (d *DB) Load(userID string) map[string]string {
	data, err := os.ReadFile(d.Path(userID))
	if err != nil {
		return map[string]string{}
	}

	hashes := map[string]string{}
	if err := json.Unmarshal(data, &hashes); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("unparseable hash index, forcing full re-index")
		return map[string]string{}
	}
	return hashes
}

// Save persists a user's hash index atomically.
func (d *DB) Save(userID string, hashes map[string]string) error {
	if _, err := d.fs.UserDir(userID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(hashes, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(d.Path(userID), data, 0o644)
}

// Delete removes the hash index file entirely. The next sync cycle then
// treats every file as changed.
func (d *DB) Delete(userID string) error {
	err := os.Remove(d.Path(userID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
