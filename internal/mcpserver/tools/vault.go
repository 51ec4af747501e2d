package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/obsidianmcp/obsidian-sync-mcp/internal/ragapi"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/syncconfig"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/vaultfs"
)

// Vault file tool handlers. Results are human-readable; failures the user
// can act on come back as "Error: ..." strings rather than protocol errors.

func HandleUploadFile(ctx context.Context, tc *ToolContext, raw json.RawMessage) (string, error) {
	if err := tc.requireUser(); err != nil {
		return "", err
	}
	var params UploadFileParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
	}
	if err := params.Validate(); err != nil {
		return "", NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	tc.Deps.Locks.Lock(tc.UserID)
	defer tc.Deps.Locks.Unlock(tc.UserID)

	abs, err := tc.Deps.FS.Resolve(tc.UserID, params.Filename)
	if err != nil {
		return pathErrorString(params.Filename, err), nil
	}
	if _, err := os.Stat(abs); err == nil {
		return fmt.Sprintf("Error: File '%s' already exists. Use modify_file to update it.", params.Filename), nil
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", NewToolError(ErrCodeInternal, "Failed to create directory: "+err.Error(), nil)
	}
	if err := os.WriteFile(abs, []byte(params.Content), 0o644); err != nil {
		return "", NewToolError(ErrCodeInternal, "Failed to write file: "+err.Error(), nil)
	}

	rel, err := tc.Deps.FS.Rel(tc.UserID, abs)
	if err != nil {
		os.Remove(abs)
		return "", NewToolError(ErrCodeInternal, err.Error(), nil)
	}

	if err := tc.indexContent(ctx, rel, []byte(params.Content), "created_at"); err != nil {
		// The vault and the index must not diverge silently: roll back.
		os.Remove(abs)
		return "", NewToolError(ErrCodeInternal, "Failed to index file in RAG API: "+err.Error(), nil)
	}

	tc.commitBestEffort(ctx, "Update", rel)

	return fmt.Sprintf("Successfully uploaded '%s' (%d bytes) to %s", params.Filename, len(params.Content), abs), nil
}

func HandleCreateNote(ctx context.Context, tc *ToolContext, raw json.RawMessage) (string, error) {
	if err := tc.requireUser(); err != nil {
		return "", err
	}
	var params CreateNoteParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
	}
	if err := params.Validate(); err != nil {
		return "", NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	upload, err := json.Marshal(UploadFileParams{
		Filename: SanitizeTitle(params.Title) + ".md",
		Content:  fmt.Sprintf("# %s\n\n%s", params.Title, params.Content),
	})
	if err != nil {
		return "", NewToolError(ErrCodeInternal, err.Error(), nil)
	}
	return HandleUploadFile(ctx, tc, upload)
}

func HandleReadFile(ctx context.Context, tc *ToolContext, raw json.RawMessage) (string, error) {
	if err := tc.requireUser(); err != nil {
		return "", err
	}
	var params FilenameParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
	}
	if err := params.Validate(); err != nil {
		return "", NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	tc.Deps.Locks.Lock(tc.UserID)
	defer tc.Deps.Locks.Unlock(tc.UserID)

	abs, err := tc.Deps.FS.Resolve(tc.UserID, params.Filename)
	if err != nil {
		return pathErrorString(params.Filename, err), nil
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Sprintf("Error: File '%s' not found in your storage.", params.Filename), nil
		}
		return "", NewToolError(ErrCodeInternal, "Failed to read file: "+err.Error(), nil)
	}
	return string(content), nil
}

func HandleModifyFile(ctx context.Context, tc *ToolContext, raw json.RawMessage) (string, error) {
	if err := tc.requireUser(); err != nil {
		return "", err
	}
	var params ModifyFileParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
	}
	if err := params.Validate(); err != nil {
		return "", NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	tc.Deps.Locks.Lock(tc.UserID)
	defer tc.Deps.Locks.Unlock(tc.UserID)

	abs, err := tc.Deps.FS.Resolve(tc.UserID, params.Filename)
	if err != nil {
		return pathErrorString(params.Filename, err), nil
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Sprintf("Error: File '%s' not found. Use upload_file to create new files.", params.Filename), nil
	}

	if err := os.WriteFile(abs, []byte(params.Content), 0o644); err != nil {
		return "", NewToolError(ErrCodeInternal, "Failed to write file: "+err.Error(), nil)
	}

	rel, err := tc.Deps.FS.Rel(tc.UserID, abs)
	if err != nil {
		return "", NewToolError(ErrCodeInternal, err.Error(), nil)
	}

	// Old chunks first so the index never holds both versions.
	if err := tc.Deps.RAG.Delete(ctx, tc.UserID, ragapi.FileID(tc.UserID, rel)); err != nil {
		tc.Logger.Warn().Err(err).Str("file", rel).Msg("clearing previous chunks failed")
	}
	if err := tc.indexContent(ctx, rel, []byte(params.Content), "modified_at"); err != nil {
		return "", NewToolError(ErrCodeInternal, "Failed to re-index file in RAG API: "+err.Error(), nil)
	}

	tc.commitBestEffort(ctx, "Update", rel)

	return fmt.Sprintf("Successfully modified '%s' (%d bytes)", params.Filename, len(params.Content)), nil
}

func HandleDeleteFile(ctx context.Context, tc *ToolContext, raw json.RawMessage) (string, error) {
	if err := tc.requireUser(); err != nil {
		return "", err
	}
	var params FilenameParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
	}
	if err := params.Validate(); err != nil {
		return "", NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	tc.Deps.Locks.Lock(tc.UserID)
	defer tc.Deps.Locks.Unlock(tc.UserID)

	abs, err := tc.Deps.FS.Resolve(tc.UserID, params.Filename)
	if err != nil {
		return pathErrorString(params.Filename, err), nil
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Sprintf("Error: File '%s' not found in your storage.", params.Filename), nil
	}

	rel, err := tc.Deps.FS.Rel(tc.UserID, abs)
	if err != nil {
		return "", NewToolError(ErrCodeInternal, err.Error(), nil)
	}

	// Index cleanup is best-effort; the file removal is what the user asked
	// for, and the worker prunes leftovers next cycle.
	if err := tc.Deps.RAG.Delete(ctx, tc.UserID, ragapi.FileID(tc.UserID, rel)); err != nil {
		tc.Logger.Warn().Err(err).Str("file", rel).Msg("removing file from search index failed")
	}

	if err := os.Remove(abs); err != nil {
		return "", NewToolError(ErrCodeInternal, "Failed to delete file: "+err.Error(), nil)
	}

	tc.commitBestEffort(ctx, "Delete", rel)

	return fmt.Sprintf("Successfully deleted '%s'", params.Filename), nil
}

func HandleListFiles(ctx context.Context, tc *ToolContext, raw json.RawMessage) (string, error) {
	if err := tc.requireUser(); err != nil {
		return "", err
	}
	var params ListFilesParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return "", NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
		}
	}

	tc.Deps.Locks.Lock(tc.UserID)
	defer tc.Deps.Locks.Unlock(tc.UserID)

	listing, err := tc.Deps.FS.List(tc.UserID, params.Directory)
	if err != nil {
		if errors.Is(err, vaultfs.ErrNotFound) {
			return fmt.Sprintf("Error: Directory '%s' not found", params.Directory), nil
		}
		return pathErrorString(params.Directory, err), nil
	}

	label := listing.Dir
	if label == "" {
		label = "root"
	}

	if listing.Empty() {
		return fmt.Sprintf("No items found in '%s'. Use upload_file or create_note to add files.", label), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Contents of '%s':\n\n", label)

	if len(listing.Dirs) > 0 {
		b.WriteString("Directories:\n")
		for _, d := range listing.Dirs {
			fmt.Fprintf(&b, "- %s/ (%d files, %d folders)\n", d.Name, d.FileCount, d.DirCount)
		}
		b.WriteString("\n")
	}

	if len(listing.Files) > 0 {
		b.WriteString("Files:\n")
		for _, f := range listing.Files {
			fmt.Fprintf(&b, "- %s\n  Size: %d bytes\n  Modified: %s\n", f.Name, f.Size, f.Modified.Format(time.RFC3339))
		}
		b.WriteString("\n")
	}

	b.WriteString("Tip: use search_files to find notes by meaning rather than by name.")
	return b.String(), nil
}

func HandleSearchFiles(ctx context.Context, tc *ToolContext, raw json.RawMessage) (string, error) {
	if err := tc.requireUser(); err != nil {
		return "", err
	}
	var params SearchFilesParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return "", NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
	}
	if err := params.Validate(); err != nil {
		return "", NewToolError(ErrCodeInvalidParams, err.Error(), nil)
	}

	results, err := tc.Deps.Searcher.Search(ctx, tc.UserID, params.Query, params.Limit())
	if err != nil {
		return "", NewToolError(ErrCodeInternal, "Failed to search files: "+err.Error(), nil)
	}

	if len(results) == 0 {
		return fmt.Sprintf("No results found for query: '%s'", params.Query), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d result(s) for '%s':\n\n", len(results), params.Query)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s (relevance: %.3f)\n   %s\n\n", i+1, r.Filename, r.Similarity, r.Excerpt)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// indexContent uploads one file's content to the RAG service under the
// canonical file id for its vault-relative path.
func (tc *ToolContext) indexContent(ctx context.Context, rel string, content []byte, stampField string) error {
	return tc.Deps.RAG.Embed(ctx, ragapi.EmbedRequest{
		UserID:      tc.UserID,
		FileID:      ragapi.FileID(tc.UserID, rel),
		FileName:    filepath.Base(rel),
		ContentType: "text/markdown",
		Content:     content,
		Metadata: map[string]any{
			"user_id":  tc.UserID,
			"filename": ragapi.MetadataFilename(rel),
			stampField: tc.Deps.now().UTC().Format(time.RFC3339),
			"size":     len(content),
		},
	})
}

// commitBestEffort commits and pushes one file change when sync is
// configured and running. Failures are logged, never surfaced: the worker
// reconciles on its next cycle.
func (tc *ToolContext) commitBestEffort(ctx context.Context, action, rel string) {
	cfg, ok := tc.Deps.Configs.Load(tc.UserID)
	if !ok || cfg.RepoURL == "" || syncconfig.IsPlaceholder(cfg.RepoURL) {
		return
	}
	if cfg.State() == syncconfig.StateStopped {
		return
	}

	token, _ := tc.Deps.Creds.Lookup(ctx, tc.UserID, cfg.RepoURL)
	message := fmt.Sprintf("%s %s from LibreChat: %s", action, filepath.Base(rel), tc.Deps.now().UTC().Format(time.RFC3339))
	if err := tc.Deps.Git.CommitPush(ctx, tc.UserID, cfg, token, message, rel); err != nil {
		tc.Logger.Warn().Err(err).Str("file", rel).Msg("git commit/push failed")
	}
}

// pathErrorString renders resolution failures as actionable tool output.
func pathErrorString(name string, err error) string {
	if errors.Is(err, vaultfs.ErrPathTraversal) {
		return fmt.Sprintf("Error: path traversal detected in '%s'", name)
	}
	return fmt.Sprintf("Error: invalid path '%s': %v", name, err)
}
