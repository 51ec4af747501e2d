package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/obsidianmcp/obsidian-sync-mcp/internal/syncconfig"
)

// Sync management tool handlers.

func HandleConfigure(ctx context.Context, tc *ToolContext, raw json.RawMessage) (string, error) {
	if err := tc.requireUser(); err != nil {
		return "", err
	}
	var params ConfigureParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return "", NewToolError(ErrCodeInvalidParams, "Invalid parameters: "+err.Error(), nil)
		}
	}

	tc.Deps.Locks.Lock(tc.UserID)
	defer tc.Deps.Locks.Unlock(tc.UserID)

	// Without credentials this is a status query, not a change.
	if params.RepoURL == "" || params.Token == "" {
		cfg, ok := tc.Deps.Configs.Load(tc.UserID)
		if !ok {
			return "No Obsidian sync configuration found. Please provide repo_url and token.", nil
		}
		state := "active"
		if cfg.Stopped {
			state = "stopped"
		}
		return fmt.Sprintf("Current sync status: %s. Repository: %s", state, cfg.RepoURL), nil
	}

	err := tc.Deps.Configs.Configure(ctx, tc.UserID, syncconfig.ConfigureOptions{
		RepoURL: params.RepoURL,
		Token:   params.Token,
		Branch:  params.Branch,
	})
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}

	cfg, _ := tc.Deps.Configs.Load(tc.UserID)
	return fmt.Sprintf("Successfully configured Obsidian Sync for: %s", cfg.RepoURL), nil
}

func HandleStatus(_ context.Context, tc *ToolContext, _ json.RawMessage) (string, error) {
	if err := tc.requireUser(); err != nil {
		return "", err
	}

	cfg, ok := tc.Deps.Configs.Load(tc.UserID)
	if !ok {
		return "No Obsidian sync configuration found.", nil
	}
	if syncconfig.IsPlaceholder(cfg.RepoURL) {
		return "⚠️ CONFIGURATION ERROR: Placeholders detected. Please update your UI settings.", nil
	}

	synced, total := tc.Deps.Git.Progress(tc.UserID)

	lines := []string{
		"=== Obsidian Sync Status ===",
		fmt.Sprintf("Repository: %s", cfg.RepoURL),
		fmt.Sprintf("Branch: %s", cfg.Branch),
		fmt.Sprintf("Last Update: %s", orUnknown(cfg.UpdatedAt)),
		"",
	}

	if total > 0 {
		percentage := float64(synced) / float64(total) * 100
		lines = append(lines, fmt.Sprintf("**Progress:** %d/%d files (%.1f%%)", synced, total, percentage))
		if eta := tc.estimateETA(total - synced); eta != "" {
			lines = append(lines, fmt.Sprintf("**Estimated completion:** %s", eta))
		}
		lines = append(lines, "")
	}

	switch cfg.State() {
	case syncconfig.StateStopped:
		lines = append(lines, fmt.Sprintf("❌ **STOPPED** - Failed %d times.", cfg.FailureCount))
		if cfg.LastFailureError != "" {
			lines = append(lines, fmt.Sprintf("Error: %s", cfg.LastFailureError))
		}
	case syncconfig.StateWarning:
		lines = append(lines, fmt.Sprintf("⚠️ **WARNING:** %d recent failures.", cfg.FailureCount))
	default:
		lines = append(lines, "✅ **ACTIVE**")
	}

	if cfg.LastSuccess != "" {
		lines = append(lines, fmt.Sprintf("Last success: %s", cfg.LastSuccess))
	}

	return strings.Join(lines, "\n"), nil
}

func HandleResetFailures(_ context.Context, tc *ToolContext, _ json.RawMessage) (string, error) {
	if err := tc.requireUser(); err != nil {
		return "", err
	}

	tc.Deps.Locks.Lock(tc.UserID)
	defer tc.Deps.Locks.Unlock(tc.UserID)

	if _, ok := tc.Deps.Configs.Load(tc.UserID); !ok {
		return "No configuration found to reset.", nil
	}
	if err := tc.Deps.Configs.ResetFailures(tc.UserID); err != nil {
		return "", NewToolError(ErrCodeInternal, err.Error(), nil)
	}
	return "Successfully reset sync failure count. Sync will resume on the next cycle.", nil
}

func HandleForceReindex(_ context.Context, tc *ToolContext, _ json.RawMessage) (string, error) {
	if err := tc.requireUser(); err != nil {
		return "", err
	}

	tc.Deps.Locks.Lock(tc.UserID)
	defer tc.Deps.Locks.Unlock(tc.UserID)

	_, statErr := os.Stat(tc.Deps.Hashes.Path(tc.UserID))
	if err := tc.Deps.Hashes.Delete(tc.UserID); err != nil {
		return "", NewToolError(ErrCodeInternal, err.Error(), nil)
	}
	if statErr != nil {
		return "✅ Full reindex scheduled. No existing index was found.", nil
	}
	return "✅ Full reindex scheduled. All files will be refreshed on the next sync cycle.", nil
}

// estimateETA projects when the backlog drains given the worker's per-cycle
// cap and interval. Empty string means nothing is pending.
func (tc *ToolContext) estimateETA(remaining int) string {
	if remaining <= 0 || tc.Deps.MaxFilesPerCycle <= 0 || tc.Deps.SyncInterval <= 0 {
		return ""
	}

	cycles := (remaining + tc.Deps.MaxFilesPerCycle - 1) / tc.Deps.MaxFilesPerCycle
	minutes := int(time.Duration(cycles) * tc.Deps.SyncInterval / time.Minute)
	if minutes <= 0 {
		return "less than 1 minute"
	}

	days := minutes / (24 * 60)
	hours := (minutes % (24 * 60)) / 60
	mins := minutes % 60

	var parts []string
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if mins > 0 {
		parts = append(parts, plural(mins, "minute"))
	}

	switch len(parts) {
	case 0:
		return "less than 1 minute"
	case 1:
		return parts[0]
	default:
		return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
