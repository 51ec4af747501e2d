package tools

import (
	"fmt"
	"regexp"
	"strings"
)

type UploadFileParams struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

func (p *UploadFileParams) Validate() error {
	if strings.TrimSpace(p.Filename) == "" {
		return fmt.Errorf("filename is required")
	}
	return nil
}

type CreateNoteParams struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (p *CreateNoteParams) Validate() error {
	if SanitizeTitle(p.Title) == "" {
		return fmt.Errorf("title must contain at least one usable character")
	}
	return nil
}

// Letters and digits in any script are usable; Go's \w would be ASCII-only.
var unsafeTitleRe = regexp.MustCompile(`[^\p{L}\p{N}_\s-]`)

// SanitizeTitle turns a note title into a filesystem-safe filename stem:
// special characters removed, surrounding whitespace trimmed, spaces
// replaced by underscores.
func SanitizeTitle(title string) string {
	safe := unsafeTitleRe.ReplaceAllString(title, "")
	return strings.ReplaceAll(strings.TrimSpace(safe), " ", "_")
}

type FilenameParams struct {
	Filename string `json:"filename"`
}

func (p *FilenameParams) Validate() error {
	if strings.TrimSpace(p.Filename) == "" {
		return fmt.Errorf("filename is required")
	}
	return nil
}

type ModifyFileParams struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

func (p *ModifyFileParams) Validate() error {
	if strings.TrimSpace(p.Filename) == "" {
		return fmt.Errorf("filename is required")
	}
	return nil
}

type ListFilesParams struct {
	Directory string `json:"directory,omitempty"`
}

type SearchFilesParams struct {
	Query string `json:"query"`
	K     *int   `json:"k,omitempty"`
}

func (p *SearchFilesParams) Validate() error {
	if strings.TrimSpace(p.Query) == "" {
		return fmt.Errorf("query is required")
	}
	if p.K != nil && (*p.K < 1 || *p.K > 50) {
		return fmt.Errorf("k must be between 1 and 50")
	}
	return nil
}

// Limit returns the requested result count, defaulted.
func (p *SearchFilesParams) Limit() int {
	if p.K != nil {
		return *p.K
	}
	return 5
}

type ConfigureParams struct {
	RepoURL string `json:"repo_url,omitempty"`
	Token   string `json:"token,omitempty"`
	Branch  string `json:"branch,omitempty"`
}
