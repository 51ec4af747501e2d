// Package ragapi is the wire contract to the external embedding and
// vector-store service. The service chunks and embeds uploaded documents
// itself; this client only moves bytes and scoping keys.
package ragapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	networkTimeout = 30 * time.Second
	jwtLifetime    = 5 * time.Minute
	maxRetries     = 3
	initialBackoff = time.Second
)

// FileID is the join-key between gateway writes and worker indexing. The
// filename part is the vault-relative path including the obsidian_vault/
// prefix, forward slashes.
func FileID(userID, rel string) string {
	return fmt.Sprintf("user_%s_obsidian_vault/%s", userID, rel)
}

// MetadataFilename is the filename recorded in chunk metadata for a
// vault-relative path.
func MetadataFilename(rel string) string {
	return "obsidian_vault/" + rel
}

// StatusError is returned for non-2xx responses from the RAG service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rag api status %d: %s", e.Code, e.Body)
}

// Indexer is the part of the client that writers depend on; tests substitute
// an in-process fake.
type Indexer interface {
	Embed(ctx context.Context, req EmbedRequest) error
	Delete(ctx context.Context, userID, fileID string) error
}

// EmbedRequest describes one document upload.
type EmbedRequest struct {
	UserID      string
	FileID      string
	FileName    string // name of the multipart file part
	ContentType string // text/markdown or text/plain
	Content     []byte
	Metadata    map[string]any
}

// Client talks HTTP to the RAG service.
type Client struct {
	baseURL       string
	jwtSecret     string
	http          *http.Client
	retryInterval time.Duration // overridable in tests
}

var _ Indexer = (*Client)(nil)

func NewClient(baseURL, jwtSecret string) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		jwtSecret:     jwtSecret,
		http:          &http.Client{Timeout: networkTimeout},
		retryInterval: initialBackoff,
	}
}

// bearerToken signs a short-lived HS256 JWT the RAG service accepts. An empty
// secret yields an empty token and the Authorization header is omitted.
func (c *Client) bearerToken(userID string) (string, error) {
	if c.jwtSecret == "" {
		return "", nil
	}
	claims := jwt.MapClaims{
		"id":  userID,
		"exp": time.Now().Add(jwtLifetime).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.jwtSecret))
}

func (c *Client) authorize(req *http.Request, userID string) error {
	token, err := c.bearerToken(userID)
	if err != nil {
		return fmt.Errorf("signing rag jwt: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
	return nil
}

// Embed uploads one document. Transient failures (connection errors, 5xx)
// are retried with exponential backoff; other 4xx responses fail immediately.
func (c *Client) Embed(ctx context.Context, req EmbedRequest) error {
	op := func() error {
		err := c.embedOnce(ctx, req)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, c.policy(ctx))
}

func (c *Client) embedOnce(ctx context.Context, req EmbedRequest) error {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	// The file part carries only the basename; the full vault path travels
	// in file_id and metadata so the service does not create directories.
	name := req.FileName
	if name == "" {
		name = path.Base(req.FileID)
	}
	part, err := createFormFile(form, "file", name, req.ContentType)
	if err != nil {
		return err
	}
	if _, err := part.Write(req.Content); err != nil {
		return err
	}
	if err := form.WriteField("file_id", req.FileID); err != nil {
		return err
	}
	if req.Metadata != nil {
		meta, err := json.Marshal(req.Metadata)
		if err != nil {
			return fmt.Errorf("encoding storage metadata: %w", err)
		}
		if err := form.WriteField("storage_metadata", string(meta)); err != nil {
			return err
		}
	}
	if err := form.Close(); err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", &body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	if err := c.authorize(httpReq, req.UserID); err != nil {
		return err
	}

	return c.do(httpReq)
}

// Delete removes every chunk indexed under fileID. 404 is treated as
// success: the chunks are gone either way.
func (c *Client) Delete(ctx context.Context, userID, fileID string) error {
	endpoint := c.baseURL + "/embed/" + url.PathEscape(fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	if err := c.authorize(req, userID); err != nil {
		return err
	}

	err = c.do(req)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return nil
	}
	return err
}

// ErrNoLocalEmbed reports that the optional /local/embed fast path is not
// available; callers fall back to the temporary-document route.
var ErrNoLocalEmbed = errors.New("local embed endpoint unavailable")

// LocalEmbed asks the service for a query embedding without persisting
// anything. Accepts both {"embedding": [...]} and a bare array response.
func (c *Client) LocalEmbed(ctx context.Context, userID, text string) ([]float64, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/local/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(req, userID); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoLocalEmbed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrNoLocalEmbed
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var wrapped struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Embedding) > 0 {
		return wrapped.Embedding, nil
	}
	var bare []float64
	if err := json.Unmarshal(raw, &bare); err == nil && len(bare) > 0 {
		return bare, nil
	}
	return nil, ErrNoLocalEmbed
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	log.Debug().Int("status", resp.StatusCode).Str("url", req.URL.Path).Msg("rag api error response")
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func (c *Client) policy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)
}

// createFormFile is multipart.Writer.CreateFormFile with an explicit content
// type instead of application/octet-stream.
func createFormFile(w *multipart.Writer, field, filename, contentType string) (io.Writer, error) {
	if contentType == "" {
		contentType = "text/markdown"
	}
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename)}
	h["Content-Type"] = []string{contentType}
	return w.CreatePart(h)
}
