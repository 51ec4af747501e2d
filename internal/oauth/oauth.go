// Package oauth implements the minimal OAuth 2.0 authorization-code flow the
// chat host drives to obtain a bearer token for the MCP endpoint. The host
// embeds the end-user's id in the state parameter, so the approval page needs
// no separate identity step.
package oauth

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/obsidianmcp/obsidian-sync-mcp/internal/userstore"
)

// Handler serves /authorize and /token.
type Handler struct {
	users *userstore.Store
}

func NewHandler(users *userstore.Store) *Handler {
	return &Handler{users: users}
}

// Mount attaches the OAuth endpoints to a chi router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/authorize", h.handleAuthorizeGet)
	r.Post("/authorize", h.handleAuthorizePost)
	r.Post("/token", h.handleToken)
}

// userFromState extracts the user id from the state parameter, which must be
// of the form "<user_id>:<anything>".
func userFromState(state string) (string, bool) {
	userID, _, found := strings.Cut(state, ":")
	if !found || userID == "" {
		return "", false
	}
	return userID, true
}

var approvalPage = template.Must(template.New("approve").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorize Obsidian Sync</title></head>
<body>
<h1>Authorize Obsidian Sync</h1>
<p>Grant <strong>{{.ClientID}}</strong> access to the vault of <strong>{{.UserID}}</strong>?</p>
<form method="POST" action="/authorize">
  <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
  <input type="hidden" name="state" value="{{.State}}">
  <button type="submit" name="action" value="approve">Approve</button>
</form>
</body>
</html>
`))

func (h *Handler) handleAuthorizeGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")

	userID, ok := userFromState(state)
	if !ok {
		http.Error(w, "malformed state parameter", http.StatusBadRequest)
		return
	}
	if q.Get("redirect_uri") == "" {
		http.Error(w, "missing redirect_uri", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	approvalPage.Execute(w, map[string]string{
		"ClientID":    q.Get("client_id"),
		"UserID":      userID,
		"RedirectURI": q.Get("redirect_uri"),
		"State":       state,
	})
}

func (h *Handler) handleAuthorizePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("action") != "approve" {
		http.Error(w, "authorization not approved", http.StatusBadRequest)
		return
	}

	state := r.PostForm.Get("state")
	userID, ok := userFromState(state)
	if !ok {
		http.Error(w, "malformed state parameter", http.StatusBadRequest)
		return
	}

	redirectURI := r.PostForm.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	code := h.users.IssueCode(userID)

	log.Info().Str("userId", userID).Msg("Issued authorization code")

	q := target.Query()
	q.Set("code", code)
	q.Set("state", state)
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest

	// Clients send either form-encoded or JSON bodies.
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.tokenError(w, "invalid_request", "malformed JSON body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			h.tokenError(w, "invalid_request", "malformed form body")
			return
		}
		req.GrantType = r.PostForm.Get("grant_type")
		req.Code = r.PostForm.Get("code")
		req.CodeVerifier = r.PostForm.Get("code_verifier")
	}

	if req.Code == "" {
		h.tokenError(w, "invalid_request", "missing code")
		return
	}

	// PKCE code_verifier is accepted but not verified against a challenge.
	userID, ok := h.users.RedeemCode(req.Code)
	if !ok {
		h.tokenError(w, "invalid_grant", "unknown or expired authorization code")
		return
	}

	token := h.users.IssueToken(userID)

	log.Info().Str("userId", userID).Msg("Issued access token")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(userstore.TokenTTL.Seconds()),
		"scope":        "obsidian_sync",
	})
}

func (h *Handler) tokenError(w http.ResponseWriter, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, `{"error":%q,"error_description":%q}`+"\n", code, description)
}
