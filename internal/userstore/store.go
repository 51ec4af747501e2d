// Package userstore binds opaque bearer tokens and short-lived authorization
// codes to user identities. Storage is a process-local map; the gateway runs
// as a single replica, so no shared KV is needed.
package userstore

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

const (
	// TokenTTL is the access token lifetime advertised on /token.
	TokenTTL = 30 * 24 * time.Hour
	// CodeTTL bounds how long an authorization code stays redeemable.
	CodeTTL = 10 * time.Minute
)

type tokenEntry struct {
	userID    string
	expiresAt time.Time
}

type codeEntry struct {
	userID    string
	expiresAt time.Time
}

// Store holds access tokens and authorization codes.
type Store struct {
	mu     sync.Mutex
	tokens map[string]tokenEntry
	codes  map[string]codeEntry
	now    func() time.Time
}

func New() *Store {
	return &Store{
		tokens: make(map[string]tokenEntry),
		codes:  make(map[string]codeEntry),
		now:    time.Now,
	}
}

func randomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// IssueCode creates a single-use authorization code bound to userID.
func (s *Store) IssueCode(userID string) string {
	code := randomString(16)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = codeEntry{userID: userID, expiresAt: s.now().Add(CodeTTL)}
	return code
}

// RedeemCode consumes an authorization code and returns the bound user ID.
// A code can be redeemed at most once; unknown or expired codes return false.
func (s *Store) RedeemCode(code string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[code]
	if !ok {
		return "", false
	}
	delete(s.codes, code)

	if s.now().After(entry.expiresAt) {
		return "", false
	}
	return entry.userID, true
}

// IssueToken creates an access token bound to userID.
func (s *Store) IssueToken(userID string) string {
	token := randomString(32)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = tokenEntry{userID: userID, expiresAt: s.now().Add(TokenTTL)}
	return token
}

// Lookup resolves an access token to its user ID.
func (s *Store) Lookup(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[token]
	if !ok {
		return "", false
	}
	if s.now().After(entry.expiresAt) {
		delete(s.tokens, token)
		return "", false
	}
	return entry.userID, true
}
