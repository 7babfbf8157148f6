// Package auth supplies the bearer credential a signed-in user holds for the
// MAGUS backend. The identity provider itself lives elsewhere; the session
// layer only needs to know whether a credential is present and what it is.
package auth

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrNoCredential is returned when no user is signed in.
var ErrNoCredential = errors.New("auth: no credential")

// CredentialSource returns the current access token.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// Static is a CredentialSource holding a fixed token. An empty token means
// signed out.
type Static struct {
	mu    sync.RWMutex
	token string
}

var _ CredentialSource = (*Static)(nil)

// NewStatic returns a source holding token.
func NewStatic(token string) *Static {
	return &Static{token: strings.TrimSpace(token)}
}

// Token implements CredentialSource.
func (s *Static) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrNoCredential
	}
	return s.token, nil
}

// Set replaces the token, e.g. after a refresh. An empty token signs out.
func (s *Static) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = strings.TrimSpace(token)
}

// Env reads the token from an environment variable on every call, so a
// rotated secret is picked up without a restart.
type Env string

var _ CredentialSource = Env("")

// Token implements CredentialSource.
func (e Env) Token(context.Context) (string, error) {
	tok := strings.TrimSpace(os.Getenv(string(e)))
	if tok == "" {
		return "", ErrNoCredential
	}
	return tok, nil
}

// Func adapts a function to CredentialSource.
type Func func(ctx context.Context) (string, error)

// Token implements CredentialSource.
func (f Func) Token(ctx context.Context) (string, error) { return f(ctx) }
