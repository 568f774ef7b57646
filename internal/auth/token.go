// Package auth serves the stored bearer token to the transport and REST
// clients.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ErrNoToken means no usable token is stored: none was saved, or the
// saved one has expired.
var ErrNoToken = errors.New("auth: no token")

// Store persists the raw token.
type Store interface {
	LoadToken() (string, error)
	SaveToken(token string) error
	ClearToken() error
}

// TokenSource implements oauth2.TokenSource over the store. The token is
// read on every call so a token saved through the control API takes
// effect on the next dial.
type TokenSource struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	listeners []func()
}

var _ oauth2.TokenSource = (*TokenSource)(nil)

// NewTokenSource creates a token source backed by store.
func NewTokenSource(store Store, logger *zap.Logger) *TokenSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenSource{store: store, now: time.Now, logger: logger}
}

// Token returns the stored token or ErrNoToken.
func (s *TokenSource) Token() (*oauth2.Token, error) {
	raw, err := s.store.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	if raw == "" {
		return nil, ErrNoToken
	}
	exp := Expiry(raw)
	if !exp.IsZero() && !exp.After(s.now()) {
		s.logger.Info("stored token expired", zap.Time("exp", exp))
		return nil, ErrNoToken
	}
	return &oauth2.Token{AccessToken: raw, TokenType: "Bearer", Expiry: exp}, nil
}

// Save stores token. A leading "Bearer" scheme, in any case, is stripped.
func (s *TokenSource) Save(token string) error {
	token = strings.TrimSpace(stripScheme(strings.TrimLeft(token, " \t\r\n")))
	if token == "" {
		return errors.New("auth: empty token")
	}
	if err := s.store.SaveToken(token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	s.logger.Info("token saved", zap.Time("exp", Expiry(token)))
	return nil
}

func stripScheme(token string) string {
	const scheme = "bearer"
	if len(token) < len(scheme) || !strings.EqualFold(token[:len(scheme)], scheme) {
		return token
	}
	rest := token[len(scheme):]
	if rest == "" {
		return ""
	}
	if rest[0] != ' ' && rest[0] != '\t' {
		// A token that merely starts with the letters.
		return token
	}
	return rest
}

// Clear removes the stored token and notifies OnClear listeners.
func (s *TokenSource) Clear() error {
	if err := s.store.ClearToken(); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	s.logger.Warn("token cleared")
	s.mu.Lock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
	return nil
}

// OnClear registers fn to run after every Clear.
func (s *TokenSource) OnClear(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Expiry reads the exp claim of a JWT without verifying it. Opaque tokens
// and tokens without exp yield the zero time.
func Expiry(raw string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
