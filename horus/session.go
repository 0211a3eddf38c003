// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSession is a SessionHolder backed by a bearer JWT. The client
// does not hold the signing secret, so claims are read without
// signature verification; the server remains the authority and answers
// NotAuthorized for a forged or stale token.
type TokenSession struct {
	mu        sync.RWMutex
	token     string
	userID    string
	expiresAt time.Time
	now       func() time.Time
}

// NewTokenSession creates an empty (unauthenticated) session.
func NewTokenSession() *TokenSession {
	return &TokenSession{now: time.Now}
}

// SetToken installs a bearer token, extracting the user id from the
// standard sub claim and the expiry from exp.
func (s *TokenSession) SetToken(token string) error {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return fmt.Errorf("failed to parse session token: %w", err)
	}
	if claims.Subject == "" {
		return fmt.Errorf("missing sub (user ID) in token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.userID = claims.Subject
	if claims.ExpiresAt != nil {
		s.expiresAt = claims.ExpiresAt.Time
	} else {
		s.expiresAt = time.Time{}
	}
	return nil
}

// ClearToken signs the session out.
func (s *TokenSession) ClearToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.userID = ""
	s.expiresAt = time.Time{}
}

// IsUserAuthenticated reports whether a non-expired token is installed.
func (s *TokenSession) IsUserAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return false
	}
	if !s.expiresAt.IsZero() && !s.now().Before(s.expiresAt) {
		return false
	}
	return true
}

// UserID returns the authenticated user id, if any.
func (s *TokenSession) UserID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.userID == "" {
		return "", false
	}
	return s.userID, true
}

// BearerToken returns the raw token for the Authorization header. It
// satisfies the HTTPService token func signature.
func (s *TokenSession) BearerToken(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", fmt.Errorf("no session token installed")
	}
	return s.token, nil
}
