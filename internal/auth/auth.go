// Package auth extracts the session identity ("which user") from the bearer
// token on the entity CRUD surface (spec.md §6: /aliases, /servers,
// /variables, /secrets). It answers "whose entities are these", not a full
// OAuth/OIDC flow (SPEC_FULL.md §6 Non-goals).
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingBearerToken is returned when a request carries no
// "Authorization: Bearer ..." header.
var ErrMissingBearerToken = errors.New("missing bearer token")

// Session is the identity extracted from a session token.
type Session struct {
	UserID   string
	Email    string
	UserName string
}

// claims is the minimal shape cidweave's own session tokens carry. A
// third-party identity provider's token (Supabase, Auth0, ...) is also
// accepted as long as it carries "sub" and, optionally, "email"/"user_name" —
// the same generalization a GitHub-specific extractor hinted at with its
// app_metadata.provider check, dropped here since this package no longer
// assumes a single upstream provider.
type claims struct {
	jwt.RegisteredClaims
	Email    string `json:"email,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

// ExtractSession parses and verifies a bearer token from r's Authorization
// header using secret as the HMAC signing key, returning the session
// identity carried in its claims.
func ExtractSession(r *http.Request, secret string) (Session, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Session{}, ErrMissingBearerToken
	}
	return parseSession(header, secret)
}

// parseSession verifies tokenHeader (with or without a "Bearer " prefix)
// against secret and extracts the session identity from its claims.
func parseSession(tokenHeader string, secret string) (Session, error) {
	tokenString := strings.TrimPrefix(tokenHeader, "Bearer ")
	if tokenString == "" {
		return Session{}, ErrMissingBearerToken
	}

	var c claims
	_, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("parse session token: %w", err)
	}

	session := Session{UserID: c.Subject, Email: c.Email, UserName: c.UserName}
	if session.UserID == "" && session.Email == "" && session.UserName == "" {
		return Session{}, errors.New("no user identification found in token")
	}
	return session, nil
}

// IssueSession signs a new session token for userID, valid for use with
// ExtractSession against the same secret. Used by cmd/cidweave's session
// login route and by tests.
func IssueSession(secret, userID, email, userName string) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
		Email:            email,
		UserName:         userName,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString([]byte(secret))
}
