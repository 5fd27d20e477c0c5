// Package auth authenticates API keys and resolves them to principals.
package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("authentication backend unavailable")
)

// Principal is the authenticated caller: the identity the audit trail
// records and the role the policy engine evaluates.
type Principal struct {
	User string
	Role string
}

// Authenticator resolves a presented API key to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*Principal, error)
}

// BearerToken strips an RFC 6750 Bearer scheme from an Authorization
// header value. The scheme is case-insensitive.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingAPIKey
	}
	token := header
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, "ibk_") {
		return "", ErrInvalidAPIKey
	}
	return token, nil
}

// StaticAuthenticator maps exact API keys to principals from configuration.
// Useful for development and tests; production deployments use
// PostgresAuthenticator.
type StaticAuthenticator struct {
	keys map[string]Principal
}

// NewStaticAuthenticator creates an authenticator over a fixed key table.
func NewStaticAuthenticator(keys map[string]Principal) *StaticAuthenticator {
	return &StaticAuthenticator{keys: keys}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, apiKey string) (*Principal, error) {
	p, ok := a.keys[apiKey]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	return &Principal{User: p.User, Role: p.Role}, nil
}
