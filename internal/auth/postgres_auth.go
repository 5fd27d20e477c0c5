package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// PrincipalStore abstracts DB queries for testability.
type PrincipalStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*principalRow, error)
}

type principalRow struct {
	Name       string
	Role       string
	APIKeyHash string
	Enabled    bool
}

// sqlPrincipalStore is the real implementation using *sql.DB.
type sqlPrincipalStore struct {
	db *sql.DB
}

func (s *sqlPrincipalStore) LookupByPrefix(ctx context.Context, prefix string) (*principalRow, error) {
	row := &principalRow{}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, role, api_key_hash, enabled
		 FROM principals
		 WHERE api_key_prefix = $1`,
		prefix,
	).Scan(&row.Name, &row.Role, &row.APIKeyHash, &row.Enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("sqlPrincipalStore.LookupByPrefix: %w", err)
	}
	return row, nil
}

// PostgresAuthenticator validates API keys against the principals table.
// Uses PrincipalCache with stale-while-revalidate to avoid DB + bcrypt on
// the hot path. Auth failures always return an error: nothing is classified
// or executed without a valid principal.
type PostgresAuthenticator struct {
	store  PrincipalStore
	cache  *PrincipalCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new authenticator backed by PostgreSQL.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  &sqlPrincipalStore{db: cfg.DB},
		cache:  NewPrincipalCache(ttl),
		logger: cfg.Logger,
	}
}

// newPostgresAuthenticatorWithStore creates an authenticator with an injected store (for testing).
func newPostgresAuthenticatorWithStore(store PrincipalStore, cache *PrincipalCache, logger *zap.Logger) *PostgresAuthenticator {
	return &PostgresAuthenticator{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// Authenticate validates the API key against the database.
//
// Flow:
//  1. Cache lookup (stale-while-revalidate):
//     - Fresh hit: return immediately
//     - Stale hit: return stale principal, spawn background refresh
//     - Miss: do full DB + bcrypt lookup synchronously
//  2. On DB error: ErrAuthUnavailable. Never fail open.
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, apiKey string) (*Principal, error) {
	result := a.cache.Get(apiKey)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(apiKey)
		}
		return result.Principal, nil
	}

	principal, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		return a.handleLookupError(err)
	}

	a.cache.Set(apiKey, principal)
	return principal, nil
}

// backgroundRefresh performs the DB + bcrypt lookup in a background goroutine.
// Errors are logged but don't affect the caller, who already got the stale value.
func (a *PostgresAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	principal, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background cache refresh failed",
			zap.Error(err),
		)
		// Drop the entry so the next stale read retries synchronously.
		a.cache.Delete(apiKey)
		return
	}

	a.cache.Set(apiKey, principal)
}

// lookupAndVerify does the full DB prefix lookup + bcrypt verification.
func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, apiKey string) (*Principal, error) {
	// api_key_prefix is the first 8 chars (e.g. "ibk_abcd")
	if len(apiKey) < 8 {
		return nil, ErrInvalidAPIKey
	}
	prefix := apiKey[:8]

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	if !row.Enabled {
		return nil, ErrInvalidAPIKey
	}

	return &Principal{User: row.Name, Role: row.Role}, nil
}

// handleLookupError maps lookup failures; DB errors surface as unavailable.
func (a *PostgresAuthenticator) handleLookupError(lookupErr error) (*Principal, error) {
	if errors.Is(lookupErr, ErrInvalidAPIKey) {
		return nil, ErrInvalidAPIKey
	}

	a.logger.Warn("auth DB unreachable",
		zap.Error(lookupErr),
	)
	return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, lookupErr)
}
