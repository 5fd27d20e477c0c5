package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// testAPIKey is the raw API key used in tests. Must start with "ibk_" and be >= 8 chars.
const testAPIKey = "ibk_test_valid_key_1234567890abcdef"

// testHash returns a bcrypt hash of testAPIKey using MinCost (fast for tests).
func testHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}
	return string(hash)
}

// mockStore implements PrincipalStore for testing.
type mockStore struct {
	row       *principalRow
	err       error
	callCount atomic.Int32
}

func (m *mockStore) LookupByPrefix(_ context.Context, _ string) (*principalRow, error) {
	m.callCount.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return m.row, nil
}

func validRow(t *testing.T) *principalRow {
	t.Helper()
	return &principalRow{
		Name:       "ana",
		Role:       "analyst",
		APIKeyHash: testHash(t),
		Enabled:    true,
	}
}

func TestPostgresAuth_CacheMiss_ValidKey(t *testing.T) {
	store := &mockStore{row: validRow(t)}
	cache := NewPrincipalCache(1 * time.Minute)
	auth := newPostgresAuthenticatorWithStore(store, cache, zap.NewNop())

	principal, err := auth.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if principal.User != "ana" {
		t.Errorf("expected user ana, got %s", principal.User)
	}
	if principal.Role != "analyst" {
		t.Errorf("expected role analyst, got %s", principal.Role)
	}
	if store.callCount.Load() != 1 {
		t.Errorf("expected 1 DB call, got %d", store.callCount.Load())
	}
}

func TestPostgresAuth_CacheHit_NoDBCall(t *testing.T) {
	store := &mockStore{row: validRow(t)}
	cache := NewPrincipalCache(1 * time.Minute)
	auth := newPostgresAuthenticatorWithStore(store, cache, zap.NewNop())

	// First call: cache miss, hits DB.
	if _, err := auth.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("first authenticate: %v", err)
	}
	// Second call: fresh cache hit, no DB.
	if _, err := auth.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("second authenticate: %v", err)
	}

	if store.callCount.Load() != 1 {
		t.Errorf("expected 1 DB call total, got %d", store.callCount.Load())
	}
}

func TestPostgresAuth_WrongKey_Rejected(t *testing.T) {
	store := &mockStore{row: validRow(t)}
	cache := NewPrincipalCache(1 * time.Minute)
	auth := newPostgresAuthenticatorWithStore(store, cache, zap.NewNop())

	// Same prefix, different key: bcrypt verification must fail.
	_, err := auth.Authenticate(context.Background(), "ibk_test_some_other_key_000000000000")
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected ErrInvalidAPIKey, got: %v", err)
	}
}

func TestPostgresAuth_UnknownPrefix_Rejected(t *testing.T) {
	store := &mockStore{err: ErrInvalidAPIKey}
	cache := NewPrincipalCache(1 * time.Minute)
	auth := newPostgresAuthenticatorWithStore(store, cache, zap.NewNop())

	_, err := auth.Authenticate(context.Background(), testAPIKey)
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected ErrInvalidAPIKey, got: %v", err)
	}
}

func TestPostgresAuth_DisabledPrincipal_Rejected(t *testing.T) {
	row := validRow(t)
	row.Enabled = false
	store := &mockStore{row: row}
	cache := NewPrincipalCache(1 * time.Minute)
	auth := newPostgresAuthenticatorWithStore(store, cache, zap.NewNop())

	_, err := auth.Authenticate(context.Background(), testAPIKey)
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected ErrInvalidAPIKey, got: %v", err)
	}
}

func TestPostgresAuth_ShortKey_Rejected(t *testing.T) {
	store := &mockStore{row: validRow(t)}
	cache := NewPrincipalCache(1 * time.Minute)
	auth := newPostgresAuthenticatorWithStore(store, cache, zap.NewNop())

	_, err := auth.Authenticate(context.Background(), "ibk_a")
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("expected ErrInvalidAPIKey, got: %v", err)
	}
	if store.callCount.Load() != 0 {
		t.Errorf("short key must not reach the DB, got %d calls", store.callCount.Load())
	}
}

func TestPostgresAuth_DBError_Unavailable(t *testing.T) {
	store := &mockStore{err: errors.New("connection refused")}
	cache := NewPrincipalCache(1 * time.Minute)
	auth := newPostgresAuthenticatorWithStore(store, cache, zap.NewNop())

	_, err := auth.Authenticate(context.Background(), testAPIKey)
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("expected ErrAuthUnavailable, got: %v", err)
	}
}

func TestPostgresAuth_StaleHit_ServesStaleAndRefreshes(t *testing.T) {
	store := &mockStore{row: validRow(t)}
	cache := NewPrincipalCache(1 * time.Millisecond)
	auth := newPostgresAuthenticatorWithStore(store, cache, zap.NewNop())

	if _, err := auth.Authenticate(context.Background(), testAPIKey); err != nil {
		t.Fatalf("first authenticate: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// Stale hit still answers immediately from cache.
	principal, err := auth.Authenticate(context.Background(), testAPIKey)
	if err != nil {
		t.Fatalf("stale authenticate: %v", err)
	}
	if principal.User != "ana" {
		t.Errorf("expected stale principal ana, got %s", principal.User)
	}

	// The background refresh lands eventually.
	deadline := time.Now().Add(2 * time.Second)
	for store.callCount.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("background refresh never hit the DB")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{"bare key", testAPIKey, testAPIKey, nil},
		{"bearer scheme", "Bearer " + testAPIKey, testAPIKey, nil},
		{"case-insensitive scheme", "bearer " + testAPIKey, testAPIKey, nil},
		{"empty header", "", "", ErrMissingAPIKey},
		{"wrong prefix", "Bearer tok_abcdef", "", ErrInvalidAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BearerToken(tt.header)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("token = %q, want %q", got, tt.want)
			}
		})
	}
}
