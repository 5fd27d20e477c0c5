package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Store persists approval requests. Transition is the only write after
// insert; it must apply atomically against the expected current status so
// two operators cannot decide the same request twice.
type Store interface {
	Insert(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	List(ctx context.Context, status Status) ([]*Request, error)
	Transition(ctx context.Context, id string, from, to Status, decidedBy, note string) error
}

// PostgresStore keeps approval requests in the approvals table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, invocation_id, capability, statement, fingerprint, object,
	       requested_by, role, reason, status, decided_by, decision_note,
	       created_at, decided_at, expires_at`

// Insert stores a new PENDING request.
func (s *PostgresStore) Insert(ctx context.Context, req *Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, invocation_id, capability, statement, fingerprint,
		                       object, requested_by, role, reason, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		req.ID, req.InvocationID, req.Capability, req.Statement, req.Fingerprint,
		req.Object, req.RequestedBy, req.Role, req.Reason, req.Status,
		req.CreatedAt, req.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("Insert: %w", err)
	}
	return nil
}

// Get returns a request by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM approvals WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("Get %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("Get: %w", err)
	}
	return req, nil
}

// List returns up to 100 requests, newest first, optionally filtered by
// status. An empty status returns all.
func (s *PostgresStore) List(ctx context.Context, status Status) ([]*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM approvals`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT 100`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer rows.Close()

	out := make([]*Request, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Transition moves a request from one status to another. The WHERE clause
// guards against racing decisions: zero rows updated means the request was
// missing or no longer in the expected state.
func (s *PostgresStore) Transition(ctx context.Context, id string, from, to Status, decidedBy, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = $1, decided_by = $2, decision_note = $3, decided_at = NOW()
		WHERE id = $4 AND status = $5`,
		to, decidedBy, note, id, from,
	)
	if err != nil {
		return fmt.Errorf("Transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Transition: %w", err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("Transition %s to %s: %w", id, to, ErrAlreadyDecided)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	var decidedBy, note sql.NullString
	var decidedAt sql.NullTime
	err := row.Scan(
		&req.ID, &req.InvocationID, &req.Capability, &req.Statement, &req.Fingerprint,
		&req.Object, &req.RequestedBy, &req.Role, &req.Reason, &req.Status,
		&decidedBy, &note, &req.CreatedAt, &decidedAt, &req.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if decidedBy.Valid {
		req.DecidedBy = decidedBy.String
	}
	if note.Valid {
		req.DecisionNote = note.String
	}
	if decidedAt.Valid {
		t := decidedAt.Time.UTC()
		req.DecidedAt = &t
	}
	return &req, nil
}
