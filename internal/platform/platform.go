// Package platform talks to the data platform's admin interface. It is the
// execution delegate behind the built-in capabilities: everything here runs
// only after the validation pipeline has allowed, bounded and audited the
// statement.
package platform

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// QueryResult is a bounded, column-ordered result set.
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
}

// ExecResult reports a mutating statement's effect.
type ExecResult struct {
	RowsAffected int64 `json:"rows_affected"`
}

// Executor abstracts statement execution for testability.
type Executor interface {
	Query(ctx context.Context, stmt string, maxRows int) (*QueryResult, error)
	Exec(ctx context.Context, stmt string) (*ExecResult, error)
}

// Client executes statements over database/sql.
type Client struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewClient creates a Client over an open connection pool.
func NewClient(db *sql.DB, logger *zap.Logger) *Client {
	return &Client{db: db, logger: logger}
}

// Query runs a read statement and scans up to maxRows rows. A maxRows of
// zero or less means unbounded; bounded statements normally carry their own
// LIMIT already, so this is a second ceiling, not the primary one.
func (c *Client) Query(ctx context.Context, stmt string, maxRows int) (*QueryResult, error) {
	rows, err := c.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}

	result := &QueryResult{Columns: cols, Rows: make([][]any, 0)}
	for rows.Next() {
		if maxRows > 0 && result.RowCount >= maxRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("Query: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
		result.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	return result, nil
}

// Exec runs a mutating or administrative statement.
func (c *Client) Exec(ctx context.Context, stmt string) (*ExecResult, error) {
	res, err := c.db.ExecContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("Exec: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some administrative statements report no row count.
		n = 0
	}
	return &ExecResult{RowsAffected: n}, nil
}
