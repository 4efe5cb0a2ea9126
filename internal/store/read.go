package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/opcsync/internal/query"
)

// TransactionRow is a journaled commit attempt.
type TransactionRow struct {
	ID               string    `json:"id"`
	Mode             string    `json:"mode"`
	FailureHandling  string    `json:"failure_handling"`
	ConflictBehavior string    `json:"conflict_behavior"`
	Outcome          string    `json:"outcome"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Error            string    `json:"error,omitempty"`
	RecordHash       string    `json:"record_hash"`
	Changes          int       `json:"changes"`
}

// ChangeRow is one journaled change. OldValue and NewValue are canonical
// JSON.
type ChangeRow struct {
	Seq         int    `json:"seq"`
	Property    string `json:"property"`
	Status      string `json:"status"`
	Source      string `json:"source,omitempty"`
	OldValue    string `json:"old_value"`
	NewValue    string `json:"new_value"`
	Error       string `json:"error,omitempty"`
	Fingerprint string `json:"fingerprint"`
}

// ListTransactions returns the most recent commit attempts, newest first.
// A limit <= 0 returns all of them.
//
// Returns an empty slice (not nil) if the journal is empty.
func (s *Store) ListTransactions(ctx context.Context, limit int) ([]TransactionRow, error) {
	return s.FindTransactions(ctx, nil, limit)
}

// FindTransactions returns the commit attempts matching filter, newest
// first. A nil filter matches everything; a limit <= 0 returns all matches.
func (s *Store) FindTransactions(ctx context.Context, filter query.Predicate, limit int) ([]TransactionRow, error) {
	where, args, err := query.Compile(filter)
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}

	stmt := `
		SELECT t.id, t.mode, t.failure_handling, t.conflict_behavior, t.outcome,
		       t.started_at, t.finished_at, t.error, t.record_hash,
		       (SELECT COUNT(*) FROM changes c WHERE c.transaction_id = t.id)
		FROM transactions t
		WHERE ` + where + `
		ORDER BY t.started_at DESC, t.id COLLATE BINARY DESC
	`
	if limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	out := []TransactionRow{}
	for rows.Next() {
		tr, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

// ReadTransaction returns one commit attempt and its changes in capture
// order. Returns ErrNotFound if the ID is unknown.
func (s *Store) ReadTransaction(ctx context.Context, id string) (TransactionRow, []ChangeRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.mode, t.failure_handling, t.conflict_behavior, t.outcome,
		       t.started_at, t.finished_at, t.error, t.record_hash,
		       (SELECT COUNT(*) FROM changes c WHERE c.transaction_id = t.id)
		FROM transactions t
		WHERE t.id = ?
	`, id)
	tr, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TransactionRow{}, nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return TransactionRow{}, nil, err
	}

	changes, err := s.readChanges(ctx, id)
	if err != nil {
		return TransactionRow{}, nil, err
	}
	return tr, changes, nil
}

// ChangesForProperty returns every journaled change of a property
// ("Type.Property"), oldest transaction first.
func (s *Store) ChangesForProperty(ctx context.Context, property string) ([]ChangeRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.seq, c.property, c.status, c.source, c.old_value, c.new_value, c.error, c.fingerprint
		FROM changes c
		JOIN transactions t ON c.transaction_id = t.id
		WHERE c.property = ?
		ORDER BY t.started_at ASC, t.id COLLATE BINARY ASC, c.seq ASC
	`, property)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	return collectChanges(rows)
}

func (s *Store) readChanges(ctx context.Context, id string) ([]ChangeRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, property, status, source, old_value, new_value, error, fingerprint
		FROM changes
		WHERE transaction_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	return collectChanges(rows)
}

func collectChanges(rows *sql.Rows) ([]ChangeRow, error) {
	defer rows.Close()
	out := []ChangeRow{}
	for rows.Next() {
		var c ChangeRow
		if err := rows.Scan(&c.Seq, &c.Property, &c.Status, &c.Source, &c.OldValue, &c.NewValue, &c.Error, &c.Fingerprint); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return out, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(r rowScanner) (TransactionRow, error) {
	var tr TransactionRow
	var started, finished int64
	err := r.Scan(&tr.ID, &tr.Mode, &tr.FailureHandling, &tr.ConflictBehavior, &tr.Outcome,
		&started, &finished, &tr.Error, &tr.RecordHash, &tr.Changes)
	if errors.Is(err, sql.ErrNoRows) {
		return TransactionRow{}, err
	}
	if err != nil {
		return TransactionRow{}, fmt.Errorf("scan transaction: %w", err)
	}
	tr.StartedAt = time.Unix(0, started).UTC()
	tr.FinishedAt = time.Unix(0, finished).UTC()
	return tr, nil
}
