package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/opcsync/internal/ir"
	"github.com/roach88/opcsync/internal/subject"
	"github.com/roach88/opcsync/internal/transaction"
)

// Change statuses stored in changes.status.
const (
	StatusApplied            = "applied"
	StatusFailed             = "failed"
	StatusConflict           = "conflict"
	StatusCompensationFailed = "compensation_failed"
)

var _ transaction.Journal = (*Store)(nil)

// changeRow is one changes row before insertion.
type changeRow struct {
	property string
	status   string
	source   string
	oldValue string
	newValue string
	errText  string
}

// Record writes one commit record and its changes atomically.
// Uses ON CONFLICT(id) DO NOTHING for idempotency: recording the same
// transaction ID twice keeps the first record.
func (s *Store) Record(ctx context.Context, rec transaction.Record) error {
	rows := recordRows(rec)

	fingerprints := make([]string, len(rows))
	for i, r := range rows {
		fp, err := ir.ChangeFingerprint(rec.ID, r.property+"#"+r.status, r.oldValue, r.newValue)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
		fingerprints[i] = fp
	}
	hash, err := ir.RecordHash(rec.ID, string(rec.Outcome), fingerprints)
	if err != nil {
		return fmt.Errorf("record %s: %w", rec.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record %s: begin tx: %w", rec.ID, err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, mode, failure_handling, conflict_behavior, outcome, started_at, finished_at, error, record_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.Mode.String(),
		rec.FailureHandling.String(),
		rec.ConflictBehavior.String(),
		string(rec.Outcome),
		rec.StartedAt.UnixNano(),
		rec.FinishedAt.UnixNano(),
		rec.Error,
		hash,
	)
	if err != nil {
		return fmt.Errorf("record %s: insert transaction: %w", rec.ID, err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("record %s: rows affected: %w", rec.ID, err)
	}
	if inserted == 0 {
		return nil
	}

	if err := insertChanges(ctx, tx, rec.ID, rows, fingerprints); err != nil {
		return fmt.Errorf("record %s: %w", rec.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record %s: commit: %w", rec.ID, err)
	}
	return nil
}

func insertChanges(ctx context.Context, tx *sql.Tx, id string, rows []changeRow, fingerprints []string) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO changes
		(transaction_id, seq, property, status, source, old_value, new_value, error, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare changes: %w", err)
	}
	defer stmt.Close()

	for i, r := range rows {
		if _, err := stmt.ExecContext(ctx, id, i, r.property, r.status, r.source, r.oldValue, r.newValue, r.errText, fingerprints[i]); err != nil {
			return fmt.Errorf("insert change %d: %w", i, err)
		}
	}
	return nil
}

// recordRows flattens a record into change rows: applied, failed, conflicts,
// compensation failures.
func recordRows(rec transaction.Record) []changeRow {
	var rows []changeRow
	for _, ch := range rec.Applied {
		rows = append(rows, fromChange(ch, StatusApplied, appliedSource(ch), nil))
	}
	for _, f := range rec.Failed {
		rows = append(rows, fromChange(f.Change, StatusFailed, f.Source, f.Err))
	}
	for _, ref := range rec.Conflicts {
		rows = append(rows, changeRow{
			property: ref.String(),
			status:   StatusConflict,
			oldValue: "null",
			newValue: "null",
		})
	}
	for _, f := range rec.CompensationFailed {
		rows = append(rows, fromChange(f.Change, StatusCompensationFailed, f.Source, f.Err))
	}
	return rows
}

// appliedSource names the external source a change was written through,
// falling back to the write tag for local-only changes.
func appliedSource(ch subject.Change) string {
	if src, ok := transaction.SourceOf(ch.Property); ok {
		return src.Name()
	}
	return sourceName(ch.Source)
}

func fromChange(ch subject.Change, status, source string, err error) changeRow {
	return changeRow{
		property: ch.Property.String(),
		status:   status,
		source:   source,
		oldValue: marshalValue(ch.OldValue),
		newValue: marshalValue(ch.NewValue),
		errText:  errorText(err),
	}
}
