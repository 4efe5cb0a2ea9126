package transaction

import (
	"context"
	"time"

	"github.com/roach88/opcsync/internal/subject"
)

// Outcome classifies how a commit ended.
type Outcome string

const (
	OutcomeCommitted  Outcome = "committed"
	OutcomePartial    Outcome = "partial"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeConflict   Outcome = "conflict"
	OutcomeFailed     Outcome = "failed"
	OutcomeEmpty      Outcome = "empty"
)

// Record is the journal entry for one commit attempt.
type Record struct {
	ID               string
	Mode             LockMode
	FailureHandling  FailureHandling
	ConflictBehavior ConflictBehavior
	Outcome          Outcome
	StartedAt        time.Time
	FinishedAt       time.Time

	Applied   []subject.Change
	Failed    []FailedChange
	Conflicts []subject.PropertyReference
	Error     string

	// CompensationFailed lists reverts that could not be written back.
	CompensationFailed []FailedChange
}

// Journal persists commit records. Journal failures are logged and never
// fail the commit.
type Journal interface {
	Record(ctx context.Context, rec Record) error
}
