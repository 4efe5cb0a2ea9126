package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/opcsync/internal/model"
	"github.com/roach88/opcsync/internal/subject"
	"github.com/roach88/opcsync/internal/transaction"
)

// createTestStore creates a new store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "iteration %d", i)
		var count int
		require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM transactions").Scan(&count))
		s.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestOpen_MigratesOldJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.DB().Exec("DROP INDEX idx_changes_property")
	require.NoError(t, err)
	_, err = s.DB().Exec("PRAGMA user_version = 0")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.verifyPragma("user_version", "1"))
	var n int
	require.NoError(t, s.DB().QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_changes_property'").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{}
	assert.NoError(t, s.Close())
}

type recSpec struct {
	id      string
	started time.Time
	applied []subject.Change
}

func record(t *testing.T, r recSpec) transaction.Record {
	t.Helper()
	return transaction.Record{
		ID:         r.id,
		Outcome:    transaction.OutcomeCommitted,
		StartedAt:  r.started,
		FinishedAt: r.started.Add(time.Millisecond),
		Applied:    r.applied,
	}
}

func nameChange(t *testing.T, root subject.Subject, old, next string) subject.Change {
	t.Helper()
	ref, err := subject.NewPropertyReference(root, "Name")
	require.NoError(t, err)
	return subject.Change{Property: ref, OldValue: old, NewValue: next}
}

func TestRecord_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	root := model.NewRoot(subject.NewContext())
	start := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)

	require.NoError(t, s.Record(ctx, record(t, recSpec{
		id:      "tx-1",
		started: start,
		applied: []subject.Change{nameChange(t, root, "root", "first")},
	})))

	tr, changes, err := s.ReadTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", tr.ID)
	assert.Equal(t, "exclusive", tr.Mode)
	assert.Equal(t, "committed", tr.Outcome)
	assert.True(t, start.Equal(tr.StartedAt))
	assert.Equal(t, 1, tr.Changes)
	assert.Len(t, tr.RecordHash, 64)

	require.Len(t, changes, 1)
	assert.Equal(t, "Root.Name", changes[0].Property)
	assert.Equal(t, StatusApplied, changes[0].Status)
	assert.Equal(t, `"root"`, changes[0].OldValue)
	assert.Equal(t, `"first"`, changes[0].NewValue)
	assert.Len(t, changes[0].Fingerprint, 64)
}

func TestRecord_IdempotentByID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	root := model.NewRoot(subject.NewContext())
	now := time.Now()

	first := record(t, recSpec{id: "tx-1", started: now, applied: []subject.Change{nameChange(t, root, "a", "b")}})
	second := record(t, recSpec{id: "tx-1", started: now, applied: []subject.Change{nameChange(t, root, "x", "y")}})
	require.NoError(t, s.Record(ctx, first))
	require.NoError(t, s.Record(ctx, second))

	_, changes, err := s.ReadTransaction(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, `"b"`, changes[0].NewValue)
}

func TestRecord_SameHistorySameHash(t *testing.T) {
	ctx := context.Background()
	root := model.NewRoot(subject.NewContext())
	r := record(t, recSpec{id: "tx-1", started: time.Now(), applied: []subject.Change{nameChange(t, root, "a", "b")}})

	a, b := createTestStore(t), createTestStore(t)
	require.NoError(t, a.Record(ctx, r))
	require.NoError(t, b.Record(ctx, r))

	ta, _, err := a.ReadTransaction(ctx, "tx-1")
	require.NoError(t, err)
	tb, _, err := b.ReadTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, ta.RecordHash, tb.RecordHash)
}

func TestReadTransaction_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, _, err := s.ReadTransaction(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListTransactions_NewestFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"tx-a", "tx-b", "tx-c"} {
		require.NoError(t, s.Record(ctx, record(t, recSpec{id: id, started: base.Add(time.Duration(i) * time.Second)})))
	}

	all, err := s.ListTransactions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"tx-c", "tx-b", "tx-a"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, 0, all[0].Changes)

	limited, err := s.ListTransactions(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListTransactions_EmptyJournal(t *testing.T) {
	s := createTestStore(t)

	all, err := s.ListTransactions(context.Background(), 10)
	require.NoError(t, err)
	assert.NotNil(t, all)
	assert.Empty(t, all)
}

func TestMarshalValue(t *testing.T) {
	c := subject.NewContext()
	ada := model.NewPerson(c, "Ada", "Lovelace")

	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"nil", nil, "null"},
		{"string", "x", `"x"`},
		{"float", 2.5, "2.5"},
		{"subject", ada, `{"$subject":"Person"}`},
		{"nil subject", subject.Subject(nil), "null"},
		{"collection", []subject.Subject{ada, ada}, `[{"$subject":"Person"},{"$subject":"Person"}]`},
		{"dictionary", map[string]subject.Subject{"ada": ada}, `{"ada":{"$subject":"Person"}}`},
		{"unsupported falls back to text", struct{ A int }{7}, `"{7}"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, marshalValue(tt.input))
		})
	}
}
