package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	tests := []struct {
		name       string
		pred       Predicate
		wantSQL    string
		wantParams []any
	}{
		{
			name:    "nil",
			pred:    nil,
			wantSQL: "1 = 1",
		},
		{
			name:       "equals",
			pred:       Equals{Field: "outcome", Value: "partial"},
			wantSQL:    "t.outcome = ?",
			wantParams: []any{"partial"},
		},
		{
			name:       "prefix counts characters",
			pred:       Prefix{Field: "id", Value: "tx-é"},
			wantSQL:    "substr(t.id, 1, ?) = ?",
			wantParams: []any{4, "tx-é"},
		},
		{
			name:       "time range",
			pred:       TimeRange{Field: "started_at", From: from, To: to},
			wantSQL:    "t.started_at >= ? AND t.started_at < ?",
			wantParams: []any{from.UnixNano(), to.UnixNano()},
		},
		{
			name:       "open time range",
			pred:       TimeRange{Field: "finished_at", To: to},
			wantSQL:    "t.finished_at < ?",
			wantParams: []any{to.UnixNano()},
		},
		{
			name:    "empty and",
			pred:    And{},
			wantSQL: "1 = 1",
		},
		{
			name:    "has any change",
			pred:    HasChange{},
			wantSQL: "EXISTS (SELECT 1 FROM changes c WHERE c.transaction_id = t.id AND 1 = 1)",
		},
		{
			name: "conjunction with change filter",
			pred: And{Predicates: []Predicate{
				Equals{Field: "outcome", Value: "partial"},
				HasChange{Filter: And{Predicates: []Predicate{
					Prefix{Field: "property", Value: "Person."},
					Equals{Field: "status", Value: "failed"},
				}}},
			}},
			wantSQL: "t.outcome = ? AND EXISTS (SELECT 1 FROM changes c WHERE c.transaction_id = t.id AND " +
				"substr(c.property, 1, ?) = ? AND c.status = ?)",
			wantParams: []any{"partial", 7, "Person.", "failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, params, err := Compile(tt.pred)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantParams, params)
		})
	}
}

func TestCompile_ValuesNeverInterpolated(t *testing.T) {
	hostile := "x' OR '1'='1"
	sql, params, err := Compile(And{Predicates: []Predicate{
		Equals{Field: "outcome", Value: hostile},
		HasChange{Filter: Prefix{Field: "new_value", Value: hostile}},
	}})
	require.NoError(t, err)
	assert.NotContains(t, sql, hostile)
	assert.Contains(t, params, hostile)
}

func TestCompile_RejectsInvalid(t *testing.T) {
	_, _, err := Compile(Equals{Field: "outcome; DROP TABLE changes", Value: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}
