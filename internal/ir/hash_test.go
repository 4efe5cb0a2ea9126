package ir

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeFingerprintDeterminism(t *testing.T) {
	a, err := ChangeFingerprint("tx-1", "Root.Name", "old", "new")
	require.NoError(t, err)
	b, err := ChangeFingerprint("tx-1", "Root.Name", "old", "new")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64, "SHA-256 hex is 64 characters")
}

func TestChangeFingerprintChangesWithInput(t *testing.T) {
	base, err := ChangeFingerprint("tx-1", "Root.Name", "old", "new")
	require.NoError(t, err)

	variants := [][4]any{
		{"tx-2", "Root.Name", "old", "new"},
		{"tx-1", "Root.Number", "old", "new"},
		{"tx-1", "Root.Name", "other", "new"},
		{"tx-1", "Root.Name", "old", "newer"},
		{"tx-1", "Root.Name", nil, "new"},
	}
	for _, v := range variants {
		got, err := ChangeFingerprint(v[0].(string), v[1].(string), v[2], v[3])
		require.NoError(t, err)
		assert.NotEqual(t, base, got, "%v", v)
	}
}

func TestChangeFingerprintRejectsNonFinite(t *testing.T) {
	_, err := ChangeFingerprint("tx-1", "Root.Number", 0.0, math.Inf(-1))
	assert.Error(t, err)
}

func TestDomainSeparation(t *testing.T) {
	data := []byte(`{"a":1}`)
	assert.NotEqual(t, hashWithDomain(DomainChange, data), hashWithDomain(DomainRecord, data))
}

func TestRecordHashOrderSensitive(t *testing.T) {
	a, err := RecordHash("tx-1", "committed", []string{"f1", "f2"})
	require.NoError(t, err)
	b, err := RecordHash("tx-1", "committed", []string{"f2", "f1"})
	require.NoError(t, err)
	c, err := RecordHash("tx-1", "partial", []string{"f1", "f2"})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}
