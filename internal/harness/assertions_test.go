package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertTraceContains(t *testing.T) {
	trace := []TraceEvent{
		{Seq: 1, Kind: "node_added", BrowseName: "People[0]", Node: "ns=1;i=1010"},
		{Seq: 2, Kind: "browse_name_changed", BrowseName: "People[1]", Node: "ns=1;i=1011"},
	}

	tests := []struct {
		name      string
		assertion Assertion
		wantErr   bool
	}{
		{"kind and name", Assertion{Type: AssertTraceContains, Kind: "node_added", BrowseName: "People[0]"}, false},
		{"kind only", Assertion{Type: AssertTraceContains, Kind: "browse_name_changed"}, false},
		{"wrong name", Assertion{Type: AssertTraceContains, Kind: "node_added", BrowseName: "People[1]"}, true},
		{"missing kind", Assertion{Type: AssertTraceContains, Kind: "node_deleted"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceContains(trace, tt.assertion)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ae *AssertionError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, AssertTraceContains, ae.Type)
			assert.Len(t, ae.Trace, 2)
		})
	}
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{
		Type:     "child_count",
		Expected: `3 children under "People"`,
		Actual:   "2 children [People[0] People[1]]",
		Trace: []TraceEvent{
			{Seq: 1, Kind: "node_deleted", BrowseName: "People[2]", Node: "ns=1;i=1020"},
		},
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: child_count")
	assert.Contains(t, msg, `Expected: 3 children under "People"`)
	assert.Contains(t, msg, "Actual: 2 children")
	assert.Contains(t, msg, `[1] node_deleted "People[2]" ns=1;i=1020`)
}

func TestAssertionError_NoTrace(t *testing.T) {
	err := &AssertionError{Type: "value", Expected: "a", Actual: "b"}
	assert.NotContains(t, err.Error(), "Full trace")
}
