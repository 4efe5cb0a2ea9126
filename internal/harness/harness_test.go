package harness

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestRun_EmptyRoot(t *testing.T) {
	result, err := Run(&Scenario{
		Name:        "empty",
		Description: "Unpopulated root",
		Assertions: []Assertion{
			{Type: AssertChildCount, Node: "People", Count: 0},
			{Type: AssertValue, Node: "Name", Value: "root"},
			{Type: AssertNodeAbsent, Node: "Person"},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
	assert.Empty(t, result.Trace, "no steps, no events")

	expected := strings.Join([]string{
		"Root [RootType]",
		`  Name = "root"`,
		"  Number = 0",
		"  People [Folder]",
		"  PeopleByName [Folder]",
		"",
	}, "\n")
	assert.Equal(t, expected, result.Dump)
}

func TestRun_TraceRecordsEventsInOrder(t *testing.T) {
	result, err := Run(&Scenario{
		Name:        "trace",
		Description: "Appending a person",
		Steps: []Step{
			{Op: OpAppend, Property: "People", Person: &PersonSpec{First: "Ada", Last: "Lovelace"}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceContains, Kind: "node_added", BrowseName: "People[0]"},
			{Type: AssertTraceContains, Kind: "node_added", BrowseName: "FullName"},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors=%v", result.Errors)

	require.NotEmpty(t, result.Trace)
	assert.Equal(t, "node_added", result.Trace[0].Kind)
	assert.Equal(t, "People[0]", result.Trace[0].BrowseName)
	for i, ev := range result.Trace {
		assert.Equal(t, i+1, ev.Seq)
	}
}

func TestRun_UnexpectedStatusFails(t *testing.T) {
	result, err := Run(&Scenario{
		Name:        "status",
		Description: "Write to a derived variable without declaring the rejection",
		Populate:    true,
		Steps: []Step{
			{Op: OpWrite, Node: "Person/FullName", Value: "x"},
		},
		Assertions: []Assertion{{Type: AssertMirrorConverges}},
	})
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "status BadNotWritable, expected Good")
	assert.Equal(t, []StepResult{{Op: OpWrite, Status: "BadNotWritable"}}, result.Steps)
}

func TestRun_UnresolvedPathsFail(t *testing.T) {
	result, err := Run(&Scenario{
		Name:        "paths",
		Description: "Paths that do not resolve",
		Populate:    true,
		Steps: []Step{
			{Op: OpWrite, Node: "Nope/Name", Value: "x"},
			{Op: OpSet, Target: "People[9]", Property: "Age", Value: 1},
			{Op: OpSet, Target: "PeopleByName[nobody]", Property: "Age", Value: 1},
			{Op: OpSet, Property: "Missing", Value: 1},
		},
		Assertions: []Assertion{{Type: AssertNodeExists, Node: "People"}},
	})
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Len(t, result.Errors, 4)
	for _, st := range result.Steps {
		assert.Equal(t, "Error", st.Status)
	}
}

func TestRun_DictionaryAndNestedPaths(t *testing.T) {
	result, err := Run(&Scenario{
		Name:        "nested",
		Description: "Subject paths through dictionaries",
		Populate:    true,
		Steps: []Step{
			{Op: OpSet, Target: "PeopleByName[grace]", Property: "Age", Value: 85},
		},
		Assertions: []Assertion{
			{Type: AssertValue, Node: "People/People[1]/Age", Value: 85},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
}

func TestRun_FailedAssertionsAreCollected(t *testing.T) {
	result, err := Run(&Scenario{
		Name:        "failing",
		Description: "Assertions that do not hold",
		Populate:    true,
		Assertions: []Assertion{
			{Type: AssertChildCount, Node: "People", Count: 5},
			{Type: AssertValue, Node: "Name", Value: "other"},
			{Type: AssertSameNode, Node: "People/People[1]", Other: "People/People[2]"},
			{Type: AssertNodeExists, Node: "People/People[0]"},
			{Type: AssertJournalOutcome, ID: "tx-1", Outcome: "committed"},
		},
	})
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 5)
	assert.Contains(t, result.Errors[0], "3 children")
	assert.Contains(t, result.Errors[1], `Name = "other"`)
	assert.Contains(t, result.Errors[4], "transactional_writes")
}

func TestRun_LiveSyncOverride(t *testing.T) {
	result, err := Run(&Scenario{
		Name:        "live",
		Description: "Live sync off",
		Server:      ServerConfig{LiveSync: boolPtr(false)},
		Steps: []Step{
			{Op: OpAppend, Property: "People", Person: &PersonSpec{First: "Ada"}},
		},
		Assertions: []Assertion{{Type: AssertChildCount, Node: "People", Count: 0}},
	})
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors=%v", result.Errors)
	assert.Empty(t, result.Trace)
}

func TestStatusName(t *testing.T) {
	assert.Equal(t, "Good", statusName(0))
	assert.Equal(t, "0x80FF0000", statusName(0x80FF0000))
}
