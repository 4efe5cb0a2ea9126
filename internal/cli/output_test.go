package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decode parses the single JSON envelope a formatter wrote.
func decode(t *testing.T, buf *bytes.Buffer) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp), buf.String())
	return resp
}

func TestOutputFormatter_JSONEnvelopes(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}
	require.NoError(t, f.Success(map[string]int{"nodes": 12}))
	resp := decode(t, &buf)
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
	assert.Equal(t, map[string]any{"nodes": float64(12)}, resp.Data)

	buf.Reset()
	require.NoError(t, f.Error(ErrCodeConnect, "endpoint unreachable", map[string]string{"endpoint": "opc.tcp://plc:4840"}))
	resp = decode(t, &buf)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeConnect, resp.Error.Code)
	assert.Equal(t, "endpoint unreachable", resp.Error.Message)
	assert.Equal(t, map[string]any{"endpoint": "opc.tcp://plc:4840"}, resp.Error.Details)
	assert.Nil(t, resp.Data)

	buf.Reset()
	require.NoError(t, f.Error(ErrCodeJournal, "journal unreadable", nil))
	assert.NotContains(t, buf.String(), "details")
}

// A check that ran but did not pass reports its data next to the error.
func TestOutputFormatter_FailureKeepsData(t *testing.T) {
	var buf bytes.Buffer
	f := &OutputFormatter{Format: "json", Writer: &buf}

	require.NoError(t, f.Failure(ErrCodeTestFailed, "1 scenario(s) failed", map[string]int{"failed": 1}))
	resp := decode(t, &buf)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeTestFailed, resp.Error.Code)
	assert.Equal(t, map[string]any{"failed": float64(1)}, resp.Data)
}

func TestOutputFormatter_Text(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		write   func(*OutputFormatter) error
		want    []string
		notWant []string
	}{
		{
			name:  "success",
			write: func(f *OutputFormatter) error { return f.Success("journal ok") },
			want:  []string{"journal ok\n"},
		},
		{
			name: "error hides details",
			write: func(f *OutputFormatter) error {
				return f.Error(ErrCodeConfig, "unknown field", map[string]string{"file": "opcsync.cue"})
			},
			want:    []string{"Error [E_CONFIG]: unknown field"},
			notWant: []string{"Details:"},
		},
		{
			name:    "verbose error shows details",
			verbose: true,
			write: func(f *OutputFormatter) error {
				return f.Error(ErrCodeConfig, "unknown field", map[string]string{"file": "opcsync.cue"})
			},
			want: []string{"Error [E_CONFIG]: unknown field", "Details: map[file:opcsync.cue]"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			f := &OutputFormatter{Format: "text", Writer: &buf, Verbose: tt.verbose}
			require.NoError(t, tt.write(f))
			for _, s := range tt.want {
				assert.Contains(t, buf.String(), s)
			}
			for _, s := range tt.notWant {
				assert.NotContains(t, buf.String(), s)
			}
		})
	}
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	var quiet bytes.Buffer
	(&OutputFormatter{Format: "text", Writer: &quiet}).VerboseLog("loading %s", "opcsync.cue")
	assert.Empty(t, quiet.String())

	var text bytes.Buffer
	(&OutputFormatter{Format: "text", Writer: &text, Verbose: true}).VerboseLog("loading %s", "opcsync.cue")
	assert.Equal(t, "loading opcsync.cue\n", text.String())

	// JSON mode keeps stdout parseable.
	var out, errOut bytes.Buffer
	(&OutputFormatter{Format: "json", Writer: &out, ErrWriter: &errOut, Verbose: true}).VerboseLog("loading %s", "opcsync.yaml")
	assert.Empty(t, out.String())
	assert.Equal(t, "loading opcsync.yaml\n", errOut.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "no journal")))

	wrapped := WrapExitError(ExitFailure, "verify", errors.New("hash mismatch"))
	assert.Equal(t, "verify: hash mismatch", wrapped.Error())
	assert.Equal(t, ExitFailure, GetExitCode(errors.Join(errors.New("outer"), wrapped)))
}
