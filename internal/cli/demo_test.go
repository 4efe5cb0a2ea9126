package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastConfig shortens every interval so connection loss is detected and
// repaired within milliseconds.
const fastConfig = `
client:
  reconnect_interval: 20ms
  subscription_health_check_interval: 10ms
  max_reconnect_duration: 100ms
  stall_detection_iterations: 5
  operation_timeout: 2s
  buffer_time: 5ms
`

func TestDemo_Converges(t *testing.T) {
	cfg := writeFile(t, "opcsync.yaml", fastConfig)
	opts := &DemoOptions{RootOptions: &RootOptions{Format: "text"}, ConfigPath: cfg}

	out, err := runDirect(t, func(cmd *cobra.Command) error { return runDemo(opts, cmd) })
	require.NoError(t, err, out)
	for _, step := range []string{"initial sync", "client transaction", "server structure", "server value", "reconnect"} {
		assert.Contains(t, out, "✓ "+step+":")
	}
	assert.Contains(t, out, "Client people: 4")
	assert.Contains(t, out, "Connected:     true")
	assert.NotContains(t, out, "Journal:")
}

func TestDemo_JournalRecordsCommits(t *testing.T) {
	cfg := writeFile(t, "opcsync.yaml", fastConfig)
	db := filepath.Join(t.TempDir(), "journal.db")
	opts := &DemoOptions{RootOptions: &RootOptions{Format: "json"}, ConfigPath: cfg, Journal: db}

	out, err := runDirect(t, func(cmd *cobra.Command) error { return runDemo(opts, cmd) })
	require.NoError(t, err, out)

	var resp struct {
		Status string     `json:"status"`
		Data   DemoResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Passed())
	assert.Equal(t, 4, resp.Data.ClientPeople)
	// At least the client transaction and the server transaction it caused.
	assert.GreaterOrEqual(t, resp.Data.Transactions, 2)
	assert.True(t, resp.Data.Diagnostics.IsConnected)
	assert.GreaterOrEqual(t, resp.Data.Diagnostics.SuccessfulReconnections, int64(1))

	listed, err := execute(t, NewJournalCommand(&RootOptions{Format: "text"}), "verify", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, listed, "0 mismatched")
}

func TestDemo_BadConfig(t *testing.T) {
	cfg := writeFile(t, "opcsync.yaml", "client:\n  reconnect_interval: 0s\n")
	opts := &DemoOptions{RootOptions: &RootOptions{Format: "text"}, ConfigPath: cfg}

	_, err := runDirect(t, func(cmd *cobra.Command) error { return runDemo(opts, cmd) })
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestDemo_ListenServesGraph(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	url := fmt.Sprintf("opc.tcp://127.0.0.1:%d", port)
	cfg := writeFile(t, "opcsync.yaml", fastConfig)
	opts := &DemoOptions{RootOptions: &RootOptions{Format: "text"}, ConfigPath: cfg, Listen: url}

	out, err := runDirect(t, func(cmd *cobra.Command) error { return runDemo(opts, cmd) })
	require.NoError(t, err, out)
	assert.Contains(t, out, "Served at:     "+url)
}

func TestDemo_BadListen(t *testing.T) {
	cfg := writeFile(t, "opcsync.yaml", fastConfig)
	opts := &DemoOptions{RootOptions: &RootOptions{Format: "text"}, ConfigPath: cfg, Listen: "localhost:4840"}

	_, err := runDirect(t, func(cmd *cobra.Command) error { return runDemo(opts, cmd) })
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
