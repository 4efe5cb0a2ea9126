package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/opcsync/internal/client"
	"github.com/roach88/opcsync/internal/config"
	"github.com/roach88/opcsync/internal/model"
	"github.com/roach88/opcsync/internal/server"
	"github.com/roach88/opcsync/internal/store"
	"github.com/roach88/opcsync/internal/subject"
	"github.com/roach88/opcsync/internal/transaction"
)

// DemoOptions holds flags for the demo command.
type DemoOptions struct {
	*RootOptions
	ConfigPath string
	Journal    string
	Duration   time.Duration
	Listen     string

	// IDGenerator overrides transaction IDs (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGenerator transaction.IDGenerator
}

// DemoStep is the outcome of one scripted demo step.
type DemoStep struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// DemoResult summarizes a demo run.
type DemoResult struct {
	ServerNodes  int                        `json:"server_nodes"`
	ClientPeople int                        `json:"client_people"`
	Steps        []DemoStep                 `json:"steps"`
	Diagnostics  client.DiagnosticsSnapshot `json:"diagnostics"`
	Journal      string                     `json:"journal,omitempty"`
	URLs         []string                   `json:"urls,omitempty"`
	Transactions int                        `json:"transactions,omitempty"`
}

// Passed reports whether every step succeeded.
func (r DemoResult) Passed() bool {
	for _, s := range r.Steps {
		if !s.OK {
			return false
		}
	}
	return true
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a server and a synchronizing client in one process",
		Long: `Expose the demo graph (a root with people in a reference, a
collection and a dictionary) through an in-process address space and
mirror it with a client over a loopback session.

The demo then drives a scripted sequence: a client-side transaction,
server-side structural and value changes, and a connection loss with
reconnection. With --journal every commit on both sides is recorded in
a SQLite journal that "opcsync journal" can inspect. With --listen the
server graph is also served over opc.tcp, so "opcsync browse" or any
other OPC UA client can connect while the demo runs.

Exit codes:
  0 - every step converged
  1 - a step did not converge in time
  2 - command error (bad config, journal not writable)

Examples:
  opcsync demo
  opcsync demo --journal ./journal.db --config ./opcsync.cue
  opcsync demo --duration 1m --verbose
  opcsync demo --listen opc.tcp://127.0.0.1:4840 --duration 10m`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "configuration file (.cue or .yaml)")
	cmd.Flags().StringVar(&opts.Journal, "journal", "", "record commits in this SQLite journal")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "keep syncing this long after the script (0 exits at once)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "serve the server graph on this opc.tcp endpoint, overrides the config")

	return cmd
}

// demo holds the live pieces of a demo run.
type demo struct {
	logger  *slog.Logger
	srvRoot *subject.Object
	srv     *server.Server
	root    *subject.Object
	lb      *client.Loopback
	client  *client.Client
	wait    time.Duration // per-step convergence timeout
}

func runDemo(opts *DemoOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	logger := opts.logger()

	file, err := loadConfig(opts.ConfigPath)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	if opts.Listen != "" {
		file.Server.Endpoint = opts.Listen
		if err := file.Server.Validate(); err != nil {
			_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid --listen endpoint", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var journal *store.Store
	if opts.Journal != "" {
		journal, err = store.Open(opts.Journal)
		if err != nil {
			_ = formatter.Error(ErrCodeJournal, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if err := journal.Close(); err != nil {
				logger.Error("error closing journal", "error", err)
			}
		}()
		// Client writes become server transactions, so they land in the
		// journal too.
		file.Server.TransactionalWrites = true
	}

	d, err := startDemo(ctx, file, journal, opts.IDGenerator, logger)
	if err != nil {
		_ = formatter.Error(ErrCodeConnect, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to start demo", err)
	}
	defer d.close()

	result := DemoResult{Journal: opts.Journal, URLs: d.srv.URLs()}
	if len(result.URLs) > 0 {
		logger.Info("serving", "urls", result.URLs)
	}
	for _, step := range d.script() {
		res := step(ctx)
		logger.Info("demo step", "step", res.Name, "ok", res.OK, "detail", res.Detail)
		result.Steps = append(result.Steps, res)
		if !res.OK {
			break
		}
	}

	if opts.Duration > 0 && result.Passed() {
		logger.Info("syncing", "duration", opts.Duration)
		select {
		case <-ctx.Done():
		case <-time.After(opts.Duration):
		}
	}

	result.ServerNodes = d.srv.Space().Len()
	result.ClientPeople = len(d.people())
	result.Diagnostics = d.client.Diagnostics()
	if journal != nil {
		rows, err := journal.ListTransactions(context.WithoutCancel(ctx), 0)
		if err != nil {
			logger.Error("list journal", "error", err)
		}
		result.Transactions = len(rows)
	}

	if formatter.JSON() {
		if result.Passed() {
			err = formatter.Success(result)
		} else {
			err = formatter.Failure(ErrCodeTestFailed, "demo did not converge", result)
		}
		if err != nil {
			return err
		}
	} else {
		writeDemo(formatter.Writer, result)
	}

	if !result.Passed() {
		return NewExitError(ExitFailure, "demo did not converge")
	}
	return nil
}

// startDemo builds the server graph, exposes it and starts a client
// mirroring it.
func startDemo(ctx context.Context, file config.File, journal *store.Store, ids transaction.IDGenerator, logger *slog.Logger) (*demo, error) {
	d := &demo{logger: logger}
	d.wait = 3*file.Client.ReconnectInterval + file.Client.OperationTimeout

	install := []transaction.InstallOption{transaction.WithLogger(logger)}
	if journal != nil {
		install = append(install, transaction.WithJournal(journal))
	}
	if ids != nil {
		install = append(install, transaction.WithIDGenerator(ids))
	}

	d.srvRoot = model.NewRoot(subject.NewContext())
	transaction.Install(d.srvRoot.Context(), install...)
	if err := model.Populate(ctx, d.srvRoot); err != nil {
		return nil, fmt.Errorf("populate: %w", err)
	}

	d.srv = server.New(d.srvRoot, file.Server,
		server.WithRegistry(model.Registry()),
		server.WithLogger(logger),
	)
	if err := d.srv.Start(ctx); err != nil {
		return nil, err
	}

	d.root = model.NewRoot(subject.NewContext())
	transaction.Install(d.root.Context(), install...)
	d.lb = client.NewLoopback(d.srv.Space())
	d.client = client.New(d.root, d.lb.Factory(), file.Client,
		client.WithRegistry(model.Registry()),
		client.WithLogger(logger),
	)
	if err := d.client.Start(ctx); err != nil {
		_ = d.srv.Close()
		return nil, err
	}
	return d, nil
}

func (d *demo) close() {
	if err := d.client.Close(); err != nil {
		d.logger.Error("close client", "error", err)
	}
	if err := d.srv.Close(); err != nil {
		d.logger.Error("close server", "error", err)
	}
}

func (d *demo) people() []subject.Subject {
	items, _ := d.root.Raw("People").([]subject.Subject)
	return items
}

// until polls cond until it holds or the step timeout passes.
func (d *demo) until(ctx context.Context, cond func() bool) bool {
	deadline := time.NewTimer(d.wait)
	defer deadline.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return cond()
		case <-tick.C:
		}
	}
}

type demoStep func(ctx context.Context) DemoStep

func (d *demo) script() []demoStep {
	return []demoStep{
		d.initialSync,
		d.clientTransaction,
		d.serverStructure,
		d.serverValue,
		d.reconnect,
	}
}

func (d *demo) initialSync(ctx context.Context) DemoStep {
	ok := d.until(ctx, func() bool {
		return d.root.Raw("Name") == "demo" && len(d.people()) == 3
	})
	return DemoStep{Name: "initial sync", OK: ok, Detail: fmt.Sprintf("%d people mirrored", len(d.people()))}
}

func (d *demo) clientTransaction(ctx context.Context) DemoStep {
	step := DemoStep{Name: "client transaction"}
	tx, txCtx, err := transaction.BeginExclusive(ctx, d.root.Context())
	if err != nil {
		step.Detail = err.Error()
		return step
	}
	defer tx.Close()
	if err := d.root.Set(txCtx, "Name", "renamed-by-client"); err != nil {
		step.Detail = err.Error()
		return step
	}
	if err := d.root.Set(txCtx, "Number", 42.0); err != nil {
		step.Detail = err.Error()
		return step
	}
	if err := tx.Commit(txCtx); err != nil {
		step.Detail = err.Error()
		return step
	}
	step.OK = d.until(ctx, func() bool {
		return d.srvRoot.Raw("Name") == "renamed-by-client" && d.srvRoot.Raw("Number") == 42.0
	})
	step.Detail = fmt.Sprintf("server Name=%v Number=%v", d.srvRoot.Raw("Name"), d.srvRoot.Raw("Number"))
	return step
}

func (d *demo) serverStructure(ctx context.Context) DemoStep {
	step := DemoStep{Name: "server structure"}
	katherine := model.NewPerson(d.srvRoot.Context(), "Katherine", "Johnson")
	if err := d.srvRoot.Append(ctx, "People", katherine); err != nil {
		step.Detail = err.Error()
		return step
	}
	step.OK = d.until(ctx, func() bool {
		people := d.people()
		return len(people) == 4 && people[3].(*subject.Object).Raw("FirstName") == "Katherine"
	})
	step.Detail = fmt.Sprintf("client has %d people", len(d.people()))
	return step
}

func (d *demo) serverValue(ctx context.Context) DemoStep {
	step := DemoStep{Name: "server value"}
	grace := d.srvRoot.Items(ctx, "People")[1].(*subject.Object)
	if err := grace.Set(ctx, "LastName", "Murray Hopper"); err != nil {
		step.Detail = err.Error()
		return step
	}
	var full any
	step.OK = d.until(ctx, func() bool {
		people := d.people()
		if len(people) < 2 {
			return false
		}
		full = people[1].(*subject.Object).Raw("FullName")
		return full == "Grace Murray Hopper"
	})
	step.Detail = fmt.Sprintf("client FullName=%v", full)
	return step
}

func (d *demo) reconnect(ctx context.Context) DemoStep {
	step := DemoStep{Name: "reconnect"}
	d.lb.SetAvailable(false)
	if !d.until(ctx, func() bool { return !d.client.Diagnostics().IsConnected }) {
		d.lb.SetAvailable(true)
		step.Detail = "connection loss not detected"
		return step
	}
	if err := d.srvRoot.Set(ctx, "Name", "changed-while-offline"); err != nil {
		d.lb.SetAvailable(true)
		step.Detail = err.Error()
		return step
	}
	d.lb.SetAvailable(true)

	step.OK = d.until(ctx, func() bool {
		return d.client.Diagnostics().IsConnected && d.root.Raw("Name") == "changed-while-offline"
	})
	diag := d.client.Diagnostics()
	step.Detail = fmt.Sprintf("%d attempt(s), %d successful", diag.TotalReconnectionAttempts, diag.SuccessfulReconnections)
	return step
}

func writeDemo(w io.Writer, r DemoResult) {
	for _, s := range r.Steps {
		mark := "✓"
		if !s.OK {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s: %s\n", mark, s.Name, s.Detail)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Server nodes:  %d\n", r.ServerNodes)
	fmt.Fprintf(w, "Client people: %d\n", r.ClientPeople)
	diag := r.Diagnostics
	fmt.Fprintf(w, "Connected:     %t (session %s)\n", diag.IsConnected, diag.SessionID)
	fmt.Fprintf(w, "Reconnects:    %d attempt(s), %d ok, %d failed, %d stall reset(s)\n",
		diag.TotalReconnectionAttempts, diag.SuccessfulReconnections, diag.FailedReconnections, diag.StallResets)
	if r.Journal != "" {
		fmt.Fprintf(w, "Journal:       %d transaction(s) in %s\n", r.Transactions, r.Journal)
	}
	for _, u := range r.URLs {
		fmt.Fprintf(w, "Served at:     %s\n", u)
	}
}
