package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/opcsync/internal/config"
	"github.com/roach88/opcsync/internal/model"
	"github.com/roach88/opcsync/internal/server"
	"github.com/roach88/opcsync/internal/subject"
	"github.com/roach88/opcsync/internal/testutil"
	"github.com/roach88/opcsync/internal/transaction"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	srv     *server.Server
	srvRoot *subject.Object
	lb      *Loopback
	client  *Client
	root    *subject.Object
}

func testClientOptions() config.ClientOptions {
	o := config.DefaultClientOptions()
	o.ReconnectInterval = 20 * time.Millisecond
	o.SubscriptionHealthCheckInterval = 10 * time.Millisecond
	o.MaxReconnectDuration = 100 * time.Millisecond
	o.StallDetectionIterations = 5
	o.PeriodicResyncInterval = 30 * time.Millisecond
	o.OperationTimeout = time.Second
	o.BufferTime = 5 * time.Millisecond
	return o
}

func newFixture(t *testing.T, mutate func(*config.ClientOptions), mutateServer func(*config.ServerOptions)) *fixture {
	t.Helper()
	srvRoot := model.NewRoot(subject.NewContext())
	require.NoError(t, model.Populate(context.Background(), srvRoot))

	sopts := config.DefaultServerOptions()
	if mutateServer != nil {
		mutateServer(&sopts)
	}
	srv := server.New(srvRoot, sopts, server.WithRegistry(model.Registry()))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Close() })

	copts := testClientOptions()
	if mutate != nil {
		mutate(&copts)
	}
	root := model.NewRoot(subject.NewContext())
	transaction.Install(root.Context())
	lb := NewLoopback(srv.Space())
	c := New(root, lb.Factory(), copts, WithRegistry(model.Registry()))
	t.Cleanup(func() { _ = c.Close() })

	return &fixture{srv: srv, srvRoot: srvRoot, lb: lb, client: c, root: root}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.client.Start(context.Background()))
	f.waitSynced(t)
}

func (f *fixture) waitSynced(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.root.Raw("Name") == "demo" && len(f.people()) == 3
	}, waitFor, tick, "initial sync")
}

func (f *fixture) people() []subject.Subject {
	items, _ := f.root.Raw("People").([]subject.Subject)
	return items
}

func firstName(s subject.Subject) any {
	return s.(*subject.Object).Raw("FirstName")
}

func TestClient_InitialSyncMirrorsServerGraph(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)

	people := f.people()
	assert.Equal(t, "Ada", firstName(people[0]))
	assert.Equal(t, "Grace", firstName(people[1]))
	assert.Equal(t, "Alan Turing", people[2].(*subject.Object).Raw("FullName"))

	// Shared server subjects stay shared locally. A shared node carries the
	// name of its primary slot, which becomes its dictionary key.
	assert.Same(t, people[0], f.root.Raw("Person"))
	entries, _ := f.root.Raw("PeopleByName").(map[string]subject.Subject)
	require.Len(t, entries, 1)
	assert.Same(t, people[1], entries["People[1]"])

	d := f.client.Diagnostics()
	assert.True(t, d.IsConnected)
	assert.Nil(t, d.DisconnectedDuration)
	assert.NotEmpty(t, d.SessionID)
	assert.Equal(t, StateConnected, f.client.State())
}

func TestClient_ServerValueChangesArrive(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)

	require.NoError(t, f.srvRoot.Set(context.Background(), "Name", "renamed"))
	assert.Eventually(t, func() bool { return f.root.Raw("Name") == "renamed" }, waitFor, tick)

	grace := f.srvRoot.Items(context.Background(), "People")[1]
	require.NoError(t, grace.(*subject.Object).Set(context.Background(), "LastName", "Murray Hopper"))
	assert.Eventually(t, func() bool {
		return f.people()[1].(*subject.Object).Raw("FullName") == "Grace Murray Hopper"
	}, waitFor, tick)
}

func TestClient_LocalWritesReachServer(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	ctx := context.Background()

	require.NoError(t, f.root.Set(ctx, "Name", "from-client"))
	require.NoError(t, f.root.Set(ctx, "Number", 1.5))
	assert.Eventually(t, func() bool {
		return f.srvRoot.Raw("Name") == "from-client" && f.srvRoot.Raw("Number") == 1.5
	}, waitFor, tick)
	assert.Equal(t, "from-client", f.root.Raw("Name"))
}

func TestClient_ModelChangeEventsApplyStructure(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	ctx := context.Background()

	linus := model.NewPerson(f.srvRoot.Context(), "Linus", "Torvalds")
	require.NoError(t, f.srvRoot.Append(ctx, "People", linus))
	require.Eventually(t, func() bool { return len(f.people()) == 4 }, waitFor, tick)
	assert.Eventually(t, func() bool { return firstName(f.people()[3]) == "Linus" }, waitFor, tick)

	ada := f.people()[0]
	require.NoError(t, f.srvRoot.RemoveAt(ctx, "People", 1))
	require.Eventually(t, func() bool { return len(f.people()) == 3 }, waitFor, tick)
	assert.Same(t, ada, f.people()[0], "identity survives re-indexing")
	assert.Equal(t, "Alan", firstName(f.people()[1]))
}

func TestClient_PeriodicResyncWithoutEvents(t *testing.T) {
	f := newFixture(t, func(o *config.ClientOptions) {
		o.EnableModelChangeEvents = false
		o.EnablePeriodicResync = true
	}, nil)
	f.start(t)

	require.NoError(t, f.srvRoot.Put(context.Background(), "PeopleByName", "linus",
		model.NewPerson(f.srvRoot.Context(), "Linus", "Torvalds")))
	assert.Eventually(t, func() bool {
		entries, _ := f.root.Raw("PeopleByName").(map[string]subject.Subject)
		return entries["linus"] != nil && firstName(entries["linus"]) == "Linus"
	}, waitFor, tick)
}

func TestClient_LiveSyncDisabledKeepsStructure(t *testing.T) {
	f := newFixture(t, func(o *config.ClientOptions) {
		o.EnableLiveSync = false
	}, nil)
	f.start(t)
	ctx := context.Background()

	require.NoError(t, f.srvRoot.Append(ctx, "People", model.NewPerson(f.srvRoot.Context(), "Linus", "Torvalds")))
	require.NoError(t, f.srvRoot.Set(ctx, "Name", "marker"))
	require.Eventually(t, func() bool { return f.root.Raw("Name") == "marker" }, waitFor, tick)
	assert.Len(t, f.people(), 3)
}

func TestClient_ReconnectionConvergence(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	ctx := context.Background()

	f.lb.SetAvailable(false)
	require.Eventually(t, func() bool { return !f.client.Diagnostics().IsConnected }, waitFor, tick)
	d := f.client.Diagnostics()
	require.NotNil(t, d.DisconnectedDuration)

	// Made while the client cannot see it.
	require.NoError(t, f.srvRoot.Set(ctx, "Name", "while-offline"))
	require.NoError(t, f.srvRoot.Append(ctx, "People", model.NewPerson(f.srvRoot.Context(), "Linus", "Torvalds")))
	assert.Eventually(t, func() bool { return f.client.Diagnostics().FailedReconnections > 0 }, waitFor, tick)

	f.lb.SetAvailable(true)
	assert.Eventually(t, func() bool {
		d := f.client.Diagnostics()
		return d.IsConnected && !d.IsReconnecting
	}, waitFor, tick)
	assert.Eventually(t, func() bool {
		return f.root.Raw("Name") == "while-offline" && len(f.people()) == 4
	}, waitFor, tick)

	assert.Eventually(t, func() bool { return f.client.Diagnostics().SuccessfulReconnections >= 1 }, waitFor, tick)

	// Monitored items were recreated on the new session.
	require.NoError(t, f.srvRoot.Set(ctx, "Name", "after"))
	assert.Eventually(t, func() bool { return f.root.Raw("Name") == "after" }, waitFor, tick)
}

func TestClient_StallRecovery(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)

	f.lb.SetStuckReconnect(true)
	f.lb.SetAvailable(false)

	require.Eventually(t, func() bool { return f.client.Diagnostics().StallResets >= 1 }, waitFor, tick)

	// The server never returns: attempts keep increasing.
	prev := f.client.Diagnostics().TotalReconnectionAttempts
	for range 3 {
		require.Eventually(t, func() bool {
			return f.client.Diagnostics().TotalReconnectionAttempts > prev
		}, waitFor, tick)
		prev = f.client.Diagnostics().TotalReconnectionAttempts
	}
	assert.True(t, f.client.Diagnostics().IsReconnecting)

	f.lb.SetStuckReconnect(false)
	f.lb.SetAvailable(true)
	assert.Eventually(t, func() bool { return f.client.Diagnostics().IsConnected }, waitFor, tick)
}

func TestClient_WritesRetainedAcrossOutage(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)

	f.lb.SetAvailable(false)
	require.Eventually(t, func() bool { return !f.client.Diagnostics().IsConnected }, waitFor, tick)

	require.NoError(t, f.root.Set(context.Background(), "Number", 4.5))
	require.Eventually(t, func() bool { return f.client.PendingWrites() == 1 }, waitFor, tick)
	assert.Equal(t, 0.0, f.srvRoot.Raw("Number"))

	f.lb.SetAvailable(true)
	assert.Eventually(t, func() bool { return f.srvRoot.Raw("Number") == 4.5 }, waitFor, tick)
	assert.Eventually(t, func() bool {
		return f.client.PendingWrites() == 0 && f.root.Raw("Number") == 4.5
	}, waitFor, tick)
}

func TestClient_RetainedWriteNotOverwrittenByResync(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)

	f.lb.SetAvailable(false)
	require.Eventually(t, func() bool { return !f.client.Diagnostics().IsConnected }, waitFor, tick)
	require.NoError(t, f.root.Set(context.Background(), "Number", 4.5))
	require.Eventually(t, func() bool { return f.client.PendingWrites() == 1 }, waitFor, tick)

	rec := testutil.NewRecorder(f.root.Context())
	defer rec.Stop()

	f.lb.SetAvailable(true)
	require.Eventually(t, func() bool { return f.srvRoot.Raw("Number") == 4.5 }, waitFor, tick)
	require.Eventually(t, func() bool { return f.client.Diagnostics().SuccessfulReconnections >= 1 }, waitFor, tick)

	// Another resync after the reconnect one has run.
	f.client.dispatcher.EnqueuePeriodicResync()
	require.NoError(t, f.srvRoot.Set(context.Background(), "Name", "settled"))
	require.Eventually(t, func() bool { return f.root.Raw("Name") == "settled" }, waitFor, tick)

	assert.Empty(t, rec.For("Root.Number"), "local value never reverted to the server's stale one")
	assert.Equal(t, 4.5, f.root.Raw("Number"))
}

func TestClient_StallDetectionByIterationsOnly(t *testing.T) {
	f := newFixture(t, func(o *config.ClientOptions) {
		o.MaxReconnectDuration = 0
		o.StallDetectionIterations = 1000
	}, nil)
	f.start(t)

	f.lb.SetStuckReconnect(true)
	f.lb.SetAvailable(false)

	require.Eventually(t, func() bool {
		return f.client.Diagnostics().ConsecutiveHealthCheckErrors >= 20
	}, waitFor, tick)
	assert.Zero(t, f.client.Diagnostics().StallResets)
	assert.Zero(t, f.client.Diagnostics().TotalReconnectionAttempts)
}

func TestStalled(t *testing.T) {
	tests := []struct {
		name       string
		duration   time.Duration
		iterations int
		elapsed    time.Duration
		count      int
		want       bool
	}{
		{"duration only, below", time.Second, 0, 500 * time.Millisecond, 100, false},
		{"duration only, reached", time.Second, 0, time.Second, 1, true},
		{"iterations only, below", 0, 10, time.Hour, 9, false},
		{"iterations only, reached", 0, 10, 0, 10, true},
		{"both, either fires", time.Second, 10, 0, 10, true},
		{"both, neither", time.Second, 10, time.Millisecond, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := config.ClientOptions{MaxReconnectDuration: tt.duration, StallDetectionIterations: tt.iterations}
			assert.Equal(t, tt.want, stalled(opts, tt.elapsed, tt.count))
		})
	}
}

func TestClient_InitialConnectFailureCountsConsistently(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.lb.SetAvailable(false)
	require.NoError(t, f.client.Start(context.Background()))

	require.Eventually(t, func() bool { return f.client.Diagnostics().FailedReconnections >= 2 }, waitFor, tick)
	for range 20 {
		d := f.client.Diagnostics()
		assert.LessOrEqual(t, d.FailedReconnections, d.TotalReconnectionAttempts)
		time.Sleep(tick)
	}

	f.lb.SetAvailable(true)
	f.waitSynced(t)
}

func TestClient_TransactionWritesThroughSource(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	ctx := context.Background()

	tx, txCtx, err := transaction.BeginExclusive(ctx, f.root.Context())
	require.NoError(t, err)
	require.NoError(t, f.root.Set(txCtx, "Name", "committed"))
	assert.Equal(t, "demo", f.srvRoot.Raw("Name"), "nothing written before commit")
	require.NoError(t, tx.Commit(txCtx))
	require.NoError(t, tx.Close())

	assert.Equal(t, "committed", f.srvRoot.Raw("Name"))
	assert.Equal(t, "committed", f.root.Raw("Name"))
	assert.Zero(t, f.client.PendingWrites())

	f.lb.SetAvailable(false)
	require.Eventually(t, func() bool { return !f.client.Diagnostics().IsConnected }, waitFor, tick)

	tx, txCtx, err = transaction.BeginExclusive(ctx, f.root.Context())
	require.NoError(t, err)
	defer tx.Close()
	require.NoError(t, f.root.Set(txCtx, "Name", "offline"))
	err = tx.Commit(txCtx)
	require.Error(t, err)
	assert.True(t, transaction.IsWriteFailure(err))
	assert.Equal(t, "committed", f.root.Raw("Name"))
}

func TestClient_RemoteNodeManagement(t *testing.T) {
	f := newFixture(t, func(o *config.ClientOptions) {
		o.EnableRemoteNodeManagement = true
	}, func(o *config.ServerOptions) {
		o.EnableExternalNodeManagement = true
	})
	f.start(t)
	ctx := context.Background()

	linus := model.NewPerson(f.root.Context(), "Linus", "Torvalds")
	require.NoError(t, f.root.Append(ctx, "People", linus))

	require.Eventually(t, func() bool {
		items := f.srvRoot.Items(ctx, "People")
		return len(items) == 4 && firstName(items[3]) == "Linus"
	}, waitFor, tick)
	assert.Eventually(t, func() bool {
		_, bound := f.client.Mirror().NodeOf(linus)
		return bound
	}, waitFor, tick)
	require.Len(t, f.people(), 4)
	assert.Same(t, linus, f.people()[3], "local subject adopted, not replaced")

	require.NoError(t, f.root.RemoveAt(ctx, "People", 3))
	assert.Eventually(t, func() bool { return len(f.srvRoot.Items(ctx, "People")) == 3 }, waitFor, tick)
}

func TestClient_RemoteNodeManagementRejected(t *testing.T) {
	f := newFixture(t, func(o *config.ClientOptions) {
		o.EnableRemoteNodeManagement = true
	}, nil)
	f.start(t)
	ctx := context.Background()

	require.NoError(t, f.root.Append(ctx, "People", model.NewPerson(f.root.Context(), "Linus", "Torvalds")))

	// The server refuses; the next resync restores its structure.
	assert.Eventually(t, func() bool { return len(f.people()) == 3 }, waitFor, tick)
	assert.Len(t, f.srvRoot.Items(ctx, "People"), 3)
}

func TestClient_CloseIsIdempotentAndDiagnosticsSafe(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for range 8 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = f.client.Diagnostics()
				}
			}
		}()
	}

	var closers sync.WaitGroup
	for range 3 {
		closers.Add(1)
		go func() {
			defer closers.Done()
			assert.NoError(t, f.client.Close())
		}()
	}
	closers.Wait()
	close(stop)
	readers.Wait()

	d := f.client.Diagnostics()
	assert.False(t, d.IsConnected)
	assert.False(t, d.IsReconnecting)
	assert.Equal(t, StateClosed, f.client.State())
	assert.NoError(t, f.client.Close())
	assert.ErrorIs(t, f.client.Start(context.Background()), ErrClosed)
}

func TestClient_DiagnosticsOfNilClient(t *testing.T) {
	var c *Client
	assert.Equal(t, DiagnosticsSnapshot{}, c.Diagnostics())
}
