package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/opcsync/internal/config"
)

// State is the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SetupFunc runs after every successful connect. It recreates the
// subscription and everything monitored on it.
type SetupFunc func(ctx context.Context, s Session) (Subscription, error)

// ConnectionManager owns the session and keeps it alive.
//
// Loss is detected two ways: the session reports it is disconnected or
// running its own reconnect, or the subscription reports that publishing
// stopped. A session-layer reconnect is given MaxReconnectDuration or
// StallDetectionIterations health checks to finish; after that it is
// abandoned and the manager reconnects manually, forever, every
// ReconnectInterval. At most one manual reconnect runs at a time.
//
// Thread-safety: all methods are safe for concurrent use.
type ConnectionManager struct {
	factory SessionFactory
	opts    config.ClientOptions
	setup   SetupFunc
	diag    *Diagnostics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	session Session
	sub     Subscription
	cancel  context.CancelFunc
	started bool

	// Session-layer reconnect tracking. Only the health loop touches these.
	stallSince      time.Time
	stallIterations int

	state        atomic.Int32
	reconnecting atomic.Bool
	closed       atomic.Bool
	wg           sync.WaitGroup
}

// ConnectionOption configures a ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithConnectionLogger sets the logger. Default: slog.Default().
func WithConnectionLogger(l *slog.Logger) ConnectionOption {
	return func(m *ConnectionManager) { m.logger = l }
}

// WithConnectionClock sets the time source. Default: time.Now.
func WithConnectionClock(now func() time.Time) ConnectionOption {
	return func(m *ConnectionManager) { m.now = now }
}

// NewConnectionManager creates a disconnected manager.
func NewConnectionManager(factory SessionFactory, opts config.ClientOptions, setup SetupFunc, cmOpts ...ConnectionOption) *ConnectionManager {
	m := &ConnectionManager{
		factory: factory,
		opts:    opts,
		setup:   setup,
		diag:    &Diagnostics{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range cmOpts {
		opt(m)
	}
	return m
}

// Start connects and launches the health loop. A failed first connect is
// not an error: the manager keeps retrying in the background.
func (m *ConnectionManager) Start(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.state.Store(int32(StateConnecting))
	if err := m.connect(runCtx); err != nil {
		m.logger.Warn("initial connect failed", "endpoint", m.opts.Endpoint, "error", err)
		m.startManualReconnect(runCtx)
	}

	m.wg.Add(1)
	go m.healthLoop(runCtx)
	return nil
}

// State returns the current state.
func (m *ConnectionManager) State() State { return State(m.state.Load()) }

// Diagnostics returns the live counters.
func (m *ConnectionManager) Diagnostics() *Diagnostics { return m.diag }

// Session returns the connected session, or nil.
func (m *ConnectionManager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || !m.session.Connected() {
		return nil
	}
	return m.session
}

// Subscription returns the subscription of the current session, or nil.
func (m *ConnectionManager) Subscription() Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sub
}

func (m *ConnectionManager) connect(ctx context.Context) error {
	opCtx, cancel := operationContext(ctx, m.opts.OperationTimeout)
	defer cancel()

	s, err := m.factory(opCtx, m.opts)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := s.Connect(opCtx); err != nil {
		_ = s.Close(context.Background())
		return fmt.Errorf("connect %s: %w", m.opts.Endpoint, err)
	}

	var sub Subscription
	if m.setup != nil {
		sub, err = m.setup(ctx, s)
		if err != nil {
			_ = s.Close(context.Background())
			return fmt.Errorf("setup session %s: %w", s.ID(), err)
		}
	}

	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		m.release(s, sub)
		return ErrClosed
	}
	oldSession, oldSub := m.session, m.sub
	m.session, m.sub = s, sub
	m.mu.Unlock()
	m.release(oldSession, oldSub)

	m.diag.markConnected(s.ID(), m.now())
	m.diag.reconnecting.Store(false)
	if sub != nil {
		m.diag.monitoredItems.Store(int64(sub.MonitoredItemCount()))
	}
	m.state.Store(int32(StateConnected))
	m.logger.Info("session connected", "endpoint", m.opts.Endpoint, "session", s.ID())
	return nil
}

// release closes a replaced or abandoned session.
func (m *ConnectionManager) release(s Session, sub Subscription) {
	ctx, cancel := operationContext(context.Background(), m.opts.OperationTimeout)
	defer cancel()
	if sub != nil {
		if err := sub.Cancel(ctx); err != nil {
			m.logger.Debug("cancel subscription", "error", err)
		}
	}
	if s != nil {
		if err := s.Close(ctx); err != nil {
			m.logger.Debug("close session", "session", s.ID(), "error", err)
		}
	}
}

func (m *ConnectionManager) healthLoop(ctx context.Context) {
	defer m.wg.Done()
	t := time.NewTicker(m.opts.SubscriptionHealthCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.checkHealth(ctx)
		}
	}
}

// checkHealth runs one health-check iteration.
func (m *ConnectionManager) checkHealth(ctx context.Context) {
	if m.reconnecting.Load() {
		return
	}
	m.mu.Lock()
	s, sub := m.session, m.sub
	m.mu.Unlock()
	if s == nil {
		m.startManualReconnect(ctx)
		return
	}

	publishing := sub == nil || !sub.PublishingStopped()
	if s.Connected() && !s.Reconnecting() && publishing {
		m.stallSince = time.Time{}
		m.stallIterations = 0
		m.diag.healthCheckErrors.Store(0)
		if sub != nil {
			m.diag.monitoredItems.Store(int64(sub.MonitoredItemCount()))
		}
		return
	}

	now := m.now()
	m.diag.healthCheckErrors.Add(1)
	m.diag.markDisconnected(now)
	m.diag.reconnecting.Store(true)
	m.state.Store(int32(StateReconnecting))

	if !s.Reconnecting() {
		m.logger.Warn("connection lost",
			"session", s.ID(),
			"connected", s.Connected(),
			"publishing", publishing,
		)
		m.startManualReconnect(ctx)
		return
	}

	if m.stallSince.IsZero() {
		m.stallSince = now
	}
	m.stallIterations++
	elapsed := now.Sub(m.stallSince)
	if !stalled(m.opts, elapsed, m.stallIterations) {
		return
	}

	m.logger.Warn("session reconnect stalled",
		"session", s.ID(),
		"elapsed", elapsed,
		"iterations", m.stallIterations,
	)
	m.diag.stallResets.Add(1)
	stallResets.Inc()
	m.stallSince = time.Time{}
	m.stallIterations = 0
	m.startManualReconnect(ctx)
}

// stalled reports whether a session-layer reconnect has exceeded an enabled
// threshold. A zero threshold is disabled.
func stalled(opts config.ClientOptions, elapsed time.Duration, iterations int) bool {
	if opts.MaxReconnectDuration > 0 && elapsed >= opts.MaxReconnectDuration {
		return true
	}
	return opts.StallDetectionIterations > 0 && iterations >= opts.StallDetectionIterations
}

// startManualReconnect launches the reconnect loop unless one is running.
func (m *ConnectionManager) startManualReconnect(ctx context.Context) {
	if m.closed.Load() || !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	m.diag.reconnecting.Store(true)
	m.state.Store(int32(StateReconnecting))

	m.mu.Lock()
	s, sub := m.session, m.sub
	m.session, m.sub = nil, nil
	m.mu.Unlock()
	m.release(s, sub)

	m.wg.Add(1)
	go m.reconnectLoop(ctx)
}

func (m *ConnectionManager) reconnectLoop(ctx context.Context) {
	defer m.wg.Done()
	defer m.reconnecting.Store(false)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		m.diag.totalAttempts.Add(1)
		err := m.connect(ctx)
		if err == nil {
			m.diag.successful.Add(1)
			reconnectAttempts.WithLabelValues("success").Inc()
			m.logger.Info("reconnected", "endpoint", m.opts.Endpoint, "attempt", attempt)
			return
		}
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return
		}
		m.diag.failed.Add(1)
		reconnectAttempts.WithLabelValues("failure").Inc()
		m.logger.Warn("reconnect failed",
			"endpoint", m.opts.Endpoint,
			"attempt", attempt,
			"retry_in", m.opts.ReconnectInterval,
			"error", err,
		)
		timer.Reset(m.opts.ReconnectInterval)
	}
}

// Close stops the health loop and any reconnect, and closes the session.
// Idempotent and safe to call concurrently.
func (m *ConnectionManager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	s, sub := m.session, m.sub
	m.session, m.sub = nil, nil
	m.mu.Unlock()
	m.release(s, sub)

	m.diag.markDisconnected(m.now())
	m.diag.reconnecting.Store(false)
	m.state.Store(int32(StateClosed))
	return nil
}

// operationContext bounds one service call. A zero timeout means none.
func operationContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
