package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/opcsync/internal/subject"
)

var tracer = otel.Tracer("opcsync.transaction")

// FailureHandling selects what Commit does when some external writes fail.
type FailureHandling int

const (
	// BestEffort applies every change that succeeded externally (plus
	// local-only changes) and reports the rest.
	BestEffort FailureHandling = iota
	// Rollback applies nothing if any external write failed, and reverts the
	// external writes that did succeed.
	Rollback
	// Strict behaves like Rollback, requires a single source per batch and
	// surfaces failed reverts in the returned WriteError.
	Strict
)

// String returns the mode name.
func (f FailureHandling) String() string {
	switch f {
	case Rollback:
		return "rollback"
	case Strict:
		return "strict"
	default:
		return "best_effort"
	}
}

// Requirement restricts the shape of a commit batch.
type Requirement int

const (
	// RequirementNone allows changes for any number of sources.
	RequirementNone Requirement = iota
	// RequirementSingleWrite allows at most one external source per commit.
	RequirementSingleWrite
)

// String returns the requirement name.
func (r Requirement) String() string {
	if r == RequirementSingleWrite {
		return "single_write"
	}
	return "none"
}

// ConflictBehavior selects whether Commit checks captured old values.
type ConflictBehavior int

const (
	// FailOnConflict rejects the commit if any property's current value
	// differs from the value it had when first captured.
	FailOnConflict ConflictBehavior = iota
	// IgnoreConflicts commits regardless of intervening changes.
	IgnoreConflicts
)

// String returns the behavior name.
func (c ConflictBehavior) String() string {
	if c == IgnoreConflicts {
		return "ignore"
	}
	return "fail"
}

// Options configures a transaction.
type Options struct {
	FailureHandling  FailureHandling
	Requirement      Requirement
	ConflictBehavior ConflictBehavior
}

// Option mutates Options.
type Option func(*Options)

// WithFailureHandling sets the partial-failure policy. Default: BestEffort.
func WithFailureHandling(f FailureHandling) Option {
	return func(o *Options) { o.FailureHandling = f }
}

// WithRequirement sets the batch requirement. Default: RequirementNone.
func WithRequirement(r Requirement) Option {
	return func(o *Options) { o.Requirement = r }
}

// WithConflictBehavior sets the conflict policy. Default: FailOnConflict.
func WithConflictBehavior(c ConflictBehavior) Option {
	return func(o *Options) { o.ConflictBehavior = c }
}

// activeTransactions counts transactions that have begun but not been closed.
var activeTransactions atomic.Int64

// ActiveCount returns the number of open transactions in the process.
func ActiveCount() int64 {
	return activeTransactions.Load()
}

type txKey struct{}

// FromContext returns the transaction current in ctx, or nil.
func FromContext(ctx context.Context) *Transaction {
	tx, _ := ctx.Value(txKey{}).(*Transaction)
	return tx
}

func withTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// Transaction buffers property writes made through its context and applies
// them atomically on Commit.
//
// Writes performed with the context returned by Begin are captured instead
// of applied; reads with that context see the captured values. A transaction
// is single-use: after Commit or Close it accepts no more writes.
//
// Thread-safety: capture, Commit and Close are safe for concurrent use.
type Transaction struct {
	id        string
	sc        *subject.Context
	st        *state
	mode      LockMode
	opts      Options
	startedAt time.Time

	mu      sync.Mutex
	pending map[subject.PropertyReference]*subject.Change
	order   []subject.PropertyReference

	committing atomic.Bool
	committed  atomic.Bool
	disposed   atomic.Bool
	lockHeld   atomic.Bool
}

// BeginExclusive starts an exclusive transaction on sc, waiting for the
// context's transaction lock.
func BeginExclusive(ctx context.Context, sc *subject.Context, opts ...Option) (*Transaction, context.Context, error) {
	return Begin(ctx, sc, Exclusive, opts...)
}

// BeginOptimistic starts a lock-free transaction on sc.
func BeginOptimistic(ctx context.Context, sc *subject.Context, opts ...Option) (*Transaction, context.Context, error) {
	return Begin(ctx, sc, Optimistic, opts...)
}

// Begin starts a transaction and returns it together with a context that
// carries it. On error the input context is returned unchanged.
//
// Begin fails with NESTED_TRANSACTION if ctx already carries an open
// transaction; in that case no lock is acquired. An exclusive Begin that is
// cancelled while waiting returns ctx.Err() and holds nothing.
func Begin(ctx context.Context, sc *subject.Context, mode LockMode, opts ...Option) (*Transaction, context.Context, error) {
	st, err := stateOf(sc)
	if err != nil {
		return nil, ctx, err
	}

	if cur := FromContext(ctx); cur != nil && !cur.disposed.Load() {
		return nil, ctx, newNestedError(cur.id)
	}

	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.FailureHandling == Strict {
		o.Requirement = RequirementSingleWrite
	}

	if mode == Exclusive {
		if err := st.lock.Acquire(ctx); err != nil {
			return nil, ctx, fmt.Errorf("acquire transaction lock: %w", err)
		}
	}

	tx := &Transaction{
		id:        st.ids.Generate(),
		sc:        sc,
		st:        st,
		mode:      mode,
		opts:      o,
		startedAt: sc.Now(),
		pending:   make(map[subject.PropertyReference]*subject.Change),
	}
	tx.lockHeld.Store(mode == Exclusive)
	activeTransactions.Add(1)

	st.logger.Debug("transaction started",
		"tx", tx.id,
		"mode", mode.String(),
		"failure_handling", o.FailureHandling.String(),
	)
	return tx, withTransaction(ctx, tx), nil
}

// ID returns the transaction ID.
func (t *Transaction) ID() string { return t.id }

// Mode returns the lock mode the transaction was started with.
func (t *Transaction) Mode() LockMode { return t.mode }

// Options returns the effective options.
func (t *Transaction) Options() Options { return t.opts }

// StartedAt returns the begin timestamp.
func (t *Transaction) StartedAt() time.Time { return t.startedAt }

// IsCommitted reports whether Commit has completed.
func (t *Transaction) IsCommitted() bool { return t.committed.Load() }

// IsDisposed reports whether Close has been called.
func (t *Transaction) IsDisposed() bool { return t.disposed.Load() }

// Changes returns the pending changes in first-capture order.
func (t *Transaction) Changes() []subject.Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]subject.Change, 0, len(t.order))
	for _, ref := range t.order {
		out = append(out, *t.pending[ref])
	}
	return out
}

func (t *Transaction) checkOpen() error {
	if t.disposed.Load() {
		return newDisposedError(t.id)
	}
	if t.committed.Load() {
		return newAlreadyCommittedError(t.id)
	}
	return nil
}

// capture records a write. The first capture of a property keeps its
// OldValue; later captures only replace NewValue and metadata.
func (t *Transaction) capture(w *subject.WriteContext) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if w.Property.Context() != t.sc {
		return newContextMismatchError(t.id, w.Property)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.pending[w.Property]; ok {
		existing.NewValue = w.NewValue
		existing.Source = w.Source
		existing.ChangedAt = w.ChangedAt
		existing.ReceivedAt = w.ReceivedAt
		return nil
	}
	ch := w.Change()
	ch.TransactionID = t.id
	t.pending[w.Property] = &ch
	t.order = append(t.order, w.Property)
	return nil
}

func (t *Transaction) pendingValue(ref subject.PropertyReference) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.pending[ref]
	if !ok {
		return nil, false
	}
	return ch.NewValue, true
}

func (t *Transaction) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.pending)
	t.order = nil
}

// Commit validates and applies the pending changes.
//
// Steps, in order: conflict detection (FailOnConflict), external write via
// the context's Writer, the failure-handling decision, compensation of
// successful external writes when the batch is rejected, and local apply.
// A conflict or total write failure leaves the pending changes intact and
// the transaction open. Any other outcome completes the transaction.
func (t *Transaction) Commit(ctx context.Context) (err error) {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if !t.committing.CompareAndSwap(false, true) {
		return &Error{Code: ErrCodeAlreadyCommitted, Message: "commit already in progress", TransactionID: t.id}
	}
	defer t.committing.Store(false)

	start := time.Now()
	ctx, span := tracer.Start(ctx, "transaction.Commit", trace.WithAttributes(
		attribute.String("tx.id", t.id),
		attribute.String("tx.mode", t.mode.String()),
		attribute.String("tx.failure_handling", t.opts.FailureHandling.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		commitDuration.Observe(time.Since(start).Seconds())
	}()

	changes := t.Changes()
	span.SetAttributes(attribute.Int("tx.changes", len(changes)))
	rec := Record{
		ID:               t.id,
		Mode:             t.mode,
		FailureHandling:  t.opts.FailureHandling,
		ConflictBehavior: t.opts.ConflictBehavior,
		StartedAt:        t.startedAt,
	}

	if len(changes) == 0 {
		t.committed.Store(true)
		commitsTotal.WithLabelValues(string(OutcomeEmpty)).Inc()
		return nil
	}

	if t.opts.ConflictBehavior == FailOnConflict {
		if conflicts := detectConflicts(changes); len(conflicts) > 0 {
			commitsTotal.WithLabelValues(string(OutcomeConflict)).Inc()
			rec.Outcome = OutcomeConflict
			rec.Conflicts = conflicts
			t.record(ctx, rec)
			t.st.logger.Info("transaction conflict",
				"tx", t.id,
				"conflicts", len(conflicts),
			)
			return newConflictError(t.id, conflicts)
		}
	}

	result, werr := t.st.writer.WriteChanges(ctx, changes, t.opts.FailureHandling, t.opts.Requirement)
	if werr != nil {
		commitsTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		rec.Outcome = OutcomeFailed
		rec.Error = werr.Error()
		t.record(ctx, rec)
		var te *Error
		if errors.As(werr, &te) {
			te.TransactionID = t.id
			return te
		}
		return &Error{Code: ErrCodeWriteFailed, Message: "external write failed", TransactionID: t.id, Err: werr}
	}

	var toApply []subject.Change
	var compensationFailed []FailedChange
	if len(result.Failed) == 0 || t.opts.FailureHandling == BestEffort {
		toApply = selectApplicable(changes, result)
	} else {
		compensationFailed = t.compensate(ctx, result.Succeeded)
		if t.opts.FailureHandling != Strict {
			compensationFailed = nil
		}
	}

	applied, applyErr := t.apply(ctx, toApply)
	t.clear()
	t.committed.Store(true)

	rec.Applied = applied
	rec.Failed = result.Failed
	rec.CompensationFailed = compensationFailed
	switch {
	case len(result.Failed) > 0:
		rec.Outcome = OutcomePartial
		if len(applied) == 0 {
			rec.Outcome = OutcomeRolledBack
		}
	case applyErr != nil:
		rec.Outcome = OutcomeFailed
		rec.Error = applyErr.Error()
	default:
		rec.Outcome = OutcomeCommitted
	}
	commitsTotal.WithLabelValues(string(rec.Outcome)).Inc()
	t.record(ctx, rec)

	t.st.logger.Info("transaction committed",
		"tx", t.id,
		"outcome", string(rec.Outcome),
		"applied", len(applied),
		"failed", len(result.Failed),
	)

	if len(result.Failed) > 0 {
		return &WriteError{
			TransactionID:      t.id,
			Applied:            applied,
			Failed:             result.Failed,
			CompensationFailed: compensationFailed,
		}
	}
	return applyErr
}

// detectConflicts compares each captured OldValue against the raw stored
// value, bypassing the read chain.
func detectConflicts(changes []subject.Change) []subject.PropertyReference {
	var conflicts []subject.PropertyReference
	for _, ch := range changes {
		current := ch.Property.Raw()
		if !subject.Equal(current, ch.OldValue) {
			conflicts = append(conflicts, ch.Property)
		}
	}
	return conflicts
}

// selectApplicable keeps changes that succeeded externally or were local
// only, preserving capture order.
func selectApplicable(changes []subject.Change, result *WriteResult) []subject.Change {
	ok := make(map[subject.PropertyReference]bool, len(result.Succeeded)+len(result.LocalOnly))
	for _, ch := range result.Succeeded {
		ok[ch.Property] = true
	}
	for _, ch := range result.LocalOnly {
		ok[ch.Property] = true
	}
	out := make([]subject.Change, 0, len(ok))
	for _, ch := range changes {
		if ok[ch.Property] {
			out = append(out, ch)
		}
	}
	return out
}

// compensate writes the old values of already-succeeded external writes
// back to their sources. Returns the reverts that failed.
func (t *Transaction) compensate(ctx context.Context, succeeded []subject.Change) []FailedChange {
	if len(succeeded) == 0 {
		return nil
	}
	reverts := make([]subject.Change, len(succeeded))
	for i, ch := range succeeded {
		reverts[i] = ch
		reverts[i].OldValue = ch.NewValue
		reverts[i].NewValue = ch.OldValue
	}

	result, err := t.st.writer.WriteChanges(ctx, reverts, BestEffort, RequirementNone)
	if err != nil {
		failed := make([]FailedChange, len(reverts))
		for i, ch := range reverts {
			failed[i] = FailedChange{Change: ch, Err: err}
		}
		t.st.logger.Error("transaction compensation failed",
			"tx", t.id,
			"error", err,
		)
		return failed
	}
	if len(result.Failed) > 0 {
		t.st.logger.Error("transaction compensation incomplete",
			"tx", t.id,
			"failed", len(result.Failed),
		)
	}
	return result.Failed
}

// apply writes changes to the local graph with the transaction detached, so
// the interceptor passes them through and observers see the transaction ID.
func (t *Transaction) apply(ctx context.Context, changes []subject.Change) ([]subject.Change, error) {
	applyCtx := subject.WithTransactionID(withTransaction(ctx, nil), t.id)

	var applied []subject.Change
	var errs []error
	for _, ch := range changes {
		wctx := subject.WithSource(applyCtx, ch.Source)
		if err := ch.Property.Context().SetValue(wctx, ch.Property, ch.NewValue); err != nil {
			errs = append(errs, fmt.Errorf("apply %s: %w", ch.Property, err))
			continue
		}
		applied = append(applied, ch)
	}
	if len(errs) > 0 {
		return applied, &Error{
			Code:          ErrCodeWriteFailed,
			Message:       "local apply failed",
			TransactionID: t.id,
			Err:           errors.Join(errs...),
		}
	}
	return applied, nil
}

func (t *Transaction) record(ctx context.Context, rec Record) {
	if t.st.journal == nil {
		return
	}
	rec.FinishedAt = t.sc.Now()
	if err := t.st.journal.Record(ctx, rec); err != nil {
		t.st.logger.Warn("transaction journal write failed",
			"tx", t.id,
			"error", err,
		)
	}
}

// Close disposes the transaction. Uncommitted changes are discarded and an
// exclusive lock is released. Close is idempotent and always returns nil.
func (t *Transaction) Close() error {
	if !t.disposed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	discarded := len(t.order)
	t.mu.Unlock()
	t.clear()

	if t.lockHeld.CompareAndSwap(true, false) {
		t.st.lock.Release()
	}
	activeTransactions.Add(-1)

	if discarded > 0 && !t.committed.Load() {
		t.st.logger.Debug("transaction discarded",
			"tx", t.id,
			"changes", discarded,
		)
	}
	return nil
}

// state is the per-context transaction machinery registered by Install.
type state struct {
	lock    *Lock
	writer  Writer
	journal Journal
	ids     IDGenerator
	logger  *slog.Logger
}

type stateKey struct{}

func stateOf(sc *subject.Context) (*state, error) {
	v, ok := sc.Service(stateKey{})
	if !ok {
		return nil, &Error{Code: ErrCodeNotInstalled, Message: "transactions are not installed on this subject context"}
	}
	return v.(*state), nil
}

// InstallOption configures Install.
type InstallOption func(*state)

// WithWriter sets the external writer. Default: SourceWriter.
func WithWriter(w Writer) InstallOption {
	return func(s *state) { s.writer = w }
}

// WithJournal records every commit outcome.
func WithJournal(j Journal) InstallOption {
	return func(s *state) { s.journal = j }
}

// WithIDGenerator overrides UUIDv7 transaction IDs.
func WithIDGenerator(g IDGenerator) InstallOption {
	return func(s *state) { s.ids = g }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) InstallOption {
	return func(s *state) { s.logger = l }
}

// Install enables transactions on sc by registering the transaction
// interceptor. Installing twice is a no-op; the first options win.
func Install(sc *subject.Context, opts ...InstallOption) {
	st := &state{
		lock:   NewLock(),
		writer: SourceWriter{},
		ids:    UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(st)
	}
	if actual := sc.LoadOrStoreService(stateKey{}, st); actual != st {
		return
	}
	sc.Use(&Interceptor{})
}

// Installed reports whether Install has been called on sc.
func Installed(sc *subject.Context) bool {
	_, ok := sc.Service(stateKey{})
	return ok
}
