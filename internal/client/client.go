// Package client mirrors a remote OPC UA address space into a local subject
// graph and keeps the two in sync across connection loss.
//
// Incoming notifications (values and structural changes) and resync
// requests all go through one dispatcher, so they are applied in the order
// they arrived. Outgoing value writes are batched for BufferTime and kept
// across outages until a session accepts them.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/opcsync/internal/addrspace"
	"github.com/roach88/opcsync/internal/config"
	"github.com/roach88/opcsync/internal/dispatch"
	"github.com/roach88/opcsync/internal/structure"
	"github.com/roach88/opcsync/internal/subject"
	"github.com/roach88/opcsync/internal/transaction"
)

var tracer = otel.Tracer("opcsync.client")

const publishingInterval = 100 * time.Millisecond

// Client synchronizes a local root subject with the root node of a server.
//
// Thread-safety: Start, Close, Diagnostics and the transaction.Source
// methods are safe for concurrent use.
type Client struct {
	opts     config.ClientOptions
	root     subject.Subject
	registry *structure.TypeRegistry
	logger   *slog.Logger
	now      func() time.Time

	mirror     *structure.Mirror
	conn       *ConnectionManager
	dispatcher *dispatch.Dispatcher
	buffer     *writeBuffer

	mu        sync.Mutex
	session   Session
	sub       Subscription
	rootNode  *ua.NodeID
	monitored map[string]bool

	structureDirty atomic.Bool
	unobserve      func()
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	started        atomic.Bool
	closed         atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRegistry sets the type registry used to create local subjects for
// remote nodes and type definitions for remotely added ones.
func WithRegistry(r *structure.TypeRegistry) Option {
	return func(c *Client) { c.registry = r }
}

// WithClock sets the time source used for diagnostics. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a stopped client for root. factory opens sessions to the
// configured endpoint.
func New(root subject.Subject, factory SessionFactory, opts config.ClientOptions, clientOpts ...Option) *Client {
	c := &Client{
		opts:      opts,
		root:      root,
		registry:  structure.NewTypeRegistry(),
		logger:    slog.Default(),
		now:       time.Now,
		monitored: make(map[string]bool),
	}
	for _, opt := range clientOpts {
		opt(c)
	}
	c.mirror = structure.NewMirror(c.registry, c, structure.WithMirrorLogger(c.logger))
	c.dispatcher = dispatch.New(c.handle, dispatch.WithLogger(c.logger), dispatch.WithName("client"))
	c.buffer = newWriteBuffer(opts.BufferTime, c.flushWrites)
	c.conn = NewConnectionManager(factory, opts, c.setup,
		WithConnectionLogger(c.logger),
		WithConnectionClock(func() time.Time { return c.now() }),
	)
	return c
}

// Start begins syncing. Connection failures are retried in the background
// and never returned.
func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.unobserve = c.root.Context().Observe(c.onLocalChange)
	c.mu.Unlock()

	c.dispatcher.Start(runCtx)

	if err := c.conn.Start(runCtx); err != nil {
		return err
	}
	if c.opts.EnableLiveSync && c.opts.EnablePeriodicResync {
		c.wg.Add(1)
		go c.periodicResync(runCtx)
	}
	c.logger.Info("client started",
		"endpoint", c.opts.Endpoint,
		"root", c.opts.RootName,
		"live_sync", c.opts.EnableLiveSync,
	)
	return nil
}

// Root returns the local root subject.
func (c *Client) Root() subject.Subject { return c.root }

// Mirror returns the node bindings of the local graph.
func (c *Client) Mirror() *structure.Mirror { return c.mirror }

// Diagnostics returns a snapshot of the connection counters. Safe to call at
// any time, including during and after Close.
func (c *Client) Diagnostics() DiagnosticsSnapshot {
	if c == nil || c.conn == nil {
		return DiagnosticsSnapshot{}
	}
	return c.conn.Diagnostics().Snapshot(c.now())
}

// State returns the connection state.
func (c *Client) State() State { return c.conn.State() }

// PendingWrites returns the number of buffered outgoing writes.
func (c *Client) PendingWrites() int { return c.buffer.Len() }

// setup runs on every (re)connect: locate the root, subscribe, flush writes
// retained during the outage and queue a full resync. The flush comes first
// so the resync reads the retained values back instead of stale ones.
func (c *Client) setup(ctx context.Context, s Session) (Subscription, error) {
	rootNode, err := c.findRoot(ctx, s)
	if err != nil {
		return nil, err
	}
	sub, err := s.Subscribe(ctx, publishingInterval, c.onNotification)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if c.opts.EnableLiveSync && c.opts.EnableModelChangeEvents {
		err := sub.MonitorModelChanges(ctx, rootNode)
		switch {
		case errors.Is(err, ErrModelChangesUnsupported):
			c.logger.Warn("server does not emit model change events; relying on periodic resync",
				"endpoint", c.opts.Endpoint,
				"periodic_resync", c.opts.EnablePeriodicResync,
			)
		case err != nil:
			_ = sub.Cancel(ctx)
			return nil, fmt.Errorf("monitor model changes: %w", err)
		}
	}

	c.mu.Lock()
	c.session = s
	c.sub = sub
	c.rootNode = rootNode
	c.monitored = make(map[string]bool)
	c.mu.Unlock()

	c.buffer.Flush()
	c.structureDirty.Store(true)
	c.dispatcher.EnqueuePeriodicResync()
	return sub, nil
}

func (c *Client) findRoot(ctx context.Context, s Session) (*ua.NodeID, error) {
	return FindRoot(ctx, s, c.opts.RootName)
}

// FindRoot looks up the node named rootName under the Objects folder.
func FindRoot(ctx context.Context, s Session, rootName string) (*ua.NodeID, error) {
	refs, err := s.Browse(ctx, ua.NewNumericNodeID(0, id.ObjectsFolder))
	if err != nil {
		return nil, fmt.Errorf("browse objects folder: %w", err)
	}
	for _, ref := range refs {
		if ref.BrowseName != nil && ref.BrowseName.Name == rootName && ref.NodeID != nil {
			return ref.NodeID.NodeID, nil
		}
	}
	return nil, fmt.Errorf("root %q: %w", rootName, ua.StatusBadNodeIDUnknown)
}

func (c *Client) current() (Session, Subscription, *ua.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || !c.session.Connected() {
		return nil, nil, nil
	}
	return c.session, c.sub, c.rootNode
}

// onNotification runs on the subscription's delivery goroutine.
func (c *Client) onNotification(n Notification) {
	if n.Kind == NotificationModelChange {
		if !c.opts.EnableLiveSync {
			return
		}
		c.structureDirty.Store(true)
	}
	c.dispatcher.EnqueueModelChange(n)
}

func (c *Client) periodicResync(ctx context.Context) {
	defer c.wg.Done()
	t := time.NewTicker(c.opts.PeriodicResyncInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.dispatcher.EnqueuePeriodicResync()
		}
	}
}

// handle is the dispatcher handler.
func (c *Client) handle(ctx context.Context, it dispatch.Item) error {
	switch it.Kind {
	case dispatch.KindPeriodicResync:
		return c.resync(ctx, "periodic")
	case dispatch.KindModelChange:
		switch p := it.Payload.(type) {
		case Notification:
			if p.Kind == NotificationValue {
				return c.mirror.ApplyValue(ctx, p.Node, p.Value)
			}
			// Several events of one structural edit collapse into the
			// first resync that runs after them.
			if !c.structureDirty.CompareAndSwap(true, false) {
				return nil
			}
			return c.resync(ctx, "model_change")
		case localStructureChange:
			return c.pushStructure(ctx, p.ref)
		}
		return fmt.Errorf("unknown payload %T", it.Payload)
	}
	return fmt.Errorf("unknown item kind %s", it.Kind)
}

// resync browses the remote root and applies it to the local graph.
func (c *Client) resync(ctx context.Context, reason string) (err error) {
	s, sub, rootNode := c.current()
	if s == nil {
		c.logger.Debug("resync skipped: not connected", "reason", reason)
		return nil
	}
	c.structureDirty.Store(false)

	ctx, span := tracer.Start(ctx, "client.resync", trace.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("session", s.ID()),
	))
	start := time.Now()
	defer func() {
		resyncDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	opCtx, cancel := operationContext(ctx, c.opts.OperationTimeout)
	defer cancel()
	tree, err := structure.BrowseTree(opCtx, rootNode, c.opts.RootName, s.Browse, s.Read)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	stats, applyErr := c.mirror.Apply(ctx, c.root, tree)
	span.SetAttributes(
		attribute.Int("subjects", stats.Subjects),
		attribute.Int("variables", stats.Variables),
		attribute.Int("writes", stats.Writes),
	)

	var fresh []*ua.NodeID
	c.mu.Lock()
	for _, nid := range c.mirror.Variables() {
		if !c.monitored[nid.String()] {
			c.monitored[nid.String()] = true
			fresh = append(fresh, nid)
		}
	}
	c.mu.Unlock()
	for _, nid := range fresh {
		if ref, ok := c.mirror.PropertyOf(nid); ok {
			transaction.BindSource(ref, c)
		}
	}
	if len(fresh) > 0 && sub != nil {
		if err := sub.Monitor(opCtx, fresh...); err != nil {
			c.mu.Lock()
			for _, nid := range fresh {
				delete(c.monitored, nid.String())
			}
			c.mu.Unlock()
			return errors.Join(applyErr, fmt.Errorf("monitor %d variables: %w", len(fresh), err))
		}
	}
	if sub != nil {
		c.conn.Diagnostics().monitoredItems.Store(int64(sub.MonitoredItemCount()))
	}

	c.logger.Debug("resync applied",
		"reason", reason,
		"subjects", stats.Subjects,
		"variables", stats.Variables,
		"created", stats.Created,
		"writes", stats.Writes,
		"monitored", len(fresh),
	)
	return applyErr
}

// localStructureChange asks the dispatcher to push a local structural edit
// to the server.
type localStructureChange struct {
	ref subject.PropertyReference
}

// onLocalChange routes local graph changes to the server.
func (c *Client) onLocalChange(ch subject.Change) {
	if ch.Source == any(c) || ch.Property.Metadata == nil || ch.Property.Metadata.IsDerived {
		return
	}
	if ch.Property.Metadata.Kind.IsStructural() {
		if c.opts.EnableRemoteNodeManagement {
			c.dispatcher.EnqueueModelChange(localStructureChange{ref: ch.Property})
		}
		return
	}
	if ch.TransactionID != "" {
		// Already written by the committing transaction.
		if src, ok := transaction.SourceOf(ch.Property); ok && src == transaction.Source(c) {
			return
		}
	}
	nid, ok := c.mirror.VariableOf(ch.Property)
	if !ok {
		return
	}
	c.buffer.Add(pendingWrite{ref: ch.Property, node: nid, value: ch.NewValue})
}

// flushWrites is the write buffer's flush function.
func (c *Client) flushWrites(batch []pendingWrite) []pendingWrite {
	s, _, _ := c.current()
	if s == nil {
		c.logger.Debug("writes retained: not connected", "count", len(batch))
		return batch
	}

	values := make([]*ua.WriteValue, 0, len(batch))
	sent := make([]pendingWrite, 0, len(batch))
	for _, w := range batch {
		v, err := addrspace.ToVariant(w.value)
		if err != nil {
			valueWrites.WithLabelValues("invalid").Inc()
			c.logger.Warn("write dropped", "property", w.ref.String(), "error", err)
			continue
		}
		values = append(values, writeValue(w.node, v))
		sent = append(sent, w)
	}
	if len(values) == 0 {
		return nil
	}

	ctx, cancel := operationContext(context.Background(), c.opts.OperationTimeout)
	defer cancel()
	results, err := s.Write(ctx, values)
	if err != nil {
		c.logger.Warn("write batch failed; retained", "count", len(sent), "error", err)
		return sent
	}
	for i, w := range sent {
		status := ua.StatusBadInternalError
		if i < len(results) {
			status = results[i]
		}
		if status != ua.StatusOK {
			valueWrites.WithLabelValues("rejected").Inc()
			c.logger.Warn("write rejected", "property", w.ref.String(), "node", w.node.String(), "status", status)
			continue
		}
		valueWrites.WithLabelValues("ok").Inc()
	}
	return nil
}

func writeValue(nid *ua.NodeID, v *ua.Variant) *ua.WriteValue {
	return &ua.WriteValue{
		NodeID:      nid,
		AttributeID: ua.AttributeIDValue,
		Value: &ua.DataValue{
			EncodingMask: ua.DataValueValue,
			Value:        v,
		},
	}
}

// Name implements transaction.Source.
func (c *Client) Name() string { return "opcua:" + c.opts.Endpoint }

// WriteChanges implements transaction.Source: a committing transaction
// writes changes of bound properties straight to the server.
func (c *Client) WriteChanges(ctx context.Context, changes []subject.Change) []error {
	errs := make([]error, len(changes))
	s, _, _ := c.current()
	if s == nil {
		for i := range errs {
			errs[i] = ErrNotConnected
		}
		return errs
	}

	var values []*ua.WriteValue
	var index []int
	for i, ch := range changes {
		nid, ok := c.mirror.VariableOf(ch.Property)
		if !ok {
			errs[i] = fmt.Errorf("%s: %w", ch.Property, ua.StatusBadNodeIDUnknown)
			continue
		}
		v, err := addrspace.ToVariant(ch.NewValue)
		if err != nil {
			errs[i] = err
			continue
		}
		values = append(values, writeValue(nid, v))
		index = append(index, i)
	}

	if len(values) > 0 {
		opCtx, cancel := operationContext(ctx, c.opts.OperationTimeout)
		defer cancel()
		results, err := s.Write(opCtx, values)
		for j, i := range index {
			switch {
			case err != nil:
				errs[i] = err
			case j >= len(results):
				errs[i] = ua.StatusBadInternalError
			default:
				errs[i] = statusError(results[j])
			}
		}
	}

	for _, err := range errs {
		if err != nil {
			return errs
		}
	}
	return nil
}

// Close stops syncing and closes the session. Idempotent and safe to call
// concurrently with Diagnostics.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	cancel, unobserve := c.cancel, c.unobserve
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if unobserve != nil {
		unobserve()
	}
	c.wg.Wait()

	connErr := c.conn.Close()
	ctx, cancel := operationContext(context.Background(), c.opts.OperationTimeout)
	defer cancel()
	stopErr := c.dispatcher.Stop(ctx)
	c.buffer.Stop()

	c.mu.Lock()
	c.session, c.sub = nil, nil
	c.mu.Unlock()
	c.logger.Info("client closed", "endpoint", c.opts.Endpoint)
	return errors.Join(connErr, stopErr)
}
