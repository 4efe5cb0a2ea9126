package subject

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ErrReadOnly is returned when writing a derived property.
var ErrReadOnly = errors.New("property is derived and cannot be written")

// Subject is an intercepted object participating in the graph.
type Subject interface {
	// Context returns the graph context the subject belongs to.
	Context() *Context
	// Type returns the subject type name.
	Type() string
	// Properties returns the descriptor table in declaration order.
	Properties() []*PropertyMetadata
	// Property looks a descriptor up by name.
	Property(name string) (*PropertyMetadata, bool)
}

// ReadFunc continues a read chain.
type ReadFunc func(ctx context.Context, ref PropertyReference) any

// WriteFunc continues a write chain.
type WriteFunc func(ctx context.Context, w *WriteContext) error

// ReadInterceptor observes or redirects property reads.
type ReadInterceptor interface {
	ReadProperty(ctx context.Context, ref PropertyReference, next ReadFunc) any
}

// WriteInterceptor observes, redirects, or stops property writes.
type WriteInterceptor interface {
	WriteProperty(ctx context.Context, w *WriteContext, next WriteFunc) error
}

// Observer receives every change that reaches the end of the write chain.
type Observer func(Change)

// Context is a subject graph context: the interceptor chain, change
// observers, and per-property data shared by all subjects created in it.
//
// Thread-safety: all methods are safe for concurrent use.
type Context struct {
	mu        sync.RWMutex
	readers   []ReadInterceptor
	writers   []WriteInterceptor
	observers map[uint64]Observer
	nextID    uint64

	data     sync.Map // dataKey -> any
	services sync.Map // any -> any

	now func() time.Time
}

type dataKey struct {
	ref PropertyReference
	key any
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithClock overrides the wall clock used for change timestamps.
func WithClock(now func() time.Time) ContextOption {
	return func(c *Context) {
		c.now = now
	}
}

// NewContext creates an empty context with no interceptors.
func NewContext(opts ...ContextOption) *Context {
	c := &Context{
		observers: make(map[uint64]Observer),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Use appends interceptors to the chain. Each value must implement
// ReadInterceptor, WriteInterceptor, or both.
//
// Interceptors run in registration order, ahead of change notification.
func (c *Context) Use(interceptors ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, i := range interceptors {
		r, isReader := i.(ReadInterceptor)
		w, isWriter := i.(WriteInterceptor)
		if !isReader && !isWriter {
			panic(fmt.Sprintf("subject: %T is neither a ReadInterceptor nor a WriteInterceptor", i))
		}
		if isReader {
			c.readers = append(c.readers, r)
		}
		if isWriter {
			c.writers = append(c.writers, w)
		}
	}
}

// Observe registers an observer and returns a function that removes it.
// Observers run synchronously on the writing goroutine.
func (c *Context) Observe(fn Observer) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
		})
	}
}

// GetValue reads a property through the read chain.
func (c *Context) GetValue(ctx context.Context, ref PropertyReference) any {
	c.mu.RLock()
	readers := c.readers
	c.mu.RUnlock()

	var call func(i int) ReadFunc
	call = func(i int) ReadFunc {
		if i == len(readers) {
			return func(_ context.Context, r PropertyReference) any {
				return r.Metadata.Get(r.Subject)
			}
		}
		return func(ctx context.Context, r PropertyReference) any {
			return readers[i].ReadProperty(ctx, r, call(i+1))
		}
	}
	return call(0)(ctx, ref)
}

// SetValue writes a property through the write chain.
//
// OldValue is always the raw stored value, never a value redirected by a
// read interceptor.
func (c *Context) SetValue(ctx context.Context, ref PropertyReference, value any) error {
	if !ref.IsValid() {
		return fmt.Errorf("set value: invalid property reference")
	}

	now := c.now()
	w := &WriteContext{
		Property:      ref,
		OldValue:      ref.Metadata.Get(ref.Subject),
		NewValue:      value,
		Source:        SourceFromContext(ctx),
		TransactionID: TransactionIDFromContext(ctx),
		ChangedAt:     now,
		ReceivedAt:    now,
	}
	if t, ok := changedAtFromContext(ctx); ok {
		w.ChangedAt = t
	}

	c.mu.RLock()
	writers := c.writers
	c.mu.RUnlock()

	var call func(i int) WriteFunc
	call = func(i int) WriteFunc {
		if i == len(writers) {
			return c.commitWrite
		}
		return func(ctx context.Context, w *WriteContext) error {
			return writers[i].WriteProperty(ctx, w, call(i+1))
		}
	}
	return call(0)(ctx, w)
}

// commitWrite is the terminal step: store the value, recompute derived
// properties of the same subject, then notify observers.
func (c *Context) commitWrite(_ context.Context, w *WriteContext) error {
	md := w.Property.Metadata
	if md.IsDerived || md.Set == nil {
		return fmt.Errorf("write %s: %w", w.Property, ErrReadOnly)
	}

	s := w.Property.Subject
	derivedBefore := snapshotDerived(s)

	md.Set(s, w.NewValue)

	changes := []Change{w.Change()}
	for _, d := range derivedBefore {
		ref := PropertyReference{Subject: s, Metadata: d.md}
		now := d.md.Get(s)
		if Equal(d.value, now) {
			continue
		}
		changes = append(changes, Change{
			Property:      ref,
			OldValue:      d.value,
			NewValue:      now,
			Source:        w.Source,
			TransactionID: w.TransactionID,
			ChangedAt:     w.ChangedAt,
			ReceivedAt:    w.ReceivedAt,
		})
	}

	c.notify(changes)
	return nil
}

type derivedValue struct {
	md    *PropertyMetadata
	value any
}

func snapshotDerived(s Subject) []derivedValue {
	var out []derivedValue
	for _, md := range s.Properties() {
		if md.IsDerived {
			out = append(out, derivedValue{md: md, value: md.Get(s)})
		}
	}
	return out
}

func (c *Context) notify(changes []Change) {
	c.mu.RLock()
	observers := make([]Observer, 0, len(c.observers))
	ids := make([]uint64, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		observers = append(observers, c.observers[id])
	}
	c.mu.RUnlock()

	for _, ch := range changes {
		for _, obs := range observers {
			obs(ch)
		}
	}
}

// SetPropertyData attaches arbitrary data to a property (e.g. its node ID or
// external source).
func (c *Context) SetPropertyData(ref PropertyReference, key, value any) {
	c.data.Store(dataKey{ref: ref, key: key}, value)
}

// PropertyData returns data attached with SetPropertyData.
func (c *Context) PropertyData(ref PropertyReference, key any) (any, bool) {
	return c.data.Load(dataKey{ref: ref, key: key})
}

// DeletePropertyData removes attached data.
func (c *Context) DeletePropertyData(ref PropertyReference, key any) {
	c.data.Delete(dataKey{ref: ref, key: key})
}

// Service returns a context-scoped service registered under key.
func (c *Context) Service(key any) (any, bool) {
	return c.services.Load(key)
}

// LoadOrStoreService returns the existing service for key, or stores and
// returns value.
func (c *Context) LoadOrStoreService(key, value any) any {
	actual, _ := c.services.LoadOrStore(key, value)
	return actual
}

// Now returns the context clock's current time.
func (c *Context) Now() time.Time {
	return c.now()
}
