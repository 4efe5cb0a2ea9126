package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/roach88/opcsync/internal/addrspace"
	"github.com/roach88/opcsync/internal/config"
)

// Loopback serves sessions against an in-process address space. It can be
// taken offline and driven into a reconnect that never finishes, which is
// how the resilience paths are exercised without a network.
type Loopback struct {
	space *addrspace.Space

	mu        sync.Mutex
	available bool
	stuck     bool
	sessions  map[*loopbackSession]struct{}

	nextID   atomic.Int64
	connects atomic.Int64
}

// NewLoopback creates an online loopback over space.
func NewLoopback(space *addrspace.Space) *Loopback {
	return &Loopback{
		space:     space,
		available: true,
		sessions:  make(map[*loopbackSession]struct{}),
	}
}

// Space returns the served address space.
func (l *Loopback) Space() *addrspace.Space { return l.space }

// Factory returns a SessionFactory producing loopback sessions.
func (l *Loopback) Factory() SessionFactory {
	return func(_ context.Context, _ config.ClientOptions) (Session, error) {
		s := &loopbackSession{
			lb: l,
			id: fmt.Sprintf("loopback-%d", l.nextID.Add(1)),
		}
		return s, nil
	}
}

// SetAvailable takes the server offline or back online. Going offline drops
// every session and stops publishing on their subscriptions.
func (l *Loopback) SetAvailable(up bool) {
	l.mu.Lock()
	l.available = up
	var dropped []*loopbackSession
	if !up {
		for s := range l.sessions {
			dropped = append(dropped, s)
		}
		clear(l.sessions)
	}
	stuck := l.stuck
	l.mu.Unlock()

	for _, s := range dropped {
		s.drop(stuck)
	}
}

// SetStuckReconnect makes dropped sessions report a session-layer reconnect
// that never completes.
func (l *Loopback) SetStuckReconnect(stuck bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stuck = stuck
}

// Connects returns the number of successful session connects.
func (l *Loopback) Connects() int64 { return l.connects.Load() }

func (l *Loopback) isAvailable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available
}

type loopbackSession struct {
	lb *Loopback
	id string

	connected    atomic.Bool
	reconnecting atomic.Bool

	mu   sync.Mutex
	subs []*loopbackSubscription
}

func (s *loopbackSession) ID() string { return s.id }

func (s *loopbackSession) Connect(_ context.Context) error {
	s.lb.mu.Lock()
	defer s.lb.mu.Unlock()
	if !s.lb.available {
		return fmt.Errorf("connect %s: %w", s.id, ua.StatusBadCommunicationError)
	}
	s.lb.sessions[s] = struct{}{}
	s.connected.Store(true)
	s.reconnecting.Store(false)
	s.lb.connects.Add(1)
	return nil
}

func (s *loopbackSession) Close(_ context.Context) error {
	s.lb.mu.Lock()
	delete(s.lb.sessions, s)
	s.lb.mu.Unlock()

	s.connected.Store(false)
	s.reconnecting.Store(false)
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (s *loopbackSession) drop(stuck bool) {
	s.connected.Store(false)
	s.reconnecting.Store(stuck)
	s.mu.Lock()
	subs := s.subs
	s.mu.Unlock()
	for _, sub := range subs {
		sub.stopped.Store(true)
	}
}

func (s *loopbackSession) Connected() bool    { return s.connected.Load() }
func (s *loopbackSession) Reconnecting() bool { return s.reconnecting.Load() }

func (s *loopbackSession) check() error {
	if !s.connected.Load() || !s.lb.isAvailable() {
		return ErrNotConnected
	}
	return nil
}

func (s *loopbackSession) Browse(_ context.Context, nid *ua.NodeID) ([]*ua.ReferenceDescription, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	refs, status := s.lb.space.Browse(nid)
	if status != ua.StatusOK {
		return nil, fmt.Errorf("browse %s: %w", nid, status)
	}
	return refs, nil
}

func (s *loopbackSession) Read(_ context.Context, ids []*ua.NodeID) ([]*ua.DataValue, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]*ua.DataValue, len(ids))
	for i, nid := range ids {
		out[i] = s.lb.space.Read(nid)
	}
	return out, nil
}

func (s *loopbackSession) Write(ctx context.Context, values []*ua.WriteValue) ([]ua.StatusCode, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]ua.StatusCode, len(values))
	for i, wv := range values {
		if wv.AttributeID != ua.AttributeIDValue || wv.Value == nil {
			out[i] = ua.StatusBadAttributeIDInvalid
			continue
		}
		out[i] = s.lb.space.Write(ctx, wv.NodeID, wv.Value.Value)
	}
	return out, nil
}

func (s *loopbackSession) AddNodes(ctx context.Context, items []*ua.AddNodesItem) ([]*ua.AddNodesResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.lb.space.AddNodes(ctx, items), nil
}

func (s *loopbackSession) DeleteNodes(ctx context.Context, items []*ua.DeleteNodesItem) ([]ua.StatusCode, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.lb.space.DeleteNodes(ctx, items), nil
}

func (s *loopbackSession) Subscribe(_ context.Context, _ time.Duration, handler NotificationHandler) (Subscription, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	sub := &loopbackSubscription{
		session:   s,
		handler:   handler,
		monitored: make(map[string]bool),
	}
	sub.cancel = s.lb.space.Subscribe(sub.onEvent)

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub, nil
}

type loopbackSubscription struct {
	session *loopbackSession
	handler NotificationHandler
	cancel  func()

	mu        sync.Mutex
	monitored map[string]bool
	model     bool

	stopped atomic.Bool
}

func (sub *loopbackSubscription) onEvent(ev addrspace.Event) {
	if sub.stopped.Load() {
		return
	}
	sub.mu.Lock()
	watch := sub.monitored[ev.Node.String()]
	model := sub.model
	sub.mu.Unlock()

	switch {
	case ev.Kind == addrspace.EventValueChanged && watch:
		sub.handler(Notification{Kind: NotificationValue, Node: ev.Node, Value: ev.Value})
	case ev.Kind.IsStructural() && model:
		sub.handler(Notification{Kind: NotificationModelChange, Node: ev.Node, Parent: ev.Parent})
	}
}

// Monitor adds items and delivers their current value, as a server does for
// a new monitored item.
func (sub *loopbackSubscription) Monitor(_ context.Context, ids ...*ua.NodeID) error {
	if sub.stopped.Load() {
		return ErrNotConnected
	}
	sub.mu.Lock()
	for _, nid := range ids {
		sub.monitored[nid.String()] = true
	}
	sub.mu.Unlock()

	for _, nid := range ids {
		dv := sub.session.lb.space.Read(nid)
		if dv.Status == ua.StatusOK {
			sub.handler(Notification{Kind: NotificationValue, Node: nid, Value: dv})
		}
	}
	return nil
}

func (sub *loopbackSubscription) MonitorModelChanges(_ context.Context, _ *ua.NodeID) error {
	if sub.stopped.Load() {
		return ErrNotConnected
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.model = true
	return nil
}

func (sub *loopbackSubscription) MonitoredItemCount() int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	n := len(sub.monitored)
	if sub.model {
		n++
	}
	return n
}

func (sub *loopbackSubscription) PublishingStopped() bool { return sub.stopped.Load() }

func (sub *loopbackSubscription) Cancel(_ context.Context) error {
	sub.stop()
	return nil
}

func (sub *loopbackSubscription) stop() {
	sub.stopped.Store(true)
	sub.cancel()
}
