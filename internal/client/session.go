package client

import (
	"context"
	"errors"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/roach88/opcsync/internal/config"
)

var (
	// ErrNotConnected is returned for operations that need a live session.
	ErrNotConnected = errors.New("session not connected")

	// ErrModelChangesUnsupported is returned by subscriptions that cannot
	// deliver structural change events.
	ErrModelChangesUnsupported = errors.New("model change events not supported")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("client closed")
)

// Session is one OPC UA session.
type Session interface {
	ID() string
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	// Connected reports whether the session is usable.
	Connected() bool
	// Reconnecting reports whether the session layer is running its own
	// reconnect.
	Reconnecting() bool

	Browse(ctx context.Context, nid *ua.NodeID) ([]*ua.ReferenceDescription, error)
	Read(ctx context.Context, ids []*ua.NodeID) ([]*ua.DataValue, error)
	Write(ctx context.Context, values []*ua.WriteValue) ([]ua.StatusCode, error)
	AddNodes(ctx context.Context, items []*ua.AddNodesItem) ([]*ua.AddNodesResult, error)
	DeleteNodes(ctx context.Context, items []*ua.DeleteNodesItem) ([]ua.StatusCode, error)

	Subscribe(ctx context.Context, interval time.Duration, handler NotificationHandler) (Subscription, error)
}

// Subscription delivers value and structural notifications.
type Subscription interface {
	// Monitor adds value monitored items.
	Monitor(ctx context.Context, ids ...*ua.NodeID) error
	// MonitorModelChanges subscribes to structural change events below
	// root. Returns ErrModelChangesUnsupported if the server cannot emit
	// them.
	MonitorModelChanges(ctx context.Context, root *ua.NodeID) error
	MonitoredItemCount() int
	// PublishingStopped reports that the server stopped publishing, even
	// if the session has not noticed a connection loss yet.
	PublishingStopped() bool
	Cancel(ctx context.Context) error
}

// NotificationKind tells value notifications from structural ones.
type NotificationKind int

const (
	NotificationValue NotificationKind = iota + 1
	NotificationModelChange
)

// Notification is one message from a subscription.
type Notification struct {
	Kind  NotificationKind
	Node  *ua.NodeID
	Value *ua.DataValue

	// Parent is set for model changes when known.
	Parent *ua.NodeID
}

// NotificationHandler receives notifications. It must not block.
type NotificationHandler func(Notification)

// SessionFactory creates an unconnected session for the configured
// endpoint.
type SessionFactory func(ctx context.Context, opts config.ClientOptions) (Session, error)

func statusError(status ua.StatusCode) error {
	if status == ua.StatusOK {
		return nil
	}
	return status
}
