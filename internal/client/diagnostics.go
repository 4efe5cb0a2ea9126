package client

import (
	"sync/atomic"
	"time"
)

// Diagnostics accumulates connection counters over the lifetime of a
// client. All fields are atomics, so reads never block and stay valid while
// the client shuts down.
type Diagnostics struct {
	totalAttempts      atomic.Int64
	successful         atomic.Int64
	failed             atomic.Int64
	healthCheckErrors  atomic.Int64
	stallResets        atomic.Int64
	connected          atomic.Bool
	reconnecting       atomic.Bool
	sessionID          atomic.Value // string
	lastConnectedAt    atomic.Int64 // unix nanos
	lastDisconnectedAt atomic.Int64
	monitoredItems     atomic.Int64
}

// DiagnosticsSnapshot is a point-in-time copy of Diagnostics.
type DiagnosticsSnapshot struct {
	IsConnected    bool   `json:"is_connected"`
	IsReconnecting bool   `json:"is_reconnecting"`
	SessionID      string `json:"session_id,omitempty"`

	LastConnectedAt    time.Time `json:"last_connected_at"`
	LastDisconnectedAt time.Time `json:"last_disconnected_at"`
	// DisconnectedDuration is nil while connected.
	DisconnectedDuration *time.Duration `json:"disconnected_duration,omitempty"`

	TotalReconnectionAttempts    int64 `json:"total_reconnection_attempts"`
	SuccessfulReconnections      int64 `json:"successful_reconnections"`
	FailedReconnections          int64 `json:"failed_reconnections"`
	ConsecutiveHealthCheckErrors int64 `json:"consecutive_health_check_errors"`
	StallResets                  int64 `json:"stall_resets"`
	MonitoredItemCount           int64 `json:"monitored_item_count"`
}

// Snapshot copies the counters. A nil receiver yields the zero snapshot.
func (d *Diagnostics) Snapshot(now time.Time) DiagnosticsSnapshot {
	if d == nil {
		return DiagnosticsSnapshot{}
	}
	snap := DiagnosticsSnapshot{
		IsConnected:                  d.connected.Load(),
		IsReconnecting:               d.reconnecting.Load(),
		LastConnectedAt:              unixTime(d.lastConnectedAt.Load()),
		LastDisconnectedAt:           unixTime(d.lastDisconnectedAt.Load()),
		TotalReconnectionAttempts:    d.totalAttempts.Load(),
		SuccessfulReconnections:      d.successful.Load(),
		FailedReconnections:          d.failed.Load(),
		ConsecutiveHealthCheckErrors: d.healthCheckErrors.Load(),
		StallResets:                  d.stallResets.Load(),
		MonitoredItemCount:           d.monitoredItems.Load(),
	}
	if id, ok := d.sessionID.Load().(string); ok {
		snap.SessionID = id
	}
	if !snap.IsConnected && !snap.LastDisconnectedAt.IsZero() {
		gone := now.Sub(snap.LastDisconnectedAt)
		snap.DisconnectedDuration = &gone
	}
	return snap
}

func (d *Diagnostics) markConnected(sessionID string, at time.Time) {
	d.sessionID.Store(sessionID)
	d.lastConnectedAt.Store(at.UnixNano())
	d.healthCheckErrors.Store(0)
	d.connected.Store(true)
}

func (d *Diagnostics) markDisconnected(at time.Time) {
	if d.connected.CompareAndSwap(true, false) {
		d.lastDisconnectedAt.Store(at.UnixNano())
	}
}

func unixTime(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
