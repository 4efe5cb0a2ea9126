package testutil

import (
	"fmt"
	"sync"

	"github.com/roach88/opcsync/internal/subject"
)

// RecordedChange is a flattened subject change.
type RecordedChange struct {
	Property      string
	OldValue      any
	NewValue      any
	TransactionID string
	Tagged        bool
}

// String renders the change for failure messages.
func (c RecordedChange) String() string {
	return fmt.Sprintf("%s: %v -> %v", c.Property, c.OldValue, c.NewValue)
}

// Recorder collects every change notified by a subject context.
//
// Thread-safety: All methods are safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	changes []RecordedChange
	stop    func()
}

// NewRecorder starts recording changes of c. Call Stop when done.
func NewRecorder(c *subject.Context) *Recorder {
	r := &Recorder{}
	r.stop = c.Observe(r.observe)
	return r
}

func (r *Recorder) observe(ch subject.Change) {
	rc := RecordedChange{
		Property:      ch.Property.String(),
		OldValue:      ch.OldValue,
		NewValue:      ch.NewValue,
		TransactionID: ch.TransactionID,
		Tagged:        ch.Source != nil,
	}
	r.mu.Lock()
	r.changes = append(r.changes, rc)
	r.mu.Unlock()
}

// Changes returns a copy of the recorded changes in notification order.
func (r *Recorder) Changes() []RecordedChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedChange, len(r.changes))
	copy(out, r.changes)
	return out
}

// For returns the recorded changes of one property ("Type.Property").
func (r *Recorder) For(property string) []RecordedChange {
	var out []RecordedChange
	for _, c := range r.Changes() {
		if c.Property == property {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of recorded changes.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = nil
}

// Stop stops recording. Safe to call more than once.
func (r *Recorder) Stop() {
	r.stop()
}
