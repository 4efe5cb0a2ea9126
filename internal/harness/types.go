package harness

import "fmt"

// TraceEvent is one structural or value event emitted by the server's
// address space while the scenario steps ran.
type TraceEvent struct {
	Seq        int    `json:"seq"`
	Kind       string `json:"kind"`
	BrowseName string `json:"browse_name"`
	Node       string `json:"node"`
}

// String renders the event for failure messages.
func (e TraceEvent) String() string {
	return fmt.Sprintf("[%d] %s %q %s", e.Seq, e.Kind, e.BrowseName, e.Node)
}

// StepResult records the outcome of one step.
type StepResult struct {
	Op     string `json:"op"`
	Status string `json:"status"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every step and assertion succeeded.
	Pass bool `json:"pass"`

	// Trace contains the address-space events in emission order.
	Trace []TraceEvent `json:"trace"`

	// Steps holds one entry per executed step.
	Steps []StepResult `json:"steps"`

	// Errors contains step and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Dump is the final address-space dump below the root node.
	Dump string `json:"dump"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Steps:  []StepResult{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
