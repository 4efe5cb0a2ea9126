package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a structural sync scenario.
// A scenario starts a server over the demo graph, runs a list of steps
// against the graph or the address space, then checks assertions and the
// final address-space dump.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Populate fills the root with the demo people before the server starts.
	Populate bool `yaml:"populate"`

	// Server overrides the server defaults.
	Server ServerConfig `yaml:"server"`

	// Steps run in order. Every step must succeed unless it declares an
	// expected status.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and the final address space.
	Assertions []Assertion `yaml:"assertions"`

	// TransactionIDs are handed out to journaled transactions in order.
	// Used only when Server.TransactionalWrites is set.
	TransactionIDs []string `yaml:"transaction_ids,omitempty"`
}

// ServerConfig holds the server switches a scenario may flip.
// Nil keeps the default.
type ServerConfig struct {
	LiveSync               *bool `yaml:"live_sync,omitempty"`
	ExternalNodeManagement *bool `yaml:"external_node_management,omitempty"`
	TransactionalWrites    *bool `yaml:"transactional_writes,omitempty"`
}

// Step is one scenario action.
//
// Graph steps (set, append, remove_at, put, delete_key, set_reference,
// clear_reference) edit the server graph directly. Target is a subject path
// such as "People[1]" or "PeopleByName[grace].Person"; empty means the root.
//
// Service steps (write, add_node, delete_node) go through the address-space
// services like a client would. Node is a BrowseName path below the root
// node such as "People/People[1]/Age"; empty means the root node.
type Step struct {
	Op string `yaml:"op"`

	Target   string `yaml:"target,omitempty"`
	Property string `yaml:"property,omitempty"`
	Value    any    `yaml:"value,omitempty"`
	Index    int    `yaml:"index,omitempty"`
	Key      string `yaml:"key,omitempty"`

	// Item is the subject path of an existing subject to insert.
	Item string `yaml:"item,omitempty"`

	// Person creates a new person to insert.
	Person *PersonSpec `yaml:"person,omitempty"`

	Node       string `yaml:"node,omitempty"`
	BrowseName string `yaml:"browse_name,omitempty"`
	Type       string `yaml:"type,omitempty"`

	// Status is the expected service status name (e.g. "Good",
	// "BadNotWritable"). Empty expects Good.
	Status string `yaml:"status,omitempty"`
}

// PersonSpec describes a new person.
type PersonSpec struct {
	First string `yaml:"first"`
	Last  string `yaml:"last"`
}

// Step operations.
const (
	OpSet            = "set"
	OpAppend         = "append"
	OpRemoveAt       = "remove_at"
	OpPut            = "put"
	OpDeleteKey      = "delete_key"
	OpSetReference   = "set_reference"
	OpClearReference = "clear_reference"
	OpWrite          = "write"
	OpAddNode        = "add_node"
	OpDeleteNode     = "delete_node"
)

// Assertion validates the trace or the final address space.
type Assertion struct {
	// Type specifies the assertion type:
	// - "node_exists" / "node_absent": Node path resolves or not
	// - "child_count": Node has Count children
	// - "value": variable at Node holds Value
	// - "same_node": Node and Other resolve to one NodeID
	// - "trace_contains": an event of Kind named BrowseName was emitted
	// - "mirror_converges": a client mirror of the server rebuilds the same dump
	// - "journal_outcome": transaction ID was journaled with Outcome
	Type string `yaml:"type"`

	Node       string `yaml:"node,omitempty"`
	Other      string `yaml:"other,omitempty"`
	Count      int    `yaml:"count,omitempty"`
	Value      any    `yaml:"value,omitempty"`
	Kind       string `yaml:"kind,omitempty"`
	BrowseName string `yaml:"browse_name,omitempty"`
	ID         string `yaml:"id,omitempty"`
	Outcome    string `yaml:"outcome,omitempty"`
}

// Assertion type constants.
const (
	AssertNodeExists      = "node_exists"
	AssertNodeAbsent      = "node_absent"
	AssertChildCount      = "child_count"
	AssertValue           = "value"
	AssertSameNode        = "same_node"
	AssertTraceContains   = "trace_contains"
	AssertMirrorConverges = "mirror_converges"
	AssertJournalOutcome  = "journal_outcome"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateStep validates a single step based on its operation.
func validateStep(index int, st *Step) error {
	requireField := func(ok bool, field string) error {
		if !ok {
			return fmt.Errorf("steps[%d]: %s is required for %s", index, field, st.Op)
		}
		return nil
	}

	switch st.Op {
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	case OpSet:
		return requireField(st.Property != "", "property")
	case OpAppend, OpSetReference:
		if err := requireField(st.Property != "", "property"); err != nil {
			return err
		}
		return requireField(st.Item != "" || st.Person != nil, "item or person")
	case OpPut:
		if err := requireField(st.Property != "", "property"); err != nil {
			return err
		}
		if err := requireField(st.Key != "", "key"); err != nil {
			return err
		}
		return requireField(st.Item != "" || st.Person != nil, "item or person")
	case OpRemoveAt, OpClearReference:
		if st.Index < 0 {
			return fmt.Errorf("steps[%d]: index must be non-negative", index)
		}
		return requireField(st.Property != "", "property")
	case OpDeleteKey:
		if err := requireField(st.Property != "", "property"); err != nil {
			return err
		}
		return requireField(st.Key != "", "key")
	case OpWrite:
		return requireField(st.Node != "", "node")
	case OpAddNode:
		if err := requireField(st.BrowseName != "", "browse_name"); err != nil {
			return err
		}
		return requireField(st.Type != "", "type")
	case OpDeleteNode:
		return nil
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertNodeExists, AssertNodeAbsent, AssertMirrorConverges:
	case AssertChildCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for child_count", index)
		}
	case AssertValue:
		if a.Node == "" {
			return fmt.Errorf("assertions[%d]: node is required for value", index)
		}
	case AssertSameNode:
		if a.Node == "" || a.Other == "" {
			return fmt.Errorf("assertions[%d]: node and other are required for same_node", index)
		}
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertJournalOutcome:
		if a.ID == "" || a.Outcome == "" {
			return fmt.Errorf("assertions[%d]: id and outcome are required for journal_outcome", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
