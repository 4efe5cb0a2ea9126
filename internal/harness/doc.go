// Package harness runs structural sync scenarios against a live server
// binding.
//
// A scenario starts a server over the demo graph, applies steps either to
// the graph (the server side of the sync) or through the address-space
// services (the client side), and then checks assertions against the final
// address space and the event trace. The final address space is rendered by
// Dump and compared with a golden file.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	populate: true
//	server:
//	  external_node_management: true
//	steps:
//	  - op: remove_at
//	    property: People
//	    index: 0
//	  - op: write
//	    node: People/People[0]/Age
//	    value: 41
//	  - op: delete_node
//	    node: Person
//	    status: BadServiceUnsupported
//	assertions:
//	  - type: child_count
//	    node: People
//	    count: 2
//	  - type: trace_contains
//	    kind: browse_name_changed
//	    browse_name: People[0]
//	  - type: mirror_converges
//
// Unknown fields are rejected so that typos fail loudly.
//
// # Determinism
//
// Change and node timestamps come from a manual clock, NodeIDs are not part
// of the dump, and shared nodes are labeled by visit order. Running the same
// scenario twice yields the same dump and the same trace kinds.
package harness
