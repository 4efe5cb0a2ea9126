package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/gopcua/opcua/ua"

	"github.com/roach88/opcsync/internal/addrspace"
	"github.com/roach88/opcsync/internal/model"
	"github.com/roach88/opcsync/internal/structure"
	"github.com/roach88/opcsync/internal/subject"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", event)
		}
	}
	return buf.String()
}

// check evaluates one assertion against the finished run.
func (h *Harness) check(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertNodeExists:
		if _, err := h.resolveNode(a.Node); err != nil {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("node %q exists", a.Node), Actual: err.Error()}
		}
		return nil
	case AssertNodeAbsent:
		if nid, err := h.resolveNode(a.Node); err == nil {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("node %q absent", a.Node), Actual: "found " + nid.String()}
		}
		return nil
	case AssertChildCount:
		return h.assertChildCount(a)
	case AssertValue:
		return h.assertValue(a)
	case AssertSameNode:
		return h.assertSameNode(a)
	case AssertTraceContains:
		return assertTraceContains(h.result.Trace, a)
	case AssertMirrorConverges:
		return h.assertMirrorConverges(ctx)
	case AssertJournalOutcome:
		return h.assertJournalOutcome(ctx, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func (h *Harness) assertChildCount(a Assertion) error {
	nid, err := h.resolveNode(a.Node)
	if err != nil {
		return err
	}
	children, err := h.server.Space().Children(nid)
	if err != nil {
		return err
	}
	if len(children) != a.Count {
		names := make([]string, len(children))
		for i, c := range children {
			names[i] = c.BrowseName
		}
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d children under %q", a.Count, a.Node),
			Actual:   fmt.Sprintf("%d children %v", len(children), names),
		}
	}
	return nil
}

func (h *Harness) assertValue(a Assertion) error {
	nid, err := h.resolveNode(a.Node)
	if err != nil {
		return err
	}
	info, _ := h.server.Space().Node(nid)
	if info.Class != ua.NodeClassVariable {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%q is a variable", a.Node), Actual: fmt.Sprint(info.Class)}
	}
	want := formatScalar(a.Value)
	got := formatValue(info.Value)
	if want != got {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s = %s", a.Node, want), Actual: got}
	}
	return nil
}

func (h *Harness) assertSameNode(a Assertion) error {
	first, err := h.resolveNode(a.Node)
	if err != nil {
		return err
	}
	second, err := h.resolveNode(a.Other)
	if err != nil {
		return err
	}
	if first.String() != second.String() {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%q and %q share one node", a.Node, a.Other),
			Actual:   fmt.Sprintf("%s and %s", first, second),
		}
	}
	return nil
}

// assertTraceContains checks that an event of the given kind, and
// BrowseName when set, was emitted.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if event.Kind == a.Kind && (a.BrowseName == "" || event.BrowseName == a.BrowseName) {
			return nil
		}
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%s event for %q", a.Kind, a.BrowseName),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertMirrorConverges browses the server like a client, mirrors the tree
// into a fresh graph, projects that graph into its own address space and
// compares the two dumps.
func (h *Harness) assertMirrorConverges(ctx context.Context) error {
	space := h.server.Space()
	browse := func(_ context.Context, nid *ua.NodeID) ([]*ua.ReferenceDescription, error) {
		refs, status := space.Browse(nid)
		if status != ua.StatusOK {
			return nil, status
		}
		return refs, nil
	}
	read := func(_ context.Context, ids []*ua.NodeID) ([]*ua.DataValue, error) {
		out := make([]*ua.DataValue, len(ids))
		for i, nid := range ids {
			out[i] = space.Read(nid)
		}
		return out, nil
	}

	rootName := "Root"
	if info, ok := space.Node(h.server.RootNode()); ok {
		rootName = info.BrowseName
	}
	tree, err := structure.BrowseTree(ctx, h.server.RootNode(), rootName, browse, read)
	if err != nil {
		return fmt.Errorf("browse: %w", err)
	}

	local := model.NewRoot(subject.NewContext(subject.WithClock(h.clock.Now)))
	mirror := structure.NewMirror(model.Registry(), "harness", structure.WithMirrorLogger(h.logger))
	if _, err := mirror.Apply(ctx, local, tree); err != nil {
		return fmt.Errorf("mirror: %w", err)
	}

	mirrorSpace := addrspace.New(addrspace.WithNamespace(1, space.NamespaceURI()), addrspace.WithLogger(h.logger))
	mapper := structure.NewMapper(mirrorSpace, model.Registry(), structure.WithMapperLogger(h.logger))
	defer mapper.Close()
	nid, err := mapper.Attach(local, rootName)
	if err != nil {
		return fmt.Errorf("project mirror: %w", err)
	}
	got, err := Dump(mirrorSpace, nid)
	if err != nil {
		return err
	}
	if got != h.result.Dump {
		return &AssertionError{
			Type:     AssertMirrorConverges,
			Expected: "mirror dump equals server dump:\n" + h.result.Dump,
			Actual:   "\n" + got,
		}
	}
	return nil
}

func (h *Harness) assertJournalOutcome(ctx context.Context, a Assertion) error {
	if h.journal == nil {
		return fmt.Errorf("journal_outcome needs server.transactional_writes")
	}
	tr, _, err := h.journal.ReadTransaction(ctx, a.ID)
	if err != nil {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("transaction %s journaled", a.ID), Actual: err.Error()}
	}
	if tr.Outcome != a.Outcome {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("transaction %s outcome %s", a.ID, a.Outcome),
			Actual:   tr.Outcome,
		}
	}
	return nil
}
