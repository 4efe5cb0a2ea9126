package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/roach88/opcsync/internal/addrspace"
	"github.com/roach88/opcsync/internal/config"
	"github.com/roach88/opcsync/internal/model"
	"github.com/roach88/opcsync/internal/server"
	"github.com/roach88/opcsync/internal/store"
	"github.com/roach88/opcsync/internal/subject"
	"github.com/roach88/opcsync/internal/testutil"
	"github.com/roach88/opcsync/internal/transaction"
)

// Harness runs one scenario against a live server binding.
// Timestamps come from a manual clock so runs are reproducible.
type Harness struct {
	root    *subject.Object
	server  *server.Server
	journal *store.Store
	clock   *testutil.ManualClock
	logger  *slog.Logger

	mu     sync.Mutex
	result *Result
}

// Run executes a scenario and returns the result.
//
// Each scenario gets a fresh graph, address space and, for transactional
// scenarios, an in-memory journal.
//
// Execution flow:
// 1. Build the root (optionally populated) and start the server
// 2. Record address-space events while the steps run
// 3. Dump the final address space
// 4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario, nil)
}

// RunContext is Run with a context and logger. A nil logger discards logs.
func RunContext(ctx context.Context, scenario *Scenario, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clock := testutil.NewManualClock(time.Time{}, time.Millisecond)
	sc := subject.NewContext(subject.WithClock(clock.Now))
	root := model.NewRoot(sc)
	if scenario.Populate {
		if err := model.Populate(ctx, root); err != nil {
			return nil, fmt.Errorf("populate: %w", err)
		}
	}

	opts := serverOptions(scenario.Server)
	h := &Harness{root: root, clock: clock, logger: logger, result: NewResult()}

	if opts.TransactionalWrites {
		st, err := store.Open(":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory journal: %w", err)
		}
		defer st.Close()
		h.journal = st

		installOpts := []transaction.InstallOption{
			transaction.WithJournal(st),
			transaction.WithLogger(logger),
		}
		if len(scenario.TransactionIDs) > 0 {
			installOpts = append(installOpts, transaction.WithIDGenerator(transaction.NewFixedGenerator(scenario.TransactionIDs...)))
		}
		transaction.Install(sc, installOpts...)
	}

	space := addrspace.New(
		addrspace.WithNamespace(1, opts.NamespaceURI),
		addrspace.WithClock(clock.Now),
		addrspace.WithLogger(logger),
	)
	h.server = server.New(root, opts,
		server.WithSpace(space),
		server.WithRegistry(model.Registry()),
		server.WithLogger(logger),
	)
	if err := h.server.Start(ctx); err != nil {
		return nil, fmt.Errorf("start server: %w", err)
	}
	defer h.server.Close()

	stop := space.Subscribe(h.record)
	for i, st := range scenario.Steps {
		h.runStep(ctx, i, st)
	}
	stop()

	dump, err := Dump(space, h.server.RootNode())
	if err != nil {
		return nil, err
	}
	h.result.Dump = dump

	for i, a := range scenario.Assertions {
		if err := h.check(ctx, a); err != nil {
			h.result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}

	logger.Debug("scenario finished",
		"scenario", scenario.Name,
		"pass", h.result.Pass,
		"events", len(h.result.Trace),
	)
	return h.result, nil
}

func serverOptions(c ServerConfig) config.ServerOptions {
	opts := config.DefaultServerOptions()
	if c.LiveSync != nil {
		opts.EnableLiveSync = *c.LiveSync
	}
	if c.ExternalNodeManagement != nil {
		opts.EnableExternalNodeManagement = *c.ExternalNodeManagement
	}
	if c.TransactionalWrites != nil {
		opts.TransactionalWrites = *c.TransactionalWrites
	}
	return opts
}

func (h *Harness) record(ev addrspace.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result.Trace = append(h.result.Trace, TraceEvent{
		Seq:        len(h.result.Trace) + 1,
		Kind:       ev.Kind.String(),
		BrowseName: ev.BrowseName,
		Node:       ev.Node.String(),
	})
}

// runStep executes one step and compares its status with the expected one.
func (h *Harness) runStep(ctx context.Context, index int, st Step) {
	status, err := h.execute(ctx, st)
	if err != nil {
		status = "Error"
		h.logger.Debug("step failed", "index", index, "op", st.Op, "error", err)
	}
	h.result.Steps = append(h.result.Steps, StepResult{Op: st.Op, Status: status})

	want := st.Status
	if want == "" {
		want = "Good"
	}
	if status != want {
		msg := fmt.Sprintf("steps[%d] %s: status %s, expected %s", index, st.Op, status, want)
		if err != nil {
			msg += ": " + err.Error()
		}
		h.result.AddError(msg)
	}
}

func (h *Harness) execute(ctx context.Context, st Step) (string, error) {
	switch st.Op {
	case OpWrite, OpAddNode, OpDeleteNode:
		code, err := h.service(ctx, st)
		if err != nil {
			return "", err
		}
		return statusName(code), nil
	}
	if err := h.edit(ctx, st); err != nil {
		return "", err
	}
	return "Good", nil
}

// edit applies a graph step to the server graph.
func (h *Harness) edit(ctx context.Context, st Step) error {
	target, err := h.resolveSubject(st.Target)
	if err != nil {
		return err
	}
	obj, ok := target.(*subject.Object)
	if !ok {
		return fmt.Errorf("%s: %T is not editable", st.Target, target)
	}
	md, ok := obj.Property(st.Property)
	if !ok {
		return fmt.Errorf("%s has no property %q", obj.Type(), st.Property)
	}

	switch st.Op {
	case OpSet:
		v, err := coerce(st.Value, md.Type)
		if err != nil {
			return err
		}
		return obj.Set(ctx, st.Property, v)
	case OpAppend:
		item, err := h.item(st)
		if err != nil {
			return err
		}
		return obj.Append(ctx, st.Property, item)
	case OpRemoveAt:
		return obj.RemoveAt(ctx, st.Property, st.Index)
	case OpPut:
		item, err := h.item(st)
		if err != nil {
			return err
		}
		return obj.Put(ctx, st.Property, st.Key, item)
	case OpDeleteKey:
		return obj.Delete(ctx, st.Property, st.Key)
	case OpSetReference:
		item, err := h.item(st)
		if err != nil {
			return err
		}
		return obj.Set(ctx, st.Property, item)
	case OpClearReference:
		return obj.Set(ctx, st.Property, nil)
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
}

// item returns the subject a step inserts: an existing one or a new person.
func (h *Harness) item(st Step) (subject.Subject, error) {
	if st.Person != nil {
		return model.NewPerson(h.root.Context(), st.Person.First, st.Person.Last), nil
	}
	return h.resolveSubject(st.Item)
}

// service sends a step through the address-space services.
func (h *Harness) service(ctx context.Context, st Step) (ua.StatusCode, error) {
	space := h.server.Space()
	nid, err := h.resolveNode(st.Node)
	if err != nil {
		return 0, err
	}

	switch st.Op {
	case OpWrite:
		v, err := addrspace.ToVariant(st.Value)
		if err != nil {
			return 0, err
		}
		return space.Write(ctx, nid, v), nil
	case OpAddNode:
		typeDef, ok := h.server.Registry().TypeDefinition(st.Type)
		if !ok {
			typeDef = ua.NewStringNodeID(1, st.Type)
		}
		results := space.AddNodes(ctx, []*ua.AddNodesItem{{
			ParentNodeID:   &ua.ExpandedNodeID{NodeID: nid},
			BrowseName:     &ua.QualifiedName{NamespaceIndex: 1, Name: st.BrowseName},
			NodeClass:      ua.NodeClassObject,
			TypeDefinition: &ua.ExpandedNodeID{NodeID: typeDef},
		}})
		return results[0].StatusCode, nil
	default:
		results := space.DeleteNodes(ctx, []*ua.DeleteNodesItem{{
			NodeID:                 nid,
			DeleteTargetReferences: true,
		}})
		return results[0], nil
	}
}

// resolveNode follows a BrowseName path from the root node.
func (h *Harness) resolveNode(path string) (*ua.NodeID, error) {
	nid := h.server.RootNode()
	if path == "" {
		return nid, nil
	}
	for _, name := range strings.Split(path, "/") {
		child, ok := h.server.Space().FindChild(nid, name)
		if !ok {
			return nil, fmt.Errorf("node %q: no child %q", path, name)
		}
		nid = child.ID
	}
	return nid, nil
}

var segmentPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)(?:\[([^\]]*)\])?$`)

// resolveSubject follows a subject path such as "People[1]" or
// "PeopleByName[grace]" from the root.
func (h *Harness) resolveSubject(path string) (subject.Subject, error) {
	var cur subject.Subject = h.root
	if path == "" {
		return cur, nil
	}
	for _, seg := range strings.Split(path, ".") {
		m := segmentPattern.FindStringSubmatch(seg)
		if m == nil {
			return nil, fmt.Errorf("subject path %q: bad segment %q", path, seg)
		}
		md, ok := cur.Property(m[1])
		if !ok {
			return nil, fmt.Errorf("subject path %q: %s has no property %q", path, cur.Type(), m[1])
		}
		raw := md.Get(cur)

		var next subject.Subject
		switch md.Kind {
		case subject.KindReference:
			next, _ = raw.(subject.Subject)
		case subject.KindCollection:
			items, _ := raw.([]subject.Subject)
			i, err := strconv.Atoi(m[2])
			if err != nil || i < 0 || i >= len(items) {
				return nil, fmt.Errorf("subject path %q: no item %q in %s", path, m[2], m[1])
			}
			next = items[i]
		case subject.KindDictionary:
			entries, _ := raw.(map[string]subject.Subject)
			next = entries[m[2]]
		default:
			return nil, fmt.Errorf("subject path %q: %s is a value property", path, m[1])
		}
		if next == nil {
			return nil, fmt.Errorf("subject path %q: %s is empty", path, seg)
		}
		cur = next
	}
	return cur, nil
}

// coerce converts a YAML scalar to the Go type of a property, the same way
// a client write would be converted.
func coerce(v any, typ string) (any, error) {
	variant, err := addrspace.ToVariant(v)
	if err != nil {
		return nil, err
	}
	return addrspace.FromVariant(variant, typ)
}

var statusNames = map[ua.StatusCode]string{
	ua.StatusOK:                       "Good",
	ua.StatusBadNotWritable:           "BadNotWritable",
	ua.StatusBadTypeMismatch:          "BadTypeMismatch",
	ua.StatusBadNodeIDUnknown:         "BadNodeIdUnknown",
	ua.StatusBadNodeIDInvalid:         "BadNodeIdInvalid",
	ua.StatusBadServiceUnsupported:    "BadServiceUnsupported",
	ua.StatusBadNodeAttributesInvalid: "BadNodeAttributesInvalid",
	ua.StatusBadNodeClassInvalid:      "BadNodeClassInvalid",
	ua.StatusBadParentNodeIDInvalid:   "BadParentNodeIdInvalid",
	ua.StatusBadBrowseNameInvalid:     "BadBrowseNameInvalid",
	ua.StatusBadBrowseNameDuplicated:  "BadBrowseNameDuplicated",
	ua.StatusBadTypeDefinitionInvalid: "BadTypeDefinitionInvalid",
	ua.StatusBadUserAccessDenied:      "BadUserAccessDenied",
	ua.StatusBadInvalidState:          "BadInvalidState",
	ua.StatusBadInternalError:         "BadInternalError",
}

// statusName returns the symbolic name of a status code.
func statusName(code ua.StatusCode) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	return fmt.Sprintf("0x%08X", uint32(code))
}
