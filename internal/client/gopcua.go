package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/monitor"
	"github.com/gopcua/opcua/ua"

	"github.com/roach88/opcsync/internal/config"
)

// GopcuaFactory returns a SessionFactory that opens real OPC UA sessions
// with gopcua. Sessions use SecurityPolicy None and the gopcua auto
// reconnect, whose progress the connection manager watches for stalls.
func GopcuaFactory(logger *slog.Logger) SessionFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, opts config.ClientOptions) (Session, error) {
		c, err := opcua.NewClient(opts.Endpoint,
			opcua.SecurityPolicy(ua.SecurityPolicyURINone),
			opcua.SecurityMode(ua.MessageSecurityModeNone),
			opcua.ApplicationURI("urn:opcsync:client"),
			opcua.AutoReconnect(true),
			opcua.ReconnectInterval(opts.ReconnectInterval),
			opcua.SessionTimeout(opts.SessionTimeout),
			opcua.RequestTimeout(opts.OperationTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("create client for %s: %w", opts.Endpoint, err)
		}
		return &gopcuaSession{
			c:      c,
			id:     uuid.NewString(),
			opts:   opts,
			logger: logger,
		}, nil
	}
}

type gopcuaSession struct {
	c      *opcua.Client
	id     string
	opts   config.ClientOptions
	logger *slog.Logger
}

func (s *gopcuaSession) ID() string { return s.id }

func (s *gopcuaSession) Connect(ctx context.Context) error {
	return s.c.Connect(ctx)
}

func (s *gopcuaSession) Close(ctx context.Context) error {
	return s.c.Close(ctx)
}

func (s *gopcuaSession) Connected() bool {
	return s.c.State() == opcua.Connected
}

func (s *gopcuaSession) Reconnecting() bool {
	return s.c.State() == opcua.Reconnecting
}

func (s *gopcuaSession) Browse(ctx context.Context, nid *ua.NodeID) ([]*ua.ReferenceDescription, error) {
	req := &ua.BrowseRequest{
		View:                          &ua.ViewDescription{ViewID: ua.NewTwoByteNodeID(0)},
		RequestedMaxReferencesPerNode: 0,
		NodesToBrowse: []*ua.BrowseDescription{{
			NodeID:          nid,
			BrowseDirection: ua.BrowseDirectionForward,
			ReferenceTypeID: ua.NewNumericNodeID(0, id.HierarchicalReferences),
			IncludeSubtypes: true,
			NodeClassMask:   uint32(ua.NodeClassObject | ua.NodeClassVariable),
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}},
	}
	resp, err := s.c.Browse(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, ua.StatusBadUnexpectedError
	}
	res := resp.Results[0]
	if res.StatusCode != ua.StatusOK {
		return nil, res.StatusCode
	}
	refs := res.References
	cp := res.ContinuationPoint
	for len(cp) > 0 {
		next, err := s.c.BrowseNext(ctx, &ua.BrowseNextRequest{ContinuationPoints: [][]byte{cp}})
		if err != nil {
			return nil, err
		}
		if len(next.Results) == 0 {
			break
		}
		if st := next.Results[0].StatusCode; st != ua.StatusOK {
			return nil, st
		}
		refs = append(refs, next.Results[0].References...)
		cp = next.Results[0].ContinuationPoint
	}
	return refs, nil
}

func (s *gopcuaSession) Read(ctx context.Context, ids []*ua.NodeID) ([]*ua.DataValue, error) {
	nodes := make([]*ua.ReadValueID, len(ids))
	for i, nid := range ids {
		nodes[i] = &ua.ReadValueID{NodeID: nid, AttributeID: ua.AttributeIDValue}
	}
	resp, err := s.c.Read(ctx, &ua.ReadRequest{
		NodesToRead:        nodes,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (s *gopcuaSession) Write(ctx context.Context, values []*ua.WriteValue) ([]ua.StatusCode, error) {
	resp, err := s.c.Write(ctx, &ua.WriteRequest{NodesToWrite: values})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (s *gopcuaSession) AddNodes(ctx context.Context, items []*ua.AddNodesItem) ([]*ua.AddNodesResult, error) {
	var res *ua.AddNodesResponse
	err := s.c.Send(ctx, &ua.AddNodesRequest{NodesToAdd: items}, func(v ua.Response) error {
		r, ok := v.(*ua.AddNodesResponse)
		if !ok {
			return fmt.Errorf("add nodes: unexpected response %T", v)
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := serviceResult(res.ResponseHeader); err != nil {
		return nil, err
	}
	if len(res.Results) != len(items) {
		return nil, fmt.Errorf("add nodes: %d results for %d items: %w", len(res.Results), len(items), ua.StatusBadUnexpectedError)
	}
	return res.Results, nil
}

func (s *gopcuaSession) DeleteNodes(ctx context.Context, items []*ua.DeleteNodesItem) ([]ua.StatusCode, error) {
	var res *ua.DeleteNodesResponse
	err := s.c.Send(ctx, &ua.DeleteNodesRequest{NodesToDelete: items}, func(v ua.Response) error {
		r, ok := v.(*ua.DeleteNodesResponse)
		if !ok {
			return fmt.Errorf("delete nodes: unexpected response %T", v)
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := serviceResult(res.ResponseHeader); err != nil {
		return nil, err
	}
	if len(res.Results) != len(items) {
		return nil, fmt.Errorf("delete nodes: %d results for %d items: %w", len(res.Results), len(items), ua.StatusBadUnexpectedError)
	}
	return res.Results, nil
}

func serviceResult(h *ua.ResponseHeader) error {
	if h != nil && h.ServiceResult != ua.StatusOK {
		return h.ServiceResult
	}
	return nil
}

func (s *gopcuaSession) Subscribe(ctx context.Context, interval time.Duration, handler NotificationHandler) (Subscription, error) {
	nm, err := monitor.NewNodeMonitor(s.c)
	if err != nil {
		return nil, fmt.Errorf("node monitor: %w", err)
	}
	subCtx, cancel := context.WithCancel(context.Background())
	ch := make(chan *monitor.DataChangeMessage, 256)
	ms, err := nm.ChanSubscribe(subCtx, &opcua.SubscriptionParameters{Interval: interval}, ch)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	sub := &gopcuaSubscription{
		c:        s.c,
		ms:       ms,
		interval: interval,
		handler:  handler,
		logger:   s.logger,
		ctx:      subCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go sub.read(subCtx, ch)
	return sub, nil
}

type gopcuaSubscription struct {
	c        *opcua.Client
	ms       *monitor.Subscription
	interval time.Duration
	handler  NotificationHandler
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	// events carries the model change monitored item; it is a plain
	// subscription because the node monitor only creates value items.
	events     *opcua.Subscription
	eventsDone chan struct{}

	mu    sync.Mutex
	count int

	stopped atomic.Bool
	once    sync.Once
}

// read forwards data changes until the subscription context ends.
func (sub *gopcuaSubscription) read(ctx context.Context, ch <-chan *monitor.DataChangeMessage) {
	defer close(sub.done)
	defer sub.stopped.Store(true)
	for {
		var dcm *monitor.DataChangeMessage
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			dcm = m
		}
		if dcm.Error != nil {
			sub.logger.Debug("data change error", "error", dcm.Error)
			if isPublishingLoss(dcm.Error) {
				sub.stopped.Store(true)
			}
			continue
		}
		sub.stopped.Store(false)
		sub.handler(Notification{Kind: NotificationValue, Node: dcm.NodeID, Value: dcm.DataValue})
	}
}

func isPublishingLoss(err error) bool {
	for _, st := range []ua.StatusCode{
		ua.StatusBadNoSubscription,
		ua.StatusBadSubscriptionIDInvalid,
		ua.StatusBadSessionClosed,
		ua.StatusBadSessionIDInvalid,
	} {
		if errors.Is(err, st) {
			return true
		}
	}
	return false
}

func (sub *gopcuaSubscription) Monitor(ctx context.Context, ids ...*ua.NodeID) error {
	nodes := make([]string, len(ids))
	for i, nid := range ids {
		nodes[i] = nid.String()
	}
	if err := sub.ms.AddNodes(ctx, nodes...); err != nil {
		return err
	}
	sub.mu.Lock()
	sub.count += len(ids)
	sub.mu.Unlock()
	return nil
}

// modelChangeHandle is the client handle of the event monitored item.
const modelChangeHandle uint32 = 1

// MonitorModelChanges monitors the Server object's event notifier for
// BaseModelChangeEventType and its subtypes. Servers that reject the event
// filter report ErrModelChangesUnsupported.
func (sub *gopcuaSubscription) MonitorModelChanges(ctx context.Context, root *ua.NodeID) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.events != nil {
		return nil
	}
	ch := make(chan *opcua.PublishNotificationData, 64)
	events, err := sub.c.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: sub.interval}, ch)
	if err != nil {
		return fmt.Errorf("event subscription: %w", err)
	}
	res, err := events.Monitor(ctx, ua.TimestampsToReturnBoth, modelChangeRequest(modelChangeHandle))
	if err == nil && (len(res.Results) == 0 || res.Results[0].StatusCode != ua.StatusOK) {
		err = ErrModelChangesUnsupported
		if len(res.Results) > 0 {
			err = fmt.Errorf("%w: %w", ErrModelChangesUnsupported, res.Results[0].StatusCode)
		}
	}
	if err != nil {
		_ = events.Cancel(ctx)
		if isFilterRejection(err) {
			return fmt.Errorf("%w: %w", ErrModelChangesUnsupported, err)
		}
		return err
	}
	sub.events = events
	sub.eventsDone = make(chan struct{})
	go sub.readEvents(sub.ctx, ch, root)
	return nil
}

func (sub *gopcuaSubscription) readEvents(ctx context.Context, ch <-chan *opcua.PublishNotificationData, root *ua.NodeID) {
	defer close(sub.eventsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Error != nil {
				sub.logger.Debug("model change event error", "error", msg.Error)
				continue
			}
			list, ok := msg.Value.(*ua.EventNotificationList)
			if !ok {
				continue
			}
			for _, n := range modelChangeNotifications(root, list) {
				sub.handler(n)
			}
		}
	}
}

func isFilterRejection(err error) bool {
	for _, st := range []ua.StatusCode{
		ua.StatusBadServiceUnsupported,
		ua.StatusBadFilterNotAllowed,
		ua.StatusBadEventFilterInvalid,
		ua.StatusBadMonitoredItemFilterUnsupported,
		ua.StatusBadAttributeIDInvalid,
	} {
		if errors.Is(err, st) {
			return true
		}
	}
	return false
}

// modelChangeRequest builds an event monitored item on the Server object
// selecting EventType and Changes of model change events.
func modelChangeRequest(handle uint32) *ua.MonitoredItemCreateRequest {
	selects := []*ua.SimpleAttributeOperand{
		{
			TypeDefinitionID: ua.NewNumericNodeID(0, id.BaseEventType),
			BrowsePath:       []*ua.QualifiedName{{NamespaceIndex: 0, Name: "EventType"}},
			AttributeID:      ua.AttributeIDValue,
		},
		{
			TypeDefinitionID: ua.NewNumericNodeID(0, id.GeneralModelChangeEventType),
			BrowsePath:       []*ua.QualifiedName{{NamespaceIndex: 0, Name: "Changes"}},
			AttributeID:      ua.AttributeIDValue,
		},
	}
	where := &ua.ContentFilter{
		Elements: []*ua.ContentFilterElement{{
			FilterOperator: ua.FilterOperatorOfType,
			FilterOperands: []*ua.ExtensionObject{{
				EncodingMask: ua.ExtensionObjectBinary,
				TypeID: &ua.ExpandedNodeID{
					NodeID: ua.NewNumericNodeID(0, id.LiteralOperand_Encoding_DefaultBinary),
				},
				Value: ua.LiteralOperand{
					Value: ua.MustVariant(ua.NewNumericNodeID(0, id.BaseModelChangeEventType)),
				},
			}},
		}},
	}
	filter := &ua.ExtensionObject{
		EncodingMask: ua.ExtensionObjectBinary,
		TypeID: &ua.ExpandedNodeID{
			NodeID: ua.NewNumericNodeID(0, id.EventFilter_Encoding_DefaultBinary),
		},
		Value: ua.EventFilter{SelectClauses: selects, WhereClause: where},
	}
	return &ua.MonitoredItemCreateRequest{
		ItemToMonitor: &ua.ReadValueID{
			NodeID:       ua.NewNumericNodeID(0, id.Server),
			AttributeID:  ua.AttributeIDEventNotifier,
			DataEncoding: &ua.QualifiedName{},
		},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: &ua.MonitoringParameters{
			ClientHandle:  handle,
			DiscardOldest: true,
			Filter:        filter,
			QueueSize:     100,
		},
	}
}

// modelChangeNotifications turns an event list into model change
// notifications. Events that carry a Changes array yield one notification
// per affected node; the rest yield a single one for root.
func modelChangeNotifications(root *ua.NodeID, list *ua.EventNotificationList) []Notification {
	var out []Notification
	for _, ev := range list.Events {
		if ev == nil || ev.ClientHandle != modelChangeHandle {
			continue
		}
		affected := changedNodes(ev.EventFields)
		if len(affected) == 0 {
			out = append(out, Notification{Kind: NotificationModelChange, Node: root})
			continue
		}
		for _, nid := range affected {
			out = append(out, Notification{Kind: NotificationModelChange, Node: nid})
		}
	}
	return out
}

// changedNodes reads the Changes field, the second select clause.
func changedNodes(fields []*ua.Variant) []*ua.NodeID {
	if len(fields) < 2 || fields[1] == nil {
		return nil
	}
	objs, ok := fields[1].Value().([]*ua.ExtensionObject)
	if !ok {
		return nil
	}
	var out []*ua.NodeID
	for _, eo := range objs {
		if eo == nil {
			continue
		}
		switch v := eo.Value.(type) {
		case *ua.ModelChangeStructureDataType:
			if v.Affected != nil {
				out = append(out, v.Affected)
			}
		case ua.ModelChangeStructureDataType:
			if v.Affected != nil {
				out = append(out, v.Affected)
			}
		}
	}
	return out
}

func (sub *gopcuaSubscription) MonitoredItemCount() int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.count
}

func (sub *gopcuaSubscription) PublishingStopped() bool { return sub.stopped.Load() }

func (sub *gopcuaSubscription) Cancel(ctx context.Context) error {
	var err error
	sub.once.Do(func() {
		err = sub.ms.Unsubscribe(ctx)
		sub.mu.Lock()
		events, eventsDone := sub.events, sub.eventsDone
		sub.mu.Unlock()
		if events != nil {
			if cerr := events.Cancel(ctx); err == nil {
				err = cerr
			}
		}
		sub.cancel()
		<-sub.done
		if eventsDone != nil {
			<-eventsDone
		}
	})
	return err
}
