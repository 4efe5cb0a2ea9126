package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gopcua/opcua/id"
	uaserver "github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/ua"
	"github.com/gopcua/opcua/uasc"

	"github.com/roach88/opcsync/internal/addrspace"
	"github.com/roach88/opcsync/internal/config"
)

// endpoint hosts the address space on an opc.tcp listener. Sessions use
// SecurityPolicy None with anonymous identity tokens.
type endpoint struct {
	ua     *uaserver.Server
	ns     *spaceNamespace
	space  *addrspace.Space
	logger *slog.Logger

	stop        context.CancelFunc
	unsubscribe func()
}

func newEndpoint(space *addrspace.Space, opts config.ServerOptions, logger *slog.Logger) (*endpoint, error) {
	host, port, err := opts.ListenAddress()
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", opts.Endpoint, err)
	}
	srv := uaserver.New(
		uaserver.EndPoint(host, port),
		uaserver.EnableSecurity("None", ua.MessageSecurityModeNone),
		uaserver.EnableAuthMode(ua.UserTokenTypeAnonymous),
		uaserver.ServerName("opcsync"),
		uaserver.ProductName("opcsync"),
		uaserver.SetLogger(uaLogger{logger}),
	)
	ns := &spaceNamespace{srv: srv, space: space}
	if idx := srv.AddNamespace(ns); idx != int(space.Namespace()) {
		return nil, fmt.Errorf("namespace %s registered at index %d, nodes use %d", space.NamespaceURI(), idx, space.Namespace())
	}
	e := &endpoint{ua: srv, ns: ns, space: space, logger: logger}

	// Handlers registered before Start take precedence over the defaults.
	srv.RegisterHandler(id.AddNodesRequest_Encoding_DefaultBinary, e.addNodes)
	srv.RegisterHandler(id.DeleteNodesRequest_Encoding_DefaultBinary, e.deleteNodes)
	return e, nil
}

// start links root under the standard Objects folder and begins listening.
func (e *endpoint) start(root *ua.NodeID) error {
	rootNode := e.ns.Node(root)
	if rootNode == nil {
		return fmt.Errorf("root %s: %w", root, ua.StatusBadNodeIDUnknown)
	}
	objects := e.ua.Node(uaserver.ObjectsFolder)
	if objects == nil {
		return fmt.Errorf("objects folder: %w", ua.StatusBadNodeIDUnknown)
	}
	objects.AddRef(rootNode, uaserver.RefTypeIDOrganizes, true)

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.ua.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("listen %v: %w", e.ua.URLs(), err)
	}
	e.stop = cancel
	e.unsubscribe = e.space.Subscribe(e.onEvent)
	return nil
}

// onEvent forwards value changes to monitored items.
func (e *endpoint) onEvent(ev addrspace.Event) {
	if ev.Kind == addrspace.EventValueChanged {
		e.ua.ChangeNotification(ev.Node)
	}
}

// URLs returns the endpoint URLs the listener was configured with.
func (e *endpoint) URLs() []string { return e.ua.URLs() }

func (e *endpoint) close() error {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	err := e.ua.Close()
	if e.stop != nil {
		e.stop()
	}
	return err
}

func (e *endpoint) addNodes(_ *uasc.SecureChannel, r ua.Request, _ uint32) (ua.Response, error) {
	req, ok := r.(*ua.AddNodesRequest)
	if !ok {
		return nil, ua.StatusBadRequestTypeInvalid
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return &ua.AddNodesResponse{
		ResponseHeader: responseHeader(req.RequestHeader),
		Results:        e.space.AddNodes(ctx, req.NodesToAdd),
	}, nil
}

func (e *endpoint) deleteNodes(_ *uasc.SecureChannel, r ua.Request, _ uint32) (ua.Response, error) {
	req, ok := r.(*ua.DeleteNodesRequest)
	if !ok {
		return nil, ua.StatusBadRequestTypeInvalid
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	return &ua.DeleteNodesResponse{
		ResponseHeader: responseHeader(req.RequestHeader),
		Results:        e.space.DeleteNodes(ctx, req.NodesToDelete),
	}, nil
}

// requestTimeout bounds one node management request.
const requestTimeout = 10 * time.Second

func responseHeader(req *ua.RequestHeader) *ua.ResponseHeader {
	var handle uint32
	if req != nil {
		handle = req.RequestHandle
	}
	return &ua.ResponseHeader{
		Timestamp:          time.Now(),
		RequestHandle:      handle,
		ServiceResult:      ua.StatusOK,
		ServiceDiagnostics: &ua.DiagnosticInfo{},
		StringTable:        []string{},
		AdditionalHeader:   ua.NewExtensionObject(nil),
	}
}

// uaLogger adapts slog to the printf-style logger gopcua's server expects.
type uaLogger struct{ l *slog.Logger }

func (u uaLogger) Debug(msg string, args ...any) { u.l.Debug(format(msg, args)) }
func (u uaLogger) Info(msg string, args ...any)  { u.l.Info(format(msg, args)) }
func (u uaLogger) Warn(msg string, args ...any)  { u.l.Warn(format(msg, args)) }
func (u uaLogger) Error(msg string, args ...any) { u.l.Error(format(msg, args)) }

func format(msg string, args []any) string {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	return strings.TrimSpace(msg)
}
