// Package server binds a local subject graph to an address space: the graph
// is projected into nodes, client value writes flow back into the graph, and
// AddNodes/DeleteNodes requests are served when external node management is
// enabled. With an endpoint configured the space is also served over
// opc.tcp by the gopcua server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gopcua/opcua/ua"

	"github.com/roach88/opcsync/internal/addrspace"
	"github.com/roach88/opcsync/internal/config"
	"github.com/roach88/opcsync/internal/structure"
	"github.com/roach88/opcsync/internal/subject"
	"github.com/roach88/opcsync/internal/transaction"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("server closed")

// Server exposes one root subject through an address space.
type Server struct {
	opts     config.ServerOptions
	root     subject.Subject
	space    *addrspace.Space
	registry *structure.TypeRegistry
	mapper   *structure.Mapper
	logger   *slog.Logger

	mu       sync.Mutex
	rootNode *ua.NodeID
	endpoint *endpoint
	started  bool
	closed   atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithSpace uses an existing address space instead of a fresh one.
func WithSpace(space *addrspace.Space) Option {
	return func(s *Server) { s.space = space }
}

// WithRegistry sets the type registry used to stamp type definitions on
// subject nodes and to create subjects for AddNodes requests.
func WithRegistry(r *structure.TypeRegistry) Option {
	return func(s *Server) { s.registry = r }
}

// New creates a server for root. Call Start to project it.
func New(root subject.Subject, opts config.ServerOptions, options ...Option) *Server {
	s := &Server{
		opts:   opts,
		root:   root,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.space == nil {
		s.space = addrspace.New(
			addrspace.WithNamespace(1, opts.NamespaceURI),
			addrspace.WithLogger(s.logger),
		)
	}
	if s.registry == nil {
		s.registry = structure.NewTypeRegistry()
	}
	s.mapper = structure.NewMapper(s.space, s.registry,
		structure.WithMapperLogger(s.logger),
		structure.WithLiveSync(opts.EnableLiveSync),
	)
	return s
}

// Start attaches the root subject and installs the write handler and, when
// enabled, the node manager. Calling Start again is a no-op.
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	var ep *endpoint
	if s.opts.Endpoint != "" {
		var err error
		if ep, err = newEndpoint(s.space, s.opts, s.logger); err != nil {
			return err
		}
	}

	nid, err := s.mapper.Attach(s.root, s.opts.RootName)
	if err != nil {
		return fmt.Errorf("attach root %s: %w", s.opts.RootName, err)
	}
	s.rootNode = nid
	s.space.SetWriteHandler(s.handleWrite)
	if s.opts.EnableExternalNodeManagement {
		s.space.SetNodeManager(&nodeManager{s: s})
	}
	if ep != nil {
		if err := ep.start(nid); err != nil {
			s.space.SetWriteHandler(nil)
			s.space.SetNodeManager(nil)
			s.mapper.Detach(s.root, s.opts.RootName)
			s.rootNode = nil
			return err
		}
		s.endpoint = ep
	}
	s.started = true

	s.logger.InfoContext(ctx, "server started",
		"endpoint", s.opts.Endpoint,
		"root", s.opts.RootName,
		"root_node", nid.String(),
		"nodes", s.space.Len(),
		"external_node_management", s.opts.EnableExternalNodeManagement,
	)
	return nil
}

// URLs returns the opc.tcp endpoint URLs, or nil when the server is
// in-process only.
func (s *Server) URLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoint == nil {
		return nil
	}
	return s.endpoint.URLs()
}

// Space returns the address space.
func (s *Server) Space() *addrspace.Space { return s.space }

// Mapper returns the structural mapper.
func (s *Server) Mapper() *structure.Mapper { return s.mapper }

// Registry returns the type registry.
func (s *Server) Registry() *structure.TypeRegistry { return s.registry }

// Root returns the root subject.
func (s *Server) Root() subject.Subject { return s.root }

// RootNode returns the root node, or nil before Start.
func (s *Server) RootNode() *ua.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootNode
}

// Close detaches the graph and removes its nodes. Safe to call more than
// once.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.endpoint != nil {
		if err := s.endpoint.close(); err != nil {
			s.logger.Warn("close endpoint", "error", err)
		}
		s.endpoint = nil
	}
	s.space.SetWriteHandler(nil)
	s.space.SetNodeManager(nil)
	if s.started {
		s.mapper.Detach(s.root, s.opts.RootName)
	}
	s.mapper.Close()
	s.logger.Info("server closed", "root", s.opts.RootName)
	return nil
}

// handleWrite applies a client value write to the bound property.
func (s *Server) handleWrite(ctx context.Context, node addrspace.NodeInfo, v *ua.Variant) ua.StatusCode {
	ref, ok := s.mapper.PropertyOf(node.ID)
	if !ok {
		return ua.StatusBadNodeIDUnknown
	}
	if ref.Metadata.IsDerived {
		return ua.StatusBadNotWritable
	}
	value, err := addrspace.FromVariant(v, ref.Metadata.Type)
	if err != nil {
		s.logger.DebugContext(ctx, "write rejected", "property", ref.String(), "error", err)
		return ua.StatusBadTypeMismatch
	}

	ctx = subject.WithSource(ctx, s)
	if s.opts.TransactionalWrites && transaction.Installed(ref.Context()) {
		err = s.writeInTransaction(ctx, ref, value)
	} else {
		err = ref.Context().SetValue(ctx, ref, value)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "client write failed", "property", ref.String(), "error", err)
		return statusOf(err)
	}
	return ua.StatusOK
}

func (s *Server) writeInTransaction(ctx context.Context, ref subject.PropertyReference, value any) error {
	tx, tctx, err := transaction.BeginExclusive(ctx, ref.Context())
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := ref.Context().SetValue(tctx, ref, value); err != nil {
		return err
	}
	return tx.Commit(tctx)
}

func statusOf(err error) ua.StatusCode {
	var status ua.StatusCode
	switch {
	case errors.Is(err, subject.ErrReadOnly):
		return ua.StatusBadNotWritable
	case errors.As(err, &status):
		return status
	case transaction.IsConflict(err):
		return ua.StatusBadInvalidState
	default:
		return ua.StatusBadInternalError
	}
}
