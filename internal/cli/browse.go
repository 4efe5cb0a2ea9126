package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/gopcua/opcua/ua"
	"github.com/spf13/cobra"

	"github.com/roach88/opcsync/internal/client"
	"github.com/roach88/opcsync/internal/config"
	"github.com/roach88/opcsync/internal/harness"
	"github.com/roach88/opcsync/internal/structure"
)

// BrowseOptions holds flags for the browse command.
type BrowseOptions struct {
	*RootOptions
	ConfigPath string
	Endpoint   string
	RootName   string

	// Factory overrides the session factory (for testing).
	// If nil, defaults to client.GopcuaFactory.
	Factory client.SessionFactory
}

// BrowsedNode is the JSON form of a browsed node.
type BrowsedNode struct {
	Name     string         `json:"name"`
	NodeID   string         `json:"node_id"`
	Class    string         `json:"class"`
	Type     string         `json:"type,omitempty"`
	Value    any            `json:"value,omitempty"`
	Shared   bool           `json:"shared,omitempty"`
	Children []*BrowsedNode `json:"children,omitempty"`
}

// NewBrowseCommand creates the browse command.
func NewBrowseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BrowseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "browse",
		Short: "Browse the subject tree exposed by an OPC UA server",
		Long: `Connect to an OPC UA server, browse the object tree below the
configured root node and print it with its variable values.

Examples:
  opcsync browse --endpoint opc.tcp://localhost:4840
  opcsync browse --config ./opcsync.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBrowse(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "configuration file (.cue or .yaml)")
	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "server endpoint, overrides the config")
	cmd.Flags().StringVar(&opts.RootName, "root", "", "root node name, overrides the config")

	return cmd
}

func runBrowse(opts *BrowseOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	logger := opts.logger()

	file, err := loadConfig(opts.ConfigPath)
	if err != nil {
		_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	copts := file.Client
	if opts.Endpoint != "" {
		copts.Endpoint = opts.Endpoint
	}
	if opts.RootName != "" {
		copts.RootName = opts.RootName
	}

	factory := opts.Factory
	if factory == nil {
		factory = client.GopcuaFactory(logger)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), copts.OperationTimeout)
	defer cancel()

	tree, err := browseRemote(ctx, factory, copts)
	if err != nil {
		_ = formatter.Error(ErrCodeConnect, err.Error(), map[string]string{"endpoint": copts.Endpoint})
		return WrapExitError(ExitCommandError, "browse failed", err)
	}
	logger.Debug("browsed", "endpoint", copts.Endpoint, "root", copts.RootName)

	if formatter.JSON() {
		return formatter.Success(toBrowsedNode(tree, sharedNodes(tree)))
	}
	fmt.Fprint(formatter.Writer, harness.DumpRemote(tree))
	return nil
}

// browseRemote opens one session, browses the tree below the root node and
// closes the session again.
func browseRemote(ctx context.Context, factory client.SessionFactory, opts config.ClientOptions) (*structure.RemoteNode, error) {
	s, err := factory(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.Endpoint, err)
	}
	defer s.Close(context.WithoutCancel(ctx))

	root, err := client.FindRoot(ctx, s, opts.RootName)
	if err != nil {
		return nil, err
	}
	return structure.BrowseTree(ctx, root, opts.RootName, s.Browse, s.Read)
}

// loadConfig loads path, or returns the defaults when path is empty.
func loadConfig(path string) (config.File, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// sharedNodes returns the nodes reachable through more than one parent.
func sharedNodes(root *structure.RemoteNode) map[*structure.RemoteNode]bool {
	parents := make(map[*structure.RemoteNode]int)
	visited := make(map[*structure.RemoteNode]bool)
	var walk func(n *structure.RemoteNode)
	walk = func(n *structure.RemoteNode) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, c := range n.Children {
			parents[c]++
			walk(c)
		}
	}
	walk(root)

	shared := make(map[*structure.RemoteNode]bool)
	for n, count := range parents {
		if count > 1 {
			shared[n] = true
		}
	}
	return shared
}

// toBrowsedNode converts a tree. A shared node's children are listed where
// it is first reached only.
func toBrowsedNode(root *structure.RemoteNode, shared map[*structure.RemoteNode]bool) *BrowsedNode {
	expanded := make(map[*structure.RemoteNode]bool)
	var conv func(n *structure.RemoteNode) *BrowsedNode
	conv = func(n *structure.RemoteNode) *BrowsedNode {
		out := &BrowsedNode{
			Name:   n.BrowseName,
			NodeID: n.ID.String(),
			Class:  nodeClassName(n.Class),
			Shared: shared[n],
		}
		if n.TypeDefinition != nil {
			out.Type = n.TypeDefinition.String()
		}
		if n.Value != nil && n.Value.Value != nil {
			out.Value = n.Value.Value.Value()
		}
		if expanded[n] {
			return out
		}
		expanded[n] = true

		children := append([]*structure.RemoteNode(nil), n.Children...)
		sort.SliceStable(children, func(i, j int) bool {
			return children[i].BrowseName < children[j].BrowseName
		})
		for _, c := range children {
			out.Children = append(out.Children, conv(c))
		}
		return out
	}
	return conv(root)
}

func nodeClassName(c ua.NodeClass) string {
	switch c {
	case ua.NodeClassObject:
		return "Object"
	case ua.NodeClassVariable:
		return "Variable"
	default:
		return fmt.Sprint(c)
	}
}
