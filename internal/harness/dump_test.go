package harness

import (
	"context"
	"strings"
	"testing"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/opcsync/internal/addrspace"
	"github.com/roach88/opcsync/internal/structure"
)

func sampleSpace(t *testing.T) (*addrspace.Space, *ua.NodeID) {
	t.Helper()
	s := addrspace.New()
	root, err := s.AddNode(s.ObjectsFolder(), id.Organizes, addrspace.NodeSpec{
		BrowseName:     "Top",
		Class:          ua.NodeClassObject,
		TypeDefinition: ua.NewStringNodeID(1, "TopType"),
	})
	require.NoError(t, err)

	b, err := s.AddNode(root, id.HasComponent, addrspace.NodeSpec{BrowseName: "b", Class: ua.NodeClassObject})
	require.NoError(t, err)
	a, err := s.AddNode(root, id.HasComponent, addrspace.NodeSpec{
		BrowseName:     "a",
		Class:          ua.NodeClassObject,
		TypeDefinition: ua.NewNumericNodeID(0, id.FolderType),
	})
	require.NoError(t, err)
	require.NoError(t, s.AddReference(b, a, id.Organizes))

	_, err = s.AddNode(b, id.HasProperty, addrspace.NodeSpec{
		BrowseName: "Text",
		Class:      ua.NodeClassVariable,
		Value:      ua.MustVariant("hi"),
	})
	require.NoError(t, err)
	_, err = s.AddNode(b, id.HasProperty, addrspace.NodeSpec{
		BrowseName: "Count",
		Class:      ua.NodeClassVariable,
		Value:      ua.MustVariant(int64(3)),
	})
	require.NoError(t, err)
	_, err = s.AddNode(b, id.HasProperty, addrspace.NodeSpec{BrowseName: "Empty", Class: ua.NodeClassVariable})
	require.NoError(t, err)
	return s, root
}

const sampleDump = `Top [TopType]
  a [Folder] &1
  b [Object]
    Count = 3
    Empty = null
    Text = "hi"
    a *1
`

func TestDump_SortsAndLabelsSharedNodes(t *testing.T) {
	s, root := sampleSpace(t)

	out, err := Dump(s, root)
	require.NoError(t, err)
	assert.Equal(t, sampleDump, out)
}

func TestDumpRemote_MatchesDumpOfBrowsedSpace(t *testing.T) {
	s, root := sampleSpace(t)
	browse := func(_ context.Context, nid *ua.NodeID) ([]*ua.ReferenceDescription, error) {
		refs, status := s.Browse(nid)
		if status != ua.StatusOK {
			return nil, status
		}
		return refs, nil
	}
	read := func(_ context.Context, ids []*ua.NodeID) ([]*ua.DataValue, error) {
		out := make([]*ua.DataValue, len(ids))
		for i, nid := range ids {
			out[i] = s.Read(nid)
		}
		return out, nil
	}

	tree, err := structure.BrowseTree(context.Background(), root, "Top", browse, read)
	require.NoError(t, err)

	want := strings.Replace(sampleDump, "Top [TopType]", "Top [Object]", 1)
	assert.Equal(t, want, DumpRemote(tree))
}

func TestDump_UnknownNode(t *testing.T) {
	s := addrspace.New()
	_, err := Dump(s, ua.NewNumericNodeID(1, 424242))
	assert.Error(t, err)
}
