package server

import (
	"context"
	"sync"
	"testing"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/opcsync/internal/config"
	"github.com/roach88/opcsync/internal/model"
	"github.com/roach88/opcsync/internal/subject"
	"github.com/roach88/opcsync/internal/transaction"
)

type memJournal struct {
	mu      sync.Mutex
	records []transaction.Record
}

func (j *memJournal) Record(_ context.Context, rec transaction.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func startServer(t *testing.T, mutate func(*config.ServerOptions)) (*Server, *subject.Object) {
	t.Helper()
	root := model.NewRoot(subject.NewContext())
	require.NoError(t, model.Populate(context.Background(), root))

	opts := config.DefaultServerOptions()
	if mutate != nil {
		mutate(&opts)
	}
	srv := New(root, opts, WithRegistry(model.Registry()))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Close() })
	return srv, root
}

func variable(t *testing.T, srv *Server, owner subject.Subject, prop string) *ua.NodeID {
	t.Helper()
	ref, err := subject.NewPropertyReference(owner, prop)
	require.NoError(t, err)
	nid, ok := srv.Mapper().VariableOf(ref)
	require.True(t, ok)
	return nid
}

func folder(t *testing.T, srv *Server, name string) *ua.NodeID {
	t.Helper()
	info, ok := srv.Space().FindChild(srv.RootNode(), name)
	require.True(t, ok)
	return info.ID
}

func personItem(parent *ua.NodeID, name string) *ua.AddNodesItem {
	return &ua.AddNodesItem{
		ParentNodeID:   &ua.ExpandedNodeID{NodeID: parent},
		BrowseName:     &ua.QualifiedName{NamespaceIndex: 1, Name: name},
		NodeClass:      ua.NodeClassObject,
		TypeDefinition: &ua.ExpandedNodeID{NodeID: model.PersonType},
	}
}

func TestServer_StartProjectsRoot(t *testing.T) {
	srv, _ := startServer(t, nil)

	info, ok := srv.Space().FindChild(srv.Space().ObjectsFolder(), "Root")
	require.True(t, ok)
	assert.Equal(t, srv.RootNode(), info.ID)
	assert.Equal(t, model.RootType, info.TypeDefinition)

	children, err := srv.Space().Children(folder(t, srv, "People"))
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, "People[2]", children[2].BrowseName)

	require.NoError(t, srv.Start(context.Background()), "second start is a no-op")
}

func TestServer_ClientWrites(t *testing.T) {
	srv, root := startServer(t, nil)
	ctx := context.Background()

	var changes []subject.Change
	cancel := root.Context().Observe(func(ch subject.Change) { changes = append(changes, ch) })
	defer cancel()

	status := srv.Space().Write(ctx, variable(t, srv, root, "Name"), ua.MustVariant("plant"))
	require.Equal(t, ua.StatusOK, status)
	assert.Equal(t, "plant", root.Raw("Name"))
	require.Len(t, changes, 1)
	assert.Equal(t, srv, changes[0].Source)

	dv := srv.Space().Read(variable(t, srv, root, "Name"))
	assert.Equal(t, "plant", dv.Value.Value())

	ada := root.Items(ctx, "People")[0]
	assert.Equal(t, ua.StatusBadNotWritable,
		srv.Space().Write(ctx, variable(t, srv, ada, "FullName"), ua.MustVariant("x")))
	assert.Equal(t, ua.StatusBadTypeMismatch,
		srv.Space().Write(ctx, variable(t, srv, ada, "Age"), ua.MustVariant("old")))
	assert.Equal(t, ua.StatusBadNotWritable,
		srv.Space().Write(ctx, folder(t, srv, "People"), ua.MustVariant("x")))

	require.Equal(t, ua.StatusOK, srv.Space().Write(ctx, variable(t, srv, ada, "Age"), ua.MustVariant(int64(36))))
	assert.Equal(t, 36, ada.(*subject.Object).Raw("Age"))
}

func TestServer_TransactionalWrites(t *testing.T) {
	root := model.NewRoot(subject.NewContext())
	journal := &memJournal{}
	transaction.Install(root.Context(), transaction.WithJournal(journal))

	opts := config.DefaultServerOptions()
	opts.TransactionalWrites = true
	srv := New(root, opts, WithRegistry(model.Registry()))
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Close()

	var changes []subject.Change
	cancel := root.Context().Observe(func(ch subject.Change) { changes = append(changes, ch) })
	defer cancel()

	status := srv.Space().Write(context.Background(), variable(t, srv, root, "Number"), ua.MustVariant(2.5))
	require.Equal(t, ua.StatusOK, status)
	assert.Equal(t, 2.5, root.Raw("Number"))

	require.Len(t, changes, 1)
	assert.NotEmpty(t, changes[0].TransactionID)
	require.Len(t, journal.records, 1)
	assert.Equal(t, transaction.OutcomeCommitted, journal.records[0].Outcome)
	assert.Equal(t, int64(0), transaction.ActiveCount())
}

func TestServer_ExternalNodeManagementDisabled(t *testing.T) {
	srv, root := startServer(t, nil)
	people := folder(t, srv, "People")

	results := srv.Space().AddNodes(context.Background(), []*ua.AddNodesItem{
		personItem(people, "a"),
		personItem(people, "b"),
		personItem(srv.RootNode(), "Person"),
	})
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, ua.StatusBadServiceUnsupported, r.StatusCode)
	}

	ada, _ := srv.Mapper().NodeOf(root.Items(context.Background(), "People")[0])
	statuses := srv.Space().DeleteNodes(context.Background(), []*ua.DeleteNodesItem{
		{NodeID: ada},
		{NodeID: ua.NewNumericNodeID(1, 4242)},
	})
	assert.Equal(t, []ua.StatusCode{ua.StatusBadServiceUnsupported, ua.StatusBadServiceUnsupported}, statuses)
	assert.Len(t, root.Items(context.Background(), "People"), 3)
}

func TestServer_ExternalNodeManagement(t *testing.T) {
	srv, root := startServer(t, func(o *config.ServerOptions) {
		o.EnableExternalNodeManagement = true
	})
	ctx := context.Background()
	require.NoError(t, root.Set(ctx, "Person", nil))

	badType := personItem(folder(t, srv, "People"), "x")
	badType.TypeDefinition = &ua.ExpandedNodeID{NodeID: ua.NewStringNodeID(1, "Unknown")}
	variableItem := personItem(folder(t, srv, "People"), "y")
	variableItem.NodeClass = ua.NodeClassVariable

	results := srv.Space().AddNodes(ctx, []*ua.AddNodesItem{
		personItem(folder(t, srv, "People"), "ignored"),
		personItem(folder(t, srv, "PeopleByName"), "linus"),
		personItem(srv.RootNode(), "Person"),
		badType,
		variableItem,
		personItem(srv.RootNode(), "Name"),
	})
	require.Len(t, results, 6)
	assert.Equal(t, ua.StatusOK, results[0].StatusCode)
	assert.Equal(t, ua.StatusOK, results[1].StatusCode)
	assert.Equal(t, ua.StatusOK, results[2].StatusCode)
	assert.Equal(t, ua.StatusBadTypeDefinitionInvalid, results[3].StatusCode)
	assert.Equal(t, ua.StatusBadNodeClassInvalid, results[4].StatusCode)
	assert.Equal(t, ua.StatusBadBrowseNameInvalid, results[5].StatusCode)

	people := root.Items(ctx, "People")
	require.Len(t, people, 4)
	added, ok := srv.Mapper().NodeOf(people[3])
	require.True(t, ok)
	assert.Equal(t, added.String(), results[0].AddedNodeID.String())
	info, _ := srv.Space().Node(added)
	assert.Equal(t, "People[3]", info.BrowseName)

	assert.Contains(t, root.Entries(ctx, "PeopleByName"), "linus")
	assert.NotNil(t, root.Raw("Person"))

	statuses := srv.Space().DeleteNodes(ctx, []*ua.DeleteNodesItem{
		{NodeID: added},
		{NodeID: srv.RootNode()},
		{NodeID: ua.NewNumericNodeID(1, 4242)},
	})
	assert.Equal(t, []ua.StatusCode{
		ua.StatusOK,
		ua.StatusBadUserAccessDenied,
		ua.StatusBadNodeIDUnknown,
	}, statuses)
	assert.Len(t, root.Items(ctx, "People"), 3)
	_, ok = srv.Space().Node(added)
	assert.False(t, ok)
}

func TestServer_DeleteSharedNodeRemovesEverySlot(t *testing.T) {
	srv, root := startServer(t, func(o *config.ServerOptions) {
		o.EnableExternalNodeManagement = true
	})
	ctx := context.Background()

	// Grace is in People and PeopleByName.
	grace := root.Items(ctx, "People")[1]
	nid, ok := srv.Mapper().NodeOf(grace)
	require.True(t, ok)
	require.Equal(t, 2, srv.Mapper().RefCount(grace))

	statuses := srv.Space().DeleteNodes(ctx, []*ua.DeleteNodesItem{{NodeID: nid}})
	require.Equal(t, []ua.StatusCode{ua.StatusOK}, statuses)

	assert.Len(t, root.Items(ctx, "People"), 2)
	assert.Empty(t, root.Entries(ctx, "PeopleByName"))
	_, ok = srv.Space().Node(nid)
	assert.False(t, ok)
}

func TestServer_LiveSyncDisabled(t *testing.T) {
	srv, root := startServer(t, func(o *config.ServerOptions) {
		o.EnableLiveSync = false
	})
	ctx := context.Background()

	require.NoError(t, root.Append(ctx, "People", model.NewPerson(root.Context(), "Linus", "Torvalds")))
	children, err := srv.Space().Children(folder(t, srv, "People"))
	require.NoError(t, err)
	assert.Len(t, children, 3, "structure frozen at start")

	require.NoError(t, root.Set(ctx, "Name", "renamed"))
	dv := srv.Space().Read(variable(t, srv, root, "Name"))
	assert.Equal(t, "renamed", dv.Value.Value(), "values still flow")
}

func TestServer_CloseIsIdempotent(t *testing.T) {
	root := model.NewRoot(subject.NewContext())
	srv := New(root, config.DefaultServerOptions())
	require.NoError(t, srv.Start(context.Background()))

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	assert.Equal(t, 1, srv.Space().Len())
	assert.ErrorIs(t, srv.Start(context.Background()), ErrClosed)
}
