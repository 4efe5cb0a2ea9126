package structure

import (
	"context"
	"testing"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/opcsync/internal/addrspace"
	"github.com/roach88/opcsync/internal/subject"
)

var testPerson = subject.NewSchema("Person",
	subject.Value("FirstName", "string", ""),
	subject.Value("LastName", "string", ""),
	subject.Derived("FullName", "string", func(o *subject.Object) any {
		first, _ := o.Raw("FirstName").(string)
		last, _ := o.Raw("LastName").(string)
		return first + " " + last
	}),
)

var testRoot = subject.NewSchema("Root",
	subject.Value("Name", "string", "root"),
	subject.Reference("Person", "Person"),
	subject.Collection("People", "Person"),
	subject.Collection("Team", "Person"),
	subject.Dictionary("Items", "Person"),
)

var personType = ua.NewStringNodeID(1, "PersonType")

func testRegistry() *TypeRegistry {
	r := NewTypeRegistry()
	r.Register("Person", personType, func(c *subject.Context) subject.Subject { return testPerson.New(c) })
	r.Register("Root", ua.NewStringNodeID(1, "RootType"), func(c *subject.Context) subject.Subject { return testRoot.New(c) })
	return r
}

type eventLog struct {
	events []addrspace.Event
}

func (l *eventLog) record(ev addrspace.Event) {
	if ev.Kind.IsStructural() {
		l.events = append(l.events, ev)
	}
}

func (l *eventLog) kinds() []addrspace.EventKind {
	out := make([]addrspace.EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func (l *eventLog) reset() { l.events = nil }

func childNames(t *testing.T, s *addrspace.Space, nid *ua.NodeID) []string {
	t.Helper()
	children, err := s.Children(nid)
	require.NoError(t, err)
	names := make([]string, len(children))
	for i, c := range children {
		names[i] = c.BrowseName
	}
	return names
}

func newMapped(t *testing.T) (*Mapper, *subject.Object, *ua.NodeID) {
	t.Helper()
	space := addrspace.New()
	m := NewMapper(space, testRegistry())
	t.Cleanup(m.Close)

	root := testRoot.New(subject.NewContext())
	nid, err := m.Attach(root, "Root")
	require.NoError(t, err)
	return m, root, nid
}

func TestMapper_AttachBuildsTree(t *testing.T) {
	m, root, rootNode := newMapped(t)
	space := m.Space()

	assert.Equal(t, []string{"Name", "People", "Team", "Items"}, childNames(t, space, rootNode))

	info, ok := space.FindChild(rootNode, "Name")
	require.True(t, ok)
	assert.Equal(t, ua.NodeClassVariable, info.Class)
	assert.Equal(t, "root", info.Value.Value.Value())

	ref, ok := m.PropertyOf(info.ID)
	require.True(t, ok)
	assert.Equal(t, root.Ref("Name"), ref)

	people, ok := space.FindChild(rootNode, "People")
	require.True(t, ok)
	cref, ok := m.ContainerOf(people.ID)
	require.True(t, ok)
	assert.Equal(t, "Root.People", cref.String())

	_, err := m.Attach(root, "Root")
	assert.ErrorIs(t, err, ErrAlreadyAttached)
}

func TestMapper_ValuePropagation(t *testing.T) {
	m, root, rootNode := newMapped(t)
	ctx := context.Background()

	p := testPerson.New(root.Context())
	require.NoError(t, root.Set(ctx, "Person", p))

	pNode, ok := m.NodeOf(p)
	require.True(t, ok)
	info, ok := m.Space().FindChild(rootNode, "Person")
	require.True(t, ok)
	assert.Equal(t, pNode, info.ID)
	assert.Equal(t, personType, info.TypeDefinition)

	require.NoError(t, p.Set(ctx, "FirstName", "Ada"))
	require.NoError(t, p.Set(ctx, "LastName", "Lovelace"))

	first, ok := m.Space().FindChild(pNode, "FirstName")
	require.True(t, ok)
	assert.Equal(t, "Ada", first.Value.Value.Value())
	full, ok := m.Space().FindChild(pNode, "FullName")
	require.True(t, ok)
	assert.Equal(t, "Ada Lovelace", full.Value.Value.Value())
}

func TestMapper_ReferenceReplace(t *testing.T) {
	m, root, _ := newMapped(t)
	ctx := context.Background()

	a := testPerson.New(root.Context())
	b := testPerson.New(root.Context())
	require.NoError(t, root.Set(ctx, "Person", a))
	aNode, _ := m.NodeOf(a)

	require.NoError(t, root.Set(ctx, "Person", b))
	_, ok := m.Space().Node(aNode)
	assert.False(t, ok, "replaced subject is torn down")
	_, ok = m.NodeOf(b)
	assert.True(t, ok)

	require.NoError(t, root.Set(ctx, "Person", nil))
	assert.Equal(t, 1, m.Len())
}

func TestMapper_SharedSubjectRefCounting(t *testing.T) {
	m, root, rootNode := newMapped(t)
	space := m.Space()
	ctx := context.Background()

	var log eventLog
	space.Subscribe(log.record)

	p := testPerson.New(root.Context())
	require.NoError(t, root.Append(ctx, "People", p))
	pNode, ok := m.NodeOf(p)
	require.True(t, ok)
	require.NotEmpty(t, log.events)
	assert.Equal(t, addrspace.EventNodeAdded, log.events[0].Kind)
	assert.Equal(t, pNode, log.events[0].Node)

	log.reset()
	require.NoError(t, root.Append(ctx, "Team", p))
	require.Equal(t, []addrspace.EventKind{addrspace.EventReferenceAdded}, log.kinds())
	assert.Equal(t, pNode, log.events[0].Node)
	assert.Equal(t, 2, m.RefCount(p))

	people, _ := space.FindChild(rootNode, "People")
	team, _ := space.FindChild(rootNode, "Team")
	fromPeople, ok := space.FindChild(people.ID, "People[0]")
	require.True(t, ok)
	fromTeam, ok := space.FindChild(team.ID, "People[0]")
	require.True(t, ok)
	assert.Equal(t, pNode, fromPeople.ID)
	assert.Equal(t, pNode, fromTeam.ID)

	log.reset()
	require.NoError(t, root.Remove(ctx, "People", p))
	assert.Equal(t, []addrspace.EventKind{
		addrspace.EventReferenceDeleted,
		addrspace.EventBrowseNameChanged,
	}, log.kinds())
	assert.Equal(t, people.ID, log.events[0].Parent)
	assert.Equal(t, "Team[0]", log.events[1].BrowseName)

	_, ok = space.Node(pNode)
	require.True(t, ok, "still referenced from Team")
	require.NoError(t, p.Set(ctx, "FirstName", "Grace"))
	first, ok := space.FindChild(pNode, "FirstName")
	require.True(t, ok)
	assert.Equal(t, "Grace", first.Value.Value.Value())

	log.reset()
	require.NoError(t, root.Remove(ctx, "Team", p))
	_, ok = space.Node(pNode)
	assert.False(t, ok)
	assert.Contains(t, log.kinds(), addrspace.EventNodeDeleted)
	assert.Equal(t, 0, m.RefCount(p))
	assert.Empty(t, childNames(t, space, team.ID))
}

func TestMapper_TwoReferencesOnOneParentShareTheEdge(t *testing.T) {
	pair := subject.NewSchema("Pair",
		subject.Reference("Person", "Person"),
		subject.Reference("Manager", "Person"),
	)
	space := addrspace.New()
	m := NewMapper(space, testRegistry())
	t.Cleanup(m.Close)

	root := pair.New(subject.NewContext())
	rootNode, err := m.Attach(root, "Pair")
	require.NoError(t, err)
	ctx := context.Background()

	p := testPerson.New(root.Context())
	require.NoError(t, root.Set(ctx, "Person", p))
	require.NoError(t, root.Set(ctx, "Manager", p))
	pNode, ok := m.NodeOf(p)
	require.True(t, ok)
	assert.Equal(t, 2, m.RefCount(p))
	assert.Equal(t, []string{"Person"}, childNames(t, space, rootNode))

	require.NoError(t, root.Set(ctx, "Person", nil))
	assert.Equal(t, 1, m.RefCount(p))
	children, err := space.Children(rootNode)
	require.NoError(t, err)
	require.Len(t, children, 1, "still referenced by Manager")
	assert.Equal(t, pNode, children[0].ID)
	assert.Equal(t, "Manager", children[0].BrowseName)

	require.NoError(t, root.Set(ctx, "Manager", nil))
	_, ok = space.Node(pNode)
	assert.False(t, ok)
	assert.Empty(t, childNames(t, space, rootNode))
}

func TestMapper_CollectionReindex(t *testing.T) {
	m, root, rootNode := newMapped(t)
	ctx := context.Background()

	p0 := testPerson.New(root.Context())
	p1 := testPerson.New(root.Context())
	p2 := testPerson.New(root.Context())
	require.NoError(t, root.Append(ctx, "People", p0, p1, p2))

	people, _ := m.Space().FindChild(rootNode, "People")
	assert.Equal(t, []string{"People[0]", "People[1]", "People[2]"}, childNames(t, m.Space(), people.ID))

	require.NoError(t, root.RemoveAt(ctx, "People", 1))
	assert.Equal(t, []string{"People[0]", "People[1]"}, childNames(t, m.Space(), people.ID))

	n2, _ := m.NodeOf(p2)
	info, _ := m.Space().Node(n2)
	assert.Equal(t, "People[1]", info.BrowseName)
	_, ok := m.NodeOf(p1)
	assert.False(t, ok)
}

func TestMapper_Dictionary(t *testing.T) {
	m, root, rootNode := newMapped(t)
	ctx := context.Background()

	a := testPerson.New(root.Context())
	b := testPerson.New(root.Context())
	require.NoError(t, root.Put(ctx, "Items", "b", b))
	require.NoError(t, root.Put(ctx, "Items", "a", a))

	items, _ := m.Space().FindChild(rootNode, "Items")
	assert.ElementsMatch(t, []string{"a", "b"}, childNames(t, m.Space(), items.ID))

	require.NoError(t, root.Delete(ctx, "Items", "b"))
	assert.Equal(t, []string{"a"}, childNames(t, m.Space(), items.ID))
	_, ok := m.NodeOf(b)
	assert.False(t, ok)
}

func TestMapper_DetachTearsDown(t *testing.T) {
	m, root, _ := newMapped(t)
	ctx := context.Background()
	require.NoError(t, root.Append(ctx, "People", testPerson.New(root.Context())))

	before := m.Space().Len()
	require.Greater(t, before, 1)

	m.Detach(root, "Root")
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 1, m.Space().Len(), "only the Objects folder remains")
}
