package subject

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPerson = NewSchema("Person",
	Value("FirstName", "string", ""),
	Value("LastName", "string", ""),
	Derived("FullName", "string", func(o *Object) any {
		first, _ := o.Raw("FirstName").(string)
		last, _ := o.Raw("LastName").(string)
		return first + " " + last
	}),
)

var testRoot = NewSchema("Root",
	Value("Name", "string", "root"),
	Reference("Person", "Person"),
	Collection("People", "Person"),
	Dictionary("Items", "Person"),
)

type recordingInterceptor struct {
	name  string
	calls *[]string
	stop  bool
}

func (r *recordingInterceptor) ReadProperty(ctx context.Context, ref PropertyReference, next ReadFunc) any {
	*r.calls = append(*r.calls, "read:"+r.name)
	return next(ctx, ref)
}

func (r *recordingInterceptor) WriteProperty(ctx context.Context, w *WriteContext, next WriteFunc) error {
	*r.calls = append(*r.calls, "write:"+r.name)
	if r.stop {
		return nil
	}
	return next(ctx, w)
}

func TestObject_DefaultsAndRaw(t *testing.T) {
	c := NewContext()
	root := testRoot.New(c)

	assert.Equal(t, "root", root.Raw("Name"))
	assert.Nil(t, root.Raw("Person"))
	assert.Equal(t, "Root", root.Type())
	assert.Len(t, root.Properties(), 4)
}

func TestContext_InterceptorOrder(t *testing.T) {
	c := NewContext()
	var calls []string
	c.Use(&recordingInterceptor{name: "a", calls: &calls}, &recordingInterceptor{name: "b", calls: &calls})

	root := testRoot.New(c)
	ctx := context.Background()

	require.NoError(t, root.Set(ctx, "Name", "x"))
	assert.Equal(t, "x", root.Get(ctx, "Name"))
	assert.Equal(t, []string{"write:a", "write:b", "read:a", "read:b"}, calls)
}

func TestContext_StoppedWriteIsNotObserved(t *testing.T) {
	c := NewContext()
	var calls []string
	c.Use(&recordingInterceptor{name: "stopper", calls: &calls, stop: true})

	var seen []Change
	c.Observe(func(ch Change) { seen = append(seen, ch) })

	root := testRoot.New(c)
	require.NoError(t, root.Set(context.Background(), "Name", "hidden"))

	assert.Equal(t, "root", root.Raw("Name"))
	assert.Empty(t, seen)
}

func TestContext_ObserveAndCancel(t *testing.T) {
	c := NewContext()
	root := testRoot.New(c)
	ctx := WithSource(context.Background(), "unit")

	var seen []Change
	cancel := c.Observe(func(ch Change) { seen = append(seen, ch) })

	require.NoError(t, root.Set(ctx, "Name", "one"))
	cancel()
	cancel() // idempotent
	require.NoError(t, root.Set(ctx, "Name", "two"))

	require.Len(t, seen, 1)
	assert.Equal(t, "root", seen[0].OldValue)
	assert.Equal(t, "one", seen[0].NewValue)
	assert.Equal(t, "unit", seen[0].Source)
	assert.Equal(t, "Root.Name", seen[0].Property.String())
}

func TestContext_DerivedRecomputed(t *testing.T) {
	c := NewContext()
	p := testPerson.New(c)
	ctx := context.Background()

	var seen []Change
	c.Observe(func(ch Change) { seen = append(seen, ch) })

	require.NoError(t, p.Set(ctx, "FirstName", "Ada"))

	require.Len(t, seen, 2)
	assert.Equal(t, "FirstName", seen[0].Property.Name())
	assert.Equal(t, "FullName", seen[1].Property.Name())
	assert.Equal(t, " ", seen[1].OldValue)
	assert.Equal(t, "Ada ", seen[1].NewValue)
}

func TestContext_DerivedIsReadOnly(t *testing.T) {
	c := NewContext()
	p := testPerson.New(c)

	err := p.Set(context.Background(), "FullName", "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReadOnly))
}

func TestObject_CollectionHelpers(t *testing.T) {
	c := NewContext()
	root := testRoot.New(c)
	ctx := context.Background()

	a, b, d := testPerson.New(c), testPerson.New(c), testPerson.New(c)
	require.NoError(t, root.Append(ctx, "People", a, b, d))
	require.NoError(t, root.RemoveAt(ctx, "People", 1))

	assert.Equal(t, []Subject{a, d}, root.Items(ctx, "People"))
	require.NoError(t, root.Remove(ctx, "People", d))
	assert.Equal(t, []Subject{a}, root.Items(ctx, "People"))
	assert.Error(t, root.RemoveAt(ctx, "People", 5))
}

func TestObject_DictionaryHelpers(t *testing.T) {
	c := NewContext()
	root := testRoot.New(c)
	ctx := context.Background()

	a := testPerson.New(c)
	require.NoError(t, root.Put(ctx, "Items", "first", a))
	assert.Equal(t, map[string]Subject{"first": a}, root.Entries(ctx, "Items"))

	require.NoError(t, root.Delete(ctx, "Items", "missing"))
	require.NoError(t, root.Delete(ctx, "Items", "first"))
	assert.Empty(t, root.Entries(ctx, "Items"))
}

func TestEqual(t *testing.T) {
	c := NewContext()
	a, b := testPerson.New(c), testPerson.New(c)

	tests := []struct {
		name string
		x, y any
		want bool
	}{
		{"same subject", a, a, true},
		{"different subjects", a, b, false},
		{"subject slices by identity", []Subject{a, b}, []Subject{a, b}, true},
		{"subject slices reordered", []Subject{a, b}, []Subject{b, a}, false},
		{"empty slice equals nil", []Subject{}, nil, true},
		{"nil equals empty map", nil, map[string]Subject{}, true},
		{"maps by identity", map[string]Subject{"k": a}, map[string]Subject{"k": a}, true},
		{"maps differ", map[string]Subject{"k": a}, map[string]Subject{"k": b}, false},
		{"scalars", 3, 3, true},
		{"byte slices", []byte{1, 2}, []byte{1, 2}, true},
		{"nil vs value", nil, "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.x, tt.y))
		})
	}
}

func TestContext_PropertyData(t *testing.T) {
	c := NewContext()
	root := testRoot.New(c)
	ref := root.Ref("Name")

	type key struct{}
	c.SetPropertyData(ref, key{}, 42)
	v, ok := c.PropertyData(ref, key{})
	require.True(t, ok)
	assert.Equal(t, 42, v)

	c.DeletePropertyData(ref, key{})
	_, ok = c.PropertyData(ref, key{})
	assert.False(t, ok)
}

func TestNewPropertyReference(t *testing.T) {
	c := NewContext()
	root := testRoot.New(c)

	ref, err := NewPropertyReference(root, "People")
	require.NoError(t, err)
	assert.Equal(t, root.Ref("People"), ref)
	assert.Equal(t, KindCollection, ref.Metadata.Kind)

	_, err = NewPropertyReference(root, "Nope")
	assert.Error(t, err)
}
