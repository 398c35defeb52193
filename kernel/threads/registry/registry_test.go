package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/simkernel/kernel/threads/batch"
)

type stubCreator struct {
	name   string
	kind   Kind
	deps   []string
	fields []batch.RootFieldSpec
}

func (s stubCreator) Name() string           { return s.name }
func (s stubCreator) Kind() Kind             { return s.kind }
func (s stubCreator) Dependencies() []string { return s.deps }

func (s stubCreator) Fields(CreateParams) ([]batch.RootFieldSpec, error) {
	return s.fields, nil
}

func (s stubCreator) Create(CreateParams) (Package, error) {
	return nil, ErrPackageCreation
}

func names(creators []Creator) []string {
	out := make([]string, len(creators))
	for i, c := range creators {
		out[i] = c.Name()
	}
	return out
}

func indexOf(list []string, name string) int {
	for i, v := range list {
		if v == name {
			return i
		}
	}
	return -1
}

func TestRegistry_DependencyOrder(t *testing.T) {
	r, err := NewRegistry(
		stubCreator{name: "mod_c", kind: KindState, deps: []string{"mod_b"}},
		stubCreator{name: "mod_a", kind: KindState},
		stubCreator{name: "mod_b", kind: KindState, deps: []string{"mod_a"}},
		stubCreator{name: "other", kind: KindState},
	)
	require.NoError(t, err)

	order, err := r.Order(KindState, []string{"mod_c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mod_a", "mod_b", "mod_c"}, names(order))

	order, err = r.Order(KindState, []string{"other", "mod_b"})
	require.NoError(t, err)
	got := names(order)
	assert.Len(t, got, 3)
	assert.Less(t, indexOf(got, "mod_a"), indexOf(got, "mod_b"))
}

func TestRegistry_CycleReportsFullChain(t *testing.T) {
	_, err := NewRegistry(
		stubCreator{name: "a", kind: KindState, deps: []string{"b"}},
		stubCreator{name: "b", kind: KindState, deps: []string{"c"}},
		stubCreator{name: "c", kind: KindState, deps: []string{"a"}},
	)
	require.ErrorIs(t, err, ErrCyclicalDependency)
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycle.Chain)
	assert.Contains(t, err.Error(), "a -> b -> c -> a")
}

func TestRegistry_SelfDependency(t *testing.T) {
	_, err := NewRegistry(stubCreator{name: "self", kind: KindOutput, deps: []string{"self"}})
	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"self", "self"}, cycle.Chain)
}

func TestRegistry_Validation(t *testing.T) {
	_, err := NewRegistry(stubCreator{name: "x"}, stubCreator{name: "x"})
	assert.ErrorIs(t, err, ErrDuplicatePackage)

	_, err = NewRegistry(stubCreator{name: "x", deps: []string{"missing"}})
	assert.ErrorIs(t, err, ErrUnknownPackage)

	_, err = NewRegistry(
		stubCreator{name: "ctx", kind: KindContext, deps: []string{"out"}},
		stubCreator{name: "out", kind: KindOutput},
	)
	assert.ErrorIs(t, err, ErrDependencyKind)

	r, err := NewRegistry(stubCreator{name: "s", kind: KindState})
	require.NoError(t, err)
	_, err = r.Order(KindOutput, []string{"s"})
	assert.Error(t, err)
	_, err = r.Order(KindState, []string{"nope"})
	assert.ErrorIs(t, err, ErrUnknownPackage)
}

func TestRegistry_RegisterFields(t *testing.T) {
	num := func(name string) batch.RootFieldSpec {
		return batch.RootFieldSpec{FieldSpec: batch.FieldSpec{Name: name, Type: batch.FieldNumber, Nullable: true}, Source: batch.PackageSource(name)}
	}
	r, err := NewRegistry(
		stubCreator{name: "ctx", kind: KindContext, fields: []batch.RootFieldSpec{num("inbox")}},
		stubCreator{name: "st", kind: KindState, fields: []batch.RootFieldSpec{num("energy")}},
	)
	require.NoError(t, err)

	agents := batch.NewFieldSpecMap(batch.AgentFields()...)
	ctxFields := batch.NewFieldSpecMap()
	all := []Creator{}
	for _, name := range r.Names() {
		c, _ := r.Creator(name)
		all = append(all, c)
	}
	require.NoError(t, r.RegisterFields(agents, ctxFields, all, CreateParams{}))
	assert.True(t, agents.Has("energy"))
	assert.False(t, agents.Has("inbox"))
	assert.True(t, ctxFields.Has("inbox"))
}
