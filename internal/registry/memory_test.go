package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlet/flowlet/pkg/schema"
)

func storedFixture(name string) *StoredWorkflow {
	return &StoredWorkflow{
		Name:   name,
		Source: "workflows:\n  " + name + ":\n    task: t\n    steps:\n      - id: s\n        code: \"1\"\n",
		Definition: &schema.WorkflowDefinition{
			Task:  "t",
			Steps: []*schema.StepNode{{ID: "s", Code: "1"}},
		},
	}
}

func TestMemoryRegistryPutGet(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Put(ctx, storedFixture("alpha")))

	got, err := reg.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name)
	assert.Equal(t, "t", got.Definition.Task)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestMemoryRegistryGetMissing(t *testing.T) {
	reg := NewMemoryRegistry()

	_, err := reg.Get(context.Background(), "ghost")
	require.Error(t, err)

	fe := err.(*schema.FlowError)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestMemoryRegistryUpsertKeepsCreatedAt(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Put(ctx, storedFixture("alpha")))
	first, err := reg.Get(ctx, "alpha")
	require.NoError(t, err)

	updated := storedFixture("alpha")
	updated.Definition.Task = "renamed"
	require.NoError(t, reg.Put(ctx, updated))

	second, err := reg.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "renamed", second.Definition.Task)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestMemoryRegistryListSorted(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, reg.Put(ctx, storedFixture(name)))
	}

	all, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "mid", all[1].Name)
	assert.Equal(t, "zeta", all[2].Name)
}

func TestMemoryRegistryDelete(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Put(ctx, storedFixture("alpha")))
	require.NoError(t, reg.Delete(ctx, "alpha"))

	_, err := reg.Get(ctx, "alpha")
	require.Error(t, err)

	err = reg.Delete(ctx, "alpha")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, err.(*schema.FlowError).Code)
}

func TestMemoryRegistryGetReturnsCopy(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Put(ctx, storedFixture("alpha")))

	got, err := reg.Get(ctx, "alpha")
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := reg.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", again.Name)
}
