package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlural(t *testing.T) {
	assert.Equal(t, "todos", Plural("todo"))
	assert.Equal(t, "categories", Plural("category"))
	assert.Equal(t, "devices", Plural("device"))
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	err := registry.Register(Descriptor{Resource: "todo", OwnerProperty: "user_id"})
	assert.NoError(t, err)

	// a second registration of the same resource is a usage error
	err = registry.Register(Descriptor{Resource: "todo"})
	var duplicate DuplicateResourceError
	assert.True(t, errors.As(err, &duplicate))
	assert.Equal(t, "todo", duplicate.Resource)

	descriptor, err := registry.Lookup("todo")
	assert.NoError(t, err)
	assert.Equal(t, "user_id", descriptor.OwnerProperty)
	assert.Equal(t, "todo_id", descriptor.PrimaryKey())

	_, err = registry.Lookup("nothing")
	var unknown UnknownResourceError
	assert.True(t, errors.As(err, &unknown))

	assert.Equal(t, []string{"todo"}, registry.Resources())

	registry.Reset()
	_, err = registry.Lookup("todo")
	assert.Error(t, err)
}

func TestDescriptorOperations(t *testing.T) {
	all := Descriptor{Resource: "todo"}
	for _, op := range []Operation{OperationCreate, OperationRead, OperationUpdate, OperationDelete, OperationList} {
		assert.True(t, all.SupportsOperation(op))
	}

	readOnly := Descriptor{Resource: "report", Operations: []Operation{OperationRead}}
	assert.True(t, readOnly.SupportsOperation(OperationRead))
	assert.True(t, readOnly.SupportsOperation(OperationList), "list is read on the collection")
	assert.False(t, readOnly.SupportsOperation(OperationCreate))
	assert.False(t, readOnly.SupportsOperation(OperationDelete))
}

func TestOperationUnmarshal(t *testing.T) {
	var op Operation
	assert.NoError(t, op.UnmarshalJSON([]byte(`"update"`)))
	assert.Equal(t, OperationUpdate, op)
	assert.Error(t, op.UnmarshalJSON([]byte(`"upsert"`)))
}
