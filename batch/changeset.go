package batch

import (
	"fmt"
	"net/http"

	"github.com/pitabwire/odatabatch/model"
)

// ChangeSetBuilder collects the operations of one open changeset.
type ChangeSetBuilder struct {
	parent   *Builder
	ops      []*ChangeOperation
	detached bool
}

// Create appends a create operation.
func (c *ChangeSetBuilder) Create(entitySet string, entity any) *ChangeSetBuilder {
	return c.Add(Create(entitySet, entity))
}

// Update appends an update operation using the default PUT strategy.
func (c *ChangeSetBuilder) Update(entitySet string, key Key, entity any) *ChangeSetBuilder {
	return c.Add(Update(entitySet, key, entity))
}

// Delete appends a delete operation.
func (c *ChangeSetBuilder) Delete(entitySet string, key Key) *ChangeSetBuilder {
	return c.Add(Delete(entitySet, key))
}

// Add appends operations in order. Keep the pointers to look their results
// up with Response.ChangeResult.
func (c *ChangeSetBuilder) Add(ops ...*ChangeOperation) *ChangeSetBuilder {
	for _, op := range ops {
		if op == nil {
			c.parent.fail(model.NewIllegalStateError("nil change operation"))
			return c
		}
		if op.kind == ChangeFunction && op.function != nil && op.function.method == http.MethodGet {
			c.parent.fail(getInChangeSet(op.function))
			return c
		}
		c.ops = append(c.ops, op)
	}
	return c
}

// AddFunctionImport appends a function or action invocation. GET functions
// are rejected: a changeset may only hold modifying requests.
func (c *ChangeSetBuilder) AddFunctionImport(fn *FunctionInvocation) *ChangeSetBuilder {
	if fn == nil {
		c.parent.fail(model.NewIllegalStateError("nil function invocation"))
		return c
	}
	return c.Add(Invoke(fn))
}

// EndChangeSet closes the changeset and returns the batch builder.
func (c *ChangeSetBuilder) EndChangeSet() *Builder {
	b := c.parent
	if c.detached {
		return b
	}
	b.open = nil
	if len(c.ops) == 0 {
		b.fail(model.NewIllegalStateError("changeset must contain at least one operation"))
		return b
	}
	b.items = append(b.items, item{kind: itemChangeSet, changeset: c.ops})
	return b
}

func getInChangeSet(fn *FunctionInvocation) error {
	return model.NewIllegalStateError(fmt.Sprintf(
		"function %q uses GET and cannot be part of a changeset", fn.name))
}
