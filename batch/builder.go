// Package batch builds OData $batch requests, serializes them as
// multipart/mixed, and correlates the multipart response back to the
// operations that produced it.
package batch

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/pitabwire/odatabatch/model"
)

type itemKind int

const (
	itemRead itemKind = iota
	itemFunction
	itemChangeSet
)

func (k itemKind) String() string {
	switch k {
	case itemRead:
		return "read"
	case itemFunction:
		return "function"
	case itemChangeSet:
		return "changeset"
	}
	return "unknown"
}

// item is one top-level entry of a batch: a read, a standalone GET function,
// or a changeset. In a built Request the operations are private snapshots;
// key and changeKeys hold the caller's pointers for result lookup.
type item struct {
	kind      itemKind
	read      *ReadOperation
	function  *FunctionInvocation
	changeset []*ChangeOperation

	key        any
	changeKeys []*ChangeOperation
}

// Builder accumulates top-level batch items in order. It is not safe for
// concurrent use and is meant to be used once.
type Builder struct {
	servicePath string
	items       []item
	header      http.Header
	csrf        bool
	open        *ChangeSetBuilder
	built       bool
	err         error
}

// NewBuilder returns a builder for the service rooted at servicePath, e.g.
// "/sap/opu/odata/sap/API_BUSINESS_PARTNER".
func NewBuilder(servicePath string) *Builder {
	return &Builder{
		servicePath: "/" + strings.Trim(servicePath, "/"),
		header:      make(http.Header),
		csrf:        true,
	}
}

// fail records the first usage error; later calls keep it.
func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Builder) checkClosed(call string) bool {
	if b.built {
		b.fail(model.NewIllegalStateError(call + " called after Build"))
		return false
	}
	if b.open != nil {
		b.fail(model.NewIllegalStateError(call + " called while a changeset is open"))
		return false
	}
	return true
}

// AddRead appends read operations as separate top-level items.
func (b *Builder) AddRead(ops ...*ReadOperation) *Builder {
	if !b.checkClosed("AddRead") {
		return b
	}
	for _, op := range ops {
		if op == nil {
			b.fail(model.NewIllegalStateError("nil read operation"))
			return b
		}
		b.items = append(b.items, item{kind: itemRead, read: op})
	}
	return b
}

// AddFunction appends a standalone function import. Only GET functions are
// allowed here; actions belong in a changeset.
func (b *Builder) AddFunction(fn *FunctionInvocation) *Builder {
	if !b.checkClosed("AddFunction") {
		return b
	}
	if fn == nil {
		b.fail(model.NewIllegalStateError("nil function invocation"))
		return b
	}
	if fn.method != http.MethodGet {
		b.fail(model.NewIllegalStateError(fmt.Sprintf(
			"function %q uses %s and must be added to a changeset", fn.name, fn.method)))
		return b
	}
	b.items = append(b.items, item{kind: itemFunction, function: fn})
	return b
}

// BeginChangeSet opens a changeset. Close it with EndChangeSet.
func (b *Builder) BeginChangeSet() *ChangeSetBuilder {
	if b.checkClosed("BeginChangeSet") {
		b.open = &ChangeSetBuilder{parent: b}
		return b.open
	}
	// The sticky error is already recorded; hand back a detached builder so
	// the chain still type-checks.
	return &ChangeSetBuilder{parent: b, detached: true}
}

// AddChangeSet appends a changeset made of ops.
func (b *Builder) AddChangeSet(ops ...*ChangeOperation) *Builder {
	return b.BeginChangeSet().Add(ops...).EndChangeSet()
}

// WithoutCsrfToken skips the CSRF token handshake for this batch.
func (b *Builder) WithoutCsrfToken() *Builder {
	b.csrf = false
	return b
}

// WithHeader adds a header to the outer $batch POST.
func (b *Builder) WithHeader(name, value string) *Builder {
	b.header.Add(name, value)
	return b
}

// Build validates the accumulated items and returns an immutable request.
// The operations are copied and their payloads serialized, so changing them
// afterwards does not affect the request. Adding items after Build is an
// ILLEGAL_STATE error.
func (b *Builder) Build() (*Request, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.open != nil {
		return nil, model.NewIllegalStateError("changeset was not ended")
	}

	items := make([]item, len(b.items))
	for i, it := range b.items {
		snap := item{kind: it.kind}
		var err error
		switch it.kind {
		case itemRead:
			snap.key = it.read
			snap.read, err = it.read.snapshot()
		case itemFunction:
			snap.key = it.function
			snap.function, err = it.function.snapshot()
		case itemChangeSet:
			snap.changeKeys = slices.Clone(it.changeset)
			snap.changeset = make([]*ChangeOperation, len(it.changeset))
			for j, op := range it.changeset {
				if snap.changeset[j], err = op.snapshot(); err != nil {
					break
				}
			}
		}
		if err != nil {
			return nil, err
		}
		items[i] = snap
	}
	b.built = true
	return &Request{
		servicePath: b.servicePath,
		items:       items,
		header:      b.header.Clone(),
		csrf:        b.csrf,
	}, nil
}

// Execute builds the request and sends it with c to dest. Usage errors are
// returned before any network call.
func (b *Builder) Execute(ctx context.Context, c *Client, dest model.Destination) (*Response, error) {
	req, err := b.Build()
	if err != nil {
		return nil, err
	}
	return c.Execute(ctx, dest, req)
}

func validateChange(op *ChangeOperation) error {
	switch op.kind {
	case ChangeCreate:
		if op.entitySet == "" {
			return model.NewInvalidArgumentError("create requires an entity set")
		}
	case ChangeUpdate, ChangeDelete:
		if op.entitySet == "" || op.key.IsZero() {
			return model.NewInvalidArgumentError(op.kind.String() + " requires an entity set and a key")
		}
		if op.kind == ChangeUpdate {
			switch op.strategy {
			case ReplaceWithPut, ModifyWithMerge, ModifyWithPatch:
			default:
				return model.NewInvalidArgumentError(fmt.Sprintf("unsupported update strategy %q", op.strategy))
			}
		}
	case ChangeFunction:
		if op.function == nil || op.function.name == "" {
			return model.NewInvalidArgumentError("function invocation requires a name")
		}
		return nil
	default:
		return model.NewInvalidArgumentError("unknown change operation")
	}
	if err := checkToken("entity set", op.entitySet); err != nil {
		return err
	}
	for _, p := range op.key.props {
		if err := checkToken("key property", p.name); err != nil {
			return err
		}
	}
	return nil
}

// Request is an immutable, ordered batch ready to be serialized.
type Request struct {
	servicePath string
	items       []item
	header      http.Header
	csrf        bool
}

// ServicePath returns the service root the batch is posted under.
func (r *Request) ServicePath() string { return r.servicePath }

// Len returns the number of top-level items.
func (r *Request) Len() int { return len(r.items) }

// ChangeSetCount returns the number of changesets among the top-level items.
func (r *Request) ChangeSetCount() int {
	n := 0
	for _, it := range r.items {
		if it.kind == itemChangeSet {
			n++
		}
	}
	return n
}

// CsrfEnabled reports whether the CSRF handshake applies to this batch.
func (r *Request) CsrfEnabled() bool { return r.csrf }

// Header returns a copy of the batch-level headers.
func (r *Request) Header() http.Header { return r.header.Clone() }
