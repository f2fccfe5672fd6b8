package batch

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/pitabwire/odatabatch/model"
)

// ReadOperation describes one retrieval. Its pointer identity is the key used
// by Response.ReadResult, so keep the value returned by the constructor.
type ReadOperation struct {
	path   string
	query  string
	header http.Header
}

// NewRead returns a read of an arbitrary resource path relative to the
// service root, e.g. "People(42)/Friends".
func NewRead(path string) *ReadOperation {
	return &ReadOperation{path: strings.TrimLeft(path, "/"), header: make(http.Header)}
}

// ReadAll returns a read of a whole entity set.
func ReadAll(entitySet string) *ReadOperation {
	return NewRead(entitySet)
}

// ReadByKey returns a read of a single entity.
func ReadByKey(entitySet string, key Key) *ReadOperation {
	return NewRead(entitySet + key.String())
}

// WithQuery sets the rendered query string, without the leading '?'.
func (o *ReadOperation) WithQuery(query string) *ReadOperation {
	o.query = strings.TrimPrefix(query, "?")
	return o
}

// WithHeader adds a custom header echoed in the sub-request.
func (o *ReadOperation) WithHeader(name, value string) *ReadOperation {
	o.header.Add(name, value)
	return o
}

// Path returns the resource path.
func (o *ReadOperation) Path() string { return o.path }

// Query returns the query string.
func (o *ReadOperation) Query() string { return o.query }

// Header returns the custom headers.
func (o *ReadOperation) Header() http.Header { return o.header }

func (o *ReadOperation) snapshot() (*ReadOperation, error) {
	if err := checkToken("read path", o.path); err != nil {
		return nil, err
	}
	if err := checkToken("query", o.query); err != nil {
		return nil, err
	}
	c := *o
	c.header = o.header.Clone()
	return &c, nil
}

// Parameter is one named function parameter.
type Parameter struct {
	Name  string
	Value any
}

// FunctionInvocation calls a function import (GET) or an action (POST).
type FunctionInvocation struct {
	name   string
	method string
	params []Parameter
	body   any
	header http.Header
}

// NewFunction returns a function invocation using the given HTTP method.
func NewFunction(name, method string) *FunctionInvocation {
	return &FunctionInvocation{
		name:   strings.TrimLeft(name, "/"),
		method: strings.ToUpper(method),
		header: make(http.Header),
	}
}

// WithParameter appends a parameter. Order of calls is kept on the wire.
func (f *FunctionInvocation) WithParameter(name string, value any) *FunctionInvocation {
	f.params = append(f.params, Parameter{Name: name, Value: value})
	return f
}

// WithBody sets a JSON body, sent only for non-GET invocations.
func (f *FunctionInvocation) WithBody(body any) *FunctionInvocation {
	f.body = body
	return f
}

// WithHeader adds a custom header echoed in the sub-request.
func (f *FunctionInvocation) WithHeader(name, value string) *FunctionInvocation {
	f.header.Add(name, value)
	return f
}

// Name returns the function name.
func (f *FunctionInvocation) Name() string { return f.name }

// Method returns the HTTP method.
func (f *FunctionInvocation) Method() string { return f.method }

// Parameters returns the parameters in insertion order.
func (f *FunctionInvocation) Parameters() []Parameter { return f.params }

func (f *FunctionInvocation) snapshot() (*FunctionInvocation, error) {
	if err := checkToken("function name", f.name); err != nil {
		return nil, err
	}
	for _, p := range f.params {
		if err := checkToken("parameter name", p.Name); err != nil {
			return nil, err
		}
	}
	c := *f
	c.params = slices.Clone(f.params)
	c.header = f.header.Clone()
	return &c, nil
}

func (f *FunctionInvocation) target() string {
	if len(f.params) == 0 {
		return f.name
	}
	pairs := make([]string, len(f.params))
	for i, p := range f.params {
		pairs[i] = p.Name + "=" + FormatLiteral(p.Value)
	}
	return f.name + "?" + strings.Join(pairs, "&")
}

// ChangeKind tags the variant held by a ChangeOperation.
type ChangeKind int

const (
	ChangeCreate ChangeKind = iota + 1
	ChangeUpdate
	ChangeDelete
	ChangeFunction
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "create"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	case ChangeFunction:
		return "function"
	}
	return "unknown"
}

// UpdateStrategy selects the HTTP method used for updates.
type UpdateStrategy string

const (
	ReplaceWithPut    UpdateStrategy = http.MethodPut
	ModifyWithMerge   UpdateStrategy = "MERGE"
	ModifyWithPatch   UpdateStrategy = http.MethodPatch
	defaultUpdateMode                = ReplaceWithPut
)

// ChangeOperation is one member of a changeset. Construct it with Create,
// Update, Delete or Invoke.
type ChangeOperation struct {
	kind      ChangeKind
	entitySet string
	key       Key
	entity    any
	strategy  UpdateStrategy
	etag      string
	function  *FunctionInvocation
	header    http.Header

	// body is the serialized payload, set when the request is built.
	body []byte
}

// Create returns an operation creating entity in entitySet.
func Create(entitySet string, entity any) *ChangeOperation {
	return &ChangeOperation{kind: ChangeCreate, entitySet: entitySet, entity: entity, header: make(http.Header)}
}

// Update returns an operation updating the entity identified by key.
func Update(entitySet string, key Key, entity any) *ChangeOperation {
	return &ChangeOperation{
		kind:      ChangeUpdate,
		entitySet: entitySet,
		key:       key,
		entity:    entity,
		strategy:  defaultUpdateMode,
		header:    make(http.Header),
	}
}

// Delete returns an operation deleting the entity identified by key.
func Delete(entitySet string, key Key) *ChangeOperation {
	return &ChangeOperation{kind: ChangeDelete, entitySet: entitySet, key: key, header: make(http.Header)}
}

// Invoke wraps a function invocation so it can join a changeset.
func Invoke(fn *FunctionInvocation) *ChangeOperation {
	return &ChangeOperation{kind: ChangeFunction, function: fn, header: make(http.Header)}
}

// WithStrategy selects PUT, MERGE or PATCH for an update.
func (c *ChangeOperation) WithStrategy(s UpdateStrategy) *ChangeOperation {
	c.strategy = s
	return c
}

// WithETag sets the version identifier sent as If-Match.
func (c *ChangeOperation) WithETag(etag string) *ChangeOperation {
	c.etag = etag
	return c
}

// WithHeader adds a custom header echoed in the sub-request.
func (c *ChangeOperation) WithHeader(name, value string) *ChangeOperation {
	c.header.Add(name, value)
	return c
}

// Kind returns the variant tag.
func (c *ChangeOperation) Kind() ChangeKind { return c.kind }

// Function returns the wrapped invocation for ChangeFunction operations.
func (c *ChangeOperation) Function() *FunctionInvocation { return c.function }

// method returns the HTTP method for the request line.
func (c *ChangeOperation) method() string {
	switch c.kind {
	case ChangeCreate:
		return http.MethodPost
	case ChangeUpdate:
		if c.strategy == "" {
			return string(defaultUpdateMode)
		}
		return string(c.strategy)
	case ChangeDelete:
		return http.MethodDelete
	case ChangeFunction:
		return c.function.method
	}
	return ""
}

// target returns the request-line path relative to the service root.
func (c *ChangeOperation) target() string {
	switch c.kind {
	case ChangeCreate:
		return c.entitySet
	case ChangeUpdate, ChangeDelete:
		return c.entitySet + c.key.String()
	case ChangeFunction:
		return c.function.target()
	}
	return ""
}

// snapshot validates c and returns a copy with its payload serialized, so
// neither later calls on c nor changes to the entity value reach a built
// request.
func (c *ChangeOperation) snapshot() (*ChangeOperation, error) {
	if err := validateChange(c); err != nil {
		return nil, err
	}
	s := *c
	s.header = c.header.Clone()
	if c.function != nil {
		fn, err := c.function.snapshot()
		if err != nil {
			return nil, err
		}
		s.function = fn
	}
	body, err := marshalPayload(c.payload())
	if err != nil {
		return nil, model.NewInvalidArgumentError(fmt.Sprintf(
			"cannot serialize %s payload for %s: %v", c.kind, c.target(), err))
	}
	s.body = body
	return &s, nil
}

// checkToken rejects values that would break the embedded request line:
// whitespace and control characters must be percent-encoded by the caller.
func checkToken(what, s string) error {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c <= ' ' || c == 0x7f {
			return model.NewInvalidArgumentError(fmt.Sprintf(
				"%s %q contains whitespace or a control character", what, s))
		}
	}
	return nil
}

// payload returns the value serialized as the part body, or nil.
func (c *ChangeOperation) payload() any {
	switch c.kind {
	case ChangeCreate, ChangeUpdate:
		return c.entity
	case ChangeFunction:
		return c.function.body
	}
	return nil
}

// headers merges the operation's and, for functions, the invocation's
// custom headers.
func (c *ChangeOperation) headers() http.Header {
	if c.kind != ChangeFunction || len(c.function.header) == 0 {
		return c.header
	}
	h := c.function.header.Clone()
	for k, vs := range c.header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	return h
}
