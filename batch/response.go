package batch

import (
	"fmt"
	"net/http"

	"github.com/pitabwire/odatabatch/model"
)

// Outcome is the result of one changeset: one Result per change operation
// in the order they were added, or the error that failed the changeset.
type Outcome struct {
	ops     []*ChangeOperation
	results []*Result
	err     error
}

// IsSuccess reports whether the changeset was committed.
func (o Outcome) IsSuccess() bool { return o.err == nil }

// Err returns the failure, or nil.
func (o Outcome) Err() error { return o.err }

// Results returns one Result per change operation.
func (o Outcome) Results() []*Result { return o.results }

// CreatedEntities returns the results of the create operations that
// returned an entity body.
func (o Outcome) CreatedEntities() []*Result {
	var created []*Result
	for i, res := range o.results {
		if i < len(o.ops) && o.ops[i].kind == ChangeCreate && len(res.Body) > 0 {
			created = append(created, res)
		}
	}
	return created
}

// Item is the outcome of one top-level item, in request order.
type Item struct {
	Kind    string
	Target  string
	Result  *Result
	Outcome Outcome
	Err     error
}

type lookupEntry struct {
	op    any
	index int
}

type changeEntry struct {
	op    *ChangeOperation
	index int
	pos   int
}

// Response is the correlated result of an executed batch. It holds fully
// read bodies and is safe for concurrent reads.
type Response struct {
	StatusCode int
	Header     http.Header

	items      []Item
	lookups    []lookupEntry
	changes    []changeEntry
	changesets []int
}

// Len returns the number of top-level items.
func (r *Response) Len() int { return len(r.items) }

// ChangeSetCount returns the number of changesets.
func (r *Response) ChangeSetCount() int { return len(r.changesets) }

// Items returns every top-level outcome in request order.
func (r *Response) Items() []Item {
	out := make([]Item, len(r.items))
	copy(out, r.items)
	return out
}

// Get returns the outcome of the i-th changeset, counting only changesets
// in the order they were added. An out-of-range index yields a failed
// outcome with an INVALID_ARGUMENT error.
func (r *Response) Get(i int) Outcome {
	if i < 0 || i >= len(r.changesets) {
		return Outcome{err: model.NewInvalidArgumentError(fmt.Sprintf(
			"changeset index %d out of range: batch has %d changesets", i, len(r.changesets)))}
	}
	return r.items[r.changesets[i]].Outcome
}

// ReadResult returns the result of a read operation passed to the builder.
func (r *Response) ReadResult(op *ReadOperation) (*Result, error) {
	return r.lookup(op, "read operation")
}

// FunctionResult returns the result of a standalone function invocation.
func (r *Response) FunctionResult(fn *FunctionInvocation) (*Result, error) {
	return r.lookup(fn, "function invocation")
}

func (r *Response) lookup(op any, what string) (*Result, error) {
	for _, e := range r.lookups {
		if e.op != op {
			continue
		}
		it := r.items[e.index]
		if it.Err != nil {
			return nil, it.Err
		}
		return it.Result, nil
	}
	return nil, model.NewInvalidArgumentError(what + " is not part of this batch")
}

// ChangeResult returns the result of one change operation.
func (r *Response) ChangeResult(op *ChangeOperation) (*Result, error) {
	for _, e := range r.changes {
		if e.op != op {
			continue
		}
		outcome := r.items[e.index].Outcome
		if outcome.err != nil {
			return nil, outcome.err
		}
		return outcome.results[e.pos], nil
	}
	return nil, model.NewInvalidArgumentError("change operation is not part of this batch")
}

// correlate binds parsed parts to request items by position. It returns the
// number of parts beyond the last item.
func correlate(req *Request, parts []parsedPart) (*Response, int) {
	resp := &Response{items: make([]Item, len(req.items))}

	for i, it := range req.items {
		var p parsedPart
		if i < len(parts) {
			p = parts[i]
		} else {
			p.err = model.NewMalformedPartError(fmt.Sprintf("no response part for item %d", i), nil)
		}

		switch it.kind {
		case itemRead, itemFunction:
			item := Item{Kind: it.kind.String(), Target: itemTarget(it)}
			switch {
			case p.err != nil:
				item.Err = p.err
			case p.result == nil:
				item.Err = model.NewMalformedPartError(fmt.Sprintf("item %d expected a single response, got a changeset", i), nil)
			case !p.result.IsSuccess():
				item.Result = p.result
				item.Err = serviceError(p.result.StatusCode, p.result.Body)
			default:
				item.Result = p.result
			}
			resp.items[i] = item
			resp.lookups = append(resp.lookups, lookupEntry{op: it.key, index: i})

		case itemChangeSet:
			outcome := changeSetOutcome(i, it.changeset, p)
			resp.items[i] = Item{Kind: it.kind.String(), Target: itemTarget(it), Outcome: outcome, Err: outcome.err}
			resp.changesets = append(resp.changesets, i)
			for pos, op := range it.changeKeys {
				resp.changes = append(resp.changes, changeEntry{op: op, index: i, pos: pos})
			}
		}
	}

	extra := 0
	if len(parts) > len(req.items) {
		extra = len(parts) - len(req.items)
	}
	return resp, extra
}

func changeSetOutcome(i int, ops []*ChangeOperation, p parsedPart) Outcome {
	o := Outcome{ops: ops}
	switch {
	case p.err != nil:
		o.err = p.err
	case p.result != nil:
		// A rejected changeset is answered with one plain error part.
		if !p.result.IsSuccess() {
			o.err = serviceError(p.result.StatusCode, p.result.Body)
		} else {
			o.err = model.NewMalformedPartError(fmt.Sprintf(
				"changeset %d answered with a single part of status %d", i, p.result.StatusCode), nil)
		}
	default:
		for _, res := range p.nested {
			if !res.IsSuccess() {
				o.err = serviceError(res.StatusCode, res.Body)
				return o
			}
		}
		if len(p.nested) != len(ops) {
			o.err = model.NewMalformedPartError(fmt.Sprintf(
				"changeset %d has %d results for %d operations", i, len(p.nested), len(ops)), nil)
			return o
		}
		o.results = p.nested
	}
	return o
}

func itemTarget(it item) string {
	switch it.kind {
	case itemRead:
		return withQuery(it.read.path, it.read.query)
	case itemFunction:
		return it.function.target()
	}
	return fmt.Sprintf("changeset(%d)", len(it.changeset))
}
