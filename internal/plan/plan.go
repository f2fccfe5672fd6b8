// Package plan reads declarative batch plans from YAML or JSON and turns them
// into batch requests. Key properties and function parameters keep the order
// they have in the document.
package plan

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/odatabatch/batch"
	"github.com/pitabwire/odatabatch/model"
)

// Plan is the top-level document.
type Plan struct {
	// Destination names a configured destination; the CLI flag wins over it.
	Destination string            `yaml:"destination" json:"destination"`
	Service     string            `yaml:"service" json:"service"`
	CSRF        *bool             `yaml:"csrf" json:"csrf"`
	Headers     map[string]string `yaml:"headers" json:"headers"`
	Items       []Item            `yaml:"items" json:"items"`
}

// Item is one top-level entry: exactly one of Read, Function or ChangeSet.
type Item struct {
	Read       string            `yaml:"read" json:"read"`
	Key        Pairs             `yaml:"key" json:"key"`
	Query      string            `yaml:"query" json:"query"`
	Function   string            `yaml:"function" json:"function"`
	Method     string            `yaml:"method" json:"method"`
	Parameters Pairs             `yaml:"parameters" json:"parameters"`
	Headers    map[string]string `yaml:"headers" json:"headers"`
	ChangeSet  []Change          `yaml:"changeset" json:"changeset"`
}

// Change is one changeset member: exactly one of Create, Update, Delete or
// Function.
type Change struct {
	Create     string            `yaml:"create" json:"create"`
	Update     string            `yaml:"update" json:"update"`
	Delete     string            `yaml:"delete" json:"delete"`
	Function   string            `yaml:"function" json:"function"`
	Method     string            `yaml:"method" json:"method"`
	Key        Pairs             `yaml:"key" json:"key"`
	Strategy   string            `yaml:"strategy" json:"strategy"`
	ETag       string            `yaml:"etag" json:"etag"`
	Parameters Pairs             `yaml:"parameters" json:"parameters"`
	Body       any               `yaml:"body" json:"body"`
	Headers    map[string]string `yaml:"headers" json:"headers"`
}

// Pair is one named value. An unnamed pair is a single-value key.
type Pair struct {
	Name  string
	Value any
}

// Pairs is an ordered mapping. A scalar decodes to one unnamed pair.
type Pairs []Pair

// UnmarshalYAML keeps document order, which a Go map would lose.
func (p *Pairs) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v any
		if err := node.Decode(&v); err != nil {
			return err
		}
		*p = Pairs{{Value: v}}
		return nil
	case yaml.MappingNode:
		out := make(Pairs, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var v any
			if err := node.Content[i+1].Decode(&v); err != nil {
				return fmt.Errorf("line %d: %w", node.Content[i+1].Line, err)
			}
			out = append(out, Pair{Name: node.Content[i].Value, Value: v})
		}
		*p = out
		return nil
	}
	return fmt.Errorf("line %d: expected a scalar or a mapping", node.Line)
}

// Key converts the pairs to a batch key.
func (p Pairs) Key() batch.Key {
	if len(p) == 1 && p[0].Name == "" {
		return batch.SingleKey(p[0].Value)
	}
	var k batch.Key
	for i, pair := range p {
		if i == 0 {
			k = batch.NamedKey(pair.Name, pair.Value)
			continue
		}
		k = k.And(pair.Name, pair.Value)
	}
	return k
}

// Load reads and parses a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("plan: %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a YAML or JSON plan and validates it.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, model.NewInvalidArgumentError(fmt.Sprintf("parse plan: %v", err))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the plan shape. All problems are reported at once.
func (p *Plan) Validate() error {
	var errs []string
	if strings.TrimSpace(p.Service) == "" {
		errs = append(errs, "service is required")
	}
	for i, it := range p.Items {
		set := 0
		for _, s := range []bool{it.Read != "", it.Function != "", it.ChangeSet != nil} {
			if s {
				set++
			}
		}
		if set != 1 {
			errs = append(errs, fmt.Sprintf("items[%d]: exactly one of read, function or changeset is required", i))
			continue
		}
		if it.ChangeSet != nil && len(it.ChangeSet) == 0 {
			errs = append(errs, fmt.Sprintf("items[%d]: changeset must not be empty", i))
		}
		for j, c := range it.ChangeSet {
			if err := c.validate(); err != nil {
				errs = append(errs, fmt.Sprintf("items[%d].changeset[%d]: %v", i, j, err))
			}
		}
	}
	if len(errs) > 0 {
		return model.NewInvalidArgumentError("invalid plan: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c Change) validate() error {
	set := 0
	for _, s := range []string{c.Create, c.Update, c.Delete, c.Function} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return errors.New("exactly one of create, update, delete or function is required")
	}
	if (c.Update != "" || c.Delete != "") && len(c.Key) == 0 {
		return errors.New("key is required")
	}
	return nil
}

// Builder replays the plan onto a batch builder. Illegal combinations, such
// as a GET function inside a changeset, surface from Build.
func (p *Plan) Builder() *batch.Builder {
	b := batch.NewBuilder(p.Service)
	if p.CSRF != nil && !*p.CSRF {
		b.WithoutCsrfToken()
	}
	for _, name := range sortedKeys(p.Headers) {
		b.WithHeader(name, p.Headers[name])
	}

	for _, it := range p.Items {
		switch {
		case it.Read != "":
			read := batch.NewRead(it.Read)
			if len(it.Key) > 0 {
				read = batch.ReadByKey(it.Read, it.Key.Key())
			}
			read.WithQuery(it.Query)
			for _, name := range sortedKeys(it.Headers) {
				read.WithHeader(name, it.Headers[name])
			}
			b.AddRead(read)
		case it.Function != "":
			b.AddFunction(function(it.Function, it.Method, http.MethodGet, it.Parameters, nil, it.Headers))
		default:
			cs := b.BeginChangeSet()
			for _, c := range it.ChangeSet {
				cs.Add(c.operation())
			}
			cs.EndChangeSet()
		}
	}
	return b
}

// Request builds the plan into an immutable batch request.
func (p *Plan) Request() (*batch.Request, error) {
	return p.Builder().Build()
}

func (c Change) operation() *batch.ChangeOperation {
	var op *batch.ChangeOperation
	switch {
	case c.Create != "":
		op = batch.Create(c.Create, c.Body)
	case c.Update != "":
		op = batch.Update(c.Update, c.Key.Key(), c.Body)
		if c.Strategy != "" {
			op.WithStrategy(batch.UpdateStrategy(strings.ToUpper(c.Strategy)))
		}
	case c.Delete != "":
		op = batch.Delete(c.Delete, c.Key.Key())
	default:
		op = batch.Invoke(function(c.Function, c.Method, http.MethodPost, c.Parameters, c.Body, nil))
	}
	if c.ETag != "" {
		op.WithETag(c.ETag)
	}
	for _, name := range sortedKeys(c.Headers) {
		op.WithHeader(name, c.Headers[name])
	}
	return op
}

func function(name, method, defaultMethod string, params Pairs, body any, headers map[string]string) *batch.FunctionInvocation {
	if method == "" {
		method = defaultMethod
	}
	fn := batch.NewFunction(name, method)
	for _, p := range params {
		fn.WithParameter(p.Name, p.Value)
	}
	if body != nil {
		fn.WithBody(body)
	}
	for _, h := range sortedKeys(headers) {
		fn.WithHeader(h, headers[h])
	}
	return fn
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
