// Package toolregistry holds the catalog of named tools and the runner that
// executes them under timeout, retry and cancellation governance.
package toolregistry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	errs "runcore/internal/errors"
)

// Registry is a catalog of tool specs keyed by name. Specs are immutable once
// registered; the registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
}

type entry struct {
	spec   Spec
	schema *jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds spec. A second registration under the same name fails with
// errs.ErrDuplicateTool. A non-empty InputSchema must compile.
func (r *Registry) Register(spec Spec) error {
	spec, err := spec.normalized()
	if err != nil {
		return &errs.ValidationError{Field: "spec", Err: err}
	}

	var schema *jsonschema.Schema
	if len(spec.InputSchema) > 0 {
		schema, err = compileSchema(spec.Name, spec.InputSchema)
		if err != nil {
			return &errs.ValidationError{Field: "input_schema", Reason: spec.Name, Err: err}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("%w: %s", errs.ErrDuplicateTool, spec.Name)
	}
	r.tools[spec.Name] = &entry{spec: spec, schema: schema}
	return nil
}

// MustRegister registers every spec and panics on the first failure. It is
// meant for process setup with a fixed tool set.
func (r *Registry) MustRegister(specs ...Spec) {
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}
}

// Get returns the spec registered under name.
func (r *Registry) Get(name string) (Spec, error) {
	e, err := r.lookup(name)
	if err != nil {
		return Spec{}, err
	}
	return e.spec, nil
}

// List returns every spec ordered by name.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	specs := make([]Spec, 0, len(r.tools))
	for _, e := range r.tools {
		specs = append(specs, e.spec)
	}
	r.mu.RUnlock()

	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ValidateArgs checks args against the tool's compiled input schema. Tools
// without a schema accept any arguments.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	if e.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := e.schema.Validate(normalizeForSchema(args)); err != nil {
		return &errs.ValidationError{Field: "args", Reason: name, Err: err}
	}
	return nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrToolNotFound, name)
	}
	return e, nil
}

func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	url := "mem://tools/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, normalizeForSchema(doc)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
