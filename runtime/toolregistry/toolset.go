package toolregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/invopop/jsonschema"

	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/agent/tools"
)

type (
	// Toolset is a set of tools implemented in process. The orchestrator
	// serves the local namespace from a Toolset; namespace providers serve a
	// remote namespace from one.
	Toolset struct {
		mu    sync.RWMutex
		order []string
		tools map[string]entry
	}

	// Func executes a tool with raw JSON arguments.
	Func func(ctx context.Context, args json.RawMessage) (string, error)

	// Option customizes a registered tool.
	Option func(*entry)

	entry struct {
		def  tools.Definition
		mode tools.Mode
		fn   Func
	}
)

// NewToolset returns an empty toolset.
func NewToolset() *Toolset {
	return &Toolset{tools: make(map[string]entry)}
}

// WithMode sets the invocation mode advertised for the tool.
func WithMode(m tools.Mode) Option {
	return func(e *entry) { e.mode = m }
}

// WithSchema overrides the argument schema.
func WithSchema(schema json.RawMessage) Option {
	return func(e *entry) { e.def.Schema = schema }
}

// Register adds a typed tool. The argument schema is reflected from A, so
// fields without omitempty are required. Arguments that do not decode into A
// fail with InvalidArguments.
func Register[A any](ts *Toolset, name, description string, fn func(ctx context.Context, args A) (string, error), opts ...Option) error {
	schema, err := reflectSchema[A]()
	if err != nil {
		return fmt.Errorf("schema of tool %q: %w", name, err)
	}
	raw := func(ctx context.Context, args json.RawMessage) (string, error) {
		var a A
		if len(bytes.TrimSpace(args)) == 0 {
			args = json.RawMessage(`{}`)
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return "", toolerrors.Errorf(toolerrors.CodeInvalidArguments, toolerrors.KindPermanent,
				"arguments for %q: %v", name, err)
		}
		return fn(ctx, a)
	}
	return ts.RegisterFunc(name, description, raw, append([]Option{WithSchema(schema)}, opts...)...)
}

// RegisterFunc adds an untyped tool.
func (ts *Toolset) RegisterFunc(name, description string, fn Func, opts ...Option) error {
	if fn == nil {
		return fmt.Errorf("tool %q has no implementation", name)
	}
	e := entry{
		def: tools.Definition{Name: name, Description: description},
		fn:  fn,
	}
	for _, o := range opts {
		o(&e)
	}
	if err := CheckDefinition(e.def); err != nil {
		return err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, dup := ts.tools[name]; dup {
		return fmt.Errorf("tool %q already registered", name)
	}
	ts.order = append(ts.order, name)
	ts.tools[name] = e
	return nil
}

// Definitions lists the tools in registration order, tagged as local tools
// of the local namespace.
func (ts *Toolset) Definitions() []tools.Definition {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]tools.Definition, 0, len(ts.order))
	for _, name := range ts.order {
		d := ts.tools[name].def
		d.Namespace = tools.LocalNamespace
		d.Locality = tools.LocalityLocal
		out = append(out, d)
	}
	return out
}

// Descriptors lists the tools in their wire form.
func (ts *Toolset) Descriptors() []ToolDescriptor {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(ts.order))
	for _, name := range ts.order {
		e := ts.tools[name]
		out = append(out, ToolDescriptor{
			Name:        e.def.Name,
			Description: e.def.Description,
			Parameters:  e.def.Schema,
			Mode:        string(e.mode),
		})
	}
	return out
}

// Execute runs the named tool. Unknown tools fail with ToolNotFound.
func (ts *Toolset) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	ts.mu.RLock()
	e, ok := ts.tools[name]
	ts.mu.RUnlock()
	if !ok {
		return "", toolerrors.Errorf(toolerrors.CodeToolNotFound, toolerrors.KindPermanent, "tool %q is not available", name)
	}
	return e.fn(ctx, args)
}

func reflectSchema[A any]() (json.RawMessage, error) {
	// Expanding an unnamed struct panics in the reflector; unnamed types are
	// inlined at the root anyway.
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: reflect.TypeFor[A]().Name() != "",
	}
	var zero A
	sch := r.Reflect(&zero)
	// Compiled schemas are addressed by tool identity.
	sch.Version = ""
	sch.ID = ""
	return json.Marshal(sch)
}
