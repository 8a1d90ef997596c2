package toolregistry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/agent/tools"
)

type (
	// Catalog is the registry's live view of every namespace's tools. It is
	// owned by one session workflow; namespaces are replaced one at a time by
	// discovery results. Catalog is plain data and is not safe for concurrent
	// use.
	Catalog struct {
		order []string
		tools map[string][]tools.Definition
	}

	// Snapshot is the immutable tool inventory used by every dispatch of one
	// turn. Names are unique within a snapshot.
	Snapshot struct {
		defs    []tools.Definition
		byName  map[string]int
		byIdent map[tools.Ident]int
		schemas map[string]*jsonschema.Schema
		// Conflicts lists tools shadowed by an earlier namespace, as
		// "namespace.tool".
		Conflicts []tools.Ident
	}
)

// NewCatalog returns a catalog whose namespace priority follows order. The
// local namespace always comes first.
func NewCatalog(order []string) *Catalog {
	o := []string{tools.LocalNamespace}
	for _, ns := range order {
		if ns != tools.LocalNamespace && !slices.Contains(o, ns) {
			o = append(o, ns)
		}
	}
	return &Catalog{order: o, tools: make(map[string][]tools.Definition)}
}

// Replace installs the tools discovered for namespace. Unknown namespaces are
// appended to the priority order.
func (c *Catalog) Replace(namespace string, defs []tools.Definition) {
	if !slices.Contains(c.order, namespace) {
		c.order = append(c.order, namespace)
	}
	owned := make([]tools.Definition, len(defs))
	for i, d := range defs {
		d.Namespace = namespace
		owned[i] = d
	}
	c.tools[namespace] = owned
}

// Namespaces returns the namespaces in priority order.
func (c *Catalog) Namespaces() []string { return slices.Clone(c.order) }

// Has reports whether namespace has ever been discovered successfully.
func (c *Catalog) Has(namespace string) bool {
	_, ok := c.tools[namespace]
	return ok
}

// Snapshot builds the turn snapshot. The first namespace in priority order
// wins a name conflict; shadowed tools stay reachable by their qualified
// "namespace.tool" identifier.
func (c *Catalog) Snapshot() (*Snapshot, error) {
	s := &Snapshot{
		byName:  make(map[string]int),
		byIdent: make(map[tools.Ident]int),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, ns := range c.order {
		for _, d := range c.tools[ns] {
			idx := len(s.defs)
			ident := tools.NewIdent(ns, d.Name)
			if _, dup := s.byIdent[ident]; dup {
				continue
			}
			sch, err := compileSchema(ident, d.Schema)
			if err != nil {
				return nil, err
			}
			s.defs = append(s.defs, d)
			s.byIdent[ident] = idx
			s.schemas[ident.String()] = sch
			if _, taken := s.byName[d.Name]; taken {
				s.Conflicts = append(s.Conflicts, ident)
				continue
			}
			s.byName[d.Name] = idx
		}
	}
	return s, nil
}

// Summaries lists the planner-facing view of the snapshot: one entry per
// unique name followed by the qualified names of shadowed tools.
func (s *Snapshot) Summaries() []tools.Summary {
	out := make([]tools.Summary, 0, len(s.defs))
	for _, d := range s.defs {
		if s.defs[s.byName[d.Name]].Namespace == d.Namespace {
			out = append(out, d.Summary())
		}
	}
	for _, ident := range s.Conflicts {
		sum := s.defs[s.byIdent[ident]].Summary()
		sum.Name = ident.String()
		out = append(out, sum)
	}
	return out
}

// Len returns the number of reachable tools.
func (s *Snapshot) Len() int { return len(s.defs) }

// Lookup resolves name, which is either a bare tool name or a qualified
// "namespace.tool" identifier.
func (s *Snapshot) Lookup(name string) (tools.Definition, bool) {
	if i, ok := s.byName[name]; ok {
		return s.defs[i], true
	}
	if strings.Contains(name, ".") {
		if i, ok := s.byIdent[tools.Ident(name)]; ok {
			return s.defs[i], true
		}
	}
	return tools.Definition{}, false
}

// Resolve performs the lookup and argument validation steps of a dispatch.
// It returns ToolNotFound or InvalidArguments, both permanent.
func (s *Snapshot) Resolve(name string, args json.RawMessage) (tools.Definition, *toolerrors.ToolError) {
	def, ok := s.Lookup(name)
	if !ok {
		return def, toolerrors.Errorf(toolerrors.CodeToolNotFound, toolerrors.KindPermanent,
			"tool %q is not available", name)
	}
	sch := s.schemas[tools.NewIdent(def.Namespace, def.Name).String()]
	if sch == nil {
		return def, nil
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return def, toolerrors.Errorf(toolerrors.CodeInvalidArguments, toolerrors.KindPermanent,
			"arguments for %q are not valid JSON: %v", name, err)
	}
	if err := sch.Validate(doc); err != nil {
		return def, toolerrors.Errorf(toolerrors.CodeInvalidArguments, toolerrors.KindPermanent,
			"arguments for %q do not match its schema: %v", name, err)
	}
	return def, nil
}

func compileSchema(ident tools.Ident, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema of %s: %w", ident, err)
	}
	url := "mem://tools/" + ident.String() + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("schema of %s: %w", ident, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema of %s: %w", ident, err)
	}
	return sch, nil
}

// CheckDefinition reports whether d can enter a snapshot: it needs a name
// and, when present, a compilable schema.
func CheckDefinition(d tools.Definition) error {
	if d.Name == "" {
		return fmt.Errorf("tool in namespace %q has no name", d.Namespace)
	}
	if strings.Contains(d.Name, ".") {
		return fmt.Errorf("tool name %q must not contain a dot", d.Name)
	}
	_, err := compileSchema(tools.NewIdent(d.Namespace, d.Name), d.Schema)
	return err
}
