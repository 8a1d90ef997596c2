package tools

import "strings"

// Ident is a namespace-qualified tool name of the form "namespace.tool". The
// planner normally sees bare names; qualified names are accepted when a bare
// name is ambiguous across namespaces.
type Ident string

// NewIdent joins namespace and tool.
func NewIdent(namespace, tool string) Ident {
	return Ident(namespace + "." + tool)
}

// String returns the identifier.
func (id Ident) String() string { return string(id) }

// Namespace returns the part before the first dot, or "" for a bare name.
func (id Ident) Namespace() string {
	ns, _, ok := strings.Cut(string(id), ".")
	if !ok {
		return ""
	}
	return ns
}

// Tool returns the part after the first dot, or the whole value for a bare
// name.
func (id Ident) Tool() string {
	_, tool, ok := strings.Cut(string(id), ".")
	if !ok {
		return string(id)
	}
	return tool
}
