// Package tools describes the tools an agent may call: their names, argument
// schemas and where they run. Definitions are plain data so they can be
// recorded in workflow history and replayed.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
)

type (
	// Locality tells the dispatcher whether a tool runs in-process or behind a
	// remote namespace.
	Locality string

	// Transport names how a remote namespace is reached.
	Transport string

	// Mode selects synchronous or handle-based invocation of a remote tool.
	Mode string

	// Definition is a single entry of a discovery snapshot.
	Definition struct {
		// Name is unique within a snapshot.
		Name string `json:"name"`
		// Description is shown to the planner.
		Description string `json:"description"`
		// Schema is the JSON schema of the argument object.
		Schema json.RawMessage `json:"schema,omitempty"`
		// Namespace is the namespace that published the tool.
		Namespace string `json:"namespace"`
		// Locality is local or remote.
		Locality Locality `json:"locality"`
		// Endpoint addresses the remote namespace. Nil for local tools.
		Endpoint *EndpointReference `json:"endpoint,omitempty"`
	}

	// EndpointReference identifies an independently owned namespace service.
	// It changes only when a refresh is requested for the namespace.
	EndpointReference struct {
		// Namespace is the logical namespace name (for example "IT").
		Namespace string `json:"namespace" yaml:"namespace"`
		// Transport is TransportHTTP or TransportTemporal.
		Transport Transport `json:"transport" yaml:"transport"`
		// URL is the Nexus HTTP base URL when Transport is TransportHTTP.
		URL string `json:"url,omitempty" yaml:"url,omitempty"`
		// Endpoint is the Temporal Nexus endpoint name when Transport is
		// TransportTemporal.
		Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
		// Service is the Nexus service name exposed by the namespace.
		Service string `json:"service" yaml:"service"`
		// Mode is the default invocation mode for the namespace's tools.
		Mode Mode `json:"mode,omitempty" yaml:"mode,omitempty"`
	}

	// Summary is the planner-facing view of a Definition.
	Summary struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Schema      json.RawMessage `json:"schema,omitempty"`
	}
)

const (
	LocalityLocal  Locality = "local"
	LocalityRemote Locality = "remote"
)

const (
	// TransportHTTP reaches the namespace through the Nexus HTTP protocol.
	TransportHTTP Transport = "http"
	// TransportTemporal reaches the namespace through a Temporal Nexus
	// endpoint scheduled from the workflow.
	TransportTemporal Transport = "temporal"
)

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// LocalNamespace is the reserved name of the in-process namespace.
const LocalNamespace = "local"

// Summary returns the planner-facing view of d.
func (d Definition) Summary() Summary {
	return Summary{Name: d.Name, Description: d.Description, Schema: d.Schema}
}

// Validate checks the reference is complete for its transport.
func (e EndpointReference) Validate() error {
	if e.Namespace == "" {
		return errors.New("endpoint namespace is required")
	}
	if e.Namespace == LocalNamespace {
		return fmt.Errorf("namespace name %q is reserved", LocalNamespace)
	}
	if e.Service == "" {
		return fmt.Errorf("endpoint %s: service is required", e.Namespace)
	}
	switch e.Transport {
	case TransportHTTP:
		if e.URL == "" {
			return fmt.Errorf("endpoint %s: url is required for http transport", e.Namespace)
		}
	case TransportTemporal:
		if e.Endpoint == "" {
			return fmt.Errorf("endpoint %s: endpoint name is required for temporal transport", e.Namespace)
		}
	default:
		return fmt.Errorf("endpoint %s: unknown transport %q", e.Namespace, e.Transport)
	}
	switch e.Mode {
	case "", ModeSync, ModeAsync:
	default:
		return fmt.Errorf("endpoint %s: unknown mode %q", e.Namespace, e.Mode)
	}
	return nil
}

// InvocationMode returns the configured mode, defaulting to ModeSync.
func (e EndpointReference) InvocationMode() Mode {
	if e.Mode == "" {
		return ModeSync
	}
	return e.Mode
}
