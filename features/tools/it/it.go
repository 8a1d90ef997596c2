// Package it provides the tools of the IT namespace: project metrics from
// the issue tracker and the host IP address. Both are served synchronously.
package it

import (
	"context"
	"fmt"
	"strings"

	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/toolregistry"
)

// Namespace is the conventional namespace name.
const Namespace = "IT"

type (
	// JiraMetricsArgs are the jira_metrics arguments.
	JiraMetricsArgs struct {
		Project string `json:"project" jsonschema_description:"Issue tracker project key, for example PROJ-123"`
	}

	// GetIPArgs are the get_ip arguments. The tool takes none.
	GetIPArgs struct{}
)

// NewToolset returns the IT toolset.
func NewToolset() (*toolregistry.Toolset, error) {
	ts := toolregistry.NewToolset()
	if err := toolregistry.Register(ts, "jira_metrics", "Get issue tracker metrics for a project.", JiraMetrics); err != nil {
		return nil, err
	}
	if err := toolregistry.Register(ts, "get_ip", "Get the current IP address.", GetIP); err != nil {
		return nil, err
	}
	return ts, nil
}

// JiraMetrics returns the project's issue counts.
func JiraMetrics(_ context.Context, a JiraMetricsArgs) (string, error) {
	project := strings.TrimSpace(a.Project)
	if project == "" {
		return "", toolerrors.New(toolerrors.CodeInvalidArguments, toolerrors.KindPermanent, "project is required")
	}
	return fmt.Sprintf("JIRA metrics for %s: 23 open issues, 45 closed, 68 total", project), nil
}

// GetIP returns the host address.
func GetIP(context.Context, GetIPArgs) (string, error) {
	return "Current IP address: 192.168.1.100", nil
}
