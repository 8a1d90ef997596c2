// Command agentloop runs durable agent sessions.
//
// # Commands
//
//	agentloop orchestrator              run the session workflow worker (temporal engine)
//	agentloop namespace IT|Finance      serve a tool namespace over Nexus
//	agentloop chat [--session ID]       chat with a session from the terminal
//	agentloop refresh SESSION NAMESPACE ask a session to rediscover a namespace
//	agentloop close SESSION             end a session and print its transcript
//
// # Configuration
//
// Settings are read from the file given with --config, or ./agentloop.yaml
// when present. Scalar settings are overridden by AGENTLOOP_* environment
// variables, for example:
//
//	AGENTLOOP_ENGINE=temporal
//	AGENTLOOP_TEMPORAL_HOST_PORT=temporal:7233
//	AGENTLOOP_PLANNER_KIND=mock
//
// # Example
//
// Local chat with the in-memory engine and the mock planner:
//
//	AGENTLOOP_PLANNER_KIND=mock go run ./cmd/agentloop chat
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
