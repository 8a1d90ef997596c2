// Package temporal implements engine.Engine on Temporal (https://temporal.io).
// A session is a Temporal workflow: submissions are workflow updates, refresh,
// cancel and close are signals, and history and state are queries. Planning,
// local tool calls and HTTP namespace calls run as activities; namespaces
// registered behind a Temporal Nexus endpoint are called directly from the
// workflow.
//
// # Constructing an Engine
//
//	eng, err := temporal.New(temporal.Options{
//	    ClientOptions: &client.Options{
//	        HostPort:  "localhost:7233",
//	        Namespace: "default",
//	    },
//	    WorkerOptions: temporal.WorkerOptions{
//	        TaskQueue: "agentloop.sessions",
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
// # Failure mapping
//
// Activities report classified failures as Temporal application errors whose
// type is the failure code. Transient failures are retried by Temporal under
// the activity retry policy; permanent and fatal failures are non-retryable.
// The workflow side converts the final outcome back: permanent failures and
// exhausted retries become the step output's Error, fatal failures abort the
// turn.
//
// # Worker vs Client Mode
//
// Processes that register the session workflow run workers for its task
// queues. Processes that only start and talk to sessions (the chat CLI) use
// the same engine without registering anything; no worker is started.
//
// # Namespace Jobs
//
// A namespace served from a Temporal worker runs its handle-based tools
// through NewToolJobs: each job is a workflow whose ID is the poll handle.
//
// # OpenTelemetry Integration
//
// The engine installs the Temporal OpenTelemetry tracing interceptor on the
// client and workers and the OpenTelemetry metrics handler on the client,
// unless disabled through InstrumentationOptions.
package temporal
