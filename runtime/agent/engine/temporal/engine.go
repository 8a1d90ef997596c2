package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-rpc/sdk-go/nexus"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/engine"
	"goa.design/agentloop/runtime/agent/telemetry"
)

// Options configures the Temporal engine. Either Client or ClientOptions must
// be provided.
type Options struct {
	// Client is an optional pre-configured Temporal client. When nil the
	// engine creates a lazy client from ClientOptions with the
	// instrumentation interceptors installed.
	Client client.Client

	// ClientOptions describe how to construct the client when Client is nil.
	// A nil Logger is replaced by an adapter over Telemetry.Logger.
	ClientOptions *client.Options

	// WorkerOptions configures the workers. TaskQueue is required.
	WorkerOptions WorkerOptions

	// Instrumentation toggles the OpenTelemetry interceptors.
	Instrumentation InstrumentationOptions

	// DisableWorkerAutoStart keeps workers stopped until Worker().Start() is
	// called. By default workers start on the first StartWorkflow.
	DisableWorkerAutoStart bool

	// Telemetry carries the engine logger, metrics and tracer.
	Telemetry telemetry.Bundle

	// LogContext is passed to Telemetry.Logger for SDK log lines. Defaults
	// to context.Background().
	LogContext context.Context

	// PollInterval is the first delay between polls of a handle-based Nexus
	// tool. It doubles up to MaxPollInterval. Defaults: 1s and 10s.
	PollInterval    time.Duration
	MaxPollInterval time.Duration

	// AsyncTimeout bounds how long a handle-based Nexus tool may run.
	// Default: 30 minutes.
	AsyncTimeout time.Duration

	// HeartbeatInterval is how often running activities heartbeat so a
	// turn cancel reaches them. Default: 5s.
	HeartbeatInterval time.Duration
}

// WorkerOptions configures the workers, one per task queue.
type WorkerOptions struct {
	// TaskQueue is the default queue of workflows and activities.
	TaskQueue string

	// Options are passed to worker.New.
	Options worker.Options
}

// InstrumentationOptions configures the OpenTelemetry interceptors.
type InstrumentationOptions struct {
	// DisableTracing skips the tracing interceptor.
	DisableTracing bool
	// DisableMetrics skips the metrics handler.
	DisableMetrics bool
	// TracerOptions customize the tracing interceptor.
	TracerOptions temporalotel.TracerOptions
	// MetricsOptions customize the metrics handler.
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Registry is the registration surface shared by Temporal workers and the
// SDK test environment.
type Registry interface {
	RegisterWorkflowWithOptions(w any, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a any, options activity.RegisterOptions)
}

// Engine implements engine.Engine on Temporal. All methods are safe for
// concurrent use.
//
// Lifecycle: construct with New, register the workflow and activities, then
// let the first StartWorkflow start the workers (or call Worker().Start()).
// Close stops the workers and closes the client the engine created.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	pollInterval    time.Duration
	maxPollInterval time.Duration
	asyncTimeout    time.Duration
	heartbeat       time.Duration

	mu             sync.Mutex
	workers        map[string]*workerBundle
	workersStarted bool
	workflows      map[string]engine.WorkflowDefinition
	workflowFuncs  map[string]any
	activities     map[string]registeredActivity
	nexusServices  []*nexus.Service
}

type registeredActivity struct {
	fn   any
	opts engine.ActivityOptions
}

// New constructs a Temporal engine.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, errors.New("temporal engine: worker options must include a default task queue")
	}
	tel := opts.Telemetry.WithDefaults()

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		if clientOpts.Logger == nil {
			clientOpts.Logger = NewLogger(opts.LogContext, tel.Logger)
		}
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	e := &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            tel.Logger,
		metrics:           tel.Metrics,
		tracer:            tel.Tracer,
		pollInterval:      orDefault(opts.PollInterval, time.Second),
		maxPollInterval:   orDefault(opts.MaxPollInterval, 10*time.Second),
		asyncTimeout:      orDefault(opts.AsyncTimeout, 30*time.Minute),
		heartbeat:         orDefault(opts.HeartbeatInterval, 5*time.Second),
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
		workflowFuncs:     make(map[string]any),
		activities:        make(map[string]registeredActivity),
	}
	return e, nil
}

// RegisterWorkflow records the workflow definition. Its worker is created
// when workers start.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("temporal engine: workflow name and handler are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	if e.workersStarted {
		b := e.workerForQueue(e.queueOf(def.TaskQueue))
		b.worker.RegisterWorkflowWithOptions(e.workflowFunc(def), workflow.RegisterOptions{Name: def.Name})
	}
	return nil
}

// RegisterPlannerActivity registers a planning activity.
func (e *Engine) RegisterPlannerActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.PlannerFunc) error {
	if fn == nil {
		return errors.New("temporal engine: planner activity function is required")
	}
	return e.registerActivity(name, opts, func(ctx context.Context, in *api.PlanInput) (*api.PlanOutput, error) {
		stop := e.keepAlive(ctx)
		defer stop()
		out, err := fn(ctx, in)
		return out, toApplicationError(err)
	})
}

// RegisterToolActivity registers a tool activity.
func (e *Engine) RegisterToolActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.ToolFunc) error {
	if fn == nil {
		return errors.New("temporal engine: tool activity function is required")
	}
	return e.registerActivity(name, opts, func(ctx context.Context, in *api.ToolInput) (*api.ToolOutput, error) {
		stop := e.keepAlive(ctx)
		defer stop()
		out, err := fn(ctx, in)
		return out, toApplicationError(err)
	})
}

// RegisterDiscoveryActivity registers a discovery activity.
func (e *Engine) RegisterDiscoveryActivity(_ context.Context, name string, opts engine.ActivityOptions, fn engine.DiscoveryFunc) error {
	if fn == nil {
		return errors.New("temporal engine: discovery activity function is required")
	}
	return e.registerActivity(name, opts, func(ctx context.Context, in *api.DiscoveryInput) (*api.DiscoveryOutput, error) {
		stop := e.keepAlive(ctx)
		defer stop()
		out, err := fn(ctx, in)
		return out, toApplicationError(err)
	})
}

// RegisterNexusService serves svc from the default task queue worker so the
// operations can be reached through a Temporal Nexus endpoint targeting that
// queue.
func (e *Engine) RegisterNexusService(svc *nexus.Service) error {
	if svc == nil {
		return errors.New("temporal engine: nexus service is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nexusServices = append(e.nexusServices, svc)
	if e.workersStarted {
		e.workerForQueue(e.defaultQueue).worker.RegisterNexusService(svc)
	}
	return nil
}

// registerWorkflowFunc records a plain workflow function served from the
// default task queue.
func (e *Engine) registerWorkflowFunc(name string, fn any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", name)
	}
	if _, exists := e.workflowFuncs[name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", name)
	}
	e.workflowFuncs[name] = fn
	if e.workersStarted {
		e.workerForQueue(e.defaultQueue).worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
	}
	return nil
}

func (e *Engine) registerActivity(name string, opts engine.ActivityOptions, fn any) error {
	if name == "" {
		return errors.New("temporal engine: activity name cannot be empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.activities[name]; exists {
		return fmt.Errorf("temporal engine: activity %q already registered", name)
	}
	e.activities[name] = registeredActivity{fn: fn, opts: opts}
	if e.workersStarted {
		b := e.workerForQueue(e.queueOf(opts.Queue))
		b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
	}
	return nil
}

// Install registers every workflow and activity recorded so far on r. Workers
// are installed this way; tests install on a testsuite environment.
func (e *Engine) Install(r Registry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, def := range e.workflows {
		r.RegisterWorkflowWithOptions(e.workflowFunc(def), workflow.RegisterOptions{Name: name})
	}
	for name, fn := range e.workflowFuncs {
		r.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
	}
	for name, act := range e.activities {
		r.RegisterActivityWithOptions(act.fn, activity.RegisterOptions{Name: name})
	}
}

// workflowFunc adapts a definition to a Temporal workflow function. The
// execution completes only after every in-flight update handler returned, so
// no submission is left without a reply.
func (e *Engine) workflowFunc(def engine.WorkflowDefinition) func(workflow.Context, *api.SessionStart) (*api.Transcript, error) {
	return func(tctx workflow.Context, in *api.SessionStart) (*api.Transcript, error) {
		w := newWorkflowContext(e, tctx)
		defer w.release()
		out, err := def.Handler(w, in)
		if werr := workflow.Await(tctx, func() bool { return workflow.AllHandlersFinished(tctx) }); werr != nil && err == nil {
			err = werr
		}
		if err != nil {
			if tctx.Err() != nil {
				return nil, temporal.NewCanceledError()
			}
			return nil, toApplicationError(err)
		}
		return out, nil
	}
}

// StartWorkflow starts the session execution. A running or completed
// execution with the same ID yields engine.ErrAlreadyStarted.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.ID == "" || req.Workflow == "" {
		return nil, errors.New("temporal engine: workflow id and name are required")
	}
	queue := req.TaskQueue
	e.mu.Lock()
	def, registered := e.workflows[req.Workflow]
	e.mu.Unlock()
	if registered {
		if !e.autoStartDisabled {
			if err := e.ensureWorkersStarted(); err != nil {
				return nil, err
			}
		}
		if queue == "" {
			queue = def.TaskQueue
		}
	}
	opts := client.StartWorkflowOptions{
		ID:                                       req.ID,
		TaskQueue:                                e.queueOf(queue),
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, req.Workflow, req.Input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil, fmt.Errorf("%w: %s", engine.ErrAlreadyStarted, req.ID)
		}
		return nil, fmt.Errorf("temporal engine: start %s: %w", req.ID, err)
	}
	e.metrics.IncCounter("agentloop.temporal.workflow.started", 1, "workflow", req.Workflow)
	return &workflowHandle{id: req.ID, runID: run.GetRunID(), client: e.client}, nil
}

// AttachWorkflow returns a handle on the latest execution of workflowID.
func (e *Engine) AttachWorkflow(ctx context.Context, workflowID string) (engine.WorkflowHandle, error) {
	desc, err := e.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", engine.ErrWorkflowNotFound, workflowID)
		}
		return nil, fmt.Errorf("temporal engine: describe %s: %w", workflowID, err)
	}
	runID := desc.GetWorkflowExecutionInfo().GetExecution().GetRunId()
	return &workflowHandle{id: workflowID, runID: runID, client: e.client}, nil
}

// Worker returns the controller of the engine workers.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close stops the workers and closes the client when the engine created it.
func (e *Engine) Close() {
	e.Worker().Stop()
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
}

func (e *Engine) queueOf(queue string) string {
	if queue == "" {
		return e.defaultQueue
	}
	return queue
}

// workerForQueue returns the worker of queue, creating it. Callers hold mu.
func (e *Engine) workerForQueue(queue string) *workerBundle {
	if b, ok := e.workers[queue]; ok {
		return b
	}
	b := &workerBundle{
		queue:  queue,
		worker: worker.New(e.client, queue, e.workerOpts),
		logger: e.logger,
	}
	e.workers[queue] = b
	if e.workersStarted {
		_ = b.start() // logged by start
	}
	return b
}

// ensureWorkersStarted creates one worker per queue used by a registration
// and starts them all. It returns the errors of workers that failed to start.
func (e *Engine) ensureWorkersStarted() error {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return nil
	}
	for name, def := range e.workflows {
		e.workerForQueue(e.queueOf(def.TaskQueue)).worker.
			RegisterWorkflowWithOptions(e.workflowFunc(def), workflow.RegisterOptions{Name: name})
	}
	for name, fn := range e.workflowFuncs {
		e.workerForQueue(e.defaultQueue).worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
	}
	for name, act := range e.activities {
		e.workerForQueue(e.queueOf(act.opts.Queue)).worker.
			RegisterActivityWithOptions(act.fn, activity.RegisterOptions{Name: name})
	}
	for _, svc := range e.nexusServices {
		e.workerForQueue(e.defaultQueue).worker.RegisterNexusService(svc)
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	var errs []error
	for _, b := range bundles {
		if err := b.start(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) activityDefaults(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activities[name].opts
}

// keepAlive heartbeats the running activity so cancellation requested by the
// workflow is delivered. The returned function stops it.
func (e *Engine) keepAlive(ctx context.Context) func() {
	if !activity.IsActivity(ctx) {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(e.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}

// WorkerController starts and stops the engine workers.
type WorkerController struct {
	engine *Engine
}

// Start registers everything recorded so far on the workers and starts them.
// Later registrations are added to the running workers.
func (c *WorkerController) Start() error {
	return c.engine.ensureWorkersStarted()
}

// Stop stops all workers.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()
	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	err       error
}

func (b *workerBundle) start() error {
	b.startOnce.Do(func() {
		if err := b.worker.Start(); err != nil {
			b.logger.Error(context.Background(), "temporal worker failed to start", "queue", b.queue, "err", err)
			b.err = fmt.Errorf("start worker of queue %s: %w", b.queue, err)
			return
		}
		b.started = true
	})
	return b.err
}

func (b *workerBundle) stop() {
	b.stopOnce.Do(func() {
		if b.started {
			b.worker.Stop()
		}
	})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
