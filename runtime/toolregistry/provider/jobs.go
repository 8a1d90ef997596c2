package provider

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"goa.design/agentloop/runtime/toolregistry"
)

// ErrUnknownHandle is returned by Poll for handles the runner never issued.
var ErrUnknownHandle = errors.New("unknown job handle")

type (
	// JobRunner runs handle-based tool calls. Start is idempotent per
	// IdempotencyKey: a repeated start with the same non-empty key returns the
	// original handle so a retried gateway call does not run the tool twice.
	JobRunner interface {
		Start(ctx context.Context, in toolregistry.ExecuteToolInput) (string, error)
		Poll(ctx context.Context, handle string) (toolregistry.PollToolOutput, error)
	}

	// Jobs is the in-process JobRunner. Jobs outlive the request that started
	// them and run until completion or Stop. They are lost when the process
	// exits.
	Jobs struct {
		tools  Toolset
		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup

		mu    sync.Mutex
		byKey map[string]string
		jobs  map[string]*job
	}

	job struct {
		out toolregistry.PollToolOutput
	}
)

// NewJobs returns an in-process runner executing tools from ts.
func NewJobs(ts Toolset) *Jobs {
	ctx, cancel := context.WithCancel(context.Background())
	return &Jobs{
		tools:  ts,
		ctx:    ctx,
		cancel: cancel,
		byKey:  make(map[string]string),
		jobs:   make(map[string]*job),
	}
}

func (j *Jobs) Start(_ context.Context, in toolregistry.ExecuteToolInput) (string, error) {
	key := in.IdempotencyKey
	j.mu.Lock()
	defer j.mu.Unlock()
	if key != "" {
		if h, ok := j.byKey[key]; ok {
			return h, nil
		}
	}
	handle := uuid.NewString()
	jb := &job{out: toolregistry.PollToolOutput{State: toolregistry.JobRunning}}
	j.jobs[handle] = jb
	if key != "" {
		j.byKey[key] = handle
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		res, err := j.tools.Execute(j.ctx, in.ToolName, in.Args)
		j.mu.Lock()
		defer j.mu.Unlock()
		if err != nil {
			jb.out = toolregistry.PollToolOutput{State: toolregistry.JobFailed, Error: envelopeError(err)}
			return
		}
		jb.out = toolregistry.PollToolOutput{State: toolregistry.JobSucceeded, Result: res}
	}()
	return handle, nil
}

func (j *Jobs) Poll(_ context.Context, handle string) (toolregistry.PollToolOutput, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	jb, ok := j.jobs[handle]
	if !ok {
		return toolregistry.PollToolOutput{}, ErrUnknownHandle
	}
	return jb.out, nil
}

// Stop cancels running jobs and waits for them to return.
func (j *Jobs) Stop() {
	j.cancel()
	j.wg.Wait()
}
