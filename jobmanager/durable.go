package jobmanager

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/shinkai-labs/shinkai-node/prompt"
	"github.com/shinkai-labs/shinkai-node/telemetry"
	"github.com/shinkai-labs/shinkai-node/vecfs"
)

// DurableJobWorkflowName and the activity names below are the Temporal
// registration identifiers for the optional durable backend, which calls
// the Temporal SDK directly (there is no separate Engine interface);
// jobmanager's primary path is a plain goroutine pool and this adapter is
// opt-in.
const (
	DurableJobWorkflowName    = "ShinkaiJobMessageWorkflow"
	vectorSearchActivityName  = "ShinkaiVectorSearchActivity"
	toolCallActivityName      = "ShinkaiToolCallActivity"
	llmCallActivityName       = "ShinkaiLLMCallActivity"
)

// DurableConfig wires a DurableEngine. Grounded on
// runtime/agent/engine/temporal/engine.go's Options, narrowed to the
// fields jobmanager actually needs: a pre-built client and one task queue.
type DurableConfig struct {
	Client    client.Client
	TaskQueue string
	Logger    telemetry.Logger
}

// DurableEngine runs job messages as Temporal workflow executions instead
// of the Manager's default goroutine pool, for deployments that want
// durable, replayable execution across process restarts. It delegates
// every phase's actual work back to jobLoop's unexported step methods, so
// behavior matches the default path exactly; only the scheduling backend
// differs.
type DurableEngine struct {
	m      *Manager
	client client.Client
	queue  string
	logger telemetry.Logger
	worker worker.Worker
}

// NewDurableEngine constructs a DurableEngine bound to m's collaborators.
func NewDurableEngine(m *Manager, cfg DurableConfig) (*DurableEngine, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("temporal client is required")
	}
	if cfg.TaskQueue == "" {
		return nil, fmt.Errorf("task queue is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &DurableEngine{m: m, client: cfg.Client, queue: cfg.TaskQueue, logger: logger}, nil
}

// Start registers the workflow and its activities with a new worker on
// cfg.TaskQueue and begins polling. Call Stop to shut the worker down.
func (d *DurableEngine) Start() error {
	w := worker.New(d.client, d.queue, worker.Options{})
	acts := &durableActivities{m: d.m}
	w.RegisterWorkflowWithOptions(durableJobWorkflow, workflow.RegisterOptions{Name: DurableJobWorkflowName})
	w.RegisterActivityWithOptions(acts.VectorSearch, activity.RegisterOptions{Name: vectorSearchActivityName})
	w.RegisterActivityWithOptions(acts.ToolCall, activity.RegisterOptions{Name: toolCallActivityName})
	w.RegisterActivityWithOptions(acts.LLMCall, activity.RegisterOptions{Name: llmCallActivityName})
	if err := w.Start(); err != nil {
		return fmt.Errorf("start temporal worker: %w", err)
	}
	d.worker = w
	return nil
}

// Stop drains and stops the worker.
func (d *DurableEngine) Stop() {
	if d.worker != nil {
		d.worker.Stop()
	}
}

// EnqueueMessage starts a durable workflow execution for one job message,
// reading the job's current planning inputs from the Manager under lock so
// the workflow itself never touches Manager state directly (workflows must
// be deterministic and replay-safe; all non-deterministic lookups happen
// here, before the workflow starts).
func (d *DurableEngine) EnqueueMessage(ctx context.Context, profile, jobID, text string, messageIndex int) (client.WorkflowRun, error) {
	d.m.mu.Lock()
	job, ok := d.m.jobs[jobKey(profile, jobID)]
	d.m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("job %q not found for profile %q", jobID, profile)
	}
	l := &jobLoop{m: d.m, job: job, cancel: NewCancelToken()}
	in := durableJobInput{
		Profile:      job.Profile,
		JobID:        job.ID,
		Identity:     job.Identity,
		Scope:        job.Scope,
		ToolsEnabled: job.ToolsEnabled,
		ProviderName: job.ProviderName,
		Model:        job.Model,
		Text:         text,
		MessageIndex: messageIndex,
		Plan:         l.decidePlan(),
	}
	opts := client.StartWorkflowOptions{
		ID:        jobKey(profile, jobID) + fmt.Sprintf(":::%020d", messageIndex),
		TaskQueue: d.queue,
	}
	return d.client.ExecuteWorkflow(ctx, opts, DurableJobWorkflowName, in)
}

// durableJobInput is the deterministic payload a durable workflow
// execution receives; every field is plain data resolved before the
// workflow starts, per Temporal's determinism requirements.
type durableJobInput struct {
	Profile      string
	JobID        string
	Identity     string
	Scope        []vecfs.VRPath
	ToolsEnabled bool
	ProviderName string
	Model        string
	Text         string
	MessageIndex int
	Plan         PlanKind
}

// durableJobWorkflow is the Temporal workflow entry point: it decides
// which activities to run from the already-computed Plan, executes them in
// order, and returns the assistant's reply text. It performs no I/O of its
// own — every side-effecting step is an activity — keeping it
// replay-deterministic.
func durableJobWorkflow(ctx workflow.Context, in durableJobInput) (string, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    500 * time.Millisecond,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var extraContext string
	switch in.Plan {
	case PlanScopedQA:
		var out vectorSearchOutput
		if err := workflow.ExecuteActivity(ctx, vectorSearchActivityName, vectorSearchInput{
			Profile: in.Profile, Identity: in.Identity, Scope: in.Scope, UserText: in.Text,
		}).Get(ctx, &out); err != nil {
			return "", err
		}
		extraContext = out.Joined
	case PlanToolAugmented:
		var out toolCallOutput
		if err := workflow.ExecuteActivity(ctx, toolCallActivityName, toolCallInput{
			Profile: in.Profile, UserText: in.Text,
		}).Get(ctx, &out); err != nil {
			return "", err
		}
		extraContext = out.Output
	}

	var resp llmCallOutput
	if err := workflow.ExecuteActivity(ctx, llmCallActivityName, llmCallInput{
		ProviderName: in.ProviderName,
		Model:        in.Model,
		UserText:     in.Text,
		ExtraContext: extraContext,
	}).Get(ctx, &resp); err != nil {
		return "", err
	}
	return resp.Response, nil
}

// durableActivities holds the Manager collaborators Temporal activities
// need. Each method builds a throwaway Job + jobLoop and delegates to the
// same unexported step methods the default goroutine-pool path uses, so
// the durable backend can never drift from the primary one.
type durableActivities struct {
	m *Manager
}

type vectorSearchInput struct {
	Profile, Identity string
	Scope             []vecfs.VRPath
	UserText          string
}

type vectorSearchOutput struct {
	Joined string
}

func (a *durableActivities) VectorSearch(ctx context.Context, in vectorSearchInput) (vectorSearchOutput, error) {
	job := &Job{Profile: in.Profile, Identity: in.Identity, Scope: in.Scope}
	l := &jobLoop{m: a.m, job: job, cancel: NewCancelToken()}
	nodes, err := l.vectorSearch(ctx, in.UserText)
	if err != nil {
		return vectorSearchOutput{}, err
	}
	var joined string
	for _, n := range nodes {
		joined += n.Node.Content + "\n"
	}
	return vectorSearchOutput{Joined: joined}, nil
}

type toolCallInput struct {
	Profile  string
	UserText string
}

type toolCallOutput struct {
	Output string
}

func (a *durableActivities) ToolCall(ctx context.Context, in toolCallInput) (toolCallOutput, error) {
	job := &Job{Profile: in.Profile, ToolsEnabled: true}
	l := &jobLoop{m: a.m, job: job, cancel: NewCancelToken()}
	_, output, err := l.toolCall(ctx, in.UserText)
	if err != nil {
		return toolCallOutput{}, err
	}
	return toolCallOutput{Output: output}, nil
}

type llmCallInput struct {
	ProviderName string
	Model        string
	UserText     string
	ExtraContext string
}

type llmCallOutput struct {
	Response string
}

func (a *durableActivities) LLMCall(ctx context.Context, in llmCallInput) (llmCallOutput, error) {
	job := &Job{ProviderName: in.ProviderName, Model: in.Model}
	l := &jobLoop{m: a.m, job: job, cancel: NewCancelToken()}
	var extra []prompt.SubPrompt
	if in.ExtraContext != "" {
		extra = append(extra, prompt.SubPrompt{Role: prompt.RoleExtraContext, Content: in.ExtraContext, Priority: 50})
	}
	resp, err := l.llmCall(ctx, in.UserText, extra)
	if err != nil {
		return llmCallOutput{}, err
	}
	return llmCallOutput{Response: resp}, nil
}
