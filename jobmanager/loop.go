package jobmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shinkai-labs/shinkai-node/eventbus"
	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/llmprovider"
	"github.com/shinkai-labs/shinkai-node/prompt"
	"github.com/shinkai-labs/shinkai-node/registry"
	"github.com/shinkai-labs/shinkai-node/retry"
	"github.com/shinkai-labs/shinkai-node/toolexec"
	"github.com/shinkai-labs/shinkai-node/vecfs"
)

// toolSelection is the JSON shape the LLM is asked to produce during
// ToolAugmented planning's tool-call step.
type toolSelection struct {
	RouterKey string          `json:"router_key"`
	Params    json.RawMessage `json:"params"`
}

// jobLoop threads one message's mutable run state through the state
// machine, mirroring the teacher's workflowLoop (runtime/agent/runtime/
// workflow_loop.go): a small struct carrying everything the phase methods
// need, with run() stepping through phases and persisting after each one.
type jobLoop struct {
	m      *Manager
	job    *Job
	cancel *CancelToken
}

// runMessage drives job's (messageIndex)-th message through
// Planning -> [VectorSearching] -> [ToolCalling] -> LLMCalling ->
// Persisting -> Done|Failed, persisting after every transition (spec.md
// §4.J "the (n+1)-th step starts only after step n is persisted").
func (l *jobLoop) runMessage(ctx context.Context, userText string, messageIndex int) {
	step := JobStepResult{MessageIndex: messageIndex, StartedAt: l.m.cfg.Now()}

	l.transition(ctx, StatePlanning)
	plan := l.decidePlan()
	step.Plan = plan

	var extraContext []prompt.SubPrompt

	if l.cancelled() {
		l.finishCancelled(ctx)
		return
	}

	switch plan {
	case PlanScopedQA:
		l.transition(ctx, StateVectorSearching)
		retrieved, err := l.vectorSearch(ctx, userText)
		if err != nil {
			l.finishFailed(ctx, &step, err)
			return
		}
		step.Retrieved = retrieved
		for _, r := range retrieved {
			extraContext = append(extraContext, prompt.SubPrompt{
				Role:     prompt.RoleExtraContext,
				Content:  r.Node.Content,
				Priority: scoreToPriority(r.Score),
			})
		}
	case PlanToolAugmented:
		if l.cancelled() {
			l.finishCancelled(ctx)
			return
		}
		l.transition(ctx, StateToolCalling)
		record, output, err := l.toolCall(ctx, userText)
		if record.RouterKey != "" {
			step.ToolCalls = append(step.ToolCalls, record)
		}
		if err != nil {
			l.finishFailed(ctx, &step, err)
			return
		}
		if output != "" {
			extraContext = append(extraContext, prompt.SubPrompt{
				Role:     prompt.RoleExtraContext,
				Content:  output,
				Priority: 50,
			})
			if l.job.ExecutionContext == nil {
				l.job.ExecutionContext = make(map[string]string)
			}
			l.job.ExecutionContext[record.RouterKey] = output
		}
	}

	if l.cancelled() {
		l.finishCancelled(ctx)
		return
	}

	l.transition(ctx, StateLLMCalling)
	response, err := l.llmCall(ctx, userText, extraContext)
	if err != nil {
		l.finishFailed(ctx, &step, err)
		return
	}

	if l.cancelled() {
		l.finishCancelled(ctx)
		return
	}

	step.Response = response
	step.FinishedAt = l.m.cfg.Now()
	l.finishDone(ctx, &step, response)
}

func (l *jobLoop) cancelled() bool { return l.cancel.Cancelled() }

// transition advances job.State and persists it immediately (spec.md
// §4.J: state is "persisted to the Jobs CF after every transition").
func (l *jobLoop) transition(ctx context.Context, s State) {
	l.job.State = s
	l.job.UpdatedAt = l.m.cfg.Now()
	if err := l.m.persistJob(ctx, l.job); err != nil {
		l.m.cfg.Logger.Warn(ctx, "failed to persist job state transition", "job_id", l.job.ID, "state", s, "err", err)
	}
}

// decidePlan implements spec.md §4.J's Planning step. Planning makes no
// classifier LLM call; it is decided from the job's static
// configuration: ToolsEnabled + a configured tool index selects
// ToolAugmented, a non-empty Scope selects ScopedQA, otherwise DirectChat.
func (l *jobLoop) decidePlan() PlanKind {
	if l.job.ToolsEnabled && l.m.cfg.Tools != nil && l.m.cfg.Embedder != nil {
		return PlanToolAugmented
	}
	if len(l.job.Scope) > 0 && l.m.cfg.VecFS != nil && l.m.cfg.Embedder != nil {
		return PlanScopedQA
	}
	return PlanDirectChat
}

// vectorSearch implements the ScopedQA plan's VectorSearching step.
func (l *jobLoop) vectorSearch(ctx context.Context, userText string) ([]vecfs.RetrievedNode, error) {
	query, err := l.m.cfg.Embedder.Embed(ctx, userText, l.m.cfg.EmbedModel)
	if err != nil {
		return nil, err
	}
	return l.m.cfg.VecFS.VectorSearch(ctx, l.job.Profile, l.job.Identity, l.job.Scope, query, l.m.cfg.VectorSearchK, vecfs.TraversalHierarchical)
}

// toolCall implements ToolAugmented planning's ToolCalling step: embed the
// user message, find the top-k candidate tools, ask the provider to
// produce a tool call object, run the chosen tool, and return its JSON
// output as the next ExtraContext sub-prompt.
func (l *jobLoop) toolCall(ctx context.Context, userText string) (ToolCallRecord, string, error) {
	query, err := l.m.cfg.Embedder.Embed(ctx, userText, l.m.cfg.EmbedModel)
	if err != nil {
		return ToolCallRecord{}, "", err
	}
	candidates, err := l.m.cfg.Tools.SearchByEmbedding(ctx, l.job.Profile, query, l.m.cfg.TopKTools)
	if err != nil {
		return ToolCallRecord{}, "", err
	}
	if len(candidates) == 0 {
		return ToolCallRecord{}, "", nil
	}

	selection, err := l.selectTool(ctx, userText, candidates)
	if err != nil {
		return ToolCallRecord{}, "", err
	}
	record := ToolCallRecord{RouterKey: selection.RouterKey, Params: string(selection.Params)}

	var raw json.RawMessage
	execErr := retry.Do(ctx, l.m.cfg.RetryPolicy, shinkaierrors.Retriable, func(ctx context.Context) error {
		var err error
		raw, err = l.m.cfg.Executor.Run(ctx, toolexec.RunRequest{
			Profile:   l.job.Profile,
			RouterKey: selection.RouterKey,
			Params:    selection.Params,
		})
		return err
	})
	if execErr != nil {
		record.Err = execErr.Error()
		return record, "", execErr
	}
	record.Result = string(raw)
	return record, string(raw), nil
}

// selectTool asks the provider to choose and parameterize one of
// candidates, retrying the JSON parse once with a reformat prompt per
// spec.md §4.J ("JSON parse failures are retried once with an auxiliary
// 'reformat to this schema' prompt before surfacing").
func (l *jobLoop) selectTool(ctx context.Context, userText string, candidates []registry.ScoredManifest) (toolSelection, error) {
	provider, model := l.provider()
	wire := l.toolSelectionWire(userText, candidates, "")

	raw, err := l.callProvider(ctx, provider, model, wire)
	if err != nil {
		return toolSelection{}, err
	}
	sel, parseErr := parseToolSelection(raw)
	if parseErr == nil {
		return sel, nil
	}

	wire = l.toolSelectionWire(userText, candidates, raw)
	raw, err = l.callProvider(ctx, provider, model, wire)
	if err != nil {
		return toolSelection{}, err
	}
	sel, parseErr = parseToolSelection(raw)
	if parseErr != nil {
		return toolSelection{}, parseErr
	}
	return sel, nil
}

func parseToolSelection(raw string) (toolSelection, error) {
	obj, err := llmprovider.ExtractFirstJSONObject(raw)
	if err != nil {
		return toolSelection{}, err
	}
	var sel toolSelection
	if err := json.Unmarshal(obj, &sel); err != nil {
		return toolSelection{}, shinkaierrors.Wrap(shinkaierrors.KindResponseParseError, "unmarshal tool selection", err)
	}
	if sel.RouterKey == "" {
		return toolSelection{}, shinkaierrors.New(shinkaierrors.KindResponseParseError, "tool selection missing router_key")
	}
	return sel, nil
}

func (l *jobLoop) toolSelectionWire(userText string, candidates []registry.ScoredManifest, priorRaw string) llmprovider.WireMessages {
	p := prompt.New()
	p.Add(prompt.SubPrompt{Role: prompt.RoleSystem, Content: toolSelectionSystemPrompt(candidates), Priority: 90})
	p.Add(prompt.SubPrompt{Role: prompt.RoleUser, Content: userText, Priority: prompt.FinalUserPriority})
	if priorRaw != "" {
		p.Add(prompt.SubPrompt{
			Role:     prompt.RoleExtraContext,
			Content:  fmt.Sprintf("Your previous reply was not valid JSON: %q. Reformat your answer as a single JSON object {\"router_key\": string, \"params\": object} and nothing else.", priorRaw),
			Priority: 95,
		})
	}
	budget := l.m.cfg.Providers[l.job.ProviderName].MaxInputTokens(l.job.Model)
	return llmprovider.NormalizePrompt(prompt.Assemble(p, budget))
}

func toolSelectionSystemPrompt(candidates []registry.ScoredManifest) string {
	s := "Choose the single best tool for the user's request from this list and reply with exactly one JSON object {\"router_key\": string, \"params\": object}:\n"
	for _, c := range candidates {
		s += fmt.Sprintf("- %s: %s\n", c.Manifest.RouterKey, c.Manifest.Description)
	}
	return s
}

// llmCall implements the LLMCalling step shared by every plan kind:
// assemble the final prompt from the system preamble, any ExtraContext
// gathered upstream, and the user's message, then call the provider with
// spec.md §4.J's transient-retry policy.
func (l *jobLoop) llmCall(ctx context.Context, userText string, extraContext []prompt.SubPrompt) (string, error) {
	provider, model := l.provider()
	p := prompt.New()
	p.Add(prompt.SubPrompt{Role: prompt.RoleSystem, Content: "You are a helpful assistant embedded in a Shinkai node.", Priority: 90})
	for _, sp := range extraContext {
		p.Add(sp)
	}
	p.Add(prompt.SubPrompt{Role: prompt.RoleUser, Content: userText, Priority: prompt.FinalUserPriority})

	wire := llmprovider.NormalizePrompt(prompt.Assemble(p, provider.MaxInputTokens(model)))
	return l.callProvider(ctx, provider, model, wire)
}

func (l *jobLoop) callProvider(ctx context.Context, provider llmprovider.Provider, model string, wire llmprovider.WireMessages) (string, error) {
	var out string
	err := retry.Do(ctx, l.m.cfg.RetryPolicy, shinkaierrors.Retriable, func(ctx context.Context) error {
		var err error
		out, err = provider.Call(ctx, model, wire, provider.MaxOutputTokens(model))
		return err
	})
	return out, err
}

func (l *jobLoop) provider() (llmprovider.Provider, string) {
	return l.m.cfg.Providers[l.job.ProviderName], l.job.Model
}

// finishDone persists step, marks the job Done, and emits the assistant's
// reply into the conversation inbox (spec.md §4.J "Persistence").
func (l *jobLoop) finishDone(ctx context.Context, step *JobStepResult, response string) {
	l.applyStep(ctx, step, StateDone)
	if err := l.m.appendInboxEnvelope(ctx, l.job.Profile, response, "JobResponse"); err != nil {
		l.m.cfg.Logger.Warn(ctx, "failed to append assistant message to inbox", "job_id", l.job.ID, "err", err)
	}
}

// finishFailed persists step as Failed and emits a sanitized failure
// message, never leaking stack traces or secret material (spec.md §4.J,
// §7 "user-visible failure behavior").
func (l *jobLoop) finishFailed(ctx context.Context, step *JobStepResult, err error) {
	kind := shinkaierrors.KindOf(err)
	step.FailureKind = string(kind)
	step.FailureMsg = sanitizedMessage(err)
	step.Retriable = shinkaierrors.Retriable(err)
	step.FinishedAt = l.m.cfg.Now()
	l.applyStep(ctx, step, StateFailed)

	payload, _ := json.Marshal(map[string]any{
		"status":    "error",
		"kind":      step.FailureKind,
		"message":   step.FailureMsg,
		"retriable": step.Retriable,
	})
	if err := l.m.appendInboxEnvelope(ctx, l.job.Profile, string(payload), "JobFailure"); err != nil {
		l.m.cfg.Logger.Warn(ctx, "failed to append failure message to inbox", "job_id", l.job.ID, "err", err)
	}
	_ = l.m.cfg.Bus.Publish(ctx, eventbus.JobFailedEvent{JobID: l.job.ID, Profile: l.job.Profile, Kind: step.FailureKind})
}

// finishCancelled discards the in-flight result without persisting a
// success or failure step (spec.md §5 "returns Cancelled without partial
// persistence"), returning the job to Queued so its next message (or a
// retry of this one) can proceed.
func (l *jobLoop) finishCancelled(ctx context.Context) {
	l.job.State = StateQueued
	l.job.UpdatedAt = l.m.cfg.Now()
	_ = l.m.persistJob(ctx, l.job)
}

// applyStep appends step to the job's durable history and persists the
// terminal state.
func (l *jobLoop) applyStep(ctx context.Context, step *JobStepResult, s State) {
	l.transition(ctx, StatePersisting)
	step.State = s
	l.job.StepHistory = append(l.job.StepHistory, *step)
	l.job.State = s
	l.job.UpdatedAt = l.m.cfg.Now()
	if err := l.m.persistJob(ctx, l.job); err != nil {
		l.m.cfg.Logger.Warn(ctx, "failed to persist job step", "job_id", l.job.ID, "err", err)
	}
	_ = l.m.cfg.Bus.Publish(ctx, eventbus.JobStepPersistedEvent{JobID: l.job.ID, Profile: l.job.Profile})
}

// sanitizedMessage returns err's message without its cause chain, so
// underlying stack traces or secret-bearing wrapped errors never reach a
// user-visible failure payload.
func sanitizedMessage(err error) string {
	var se *shinkaierrors.Error
	if errors.As(err, &se) {
		return se.Message
	}
	return "internal error"
}

// scoreToPriority maps a VecFS similarity score into the Prompt
// Assembler's 0..99 priority range (100 is reserved for the final user
// message, spec.md §4.I).
func scoreToPriority(score float64) int {
	p := int(score * 99)
	if p < 0 {
		p = 0
	}
	if p > 99 {
		p = 99
	}
	return p
}
