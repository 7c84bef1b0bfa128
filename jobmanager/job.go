// Package jobmanager implements the Job Manager & LLM Execution Pipeline
// (spec.md §4.J): one worker goroutine per profile draining that profile's
// FIFO queue (the number of workers is not capped),
// driving each job message through an explicit, persisted state machine
// (Queued -> Planning -> [VectorSearching] -> [ToolCalling ...] ->
// LLMCalling -> Persisting -> Done|Failed).
//
// Grounded on the teacher's durable Temporal workflow loop
// (runtime/agent/runtime/workflow_loop.go, workflow_state.go): this package
// keeps that loop's shape — small, threaded, mutable state plus a run()
// method that steps through phases and persists after each one — but
// replaces the Temporal engine with a plain per-profile goroutine loop
// (Design Note: explicit, persisted state machine instead of
// coroutine-callback stitching). The Temporal SDK is used only by the
// optional durable backend in durable.go, not by the primary execution
// path here.
package jobmanager

import (
	"time"

	"github.com/shinkai-labs/shinkai-node/vecfs"
)

// State is one step in a job message's lifecycle (spec.md §4.J).
type State string

const (
	StateQueued         State = "Queued"
	StatePlanning        State = "Planning"
	StateVectorSearching State = "VectorSearching"
	StateToolCalling     State = "ToolCalling"
	StateLLMCalling      State = "LLMCalling"
	StatePersisting      State = "Persisting"
	StateDone            State = "Done"
	StateFailed          State = "Failed"
)

// PlanKind is Planning's decision for how a message is answered.
type PlanKind string

const (
	PlanDirectChat  PlanKind = "DirectChat"
	PlanScopedQA    PlanKind = "ScopedQA"
	PlanToolAugmented PlanKind = "ToolAugmented"
)

// ToolCallRecord is one tool invocation performed while servicing a
// message, kept in StepHistory for audit and replay.
type ToolCallRecord struct {
	RouterKey string
	CallID    string
	Params    string // raw JSON, as produced by the LLM's tool call object
	Result    string // raw JSON the tool returned, or empty on failure
	Err       string
}

// JobStepResult is the durable record of one completed message within a
// job (spec.md §4.J "Persistence": appended to step_history on Done).
type JobStepResult struct {
	MessageIndex int
	Plan         PlanKind
	Retrieved    []vecfs.RetrievedNode
	ToolCalls    []ToolCallRecord
	Response     string
	State        State
	FailureKind  string
	FailureMsg   string
	Retriable    bool
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Job is one durable conversation thread: a FIFO sequence of messages,
// each driven through the state machine in order (spec.md §4.J "within a
// job, messages are strictly sequential").
type Job struct {
	ID      string
	Profile string
	// Identity is the identity the job executes under, used for VecFS
	// permission checks during VectorSearching.
	Identity string
	// Scope bounds VectorSearching for ScopedQA planning.
	Scope []vecfs.VRPath
	// ToolsEnabled allows ToolAugmented planning; false forces DirectChat/
	// ScopedQA only.
	ToolsEnabled bool
	// ProviderName selects which configured llmprovider.Provider answers
	// this job's messages.
	ProviderName string
	Model        string

	State            State
	StepHistory      []JobStepResult
	ExecutionContext map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// jobKey is the CFJobs storage key, spec.md §6's ":::"-separated, [a-z0-9_]
// sanitized multi-value key schema.
func jobKey(profile, jobID string) string {
	return sanitizeKeyPart(profile) + ":::" + sanitizeKeyPart(jobID)
}

func sanitizeKeyPart(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c-'A'+'a')
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
