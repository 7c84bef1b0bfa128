package jobmanager

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shinkai-labs/shinkai-node/embeddings"
	"github.com/shinkai-labs/shinkai-node/envelope"
	"github.com/shinkai-labs/shinkai-node/eventbus"
	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/llmprovider"
	"github.com/shinkai-labs/shinkai-node/registry"
	"github.com/shinkai-labs/shinkai-node/retry"
	"github.com/shinkai-labs/shinkai-node/store"
	"github.com/shinkai-labs/shinkai-node/telemetry"
	"github.com/shinkai-labs/shinkai-node/toolexec"
	"github.com/shinkai-labs/shinkai-node/vecfs"
)

// VectorSearcher is the narrow VecFS surface Planning/VectorSearching
// drives, satisfied by *vecfs.FS.
type VectorSearcher interface {
	VectorSearch(ctx context.Context, profile, identity string, scope []vecfs.VRPath, query []float32, k int, traversal vecfs.Traversal) ([]vecfs.RetrievedNode, error)
}

// ToolSearcher is the narrow Tool Registry surface ToolCalling's
// top-k-by-embedding step drives, satisfied by *registry.Registry.
type ToolSearcher interface {
	SearchByEmbedding(ctx context.Context, profile string, queryEmbedding []float32, k int) ([]registry.ScoredManifest, error)
}

// ToolRunner is the narrow Tool Execution Layer surface ToolCalling
// drives, satisfied by *toolexec.Executor.
type ToolRunner interface {
	Run(ctx context.Context, req toolexec.RunRequest) (json.RawMessage, error)
}

// DefaultTopKTools is how many candidate tools ToolAugmented planning
// considers, absent an explicit Config override.
const DefaultTopKTools = 5

// DefaultVectorSearchK is the default result count for ScopedQA's
// VectorSearching step.
const DefaultVectorSearchK = 8

// Config wires a Manager's collaborators, following the teacher's
// Config-struct constructor idiom (registry.Config, toolexec.Config).
type Config struct {
	Store    store.Store
	Bus      eventbus.Bus
	VecFS    VectorSearcher
	Tools    ToolSearcher
	Executor ToolRunner
	Embedder embeddings.Embedder
	EmbedModel embeddings.Model

	// Providers maps a job's ProviderName to the adapter that answers its
	// LLMCalling step.
	Providers map[string]llmprovider.Provider

	// SenderSK signs assistant-message envelopes this node appends to the
	// conversation inbox (spec.md §4.B).
	SenderSK    ed25519.PrivateKey
	NodeName    string
	Logger      telemetry.Logger
	Tracer      telemetry.Tracer

	// Workers defaults to 4 when unset; no other part of the Manager reads
	// it. Each profile gets its own worker goroutine the first time it
	// receives a message, and the number of such goroutines is not capped
	// by this value. Each profile's own queue is strictly FIFO.
	Workers int

	RetryPolicy retry.Policy

	// TopKTools/VectorSearchK override the defaults above.
	TopKTools      int
	VectorSearchK  int

	// Now overrides time.Now for deterministic tests.
	Now func() time.Time
}

// Manager is the Job Manager's entry point: one worker goroutine per
// profile, each consuming that profile's FIFO queue. The number of
// workers grows with the number of profiles and has no upper bound.
type Manager struct {
	cfg Config

	mu          sync.Mutex
	jobs        map[string]*Job               // keyed by jobKey(profile, jobID)
	queues      map[string]chan queuedMessage // keyed by profile
	cancels     map[string]*CancelToken       // keyed by jobKey
	msgCounters map[string]int                // keyed by jobKey, next message index
	wg          sync.WaitGroup
	stopOnce    sync.Once
	stopCh      chan struct{}
}

type queuedMessage struct {
	jobID string
	text  string
	index int
}

// New constructs a Manager and starts its per-profile workers lazily (a
// worker goroutine spins up the first time a profile's queue receives a
// message).
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, errors.New("at least one llm provider is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.TopKTools <= 0 {
		cfg.TopKTools = DefaultTopKTools
	}
	if cfg.VectorSearchK <= 0 {
		cfg.VectorSearchK = DefaultVectorSearchK
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = retry.DefaultLLMPolicy
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.NewNoopTracer()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:         cfg,
		jobs:        make(map[string]*Job),
		queues:      make(map[string]chan queuedMessage),
		cancels:     make(map[string]*CancelToken),
		msgCounters: make(map[string]int),
		stopCh:      make(chan struct{}),
	}, nil
}

// JobInit configures a new Job.
type JobInit struct {
	ID           string
	Profile      string
	Identity     string
	Scope        []vecfs.VRPath
	ToolsEnabled bool
	ProviderName string
	Model        string
}

// CreateJob registers a new Job and persists its initial Queued state.
func (m *Manager) CreateJob(ctx context.Context, init JobInit) (*Job, error) {
	if init.ID == "" || init.Profile == "" {
		return nil, errors.New("job id and profile are required")
	}
	if _, ok := m.cfg.Providers[init.ProviderName]; !ok {
		return nil, shinkaierrors.New(shinkaierrors.KindConfigMissing, fmt.Sprintf("no provider configured for %q", init.ProviderName))
	}
	job := &Job{
		ID:               init.ID,
		Profile:          init.Profile,
		Identity:         init.Identity,
		Scope:            init.Scope,
		ToolsEnabled:     init.ToolsEnabled,
		ProviderName:     init.ProviderName,
		Model:            init.Model,
		State:            StateQueued,
		ExecutionContext: make(map[string]string),
		CreatedAt:        m.cfg.Now(),
		UpdatedAt:        m.cfg.Now(),
	}
	if err := m.persistJob(ctx, job); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.jobs[jobKey(job.Profile, job.ID)] = job
	m.mu.Unlock()
	return job, nil
}

// SendMessage enqueues a user message onto job's profile FIFO queue,
// starting the profile's worker goroutine on first use.
func (m *Manager) SendMessage(ctx context.Context, profile, jobID, text string) error {
	m.mu.Lock()
	_, ok := m.jobs[jobKey(profile, jobID)]
	queue, hasQueue := m.queues[profile]
	if !hasQueue {
		queue = make(chan queuedMessage, 256)
		m.queues[profile] = queue
		m.wg.Add(1)
		go m.runProfileWorker(profile, queue)
	}
	var idx int
	if ok {
		idx = m.msgCounters[jobKey(profile, jobID)]
		m.msgCounters[jobKey(profile, jobID)] = idx + 1
	}
	m.mu.Unlock()
	if !ok {
		return shinkaierrors.New(shinkaierrors.KindJobNotFound, fmt.Sprintf("job %q not found for profile %q", jobID, profile))
	}
	select {
	case queue <- queuedMessage{jobID: jobID, text: text, index: idx}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel flags the message job is currently running for cooperative
// cancellation. Each dequeued message gets a fresh token, so Cancel has no
// effect on messages that have not started yet.
func (m *Manager) Cancel(profile, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok, ok := m.cancels[jobKey(profile, jobID)]; ok {
		tok.Cancel()
	}
}

// Stop signals every per-profile worker to exit after its current message,
// then waits for them to finish. Messages still queued are not processed.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// runProfileWorker drains one profile's FIFO queue, one message at a time,
// strictly in order (spec.md §4.J, §5 "per-job: strict FIFO over
// messages").
func (m *Manager) runProfileWorker(profile string, queue chan queuedMessage) {
	defer m.wg.Done()
	for {
		select {
		case msg := <-queue:
			m.mu.Lock()
			job := m.jobs[jobKey(profile, msg.jobID)]
			tok := NewCancelToken()
			m.cancels[jobKey(profile, msg.jobID)] = tok
			m.mu.Unlock()
			if job == nil {
				continue
			}
			l := &jobLoop{m: m, job: job, cancel: tok}
			l.runMessage(context.Background(), msg.text, msg.index)
		case <-m.stopCh:
			return
		}
	}
}

// persistJob writes job's current state to the Jobs column family, keyed
// per spec.md §6's ":::"-separated schema.
func (m *Manager) persistJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindMalformed, "marshal job", err)
	}
	if err := m.cfg.Store.Put(ctx, store.CFJobs, jobKey(job.Profile, job.ID), data); err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindStoreBusy, "persist job", err)
	}
	return nil
}

// appendInboxEnvelope builds and signs an assistant-message envelope
// (spec.md §4.B) and appends it to profile's conversation inbox.
func (m *Manager) appendInboxEnvelope(ctx context.Context, profile, rawContent, schemaType string) error {
	env, err := envelope.Build(envelope.BuildParams{
		RawContent: rawContent,
		SchemaType: schemaType,
		Sender:     m.cfg.NodeName,
		Recipient:  profile,
		SenderSK:   m.cfg.SenderSK,
		Now:        m.cfg.Now,
	})
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindMalformed, "marshal assistant envelope", err)
	}
	key := sanitizeKeyPart(profile) + ":::" + fmt.Sprintf("%020d", m.cfg.Now().UnixNano())
	if err := m.cfg.Store.Put(ctx, store.CFInboxes, key, data); err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindStoreBusy, "append inbox envelope", err)
	}
	return nil
}
