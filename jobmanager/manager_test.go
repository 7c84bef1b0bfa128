package jobmanager

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinkai-labs/shinkai-node/embeddings"
	"github.com/shinkai-labs/shinkai-node/eventbus"
	"github.com/shinkai-labs/shinkai-node/llmprovider"
	"github.com/shinkai-labs/shinkai-node/registry"
	"github.com/shinkai-labs/shinkai-node/store"
	"github.com/shinkai-labs/shinkai-node/store/inmem"
	"github.com/shinkai-labs/shinkai-node/toolexec"
	"github.com/shinkai-labs/shinkai-node/vecfs"
)

// fakeProvider answers every call with a fixed string.
type fakeProvider struct {
	response string
	err      error
	calls    int
}

func (p *fakeProvider) MaxInputTokens(string) int  { return 8000 }
func (p *fakeProvider) MaxOutputTokens(string) int { return 1000 }
func (p *fakeProvider) Call(ctx context.Context, model string, wire llmprovider.WireMessages, maxOutput int) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.response, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string, model embeddings.Model) ([]float32, error) {
	return []float32{1, 0}, nil
}
func (fakeEmbedder) EmbedMany(ctx context.Context, texts []string, model embeddings.Model) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type fakeVecFS struct {
	nodes []vecfs.RetrievedNode
}

func (f fakeVecFS) VectorSearch(ctx context.Context, profile, identity string, scope []vecfs.VRPath, query []float32, k int, traversal vecfs.Traversal) ([]vecfs.RetrievedNode, error) {
	return f.nodes, nil
}

type fakeToolSearcher struct {
	candidates []registry.ScoredManifest
}

func (f fakeToolSearcher) SearchByEmbedding(ctx context.Context, profile string, queryEmbedding []float32, k int) ([]registry.ScoredManifest, error) {
	return f.candidates, nil
}

type fakeToolRunner struct {
	result json.RawMessage
	err    error
	calls  int
}

func (f *fakeToolRunner) Run(ctx context.Context, req toolexec.RunRequest) (json.RawMessage, error) {
	f.calls++
	return f.result, f.err
}

func testNow() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *fakeProvider) {
	t.Helper()
	provider := &fakeProvider{response: `{"reply":"hi"}`}
	_, sk, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	cfg := Config{
		Store:    inmem.New(),
		Bus:      eventbus.New(),
		SenderSK: sk,
		NodeName: "node1",
		Providers: map[string]llmprovider.Provider{
			"test": provider,
		},
		Now: testNow,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	return m, provider
}

func TestCreateJobPersistsQueuedState(t *testing.T) {
	m, _ := newTestManager(t, nil)
	job, err := m.CreateJob(context.Background(), JobInit{ID: "job1", Profile: "alice", ProviderName: "test"})
	require.NoError(t, err)
	assert.Equal(t, StateQueued, job.State)

	raw, ok, err := m.cfg.Store.Get(context.Background(), store.CFJobs, jobKey("alice", "job1"))
	require.NoError(t, err)
	require.True(t, ok)
	var persisted Job
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, StateQueued, persisted.State)
}

func TestCreateJobRejectsUnknownProvider(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, err := m.CreateJob(context.Background(), JobInit{ID: "job1", Profile: "alice", ProviderName: "nope"})
	assert.Error(t, err)
}

func TestSendMessageRejectsUnknownJob(t *testing.T) {
	m, _ := newTestManager(t, nil)
	err := m.SendMessage(context.Background(), "alice", "missing", "hello")
	assert.Error(t, err)
}

func TestDirectChatPlanRunsToDoneAndAppendsInbox(t *testing.T) {
	m, provider := newTestManager(t, nil)
	defer m.Stop()

	job, err := m.CreateJob(context.Background(), JobInit{ID: "job1", Profile: "alice", ProviderName: "test"})
	require.NoError(t, err)
	assert.Equal(t, PlanDirectChat, (&jobLoop{m: m, job: job, cancel: NewCancelToken()}).decidePlan())

	require.NoError(t, m.SendMessage(context.Background(), "alice", "job1", "hello there"))

	require.Eventually(t, func() bool {
		raw, ok, _ := m.cfg.Store.Get(context.Background(), store.CFJobs, jobKey("alice", "job1"))
		if !ok {
			return false
		}
		var persisted Job
		_ = json.Unmarshal(raw, &persisted)
		return persisted.State == StateDone
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, provider.calls)

	kvs, err := m.cfg.Store.PrefixIter(context.Background(), store.CFInboxes, "alice")
	require.NoError(t, err)
	assert.Len(t, kvs, 1)
}

func TestScopedQAPlanGathersRetrievedContext(t *testing.T) {
	nodes := []vecfs.RetrievedNode{{Path: "/docs/a", Node: vecfs.ResourceNode{Content: "the answer is 42"}, Score: 0.9}}
	m, provider := newTestManager(t, func(cfg *Config) {
		cfg.VecFS = fakeVecFS{nodes: nodes}
		cfg.Embedder = fakeEmbedder{}
	})
	defer m.Stop()

	job, err := m.CreateJob(context.Background(), JobInit{
		ID: "job1", Profile: "alice", ProviderName: "test",
		Scope: []vecfs.VRPath{"/docs"},
	})
	require.NoError(t, err)
	assert.Equal(t, PlanScopedQA, (&jobLoop{m: m, job: job, cancel: NewCancelToken()}).decidePlan())

	require.NoError(t, m.SendMessage(context.Background(), "alice", "job1", "what is the answer?"))

	require.Eventually(t, func() bool {
		raw, ok, _ := m.cfg.Store.Get(context.Background(), store.CFJobs, jobKey("alice", "job1"))
		if !ok {
			return false
		}
		var persisted Job
		_ = json.Unmarshal(raw, &persisted)
		return persisted.State == StateDone && len(persisted.StepHistory) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, provider.calls)
}

func TestToolAugmentedPlanRunsToolThenLLM(t *testing.T) {
	candidates := []registry.ScoredManifest{{Manifest: registry.Manifest{RouterKey: "weather.lookup", Description: "looks up weather"}, Score: 0.8}}
	runner := &fakeToolRunner{result: json.RawMessage(`{"temp_f":72}`)}
	provider := &fakeProvider{response: `{"router_key":"weather.lookup","params":{}}`}

	m, _ := newTestManager(t, func(cfg *Config) {
		cfg.Tools = fakeToolSearcher{candidates: candidates}
		cfg.Embedder = fakeEmbedder{}
		cfg.Executor = runner
		cfg.Providers["test"] = provider
	})
	defer m.Stop()

	job, err := m.CreateJob(context.Background(), JobInit{
		ID: "job1", Profile: "alice", ProviderName: "test", ToolsEnabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, PlanToolAugmented, (&jobLoop{m: m, job: job, cancel: NewCancelToken()}).decidePlan())

	require.NoError(t, m.SendMessage(context.Background(), "alice", "job1", "what's the weather?"))

	require.Eventually(t, func() bool {
		raw, ok, _ := m.cfg.Store.Get(context.Background(), store.CFJobs, jobKey("alice", "job1"))
		if !ok {
			return false
		}
		var persisted Job
		_ = json.Unmarshal(raw, &persisted)
		return persisted.State == StateDone
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, runner.calls)
	// the selection call plus the final answer call.
	assert.Equal(t, 2, provider.calls)

	raw, ok, err := m.cfg.Store.Get(context.Background(), store.CFJobs, jobKey("alice", "job1"))
	require.NoError(t, err)
	require.True(t, ok)
	var persisted Job
	require.NoError(t, json.Unmarshal(raw, &persisted))
	require.Len(t, persisted.StepHistory, 1)
	require.Len(t, persisted.StepHistory[0].ToolCalls, 1)
	assert.Equal(t, "weather.lookup", persisted.StepHistory[0].ToolCalls[0].RouterKey)
}

func TestToolSelectionRetriesOnceOnMalformedJSON(t *testing.T) {
	candidates := []registry.ScoredManifest{{Manifest: registry.Manifest{RouterKey: "weather.lookup"}, Score: 0.8}}
	runner := &fakeToolRunner{result: json.RawMessage(`{}`)}

	provider := &stepProvider{steps: []string{"not json at all", `{"router_key":"weather.lookup","params":{}}`, `{"reply":"done"}`}}

	m, _ := newTestManager(t, func(cfg *Config) {
		cfg.Tools = fakeToolSearcher{candidates: candidates}
		cfg.Embedder = fakeEmbedder{}
		cfg.Executor = runner
		cfg.Providers["test"] = provider
	})
	defer m.Stop()

	job, err := m.CreateJob(context.Background(), JobInit{
		ID: "job1", Profile: "alice", ProviderName: "test", ToolsEnabled: true,
	})
	require.NoError(t, err)

	require.NoError(t, m.SendMessage(context.Background(), "alice", "job1", "what's the weather?"))

	require.Eventually(t, func() bool {
		raw, ok, _ := m.cfg.Store.Get(context.Background(), store.CFJobs, jobKey("alice", "job1"))
		if !ok {
			return false
		}
		var persisted Job
		_ = json.Unmarshal(raw, &persisted)
		return persisted.State == StateDone
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, provider.callCount())
}

// stepProvider returns each entry in steps on successive calls, then
// repeats the last one, letting a test script a reformat-retry sequence.
type stepProvider struct {
	steps []string
	n     int
}

func (p *stepProvider) MaxInputTokens(string) int  { return 8000 }
func (p *stepProvider) MaxOutputTokens(string) int { return 1000 }
func (p *stepProvider) Call(ctx context.Context, model string, wire llmprovider.WireMessages, maxOutput int) (string, error) {
	i := p.n
	if i >= len(p.steps) {
		i = len(p.steps) - 1
	}
	p.n++
	return p.steps[i], nil
}
func (p *stepProvider) callCount() int { return p.n }

func TestSendMessagesAreStrictlyOrderedPerJob(t *testing.T) {
	var seen []string
	provider := &orderTrackingProvider{seen: &seen}
	m, _ := newTestManager(t, func(cfg *Config) {
		cfg.Providers["test"] = provider
	})
	defer m.Stop()

	job, err := m.CreateJob(context.Background(), JobInit{ID: "job1", Profile: "alice", ProviderName: "test"})
	require.NoError(t, err)
	_ = job

	for i := 0; i < 5; i++ {
		require.NoError(t, m.SendMessage(context.Background(), "alice", "job1", "msg"))
	}

	require.Eventually(t, func() bool {
		raw, ok, _ := m.cfg.Store.Get(context.Background(), store.CFJobs, jobKey("alice", "job1"))
		if !ok {
			return false
		}
		var persisted Job
		_ = json.Unmarshal(raw, &persisted)
		return len(persisted.StepHistory) == 5
	}, 2*time.Second, 5*time.Millisecond)

	require.Len(t, seen, 5)
	for i, v := range seen {
		assert.Equal(t, i, v2int(v))
	}
}

// orderTrackingProvider records the order of calls it receives.
type orderTrackingProvider struct {
	seen *[]string
	n    int
}

func (p *orderTrackingProvider) MaxInputTokens(string) int  { return 8000 }
func (p *orderTrackingProvider) MaxOutputTokens(string) int { return 1000 }
func (p *orderTrackingProvider) Call(ctx context.Context, model string, wire llmprovider.WireMessages, maxOutput int) (string, error) {
	*p.seen = append(*p.seen, intToStr(p.n))
	p.n++
	return `{"reply":"ok"}`, nil
}

func intToStr(n int) string {
	digits := []byte{byte('0' + n)}
	return string(digits)
}
func v2int(s string) int { return int(s[0] - '0') }

func TestCancelDiscardsInFlightResultAndReturnsJobToQueued(t *testing.T) {
	m, _ := newTestManager(t, nil)
	defer m.Stop()

	job, err := m.CreateJob(context.Background(), JobInit{ID: "job1", Profile: "alice", ProviderName: "test"})
	require.NoError(t, err)
	_ = job

	m.mu.Lock()
	tok := NewCancelToken()
	m.cancels[jobKey("alice", "job1")] = tok
	m.mu.Unlock()
	tok.Cancel()

	l := &jobLoop{m: m, job: job, cancel: tok}
	l.runMessage(context.Background(), "hello", 0)

	assert.Equal(t, StateQueued, job.State)
	assert.Empty(t, job.StepHistory)
}

func TestFinishFailedMarksJobFailedAndPublishesEvent(t *testing.T) {
	wantErr := assertError("boom")
	m, _ := newTestManager(t, nil)
	defer m.Stop()

	job, err := m.CreateJob(context.Background(), JobInit{ID: "job1", Profile: "alice", ProviderName: "test"})
	require.NoError(t, err)

	var received eventbus.Event
	_, err = m.cfg.Bus.Register(eventbus.SubscriberFunc(func(ctx context.Context, event eventbus.Event) error {
		received = event
		return nil
	}))
	require.NoError(t, err)

	l := &jobLoop{m: m, job: job, cancel: NewCancelToken()}
	step := &JobStepResult{MessageIndex: 0, StartedAt: testNow()}
	l.finishFailed(context.Background(), step, wantErr)

	assert.Equal(t, StateFailed, job.State)
	require.Len(t, job.StepHistory, 1)
	assert.Equal(t, StateFailed, job.StepHistory[0].State)

	failedEvt, ok := received.(eventbus.JobFailedEvent)
	require.True(t, ok)
	assert.Equal(t, "job1", failedEvt.JobID)
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func assertError(msg string) error { return simpleError(msg) }
