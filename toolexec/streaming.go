package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"

	"github.com/shinkai-labs/shinkai-node/eventbus"
)

// ResultBroadcaster publishes a tool run's outcome to out-of-process
// watchers, grounded on runtime/toolregistry/executor/executor.go's
// Pulse/Redis result stream: that teacher awaits a remote tool's result on
// such a stream, this core instead publishes to one after a local run
// completes, so a remote dashboard or CLI can tail a node's tool activity
// without polling the Job Manager.
type ResultBroadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// PulseResultBroadcaster publishes tool-run outcomes onto per-profile
// goa.design/pulse streams, grounded directly on
// features/stream/pulse/clients/pulse/client.go's redis-backed Stream/Add
// layering (SPEC_FULL.md §4.G addition: tool-call result streaming).
// Pulse's consumer-group sinks give watchers at-least-once delivery and
// replay, which a bare Redis pub/sub channel would not.
type PulseResultBroadcaster struct {
	redis *redis.Client

	mu      sync.Mutex
	streams map[string]*streaming.Stream
}

// NewPulseResultBroadcaster wraps an existing *redis.Client.
func NewPulseResultBroadcaster(client *redis.Client) *PulseResultBroadcaster {
	return &PulseResultBroadcaster{redis: client, streams: make(map[string]*streaming.Stream)}
}

func (p *PulseResultBroadcaster) Publish(ctx context.Context, channel string, payload []byte) error {
	stream, err := p.streamFor(channel)
	if err != nil {
		return err
	}
	_, err = stream.Add(ctx, "tool_result", payload)
	return err
}

func (p *PulseResultBroadcaster) streamFor(channel string) (*streaming.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.streams[channel]; ok {
		return s, nil
	}
	s, err := streaming.NewStream(channel, p.redis)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream %q: %w", channel, err)
	}
	p.streams[channel] = s
	return s, nil
}

// toolResultMessage is the payload shape published on a run's completion.
type toolResultMessage struct {
	Profile   string `json:"profile"`
	RouterKey string `json:"router_key"`
	CallID    string `json:"call_id"`
	Succeeded bool   `json:"succeeded"`
}

// resultChannel is the per-profile Pulse stream name watchers subscribe to.
func resultChannel(profile string) string {
	return "shinkai_tool_results_" + profile
}

// notifyCompletion fires the in-process ToolRunCompletedEvent and, if a
// ResultBroadcaster is configured, the out-of-process broadcast. Both are
// best-effort: a notification failure never changes Run's own result.
func (e *Executor) notifyCompletion(ctx context.Context, req RunRequest, succeeded bool) {
	if e.bus != nil {
		_ = e.bus.Publish(ctx, eventbus.ToolRunCompletedEvent{
			RouterKey: req.RouterKey,
			CallID:    req.CallID,
			Succeeded: succeeded,
		})
	}
	if e.results == nil {
		return
	}
	msg, err := json.Marshal(toolResultMessage{
		Profile:   req.Profile,
		RouterKey: req.RouterKey,
		CallID:    req.CallID,
		Succeeded: succeeded,
	})
	if err != nil {
		return
	}
	if err := e.results.Publish(ctx, resultChannel(req.Profile), msg); err != nil {
		e.logger.Warn(ctx, "toolexec: result broadcast failed", "router_key", req.RouterKey, "error", err)
	}
}
