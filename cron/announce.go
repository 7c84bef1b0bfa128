package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
)

// TickAnnouncer broadcasts a task firing to any other node replica sharing
// this node's Cron column family, so a cluster of replicas watching the
// same profile's tasks can observe which one actually fired without
// querying the store. Optional: a Scheduler with no TickAnnouncer still
// fires correctly, it just isn't observable outside its own process.
type TickAnnouncer interface {
	Announce(ctx context.Context, taskID, profile string) error
}

// PulseTickAnnouncer publishes a message per fired task onto a
// per-profile goa.design/pulse stream, grounded on the same
// features/stream/pulse/clients/pulse/client.go Stream.Add wrapper used by
// toolexec's result broadcaster (SPEC_FULL.md §4.L "cron tick fan-out").
// Unlike toolexec's use of Pulse for a single run's outcome, this stream is
// long-lived and shared across a profile's entire task set.
type PulseTickAnnouncer struct {
	redis *redis.Client

	mu      sync.Mutex
	streams map[string]*streaming.Stream
}

// NewPulseTickAnnouncer wraps an existing *redis.Client.
func NewPulseTickAnnouncer(client *redis.Client) *PulseTickAnnouncer {
	return &PulseTickAnnouncer{redis: client, streams: make(map[string]*streaming.Stream)}
}

type tickMessage struct {
	TaskID  string `json:"task_id"`
	Profile string `json:"profile"`
}

func (a *PulseTickAnnouncer) Announce(ctx context.Context, taskID, profile string) error {
	stream, err := a.streamFor(profile)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(tickMessage{TaskID: taskID, Profile: profile})
	if err != nil {
		return err
	}
	_, err = stream.Add(ctx, "task_due", payload)
	return err
}

func (a *PulseTickAnnouncer) streamFor(profile string) (*streaming.Stream, error) {
	channel := tickChannel(profile)
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.streams[channel]; ok {
		return s, nil
	}
	s, err := streaming.NewStream(channel, a.redis)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream %q: %w", channel, err)
	}
	a.streams[channel] = s
	return s, nil
}

func tickChannel(profile string) string {
	return "shinkai_cron_ticks_" + profile
}
