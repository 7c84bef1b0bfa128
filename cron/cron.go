// Package cron implements Cron / Recurring Tasks (spec.md §4.L):
// per-profile cron expressions that enqueue a synthetic job message on a
// shared 30-second scheduler tick.
//
// Grounded on jobmanager/manager.go's SendMessage as the enqueue target
// and on eventbus's CronTaskDueEvent for the fire notification; the
// expression parser is github.com/robfig/cron (already an indirect
// teacher dependency, promoted to direct use here per SPEC_FULL.md's
// §4.L addition).
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	robfigcron "github.com/robfig/cron"

	"github.com/shinkai-labs/shinkai-node/eventbus"
	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/store"
	"github.com/shinkai-labs/shinkai-node/telemetry"
)

// TickInterval is spec.md §4.L's shared scheduler tick period.
const TickInterval = 30 * time.Second

// Task is one profile's recurring job trigger (spec.md "Data Model:
// Cron Task").
type Task struct {
	TaskID    string
	Profile   string
	CronExpr  string
	Prompt    string
	URL       string
	JobID     string // the job this task's synthetic messages enqueue onto
}

// JobEnqueuer is the narrow Job Manager surface the scheduler drives
// (satisfied by *jobmanager.Manager); kept as an interface so cron has no
// import-time dependency on jobmanager's full Config (Design Note: one-
// way dependencies, no cyclic references).
type JobEnqueuer interface {
	SendMessage(ctx context.Context, profile, jobID, text string) error
}

// Scheduler evaluates every registered Task's cron expression on a
// shared TickInterval ticker and enqueues a job message for tasks that
// are due.
type Scheduler struct {
	store     store.Store
	bus       eventbus.Bus
	jobs      JobEnqueuer
	log       telemetry.Logger
	announcer TickAnnouncer

	mu        sync.Mutex
	tasks     map[string]*compiledTask // taskID -> task
	firedThisMinute map[string]bool       // "taskID|minute" dedup set (spec.md §8 "idempotent within the same minute")

	Now func() time.Time
}

type compiledTask struct {
	task     Task
	schedule robfigcron.Schedule
}

// Config wires a Scheduler's collaborators.
type Config struct {
	Store  store.Store
	Bus    eventbus.Bus
	Jobs   JobEnqueuer
	Logger telemetry.Logger
	Now    func() time.Time
	// Announcer, if set, additionally broadcasts each fired task to
	// other replicas over a shared stream (SPEC_FULL.md §4.L cron tick
	// fan-out); optional, best-effort.
	Announcer TickAnnouncer
}

// New constructs a Scheduler and loads any previously persisted tasks
// from the Cron column family.
func New(ctx context.Context, cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, shinkaierrors.New(shinkaierrors.KindConfigMissing, "store is required")
	}
	if cfg.Bus == nil {
		return nil, shinkaierrors.New(shinkaierrors.KindConfigMissing, "bus is required")
	}
	if cfg.Jobs == nil {
		return nil, shinkaierrors.New(shinkaierrors.KindConfigMissing, "job enqueuer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Scheduler{
		store:           cfg.Store,
		bus:             cfg.Bus,
		jobs:            cfg.Jobs,
		log:             cfg.Logger,
		announcer:       cfg.Announcer,
		tasks:           make(map[string]*compiledTask),
		firedThisMinute: make(map[string]bool),
		Now:             cfg.Now,
	}
	rows, err := cfg.Store.PrefixIter(ctx, store.CFCron, taskPrefix(""))
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		var task Task
		if err := json.Unmarshal(row.Value, &task); err != nil {
			return nil, shinkaierrors.Wrap(shinkaierrors.KindStoreCorrupted, "decode cron task", err)
		}
		if err := s.register(task); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func taskPrefix(profile string) string { return "cron_task_" + profile }
func taskKey(profile, taskID string) string { return taskPrefix(profile) + "_" + taskID + "_prefix_" }

func (s *Scheduler) register(task Task) error {
	schedule, err := robfigcron.ParseStandard(task.CronExpr)
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindMalformed, "parse cron expression", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID] = &compiledTask{task: task, schedule: schedule}
	return nil
}

// AddTask validates task's cron expression, persists it, and registers
// it with the running scheduler.
func (s *Scheduler) AddTask(ctx context.Context, task Task) error {
	if task.TaskID == "" || task.Profile == "" {
		return shinkaierrors.New(shinkaierrors.KindMalformed, "task id and profile are required")
	}
	if _, err := robfigcron.ParseStandard(task.CronExpr); err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindMalformed, "parse cron expression", err)
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return shinkaierrors.Wrap(shinkaierrors.KindMalformed, "encode cron task", err)
	}
	if err := s.store.Put(ctx, store.CFCron, taskKey(task.Profile, task.TaskID), raw); err != nil {
		return err
	}
	return s.register(task)
}

// RemoveTask deletes a task and stops its future ticks.
func (s *Scheduler) RemoveTask(ctx context.Context, profile, taskID string) error {
	if err := s.store.Delete(ctx, store.CFCron, taskKey(profile, taskID)); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.tasks, taskID)
	s.mu.Unlock()
	return nil
}

// Tasks returns every currently registered task for profile.
func (s *Scheduler) Tasks(profile string) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, ct := range s.tasks {
		if ct.task.Profile == profile {
			out = append(out, ct.task)
		}
	}
	return out
}

// Run blocks, evaluating every registered task's schedule on each
// TickInterval tick until ctx is cancelled. Missed ticks (process
// downtime) are not backfilled beyond one interval (spec.md §4.L):
// Run only ever compares "is this task due right now", never replays a
// backlog of elapsed ticks.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick evaluates every task once. A task is due if its schedule's next
// fire time at or before now has not already fired this minute
// (dedup key (task_id, minute), spec.md §8 "Cron tick is idempotent
// within the same minute").
func (s *Scheduler) tick(ctx context.Context) {
	now := s.Now()
	minuteKey := now.Truncate(time.Minute)

	s.mu.Lock()
	due := make([]compiledTask, 0, len(s.tasks))
	for _, ct := range s.tasks {
		if isDue(ct.schedule, now) {
			due = append(due, *ct)
		}
	}
	s.mu.Unlock()

	for _, ct := range due {
		dedupKey := fmt.Sprintf("%s|%d", ct.task.TaskID, minuteKey.Unix())
		s.mu.Lock()
		already := s.firedThisMinute[dedupKey]
		if !already {
			s.firedThisMinute[dedupKey] = true
		}
		s.mu.Unlock()
		if already {
			continue
		}
		s.fire(ctx, ct.task)
	}

	s.mu.Lock()
	for key := range s.firedThisMinute {
		_, unixStr, ok := strings.Cut(key, "|")
		if !ok {
			continue
		}
		unixSec, err := strconv.ParseInt(unixStr, 10, 64)
		if err == nil && minuteKey.Unix()-unixSec > 120 {
			delete(s.firedThisMinute, key)
		}
	}
	s.mu.Unlock()
}

// isDue reports whether schedule's previous fire time falls within the
// last TickInterval window, so a 30s tick catches a per-minute cron
// expression without drifting onto the wrong tick.
func isDue(schedule robfigcron.Schedule, now time.Time) bool {
	prev := schedule.Next(now.Add(-TickInterval))
	return !prev.After(now)
}

func (s *Scheduler) fire(ctx context.Context, task Task) {
	if err := s.jobs.SendMessage(ctx, task.Profile, task.JobID, task.Prompt); err != nil {
		s.log.Error(ctx, "cron: enqueue job message failed", "task_id", task.TaskID, "error", err)
		return
	}
	_ = s.bus.Publish(ctx, eventbus.CronTaskDueEvent{TaskID: task.TaskID, Profile: task.Profile})
	if s.announcer != nil {
		if err := s.announcer.Announce(ctx, task.TaskID, task.Profile); err != nil {
			s.log.Warn(ctx, "cron: tick announce failed", "task_id", task.TaskID, "error", err)
		}
	}
}
