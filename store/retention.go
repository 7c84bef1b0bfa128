package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shinkai-labs/shinkai-node/telemetry"
)

// TracingEntry is the shape stored in the Tracing column family: one row per
// traced event, keyed by a timestamp-prefixed ID so PrefixIter can scan
// chronologically.
type TracingEntry struct {
	RecordedAt time.Time `json:"recorded_at"`
	Payload    any       `json:"payload"`
}

// DefaultTracingRetention is the horizon Design Note §9 asks the rewrite to
// add: the teacher's tracing table "grows unbounded". 14 days is a product
// default, documented in DESIGN.md, not an upstream requirement.
const DefaultTracingRetention = 14 * 24 * time.Hour

// RetentionSweeper periodically deletes Tracing rows older than Retention.
type RetentionSweeper struct {
	Store     Store
	Retention time.Duration
	Logger    telemetry.Logger
}

// NewRetentionSweeper constructs a sweeper with DefaultTracingRetention when
// retention is zero.
func NewRetentionSweeper(s Store, retention time.Duration, logger telemetry.Logger) *RetentionSweeper {
	if retention <= 0 {
		retention = DefaultTracingRetention
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &RetentionSweeper{Store: s, Retention: retention, Logger: logger}
}

// Run sweeps once per tick until ctx is cancelled.
func (r *RetentionSweeper) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SweepOnce(ctx); err != nil {
				r.Logger.Warn(ctx, "tracing retention sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce deletes every Tracing row older than the configured retention.
func (r *RetentionSweeper) SweepOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-r.Retention)
	rows, err := r.Store.PrefixIter(ctx, CFTracing, "")
	if err != nil {
		return err
	}
	var ops []WriteOp
	for _, row := range rows {
		var entry TracingEntry
		if err := json.Unmarshal(row.Value, &entry); err != nil {
			// Malformed entries are swept too: an unreadable trace row is
			// worth less than the space it holds.
			ops = append(ops, WriteOp{CF: CFTracing, Key: row.Key, Delete: true})
			continue
		}
		if entry.RecordedAt.Before(cutoff) {
			ops = append(ops, WriteOp{CF: CFTracing, Key: row.Key, Delete: true})
		}
	}
	if len(ops) == 0 {
		return nil
	}
	return r.Store.WriteBatch(ctx, ops)
}
