package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/receiptsync/internal/metrics"
	"github.com/roach88/receiptsync/internal/model"
)

// RecoveryReport summarizes one startup sweep.
type RecoveryReport struct {
	// Incremented is the number of tasks whose attempt counter was bumped.
	Incremented int64 `json:"incremented"`
	// Pruned is the number of processed tombstones past retention.
	Pruned int64 `json:"pruned"`
	// Loaded tasks were put back in the cache and re-dispatched.
	Loaded int `json:"loaded"`
	// Expired tasks exceeded the attempt limit and were removed.
	Expired int `json:"expired"`
	// Invalid tasks no longer decoded or validated and were removed.
	Invalid int `json:"invalid"`
}

// Recover re-reads every pending task from the durable store and feeds it
// back through processing. Call once at startup before ingesting.
//
// Each startup counts as an attempt; a task that has been through more
// than MaxAttempts startups without being applied is dropped.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	n, err := e.deps.Tasks.IncrementAllAttempts(ctx)
	if err != nil {
		return report, fmt.Errorf("recover: %w", err)
	}
	report.Incremented = n

	if e.tombstoneRetention > 0 {
		before := e.clock.Now().Add(-e.tombstoneRetention).UnixMilli()
		pruned, err := e.deps.Tasks.PruneProcessed(ctx, before)
		if err != nil {
			return report, fmt.Errorf("recover: %w", err)
		}
		report.Pruned = pruned
	}

	var cursor int64
	for {
		tasks, next, err := e.deps.Tasks.DequeueOldest(ctx, cursor, model.AllKinds(), e.recoveryPageSize)
		if err != nil {
			return report, fmt.Errorf("recover: %w", err)
		}

		var live []model.SyncTask
		for _, t := range tasks {
			switch {
			case t.Attempts > e.maxAttempts:
				e.logger.Warn("dropping task after too many attempts",
					zap.String("task_id", t.ID),
					zap.String("kind", string(t.Kind)),
					zap.Int("attempts", t.Attempts))
				if err := e.cache.Evict(ctx, t.ID); err != nil {
					return report, fmt.Errorf("recover: %w", err)
				}
				metrics.RecoveryTasks.WithLabelValues("expired").Inc()
				report.Expired++
			case t.Validate() != nil:
				e.logger.Warn("dropping invalid task",
					zap.String("task_id", t.ID),
					zap.String("kind", string(t.Kind)),
					zap.Error(newTaskError(ErrCodeInvalidPayload, t, t.Validate())))
				if err := e.cache.Evict(ctx, t.ID); err != nil {
					return report, fmt.Errorf("recover: %w", err)
				}
				metrics.RecoveryTasks.WithLabelValues("invalid").Inc()
				report.Invalid++
			default:
				live = append(live, t)
			}
		}

		e.cache.Load(live)
		for _, t := range live {
			e.dispatch(t)
		}
		metrics.RecoveryTasks.WithLabelValues("loaded").Add(float64(len(live)))
		report.Loaded += len(live)

		if len(tasks) < e.recoveryPageSize || next == cursor {
			break
		}
		cursor = next
	}

	e.logger.Info("recovery sweep complete",
		zap.Int64("incremented", report.Incremented),
		zap.Int64("pruned", report.Pruned),
		zap.Int("loaded", report.Loaded),
		zap.Int("expired", report.Expired),
		zap.Int("invalid", report.Invalid))
	return report, nil
}
