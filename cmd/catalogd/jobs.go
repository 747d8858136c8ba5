package main

import (
	"context"
	"time"

	"catalogd/internal/logger"
	"catalogd/internal/queue"
	"catalogd/internal/scheduler"
	syncfabric "catalogd/internal/sync"
)

// watchdogJob periodically diffs the catalog manifest against on-disk
// files and enqueues repair downloads for anything missing.
type watchdogJob struct {
	engine   *queue.Engine
	catalog  *manifestCatalog
	disk     queue.DiskChecker
}

func (watchdogJob) ID() string          { return "watchdog_scan" }
func (watchdogJob) Name() string        { return "Watchdog Scan" }
func (watchdogJob) Description() string { return "Diffs catalog membership against on-disk files and repairs gaps." }
func (watchdogJob) Schedule() scheduler.Schedule {
	return scheduler.IntervalSchedule(6 * time.Hour)
}
func (watchdogJob) ShutdownBehavior() scheduler.ShutdownBehavior { return scheduler.Cancellable }

func (j watchdogJob) Execute(ctx context.Context) error {
	if err := j.catalog.reload(); err != nil {
		return err
	}
	report, err := j.engine.WatchdogScan(j.catalog, j.disk)
	if err != nil {
		return err
	}
	logger.Log.Info().
		Int("scanned", report.ScannedEntities).
		Int("missingTracks", report.MissingTracks).
		Int("missingImages", report.MissingImages).
		Int("queuedRepairs", report.QueuedRepairs).
		Msg("watchdog scan complete")
	return nil
}

// skeletonPruneJob trims skeleton change history older than the configured
// retention window so Delta requests can't be asked to reconstruct an
// unbounded history.
type skeletonPruneJob struct {
	skeleton   *syncfabric.Skeleton
	pruneAfter time.Duration
}

func (skeletonPruneJob) ID() string          { return "skeleton_prune" }
func (skeletonPruneJob) Name() string        { return "Skeleton Prune" }
func (skeletonPruneJob) Description() string { return "Prunes skeleton change history older than the retention window." }
func (skeletonPruneJob) Schedule() scheduler.Schedule {
	return scheduler.IntervalSchedule(24 * time.Hour)
}
func (skeletonPruneJob) ShutdownBehavior() scheduler.ShutdownBehavior { return scheduler.Cancellable }

func (j skeletonPruneJob) Execute(ctx context.Context) error {
	cutoff := time.Now().Add(-j.pruneAfter)
	n, err := j.skeleton.PruneBefore(cutoff)
	if err != nil {
		return err
	}
	logger.Log.Info().Int64("pruned", n).Msg("skeleton prune complete")
	return nil
}

// eventLogPruneJob trims per-user sync event history older than the
// retention window.
type eventLogPruneJob struct {
	eventLog        *syncfabric.EventLog
	retentionDays   int
}

func (eventLogPruneJob) ID() string          { return "eventlog_prune" }
func (eventLogPruneJob) Name() string        { return "Event Log Prune" }
func (eventLogPruneJob) Description() string { return "Prunes per-user sync events older than the retention window." }
func (eventLogPruneJob) Schedule() scheduler.Schedule {
	return scheduler.IntervalSchedule(24 * time.Hour)
}
func (eventLogPruneJob) ShutdownBehavior() scheduler.ShutdownBehavior { return scheduler.Cancellable }

func (j eventLogPruneJob) Execute(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -j.retentionDays)
	n, err := j.eventLog.PruneBefore(cutoff)
	if err != nil {
		return err
	}
	logger.Log.Info().Int64("pruned", n).Msg("event log prune complete")
	return nil
}

var (
	_ scheduler.Job = watchdogJob{}
	_ scheduler.Job = skeletonPruneJob{}
	_ scheduler.Job = eventLogPruneJob{}
)
