// Package maintenance implements the scheduled upkeep tasks that run
// outside the request/response and run-execution paths: pruning version
// snapshots past their retention window and recovering run-dispatch
// queue entries a worker claimed but never finished.
package maintenance

import (
	"context"
	"strconv"
	"time"

	"github.com/r3e-forks/data-core/common"
	"github.com/r3e-forks/data-core/db"
	redisqueue "github.com/r3e-forks/data-core/queue/redis"
)

const defaultRetentionDays = 90

// VersionPurger deletes entity_versions rows older than the retention
// policy stored in system_settings (key "version_retention_days"),
// falling back to defaultRetentionDays when unset or unparsable.
type VersionPurger struct {
	Store *db.GormStore
	Log   *common.ContextLogger
}

// Run purges one round of expired version snapshots.
func (p *VersionPurger) Run(ctx context.Context) error {
	retention := p.retentionDays(ctx)
	cutoff := time.Now().AddDate(0, 0, -retention)

	result := p.Store.DB().WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&db.EntityVersionModel{})
	if result.Error != nil {
		return result.Error
	}
	p.Log.WithField("deleted", result.RowsAffected).WithField("retention_days", retention).Info("purged expired version snapshots")
	return nil
}

func (p *VersionPurger) retentionDays(ctx context.Context) int {
	var setting db.SystemSettingModel
	if err := p.Store.DB().WithContext(ctx).First(&setting, "key = ?", "version_retention_days").Error; err != nil {
		return defaultRetentionDays
	}
	days, err := strconv.Atoi(string(setting.Value))
	if err != nil || days <= 0 {
		return defaultRetentionDays
	}
	return days
}

// StaleReporter surfaces run-dispatch queue entries a worker claimed but
// never completed (its processing-set deadline passed without a
// CompleteMessage call). The processing set only records the claimed
// run's identifier, not its full dispatch message, so recovery can't
// safely re-enqueue on its behalf; it logs the stuck run for an operator
// or run-history query to act on instead.
type StaleReporter struct {
	Queue         *redisqueue.Queue
	ProcessingSet string
	Log           *common.ContextLogger
}

// Run scans for one round of stale processing entries and logs them.
func (r *StaleReporter) Run(ctx context.Context) error {
	stale, err := r.Queue.StaleProcessing(r.ProcessingSet)
	if err != nil {
		return err
	}
	for _, id := range stale {
		r.Log.WithField("run_or_workflow_uuid", id).Warn("run-dispatch entry passed its processing deadline without completing")
	}
	return nil
}
