package tasks

import (
	"context"
	"time"

	"github.com/fetcharr/fetcharr/internal/history"
	"github.com/fetcharr/fetcharr/internal/scheduler"
)

const HistoryCleanupTaskID = "history-cleanup"

// RegisterHistoryCleanupTask registers the nightly archive cleanup.
// Entries older than the retention period are deleted at 2 AM.
func RegisterHistoryCleanupTask(sched *scheduler.Scheduler, historyService *history.Service, retention time.Duration) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          HistoryCleanupTaskID,
		Name:        "History Cleanup",
		Description: "Deletes archived requests older than the retention period",
		Cron:        "0 2 * * *",
		Func: func(ctx context.Context) error {
			_, err := historyService.PruneOlderThan(ctx, retention)
			return err
		},
	})
}
