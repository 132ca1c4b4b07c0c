package tasks

import (
	"context"
	"time"

	"github.com/fetcharr/fetcharr/internal/requests"
	"github.com/fetcharr/fetcharr/internal/scheduler"
)

const RequestCleanupTaskID = "request-cleanup"

// RegisterRequestCleanupTask drops finished requests from memory once
// they have been terminal for a day. The archive keeps the record.
func RegisterRequestCleanupTask(sched *scheduler.Scheduler, svc *requests.Service) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          RequestCleanupTaskID,
		Name:        "Request Cleanup",
		Description: "Evicts finished requests from the in-memory table",
		Every:       time.Hour,
		Func: func(_ context.Context) error {
			svc.PruneFinished(24 * time.Hour)
			return nil
		},
	})
}
