package tasks

import (
	"time"

	"github.com/fetcharr/fetcharr/internal/health"
	"github.com/fetcharr/fetcharr/internal/scheduler"
)

const HealthCheckTaskID = "health-check"

// RegisterHealthCheckTask probes the indexer, download client and
// media server every five minutes, and once at startup.
func RegisterHealthCheckTask(sched *scheduler.Scheduler, healthService *health.Service) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          HealthCheckTaskID,
		Name:        "Health Check",
		Description: "Probes external dependencies",
		Every:       5 * time.Minute,
		RunOnStart:  true,
		Func:        healthService.CheckAll,
	})
}
