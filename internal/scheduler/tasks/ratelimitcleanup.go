package tasks

import (
	"context"
	"time"

	"github.com/fetcharr/fetcharr/internal/ratelimit"
	"github.com/fetcharr/fetcharr/internal/scheduler"
)

const RateLimitCleanupTaskID = "ratelimit-cleanup"

// RegisterRateLimitCleanupTask removes expired rate limit windows so
// one-off users do not accumulate state forever.
func RegisterRateLimitCleanupTask(sched *scheduler.Scheduler, limiter *ratelimit.Limiter) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          RateLimitCleanupTaskID,
		Name:        "Rate Limit Cleanup",
		Description: "Drops expired rate limit windows",
		Every:       time.Hour,
		Func: func(_ context.Context) error {
			limiter.Cleanup()
			return nil
		},
	})
}
