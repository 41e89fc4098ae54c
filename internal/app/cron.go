package app

import (
	"context"
	"time"

	"github.com/mrmd-cloud/core/internal/config"
	"github.com/mrmd-cloud/core/internal/lifecycle"
	pkgcron "github.com/mrmd-cloud/core/internal/pkg/cron"
	"github.com/mrmd-cloud/core/internal/pkg/tokencache"
	"github.com/mrmd-cloud/core/internal/supervisor"
)

// registerCronJobs registers all scheduled background jobs.
func registerCronJobs(sched *pkgcron.Scheduler, cfg *config.AppConfig,
	lm *lifecycle.Manager, sup *supervisor.Supervisor, cache *tokencache.Cache) {

	sched.Register(pkgcron.Job{
		Name:        "editor_health_check",
		Description: "probe every tracked editor and restart dead containers",
		Interval:    cfg.PollInterval(),
		Fn: func(ctx context.Context) error {
			lm.CheckHealth(ctx)
			return nil
		},
	})

	sched.Register(pkgcron.Job{
		Name:        "editor_idle_check",
		Description: "snapshot and stop editors idle past the timeout",
		Interval:    time.Minute,
		Fn: func(ctx context.Context) error {
			lm.CheckIdle(ctx)
			return nil
		},
	})

	sched.Register(pkgcron.Job{
		Name:        "service_health_check",
		Description: "probe supervised siblings; healthy streaks reset restart backoff",
		Interval:    cfg.PollInterval(),
		Fn: func(ctx context.Context) error {
			sup.CheckHealth(ctx)
			return nil
		},
	})

	sched.Register(pkgcron.Job{
		Name:        "sweep_token_cache",
		Description: "drop expired auth token cache entries",
		Interval:    time.Minute,
		Fn: func(ctx context.Context) error {
			cache.Sweep()
			return nil
		},
	})
}
