package issueengine

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orchestra-labs/issue-orchestrator/internal/models"
)

// danglingStatuses are the session states a crashed process can leave
// behind: a child of this process cannot survive a restart, so any issue
// still marked running or pending is necessarily stale (spec.md §4.9
// "Server restart" / §9 Open Question).
var danglingStatuses = []models.SessionStatus{
	models.SessionStatusRunning,
	models.SessionStatusPending,
}

const restartFailureReason = "server_restart"

// ReconcileDanglingSessions transitions every running|pending issue to
// failed. Safe to call repeatedly; a clean process has nothing to find.
func (e *Engine) ReconcileDanglingSessions(ctx context.Context) error {
	issues, err := e.store.ListBySessionStatuses(ctx, danglingStatuses)
	if err != nil {
		return err
	}
	for _, issue := range issues {
		if err := e.store.UpdateSessionState(ctx, issue.ID, models.SessionStatusFailed, "", restartFailureReason); err != nil {
			e.logger.Warn("reconcile dangling session failed", "issue_id", issue.ID, "error", err)
			continue
		}
		e.bus.PublishState(issue.ID, "", models.SessionStatusFailed, restartFailureReason)
		e.logger.Info("reconciled dangling session", "issue_id", issue.ID, "previous_status", issue.SessionStatus)
	}
	return nil
}

// startupOnce is a cron.Schedule that fires at the first tick after it is
// registered and never again. cron has no native "run once" job type, so
// this reports its next run as "now" exactly once, then a century out.
type startupOnce struct {
	fired bool
}

func (s *startupOnce) Next(now time.Time) time.Time {
	if s.fired {
		return now.AddDate(100, 0, 0)
	}
	s.fired = true
	return now
}

// StartStartupSweep schedules ReconcileDanglingSessions to run once, on
// the cron runner's first tick after boot. The sweep only ever needs to
// run once per process lifetime (spec.md §9 chooses a startup sweep over
// reconciliation-on-read).
func (e *Engine) StartStartupSweep(ctx context.Context, c *cron.Cron, logger *slog.Logger) {
	if logger == nil {
		logger = e.logger
	}
	c.Schedule(&startupOnce{}, cron.FuncJob(func() {
		if err := e.ReconcileDanglingSessions(ctx); err != nil {
			logger.Warn("startup sweep failed", "error", err)
		}
	}))
}
