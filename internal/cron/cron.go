// Package cronrunner wraps robfig/cron with context plumbing and slog
// logging for the nightly settlement job.
package cronrunner

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Runner schedules background jobs against a base context.
type Runner struct {
	cron    *cron.Cron
	baseCtx context.Context
}

// New creates a Runner. Jobs receive baseCtx, so cancelling it at shutdown
// reaches in-flight runs.
func New(baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Runner{
		cron:    cron.New(),
		baseCtx: baseCtx,
	}
}

// Add registers a job under the standard 5-field cron spec.
func (r *Runner) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		job(r.baseCtx)
	})
}

// Start launches the scheduler in its own goroutine.
func (r *Runner) Start() {
	slog.Info("cron scheduler started")
	r.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	slog.Info("cron scheduler stopped")
}
