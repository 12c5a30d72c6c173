package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"rss_notify/internal/scheduler"
)

// Cron runs the batch on a cron schedule. A tick that fires while the
// previous run is still going is skipped.
type Cron struct {
	c      *cron.Cron
	runner Runner
	log    *slog.Logger
}

// NewCron parses schedule and registers the run job. Standard five-field
// specs and descriptors such as "@every 15m" are accepted.
func NewCron(ctx context.Context, schedule string, runner Runner, log *slog.Logger) (*Cron, error) {
	logger := cronLogger{log: log}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	t := &Cron{c: c, runner: runner, log: log}

	if _, err := c.AddFunc(schedule, func() { t.run(ctx) }); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	return t, nil
}

// Start begins firing the schedule in the background.
func (t *Cron) Start() {
	t.c.Start()
}

// Stop halts the schedule and returns a context that is done once the
// running job, if any, has finished.
func (t *Cron) Stop() context.Context {
	return t.c.Stop()
}

func (t *Cron) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := t.runner.RunOnce(ctx)
	switch {
	case errors.Is(err, scheduler.ErrRunInProgress):
		t.log.Info("scheduled run skipped, another run in progress")
	case err != nil:
		t.log.Error("scheduled run", "error", err,
			"processed", res.Processed, "updated", res.Updated, "errors", res.Errors)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
