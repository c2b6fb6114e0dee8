package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jeeshofone/ApocaCache/internal/logctx"
	"github.com/robfig/cron/v3"
)

// ErrSkipped can be returned by a job to signal that the tick was intentionally ignored.
var ErrSkipped = errors.New("tick skipped")

// Job is run on every tick of the schedule.
type Job func(ctx context.Context) error

// Scheduler fires a job on a cron schedule. Standard five-field expressions and the
// descriptors (@daily, @every 6h) are accepted.
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	spec     string
	entry    cron.EntryID
}

// Parse validates a schedule expression.
func Parse(spec string) (cron.Schedule, error) {
	s, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	return s, nil
}

// New builds a scheduler for spec. The job runs with ctx; a tick that arrives while the
// previous run is still going is skipped.
func New(ctx context.Context, spec string, job Job) (*Scheduler, error) {
	schedule, err := Parse(spec)
	if err != nil {
		return nil, err
	}

	logger := &slogAdapter{logger: logctx.LoggerFromContext(ctx).With("component", "scheduler")}

	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	s := &Scheduler{cron: c, schedule: schedule, spec: spec}

	s.entry = c.Schedule(schedule, cron.FuncJob(func() {
		logger.logger.Info("scheduled tick", "schedule", spec)

		if err := job(ctx); err != nil {
			if errors.Is(err, ErrSkipped) {
				logger.logger.Info("scheduled tick skipped", "reason", err)

				return
			}

			logger.logger.Error("scheduled job failed", "err", err)
		}
	}))

	return s, nil
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the schedule and waits for a running job to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next is the next activation after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	return s.schedule.Next(now)
}

// Spec is the configured expression.
func (s *Scheduler) Spec() string {
	return s.spec
}

// slogAdapter satisfies cron.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, keysAndValues ...any) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a *slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.logger.Error(msg, append(keysAndValues, "err", err)...)
}
