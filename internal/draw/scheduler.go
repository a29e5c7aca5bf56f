package draw

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultSchedule checks for due raffles every minute.
const DefaultSchedule = "@every 1m"

// Scheduler runs RunDueDraws on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	cron    *cron.Cron
	engine  *Engine
	log     logrus.FieldLogger
	timeout time.Duration
}

// NewScheduler parses schedule (standard cron or @every) and registers the job.
func NewScheduler(engine *Engine, schedule string, log logrus.FieldLogger) (*Scheduler, error) {
	s := &Scheduler{engine: engine, log: log, timeout: time.Minute}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(log)),
		cron.SkipIfStillRunning(cron.PrintfLogger(log)),
	))
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("draw schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.engine.RunDueDraws(ctx)
	if err != nil {
		s.log.WithError(err).WithField("failed", len(report.Failed)).Error("scheduled draws finished with errors")
	}
	if report.Due > 0 {
		s.log.WithFields(logrus.Fields{
			"due":   report.Due,
			"drawn": len(report.Results),
		}).Info("scheduled draws ran")
	}
}

// Start begins running the schedule in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and returns a context done when the running job finishes.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }
