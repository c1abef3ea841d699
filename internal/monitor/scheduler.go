package monitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger routes cron's own logging into zap
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

// scheduler runs the periodic safety-net recompute of every room
type scheduler struct {
	cron     *cron.Cron
	interval time.Duration
}

func newScheduler(interval time.Duration, logger *zap.Logger) *scheduler {
	l := cronLogger{logger: logger.Named("cron").Sugar()}
	return &scheduler{
		cron: cron.New(
			cron.WithLogger(l),
			cron.WithChain(
				cron.SkipIfStillRunning(l),
				cron.Recover(l),
			),
		),
		interval: interval,
	}
}

func (s *scheduler) start() {
	s.cron.Start()
}

// stop waits for running jobs up to the context deadline
func (s *scheduler) stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *scheduler) every(fn func()) cron.EntryID {
	return s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(fn))
}

func (s *scheduler) remove(id cron.EntryID) {
	if id != 0 {
		s.cron.Remove(id)
	}
}

// next reports when an entry runs next; zero if it is not scheduled
func (s *scheduler) next(id cron.EntryID) time.Time {
	return s.cron.Entry(id).Next
}
