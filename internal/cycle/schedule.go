package cycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/mf-intel/internal/resilience"
)

// DefaultHour is the local hour the daily refresh runs at.
const DefaultHour = 6

// DefaultRetryAfter is how long the scheduler waits after a failed cycle.
const DefaultRetryAfter = 30 * time.Minute

// slot returns today's run time at hour in now's location.
func slot(now time.Time, hour int) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
}

// DailyAt returns true if a cycle is due: it is past today's run hour and
// no cycle has succeeded since then.
func DailyAt(now time.Time, lastSuccess *time.Time, hour int) bool {
	today := slot(now, hour)
	if now.Before(today) {
		// Not yet time today; catch up if yesterday's slot was missed.
		today = today.AddDate(0, 0, -1)
	}
	if lastSuccess == nil {
		return true
	}
	return lastSuccess.Before(today)
}

// NextRun returns the first run time strictly after now.
func NextRun(now time.Time, hour int) time.Time {
	t := slot(now, hour)
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// Scheduler runs one cycle per day.
type Scheduler struct {
	Runner *Runner
	Opts   RunOpts
	Hour   int

	// Location is the zone Hour is read in. Nil means UTC.
	Location *time.Location

	// RetryAfter is the wait after a failed cycle. Zero means DefaultRetryAfter.
	RetryAfter time.Duration

	// Sleep waits between checks. Nil means resilience.ContextSleep.
	Sleep resilience.SleepFunc
}

func (s *Scheduler) now() time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	return s.Runner.now().In(loc)
}

// Tick runs a cycle if one is due. The report is nil when nothing was due;
// a failed cycle returns its report and error.
func (s *Scheduler) Tick(ctx context.Context) (*Report, error) {
	last, err := s.Runner.rec.LastSuccess(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if last != nil {
		l := last.In(now.Location())
		last = &l
	}
	if !DailyAt(now, last, s.Hour) {
		return nil, nil
	}
	return s.Runner.Run(ctx, s.Opts)
}

// Run blocks, running due cycles until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "cycle.scheduler"), zap.Int("hour", s.Hour))
	sleep := s.Sleep
	if sleep == nil {
		sleep = resilience.ContextSleep
	}
	retryAfter := s.RetryAfter
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}

	for {
		rep, err := s.Tick(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := NextRun(s.now(), s.Hour).Sub(s.now())
		switch {
		case err != nil:
			log.Error("scheduled cycle failed", zap.Error(err), zap.Duration("retry_after", retryAfter))
			wait = retryAfter
		case rep != nil:
			log.Info("scheduled cycle done", zap.String("cycle_id", rep.CycleID))
		}

		log.Debug("sleeping until next check", zap.Duration("wait", wait))
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}
