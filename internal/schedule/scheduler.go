// Package schedule runs periodic reconcile passes on a cron expression so
// drift between transcripts and Super-Kanban heals without operator action.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// RunFunc is invoked at each firing.
type RunFunc func(ctx context.Context) error

// Config holds the dependencies for the scheduler.
type Config struct {
	Spec     string // 5-field cron expression
	Run      RunFunc
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 30 seconds
}

// Scheduler fires Run whenever the cron schedule comes due. Ticks that find
// a run still in flight are skipped.
type Scheduler struct {
	schedule cronlib.Schedule
	run      RunFunc
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	nextFire time.Time
	running  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New parses the cron spec and builds a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	sched, err := cronParser.Parse(cfg.Spec)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		schedule: sched,
		run:      cfg.Run,
		logger:   logger,
		interval: interval,
		nextFire: sched.Next(time.Now()),
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.tick(ctx, now)
			}
		}
	}()
}

// Stop shuts the loop down and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := !now.Before(s.nextFire) && !s.running
	if due {
		s.running = true
		s.nextFire = s.schedule.Next(now)
	}
	s.mu.Unlock()
	if !due {
		return
	}

	start := time.Now()
	err := s.run(ctx)
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("scheduled reconcile failed", "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Info("scheduled reconcile complete", "duration", time.Since(start))
}

// NextFire reports when the schedule will next come due.
func (s *Scheduler) NextFire() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextFire
}
