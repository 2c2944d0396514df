package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cusdeb/cusdeb-api/config"
)

const (
	JobSweepTokens    = "sweep-tokens"
	JobInterruptStale = "interrupt-stale"
)

type TokenSweeper interface {
	SweepExpiredTokens(ctx context.Context) (int64, error)
}

type StaleInterrupter interface {
	InterruptStale(ctx context.Context, cutoff time.Time) (int, error)
}

type Scheduler struct {
	cron     *cron.Cron
	jobs     map[string]func(context.Context) error
	entryIDs map[string]cron.EntryID
	mu       sync.Mutex
	now      func() time.Time
}

// New schedules token sweeping and stale build interruption on
// cfg.SweepSchedule and starts the cron loop.
func New(cfg *config.Config, sweeper TokenSweeper, interrupter StaleInterrupter) (*Scheduler, error) {
	s := &Scheduler{
		cron:     cron.New(),
		jobs:     make(map[string]func(context.Context) error),
		entryIDs: make(map[string]cron.EntryID),
		now:      time.Now,
	}

	timeout := time.Duration(cfg.BuildTimeout) * time.Second
	jobs := map[string]func(context.Context) error{
		JobSweepTokens: func(ctx context.Context) error {
			swept, err := sweeper.SweepExpiredTokens(ctx)
			if err == nil && swept > 0 {
				slog.Info("Expired tokens swept", "count", swept)
			}
			return err
		},
		JobInterruptStale: func(ctx context.Context) error {
			_, err := interrupter.InterruptStale(ctx, s.now().Add(-timeout))
			return err
		},
	}
	for name, job := range jobs {
		if err := s.Schedule(name, cfg.SweepSchedule, job); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	s.cron.Start()
	return s, nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Schedule registers job under name, replacing any previous entry. An empty
// spec keeps the job runnable through RunNow without scheduling it.
func (s *Scheduler) Schedule(name, spec string, job func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entryIDs[name]; ok {
		s.cron.Remove(entryID)
		delete(s.entryIDs, name)
	}
	s.jobs[name] = job

	if spec == "" {
		return nil
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		s.run(name)
	})
	if err != nil {
		return err
	}

	s.entryIDs[name] = entryID
	slog.Info("Scheduled job", "job", name, "schedule", spec)
	return nil
}

// RunNow runs the named job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return job(ctx)
}

func (s *Scheduler) run(name string) {
	start := s.now()
	if err := s.RunNow(context.Background(), name); err != nil {
		slog.Error("Scheduled job failed", "job", name, "error", err)
		return
	}
	slog.Debug("Scheduled job completed", "job", name, "duration", time.Since(start))
}

func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetNextRun returns when the named job fires next, or nil when it has no
// schedule.
func (s *Scheduler) GetNextRun(name string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entryIDs[name]
	if !ok {
		return nil
	}
	next := s.cron.Entry(entryID).Next
	return &next
}
