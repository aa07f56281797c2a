package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jasonlvhit/gocron"
	"github.com/rs/zerolog"
)

// Scheduler runs periodic tasks. Each tick hands the task to the pool so
// slow tasks never stall the scheduler loop.
type Scheduler struct {
	scheduler *gocron.Scheduler
	pool      *Pool
	logger    zerolog.Logger

	mu      sync.Mutex
	stop    chan bool
	running map[string]bool
}

// NewScheduler builds a scheduler that dispatches onto pool.
func NewScheduler(pool *Pool, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(),
		pool:      pool,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		running:   make(map[string]bool),
	}
}

// Every registers fn to run once per interval. A tick is skipped while the
// previous run of the same task is still in flight.
func (s *Scheduler) Every(interval time.Duration, name string, fn func(ctx context.Context) error) error {
	seconds := uint64(interval / time.Second)
	if seconds == 0 {
		return fmt.Errorf("interval for %s must be at least one second", name)
	}

	return s.scheduler.Every(seconds).Seconds().Do(func() {
		s.dispatch(name, fn)
	})
}

func (s *Scheduler) dispatch(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		s.logger.Debug().Str("task", name).Msg("previous run still in progress")
		return
	}
	s.running[name] = true
	s.mu.Unlock()

	job := JobFunc{Label: name, Fn: func(ctx context.Context) error {
		defer s.finish(name)
		return fn(ctx)
	}}

	if err := s.pool.TrySubmit(job); err != nil {
		s.finish(name)
		s.logger.Warn().Err(err).Str("task", name).Msg("scheduled task dropped")
	}
}

func (s *Scheduler) finish(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}

// Start begins ticking.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		s.stop = s.scheduler.Start()
	}
}

// Stop halts ticking; tasks already handed to the pool keep running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.scheduler.Clear()
}
