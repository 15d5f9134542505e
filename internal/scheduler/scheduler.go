// Package scheduler runs refreshes on a cron schedule and keeps them from
// overlapping with manual ones.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/robfig/cron/v3"
)

// ErrBusy is returned by RunOnce while another refresh is running.
var ErrBusy = errors.New("scheduler: refresh already running")

// Job is one refresh.
type Job func(ctx context.Context)

type Scheduler struct {
	cron *cron.Cron
	job  Job
	mu   sync.Mutex
}

// New schedules job on spec, a standard cron expression or a descriptor
// such as "@every 5m".
func New(spec string, job Job) (*Scheduler, error) {
	c := cron.New(cron.WithLogger(cron.PrintfLogger(log.Default())))

	s := &Scheduler{
		cron: c,
		job:  job,
	}

	_, err := c.AddFunc(spec, s.tick)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the schedule and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce runs the job now unless a run is already in progress.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if !s.mu.TryLock() {
		return ErrBusy
	}
	defer s.mu.Unlock()
	s.job(ctx)
	return nil
}

// Running reports whether a refresh is in progress.
func (s *Scheduler) Running() bool {
	if s.mu.TryLock() {
		s.mu.Unlock()
		return false
	}
	return true
}

func (s *Scheduler) tick() {
	if err := s.RunOnce(context.Background()); errors.Is(err, ErrBusy) {
		log.Println("Skipping scheduled refresh: previous refresh still running")
	}
}
