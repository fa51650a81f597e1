// Package scheduler fires periodic messages ("check-ins", git reminders)
// per session (spec.md §4.10). Jobs are cancelled on session termination
// and are not persisted across process restarts — the caller reinstalls
// them. The cron expression parser is adapted from the teacher's
// internal/cron package for the rare job that needs full cron syntax; most
// jobs use the simpler fixed-interval mode.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender delivers a scheduled message through the reliable send path.
type Sender interface {
	SendMessageToAgent(ctx context.Context, sessionName, payload string) error
}

// Job is one scheduled check-in, per spec.md §4.10.
type Job struct {
	ID              string
	SessionName     string
	Message         string
	IntervalMinutes int
	CronExpr        string // optional; when set, overrides IntervalMinutes
	IsRecurring     bool
	IsActive        bool
}

type scheduledJob struct {
	job    Job
	cron   *cronSchedule
	cancel context.CancelFunc
}

// Scheduler owns the live job table and one goroutine per active job.
type Scheduler struct {
	sender Sender
	onWarn func(msg string, err error)

	mu   sync.Mutex
	jobs map[string]*scheduledJob
}

// New creates a Scheduler that delivers fired jobs through sender.
func New(sender Sender, onWarn func(msg string, err error)) *Scheduler {
	if onWarn == nil {
		onWarn = func(string, error) {}
	}
	return &Scheduler{sender: sender, onWarn: onWarn, jobs: make(map[string]*scheduledJob)}
}

// Schedule installs job, assigning it an ID if one wasn't provided, and
// starts its firing goroutine.
func (s *Scheduler) Schedule(job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	var cs *cronSchedule
	if job.CronExpr != "" {
		var err error
		cs, err = parseCron(job.CronExpr)
		if err != nil {
			return "", err
		}
	}
	job.IsActive = true

	ctx, cancel := context.WithCancel(context.Background())
	sj := &scheduledJob{job: job, cron: cs, cancel: cancel}

	s.mu.Lock()
	s.jobs[job.ID] = sj
	s.mu.Unlock()

	go s.run(ctx, sj)

	return job.ID, nil
}

func (s *Scheduler) run(ctx context.Context, sj *scheduledJob) {
	for {
		var wait time.Duration
		if sj.cron != nil {
			next := sj.cron.next(time.Now())
			if next.IsZero() {
				return
			}
			wait = time.Until(next)
		} else {
			wait = time.Duration(sj.job.IntervalMinutes) * time.Minute
		}
		if wait <= 0 {
			wait = time.Minute
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := s.sender.SendMessageToAgent(context.Background(), sj.job.SessionName, sj.job.Message); err != nil {
			s.onWarn("scheduler: check-in send failed", err)
		}

		if !sj.job.IsRecurring {
			s.mu.Lock()
			delete(s.jobs, sj.job.ID)
			s.mu.Unlock()
			return
		}
	}
}

// Cancel stops and removes a single job.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	sj, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if ok {
		sj.cancel()
	}
}

// CancelForSession stops and removes every job for a session (called on
// terminate, per spec.md §4.10).
func (s *Scheduler) CancelForSession(sessionName string) {
	s.mu.Lock()
	var toCancel []context.CancelFunc
	for id, sj := range s.jobs {
		if sj.job.SessionName == sessionName {
			toCancel = append(toCancel, sj.cancel)
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()
	for _, c := range toCancel {
		c()
	}
}

// Jobs returns a snapshot of all active jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, sj := range s.jobs {
		out = append(out, sj.job)
	}
	return out
}
