// Package cron runs the gateway's periodic maintenance jobs: the
// invocation sweep, approval expiry scan, pairing cleanup, and audit
// vacuum. Jobs are registered with standard cron specs or descriptors
// such as "@every 5m" and inherit the context passed to Start, so a
// gateway shutdown cancels whatever a job is in the middle of.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named maintenance task with a cron schedule.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Status reports a job's schedule and last outcome.
type Status struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	NextRun   time.Time `json:"nextRun"`
	LastRun   time.Time `json:"lastRun"`
	LastError string    `json:"lastError,omitempty"`
	Runs      int       `json:"runs"`
}

type jobState struct {
	job   Job
	entry cron.EntryID

	lastRun time.Time
	lastErr string
	runs    int
}

// Scheduler runs maintenance jobs on their cron schedules.
type Scheduler struct {
	logger *slog.Logger
	runner *cron.Cron

	mu      sync.Mutex
	started bool
	baseCtx context.Context
	jobs    map[string]*jobState
}

// New creates an empty scheduler. Jobs are added with Add and begin
// firing after Start.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		logger: logger,
		runner: cron.New(),
		jobs:   make(map[string]*jobState),
	}
}

// Add registers a job. Names are unique; the spec must parse.
func (s *Scheduler) Add(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		return errors.New("job name required")
	}
	if strings.TrimSpace(job.Spec) == "" {
		return fmt.Errorf("job %s: spec required", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: run func required", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}

	name := job.Name
	entry, err := s.runner.AddFunc(job.Spec, func() { s.fire(name) })
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	s.jobs[name] = &jobState{job: job, entry: entry}
	return nil
}

// Start begins firing schedules. Jobs run with a context derived from
// ctx, so cancelling it stops long-running work.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.baseCtx = ctx
	count := len(s.jobs)
	s.mu.Unlock()

	s.runner.Start()
	s.logger.Info("maintenance scheduler started", "jobs", count)
}

// Stop halts the schedule and waits for in-flight jobs, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	done := s.runner.Stop()
	select {
	case <-done.Done():
		s.logger.Info("maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunJob executes a job by name immediately, outside its schedule.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	s.mu.Lock()
	st, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job not found: %s", name)
	}
	return s.runOne(ctx, st)
}

// Jobs returns a snapshot of every job's status, sorted by name.
func (s *Scheduler) Jobs() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.jobs))
	for name, st := range s.jobs {
		status := Status{
			Name:      name,
			Spec:      st.job.Spec,
			LastRun:   st.lastRun,
			LastError: st.lastErr,
			Runs:      st.runs,
		}
		if s.started {
			status.NextRun = s.runner.Entry(st.entry).Next
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// fire is the cron callback for a registered job.
func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	st, ok := s.jobs[name]
	ctx := s.baseCtx
	s.mu.Unlock()
	if !ok {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	if err := s.runOne(ctx, st); err != nil {
		s.logger.Warn("maintenance job failed", "job", name, "error", err)
	}
}

func (s *Scheduler) runOne(ctx context.Context, st *jobState) error {
	started := time.Now()
	err := st.job.Run(ctx)

	s.mu.Lock()
	st.lastRun = started
	st.runs++
	if err != nil {
		st.lastErr = err.Error()
	} else {
		st.lastErr = ""
	}
	s.mu.Unlock()

	if err == nil {
		s.logger.Debug("maintenance job ran",
			"job", st.job.Name, "durationMs", time.Since(started).Milliseconds())
	}
	return err
}
