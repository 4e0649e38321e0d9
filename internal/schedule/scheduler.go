// Package schedule runs the agent's recurring maintenance jobs —
// terminal-process retention eviction, test-run sweeps — on a cron runner
// with a bounded execution-history ring.
package schedule

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one registered maintenance callback.
type Job struct {
	Name     string
	Spec     string // cron expression, @every supported
	Fn       func() error
}

// Execution is one recorded run of a job.
type Execution struct {
	Job       string    `json:"job"`
	StartedAt time.Time `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Err       string    `json:"error,omitempty"`
}

// Scheduler owns the cron runner and a bounded history ring.
type Scheduler struct {
	cron       *cron.Cron
	logger     *slog.Logger
	historyCap int

	mu      sync.Mutex
	jobs    map[string]cron.EntryID
	history []Execution
	started bool
}

// NewScheduler creates a Scheduler; historyCap<=0 keeps the last 100 runs.
func NewScheduler(logger *slog.Logger, historyCap int) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if historyCap <= 0 {
		historyCap = 100
	}
	return &Scheduler{
		cron:       cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		logger:     logger.With("component", "schedule"),
		historyCap: historyCap,
		jobs:       make(map[string]cron.EntryID),
	}
}

// Add registers a job. Duplicate names are rejected.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Fn == nil {
		return fmt.Errorf("maintenance job requires a name and a callback")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("maintenance job %q already registered", job.Name)
	}

	id, err := s.cron.AddFunc(job.Spec, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("register job %q (%s): %w", job.Name, job.Spec, err)
	}
	s.jobs[job.Name] = id
	return nil
}

func (s *Scheduler) run(job Job) {
	started := time.Now()
	err := job.Fn()
	exec := Execution{Job: job.Name, StartedAt: started, Duration: time.Since(started)}
	if err != nil {
		exec.Err = err.Error()
		s.logger.Warn("maintenance job failed", "job", job.Name, "error", err)
	}

	s.mu.Lock()
	s.history = append(s.history, exec)
	if len(s.history) > s.historyCap {
		s.history = s.history[len(s.history)-s.historyCap:]
	}
	s.mu.Unlock()
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// History returns recorded executions, oldest first.
func (s *Scheduler) History() []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Execution(nil), s.history...)
}
