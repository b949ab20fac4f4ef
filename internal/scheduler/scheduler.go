// Package scheduler provides recurring scan execution for meltscan. Jobs are
// defined in the configuration file with standard five-field cron expressions;
// each tick runs the scan engine and optionally persists the finished session.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meltsec/meltscan/internal/config"
	"github.com/meltsec/meltscan/internal/engine"
	"github.com/meltsec/meltscan/internal/logging"
	"github.com/meltsec/meltscan/internal/ports"
	"github.com/meltsec/meltscan/internal/probe"
	"github.com/meltsec/meltscan/internal/store"
	"github.com/meltsec/meltscan/internal/targets"
)

// Scheduler manages recurring scans.
type Scheduler struct {
	engine  *engine.Engine
	cron    *cron.Cron
	repo    *store.Repository
	logger  *logging.Logger
	jobs    map[string]*Job
	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	// fallbacks for jobs that leave timing unset
	defaultTimeout     time.Duration
	defaultConcurrency int
}

// Job represents one registered recurring scan.
type Job struct {
	Name     string
	Schedule string
	CronID   cron.EntryID
	Spec     engine.Spec
	LastRun  time.Time
	Running  bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRepository enables persistence of finished sessions.
func WithRepository(repo *store.Repository) Option {
	return func(s *Scheduler) {
		s.repo = repo
	}
}

// WithLogger sets the logger used for job events.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithDefaults sets the timeout and concurrency applied to jobs that don't
// carry their own.
func WithDefaults(timeout time.Duration, concurrency int) Option {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.defaultTimeout = timeout
		}
		if concurrency > 0 {
			s.defaultConcurrency = concurrency
		}
	}
}

// New creates a scheduler that runs scans on the given engine.
func New(eng *engine.Engine, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		engine:             eng,
		cron:               cron.New(),
		logger:             logging.Default(),
		jobs:               make(map[string]*Job),
		ctx:                ctx,
		cancel:             cancel,
		defaultTimeout:     2 * time.Second,
		defaultConcurrency: 50,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load registers every job from the configuration. Registration stops at the
// first invalid job so a typo doesn't silently drop half the schedule.
func (s *Scheduler) Load(cfg config.SchedulerConfig) error {
	for i := range cfg.Jobs {
		if err := s.AddJob(cfg.Jobs[i]); err != nil {
			return fmt.Errorf("job %q: %w", cfg.Jobs[i].Name, err)
		}
	}
	return nil
}

// AddJob validates and registers one recurring scan. The target and port
// expressions are resolved once, at registration.
func (s *Scheduler) AddJob(cfg config.ScheduledScan) error {
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cfg.Schedule, err)
	}

	spec := engine.Spec{
		Targets:     targets.Resolve(cfg.Targets),
		Ports:       ports.Resolve(cfg.Ports),
		TCP:         cfg.TCP,
		UDP:         cfg.UDP,
		UseSYN:      cfg.UseSYN,
		Timeout:     cfg.Timeout,
		Concurrency: s.defaultConcurrency,
	}
	if spec.Timeout <= 0 {
		spec.Timeout = s.defaultTimeout
	}
	if len(spec.Targets) == 0 {
		return fmt.Errorf("target expression %q resolves to no targets", cfg.Targets)
	}
	if len(spec.Ports) == 0 {
		return fmt.Errorf("port expression %q resolves to no ports", cfg.Ports)
	}
	if !spec.TCP && !spec.UDP {
		return fmt.Errorf("at least one protocol is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[cfg.Name]; exists {
		return fmt.Errorf("job already registered")
	}

	job := &Job{
		Name:     cfg.Name,
		Schedule: cfg.Schedule,
		Spec:     spec,
	}
	cronID, err := s.cron.AddFunc(cfg.Schedule, func() {
		s.runJob(job)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	job.CronID = cronID
	s.jobs[cfg.Name] = job

	s.logger.Info("Registered scheduled scan",
		"job", cfg.Name,
		"schedule", cfg.Schedule,
		"targets", len(spec.Targets),
		"ports", len(spec.Ports))
	return nil
}

// RemoveJob unregisters a recurring scan.
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	s.cron.Remove(job.CronID)
	delete(s.jobs, name)
	return nil
}

// Jobs returns a snapshot of the registered jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	return jobs
}

// NextRun returns when the named job fires next.
func (s *Scheduler) NextRun(name string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[name]
	if !ok {
		return time.Time{}, fmt.Errorf("job %q not found", name)
	}
	return s.cron.Entry(job.CronID).Next, nil
}

// Start begins firing registered jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop halts the cron loop and cancels any in-flight scans. It returns once
// running jobs have observed the cancellation.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	s.cancel()
	<-stopCtx.Done()

	s.logger.Info("Scheduler stopped")
}

// runJob executes one tick of a recurring scan. Overlapping ticks are
// skipped rather than queued.
func (s *Scheduler) runJob(job *Job) {
	s.mu.Lock()
	if job.Running {
		s.mu.Unlock()
		s.logger.Warn("Skipping scheduled scan, previous run still in progress", "job", job.Name)
		return
	}
	job.Running = true
	job.LastRun = time.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		job.Running = false
		s.mu.Unlock()
	}()

	session, err := s.engine.Start(s.ctx, job.Spec, nil)
	if err != nil {
		s.logger.Error("Scheduled scan failed to start", "job", job.Name, "error", err)
		return
	}
	if err := session.Wait(s.ctx); err != nil {
		session.Stop()
		<-session.Done()
	}

	results := session.Results()
	open := 0
	for i := range results {
		if results[i].State == probe.StateOpen {
			open++
		}
	}
	s.logger.Info("Scheduled scan completed",
		"job", job.Name,
		"status", session.Status(),
		"results", len(results),
		"open", open,
		"duration", session.Duration())

	if s.repo != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.repo.SaveSession(saveCtx, store.Record(session), results); err != nil {
			s.logger.Error("Failed to persist scheduled scan", "job", job.Name, "error", err)
		}
	}
}
