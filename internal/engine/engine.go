// Package engine runs port scans. It expands a scan spec into an ordered
// job set, drains it through a fixed-size worker pool, and streams each
// result to a sink as its probe completes. Cancellation is cooperative:
// workers observe the stop flag at the dequeue boundary only, so probes
// already in flight finish and still report their results.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meltsec/meltscan/internal/errors"
	"github.com/meltsec/meltscan/internal/logging"
	"github.com/meltsec/meltscan/internal/metrics"
	"github.com/meltsec/meltscan/internal/probe"
)

const (
	// DefaultConcurrency is the pool size used when the Spec leaves it unset.
	DefaultConcurrency = 50
	// MaxConcurrency caps the pool to bound socket and goroutine usage.
	MaxConcurrency = 500
)

// Session lifecycle states reported by Status.
const (
	StatusRunning   = "running"
	StatusStopping  = "stopping"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Job is a single probe to perform. Jobs are built once at scan start and
// never mutated; each is consumed by exactly one worker.
type Job struct {
	Target   string
	Protocol probe.Protocol
	Port     int
}

// Result is the outcome of one job.
type Result struct {
	Target     string         `json:"target"`
	Protocol   probe.Protocol `json:"protocol"`
	Port       int            `json:"port"`
	State      probe.State    `json:"state"`
	Diagnostic string         `json:"diagnostic,omitempty"`
}

// Spec describes one scan run. Targets and Ports arrive already resolved;
// the engine treats empty slices as configuration errors, never as a no-op.
type Spec struct {
	Targets     []string
	Ports       []int
	TCP         bool
	UDP         bool
	UseSYN      bool
	Timeout     time.Duration
	Concurrency int
}

func (s Spec) validate() error {
	if len(s.Targets) == 0 {
		return errors.ErrNoTargets()
	}
	if len(s.Ports) == 0 {
		return errors.ErrNoPorts()
	}
	if !s.TCP && !s.UDP {
		return errors.ErrNoProtocol()
	}
	if s.Timeout <= 0 {
		return errors.ErrBadTimeout(s.Timeout)
	}
	return nil
}

// protocols returns the enabled protocols in enqueue order, TCP first.
func (s Spec) protocols() []probe.Protocol {
	out := make([]probe.Protocol, 0, 2)
	if s.TCP {
		out = append(out, probe.ProtocolTCP)
	}
	if s.UDP {
		out = append(out, probe.ProtocolUDP)
	}
	return out
}

// Sink receives each result as soon as its probe completes. It is invoked
// concurrently from all workers and must be safe for that.
type Sink func(Result)

// Engine schedules scan runs against an injected probe capability.
type Engine struct {
	caps    probe.Capability
	logger  *logging.Logger
	metrics *metrics.Metrics
	active  int32
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger replaces the default logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics replaces the global metrics instance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New creates an engine probing through the given capability.
func New(caps probe.Capability, opts ...Option) *Engine {
	e := &Engine{
		caps:    caps,
		logger:  logging.Default(),
		metrics: metrics.Global(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics.SetRawCapability(caps.SupportsRawProbing())
	return e
}

// strategy pairs a probe function with the mode actually in effect,
// selected once per run rather than per probe call.
type strategy struct {
	fn   probe.Func
	mode probe.Mode
}

// Session is one in-flight or completed scan run.
type Session struct {
	ID        string
	Spec      Spec
	StartedAt time.Time

	jobs  chan Job
	total int
	tcp   strategy
	udp   strategy

	mu      sync.Mutex
	results []Result

	stopped  int32 // atomic cancellation flag
	status   atomic.Value
	duration time.Duration
	done     chan struct{}
}

// Start validates the Spec, builds the job set, and launches the worker
// pool. It returns the session immediately; configuration errors are
// reported before any job runs.
func (e *Engine) Start(ctx context.Context, spec Spec, sink Sink) (*Session, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	jobs := buildJobs(spec)
	queue := make(chan Job, len(jobs))
	for _, job := range jobs {
		queue <- job
	}
	close(queue)

	tcpFn, tcpMode := probe.Strategy(probe.ProtocolTCP, spec.UseSYN, e.caps)
	udpFn, udpMode := probe.Strategy(probe.ProtocolUDP, spec.UseSYN, e.caps)

	session := &Session{
		ID:        uuid.New().String(),
		Spec:      spec,
		StartedAt: time.Now(),
		jobs:      queue,
		total:     len(jobs),
		tcp:       strategy{fn: tcpFn, mode: tcpMode},
		udp:       strategy{fn: udpFn, mode: udpMode},
		results:   make([]Result, 0, len(jobs)),
		done:      make(chan struct{}),
	}

	workers := clampConcurrency(spec.Concurrency)
	if workers > session.total {
		workers = session.total
	}

	logger := e.logger.WithSessionID(session.ID)
	logger.Info("Scan started",
		"targets", len(spec.Targets),
		"ports", len(spec.Ports),
		"jobs", session.total,
		"workers", workers,
		"tcp_mode", string(tcpMode),
		"timeout", spec.Timeout)

	count := atomic.AddInt32(&e.active, 1)
	e.metrics.SetActiveSessions(int(count))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.runWorker(ctx, id, session, sink, logger)
		}(i)
	}

	go func() {
		wg.Wait()
		e.finish(ctx, session, logger)
	}()

	return session, nil
}

// Run starts a scan and waits for it to finish, returning the collected
// results. On context cancellation the results gathered so far are
// returned alongside the context error.
func (e *Engine) Run(ctx context.Context, spec Spec, sink Sink) ([]Result, error) {
	session, err := e.Start(ctx, spec, sink)
	if err != nil {
		return nil, err
	}
	if err := session.Wait(ctx); err != nil {
		return session.Results(), err
	}
	return session.Results(), nil
}

// buildJobs enumerates the cartesian product in deterministic enqueue
// order: targets outer, ports middle, protocols inner (TCP before UDP).
func buildJobs(spec Spec) []Job {
	protocols := spec.protocols()
	jobs := make([]Job, 0, len(spec.Targets)*len(spec.Ports)*len(protocols))
	for _, target := range spec.Targets {
		for _, port := range spec.Ports {
			for _, protocol := range protocols {
				jobs = append(jobs, Job{Target: target, Protocol: protocol, Port: port})
			}
		}
	}
	return jobs
}

func clampConcurrency(n int) int {
	if n <= 0 {
		return DefaultConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

func (e *Engine) runWorker(ctx context.Context, id int, s *Session, sink Sink, logger *logging.Logger) {
	logger.Debug("Worker started", "worker_id", id)
	defer logger.Debug("Worker stopped", "worker_id", id)

	for job := range s.jobs {
		// A stop request discards the job just dequeued; probes already
		// running on other workers still complete.
		if atomic.LoadInt32(&s.stopped) == 1 || ctx.Err() != nil {
			return
		}

		result := e.executeJob(ctx, s, job, logger)
		s.append(result)
		e.emit(sink, result, logger)
	}
}

func (e *Engine) executeJob(ctx context.Context, s *Session, job Job, logger *logging.Logger) Result {
	st := s.tcp
	if job.Protocol == probe.ProtocolUDP {
		st = s.udp
	}

	start := time.Now()
	outcome := e.safeProbe(ctx, st.fn, job, s.Spec.Timeout, logger)
	duration := time.Since(start)

	e.metrics.ObserveProbe(string(job.Protocol), string(st.mode), string(outcome.State), duration)
	e.metrics.IncrementResults(string(outcome.State))
	logger.DebugProbe("Probe finished", job.Target, job.Port,
		"protocol", string(job.Protocol),
		"state", string(outcome.State),
		"duration", duration)

	return Result{
		Target:     job.Target,
		Protocol:   job.Protocol,
		Port:       job.Port,
		State:      outcome.State,
		Diagnostic: outcome.Diagnostic,
	}
}

// safeProbe converts a panicking probe into an unknown result so a single
// bad probe never kills its worker.
func (e *Engine) safeProbe(ctx context.Context, fn probe.Func, job Job, timeout time.Duration,
	logger *logging.Logger) (outcome probe.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Probe panic recovered",
				"target", job.Target,
				"port", job.Port,
				"panic", r)
			outcome = probe.Outcome{State: probe.StateUnknown, Diagnostic: fmt.Sprint(r)}
		}
	}()
	return fn(ctx, job.Target, job.Port, timeout)
}

// emit forwards a result to the sink, shielding workers from sink panics.
func (e *Engine) emit(sink Sink, result Result, logger *logging.Logger) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Result sink panic recovered", "panic", r)
		}
	}()
	sink(result)
}

// finish records the final status and closes the done channel exactly
// once, after every worker has exited.
func (e *Engine) finish(ctx context.Context, s *Session, logger *logging.Logger) {
	status := StatusCompleted
	if atomic.LoadInt32(&s.stopped) == 1 || ctx.Err() != nil {
		status = StatusCancelled
	}
	s.status.Store(status)

	duration := time.Since(s.StartedAt)
	s.duration = duration
	e.metrics.IncrementSessionsTotal(status)
	e.metrics.RecordSessionDuration(duration)
	count := atomic.AddInt32(&e.active, -1)
	e.metrics.SetActiveSessions(int(count))

	logger.Info("Scan finished",
		"status", status,
		"results", s.Completed(),
		"jobs", s.total,
		"duration", duration)

	close(s.done)
}

func (s *Session) append(r Result) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

// Stop requests cancellation. Asynchronous and best-effort: workers stop
// pulling jobs once they observe the flag.
func (s *Session) Stop() {
	atomic.StoreInt32(&s.stopped, 1)
}

// Done is closed when every worker has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the run finishes or the context is cancelled.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns a copy of the results collected so far. Safe to call
// while the run is still in flight.
func (s *Session) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Result, len(s.results))
	copy(out, s.results)
	return out
}

// Completed reports how many jobs have produced a result.
func (s *Session) Completed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

// Total reports the size of the full job set.
func (s *Session) Total() int {
	return s.total
}

// Duration reports wall-clock time of the run: elapsed so far while in
// flight, final duration once the run has finished.
func (s *Session) Duration() time.Duration {
	select {
	case <-s.done:
		return s.duration
	default:
		return time.Since(s.StartedAt)
	}
}

// Status reports the session lifecycle state.
func (s *Session) Status() string {
	select {
	case <-s.done:
		if v, ok := s.status.Load().(string); ok {
			return v
		}
		return StatusCompleted
	default:
		if atomic.LoadInt32(&s.stopped) == 1 {
			return StatusStopping
		}
		return StatusRunning
	}
}
