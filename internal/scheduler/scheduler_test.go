package scheduler

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meltsec/meltscan/internal/config"
	"github.com/meltsec/meltscan/internal/engine"
	"github.com/meltsec/meltscan/internal/probe"
)

// countingListener returns a loopback listener port and a counter of
// accepted connections.
func countingListener(t *testing.T) (int, *atomic.Int32) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	var accepted atomic.Int32
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			_ = conn.Close()
		}
	}()

	return listener.Addr().(*net.TCPAddr).Port, &accepted
}

func newTestScheduler() *Scheduler {
	eng := engine.New(probe.StaticCapability(false))
	return New(eng, WithDefaults(500*time.Millisecond, 4))
}

// TestAddJobValidation tests job registration rules.
func TestAddJobValidation(t *testing.T) {
	tests := []struct {
		name    string
		job     config.ScheduledScan
		wantErr string
	}{
		{
			name: "valid job",
			job: config.ScheduledScan{
				Name:     "nightly",
				Schedule: "0 2 * * *",
				Targets:  "127.0.0.1",
				Ports:    "80,443",
				TCP:      true,
			},
		},
		{
			name: "descriptor schedule",
			job: config.ScheduledScan{
				Name:     "hourly",
				Schedule: "@hourly",
				Targets:  "127.0.0.1",
				Ports:    "22",
				TCP:      true,
			},
		},
		{
			name: "invalid cron expression",
			job: config.ScheduledScan{
				Name:     "broken",
				Schedule: "not cron",
				Targets:  "127.0.0.1",
				Ports:    "80",
				TCP:      true,
			},
			wantErr: "invalid cron expression",
		},
		{
			name: "no targets",
			job: config.ScheduledScan{
				Name:     "empty-targets",
				Schedule: "* * * * *",
				Targets:  " ,; ",
				Ports:    "80",
				TCP:      true,
			},
			wantErr: "resolves to no targets",
		},
		{
			name: "no ports",
			job: config.ScheduledScan{
				Name:     "empty-ports",
				Schedule: "* * * * *",
				Targets:  "127.0.0.1",
				Ports:    "abc",
				TCP:      true,
			},
			wantErr: "resolves to no ports",
		},
		{
			name: "no protocol",
			job: config.ScheduledScan{
				Name:     "no-proto",
				Schedule: "* * * * *",
				Targets:  "127.0.0.1",
				Ports:    "80",
			},
			wantErr: "at least one protocol",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler()
			defer s.Stop()

			err := s.AddJob(tt.job)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Len(t, s.Jobs(), 1)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}

	t.Run("duplicate name", func(t *testing.T) {
		s := newTestScheduler()
		defer s.Stop()

		job := config.ScheduledScan{
			Name:     "dup",
			Schedule: "* * * * *",
			Targets:  "127.0.0.1",
			Ports:    "80",
			TCP:      true,
		}
		require.NoError(t, s.AddJob(job))
		err := s.AddJob(job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})
}

// TestLoad tests bulk registration from configuration.
func TestLoad(t *testing.T) {
	s := newTestScheduler()
	defer s.Stop()

	err := s.Load(config.SchedulerConfig{
		Jobs: []config.ScheduledScan{
			{Name: "a", Schedule: "0 1 * * *", Targets: "127.0.0.1", Ports: "22", TCP: true},
			{Name: "b", Schedule: "0 2 * * *", Targets: "127.0.0.1", Ports: "80", TCP: true},
		},
	})
	require.NoError(t, err)
	assert.Len(t, s.Jobs(), 2)

	err = s.Load(config.SchedulerConfig{
		Jobs: []config.ScheduledScan{
			{Name: "c", Schedule: "bogus", Targets: "127.0.0.1", Ports: "80", TCP: true},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `job "c"`)
}

// TestJobTimingDefaults tests the fallback timeout and concurrency.
func TestJobTimingDefaults(t *testing.T) {
	s := newTestScheduler()
	defer s.Stop()

	require.NoError(t, s.AddJob(config.ScheduledScan{
		Name:     "defaults",
		Schedule: "* * * * *",
		Targets:  "127.0.0.1",
		Ports:    "80",
		TCP:      true,
	}))
	require.NoError(t, s.AddJob(config.ScheduledScan{
		Name:     "explicit",
		Schedule: "* * * * *",
		Targets:  "127.0.0.1",
		Ports:    "80",
		TCP:      true,
		Timeout:  3 * time.Second,
	}))

	for _, job := range s.Jobs() {
		switch job.Name {
		case "defaults":
			assert.Equal(t, 500*time.Millisecond, job.Spec.Timeout)
		case "explicit":
			assert.Equal(t, 3*time.Second, job.Spec.Timeout)
		}
		assert.Equal(t, 4, job.Spec.Concurrency)
	}
}

// TestNextRun tests schedule introspection after start.
func TestNextRun(t *testing.T) {
	s := newTestScheduler()

	require.NoError(t, s.AddJob(config.ScheduledScan{
		Name:     "nightly",
		Schedule: "0 2 * * *",
		Targets:  "127.0.0.1",
		Ports:    "80",
		TCP:      true,
	}))
	require.NoError(t, s.Start())
	defer s.Stop()

	next, err := s.NextRun("nightly")
	require.NoError(t, err)
	assert.True(t, next.After(time.Now()), "next run must be in the future")

	_, err = s.NextRun("missing")
	require.Error(t, err)
}

// TestRemoveJob tests unregistration.
func TestRemoveJob(t *testing.T) {
	s := newTestScheduler()
	defer s.Stop()

	require.NoError(t, s.AddJob(config.ScheduledScan{
		Name:     "gone",
		Schedule: "* * * * *",
		Targets:  "127.0.0.1",
		Ports:    "80",
		TCP:      true,
	}))
	require.NoError(t, s.RemoveJob("gone"))
	assert.Empty(t, s.Jobs())
	require.Error(t, s.RemoveJob("gone"))
}

// TestRunJobExecutesScan tests that a tick drives the engine against a
// real listener.
func TestRunJobExecutesScan(t *testing.T) {
	port, accepted := countingListener(t)

	s := newTestScheduler()
	defer s.Stop()

	require.NoError(t, s.AddJob(config.ScheduledScan{
		Name:     "tick",
		Schedule: "* * * * *",
		Targets:  "127.0.0.1",
		Ports:    "80",
		TCP:      true,
	}))

	s.mu.Lock()
	job := s.jobs["tick"]
	job.Spec.Ports = []int{port}
	s.mu.Unlock()

	s.runJob(job)

	assert.Positive(t, accepted.Load(), "the scan must have connected to the listener")
	assert.False(t, job.LastRun.IsZero())
	assert.False(t, job.Running)
}

// TestRunJobSkipsOverlap tests that an in-progress job suppresses the
// next tick instead of stacking runs.
func TestRunJobSkipsOverlap(t *testing.T) {
	port, accepted := countingListener(t)

	s := newTestScheduler()
	defer s.Stop()

	require.NoError(t, s.AddJob(config.ScheduledScan{
		Name:     "busy",
		Schedule: "* * * * *",
		Targets:  "127.0.0.1",
		Ports:    "80",
		TCP:      true,
	}))

	s.mu.Lock()
	job := s.jobs["busy"]
	job.Spec.Ports = []int{port}
	job.Running = true
	s.mu.Unlock()

	s.runJob(job)

	assert.Zero(t, accepted.Load(), "an overlapping tick must not scan")
}

// TestScheduledExecution tests end-to-end firing with a descriptor schedule.
func TestScheduledExecution(t *testing.T) {
	if testing.Short() {
		t.Skip("timing-dependent")
	}

	port, accepted := countingListener(t)

	s := newTestScheduler()
	require.NoError(t, s.AddJob(config.ScheduledScan{
		Name:     "fast",
		Schedule: "@every 1s",
		Targets:  "127.0.0.1",
		Ports:    "80",
		TCP:      true,
	}))

	s.mu.Lock()
	s.jobs["fast"].Spec.Ports = []int{port}
	s.mu.Unlock()

	require.NoError(t, s.Start())
	defer s.Stop()

	deadline := time.After(5 * time.Second)
	for accepted.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("scheduled scan never fired")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// TestStopIdempotent tests that stopping twice is harmless.
func TestStopIdempotent(t *testing.T) {
	s := newTestScheduler()
	require.NoError(t, s.Start())
	s.Stop()
	s.Stop()
}
