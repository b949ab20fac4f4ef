package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scanerrors "github.com/meltsec/meltscan/internal/errors"
)

// startListener returns a loopback listener and its port. Connections are
// accepted and closed until the listener shuts down.
func startListener(t *testing.T) (net.Listener, int) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	return listener, port
}

// freePort returns a port with nothing listening on it.
func freePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, []int{22, 80, 443, 445, 3389}, cfg.Ports)
	assert.Equal(t, 1*time.Second, cfg.Timeout)
	assert.Equal(t, int64(128), cfg.Concurrency)
	assert.True(t, cfg.ResolvePTR)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
}

func TestNewFillsDefaults(t *testing.T) {
	sweeper, err := New(Config{})
	require.NoError(t, err)
	defer sweeper.Close()

	assert.Equal(t, defaultProbePorts(), sweeper.config.Ports)
	assert.Equal(t, defaultTimeout, sweeper.config.Timeout)
	assert.Equal(t, int64(defaultConcurrency), sweeper.config.Concurrency)
	assert.Equal(t, defaultCacheTTL, sweeper.config.CacheTTL)
}

func TestSweepFindsListener(t *testing.T) {
	_, port := startListener(t)

	sweeper, err := New(Config{
		Ports:      []int{port},
		Timeout:    500 * time.Millisecond,
		ResolvePTR: false,
	})
	require.NoError(t, err)
	defer sweeper.Close()

	hosts, err := sweeper.Sweep(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	require.Len(t, hosts, 1)

	assert.Equal(t, "127.0.0.1", hosts[0].Address)
	assert.Equal(t, port, hosts[0].Port)
	assert.Greater(t, hosts[0].RTT, time.Duration(0))
	assert.Empty(t, hosts[0].Hostname)
}

func TestSweepRefusedPortMarksHostAlive(t *testing.T) {
	port := freePort(t)

	sweeper, err := New(Config{
		Ports:      []int{port},
		Timeout:    500 * time.Millisecond,
		ResolvePTR: false,
	})
	require.NoError(t, err)
	defer sweeper.Close()

	hosts, err := sweeper.Sweep(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	require.Len(t, hosts, 1, "a refused connection still proves the host is up")

	assert.Equal(t, "127.0.0.1", hosts[0].Address)
	assert.Zero(t, hosts[0].Port, "no port actually answered")
}

func TestSweepResolvesNames(t *testing.T) {
	_, port := startListener(t)

	var calls atomic.Int32
	sweeper, err := New(Config{
		Ports:      []int{port},
		Timeout:    500 * time.Millisecond,
		ResolvePTR: true,
	}, WithResolver(func(_ context.Context, addr string) string {
		calls.Add(1)
		return "host-" + addr
	}))
	require.NoError(t, err)
	defer sweeper.Close()

	hosts, err := sweeper.Sweep(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	require.Len(t, hosts, 1)

	assert.Equal(t, "host-127.0.0.1", hosts[0].Hostname)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLookupNameUsesCache(t *testing.T) {
	var calls atomic.Int32
	sweeper, err := New(Config{
		CacheTTL: time.Minute,
	}, WithResolver(func(_ context.Context, _ string) string {
		calls.Add(1)
		return "cached.local"
	}))
	require.NoError(t, err)
	defer sweeper.Close()

	ctx := context.Background()
	assert.Equal(t, "cached.local", sweeper.lookupName(ctx, "192.0.2.10"))

	// Ristretto applies buffered writes asynchronously.
	sweeper.ptrCache.Wait()

	assert.Equal(t, "cached.local", sweeper.lookupName(ctx, "192.0.2.10"))
	assert.Equal(t, int32(1), calls.Load(), "second lookup must come from the cache")
}

func TestSweepInvalidNetwork(t *testing.T) {
	sweeper, err := New(Config{})
	require.NoError(t, err)
	defer sweeper.Close()

	_, err = sweeper.Sweep(context.Background(), " , ; ")
	require.Error(t, err)
	assert.True(t, scanerrors.IsCode(err, scanerrors.CodeNetworkInvalid))
}

func TestSweepCancelledContext(t *testing.T) {
	sweeper, err := New(Config{
		Ports:   []int{9},
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer sweeper.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	hosts, err := sweeper.Sweep(ctx, "127.0.0.1, 127.0.0.2")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, hosts)
}

func TestSweepMultipleAddresses(t *testing.T) {
	_, port := startListener(t)

	sweeper, err := New(Config{
		Ports:      []int{port},
		Timeout:    500 * time.Millisecond,
		ResolvePTR: false,
	})
	require.NoError(t, err)
	defer sweeper.Close()

	// The listener binds 127.0.0.1 only; the second loopback address gets a
	// refused connection.
	hosts, err := sweeper.Sweep(context.Background(), "127.0.0.2;127.0.0.1")
	require.NoError(t, err)
	require.Len(t, hosts, 2)

	assert.Equal(t, "127.0.0.1", hosts[0].Address)
	assert.Equal(t, port, hosts[0].Port)
	assert.Equal(t, "127.0.0.2", hosts[1].Address)
}

func TestSortHosts(t *testing.T) {
	hosts := []Host{
		{Address: "10.0.0.10"},
		{Address: "10.0.0.2"},
		{Address: "10.0.0.1"},
	}
	sortHosts(hosts)

	assert.Equal(t, "10.0.0.1", hosts[0].Address)
	assert.Equal(t, "10.0.0.2", hosts[1].Address)
	assert.Equal(t, "10.0.0.10", hosts[2].Address, "addresses sort numerically, not lexically")
}

func TestProbeHostPortOrder(t *testing.T) {
	_, open := startListener(t)
	closed := freePort(t)

	sweeper, err := New(Config{
		Ports:   []int{closed, open},
		Timeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	defer sweeper.Close()

	host, ok := sweeper.probeHost(context.Background(), "127.0.0.1")
	require.True(t, ok)
	assert.Equal(t, open, host.Port, "the first answering port wins")
}

func BenchmarkSweepLoopback(b *testing.B) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	port := listener.Addr().(*net.TCPAddr).Port

	sweeper, err := New(Config{
		Ports:      []int{port},
		Timeout:    200 * time.Millisecond,
		ResolvePTR: false,
	})
	if err != nil {
		b.Fatal(err)
	}
	defer sweeper.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := sweeper.Sweep(context.Background(), "127.0.0.1"); err != nil {
			b.Fatal(err)
		}
	}
}
