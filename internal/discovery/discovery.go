// Package discovery provides alive-host discovery for meltscan. Hosts are
// swept with TCP connect attempts against a small set of common ports;
// answering hosts can optionally be given a name through a cached PTR lookup.
package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/miekg/dns"
	"golang.org/x/sync/semaphore"

	scanerrors "github.com/meltsec/meltscan/internal/errors"
	"github.com/meltsec/meltscan/internal/logging"
	"github.com/meltsec/meltscan/internal/metrics"
	"github.com/meltsec/meltscan/internal/targets"
)

const (
	// Default sweep configuration values.
	defaultTimeout     = 1 * time.Second
	defaultConcurrency = 128
	defaultCacheTTL    = 5 * time.Minute

	// Ristretto sizing, generous for sweeps up to /16.
	cacheNumCounters = 1e6
	cacheMaxCost     = 1 << 24
	cacheBufferItems = 64
)

// defaultProbePorts are tried in order until one answers.
func defaultProbePorts() []int {
	return []int{22, 80, 443, 445, 3389}
}

// Config represents sweep configuration.
type Config struct {
	Ports       []int         `json:"ports"`
	Timeout     time.Duration `json:"timeout"`
	Concurrency int64         `json:"concurrency"`
	ResolvePTR  bool          `json:"resolve_ptr"`
	DNSServer   string        `json:"dns_server"`
	CacheTTL    time.Duration `json:"cache_ttl"`
}

// DefaultConfig returns a sweep configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Ports:       defaultProbePorts(),
		Timeout:     defaultTimeout,
		Concurrency: defaultConcurrency,
		ResolvePTR:  true,
		CacheTTL:    defaultCacheTTL,
	}
}

// Host represents one alive host found by a sweep.
type Host struct {
	Address  string        `json:"address"`
	Hostname string        `json:"hostname,omitempty"`
	Port     int           `json:"port"`
	RTT      time.Duration `json:"rtt"`
}

// resolverFunc resolves an address to a hostname. Swapped out in tests.
type resolverFunc func(ctx context.Context, addr string) string

// Sweeper handles alive-host sweeps.
type Sweeper struct {
	config   Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	sem      *semaphore.Weighted
	ptrCache *ristretto.Cache
	resolve  resolverFunc
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger used for sweep events.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink for sweep counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

// WithResolver replaces the PTR resolver.
func WithResolver(resolve func(ctx context.Context, addr string) string) Option {
	return func(s *Sweeper) {
		s.resolve = resolve
	}
}

// New creates a sweeper for the given configuration.
func New(cfg Config, opts ...Option) (*Sweeper, error) {
	if len(cfg.Ports) == 0 {
		cfg.Ports = defaultProbePorts()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cacheNumCounters,
		MaxCost:     cacheMaxCost,
		BufferItems: cacheBufferItems,
	})
	if err != nil {
		return nil, scanerrors.WrapDiscoveryError(scanerrors.CodeDiscoveryFailed,
			"failed to initialize PTR cache", "", err)
	}

	s := &Sweeper{
		config:   cfg,
		logger:   logging.Default(),
		metrics:  metrics.Global(),
		sem:      semaphore.NewWeighted(cfg.Concurrency),
		ptrCache: cache,
	}
	s.resolve = s.resolvePTR

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the sweeper's cache resources.
func (s *Sweeper) Close() {
	s.ptrCache.Close()
}

// Sweep probes every address in the given network expression and returns the
// hosts that answered, sorted by address. The expression accepts anything the
// target resolver does, so single hosts and lists work as well as CIDRs.
// A cancelled context returns the hosts found so far along with ctx.Err().
func (s *Sweeper) Sweep(ctx context.Context, network string) ([]Host, error) {
	addrs := targets.Resolve(network)
	if len(addrs) == 0 {
		return nil, scanerrors.NewDiscoveryError(scanerrors.CodeNetworkInvalid,
			"Nenhum endereço na faixa informada", network)
	}

	s.logger.InfoDiscovery("Starting sweep", network,
		"addresses", len(addrs),
		"ports", s.config.Ports,
		"concurrency", s.config.Concurrency)

	start := time.Now()

	var (
		mu    sync.Mutex
		alive []Host
		wg    sync.WaitGroup
	)

	var sweepErr error
	for _, addr := range addrs {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			sweepErr = ctx.Err()
			break
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			defer s.sem.Release(1)

			host, ok := s.probeHost(ctx, addr)
			if !ok {
				return
			}
			if s.config.ResolvePTR {
				host.Hostname = s.lookupName(ctx, addr)
			}
			mu.Lock()
			alive = append(alive, host)
			mu.Unlock()
		}(addr)
	}
	wg.Wait()

	sortHosts(alive)

	status := "completed"
	if sweepErr != nil {
		status = "cancelled"
	}
	s.metrics.IncrementSweepsTotal(status)
	s.metrics.RecordSweepDuration(time.Since(start))
	s.metrics.AddHostsAlive(network, len(alive))

	if sweepErr != nil {
		s.logger.ErrorDiscovery("Sweep cancelled", network, sweepErr,
			"hosts_alive", len(alive))
		return alive, sweepErr
	}

	s.logger.InfoDiscovery("Sweep completed", network,
		"hosts_alive", len(alive),
		"duration", time.Since(start))
	return alive, nil
}

// probeHost tries the configured ports until one answers. A completed
// connection marks the host alive on that port; a refused connection proves
// the host is up even though the port is closed.
func (s *Sweeper) probeHost(ctx context.Context, addr string) (Host, bool) {
	refused := false
	dialer := net.Dialer{Timeout: s.config.Timeout}

	for _, port := range s.config.Ports {
		select {
		case <-ctx.Done():
			return Host{}, false
		default:
		}

		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
		if err == nil {
			_ = conn.Close()
			return Host{Address: addr, Port: port, RTT: time.Since(start)}, true
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			refused = true
		}
	}

	if refused {
		return Host{Address: addr}, true
	}
	return Host{}, false
}

// lookupName returns the cached or freshly resolved PTR name for addr.
func (s *Sweeper) lookupName(ctx context.Context, addr string) string {
	if value, found := s.ptrCache.Get(addr); found {
		if name, ok := value.(string); ok {
			return name
		}
	}

	name := s.resolve(ctx, addr)
	if name != "" {
		s.ptrCache.SetWithTTL(addr, name, 1, s.config.CacheTTL)
	}
	return name
}

// resolvePTR performs a reverse lookup, against the configured DNS server
// when one is set and through the system resolver otherwise.
func (s *Sweeper) resolvePTR(ctx context.Context, addr string) string {
	if s.config.DNSServer != "" {
		arpa, err := dns.ReverseAddr(addr)
		if err != nil {
			return ""
		}
		msg := new(dns.Msg)
		msg.SetQuestion(arpa, dns.TypePTR)

		client := &dns.Client{Timeout: s.config.Timeout}
		resp, _, err := client.ExchangeContext(ctx, msg, s.config.DNSServer)
		if err != nil || resp == nil {
			return ""
		}
		for _, rr := range resp.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, ".")
			}
		}
		return ""
	}

	names, err := net.DefaultResolver.LookupAddr(ctx, addr)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

// sortHosts orders hosts by address, numerically for IP literals.
func sortHosts(hosts []Host) {
	sort.Slice(hosts, func(i, j int) bool {
		a := net.ParseIP(hosts[i].Address)
		b := net.ParseIP(hosts[j].Address)
		if a != nil && b != nil {
			return compareIPs(a, b) < 0
		}
		return hosts[i].Address < hosts[j].Address
	})
}

func compareIPs(a, b net.IP) int {
	a16 := a.To16()
	b16 := b.To16()
	for i := range a16 {
		switch {
		case a16[i] < b16[i]:
			return -1
		case a16[i] > b16[i]:
			return 1
		}
	}
	return 0
}
