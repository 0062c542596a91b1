// Package linkmon watches cloud reachability. A periodic TCP probe with
// debounce thresholds drives link.up / link.down events; the delivery
// queue's admissibility filter follows them.
package linkmon

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"hearth/internal/eventbus"
	logx "hearth/pkg/logx"
)

const (
	defaultProbeInterval    = 15 * time.Second
	defaultProbeTimeout     = 5 * time.Second
	defaultFailThreshold    = 2
	defaultRecoverThreshold = 1
)

// Prober checks whether the uplink target is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// TCPProber dials the target with a timeout; any established connection
// counts as reachable.
func TCPProber(target string) Prober {
	return ProberFunc(func(ctx context.Context) error {
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return err
		}
		return conn.Close()
	})
}

// Status is the bus payload for link.up / link.down events.
type Status struct {
	Up      bool
	At      time.Time
	Latency time.Duration // zero when the latency probe is off or stale
}

type Config struct {
	Prober        Prober
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// FailThreshold consecutive failed probes take the link down;
	// RecoverThreshold consecutive successes bring it back. The asymmetry
	// keeps one dropped packet from flapping the queue filter.
	FailThreshold    int
	RecoverThreshold int

	// Latency optionally grades the link after each successful probe.
	Latency LatencyProber

	// OnChange runs synchronously on every transition, before the bus event.
	OnChange func(up bool)

	Bus    eventbus.Bus
	Clock  clock.Clock
	Logger logx.Logger
}

type Monitor struct {
	prober   Prober
	latency  LatencyProber
	onChange func(bool)
	bus      eventbus.Bus
	clk      clock.Clock
	log      logx.Logger

	mu        sync.Mutex
	interval  time.Duration
	timeout   time.Duration
	failThr   int
	recovThr  int
	fails     int
	successes int
	up        bool

	lastLatency atomic.Int64 // nanoseconds

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func New(cfg Config) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = defaultFailThreshold
	}
	if cfg.RecoverThreshold <= 0 {
		cfg.RecoverThreshold = defaultRecoverThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Monitor{
		prober:   cfg.Prober,
		latency:  cfg.Latency,
		onChange: cfg.OnChange,
		bus:      cfg.Bus,
		clk:      cfg.Clock,
		log:      cfg.Logger,
		interval: cfg.ProbeInterval,
		timeout:  cfg.ProbeTimeout,
		failThr:  cfg.FailThreshold,
		recovThr: cfg.RecoverThreshold,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	go m.run()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// Up reports the current debounced link state.
func (m *Monitor) Up() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up
}

// Latency returns the last measured round-trip latency, zero when unknown.
func (m *Monitor) Latency() time.Duration {
	return time.Duration(m.lastLatency.Load())
}

// Apply updates probe tunables from a reloaded config.
func (m *Monitor) Apply(interval, timeout time.Duration, failThr, recovThr int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval > 0 {
		m.interval = interval
	}
	if timeout > 0 {
		m.timeout = timeout
	}
	if failThr > 0 {
		m.failThr = failThr
	}
	if recovThr > 0 {
		m.recovThr = recovThr
	}
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	// Probe immediately so startup doesn't wait a full interval.
	m.probeOnce()
	for {
		m.mu.Lock()
		interval := m.interval
		m.mu.Unlock()

		t := m.clk.Timer(interval)
		select {
		case <-m.stopCh:
			t.Stop()
			return
		case <-t.C:
			m.probeOnce()
		}
	}
}

func (m *Monitor) probeOnce() {
	m.mu.Lock()
	timeout := m.timeout
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err := m.prober.Probe(ctx)
	cancel()

	if err == nil && m.latency != nil {
		lctx, lcancel := context.WithTimeout(context.Background(), timeout)
		if d, lerr := m.latency.Measure(lctx); lerr == nil && d > 0 {
			m.lastLatency.Store(int64(d))
		}
		lcancel()
	}

	m.mu.Lock()
	var flipped, nowUp bool
	if err != nil {
		m.successes = 0
		m.fails++
		if m.up && m.fails >= m.failThr {
			m.up = false
			flipped = true
		}
	} else {
		m.fails = 0
		m.successes++
		if !m.up && m.successes >= m.recovThr {
			m.up = true
			flipped = true
		}
	}
	nowUp = m.up
	m.mu.Unlock()

	if err != nil && !m.log.IsZero() {
		m.log.Debug("link probe failed", logx.Err(err))
	}
	if !flipped {
		return
	}

	if !m.log.IsZero() {
		if nowUp {
			m.log.Info("cloud link up", logx.Duration("latency", m.Latency()))
		} else {
			m.log.Warn("cloud link down")
		}
	}
	if m.onChange != nil {
		m.onChange(nowUp)
	}
	if m.bus != nil {
		kind := eventbus.KindLinkDown
		if nowUp {
			kind = eventbus.KindLinkUp
		}
		m.bus.Publish(eventbus.Event{Kind: kind, Data: Status{
			Up:      nowUp,
			At:      m.clk.Now(),
			Latency: m.Latency(),
		}})
	}
}
