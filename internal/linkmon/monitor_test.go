package linkmon

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"hearth/internal/eventbus"
	logx "hearth/pkg/logx"
)

// flakyProber fails while failing is set.
type flakyProber struct {
	failing atomic.Bool
}

func (p *flakyProber) Probe(context.Context) error {
	if p.failing.Load() {
		return errors.New("unreachable")
	}
	return nil
}

func newTestMonitor(t *testing.T, p Prober, failThr, recovThr int) (*Monitor, <-chan eventbus.Event) {
	t.Helper()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	t.Cleanup(unsub)

	m := New(Config{
		Prober:           p,
		ProbeInterval:    time.Hour, // tests drive probeOnce directly
		ProbeTimeout:     time.Second,
		FailThreshold:    failThr,
		RecoverThreshold: recovThr,
		Bus:              bus,
		Logger:           logx.Nop(),
	})
	return m, events
}

func expectEvent(t *testing.T, events <-chan eventbus.Event, kind string) Status {
	t.Helper()
	select {
	case ev := <-events:
		if ev.Kind != kind {
			t.Fatalf("event kind = %q, want %q", ev.Kind, kind)
		}
		return ev.Data.(Status)
	case <-time.After(time.Second):
		t.Fatalf("no %s event", kind)
		return Status{}
	}
}

func expectNoEvent(t *testing.T, events <-chan eventbus.Event) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %q", ev.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLinkComesUpAfterRecoverThreshold(t *testing.T) {
	t.Parallel()

	p := &flakyProber{}
	m, events := newTestMonitor(t, p, 2, 2)

	if m.Up() {
		t.Fatal("link must start down")
	}
	m.probeOnce()
	expectNoEvent(t, events) // one success, threshold is two
	m.probeOnce()
	st := expectEvent(t, events, eventbus.KindLinkUp)
	if !st.Up || !m.Up() {
		t.Error("link should be up")
	}
}

func TestLinkFlapsOnlyAfterFailThreshold(t *testing.T) {
	t.Parallel()

	p := &flakyProber{}
	m, events := newTestMonitor(t, p, 2, 1)

	m.probeOnce()
	expectEvent(t, events, eventbus.KindLinkUp)

	// A single failure must not take the link down.
	p.failing.Store(true)
	m.probeOnce()
	expectNoEvent(t, events)
	if !m.Up() {
		t.Fatal("one failure should not flip the link")
	}

	m.probeOnce()
	expectEvent(t, events, eventbus.KindLinkDown)
	if m.Up() {
		t.Fatal("link should be down after two failures")
	}

	// A success resets the fail streak; recovery follows immediately at
	// threshold one.
	p.failing.Store(false)
	m.probeOnce()
	expectEvent(t, events, eventbus.KindLinkUp)
}

func TestFailureResetsSuccessStreak(t *testing.T) {
	t.Parallel()

	p := &flakyProber{}
	m, events := newTestMonitor(t, p, 1, 3)

	m.probeOnce()
	m.probeOnce()
	p.failing.Store(true)
	m.probeOnce() // wipes the two successes
	p.failing.Store(false)
	m.probeOnce()
	m.probeOnce()
	expectNoEvent(t, events)
	m.probeOnce()
	expectEvent(t, events, eventbus.KindLinkUp)
}

func TestOnChangeRunsBeforeBusEvent(t *testing.T) {
	t.Parallel()

	var fromCallback atomic.Bool
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	m := New(Config{
		Prober:        ProberFunc(func(context.Context) error { return nil }),
		ProbeInterval: time.Hour,
		OnChange:      func(up bool) { fromCallback.Store(up) },
		Bus:           bus,
		Logger:        logx.Nop(),
	})
	m.probeOnce()

	expectEvent(t, events, eventbus.KindLinkUp)
	if !fromCallback.Load() {
		t.Error("OnChange should have run with up=true")
	}
}

func TestLatencyProberFeedsStatus(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	m := New(Config{
		Prober:        ProberFunc(func(context.Context) error { return nil }),
		ProbeInterval: time.Hour,
		Latency: LatencyProberFunc(func(context.Context) (time.Duration, error) {
			return 42 * time.Millisecond, nil
		}),
		Bus:    bus,
		Logger: logx.Nop(),
	})
	m.probeOnce()

	st := expectEvent(t, events, eventbus.KindLinkUp)
	if st.Latency != 42*time.Millisecond {
		t.Errorf("latency = %v", st.Latency)
	}
	if m.Latency() != 42*time.Millisecond {
		t.Errorf("Latency() = %v", m.Latency())
	}
}

func TestTCPProber(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := TCPProber(ln.Addr().String()).Probe(ctx); err != nil {
		t.Errorf("probe against live listener: %v", err)
	}

	ln.Close()
	if err := TCPProber(ln.Addr().String()).Probe(ctx); err == nil {
		t.Error("probe against closed listener should fail")
	}
}

func TestStartStopJoins(t *testing.T) {
	t.Parallel()

	m := New(Config{
		Prober:        ProberFunc(func(context.Context) error { return nil }),
		ProbeInterval: 5 * time.Millisecond,
		Logger:        logx.Nop(),
	})
	m.Start()
	time.Sleep(20 * time.Millisecond)
	m.Stop() // must not hang
	if !m.Up() {
		t.Error("link should be up after successful probes")
	}
}
