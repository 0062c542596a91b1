package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"hearth/internal/cloud/channel"
	"hearth/internal/device"
	"hearth/internal/eventbus"
	"hearth/internal/linkmon"
	logx "hearth/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
}

func (s *fakeSender) Send(_ int64, text string) error {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.texts)
}

func newTestNotifier(t *testing.T, minInterval time.Duration) (*fakeSender, eventbus.Bus, *Notifier) {
	t.Helper()
	sender := &fakeSender{}
	bus := eventbus.New()
	n, err := New(Config{
		MinInterval: minInterval,
		Sender:      sender,
		Bus:         bus,
		Logger:      logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = n.Run(ctx) }()
	return sender, bus, n
}

func waitForCount(t *testing.T, s *fakeSender, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.count() >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("sender count = %d, want %d", s.count(), want)
}

func TestNewRequiresCredentialsWithoutSender(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Bus: eventbus.New()}); err == nil {
		t.Error("expected error without token or sender")
	}
	if _, err := New(Config{Sender: &fakeSender{}}); err == nil {
		t.Error("expected error without bus")
	}
}

func TestAlertsOnDropAndOffline(t *testing.T) {
	t.Parallel()

	sender, bus, _ := newTestNotifier(t, time.Millisecond)
	bus.Publish(eventbus.Event{Kind: eventbus.KindCloudDropped, Data: channel.DeliveryReport{
		MessageID: 7, Kind: "state", Reason: "retry budget exhausted",
	}})
	waitForCount(t, sender, 1)

	bus.Publish(eventbus.Event{Kind: eventbus.KindDeviceOffline, Data: device.OfflineReport{
		DeviceID: "sensor-2", LastSeen: time.Now(),
	}})
	waitForCount(t, sender, 2)
}

func TestLinkTransitions(t *testing.T) {
	t.Parallel()

	sender, bus, _ := newTestNotifier(t, time.Millisecond)
	bus.Publish(eventbus.Event{Kind: eventbus.KindLinkDown, Data: linkmon.Status{}})
	waitForCount(t, sender, 1)
	bus.Publish(eventbus.Event{Kind: eventbus.KindLinkUp, Data: linkmon.Status{Up: true}})
	waitForCount(t, sender, 2)
}

func TestSameKindThrottled(t *testing.T) {
	t.Parallel()

	sender, bus, _ := newTestNotifier(t, time.Hour)
	for i := 0; i < 5; i++ {
		bus.Publish(eventbus.Event{Kind: eventbus.KindCloudDropped, Data: channel.DeliveryReport{
			MessageID: uint64(i),
		}})
	}
	waitForCount(t, sender, 1)
	time.Sleep(20 * time.Millisecond)
	if got := sender.count(); got != 1 {
		t.Errorf("count = %d, want 1 (throttled)", got)
	}

	// A different kind is not throttled by the first.
	bus.Publish(eventbus.Event{Kind: eventbus.KindDeviceOffline, Data: device.OfflineReport{
		DeviceID: "x",
	}})
	waitForCount(t, sender, 2)
}

func TestApplyLoosensThrottle(t *testing.T) {
	t.Parallel()

	sender, bus, n := newTestNotifier(t, time.Hour)
	bus.Publish(eventbus.Event{Kind: eventbus.KindCloudDropped, Data: channel.DeliveryReport{MessageID: 1}})
	waitForCount(t, sender, 1)
	bus.Publish(eventbus.Event{Kind: eventbus.KindCloudDropped, Data: channel.DeliveryReport{MessageID: 2}})
	time.Sleep(20 * time.Millisecond)
	if got := sender.count(); got != 1 {
		t.Fatalf("count = %d, want 1 before Apply", got)
	}

	// Reconfiguring the interval retunes the existing per-kind limiter.
	n.Apply(time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	bus.Publish(eventbus.Event{Kind: eventbus.KindCloudDropped, Data: channel.DeliveryReport{MessageID: 3}})
	waitForCount(t, sender, 2)
}

func TestIrrelevantEventsIgnored(t *testing.T) {
	t.Parallel()

	sender, bus, _ := newTestNotifier(t, time.Millisecond)
	bus.Publish(eventbus.Event{Kind: eventbus.KindDeviceState, Data: device.StateReport{}})
	bus.Publish(eventbus.Event{Kind: eventbus.KindCloudSent, Data: channel.DeliveryReport{}})
	time.Sleep(20 * time.Millisecond)
	if got := sender.count(); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
}
