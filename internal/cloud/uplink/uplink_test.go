package uplink

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hearth/internal/cloud/channel"
	"hearth/internal/cloud/queue"
	"hearth/internal/device"
	"hearth/internal/eventbus"
	"hearth/internal/linkmon"
	"hearth/internal/rules"
	logx "hearth/pkg/logx"
)

// captureDelegate records processed messages and acknowledges every send.
type captureDelegate struct {
	mu   sync.Mutex
	sent []*channel.Outbound

	// ackReplies completes reply-expected messages instead of leaving them
	// in flight.
	q *queue.Queue
}

func (d *captureDelegate) Filter(*queue.Message) bool { return true }

func (d *captureDelegate) Process(m *queue.Message) queue.Result {
	out, ok := m.Payload.(*channel.Outbound)
	if !ok {
		return queue.ResultInvalid
	}
	d.mu.Lock()
	d.sent = append(d.sent, out)
	d.mu.Unlock()

	if m.ExpectsReply {
		// Ack from another goroutine, as a real transport's read loop would.
		id := m.ID
		go func() {
			if got := d.q.Completed(id, "ack"); got != nil {
				if got.OnSuccess != nil {
					got.OnSuccess(got)
				}
				got.Release()
			}
		}()
		return queue.ResultSuccess
	}
	return queue.ResultSuccessHandled
}

func (d *captureDelegate) Notify(m *queue.Message, ok bool, reason queue.Reason) {
	if ok && m.OnSuccess != nil {
		m.OnSuccess(m)
	}
	if !ok && m.OnFailure != nil {
		m.OnFailure(m, reason)
	}
}

func (d *captureDelegate) kinds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sent))
	for i, s := range d.sent {
		out[i] = s.Kind
	}
	return out
}

func newHarness(t *testing.T, reg *device.Registry) (*Uplink, *captureDelegate, eventbus.Bus) {
	t.Helper()
	d := &captureDelegate{}
	q, err := queue.New(d, queue.Config{Logger: logx.Nop()})
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	d.q = q
	q.Start()
	t.Cleanup(func() { q.Stop(true) })

	bus := eventbus.New()
	u := New(Config{Queue: q, Registry: reg, Bus: bus, Logger: logx.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = u.Run(ctx) }()
	return u, d, bus
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStateEventBecomesReplyExpectedMessage(t *testing.T) {
	t.Parallel()

	_, d, bus := newHarness(t, nil)
	bus.Publish(eventbus.Event{Kind: eventbus.KindDeviceState, Data: device.StateReport{
		DeviceID:   "lamp-1",
		State:      map[string]any{"on": true},
		ReportedAt: time.Now(),
	}})

	waitFor(t, func() bool { return len(d.kinds()) == 1 })
	if got := d.kinds()[0]; got != "state" {
		t.Errorf("kind = %q, want state", got)
	}

	d.mu.Lock()
	env := d.sent[0].Body.(envelope)
	d.mu.Unlock()
	if env.DeviceID != "lamp-1" || env.EnvelopeID == "" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestRuleFiringAndOfflineAreTelemetry(t *testing.T) {
	t.Parallel()

	_, d, bus := newHarness(t, nil)
	bus.Publish(eventbus.Event{Kind: eventbus.KindRuleFired, Data: rules.Firing{
		Rule: "night-off", Action: "off",
	}})
	bus.Publish(eventbus.Event{Kind: eventbus.KindDeviceOffline, Data: device.OfflineReport{
		DeviceID: "sensor-9",
	}})

	waitFor(t, func() bool { return len(d.kinds()) == 2 })
	kinds := map[string]bool{}
	for _, k := range d.kinds() {
		kinds[k] = true
	}
	if !kinds["rule.fired"] || !kinds["device.offline"] {
		t.Errorf("kinds = %v", d.kinds())
	}
}

func TestAckMarksStateSynced(t *testing.T) {
	t.Parallel()

	st, err := device.OpenStore(device.StoreConfig{
		Path: filepath.Join(t.TempDir(), "devices.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	reg := device.NewRegistry(device.RegistryConfig{Store: st, Logger: logx.Nop()})

	_, _, bus := newHarness(t, reg)

	at := time.Now().Truncate(time.Millisecond)
	if err := st.PutState(context.Background(), "lamp-1", `{"on":true}`, at, false); err != nil {
		t.Fatalf("PutState: %v", err)
	}
	bus.Publish(eventbus.Event{Kind: eventbus.KindDeviceState, Data: device.StateReport{
		DeviceID: "lamp-1", State: map[string]any{"on": true}, ReportedAt: at,
	}})

	waitFor(t, func() bool {
		dirty, err := reg.DirtyStates(context.Background())
		return err == nil && len(dirty) == 0
	})
}

func TestLinkUpResendsDirtyStates(t *testing.T) {
	t.Parallel()

	st, err := device.OpenStore(device.StoreConfig{
		Path: filepath.Join(t.TempDir(), "devices.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	reg := device.NewRegistry(device.RegistryConfig{Store: st, Logger: logx.Nop()})

	// Two states persisted before the uplink was listening.
	reg.Report("a", map[string]any{"v": 1})
	reg.Report("b", map[string]any{"v": 2})

	_, d, bus := newHarness(t, reg)
	bus.Publish(eventbus.Event{Kind: eventbus.KindLinkUp, Data: linkmon.Status{Up: true}})

	waitFor(t, func() bool { return len(d.kinds()) == 2 })
	for _, k := range d.kinds() {
		if k != "state" {
			t.Errorf("kind = %q, want state", k)
		}
	}
}

func TestApplyPushesQueueTunables(t *testing.T) {
	t.Parallel()

	u, _, _ := newHarness(t, nil)
	u.Apply(9, 42*time.Second)
	if got := u.q.MaxInFlight(); got != 9 {
		t.Errorf("MaxInFlight = %d", got)
	}
	if got := u.q.ReplyTimeout(); got != 42*time.Second {
		t.Errorf("ReplyTimeout = %v", got)
	}
}
