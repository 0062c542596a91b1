package device

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"hearth/internal/eventbus"
	logx "hearth/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenStore(StoreConfig{
		Path:        filepath.Join(t.TempDir(), "devices.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	d := Descriptor{ID: "lamp-1", Name: "Desk Lamp", Kind: "light", Room: "office"}
	if err := st.UpsertDevice(ctx, d); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	// Upsert refreshes descriptive fields.
	d.Room = "bedroom"
	if err := st.UpsertDevice(ctx, d); err != nil {
		t.Fatalf("UpsertDevice update: %v", err)
	}

	devices, err := st.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 || devices[0].Room != "bedroom" {
		t.Fatalf("devices = %+v", devices)
	}

	at := time.Now().Truncate(time.Millisecond)
	if err := st.PutState(ctx, "lamp-1", `{"on":true}`, at, false); err != nil {
		t.Fatalf("PutState: %v", err)
	}

	rec, ok, err := st.GetState(ctx, "lamp-1")
	if err != nil || !ok {
		t.Fatalf("GetState: ok=%v err=%v", ok, err)
	}
	if rec.StateJSON != `{"on":true}` || rec.Synced {
		t.Errorf("rec = %+v", rec)
	}
}

func TestStoreDirtyAndMarkSynced(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Millisecond)
	for i, id := range []string{"a", "b", "c"} {
		if err := st.UpsertDevice(ctx, Descriptor{ID: id}); err != nil {
			t.Fatalf("UpsertDevice %s: %v", id, err)
		}
		if err := st.PutState(ctx, id, `{}`, base.Add(time.Duration(i)*time.Second), false); err != nil {
			t.Fatalf("PutState %s: %v", id, err)
		}
	}

	dirty, err := st.DirtyStates(ctx)
	if err != nil {
		t.Fatalf("DirtyStates: %v", err)
	}
	if len(dirty) != 3 || dirty[0].DeviceID != "a" {
		t.Fatalf("dirty = %+v", dirty)
	}

	if err := st.MarkSynced(ctx, "b", base.Add(time.Second)); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	dirty, err = st.DirtyStates(ctx)
	if err != nil {
		t.Fatalf("DirtyStates: %v", err)
	}
	if len(dirty) != 2 {
		t.Fatalf("dirty after sync = %+v", dirty)
	}

	// A fresher report must stay dirty even if an older ack arrives late.
	if err := st.PutState(ctx, "a", `{"v":2}`, base.Add(10*time.Second), false); err != nil {
		t.Fatalf("PutState fresh: %v", err)
	}
	if err := st.MarkSynced(ctx, "a", base); err != nil {
		t.Fatalf("MarkSynced stale: %v", err)
	}
	rec, _, err := st.GetState(ctx, "a")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if rec.Synced {
		t.Error("stale ack must not mark a fresher state synced")
	}
}

func TestRegistryReportPublishesAndPersists(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	r := NewRegistry(RegistryConfig{Store: st, Bus: bus, Logger: logx.Nop()})
	r.Report("sensor-1", map[string]any{"temp": 20.0})

	select {
	case ev := <-events:
		if ev.Kind != eventbus.KindDeviceState {
			t.Fatalf("event kind = %q", ev.Kind)
		}
		rep := ev.Data.(StateReport)
		if rep.DeviceID != "sensor-1" {
			t.Errorf("report = %+v", rep)
		}
	case <-time.After(time.Second):
		t.Fatal("no device.state event")
	}

	snap, ok := r.Get("sensor-1")
	if !ok || !snap.Online {
		t.Fatalf("snapshot = %+v ok=%v", snap, ok)
	}

	dirty, err := st.DirtyStates(context.Background())
	if err != nil || len(dirty) != 1 {
		t.Fatalf("dirty = %+v err=%v", dirty, err)
	}
}

func TestRegistryRestoresFromStore(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	ctx := context.Background()
	if err := st.UpsertDevice(ctx, Descriptor{ID: "plug-1", Kind: "plug"}); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if err := st.PutState(ctx, "plug-1", `{"on":false}`, time.Now(), true); err != nil {
		t.Fatalf("PutState: %v", err)
	}

	r := NewRegistry(RegistryConfig{Store: st, Logger: logx.Nop()})
	snap, ok := r.Get("plug-1")
	if !ok {
		t.Fatal("restored device missing")
	}
	if snap.Online {
		t.Error("restored device must start offline")
	}
	if on, _ := snap.State["on"].(bool); on {
		t.Errorf("state = %+v", snap.State)
	}
}

func TestRegistryOfflineSweep(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	r := NewRegistry(RegistryConfig{
		OfflineAfter: time.Minute,
		Bus:          bus,
		Clock:        mock,
		Logger:       logx.Nop(),
	})
	r.Report("lamp-1", map[string]any{"on": true})
	<-events // device.state

	mock.Add(2 * time.Minute)
	r.sweepOnce()

	select {
	case ev := <-events:
		if ev.Kind != eventbus.KindDeviceOffline {
			t.Fatalf("event kind = %q", ev.Kind)
		}
		rep := ev.Data.(OfflineReport)
		if rep.DeviceID != "lamp-1" {
			t.Errorf("report = %+v", rep)
		}
	case <-time.After(time.Second):
		t.Fatal("no device.offline event")
	}

	snap, _ := r.Get("lamp-1")
	if snap.Online {
		t.Error("device should be offline after the sweep")
	}

	// Reporting again flips it back online.
	r.Report("lamp-1", map[string]any{"on": false})
	snap, _ = r.Get("lamp-1")
	if !snap.Online {
		t.Error("device should be online after a fresh report")
	}
}

func TestRegistryListSorted(t *testing.T) {
	t.Parallel()

	r := NewRegistry(RegistryConfig{Logger: logx.Nop()})
	r.Report("b", nil)
	r.Report("a", nil)
	r.Report("c", nil)

	list := r.List()
	if len(list) != 3 || list[0].ID != "a" || list[2].ID != "c" {
		t.Fatalf("list = %+v", list)
	}
}
