// Package device tracks the gateway's devices: an in-memory registry of
// descriptors and live state, backed by an optional SQLite store that
// remembers the last reported state across restarts and whether the cloud
// has seen it.
package device

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"hearth/internal/eventbus"
	logx "hearth/pkg/logx"
)

const defaultOfflineAfter = 5 * time.Minute

// Descriptor identifies a device.
type Descriptor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind,omitempty"`
	Room string `json:"room,omitempty"`
}

// Snapshot is a device's current view as held by the registry.
type Snapshot struct {
	Descriptor
	State    map[string]any `json:"state,omitempty"`
	LastSeen time.Time      `json:"last_seen"`
	Online   bool           `json:"online"`
}

// StateReport is the bus payload for device.state events.
type StateReport struct {
	DeviceID   string
	State      map[string]any
	ReportedAt time.Time
}

// OfflineReport is the bus payload for device.offline events.
type OfflineReport struct {
	DeviceID string
	LastSeen time.Time
}

type entry struct {
	desc     Descriptor
	state    map[string]any
	lastSeen time.Time
	online   bool
}

type RegistryConfig struct {
	OfflineAfter time.Duration
	Store        *Store // nil disables persistence
	Bus          eventbus.Bus
	Clock        clock.Clock
	Logger       logx.Logger
}

// Registry is the live device table. Report is safe for concurrent use.
type Registry struct {
	bus   eventbus.Bus
	store *Store
	clk   clock.Clock
	log   logx.Logger

	mu           sync.Mutex
	devices      map[string]*entry
	offlineAfter time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = defaultOfflineAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	r := &Registry{
		bus:          cfg.Bus,
		store:        cfg.Store,
		clk:          cfg.Clock,
		log:          cfg.Logger,
		devices:      map[string]*entry{},
		offlineAfter: cfg.OfflineAfter,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	r.loadPersisted()
	return r
}

// loadPersisted warms the registry from the store so restarts keep the device
// table. Persisted devices start offline until they report again.
func (r *Registry) loadPersisted() {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	descs, err := r.store.ListDevices(ctx)
	if err != nil {
		if !r.log.IsZero() {
			r.log.Warn("device table load failed", logx.Err(err))
		}
		return
	}
	for _, d := range descs {
		e := &entry{desc: d}
		if rec, ok, err := r.store.GetState(ctx, d.ID); err == nil && ok {
			var st map[string]any
			if json.Unmarshal([]byte(rec.StateJSON), &st) == nil {
				e.state = st
			}
			e.lastSeen = rec.ReportedAt
		}
		r.devices[d.ID] = e
	}
	if !r.log.IsZero() && len(descs) > 0 {
		r.log.Info("device table restored", logx.Int("devices", len(descs)))
	}
}

// Start launches the offline sweeper. Stop joins it.
func (r *Registry) Start() {
	go r.sweep()
}

func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// Register adds or updates a device descriptor.
func (r *Registry) Register(d Descriptor) error {
	r.mu.Lock()
	e, ok := r.devices[d.ID]
	if !ok {
		e = &entry{}
		r.devices[d.ID] = e
	}
	e.desc = d
	r.mu.Unlock()

	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return r.store.UpsertDevice(ctx, d)
	}
	return nil
}

// Report records a device's state, marks it online, persists the state as
// dirty, and publishes a device.state event for the uplink to pick up.
func (r *Registry) Report(deviceID string, state map[string]any) {
	now := r.clk.Now()

	r.mu.Lock()
	e, ok := r.devices[deviceID]
	if !ok {
		e = &entry{desc: Descriptor{ID: deviceID}}
		r.devices[deviceID] = e
	}
	e.state = state
	e.lastSeen = now
	wasOffline := !e.online
	e.online = true
	r.mu.Unlock()

	if r.store != nil {
		if b, err := json.Marshal(state); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := r.store.PutState(ctx, deviceID, string(b), now, false); err != nil && !r.log.IsZero() {
				r.log.Warn("state persist failed", logx.String("device", deviceID), logx.Err(err))
			}
			cancel()
		}
	}

	if wasOffline && !r.log.IsZero() {
		r.log.Info("device online", logx.String("device", deviceID))
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Kind: eventbus.KindDeviceState, Data: StateReport{
			DeviceID:   deviceID,
			State:      state,
			ReportedAt: now,
		}})
	}
}

// MarkSynced records that the cloud acknowledged the device's state reported
// at or before the given time.
func (r *Registry) MarkSynced(deviceID string, reportedAt time.Time) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.store.MarkSynced(ctx, deviceID, reportedAt); err != nil && !r.log.IsZero() {
		r.log.Warn("mark synced failed", logx.String("device", deviceID), logx.Err(err))
	}
}

// DirtyStates returns persisted states the cloud has not acknowledged.
func (r *Registry) DirtyStates(ctx context.Context) ([]StateRecord, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.DirtyStates(ctx)
}

// Get returns a snapshot of one device.
func (r *Registry) Get(deviceID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[deviceID]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(e), true
}

// List returns snapshots of all devices ordered by id.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, snapshotOf(e))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Apply updates the offline threshold from a reloaded config.
func (r *Registry) Apply(offlineAfter time.Duration) {
	if offlineAfter <= 0 {
		return
	}
	r.mu.Lock()
	r.offlineAfter = offlineAfter
	r.mu.Unlock()
}

func snapshotOf(e *entry) Snapshot {
	return Snapshot{
		Descriptor: e.desc,
		State:      e.state,
		LastSeen:   e.lastSeen,
		Online:     e.online,
	}
}

// sweep periodically marks silent devices offline and publishes
// device.offline events.
func (r *Registry) sweep() {
	defer close(r.doneCh)

	t := r.clk.Ticker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	now := r.clk.Now()

	var gone []OfflineReport
	r.mu.Lock()
	cutoff := now.Add(-r.offlineAfter)
	for id, e := range r.devices {
		if e.online && !e.lastSeen.IsZero() && e.lastSeen.Before(cutoff) {
			e.online = false
			gone = append(gone, OfflineReport{DeviceID: id, LastSeen: e.lastSeen})
		}
	}
	r.mu.Unlock()

	for _, rep := range gone {
		if !r.log.IsZero() {
			r.log.Warn("device offline",
				logx.String("device", rep.DeviceID),
				logx.Time("last_seen", rep.LastSeen))
		}
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Kind: eventbus.KindDeviceOffline, Data: rep})
		}
	}
}
