// Package uplink turns gateway events into delivery-queue messages. Device
// state reports ride as reply-expected messages so the cloud acknowledges
// them; rule firings and offline notices are fire-and-forget telemetry. When
// the link recovers, states the cloud never acknowledged are re-emitted from
// the store.
package uplink

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hearth/internal/cloud/channel"
	"hearth/internal/cloud/queue"
	"hearth/internal/device"
	"hearth/internal/eventbus"
	"hearth/internal/linkmon"
	"hearth/internal/rules"
	logx "hearth/pkg/logx"
)

// envelope is the body the cloud receives for every uplink message.
type envelope struct {
	EnvelopeID string    `json:"envelope_id"`
	DeviceID   string    `json:"device_id,omitempty"`
	At         time.Time `json:"at"`
	Data       any       `json:"data,omitempty"`
}

type Config struct {
	Queue    *queue.Queue
	Registry *device.Registry
	Bus      eventbus.Bus
	Logger   logx.Logger

	// StateRetries is the retry budget for reply-expected state messages.
	// Zero uses the queue default.
	StateRetries uint16
}

type Uplink struct {
	q        *queue.Queue
	registry *device.Registry
	bus      eventbus.Bus
	log      logx.Logger

	stateRetries uint16
	nextID       atomic.Uint64
}

func New(cfg Config) *Uplink {
	retries := cfg.StateRetries
	if retries == 0 {
		retries = queue.DefaultMaxRetries
	}
	u := &Uplink{
		q:            cfg.Queue,
		registry:     cfg.Registry,
		bus:          cfg.Bus,
		log:          cfg.Logger,
		stateRetries: retries,
	}
	// IDs start at a random offset so restarts don't collide with replies
	// still routed to the previous process.
	u.nextID.Store(uint64(time.Now().UnixNano()))
	return u
}

// Run consumes bus events until ctx is canceled.
func (u *Uplink) Run(ctx context.Context) error {
	events, unsub := u.bus.Subscribe(128)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			u.handle(ctx, ev)
		}
	}
}

func (u *Uplink) handle(ctx context.Context, ev eventbus.Event) {
	switch ev.Kind {
	case eventbus.KindDeviceState:
		rep, ok := ev.Data.(device.StateReport)
		if !ok {
			return
		}
		u.enqueueState(rep.DeviceID, rep.State, rep.ReportedAt)

	case eventbus.KindDeviceOffline:
		rep, ok := ev.Data.(device.OfflineReport)
		if !ok {
			return
		}
		u.enqueueTelemetry("device.offline", rep.DeviceID, rep)

	case eventbus.KindRuleFired:
		f, ok := ev.Data.(rules.Firing)
		if !ok {
			return
		}
		u.enqueueTelemetry("rule.fired", "", f)

	case eventbus.KindLinkUp:
		if _, ok := ev.Data.(linkmon.Status); !ok {
			return
		}
		u.resendDirty(ctx)
	}
}

// enqueueState sends a state report expecting a cloud acknowledgement. The
// ack marks the persisted state as synced.
func (u *Uplink) enqueueState(deviceID string, state map[string]any, at time.Time) {
	m := queue.NewMessage(u.nextID.Add(1))
	m.ExpectsReply = true
	m.Retries = u.stateRetries
	m.Payload = &channel.Outbound{Kind: "state", Body: envelope{
		EnvelopeID: uuid.NewString(),
		DeviceID:   deviceID,
		At:         at,
		Data:       state,
	}}
	m.OnSuccess = func(*queue.Message) {
		if u.registry != nil {
			u.registry.MarkSynced(deviceID, at)
		}
	}
	m.OnFailure = func(_ *queue.Message, reason queue.Reason) {
		if !u.log.IsZero() {
			u.log.Warn("state report dropped",
				logx.String("device", deviceID),
				logx.String("reason", reason.String()))
		}
	}

	if !u.q.Append(m) && !u.log.IsZero() {
		u.log.Warn("state report rejected by queue", logx.String("device", deviceID))
	}
}

// enqueueTelemetry sends fire-and-forget telemetry with a small retry budget.
func (u *Uplink) enqueueTelemetry(kind, deviceID string, data any) {
	m := queue.NewMessage(u.nextID.Add(1))
	m.Retries = 1
	m.Payload = &channel.Outbound{Kind: kind, Body: envelope{
		EnvelopeID: uuid.NewString(),
		DeviceID:   deviceID,
		At:         time.Now(),
		Data:       data,
	}}
	if !u.q.Append(m) && !u.log.IsZero() {
		u.log.Debug("telemetry rejected by queue", logx.String("kind", kind))
	}
}

// resendDirty re-emits every persisted state the cloud has not acknowledged.
func (u *Uplink) resendDirty(ctx context.Context) {
	if u.registry == nil {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	dirty, err := u.registry.DirtyStates(dctx)
	cancel()
	if err != nil {
		if !u.log.IsZero() {
			u.log.Warn("dirty state scan failed", logx.Err(err))
		}
		return
	}
	if len(dirty) == 0 {
		return
	}
	if !u.log.IsZero() {
		u.log.Info("re-emitting unacknowledged states", logx.Int("count", len(dirty)))
	}
	for _, rec := range dirty {
		var state map[string]any
		if err := json.Unmarshal([]byte(rec.StateJSON), &state); err != nil {
			continue
		}
		u.enqueueState(rec.DeviceID, state, rec.ReportedAt)
	}
}

// Apply pushes reloaded queue tunables through.
func (u *Uplink) Apply(maxInFlight int, replyTimeout time.Duration) {
	if maxInFlight > 0 {
		if err := u.q.SetMaxInFlight(maxInFlight); err != nil && !u.log.IsZero() {
			u.log.Warn("max in-flight update rejected", logx.Err(err))
		}
	}
	if replyTimeout > 0 {
		if err := u.q.SetReplyTimeout(replyTimeout); err != nil && !u.log.IsZero() {
			u.log.Warn("reply timeout update rejected", logx.Err(err))
		}
	}
}
