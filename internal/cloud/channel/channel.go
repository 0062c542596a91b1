// Package channel is the websocket transport behind the delivery queue.
//
// It implements the queue's Delegate contract: Filter admits messages only
// while the socket is connected and the link monitor reports the uplink
// reachable, Process writes one frame per message under a token-bucket rate
// limit, and Notify runs the producer callbacks and publishes the terminal
// outcome on the event bus. A read loop matches reply frames back to
// in-flight messages via Queue.Completed, vetoing duplicates and non-final
// progress replies.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"hearth/internal/cloud/queue"
	"hearth/internal/eventbus"
	logx "hearth/pkg/logx"
)

const (
	defaultRatePerSec   = 10
	defaultBurst        = 20
	defaultReconnectMin = time.Second
	defaultReconnectMax = time.Minute

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	pongWait         = 60 * time.Second
	pingInterval     = 25 * time.Second

	// replyDedupSize bounds the set of reply IDs remembered for duplicate
	// suppression. Cloud brokers redeliver acks after reconnects.
	replyDedupSize = 1024
)

// Outbound is the payload shape the channel knows how to send. Producers set
// it as Message.Payload; anything else is rejected as invalid.
type Outbound struct {
	Kind string `json:"kind"`
	Body any    `json:"body,omitempty"`
}

// frame is the wire format for uplink messages.
type frame struct {
	ID           uint64 `json:"id"`
	RequestID    uint64 `json:"request_id,omitempty"`
	Kind         string `json:"kind"`
	ExpectsReply bool   `json:"expects_reply,omitempty"`
	Body         any    `json:"body,omitempty"`
}

// inbound is the wire format for frames arriving from the cloud. A non-zero
// ReplyTo correlates the frame with an in-flight message; otherwise the frame
// is an unsolicited command.
type inbound struct {
	ID      uint64          `json:"id,omitempty"`
	ReplyTo uint64          `json:"reply_to,omitempty"`
	Final   *bool           `json:"final,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

type Config struct {
	URL   string
	Token string

	RatePerSec int
	Burst      int

	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Logger logx.Logger
	Bus    eventbus.Bus
}

type Channel struct {
	log logx.Logger
	bus eventbus.Bus

	// cfgMu guards the dial parameters; they take effect on the next
	// (re)connect.
	cfgMu        sync.RWMutex
	url          string
	token        string
	reconnectMin time.Duration
	reconnectMax time.Duration

	limiter atomic.Pointer[rate.Limiter]

	connMu sync.Mutex
	conn   *websocket.Conn

	connected atomic.Bool
	linkUp    atomic.Bool

	// q is bound after construction because the queue needs its delegate at
	// New. Bind must run before Run.
	q atomic.Pointer[queue.Queue]

	seen *lru.Cache[uint64, struct{}]

	// runCtx is the context Run was started with; Process uses it so a
	// blocked rate-limiter wait unsticks on shutdown.
	runCtx atomic.Pointer[context.Context]
}

func New(cfg Config) (*Channel, error) {
	if cfg.URL == "" {
		return nil, errors.New("channel: url is required")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.Bus == nil {
		return nil, errors.New("channel: bus is required")
	}

	seen, err := lru.New[uint64, struct{}](replyDedupSize)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		log:          cfg.Logger,
		bus:          cfg.Bus,
		url:          cfg.URL,
		token:        cfg.Token,
		reconnectMin: cfg.ReconnectMin,
		reconnectMax: cfg.ReconnectMax,
		seen:         seen,
	}
	c.limiter.Store(rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst))
	// Link state is pessimistic until the monitor reports otherwise.
	c.linkUp.Store(false)
	return c, nil
}

// Bind attaches the delivery queue the channel feeds replies into.
func (c *Channel) Bind(q *queue.Queue) { c.q.Store(q) }

// SetLinkUp is called by the link monitor. Flipping the flag re-runs the
// queue's admissibility filter so pending messages react immediately.
func (c *Channel) SetLinkUp(up bool) {
	if c.linkUp.Swap(up) == up {
		return
	}
	if q := c.q.Load(); q != nil {
		q.RunFilter()
	}
}

// Apply updates the runtime tunables from a reloaded config. Dial parameters
// take effect on the next reconnect; the rate limit applies immediately.
func (c *Channel) Apply(cfg Config) {
	c.cfgMu.Lock()
	if cfg.URL != "" {
		c.url = cfg.URL
	}
	c.token = cfg.Token
	if cfg.ReconnectMin > 0 {
		c.reconnectMin = cfg.ReconnectMin
	}
	if cfg.ReconnectMax >= c.reconnectMin {
		c.reconnectMax = cfg.ReconnectMax
	}
	c.cfgMu.Unlock()

	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = defaultBurst
		}
		c.limiter.Store(rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst))
	}
}

// Filter implements queue.Delegate. It must stay a cheap, pure predicate: it
// runs under the queue mutex.
func (c *Channel) Filter(_ *queue.Message) bool {
	return c.connected.Load() && c.linkUp.Load()
}

// Process implements queue.Delegate. It is the only hook allowed to block.
func (c *Channel) Process(m *queue.Message) queue.Result {
	out, ok := m.Payload.(*Outbound)
	if !ok || out == nil {
		return queue.ResultInvalid
	}

	ctx := context.Background()
	if p := c.runCtx.Load(); p != nil {
		ctx = *p
	}
	if err := c.limiter.Load().Wait(ctx); err != nil {
		// Shutdown while throttled; no budget consumed.
		return queue.ResultDelaySend
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil || !c.connected.Load() {
		// Lost the socket between Filter and Process.
		return queue.ResultDelaySend
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteJSON(frame{
		ID:           m.ID,
		RequestID:    m.RequestID,
		Kind:         out.Kind,
		ExpectsReply: m.ExpectsReply,
		Body:         out.Body,
	})
	if err != nil {
		if !c.log.IsZero() {
			c.log.Warn("uplink write failed",
				logx.Uint64("msg_id", m.ID),
				logx.String("kind", out.Kind),
				logx.Err(err))
		}
		c.dropConn(conn)
		return queue.ResultSendFailure
	}

	if m.ExpectsReply {
		return queue.ResultSuccess
	}
	return queue.ResultSuccessHandled
}

// Notify implements queue.Delegate: the exactly-once terminal hook.
func (c *Channel) Notify(m *queue.Message, ok bool, reason queue.Reason) {
	kind := ""
	if out, isOut := m.Payload.(*Outbound); isOut && out != nil {
		kind = out.Kind
	}
	if ok {
		if m.OnSuccess != nil {
			m.OnSuccess(m)
		}
		c.bus.Publish(eventbus.Event{Kind: eventbus.KindCloudSent, Data: DeliveryReport{
			MessageID: m.ID,
			RequestID: m.RequestID,
			Kind:      kind,
		}})
		return
	}
	if m.OnFailure != nil {
		m.OnFailure(m, reason)
	}
	if !c.log.IsZero() {
		c.log.Debug("uplink message dropped",
			logx.Uint64("msg_id", m.ID),
			logx.String("kind", kind),
			logx.String("reason", reason.String()),
			logx.Int("attempts", int(m.ErrorCount())))
	}
	c.bus.Publish(eventbus.Event{Kind: eventbus.KindCloudDropped, Data: DeliveryReport{
		MessageID: m.ID,
		RequestID: m.RequestID,
		Kind:      kind,
		Reason:    reason.String(),
	}})
}

// DeliveryReport is the bus payload for cloud.sent / cloud.dropped events.
type DeliveryReport struct {
	MessageID uint64
	RequestID uint64
	Kind      string
	Reason    string // empty on success
}

// AcceptReply implements queue.ReplyAcceptor. Duplicate replies (broker
// redelivery) and non-final progress frames are vetoed so the message stays
// in flight until a real terminal reply or its timeout.
func (c *Channel) AcceptReply(m *queue.Message, payload any) bool {
	in, ok := payload.(*inbound)
	if !ok || in == nil {
		return true
	}
	if in.Final != nil && !*in.Final {
		return false
	}
	if _, dup := c.seen.Get(in.ID); dup && in.ID != 0 {
		return false
	}
	if in.ID != 0 {
		c.seen.Add(in.ID, struct{}{})
	}
	return true
}

// Run dials the cloud endpoint and keeps the connection alive, reconnecting
// with jittered exponential backoff. It returns when ctx is canceled.
func (c *Channel) Run(ctx context.Context) error {
	c.runCtx.Store(&ctx)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	c.cfgMu.RLock()
	backoff := c.reconnectMin
	c.cfgMu.RUnlock()

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.cfgMu.RLock()
			minB, maxB := c.reconnectMin, c.reconnectMax
			c.cfgMu.RUnlock()

			wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
			if backoff < maxB {
				backoff *= 2
				if backoff > maxB {
					backoff = maxB
				}
			}
			if backoff < minB {
				backoff = minB
			}
			if !c.log.IsZero() {
				c.log.Warn("cloud dial failed", logx.Err(err), logx.Duration("retry_in", wait))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
				continue
			}
		}

		c.cfgMu.RLock()
		backoff = c.reconnectMin
		c.cfgMu.RUnlock()

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.connected.Store(true)
		if q := c.q.Load(); q != nil {
			q.RunFilter()
		}
		if !c.log.IsZero() {
			c.log.Info("cloud link connected")
		}

		c.readLoop(ctx, conn)

		c.connected.Store(false)
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		_ = conn.Close()
		if q := c.q.Load(); q != nil {
			q.RunFilter()
		}
		if ctx.Err() != nil {
			return nil
		}
		if !c.log.IsZero() {
			c.log.Warn("cloud link lost; reconnecting")
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	c.cfgMu.RLock()
	url, token := c.url, c.token
	c.cfgMu.RUnlock()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := dialer.DialContext(ctx, url, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// readLoop decodes inbound frames until the connection breaks or ctx ends.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingDone := make(chan struct{})
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-t.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer close(pingDone)

	for {
		var in inbound
		if err := conn.ReadJSON(&in); err != nil {
			if ctx.Err() == nil && !c.log.IsZero() &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("cloud read loop ended", logx.Err(err))
			}
			return
		}
		c.handleInbound(&in)
	}
}

func (c *Channel) handleInbound(in *inbound) {
	if in.ReplyTo != 0 {
		q := c.q.Load()
		if q == nil {
			return
		}
		if m := q.Completed(in.ReplyTo, in); m != nil {
			// Completed hands the message back without running Notify; the
			// terminal bookkeeping is ours now.
			if m.OnSuccess != nil {
				m.OnSuccess(m)
			}
			c.bus.Publish(eventbus.Event{Kind: eventbus.KindCloudSent, Data: DeliveryReport{
				MessageID: m.ID,
				RequestID: m.RequestID,
			}})
			m.Release()
		}
		return
	}

	// Unsolicited command from the cloud.
	c.bus.Publish(eventbus.Event{Kind: eventbus.KindCloudCommand, Data: Command{
		ID:   in.ID,
		Kind: in.Kind,
		Body: in.Body,
	}})
}

// Command is the bus payload for cloud.command events.
type Command struct {
	ID   uint64
	Kind string
	Body json.RawMessage
}

func (c *Channel) dropConn(conn *websocket.Conn) {
	c.connected.Store(false)
	_ = conn.Close()
	if q := c.q.Load(); q != nil {
		q.RunFilter()
	}
}

// Connected reports whether the socket is currently established.
func (c *Channel) Connected() bool { return c.connected.Load() }
