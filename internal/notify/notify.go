// Package notify pushes operator alerts to Telegram when the gateway drops
// uplink messages or loses a device. Alerts of the same kind are throttled
// so a flapping link doesn't flood the chat.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"hearth/internal/cloud/channel"
	"hearth/internal/device"
	"hearth/internal/eventbus"
	"hearth/internal/linkmon"
	logx "hearth/pkg/logx"
)

const defaultMinInterval = 30 * time.Second

// Sender abstracts the outbound Telegram call so tests can intercept it.
type Sender interface {
	Send(chatID int64, text string) error
}

type teleSender struct {
	bot *tele.Bot
}

func (s *teleSender) Send(chatID int64, text string) error {
	_, err := s.bot.Send(tele.ChatID(chatID), text)
	return err
}

type Config struct {
	Token       string
	ChatID      int64
	MinInterval time.Duration

	// Sender overrides the Telegram client; nil builds a real bot from Token.
	Sender Sender

	Bus    eventbus.Bus
	Logger logx.Logger
}

type Notifier struct {
	sender Sender
	chatID int64
	bus    eventbus.Bus
	log    logx.Logger

	mu          sync.Mutex
	minInterval time.Duration
	limiters    map[string]*rate.Limiter
}

func New(cfg Config) (*Notifier, error) {
	if cfg.Bus == nil {
		return nil, errors.New("notify: bus is required")
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaultMinInterval
	}
	sender := cfg.Sender
	if sender == nil {
		if strings.TrimSpace(cfg.Token) == "" {
			return nil, errors.New("notify: telegram token is empty")
		}
		if cfg.ChatID == 0 {
			return nil, errors.New("notify: chat id is required")
		}
		// No poller: the notifier only sends.
		b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
		if err != nil {
			return nil, err
		}
		sender = &teleSender{bot: b}
	}
	return &Notifier{
		sender:      sender,
		chatID:      cfg.ChatID,
		bus:         cfg.Bus,
		log:         cfg.Logger,
		minInterval: cfg.MinInterval,
		limiters:    map[string]*rate.Limiter{},
	}, nil
}

// Apply updates the throttle interval from a reloaded config.
func (n *Notifier) Apply(minInterval time.Duration) {
	if minInterval <= 0 {
		return
	}
	n.mu.Lock()
	n.minInterval = minInterval
	for _, lim := range n.limiters {
		lim.SetLimit(rate.Every(minInterval))
	}
	n.mu.Unlock()
}

// Run consumes bus events until ctx is canceled.
func (n *Notifier) Run(ctx context.Context) error {
	events, unsub := n.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n.handle(ev)
		}
	}
}

func (n *Notifier) handle(ev eventbus.Event) {
	switch ev.Kind {
	case eventbus.KindCloudDropped:
		rep, ok := ev.Data.(channel.DeliveryReport)
		if !ok {
			return
		}
		n.alert(ev.Kind, fmt.Sprintf("⚠️ Cloud delivery failed: %s message #%d (%s)",
			rep.Kind, rep.MessageID, rep.Reason))

	case eventbus.KindDeviceOffline:
		rep, ok := ev.Data.(device.OfflineReport)
		if !ok {
			return
		}
		n.alert(ev.Kind, fmt.Sprintf("📴 Device %s went offline (last seen %s)",
			rep.DeviceID, rep.LastSeen.Format(time.RFC3339)))

	case eventbus.KindLinkDown:
		if _, ok := ev.Data.(linkmon.Status); !ok {
			return
		}
		n.alert(ev.Kind, "🔌 Cloud link lost; buffering outbound messages")

	case eventbus.KindLinkUp:
		if _, ok := ev.Data.(linkmon.Status); !ok {
			return
		}
		n.alert(ev.Kind, "✅ Cloud link restored")
	}
}

// alert sends text unless an alert of the same kind fired too recently.
// Each kind gets its own burst-1 token bucket, so a flapping link can't
// starve device alerts and vice versa.
func (n *Notifier) alert(kind, text string) {
	n.mu.Lock()
	lim, ok := n.limiters[kind]
	if !ok {
		lim = rate.NewLimiter(rate.Every(n.minInterval), 1)
		n.limiters[kind] = lim
	}
	n.mu.Unlock()

	if !lim.Allow() {
		return
	}
	if err := n.sender.Send(n.chatID, text); err != nil && !n.log.IsZero() {
		n.log.Warn("alert send failed", logx.String("kind", kind), logx.Err(err))
	}
}
