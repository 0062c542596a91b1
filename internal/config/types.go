package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config is the gateway's on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// The file may be JSON or YAML; unknown fields are rejected either way.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Cloud configures the uplink: the remote endpoint and the delivery
	// queue's tunables.
	Cloud CloudConfig `json:"cloud"`

	Devices DevicesConfig `json:"devices"`

	Rules RulesConfig `json:"rules"`

	// Link configures the reachability probe that gates the delivery
	// queue's admissibility filter.
	Link LinkConfig `json:"link"`

	Notify *NotifyConfig `json:"notify,omitempty"`

	Metrics MetricsConfig `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// CloudConfig controls the websocket uplink and the delivery queue.
//
// Defaults (when fields are omitted/zero):
//   - max_in_flight: 4
//   - reply_timeout: "10s"
//   - rate_per_sec: 10, burst: 20
//   - reconnect_min: "1s", reconnect_max: "60s"
type CloudConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"`

	MaxInFlight  int    `json:"max_in_flight,omitempty"`
	ReplyTimeout string `json:"reply_timeout,omitempty"`

	RatePerSec int `json:"rate_per_sec,omitempty"`
	Burst      int `json:"burst,omitempty"`

	ReconnectMin string `json:"reconnect_min,omitempty"`
	ReconnectMax string `json:"reconnect_max,omitempty"`
}

func (c CloudConfig) IsEnabled() bool {
	if c.Enabled != nil {
		return *c.Enabled
	}
	return strings.TrimSpace(c.URL) != ""
}

type DevicesConfig struct {
	// StorePath is the SQLite file holding the device registry and last
	// reported states. Empty disables persistence.
	StorePath   string `json:"store_path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// OfflineAfter marks a device offline when it has not reported for this
	// long. Default "5m".
	OfflineAfter string `json:"offline_after,omitempty"`
}

type RulesConfig struct {
	Enabled  *bool        `json:"enabled,omitempty"`
	Timezone string       `json:"timezone,omitempty"`
	Rules    []RuleConfig `json:"rules,omitempty"`
}

func (c RulesConfig) IsEnabled() bool {
	if c.Enabled != nil {
		return *c.Enabled
	}
	return len(c.Rules) > 0
}

// RuleConfig is one scheduled automation: when Schedule fires, the rule emits
// an action event for Target with the given payload.
type RuleConfig struct {
	Name     string         `json:"name"`
	Schedule string         `json:"schedule"` // cron spec, 5 or 6 fields
	Target   string         `json:"target"`   // device id or group
	Action   string         `json:"action"`   // e.g. "on", "off", "scene"
	Payload  map[string]any `json:"payload,omitempty"`
}

// LinkConfig controls the cloud reachability probe.
//
// Defaults: probe_interval "15s", probe_timeout "5s", fail_threshold 2,
// recover_threshold 1.
type LinkConfig struct {
	ProbeInterval string `json:"probe_interval,omitempty"`
	ProbeTimeout  string `json:"probe_timeout,omitempty"`

	// LatencyProbe additionally measures round-trip latency to grade the
	// link; purely informational.
	LatencyProbe bool `json:"latency_probe,omitempty"`

	FailThreshold    int `json:"fail_threshold,omitempty"`
	RecoverThreshold int `json:"recover_threshold,omitempty"`
}

type NotifyConfig struct {
	Telegram *TelegramNotifyConfig `json:"telegram,omitempty"`
}

// TelegramNotifyConfig enables operator alerts through a Telegram bot.
type TelegramNotifyConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`

	// MinInterval throttles alerts of the same kind. Default "30s".
	MinInterval string `json:"min_interval,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty"` // default "127.0.0.1:9120"
}

// Validate checks cross-field constraints that the strict decoder cannot.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Cloud.IsEnabled() {
		u, err := url.Parse(strings.TrimSpace(c.Cloud.URL))
		if err != nil {
			return fmt.Errorf("cloud.url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("cloud.url: scheme must be ws or wss, got %q", u.Scheme)
		}
		if c.Cloud.MaxInFlight < 0 {
			return errors.New("cloud.max_in_flight must be >= 0")
		}
		if _, err := ParseDurationField("cloud.reply_timeout", c.Cloud.ReplyTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("cloud.reconnect_min", c.Cloud.ReconnectMin); err != nil {
			return err
		}
		if _, err := ParseDurationField("cloud.reconnect_max", c.Cloud.ReconnectMax); err != nil {
			return err
		}
	}
	if _, err := ParseDurationField("devices.busy_timeout", c.Devices.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("devices.offline_after", c.Devices.OfflineAfter); err != nil {
		return err
	}
	if _, err := ParseDurationField("link.probe_interval", c.Link.ProbeInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("link.probe_timeout", c.Link.ProbeTimeout); err != nil {
		return err
	}
	for i, r := range c.Rules.Rules {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("rules.rules[%d]: name is required", i)
		}
		if strings.TrimSpace(r.Schedule) == "" {
			return fmt.Errorf("rules.rules[%d] (%s): schedule is required", i, r.Name)
		}
	}
	if c.Notify != nil && c.Notify.Telegram != nil {
		tg := c.Notify.Telegram
		if strings.TrimSpace(tg.Token) == "" {
			return errors.New("notify.telegram.token is required when the section is present")
		}
		if tg.ChatID == 0 {
			return errors.New("notify.telegram.chat_id is required when the section is present")
		}
		if _, err := ParseDurationField("notify.telegram.min_interval", tg.MinInterval); err != nil {
			return err
		}
	}
	return nil
}
