package config

import (
	"reflect"
	"sort"
	"strings"

	logx "hearth/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) a list of rule names that changed (added/removed/edited).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		!reflect.DeepEqual(oldCfg.Logging.Console, newCfg.Logging.Console) ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Cloud (never log token)
	if oldCfg.Cloud.IsEnabled() != newCfg.Cloud.IsEnabled() ||
		strings.TrimSpace(oldCfg.Cloud.URL) != strings.TrimSpace(newCfg.Cloud.URL) ||
		(strings.TrimSpace(oldCfg.Cloud.Token) != "") != (strings.TrimSpace(newCfg.Cloud.Token) != "") ||
		oldCfg.Cloud.MaxInFlight != newCfg.Cloud.MaxInFlight ||
		strings.TrimSpace(oldCfg.Cloud.ReplyTimeout) != strings.TrimSpace(newCfg.Cloud.ReplyTimeout) ||
		oldCfg.Cloud.RatePerSec != newCfg.Cloud.RatePerSec ||
		oldCfg.Cloud.Burst != newCfg.Cloud.Burst ||
		strings.TrimSpace(oldCfg.Cloud.ReconnectMin) != strings.TrimSpace(newCfg.Cloud.ReconnectMin) ||
		strings.TrimSpace(oldCfg.Cloud.ReconnectMax) != strings.TrimSpace(newCfg.Cloud.ReconnectMax) {
		changed = append(changed, "cloud")
		attrs = append(attrs,
			logx.Bool("cloud.enabled", newCfg.Cloud.IsEnabled()),
			logx.Bool("cloud.url_set", strings.TrimSpace(newCfg.Cloud.URL) != ""),
			logx.Bool("cloud.token_set", strings.TrimSpace(newCfg.Cloud.Token) != ""),
			logx.Int("cloud.max_in_flight", newCfg.Cloud.MaxInFlight),
			logx.String("cloud.reply_timeout", strings.TrimSpace(newCfg.Cloud.ReplyTimeout)),
		)
	}

	// Devices (store path only surfaced as set/unset)
	if strings.TrimSpace(oldCfg.Devices.StorePath) != strings.TrimSpace(newCfg.Devices.StorePath) ||
		strings.TrimSpace(oldCfg.Devices.BusyTimeout) != strings.TrimSpace(newCfg.Devices.BusyTimeout) ||
		strings.TrimSpace(oldCfg.Devices.OfflineAfter) != strings.TrimSpace(newCfg.Devices.OfflineAfter) {
		changed = append(changed, "devices")
		attrs = append(attrs,
			logx.Bool("devices.store_set", strings.TrimSpace(newCfg.Devices.StorePath) != ""),
			logx.String("devices.offline_after", strings.TrimSpace(newCfg.Devices.OfflineAfter)),
		)
	}

	// Rules (names summarized; details at debug)
	ruleChanged := diffRules(oldCfg.Rules.Rules, newCfg.Rules.Rules)
	if oldCfg.Rules.IsEnabled() != newCfg.Rules.IsEnabled() ||
		strings.TrimSpace(oldCfg.Rules.Timezone) != strings.TrimSpace(newCfg.Rules.Timezone) ||
		len(ruleChanged) > 0 {
		changed = append(changed, "rules")
		attrs = append(attrs,
			logx.Bool("rules.enabled", newCfg.Rules.IsEnabled()),
			logx.String("rules.timezone", strings.TrimSpace(newCfg.Rules.Timezone)),
			logx.Int("rules.changed_count", len(ruleChanged)),
			logx.Int("rules.count", len(newCfg.Rules.Rules)),
		)
	}

	// Link
	if !reflect.DeepEqual(oldCfg.Link, newCfg.Link) {
		changed = append(changed, "link")
		attrs = append(attrs,
			logx.String("link.probe_interval", strings.TrimSpace(newCfg.Link.ProbeInterval)),
			logx.Int("link.fail_threshold", newCfg.Link.FailThreshold),
			logx.Bool("link.latency_probe", newCfg.Link.LatencyProbe),
		)
	}

	// Notify (never log bot token or chat id)
	oTG := oldCfg.Notify != nil && oldCfg.Notify.Telegram != nil
	nTG := newCfg.Notify != nil && newCfg.Notify.Telegram != nil
	notifyChanged := oTG != nTG
	if oTG && nTG {
		o, n := oldCfg.Notify.Telegram, newCfg.Notify.Telegram
		notifyChanged = (strings.TrimSpace(o.Token) != "") != (strings.TrimSpace(n.Token) != "") ||
			o.ChatID != n.ChatID ||
			strings.TrimSpace(o.MinInterval) != strings.TrimSpace(n.MinInterval)
	}
	if notifyChanged {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.telegram_set", nTG),
		)
	}

	// Metrics
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.listen", strings.TrimSpace(newCfg.Metrics.Listen)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, ruleChanged
}

func diffRules(oldR, newR []RuleConfig) []string {
	oldM := make(map[string]RuleConfig, len(oldR))
	for _, r := range oldR {
		oldM[r.Name] = r
	}
	newM := make(map[string]RuleConfig, len(newR))
	for _, r := range newR {
		newM[r.Name] = r
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
