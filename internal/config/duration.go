package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields (offline_after, probe_interval, reply_timeout, ...) are
// carried as strings in the config file and parsed with time.ParseDuration,
// so operators write "45s" or "5m" rather than nanosecond integers.

// ParseDurationField parses raw as a non-negative duration. An empty string
// means "unset" and yields 0 without error. path names the field in errors,
// e.g. "devices.offline_after".
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// unset field.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
