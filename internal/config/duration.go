package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields are strings in the file ("500ms", "1h30m") so operators
// never guess units. Empty means unset; negatives are config errors, not
// "disable" switches.

// ParseDurationField parses one duration field. The path names the field in
// the error ("worker.tick_interval: ...") so a bad reload pinpoints itself.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for unset or zero fields.
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
