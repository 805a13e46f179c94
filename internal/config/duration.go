package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration-string field addressed by its
// dotted config path. Empty or blank input means unset and yields zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	val := strings.TrimSpace(raw)
	if val == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for unset or zero fields.
// Malformed input still fails rather than falling back.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d > 0 {
		return d, nil
	}
	return def, nil
}
