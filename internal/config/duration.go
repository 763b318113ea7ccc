package config

import (
	"errors"
	"strings"
	"time"
)

var errNegativeDuration = errors.New("duration must not be negative")

// ParseDurationField parses a Go duration string ("90s", "1h30m"). Blank means
// zero. Failures come back as *Error carrying field.
func ParseDurationField(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, Errorf(field, "invalid duration %q", raw)
	}
	if d < 0 {
		return 0, &Error{Field: field, Err: errNegativeDuration}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for zero.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
