package config

import (
	"errors"
	"fmt"
)

// Error reports an invalid or unusable configuration value. Startup aborts on it.
type Error struct {
	Field string // dotted path, e.g. "channels.dingtalk.bots[0].secret"
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error for field.
func Errorf(field, format string, args ...any) *Error {
	return &Error{Field: field, Err: fmt.Errorf(format, args...)}
}

// IsConfigError reports whether err carries an *Error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
