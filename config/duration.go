// Package config holds types shared by configuration files.
package config

import (
	"encoding/json"
	"errors"
	"time"
)

// Duration is custom type embedding a time.Duration which allows defining
// durations in config files using strings like "300s" or "2h".
type Duration struct {
	time.Duration `validate:"required"`
}

// ErrDurationMustBeString is returned when a non-string value is
// presented to be deserialized as a Duration.
var ErrDurationMustBeString = errors.New("cannot JSON unmarshal something other than a string into a Duration")

// UnmarshalJSON parses a string formatted as with time.ParseDuration.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	err := json.Unmarshal(b, &s)
	if err != nil {
		var jsonUnmarshalTypeErr *json.UnmarshalTypeError
		if errors.As(err, &jsonUnmarshalTypeErr) {
			return ErrDurationMustBeString
		}
		return err
	}
	dd, err := time.ParseDuration(s)
	d.Duration = dd
	return err
}

// MarshalJSON returns the string form of the duration, as a JSON string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Duration.String() + `"`), nil
}
