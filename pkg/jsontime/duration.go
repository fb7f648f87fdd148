package jsontime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that serializes to a string like "1h30m" in
// JSON and accepts either a duration string or integer nanoseconds on
// deserialization.
type Duration time.Duration

// FromDuration returns a pointer to d as a Duration.
func FromDuration(d time.Duration) *Duration {
	jd := Duration(d)
	return &jd
}

// Duration returns the underlying time.Duration value. A nil receiver
// returns zero.
func (d *Duration) Duration() time.Duration {
	if d == nil {
		return 0
	}
	return time.Duration(*d)
}

// String returns the duration formatted as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Seconds returns the duration as a floating point number of seconds.
func (d Duration) Seconds() float64 {
	return time.Duration(d).Seconds()
}

// Milliseconds returns the duration as an integer millisecond count.
func (d Duration) Milliseconds() int64 {
	return time.Duration(d).Milliseconds()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("jsontime: invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("jsontime: invalid duration value %v", v)
	}
	return nil
}
