// internal/timeparse/timeparse.go
// --------------------------------
// Helpers for turning the time values vendors put in response headers into
// durations and instants.
//
// Functions:
// - RetryAfter: Retry-After as delta-seconds or HTTP-date.
// - Duration: strings like "1s", "6m0s", "250ms" or bare seconds ("1.5").
// - Reset: rate-limit reset values in one of the supported formats.
// - UnixToTime / IsInFuture: small conversions used by the limiter.
//
// Second counts too large for a time.Duration saturate at the maximum.
package timeparse

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Reset value formats accepted by Reset.
const (
	FormatAuto         = "auto"
	FormatUnix         = "unix"
	FormatUnixMillis   = "unix_ms"
	FormatDeltaSeconds = "delta_seconds"
	FormatDuration     = "duration"
)

// RetryAfter parses a Retry-After header value. Both forms from RFC 9110
// are supported; a date in the past yields zero.
func RetryAfter(value string, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return seconds(secs)
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

const maxSeconds = float64(math.MaxInt64) / float64(time.Second)

func seconds(secs float64) (time.Duration, bool) {
	switch {
	case secs < 0 || math.IsNaN(secs):
		return 0, false
	case secs >= maxSeconds:
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(secs * float64(time.Second)), true
}

// Duration converts strings like "1s", "6m0s" or "20ms" into a duration.
// A bare number is read as seconds.
func Duration(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return seconds(secs)
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

// Reset interprets a rate-limit reset header value. FormatAuto guesses from
// magnitude: epoch milliseconds, epoch seconds, then delta seconds; values
// that are not integers are tried as durations.
func Reset(value, format string, now time.Time) (time.Time, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, false
	}

	switch format {
	case FormatUnix:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return UnixToTime(n), true
	case FormatUnixMillis:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(n), true
	case FormatDeltaSeconds, FormatDuration:
		d, ok := Duration(v)
		if !ok {
			return time.Time{}, false
		}
		return now.Add(d), true
	case "", FormatAuto:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			d, ok := Duration(v)
			if !ok {
				return time.Time{}, false
			}
			return now.Add(d), true
		}
		switch {
		case n >= 1e12:
			return time.UnixMilli(n), true
		case n >= 1e9:
			return UnixToTime(n), true
		case n >= 0:
			return now.Add(time.Duration(n) * time.Second), true
		}
	}
	return time.Time{}, false
}

// UnixToTime converts a UNIX timestamp in seconds to a time.Time.
func UnixToTime(timestamp int64) time.Time {
	return time.Unix(timestamp, 0)
}

// IsInFuture reports whether t is after now.
func IsInFuture(t, now time.Time) bool {
	return t.After(now)
}
