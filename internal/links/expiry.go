package links

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var expiryPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([a-zA-Z]*)$`)

var expiryUnits = map[string]time.Duration{
	"ms":           time.Millisecond,
	"msec":         time.Millisecond,
	"msecs":        time.Millisecond,
	"millisecond":  time.Millisecond,
	"milliseconds": time.Millisecond,
	"":             time.Second,
	"s":            time.Second,
	"sec":          time.Second,
	"secs":         time.Second,
	"second":       time.Second,
	"seconds":      time.Second,
	"m":            time.Minute,
	"min":          time.Minute,
	"mins":         time.Minute,
	"minute":       time.Minute,
	"minutes":      time.Minute,
	"h":            time.Hour,
	"hr":           time.Hour,
	"hrs":          time.Hour,
	"hour":         time.Hour,
	"hours":        time.Hour,
	"d":            24 * time.Hour,
	"day":          24 * time.Hour,
	"days":         24 * time.Hour,
	"w":            7 * 24 * time.Hour,
	"week":         7 * 24 * time.Hour,
	"weeks":        7 * 24 * time.Hour,
}

// ParseExpiry reads a link lifetime such as "1h", "30m", "2d", "1w",
// "90 minutes" or a bare number of seconds. Compound Go durations like
// "1h30m" are accepted too. The result is always positive.
func ParseExpiry(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("expiry is empty")
	}
	if match := expiryPattern.FindStringSubmatch(value); match != nil {
		unit, ok := expiryUnits[strings.ToLower(match[2])]
		if !ok {
			return 0, fmt.Errorf("unknown expiry unit %q", match[2])
		}
		amount, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			return 0, fmt.Errorf("parse expiry %q: %w", value, err)
		}
		total := amount * float64(unit)
		if total >= math.MaxInt64 {
			return 0, fmt.Errorf("expiry %q is too large", value)
		}
		if d := time.Duration(total); d > 0 {
			return d, nil
		}
		return 0, fmt.Errorf("expiry %q must be positive", value)
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse expiry %q: %w", value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("expiry %q must be positive", value)
	}
	return d, nil
}
