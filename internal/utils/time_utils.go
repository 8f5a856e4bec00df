package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseStringTime parses durations such as "10s", "20m", "48h" or "2d".
// Anything accepted by time.ParseDuration is accepted as well.
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0, fmt.Errorf("empty time string")
	}
	if d, err := time.ParseDuration(timeString); err == nil {
		return d, nil
	}
	if cutString, found := strings.CutSuffix(timeString, "d"); found {
		number, err := strconv.Atoi(cutString)
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q: %w", timeString, err)
		}
		return time.Duration(number) * time.Hour * 24, nil
	}
	return 0, fmt.Errorf("invalid time format: %s", timeString)
}

// ParseStringTimeOr parses timeString and falls back to def when it is empty or invalid.
func ParseStringTimeOr(timeString string, def time.Duration) time.Duration {
	d, err := ParseStringTime(timeString)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
