package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v4"
)

// Duration parses the retention policy's "min" field: a scaled
// duration string like "30m", "6h", "14d", "2w" (spec §6 "Retention:
// min (duration Nm|Nh|Nd|Nw)"). Grounded on the teacher's
// PositiveDurationOrManual.UnmarshalYAML pattern, reduced to this
// spec's four-unit subset (no "manual" variant; retention minimums are
// never disabled that way).
type Duration time.Duration

func (d Duration) AsTimeDuration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := parseUnitDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func parseUnitDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	unit := s[len(s)-1]
	numPart := s[:len(s)-1]
	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	var base time.Duration
	switch unit {
	case 'm':
		base = time.Minute
	case 'h':
		base = time.Hour
	case 'd':
		base = 24 * time.Hour
	case 'w':
		base = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid duration %q: unknown unit %q, want one of m/h/d/w", s, string(unit))
	}
	return time.Duration(n * float64(base)), nil
}

// ByteRate parses the destination's "rate_limit" field: a scaled
// integer with suffix K/M/G (spec §6), used directly as
// pipeline.Shaping.RateLimitBytesPerSec.
type ByteRate int

func (r *ByteRate) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Bare integers (no suffix) decode straight through.
		var n int
		if intErr := value.Decode(&n); intErr == nil {
			*r = ByteRate(n)
			return nil
		}
		return err
	}
	parsed, err := parseByteRate(s)
	if err != nil {
		return err
	}
	*r = ByteRate(parsed)
	return nil
}

func parseByteRate(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	s = strings.TrimSpace(s)
	suffix := s[len(s)-1]
	var mult int64 = 1
	numPart := s
	switch suffix {
	case 'K', 'k':
		mult = 1024
		numPart = s[:len(s)-1]
	case 'M', 'm':
		mult = 1024 * 1024
		numPart = s[:len(s)-1]
	case 'G', 'g':
		mult = 1024 * 1024 * 1024
		numPart = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate limit %q: %w", s, err)
	}
	return int(n * mult), nil
}
