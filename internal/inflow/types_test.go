package inflow

import (
	"testing"
	"time"
)

func TestFormatTimestampLexicographicOrder(t *testing.T) {
	base := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	// Fractions whose trimmed renderings sort against the clock: .1s
	// renders shorter than .12s and a whole second renders shortest of
	// all. Fixed-width formatting keeps string order chronological.
	times := []time.Time{
		base,
		base.Add(100 * time.Millisecond),
		base.Add(120 * time.Millisecond),
		base.Add(time.Second),
	}
	for i := 1; i < len(times); i++ {
		earlier := formatTimestamp(times[i-1])
		later := formatTimestamp(times[i])
		if earlier >= later {
			t.Fatalf("timestamp order inverted: %q sorts after %q", earlier, later)
		}
	}
}

func TestFormatTimestampFixedWidth(t *testing.T) {
	whole := formatTimestamp(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC))
	fractional := formatTimestamp(time.Date(2026, 1, 5, 10, 0, 0, 123456789, time.UTC))
	if len(whole) != len(fractional) {
		t.Fatalf("timestamp widths differ: %q vs %q", whole, fractional)
	}
	if _, err := time.Parse(time.RFC3339Nano, whole); err != nil {
		t.Fatalf("timestamp is not RFC 3339: %v", err)
	}
}
