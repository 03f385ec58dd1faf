package system

import (
	"testing"
	"time"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

func TestFixedClock(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.FixedZone("CST", 8*3600))
	clk := NewFixed(start)
	if !clk.Now().Equal(start) || clk.Now().Location() != time.UTC {
		t.Fatalf("expected %v in UTC, got %v", start, clk.Now())
	}
	clk.Advance(time.Minute)
	if got := clk.Now().Sub(start); got != time.Minute {
		t.Fatalf("expected one minute advance, got %v", got)
	}
}
