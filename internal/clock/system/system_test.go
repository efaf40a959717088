package system

import (
	"testing"
	"time"
)

func TestNowReturnsUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	got := clk.Now()
	if got.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", got.Location())
	}
	if delta := time.Since(got); delta < 0 || delta > time.Second {
		t.Fatalf("timestamp %v not close to now", got)
	}
}

func TestNowNonDecreasing(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	second := clk.Now()
	if second.Before(first) {
		t.Fatalf("second call %v before first %v", second, first)
	}
}
