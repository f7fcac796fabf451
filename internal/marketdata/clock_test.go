package marketdata

import (
	"testing"
	"time"
)

func nyTime(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, newYork)
}

func TestMarketPhaseWindows(t *testing.T) {
	cases := []struct {
		name string
		t    time.Time
		want Phase
	}{
		{"before pre-market", nyTime(2026, 3, 3, 3, 59), PhaseClosed},
		{"pre-market start", nyTime(2026, 3, 3, 4, 0), PhasePreMarket},
		{"pre-market end", nyTime(2026, 3, 3, 9, 29), PhasePreMarket},
		{"open bell", nyTime(2026, 3, 3, 9, 30), PhaseOpen},
		{"midday", nyTime(2026, 3, 3, 12, 0), PhaseOpen},
		{"last open minute", nyTime(2026, 3, 3, 15, 59), PhaseOpen},
		{"post-market start", nyTime(2026, 3, 3, 16, 0), PhasePostMarket},
		{"post-market end", nyTime(2026, 3, 3, 19, 59), PhasePostMarket},
		{"evening", nyTime(2026, 3, 3, 20, 0), PhaseClosed},
		{"saturday midday", nyTime(2026, 3, 7, 12, 0), PhaseClosed},
		{"sunday midday", nyTime(2026, 3, 8, 12, 0), PhaseClosed},
		{"new year midday", nyTime(2026, 1, 1, 12, 0), PhaseClosed},
		{"july 4th midday", nyTime(2026, 7, 4, 12, 0), PhaseClosed},
		{"christmas midday", nyTime(2026, 12, 25, 12, 0), PhaseClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MarketPhase(tc.t); got != tc.want {
				t.Errorf("MarketPhase(%v) = %v, want %v", tc.t, got, tc.want)
			}
		})
	}
}

func TestFallbackClockSkipsWeekend(t *testing.T) {
	// Friday 2026-03-06 17:00: next open must be Monday morning.
	clock := FallbackClock(nyTime(2026, 3, 6, 17, 0))
	if clock.IsOpen {
		t.Fatal("market open Friday evening")
	}
	if clock.NextOpen.In(newYork).Weekday() != time.Monday {
		t.Fatalf("next open on %v, want Monday", clock.NextOpen.In(newYork).Weekday())
	}
}

func TestMinutesUntilClose(t *testing.T) {
	if got := MinutesUntilClose(nyTime(2026, 3, 3, 15, 45)); got != 15 {
		t.Fatalf("MinutesUntilClose at 15:45 = %d, want 15", got)
	}
	if got := MinutesUntilClose(nyTime(2026, 3, 3, 20, 30)); got != -1 {
		t.Fatalf("MinutesUntilClose after hours = %d, want -1", got)
	}
}
