package marketdata

import (
	"time"

	"equity-trading-engine/internal/broker"
)

// Phase is where the New York session currently stands.
type Phase string

const (
	PhasePreMarket  Phase = "pre_market"
	PhaseOpen       Phase = "open"
	PhasePostMarket Phase = "post_market"
	PhaseClosed     Phase = "closed"
)

// newYork is resolved once; if tzdata is unavailable the fixed UTC-5 offset
// keeps the fallback usable, if an hour off during DST.
var newYork = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}()

// isHoliday covers the full-day closures the fallback calendar knows about.
func isHoliday(t time.Time) bool {
	switch {
	case t.Month() == time.January && t.Day() == 1:
		return true
	case t.Month() == time.July && t.Day() == 4:
		return true
	case t.Month() == time.December && t.Day() == 25:
		return true
	}
	return false
}

func minutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// MarketPhase classifies t against the regular New York session: pre-market
// 04:00-09:30, open 09:30-16:00, post-market 16:00-20:00. Weekends and known
// holidays are closed all day.
func MarketPhase(t time.Time) Phase {
	ny := t.In(newYork)
	if ny.Weekday() == time.Saturday || ny.Weekday() == time.Sunday || isHoliday(ny) {
		return PhaseClosed
	}
	m := minutesOfDay(ny)
	switch {
	case m >= 4*60 && m < 9*60+30:
		return PhasePreMarket
	case m >= 9*60+30 && m < 16*60:
		return PhaseOpen
	case m >= 16*60 && m < 20*60:
		return PhasePostMarket
	}
	return PhaseClosed
}

// FallbackClock synthesizes a venue clock from the local calendar.
func FallbackClock(now time.Time) broker.Clock {
	ny := now.In(newYork)
	return broker.Clock{
		IsOpen:    MarketPhase(now) == PhaseOpen,
		NextOpen:  nextSessionBoundary(ny, 9*60+30),
		NextClose: nextSessionBoundary(ny, 16*60),
		Timestamp: now,
	}
}

// nextSessionBoundary finds the next trading day reaching the given
// minute-of-day mark.
func nextSessionBoundary(ny time.Time, mark int) time.Time {
	day := ny
	if minutesOfDay(ny) >= mark {
		day = day.AddDate(0, 0, 1)
	}
	for {
		if day.Weekday() != time.Saturday && day.Weekday() != time.Sunday && !isHoliday(day) {
			break
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), mark/60, mark%60, 0, 0, newYork)
}

// MinutesUntilClose returns minutes remaining in the regular session, or -1
// when the session is not open.
func MinutesUntilClose(t time.Time) int {
	if MarketPhase(t) != PhaseOpen {
		return -1
	}
	ny := t.In(newYork)
	return 16*60 - minutesOfDay(ny)
}
