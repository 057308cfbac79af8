// Package calendar supplies the session awareness the integrity engine needs
// to distinguish a legitimate closed-market gap from a feed outage.
package calendar

import "time"

// Calendar reports whether the market is open at a given instant and where
// the next bar boundary for a timeframe falls.
type Calendar interface {
	IsSessionOpen(t time.Time) bool
	NextBarBoundary(t time.Time, timeframe time.Duration) time.Time
}

// Continuous models a 24/7 venue (crypto-style instruments): every instant
// is in session, and the next boundary is simply the next timeframe tick.
type Continuous struct{}

func (Continuous) IsSessionOpen(time.Time) bool { return true }

func (Continuous) NextBarBoundary(t time.Time, timeframe time.Duration) time.Time {
	if timeframe <= 0 {
		return t
	}
	return t.Truncate(timeframe).Add(timeframe)
}

// EquityHours models a daily open/close window closed on weekends, in a
// fixed location (e.g. exchange-local time).
type EquityHours struct {
	Location      *time.Location
	OpenHour      int
	OpenMinute    int
	CloseHour     int
	CloseMinute   int
}

func (e EquityHours) IsSessionOpen(t time.Time) bool {
	lt := t.In(e.Location)
	if lt.Weekday() == time.Saturday || lt.Weekday() == time.Sunday {
		return false
	}
	open := time.Date(lt.Year(), lt.Month(), lt.Day(), e.OpenHour, e.OpenMinute, 0, 0, e.Location)
	closeT := time.Date(lt.Year(), lt.Month(), lt.Day(), e.CloseHour, e.CloseMinute, 0, 0, e.Location)
	return !lt.Before(open) && lt.Before(closeT)
}

// NextBarBoundary returns the next timeframe tick that also falls within an
// open session, skipping weekends and after-hours gaps entirely so the
// integrity engine never flags a closed-market gap as a stale feed.
func (e EquityHours) NextBarBoundary(t time.Time, timeframe time.Duration) time.Time {
	if timeframe <= 0 {
		return t
	}
	next := t.Truncate(timeframe).Add(timeframe)
	for !e.IsSessionOpen(next) {
		lt := next.In(e.Location)
		nextDay := time.Date(lt.Year(), lt.Month(), lt.Day(), e.OpenHour, e.OpenMinute, 0, 0, e.Location)
		if !nextDay.After(lt) {
			nextDay = nextDay.AddDate(0, 0, 1)
		}
		next = nextDay
	}
	return next
}
