package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestContinuousAlwaysOpen(t *testing.T) {
	c := Continuous{}
	require.True(t, c.IsSessionOpen(time.Date(2026, 7, 4, 3, 0, 0, 0, time.UTC)))
	next := c.NextBarBoundary(time.Date(2026, 7, 4, 3, 0, 30, 0, time.UTC), time.Minute)
	require.Equal(t, time.Date(2026, 7, 4, 3, 1, 0, 0, time.UTC), next)
}

func TestEquityHoursClosedOnWeekend(t *testing.T) {
	loc := time.UTC
	e := EquityHours{Location: loc, OpenHour: 9, OpenMinute: 30, CloseHour: 16, CloseMinute: 0}
	saturday := time.Date(2026, 8, 1, 10, 0, 0, 0, loc) // a Saturday
	require.Equal(t, time.Saturday, saturday.Weekday())
	require.False(t, e.IsSessionOpen(saturday))
}

func TestEquityHoursOpenDuringSession(t *testing.T) {
	loc := time.UTC
	e := EquityHours{Location: loc, OpenHour: 9, OpenMinute: 30, CloseHour: 16, CloseMinute: 0}
	monday := time.Date(2026, 8, 3, 10, 0, 0, 0, loc)
	require.Equal(t, time.Monday, monday.Weekday())
	require.True(t, e.IsSessionOpen(monday))
}

func TestEquityHoursNextBoundarySkipsWeekend(t *testing.T) {
	loc := time.UTC
	e := EquityHours{Location: loc, OpenHour: 9, OpenMinute: 30, CloseHour: 16, CloseMinute: 0}
	friday1550 := time.Date(2026, 7, 31, 15, 50, 0, 0, loc)
	require.Equal(t, time.Friday, friday1550.Weekday())

	next := e.NextBarBoundary(friday1550, 30*time.Minute)
	require.True(t, e.IsSessionOpen(next))
	require.Equal(t, time.Monday, next.Weekday())
}
