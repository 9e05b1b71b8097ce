package util

import (
	"time"
	_ "time/tzdata" // exchange zones on hosts without a zoneinfo database
)

// TradingCalendar is a weekday-only approximation of the US equity
// calendar. Holidays are not known; callers that need them ask the broker
// calendar and use this as the offline fallback.
type TradingCalendar struct {
	loc   *time.Location
	close time.Duration // session close, as an offset from local midnight
}

// NewTradingCalendar creates a TradingCalendar for US equities.
func NewTradingCalendar() *TradingCalendar {
	return &TradingCalendar{
		loc:   loadLocation("America/New_York", -5),
		close: 16 * time.Hour,
	}
}

func loadLocation(name string, fallbackHours int) *time.Location {
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	return time.FixedZone(name, fallbackHours*3600)
}

// Location returns the exchange time zone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// IsTradingDay reports whether the exchange-local date of t is a weekday.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	wd := t.In(tc.loc).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// LastClosedDay returns the most recent trading day whose session closed
// at or before now, as a UTC-midnight date.
func (tc *TradingCalendar) LastClosedDay(now time.Time) time.Time {
	local := now.In(tc.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tc.loc)
	if local.Before(day.Add(tc.close)) {
		day = day.AddDate(0, 0, -1)
	}
	for !tc.IsTradingDay(day) {
		day = day.AddDate(0, 0, -1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
}

// Date converts t to its exchange-local calendar date at UTC midnight.
// Daily bar timestamps from data vendors are normalised with it.
func (tc *TradingCalendar) Date(t time.Time) time.Time {
	local := t.In(tc.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}
