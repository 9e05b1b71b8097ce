package us

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// calendarFunc returns the trading dates ("2006-01-02") in [start, end],
// ascending.
type calendarFunc func(start, end time.Time) ([]string, error)

// settleCutoff is the New York time after which the day's bar is final.
const settleCutoff = 20*time.Hour + 5*time.Minute

// CalendarEndResolver returns a function that asks the Alpaca trading
// calendar for the latest finished trading day. It knows exchange
// holidays, which the weekday calendar does not.
func CalendarEndResolver(apiKey, apiSecret, baseURL string) func() (time.Time, error) {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	days := func(start, end time.Time) ([]string, error) {
		cal, err := client.GetCalendar(alpaca.GetCalendarRequest{Start: start, End: end})
		if err != nil {
			return nil, err
		}
		out := make([]string, len(cal))
		for i, d := range cal {
			out[i] = d.Date
		}
		return out, nil
	}
	return func() (time.Time, error) {
		return latestFinishedTradingDay(days, time.Now())
	}
}

// latestFinishedTradingDay returns the most recent trading day whose
// session ended before now, counting today only after settleCutoff.
func latestFinishedTradingDay(days calendarFunc, now time.Time) (time.Time, error) {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.Time{}, fmt.Errorf("loading ET timezone: %w", err)
	}
	now = now.In(et)

	calendar, err := days(now.AddDate(0, 0, -10), now)
	if err != nil {
		return time.Time{}, fmt.Errorf("GetCalendar: %w", err)
	}

	today := now.Format("2006-01-02")
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, et)
	for i := len(calendar) - 1; i >= 0; i-- {
		day := calendar[i]
		if day > today {
			continue
		}
		if day == today && now.Before(midnight.Add(settleCutoff)) {
			continue
		}
		t, err := time.Parse("2006-01-02", day)
		if err != nil {
			continue
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("no finished trading day in calendar")
}
