package cohort

import (
	"fmt"
	"time"
)

// Key layouts. Hour/date/month are plain time formats; week is ISO-8601
// (weeks start Monday, week 1 is the one containing Jan 4).
const (
	hourLayout  = "2006-01-02T15"
	dateLayout  = "2006-01-02"
	monthLayout = "2006-01"
)

// Periods a transaction is bucketed into, finest first.
const (
	PeriodHour  = "hour"
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

// ValidPeriod reports whether p is a recognized bucket period.
func ValidPeriod(p string) bool {
	switch p {
	case PeriodHour, PeriodDay, PeriodWeek, PeriodMonth:
		return true
	}
	return false
}

// Keys holds the four cohort keys derived from one event timestamp.
type Keys struct {
	Hour  string
	Date  string
	Week  string
	Month string
}

// Compute derives all cohort keys for t in the given timezone.
// DST-correct: the wall clock in loc decides the bucket, so a transaction
// at 01:30 during a fall-back hour lands in the hour its local clock shows.
func Compute(t time.Time, loc *time.Location) Keys {
	local := t.In(loc)
	return Keys{
		Hour:  local.Format(hourLayout),
		Date:  local.Format(dateLayout),
		Week:  WeekKey(local),
		Month: local.Format(monthLayout),
	}
}

// ForPeriod returns the single cohort key of t for the given period.
func ForPeriod(t time.Time, loc *time.Location, period string) (string, error) {
	k := Compute(t, loc)
	switch period {
	case PeriodHour:
		return k.Hour, nil
	case PeriodDay:
		return k.Date, nil
	case PeriodWeek:
		return k.Week, nil
	case PeriodMonth:
		return k.Month, nil
	}
	return "", fmt.Errorf("unknown period %q", period)
}

// WeekKey formats the ISO week of t as YYYY-Www. The ISO year can differ
// from the calendar year around January 1st.
func WeekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// HourStart parses an hour cohort key back to the start of that hour in loc.
func HourStart(key string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(hourLayout, key, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid hour cohort %q: %w", key, err)
	}
	return t, nil
}

// DateStart parses a date cohort key back to local midnight in loc.
func DateStart(key string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, key, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date cohort %q: %w", key, err)
	}
	return t, nil
}

// MonthStart parses a month cohort key back to the first of that month in loc.
func MonthStart(key string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(monthLayout, key, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month cohort %q: %w", key, err)
	}
	return t, nil
}

// WeekStart parses a week cohort key back to the Monday that starts it, in loc.
func WeekStart(key string, loc *time.Location) (time.Time, error) {
	var year, week int
	if _, err := fmt.Sscanf(key, "%d-W%d", &year, &week); err != nil {
		return time.Time{}, fmt.Errorf("invalid week cohort %q: %w", key, err)
	}
	if week < 1 || week > 53 {
		return time.Time{}, fmt.Errorf("invalid week cohort %q: week out of range", key)
	}

	// Jan 4 is always inside ISO week 1. Walk back to its Monday, then
	// forward week-1 weeks.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, loc)
	monday := jan4.AddDate(0, 0, -(isoWeekday(jan4) - 1))
	return monday.AddDate(0, 0, (week-1)*7), nil
}

// PeriodStart parses any cohort key for the given period.
func PeriodStart(period, key string, loc *time.Location) (time.Time, error) {
	switch period {
	case PeriodHour:
		return HourStart(key, loc)
	case PeriodDay:
		return DateStart(key, loc)
	case PeriodWeek:
		return WeekStart(key, loc)
	case PeriodMonth:
		return MonthStart(key, loc)
	}
	return time.Time{}, fmt.Errorf("unknown period %q", period)
}

// Next returns the start of the cohort following the one starting at t.
// Hour steps are absolute (23- and 25-hour DST days keep their real hours);
// day/week/month steps are calendar steps in loc.
func Next(period string, t time.Time, loc *time.Location) time.Time {
	switch period {
	case PeriodHour:
		return t.Add(time.Hour)
	case PeriodDay:
		return midnight(t.In(loc).AddDate(0, 0, 1), loc)
	case PeriodWeek:
		return midnight(t.In(loc).AddDate(0, 0, 7), loc)
	case PeriodMonth:
		local := t.In(loc)
		return time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, loc)
	}
	return t
}

// Sequence returns the contiguous cohort keys of period covering [from, to],
// in chronological order. Used for gap-filled analytics series.
func Sequence(period string, from, to time.Time, loc *time.Location) ([]string, error) {
	if !ValidPeriod(period) {
		return nil, fmt.Errorf("unknown period %q", period)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("range end %s before start %s", to, from)
	}

	startKey, err := ForPeriod(from, loc, period)
	if err != nil {
		return nil, err
	}
	cursor, err := PeriodStart(period, startKey, loc)
	if err != nil {
		return nil, err
	}

	var keys []string
	for !cursor.After(to) {
		key, err := ForPeriod(cursor, loc, period)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		cursor = Next(period, cursor, loc)
	}
	return keys, nil
}

// HoursOfDate returns the 24 (or 23/25 on DST transition days) hour cohort
// keys belonging to one date cohort.
func HoursOfDate(dateKey string, loc *time.Location) ([]string, error) {
	start, err := DateStart(dateKey, loc)
	if err != nil {
		return nil, err
	}
	end := midnight(start.AddDate(0, 0, 1), loc)

	var keys []string
	for cursor := start; cursor.Before(end); cursor = cursor.Add(time.Hour) {
		keys = append(keys, cursor.In(loc).Format(hourLayout))
	}
	return keys, nil
}

// DatesOfWeek returns the seven date cohort keys of one ISO week.
func DatesOfWeek(weekKey string, loc *time.Location) ([]string, error) {
	start, err := WeekStart(weekKey, loc)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		keys = append(keys, start.AddDate(0, 0, i).Format(dateLayout))
	}
	return keys, nil
}

// DatesOfMonth returns the date cohort keys of one month.
func DatesOfMonth(monthKey string, loc *time.Location) ([]string, error) {
	start, err := MonthStart(monthKey, loc)
	if err != nil {
		return nil, err
	}
	end := start.AddDate(0, 1, 0)

	var keys []string
	for cursor := start; cursor.Before(end); cursor = cursor.AddDate(0, 0, 1) {
		keys = append(keys, cursor.Format(dateLayout))
	}
	return keys, nil
}

// isoWeekday maps Go's Sunday-first weekday to ISO Monday=1..Sunday=7.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

func midnight(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
