// Package clock provides the controller's notion of time.
//
// Timestamp is a monotonic count of seconds since 2020-01-01 00:00:00 UTC and
// is the "now" passed to every tick. Ticks is a wrapping millisecond counter
// used for bus timeouts, where only short differences matter.
//
// Calendar arithmetic uses a simplified leap rule (every year divisible by 4)
// which is exact from 2020 until 2100.
package clock

import (
	"errors"
	"fmt"
	"time"
)

// EpochYear is the first year a Timestamp can represent.
const EpochYear = 2020

// epochUnix is 2020-01-01 00:00:00 UTC as a Unix time.
const epochUnix = 1577836800

const (
	SecondsPerMinute = 60
	SecondsPerHour   = 60 * SecondsPerMinute
	SecondsPerDay    = 24 * SecondsPerHour
	SecondsPerWeek   = 7 * SecondsPerDay
	MinutesPerDay    = 24 * 60
)

// ErrOutOfRange is returned when calendar fields are outside their range.
var ErrOutOfRange = errors.New("calendar field out of range")

var daysInMonth = [12]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// cumulativeDays[m] is the number of days before month m+1 in a common year.
var cumulativeDays = func() [12]int {
	var c [12]int
	for m := 1; m < 12; m++ {
		c[m] = c[m-1] + daysInMonth[m-1]
	}
	return c
}()

// Timestamp is seconds since 2020-01-01 00:00:00 UTC.
type Timestamp uint32

// FromCalendar builds a Timestamp from local calendar fields.
// zoneMinutes is the local offset from UTC, e.g. +570 for UTC+09:30.
func FromCalendar(year, month, day, hour, minute, second, zoneMinutes int) (Timestamp, error) {
	switch {
	case month < 1 || month > 12:
		return 0, fmt.Errorf("%w: month %d", ErrOutOfRange, month)
	case day < 1 || day > 31:
		return 0, fmt.Errorf("%w: day %d", ErrOutOfRange, day)
	case hour < 0 || hour >= 24:
		return 0, fmt.Errorf("%w: hour %d", ErrOutOfRange, hour)
	case minute < 0 || minute >= 60:
		return 0, fmt.Errorf("%w: minute %d", ErrOutOfRange, minute)
	case second < 0 || second >= 60:
		return 0, fmt.Errorf("%w: second %d", ErrOutOfRange, second)
	case year < EpochYear:
		return 0, fmt.Errorf("%w: year %d", ErrOutOfRange, year)
	}

	y := year - EpochYear
	d := int64(day-1) + int64(cumulativeDays[month-1])
	if month > 2 && y%4 == 0 {
		d++
	}
	d += int64(365*y + (y+3)/4)

	secs := ((d*24+int64(hour))*60+int64(minute))*60 + int64(second) - int64(zoneMinutes)*SecondsPerMinute
	if secs < 0 || secs > int64(^uint32(0)) {
		return 0, fmt.Errorf("%w: %04d-%02d-%02d outside timestamp range", ErrOutOfRange, year, month, day)
	}
	return Timestamp(secs), nil
}

// FromTime converts a wall-clock time. Times before the epoch clamp to 0.
func FromTime(t time.Time) Timestamp {
	secs := t.Unix() - epochUnix
	if secs < 0 {
		return 0
	}
	return Timestamp(secs)
}

// Time converts back to a UTC time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t)+epochUnix, 0).UTC()
}

// Sub returns t - u in seconds; negative when t is before u.
func (t Timestamp) Sub(u Timestamp) int64 {
	return int64(t) - int64(u)
}

// Add returns t shifted by seconds (which may be negative).
func (t Timestamp) Add(seconds int64) Timestamp {
	return Timestamp(int64(t) + seconds)
}

func (t Timestamp) Before(u Timestamp) bool { return t < u }
func (t Timestamp) After(u Timestamp) bool  { return t > u }

// NextOccurrence returns the smallest timestamp strictly after t that is
// congruent to phase modulo period. When t is exactly on phase the result is
// t+period, never t itself. period must be positive; otherwise t is returned.
func (t Timestamp) NextOccurrence(period, phase int64) Timestamp {
	if period <= 0 {
		return t
	}
	offset := mod(int64(t)-phase, period)
	return t.Add(period - offset)
}

// NextWeekly returns the next occurrence of minuteOfDay local time on the
// given weekday (0 = Sunday).
func (t Timestamp) NextWeekly(weekday, minuteOfDay, zoneMinutes int) Timestamp {
	// 2020-01-01 was a Wednesday, so the first Sunday is day 4.
	phase := int64(weekday+4)*SecondsPerDay + int64(minuteOfDay)*SecondsPerMinute - int64(zoneMinutes)*SecondsPerMinute
	return t.NextOccurrence(SecondsPerWeek, phase)
}

// NextDailyRepeat returns the next occurrence of minuteOfDay local time on
// every periodDays-th day counted from the local day containing origin.
func (t Timestamp) NextDailyRepeat(origin Timestamp, periodDays, minuteOfDay, zoneMinutes int) Timestamp {
	zone := int64(zoneMinutes) * SecondsPerMinute
	originLocal := int64(origin) + zone
	originDay := originLocal - mod(originLocal, SecondsPerDay)
	phase := originDay + int64(minuteOfDay)*SecondsPerMinute - zone
	return t.NextOccurrence(int64(periodDays)*SecondsPerDay, phase)
}

// Calendar holds broken-down local time fields.
type Calendar struct {
	Year, Month, Day     int
	Hour, Minute, Second int
	Weekday              int // 0 = Sunday
}

// Calendar breaks t into local calendar fields.
func (t Timestamp) Calendar(zoneMinutes int) Calendar {
	local := int64(t) + int64(zoneMinutes)*SecondsPerMinute
	days := floorDiv(local, SecondsPerDay)
	rem := local - days*SecondsPerDay

	c := Calendar{
		Hour:    int(rem / SecondsPerHour),
		Minute:  int(rem % SecondsPerHour / SecondsPerMinute),
		Second:  int(rem % SecondsPerMinute),
		Weekday: int(mod(days+3, 7)),
	}

	y := 0
	for {
		yearLen := int64(365)
		if y%4 == 0 {
			yearLen = 366
		}
		if days < yearLen {
			break
		}
		days -= yearLen
		y++
	}
	c.Year = EpochYear + y

	m := 0
	for ; m < 11; m++ {
		monthLen := int64(daysInMonth[m])
		if m == 1 && y%4 == 0 {
			monthLen++
		}
		if days < monthLen {
			break
		}
		days -= monthLen
	}
	c.Month = m + 1
	c.Day = int(days) + 1
	return c
}

// MinuteOfDay returns the local minute of the day (0..1439).
func (t Timestamp) MinuteOfDay(zoneMinutes int) int {
	c := t.Calendar(zoneMinutes)
	return c.Hour*60 + c.Minute
}

// String formats t as UTC, e.g. "2022-08-07 06:30:00Z".
func (t Timestamp) String() string {
	c := t.Calendar(0)
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02dZ", c.Year, c.Month, c.Day, c.Hour, c.Minute, c.Second)
}

// Format formats t in local time without a zone suffix.
func (t Timestamp) Format(zoneMinutes int) string {
	c := t.Calendar(zoneMinutes)
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", c.Year, c.Month, c.Day, c.Hour, c.Minute, c.Second)
}

// localLayouts are accepted by ParseLocal.
var localLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseLocal parses a local date/time such as "2022-08-07 06:30:00".
func ParseLocal(s string, zoneMinutes int) (Timestamp, error) {
	for _, layout := range localLayouts {
		tm, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		return FromCalendar(tm.Year(), int(tm.Month()), tm.Day(), tm.Hour(), tm.Minute(), tm.Second(), zoneMinutes)
	}
	return 0, fmt.Errorf("cannot parse %q as local time", s)
}

// ParseMinuteOfDay parses "HH:MM" into minutes since midnight.
func ParseMinuteOfDay(s string) (int, error) {
	tm, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("cannot parse %q as HH:MM: %w", s, err)
	}
	return tm.Hour()*60 + tm.Minute(), nil
}

// FormatMinuteOfDay renders minutes since midnight as "HH:MM".
func FormatMinuteOfDay(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
