// Package timeunit implements the calendar arithmetic used to advance simulated
// time: unit sizes, unit conversion and calendar-correct month/year stepping.
package timeunit

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidArgument is returned for negative increments and unknown units.
var ErrInvalidArgument = errors.New("invalid argument")

// Unit is a simulated-time unit. Month and Year have approximate canonical
// sizes (30 and 365 days) but are stepped on the calendar by AddUnits.
type Unit int

const (
	Second Unit = iota + 1
	Minute
	Hour
	Day
	Week
	Month
	Year
)

var unitSeconds = [...]int64{
	Second: 1,
	Minute: 60,
	Hour:   3600,
	Day:    86400,
	Week:   604800,
	Month:  2592000,
	Year:   31536000,
}

var unitNames = [...]string{
	Second: "second",
	Minute: "minute",
	Hour:   "hour",
	Day:    "day",
	Week:   "week",
	Month:  "month",
	Year:   "year",
}

// Units lists every unit from smallest to largest.
func Units() []Unit { return []Unit{Second, Minute, Hour, Day, Week, Month, Year} }

func (u Unit) Valid() bool { return u >= Second && u <= Year }

func (u Unit) String() string {
	if !u.Valid() {
		return fmt.Sprintf("unit(%d)", int(u))
	}
	return unitNames[u]
}

// Plural renders "1 day", "3 days".
func (u Unit) Plural(n int64) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, u)
	}
	return fmt.Sprintf("%d %ss", n, u)
}

// ParseUnit accepts singular or plural unit names, case-insensitive.
func ParseUnit(s string) (Unit, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	single := strings.TrimSuffix(s, "s")
	for _, u := range Units() {
		if unitNames[u] == s || unitNames[u] == single {
			return u, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown time unit %q", ErrInvalidArgument, s)
}

// DurationSeconds returns the canonical size of u in seconds, or 0 for an
// invalid unit.
func DurationSeconds(u Unit) int64 {
	if !u.Valid() {
		return 0
	}
	return unitSeconds[u]
}

// Duration is DurationSeconds as a time.Duration.
func Duration(u Unit) time.Duration {
	return time.Duration(DurationSeconds(u)) * time.Second
}

// UnitsPerUnit returns how many small units fit in one big unit
// (1 month = 30 days). It returns 0 when big is smaller than small.
func UnitsPerUnit(big, small Unit) (int64, error) {
	if !big.Valid() || !small.Valid() {
		return 0, fmt.Errorf("%w: cannot convert %s to %s", ErrInvalidArgument, big, small)
	}
	if big < small {
		return 0, nil
	}
	return unitSeconds[big] / unitSeconds[small], nil
}

// AddUnits adds count units to t. Months and years step the calendar and keep
// the time of day; a day of month that does not exist in the target month is
// clamped to that month's last day. Other units are flat offsets.
func AddUnits(t time.Time, u Unit, count int64) (time.Time, error) {
	if count < 0 {
		return time.Time{}, fmt.Errorf("%w: negative count %d", ErrInvalidArgument, count)
	}
	switch u {
	case Month:
		return shiftCalendar(t, count/12, count%12)
	case Year:
		return shiftCalendar(t, count, 0)
	}
	if !u.Valid() {
		return time.Time{}, fmt.Errorf("%w: unknown unit %d", ErrInvalidArgument, int(u))
	}
	size := unitSeconds[u]
	if count > (math.MaxInt64/2)/size {
		return time.Time{}, fmt.Errorf("%w: %s out of range", ErrInvalidArgument, u.Plural(count))
	}
	return time.Unix(t.Unix()+count*size, int64(t.Nanosecond())).In(t.Location()), nil
}

const maxYear = 1 << 30

func shiftCalendar(t time.Time, years, months int64) (time.Time, error) {
	m := int64(t.Month()) - 1 + months
	y := int64(t.Year()) + years + m/12
	m %= 12
	if years > maxYear || y > maxYear {
		return time.Time{}, fmt.Errorf("%w: year %d out of range", ErrInvalidArgument, y)
	}
	month := time.Month(m + 1)
	day := t.Day()
	if last := daysIn(int(y), month); day > last {
		day = last
	}
	return time.Date(int(y), month, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location()), nil
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
