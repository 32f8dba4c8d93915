package billing

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// =============================================================================
// PERIOD - Calendar month identifier ("YYYY-MM")
// =============================================================================

// Period identifies a calendar month in canonical "YYYY-MM" form with a
// 1-indexed month. Readings and bills are keyed by period.
//
// The canonical form sorts lexicographically in chronological order, which
// the store layers rely on for ORDER BY queries.
type Period string

// DefaultUnbilledLookback is how many months UnbilledPeriodsBefore scans.
const DefaultUnbilledLookback = 6

// NewPeriod builds a period from a year and month.
func NewPeriod(year int, month time.Month) Period {
	return Period(fmt.Sprintf("%04d-%02d", year, int(month)))
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return NewPeriod(t.Year(), t.Month())
}

// CurrentPeriod returns the period containing now.
func CurrentPeriod(now time.Time) Period {
	return PeriodOf(now)
}

// ParsePeriod validates s and returns it as a Period. Only the exact
// "YYYY-MM" shape with ASCII digits is accepted; signs, spaces and short
// months are rejected so that each month has a single spelling.
func ParsePeriod(s string) (Period, error) {
	if len(s) != 7 || s[4] != '-' || !allDigits(s[:4]) || !allDigits(s[5:]) {
		return "", &ValidationError{Field: "period", Message: fmt.Sprintf("%q is not in YYYY-MM form", s)}
	}
	year, err := strconv.Atoi(s[:4])
	if err != nil || year < 1 {
		return "", &ValidationError{Field: "period", Message: fmt.Sprintf("%q has an invalid year", s)}
	}
	month, err := strconv.Atoi(s[5:])
	if err != nil || month < 1 || month > 12 {
		return "", &ValidationError{Field: "period", Message: fmt.Sprintf("%q has an invalid month", s)}
	}
	return NewPeriod(year, time.Month(month)), nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Validate reports whether p is in canonical form.
func (p Period) Validate() error {
	parsed, err := ParsePeriod(string(p))
	if err != nil {
		return err
	}
	if parsed != p {
		return &ValidationError{Field: "period", Message: fmt.Sprintf("%q is not canonical, use %q", p, parsed)}
	}
	return nil
}

// Year returns the calendar year. Zero for malformed periods.
func (p Period) Year() int {
	if len(p) < 4 {
		return 0
	}
	y, _ := strconv.Atoi(string(p[:4]))
	return y
}

// Month returns the calendar month. Zero for malformed periods.
func (p Period) Month() time.Month {
	if len(p) != 7 {
		return 0
	}
	m, _ := strconv.Atoi(string(p[5:]))
	return time.Month(m)
}

// Start returns the first instant of the period in UTC.
func (p Period) Start() time.Time {
	return time.Date(p.Year(), p.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// AddMonths returns the period n months after p (n may be negative).
func (p Period) AddMonths(n int) Period {
	return PeriodOf(p.Start().AddDate(0, n, 0))
}

func (p Period) Prev() Period { return p.AddMonths(-1) }
func (p Period) Next() Period { return p.AddMonths(1) }

// MonthsSince returns how many months p is after other (negative if before).
func (p Period) MonthsSince(other Period) int {
	return (p.Year()-other.Year())*12 + int(p.Month()) - int(other.Month())
}

func (p Period) Before(other Period) bool { return ComparePeriods(p, other) < 0 }
func (p Period) After(other Period) bool  { return ComparePeriods(p, other) > 0 }

func (p Period) String() string { return string(p) }

// ComparePeriods orders periods by (year, month) and returns -1, 0 or 1.
func ComparePeriods(a, b Period) int {
	switch {
	case a.Year() != b.Year():
		if a.Year() < b.Year() {
			return -1
		}
		return 1
	case a.Month() < b.Month():
		return -1
	case a.Month() > b.Month():
		return 1
	default:
		return 0
	}
}

// SortPeriodsDesc sorts periods most recent first.
func SortPeriodsDesc(periods []Period) {
	sort.Slice(periods, func(i, j int) bool {
		return ComparePeriods(periods[i], periods[j]) > 0
	})
}

// =============================================================================
// ENUMERATION
// =============================================================================

// RecentPeriods returns the count periods strictly before the period
// containing now, most recent first. The current period is never part of the
// result; callers that offer it as a choice prepend CurrentPeriod(now).
func RecentPeriods(now time.Time, count int) []Period {
	if count <= 0 {
		return nil
	}
	current := CurrentPeriod(now)
	out := make([]Period, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, current.AddMonths(-i))
	}
	return out
}

// UnbilledPeriodsBefore scans up to lookback periods strictly before period,
// most recent first, and returns the ones that are neither a bill anchor nor
// folded into any bill's included periods.
//
// This is a pure query: the engine never decides by itself to include these
// periods in a bill. A non-positive lookback uses DefaultUnbilledLookback.
func UnbilledPeriodsBefore(period Period, bills []Bill, lookback int) []Period {
	if lookback <= 0 {
		lookback = DefaultUnbilledLookback
	}
	covered := make(map[Period]bool, len(bills))
	for _, b := range bills {
		covered[b.Period] = true
		for _, inc := range b.IncludedPeriods {
			covered[inc] = true
		}
	}

	var out []Period
	for i := 1; i <= lookback; i++ {
		p := period.AddMonths(-i)
		if !covered[p] {
			out = append(out, p)
		}
	}
	return out
}
