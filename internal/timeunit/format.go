package timeunit

import (
	"strings"
	"time"

	strftime "github.com/ncruces/go-strftime"
)

// DefaultMaxParts is the number of components FormatDuration renders when
// callers pass a non-positive limit.
const DefaultMaxParts = 3

// FormatInstant renders t at the precision implied by u, e.g. "January 1970"
// for Month or "1 January 1970, 12:42" for Minute.
func FormatInstant(t time.Time, u Unit) string {
	switch u {
	case Year:
		return t.Format("2006")
	case Month:
		return t.Format("January 2006")
	case Week:
		// Monday-based week of year; days before the first Monday are week 00.
		return strftime.Format("Week %W, %Y", t)
	case Day:
		return t.Format("2 January 2006")
	case Hour:
		return t.Format("2 January 2006, 15") + ":00"
	case Minute:
		return t.Format("2 January 2006, 15:04")
	default:
		return t.Format("2 January 2006, 15:04:05")
	}
}

// components of a duration, largest first.
var durationUnits = [...]Unit{Week, Day, Hour, Minute, Second}

// span of each component inside the next larger one (weeks are unbounded).
var durationSpan = [...]int64{0, 7, 24, 60, 60}

func decompose(total int64) [len(durationUnits)]int64 {
	var out [len(durationUnits)]int64
	for i, u := range durationUnits {
		size := unitSeconds[u]
		out[i] = total / size
		total %= size
	}
	return out
}

// FormatDuration renders d as at most maxParts non-zero components
// ("1 week, 2 days and 3 hours"). When components are dropped, the last kept
// one is rounded up if the next smaller component is at least half its span.
// Durations under one second render as "now".
func FormatDuration(d time.Duration, maxParts int) string {
	if maxParts <= 0 {
		maxParts = DefaultMaxParts
	}
	total := int64(d / time.Second)
	if total <= 0 {
		return "now"
	}

	comps := decompose(total)
	kept := nonZero(comps)
	if len(kept) > maxParts {
		last := kept[maxParts-1]
		size := unitSeconds[durationUnits[last]]
		units := total / size
		if next := last + 1; next < len(comps) && 2*comps[next] >= durationSpan[next] {
			units++
		}
		comps = decompose(units * size)
		kept = nonZero(comps)
		if len(kept) > maxParts {
			kept = kept[:maxParts]
		}
	}

	parts := make([]string, 0, len(kept))
	for _, i := range kept {
		parts = append(parts, durationUnits[i].Plural(comps[i]))
	}
	switch len(parts) {
	case 0:
		return "now"
	case 1:
		return parts[0]
	default:
		return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
	}
}

func nonZero(comps [len(durationUnits)]int64) []int {
	out := make([]int, 0, len(comps))
	for i, n := range comps {
		if n > 0 {
			out = append(out, i)
		}
	}
	return out
}
