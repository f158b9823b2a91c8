package ledger

import "time"

// =============================================================================
// PERIOD - calendar month a grant is active in
// =============================================================================

// Period is a half-open interval [Start, End).
//
// Benefits are monthly: a grant dated anywhere inside a month is active for
// every instant of that month and for no instant outside it. This is a
// calendar match, not a rolling 30-day window.
type Period struct {
	Start time.Time
	End   time.Time
}

// MonthOf returns the calendar month containing t, evaluated in loc.
// A nil loc means UTC.
func MonthOf(t time.Time, loc *time.Location) Period {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// Contains reports whether t is inside [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.Format(time.RFC3339) + ", " + p.End.Format(time.RFC3339) + ")"
}

// =============================================================================
// PERIOD RESOLVER
// =============================================================================

// ResolveActive returns the grants that apply to family at now.
//
// A grant is kept when all hold:
//   - its Date falls in the same calendar month and year as now (in loc)
//   - its group equals the family's group
//   - its institution is in the family's city
//
// The input order is preserved. ResolveActive is pure; stores may pre-filter
// but the result never depends on that.
func ResolveActive(now time.Time, loc *time.Location, family Family, benefits []Benefit) []Benefit {
	period := MonthOf(now, loc)
	var active []Benefit
	for _, b := range benefits {
		if b.Group != family.Group {
			continue
		}
		if b.InstitutionCityID != family.CityID {
			continue
		}
		if !period.Contains(b.Date) {
			continue
		}
		active = append(active, b)
	}
	return active
}
