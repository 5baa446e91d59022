package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Period is a calendar quarter. Start is inclusive, End exclusive.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// QuarterOf returns the quarter containing t (UTC).
func QuarterOf(t time.Time) Period {
	t = t.UTC()
	q := (int(t.Month()) - 1) / 3
	start := time.Date(t.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 3, 0)}
}

// ParsePeriod parses a key of the form "2024-Q3".
func ParsePeriod(s string) (Period, error) {
	year, q, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(s)), "-Q")
	if !ok {
		return Period{}, eris.Errorf("period: invalid key %q (want YYYY-Qn)", s)
	}
	y, err := strconv.Atoi(year)
	if err != nil || y < 1900 || y > 2200 {
		return Period{}, eris.Errorf("period: invalid year in %q", s)
	}
	n, err := strconv.Atoi(q)
	if err != nil || n < 1 || n > 4 {
		return Period{}, eris.Errorf("period: invalid quarter in %q", s)
	}
	return QuarterOf(time.Date(y, time.Month((n-1)*3+1), 1, 0, 0, 0, 0, time.UTC)), nil
}

// Key returns the canonical "YYYY-Qn" form.
func (p Period) Key() string {
	if p.Start.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d-Q%d", p.Start.Year(), (int(p.Start.Month())-1)/3+1)
}

// String implements fmt.Stringer.
func (p Period) String() string { return p.Key() }

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool { return p.Start.IsZero() }

// Before reports whether p starts before o.
func (p Period) Before(o Period) bool { return p.Start.Before(o.Start) }

// Next returns the following quarter.
func (p Period) Next() Period { return QuarterOf(p.End) }

// PeriodRange is an inclusive range of quarters. A zero From or To is open-ended.
type PeriodRange struct {
	From Period `json:"from"`
	To   Period `json:"to"`
}

// Contains reports whether p falls inside the range.
func (r PeriodRange) Contains(p Period) bool {
	if !r.From.IsZero() && p.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && r.To.Before(p) {
		return false
	}
	return true
}

// Quarters enumerates the quarters in a closed range. Open ranges return nil.
func (r PeriodRange) Quarters() []Period {
	if r.From.IsZero() || r.To.IsZero() {
		return nil
	}
	var out []Period
	for p := r.From; !r.To.Before(p); p = p.Next() {
		out = append(out, p)
	}
	return out
}

// String renders the range for logs.
func (r PeriodRange) String() string {
	from, to := r.From.Key(), r.To.Key()
	if from == "" {
		from = "*"
	}
	if to == "" {
		to = "*"
	}
	return from + ".." + to
}
