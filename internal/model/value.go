package model

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/rotisserie/eris"
)

// Value is a metric value: either numeric or categorical.
type Value struct {
	num     float64
	cat     string
	numeric bool
}

// Number returns a numeric value.
func Number(f float64) Value { return Value{num: f, numeric: true} }

// Category returns a categorical value.
func Category(s string) Value { return Value{cat: s} }

// IsNumeric reports whether v holds a number.
func (v Value) IsNumeric() bool { return v.numeric }

// Float returns the numeric value, or 0 for categorical values.
func (v Value) Float() float64 { return v.num }

// String returns the canonical text form. Numbers use the shortest
// round-tripping representation so equal values always render the same.
func (v Value) String() string {
	if v.numeric {
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	}
	return v.cat
}

// Equal reports exact equality.
func (v Value) Equal(o Value) bool {
	if v.numeric != o.numeric {
		return false
	}
	if v.numeric {
		return v.num == o.num
	}
	return v.cat == o.cat
}

// ParseValue parses a canonical string with the given kind.
func ParseValue(s string, numeric bool) (Value, error) {
	if !numeric {
		return Category(s), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Value{}, eris.Wrapf(err, "value: parse %q", s)
	}
	return Number(f), nil
}

// MarshalJSON encodes numbers as JSON numbers and categories as strings.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.numeric {
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, eris.Errorf("value: non-finite number %v", v.num)
		}
		return []byte(v.String()), nil
	}
	return json.Marshal(v.cat)
}

// UnmarshalJSON accepts a JSON number or string.
func (v *Value) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*v = Number(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return eris.Wrap(err, "value: expected number or string")
	}
	*v = Category(s)
	return nil
}
