package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mf-intel/internal/fetcher"
	"github.com/sells-group/mf-intel/internal/model"
	"github.com/sells-group/mf-intel/internal/resilience"
)

func (d Deps) retry(id model.SourceID) resilience.RetryConfig {
	cfg := d.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(string(id), "fetch")
	}
	return cfg
}

// fetchBytes downloads location in full, retrying transient failures. A
// body cut short mid-read counts as transient.
func fetchBytes(ctx context.Context, f fetcher.Fetcher, location string, cfg resilience.RetryConfig) ([]byte, error) {
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		body, err := f.Download(ctx, location)
		if err != nil {
			return nil, err
		}
		defer body.Close() //nolint:errcheck

		b, err := io.ReadAll(body)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "source: read body"), 0)
		}
		return b, nil
	})
}

// text returns the first non-empty value among keys, trimmed.
func text(p map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := p[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case json.Number:
			s = x.String()
		default:
			s = fmt.Sprint(x)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// number coerces a payload value to a float. ok is false for a missing or
// blank value. Strings may carry "$", thousands separators, or a trailing
// "%" (which divides by 100).
func number(v any) (f float64, ok bool, err error) {
	switch x := v.(type) {
	case nil:
		return 0, false, nil
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		f, err = x.Float64()
	case pgtype.Numeric:
		if !x.Valid {
			return 0, false, nil
		}
		var f8 pgtype.Float8
		f8, err = x.Float64Value()
		f = f8.Float64
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false, nil
		}
		pct := strings.HasSuffix(s, "%")
		s = strings.NewReplacer("$", "", ",", "", "%", "").Replace(s)
		f, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if pct {
			f /= 100
		}
	default:
		return 0, false, eris.Errorf("unsupported value type %T", v)
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "parse number %v", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, eris.Errorf("non-finite number %v", v)
	}
	return f, true, nil
}

// parseDate accepts an ISO date or timestamp, or MM/DD/YYYY.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) >= 10 && s[4] == '-' {
		return time.Parse("2006-01-02", s[:10])
	}
	if fields := strings.Fields(s); len(fields) > 0 {
		if t, err := time.Parse("1/2/2006", fields[0]); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognized date %q", s)
}

// unknownFields returns payload keys not in known, sorted. ignore reports
// keys that are never schema drift, such as portal system fields.
func unknownFields(p map[string]any, known map[string]bool, ignore func(string) bool) []string {
	var out []string
	for k := range p {
		if known[k] || (ignore != nil && ignore(k)) {
			continue
		}
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
