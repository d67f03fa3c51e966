package hebe

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ParamKind selects how a query value is rendered.
type ParamKind int

const (
	ParamInt ParamKind = iota
	ParamString
	ParamBool
	ParamDate     // 2006-01-02
	ParamDateTime // 2006-01-02T15:04:05
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02T15:04:05"
)

// ParamSpec describes one query parameter an endpoint accepts.
type ParamSpec struct {
	// Field is the caller-facing name used as key in Query.
	Field string
	// Wire is the name sent in the query string.
	Wire     string
	Kind     ParamKind
	Optional bool
}

// Query holds parameter values keyed by ParamSpec.Field. Nil values are
// treated as absent.
type Query map[string]any

// EncodeParams renders q against specs. Absent optional parameters are left
// out; absent required ones and unknown fields are errors.
func EncodeParams(specs []ParamSpec, q Query) (url.Values, error) {
	known := make(map[string]struct{}, len(specs))
	vals := url.Values{}
	for _, p := range specs {
		known[p.Field] = struct{}{}
		v, ok := q[p.Field]
		if !ok || v == nil {
			if !p.Optional {
				return nil, fmt.Errorf("missing required parameter %q", p.Field)
			}
			continue
		}
		s, err := formatParam(p, v)
		if err != nil {
			return nil, err
		}
		vals.Set(p.Wire, s)
	}
	for field, v := range q {
		if _, ok := known[field]; !ok && v != nil {
			return nil, fmt.Errorf("unknown parameter %q", field)
		}
	}
	return vals, nil
}

func formatParam(p ParamSpec, v any) (string, error) {
	switch p.Kind {
	case ParamInt:
		switch n := v.(type) {
		case int:
			return strconv.Itoa(n), nil
		case int32:
			return strconv.FormatInt(int64(n), 10), nil
		case int64:
			return strconv.FormatInt(n, 10), nil
		case string:
			if _, err := strconv.ParseInt(n, 10, 64); err != nil {
				return "", fmt.Errorf("parameter %q: %q is not an integer", p.Field, n)
			}
			return n, nil
		}
	case ParamString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case ParamBool:
		switch b := v.(type) {
		case bool:
			return strconv.FormatBool(b), nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return "", fmt.Errorf("parameter %q: %q is not a boolean", p.Field, b)
			}
			return strconv.FormatBool(parsed), nil
		}
	case ParamDate, ParamDateTime:
		layout := dateLayout
		if p.Kind == ParamDateTime {
			layout = dateTimeLayout
		}
		switch t := v.(type) {
		case time.Time:
			// The wire format carries no zone and the backend reads
			// datetimes as UTC. A date stays the caller's calendar day.
			if p.Kind == ParamDateTime {
				t = t.UTC()
			}
			return t.Format(layout), nil
		case string:
			if _, err := time.Parse(layout, t); err != nil {
				return "", fmt.Errorf("parameter %q: %w", p.Field, err)
			}
			return t, nil
		}
	}
	return "", fmt.Errorf("parameter %q: unsupported value %T", p.Field, v)
}

// FormatSyncDate renders a lastSyncDate watermark in UTC.
func FormatSyncDate(t time.Time) string {
	return t.UTC().Format(dateTimeLayout)
}
