// Package timerange parses closed time intervals used by historical extraction.
package timerange

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/unijord/pipecdc/pkg/pipeerr"
)

const (
	// MinTime stands for an unset start ("from the beginning of time").
	MinTime int64 = math.MinInt64
	// MaxTime stands for an unset end ("open-ended").
	MaxTime int64 = math.MaxInt64
)

// TimeRange is a closed interval of epoch milliseconds.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// All returns the unbounded range.
func All() TimeRange {
	return TimeRange{Start: MinTime, End: MaxTime}
}

// Bound is one raw endpoint. Set is false when the attribute was absent.
type Bound struct {
	Raw string
	Set bool
}

// At returns a set Bound.
func At(raw string) Bound { return Bound{Raw: raw, Set: true} }

// Unset is the absent Bound.
var Unset = Bound{}

// Parse builds a TimeRange from two endpoints. Endpoints without a zone
// offset are interpreted in loc (UTC when nil).
func Parse(start, end Bound, loc *time.Location) (TimeRange, error) {
	return ParseFields("start-time", "end-time", start, end, loc)
}

// ParseFields is Parse with the attribute names reported in errors.
func ParseFields(startField, endField string, start, end Bound, loc *time.Location) (TimeRange, error) {
	r := All()
	if start.Set {
		ms, err := ParseTimestamp(start.Raw, loc)
		if err != nil {
			return TimeRange{}, pipeerr.Configuration(startField, start.Raw, err.Error())
		}
		r.Start = ms
	}
	if end.Set {
		ms, err := ParseTimestamp(end.Raw, loc)
		if err != nil {
			return TimeRange{}, pipeerr.Configuration(endField, end.Raw, err.Error())
		}
		r.End = ms
	}
	if r.Start > r.End {
		return TimeRange{}, pipeerr.Configuration(startField, start.Raw, "start time is greater than end time "+end.Raw)
	}
	return r, nil
}

// Contains reports whether ts lies in the closed interval.
func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.Start && ts <= r.End
}

// Overlaps reports whether [min, max] shares at least one instant with r.
func (r TimeRange) Overlaps(min, max int64) bool {
	return min <= r.End && max >= r.Start
}

// HasStart reports whether the start is bounded.
func (r TimeRange) HasStart() bool { return r.Start != MinTime }

// HasEnd reports whether the end is bounded.
func (r TimeRange) HasEnd() bool { return r.End != MaxTime }

// IsAll reports whether both ends are unbounded.
func (r TimeRange) IsAll() bool { return !r.HasStart() && !r.HasEnd() }

func (r TimeRange) String() string {
	start, end := "-inf", "+inf"
	if r.HasStart() {
		start = time.UnixMilli(r.Start).UTC().Format(time.RFC3339Nano)
	}
	if r.HasEnd() {
		end = time.UnixMilli(r.End).UTC().Format(time.RFC3339Nano)
	}
	return "[" + start + ", " + end + "]"
}

// date sep time [.fraction] [zone]
var timestampRE = regexp.MustCompile(
	`^(\d{4})([-/.])(\d{2})([-/.])(\d{2})[T ](\d{2}):(\d{2}):(\d{2})(?:\.(\d{1,9}))?(Z|[+-]\d{2}:?\d{2})?$`)

type parseError string

func (e parseError) Error() string { return string(e) }

const errFormat = parseError("expected yyyy-MM-ddTHH:mm:ss[.SSS][±HH:mm]")

// ParseTimestamp parses one timestamp to epoch milliseconds.
func ParseTimestamp(raw string, loc *time.Location) (int64, error) {
	if loc == nil {
		loc = time.UTC
	}
	m := timestampRE.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return 0, errFormat
	}
	if m[2] != m[4] {
		return 0, parseError("inconsistent date separators")
	}

	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[3])
	day, _ := strconv.Atoi(m[5])
	hour, _ := strconv.Atoi(m[6])
	minute, _ := strconv.Atoi(m[7])
	second, _ := strconv.Atoi(m[8])

	nanos := 0
	if frac := m[9]; frac != "" {
		frac += strings.Repeat("0", 9-len(frac))
		nanos, _ = strconv.Atoi(frac)
	}

	if month < 1 || month > 12 || hour > 23 || minute > 59 || second > 59 {
		return 0, parseError("field out of range")
	}

	zone := loc
	if z := m[10]; z != "" {
		if z == "Z" {
			zone = time.UTC
		} else {
			off, err := parseOffset(z)
			if err != nil {
				return 0, err
			}
			zone = time.FixedZone(z, off)
		}
	}

	t := time.Date(year, time.Month(month), day, hour, minute, second, nanos, zone)
	// time.Date normalizes 2000-02-31 into March
	if t.Day() != day || int(t.Month()) != month {
		return 0, parseError("day out of range")
	}
	return t.UnixMilli(), nil
}

func parseOffset(z string) (int, error) {
	sign := 1
	if z[0] == '-' {
		sign = -1
	}
	digits := strings.ReplaceAll(z[1:], ":", "")
	if len(digits) != 4 {
		return 0, parseError("invalid zone offset")
	}
	h, _ := strconv.Atoi(digits[:2])
	m, _ := strconv.Atoi(digits[2:])
	if h > 18 || m > 59 {
		return 0, parseError("invalid zone offset")
	}
	return sign * (h*3600 + m*60), nil
}
