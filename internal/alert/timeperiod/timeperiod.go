// Package timeperiod parses the human-readable schedule expressions that
// gate when an alert's notifications may fire, e.g. "hours 9-17" or
// "weekdays mon-fri; hours 9-17". Callers treat a parse error as
// always-in-period so a bad schedule never silences an alert.
package timeperiod

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Period is a parsed schedule expression. The zero value matches always.
type Period struct {
	clauses []clause
}

type clause interface {
	contains(t time.Time) bool
}

type hourClause struct{ ranges []intRange }

type minuteClause struct{ ranges []intRange }

type weekdayClause struct{ ranges []dayRange }

type intRange struct{ lo, hi int }

type dayRange struct{ lo, hi time.Weekday }

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// Parse parses a schedule expression. Clauses are separated by ";" and
// combined with AND; ranges within a clause are separated by "," and
// combined with OR. An empty expression matches always.
func Parse(expression string) (*Period, error) {
	period := &Period{}
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return period, nil
	}

	for _, part := range strings.Split(expression, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Fields(part)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed clause %q: want <kind> <ranges>", part)
		}
		kind, spec := strings.ToLower(fields[0]), fields[1]

		switch kind {
		case "hours", "hour", "hr":
			ranges, err := parseIntRanges(spec, 0, 23)
			if err != nil {
				return nil, fmt.Errorf("malformed hours clause %q: %w", part, err)
			}
			period.clauses = append(period.clauses, hourClause{ranges: ranges})
		case "minutes", "minute", "min":
			ranges, err := parseIntRanges(spec, 0, 59)
			if err != nil {
				return nil, fmt.Errorf("malformed minutes clause %q: %w", part, err)
			}
			period.clauses = append(period.clauses, minuteClause{ranges: ranges})
		case "weekdays", "weekday", "wd":
			ranges, err := parseDayRanges(spec)
			if err != nil {
				return nil, fmt.Errorf("malformed weekdays clause %q: %w", part, err)
			}
			period.clauses = append(period.clauses, weekdayClause{ranges: ranges})
		default:
			return nil, fmt.Errorf("unknown clause kind %q", kind)
		}
	}
	return period, nil
}

// Contains reports whether t falls inside the period. All clauses must
// hold; a period without clauses always holds.
func (p *Period) Contains(t time.Time) bool {
	for _, c := range p.clauses {
		if !c.contains(t) {
			return false
		}
	}
	return true
}

func (c hourClause) contains(t time.Time) bool {
	return anyIntRange(c.ranges, t.Hour())
}

func (c minuteClause) contains(t time.Time) bool {
	return anyIntRange(c.ranges, t.Minute())
}

func (c weekdayClause) contains(t time.Time) bool {
	day := t.Weekday()
	for _, r := range c.ranges {
		if containsWrapped(int(r.lo), int(r.hi), int(day), 7) {
			return true
		}
	}
	return false
}

func anyIntRange(ranges []intRange, v int) bool {
	for _, r := range ranges {
		if v >= r.lo && v <= r.hi {
			return true
		}
	}
	return false
}

// containsWrapped checks membership in a cyclic range, so fri-mon covers
// Friday through Monday.
func containsWrapped(lo, hi, v, modulus int) bool {
	if lo <= hi {
		return v >= lo && v <= hi
	}
	return v >= lo || v <= hi%modulus
}

func parseIntRanges(spec string, min, max int) ([]intRange, error) {
	var ranges []intRange
	for _, item := range strings.Split(spec, ",") {
		lo, hi, err := splitRange(item)
		if err != nil {
			return nil, err
		}
		loN, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", lo)
		}
		hiN, err := strconv.Atoi(hi)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", hi)
		}
		if loN < min || hiN > max || loN > hiN {
			return nil, fmt.Errorf("range %d-%d out of bounds %d-%d", loN, hiN, min, max)
		}
		ranges = append(ranges, intRange{lo: loN, hi: hiN})
	}
	return ranges, nil
}

func parseDayRanges(spec string) ([]dayRange, error) {
	var ranges []dayRange
	for _, item := range strings.Split(spec, ",") {
		lo, hi, err := splitRange(item)
		if err != nil {
			return nil, err
		}
		loD, ok := weekdayNames[strings.ToLower(lo)]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", lo)
		}
		hiD, ok := weekdayNames[strings.ToLower(hi)]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", hi)
		}
		ranges = append(ranges, dayRange{lo: loD, hi: hiD})
	}
	return ranges, nil
}

func splitRange(item string) (string, string, error) {
	item = strings.TrimSpace(item)
	if item == "" {
		return "", "", fmt.Errorf("empty range")
	}
	if idx := strings.Index(item, "-"); idx >= 0 {
		return item[:idx], item[idx+1:], nil
	}
	return item, item, nil
}
