package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// dowParser accepts a single cron day-of-week field: "MON-FRI", "1-5", "SAT,SUN", "*".
var dowParser = cron.NewParser(cron.Dow)

var dayAliases = map[string]string{
	"weekdays": "MON-FRI",
	"weekends": "SAT,SUN",
	"daily":    "*",
	"everyday": "*",
}

// DayPolicy says on which weekdays a run is allowed to proceed.
type DayPolicy struct {
	spec string
	days uint64
}

// ParseDayPolicy parses an active-days expression.
func ParseDayPolicy(expr string) (DayPolicy, error) {
	expr = strings.TrimSpace(expr)
	if alias, ok := dayAliases[strings.ToLower(expr)]; ok {
		expr = alias
	}
	if expr == "" {
		return DayPolicy{}, fmt.Errorf("empty active days")
	}
	sched, err := dowParser.Parse(expr)
	if err != nil {
		return DayPolicy{}, fmt.Errorf("parse %q: %w", expr, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return DayPolicy{}, fmt.Errorf("parse %q: unexpected schedule type %T", expr, sched)
	}
	return DayPolicy{spec: expr, days: spec.Dow}, nil
}

// Allows reports whether t falls on an active day, in t's own location.
func (p DayPolicy) Allows(t time.Time) bool {
	return p.days&(1<<uint(t.Weekday())) != 0
}

func (p DayPolicy) String() string { return p.spec }

// ActiveDays returns the parsed active-days policy. Validate has already
// rejected unparsable values.
func (c *Config) ActiveDays() DayPolicy {
	p, err := ParseDayPolicy(c.Schedule.ActiveDays)
	if err != nil {
		p, _ = ParseDayPolicy("MON-FRI")
	}
	return p
}
