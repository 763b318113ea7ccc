package poller

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind is either a cron expression or a fixed interval.
type ScheduleKind int

const (
	ScheduleCron ScheduleKind = iota
	ScheduleInterval
)

// Schedule is a parsed poll schedule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "@hourly", "@every 1m"
//   - Interval duration: "60s", "5m"
//   - Interval HH:MM: "00:05" (5 minutes), "01:30" (1 hour 30 minutes)
//
// Optional prefixes "cron:" and "every:" force the kind.
type Schedule struct {
	Kind  ScheduleKind
	Cron  string
	Every time.Duration
}

// DefaultSchedule polls once a minute.
const DefaultSchedule = "60s"

var (
	reHHMM     = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseSchedule parses raw; empty means DefaultSchedule.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		s = DefaultSchedule
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(strings.TrimSpace(s[len("every:"):]))
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: ScheduleInterval, Every: d}, nil
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	}

	d, err := parseInterval(s)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:05', or duration like '60s')", raw)
	}
	return Schedule{Kind: ScheduleInterval, Every: d}, nil
}

// cronSchedule returns the robfig schedule.
func (s Schedule) cronSchedule() (cron.Schedule, error) {
	if s.Kind == ScheduleInterval {
		return cron.Every(s.Every), nil
	}
	return cronParser.Parse(s.Cron)
}

func (s Schedule) String() string {
	if s.Kind == ScheduleInterval {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	// @every is an interval in disguise; keep it one so the minimum clamp applies.
	if strings.HasPrefix(expr, "@every") {
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(expr, "@every")))
		if err != nil || d <= 0 {
			return Schedule{}, fmt.Errorf("invalid interval in %q", expr)
		}
		return Schedule{Kind: ScheduleInterval, Every: d}, nil
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Kind: ScheduleCron, Cron: expr}, nil
}

func parseInterval(v string) (time.Duration, error) {
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		var hh, mm int
		for i := 0; i < len(m[1]); i++ {
			hh = hh*10 + int(m[1][i]-'0')
		}
		mm = int(m[2][0]-'0')*10 + int(m[2][1]-'0')
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
