package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind tells a cron expression from a fixed interval.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Spec is a parsed schedule string.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "0 */2 * * * *" (with seconds), "@hourly", "@every 3m"
//   - interval: "5m", "1h30m", or HH:MM such as "00:05"
//
// A "cron:", "every:" or "interval:" prefix forces the kind.
type Spec struct {
	Kind  Kind
	Cron  string
	Every time.Duration
}

// String renders the spec in a form cron understands.
func (s Spec) String() string {
	if s.Kind == KindInterval {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// cronParser accepts 5-field and 6-field (leading seconds) expressions.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses and validates raw.
func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return parseCron(s)
	}

	spec, err := parseInterval(s)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:05', or a duration like '5m')", raw)
	}
	return spec, nil
}

func parseCron(expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron expression required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Spec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Spec{Kind: KindCron, Cron: expr}, nil
}

func parseInterval(v string) (Spec, error) {
	if v == "" {
		return Spec{}, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Spec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return Spec{}, fmt.Errorf("invalid interval %q: %w", v, err)
		}
	}
	// cron.Every rounds down to whole seconds.
	if d < time.Second {
		return Spec{}, fmt.Errorf("interval must be at least 1s")
	}
	return Spec{Kind: KindInterval, Every: d}, nil
}

// schedule builds the cron.Schedule for s.
func (s Spec) schedule() (cron.Schedule, error) {
	if s.Kind == KindInterval {
		return cron.Every(s.Every), nil
	}
	return cronParser.Parse(s.Cron)
}
