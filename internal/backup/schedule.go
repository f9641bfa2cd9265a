package backup

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"panelbot/internal/botconfig"
)

type PlanKind string

const (
	PlanNone     PlanKind = "none"
	PlanCron     PlanKind = "cron"
	PlanInterval PlanKind = "interval"
)

// Plan is the resolved schedule of the backup job.
type Plan struct {
	Kind     PlanKind
	Spec     string
	Every    time.Duration
	Location *time.Location

	schedule cron.Schedule
}

// Signature identifies a plan. Rescheduling with an equal signature keeps
// the current job.
func (p Plan) Signature() uint64 {
	h := fnv.New64a()
	loc := ""
	if p.Location != nil {
		loc = p.Location.String()
	}
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%s", p.Kind, p.Spec, p.Every, loc)
	return h.Sum64()
}

func (p Plan) String() string {
	switch p.Kind {
	case PlanCron:
		return "cron " + p.Spec + " (" + p.Location.String() + ")"
	case PlanInterval:
		return "every " + p.Every.String()
	}
	return "none"
}

// Next is the first run strictly after t, or zero when nothing is scheduled.
func (p Plan) Next(t time.Time) time.Time {
	if p.schedule == nil {
		return time.Time{}
	}
	if p.Location != nil {
		t = t.In(p.Location)
	}
	return p.schedule.Next(t)
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Resolve picks the schedule from the bot config. A cron expression takes
// precedence over the interval; an invalid one falls back to the interval.
func Resolve(cfg botconfig.BotConfig) (Plan, []string) {
	var warnings []string
	if !cfg.BackupEnabled {
		return Plan{Kind: PlanNone}, nil
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.BackupTimezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("backup_timezone %q is invalid, using %s", tz, loc))
		} else {
			loc = l
		}
	}

	if spec := strings.TrimSpace(cfg.BackupCron); spec != "" {
		sched, err := parser.Parse(spec)
		if err == nil {
			return Plan{Kind: PlanCron, Spec: spec, Location: loc, schedule: sched}, warnings
		}
		warnings = append(warnings, fmt.Sprintf("backup_cron %q is invalid: %v", spec, err))
	}

	if cfg.BackupIntervalMinutes > 0 {
		every := time.Duration(cfg.BackupIntervalMinutes) * time.Minute
		return Plan{Kind: PlanInterval, Every: every, schedule: cron.Every(every)}, warnings
	}
	return Plan{Kind: PlanNone}, warnings
}
