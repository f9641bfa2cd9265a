package accounts

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Expiry is a subscription end. The portal stores either a calendar date
// ("2026-10-14") or a full timestamp; DateOnly keeps that distinction so
// the cutoff policy can treat them differently.
type Expiry struct {
	At       time.Time
	DateOnly bool
}

// IsSet reports whether the user has an expiry at all.
func (e Expiry) IsSet() bool { return !e.At.IsZero() }

// ParseExpiry accepts "", a date, "2006-01-02 15:04:05" or RFC3339.
// Dates and zone-less timestamps are interpreted in loc.
func ParseExpiry(s string, loc *time.Location) (Expiry, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Expiry{}, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.ParseInLocation(dateLayout, s, loc); err == nil {
		return Expiry{At: t, DateOnly: true}, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, loc); err == nil {
		return Expiry{At: t}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return Expiry{At: t.In(loc)}, nil
	}
	return Expiry{}, fmt.Errorf("accounts: unrecognized expiry %q", s)
}

// Format renders the value in the same shape it was stored.
func (e Expiry) Format() string {
	if !e.IsSet() {
		return ""
	}
	if e.DateOnly {
		return e.At.Format(dateLayout)
	}
	return e.At.Format(time.RFC3339)
}

// Display is the human form used in menus.
func (e Expiry) Display() string {
	switch {
	case !e.IsSet():
		return "never"
	case e.DateOnly:
		return e.At.Format(dateLayout)
	default:
		return e.At.Format("2006-01-02 15:04")
	}
}

// AddMonths extends by calendar months, keeping the date-only form.
func (e Expiry) AddMonths(n int) Expiry {
	return Expiry{At: e.At.AddDate(0, n, 0), DateOnly: e.DateOnly}
}

// Cutoff selects when a date-only expiry stops being valid.
type Cutoff string

const (
	// CutoffEndOfDay keeps a date-only account valid through that whole
	// day (it expires at the following midnight).
	CutoffEndOfDay Cutoff = "end_of_day"
	// CutoffStartOfDay expires a date-only account at its own midnight.
	CutoffStartOfDay Cutoff = "start_of_day"
)

func ParseCutoff(s string) (Cutoff, error) {
	switch Cutoff(strings.TrimSpace(s)) {
	case "", CutoffEndOfDay:
		return CutoffEndOfDay, nil
	case CutoffStartOfDay:
		return CutoffStartOfDay, nil
	}
	return "", fmt.Errorf("accounts: unknown cutoff %q", s)
}

const DefaultSoonWindow = 72 * time.Hour

// ExpiryPolicy classifies users as expired, expiring soon or active.
// Timestamps use raw arithmetic; date-only values go through Cutoff.
type ExpiryPolicy struct {
	Cutoff     Cutoff
	SoonWindow time.Duration
	Location   *time.Location
}

func (p ExpiryPolicy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// Deadline is the instant the account stops being valid.
func (p ExpiryPolicy) Deadline(e Expiry) time.Time {
	if !e.DateOnly {
		return e.At
	}
	y, m, d := e.At.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, p.location())
	if p.Cutoff == CutoffStartOfDay {
		return midnight
	}
	return midnight.AddDate(0, 0, 1)
}

func (p ExpiryPolicy) Classify(e Expiry, now time.Time) Status {
	if !e.IsSet() {
		return StatusActive
	}
	window := p.SoonWindow
	if window <= 0 {
		window = DefaultSoonWindow
	}
	deadline := p.Deadline(e)
	switch {
	case !now.Before(deadline):
		return StatusExpired
	case deadline.Sub(now) <= window:
		return StatusSoon
	default:
		return StatusActive
	}
}

// Remaining is the time left until the deadline (negative once expired).
func (p ExpiryPolicy) Remaining(e Expiry, now time.Time) time.Duration {
	if !e.IsSet() {
		return 0
	}
	return p.Deadline(e).Sub(now)
}

// NextExpiry computes the expiry after extending by months. An expired (or
// unset) account is extended from now, a live one from its current end.
func (p ExpiryPolicy) NextExpiry(cur Expiry, months int, now time.Time) Expiry {
	loc := p.location()
	if !cur.IsSet() || p.Classify(cur, now) == StatusExpired {
		if cur.DateOnly || !cur.IsSet() {
			y, m, d := now.In(loc).Date()
			return Expiry{At: time.Date(y, m, d, 0, 0, 0, 0, loc), DateOnly: true}.AddMonths(months)
		}
		return Expiry{At: now.In(loc).Truncate(time.Second)}.AddMonths(months)
	}
	return cur.AddMonths(months)
}
