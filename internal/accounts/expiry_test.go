package accounts

import (
	"testing"
	"time"
)

func TestParseExpiry(t *testing.T) {
	loc := time.FixedZone("WIB", 7*3600)
	tests := []struct {
		in       string
		dateOnly bool
		set      bool
		wantErr  bool
	}{
		{in: "", set: false},
		{in: "2026-10-14", dateOnly: true, set: true},
		{in: "2026-10-14 08:30:00", set: true},
		{in: "2026-10-14T08:30:00Z", set: true},
		{in: "14/10/2026", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			e, err := ParseExpiry(tt.in, loc)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if e.IsSet() != tt.set || e.DateOnly != tt.dateOnly {
				t.Fatalf("got set=%v dateOnly=%v", e.IsSet(), e.DateOnly)
			}
		})
	}
}

func TestClassifyDateOnlyCutoff(t *testing.T) {
	loc := time.UTC
	e, _ := ParseExpiry("2026-10-14", loc)
	noon := time.Date(2026, 10, 14, 12, 0, 0, 0, loc)

	endOfDay := ExpiryPolicy{Cutoff: CutoffEndOfDay, SoonWindow: 24 * time.Hour, Location: loc}
	if got := endOfDay.Classify(e, noon); got != StatusSoon {
		t.Fatalf("end_of_day at noon: got %s, want soon", got)
	}
	if got := endOfDay.Classify(e, time.Date(2026, 10, 15, 0, 0, 0, 0, loc)); got != StatusExpired {
		t.Fatalf("end_of_day at next midnight: got %s, want expired", got)
	}

	startOfDay := ExpiryPolicy{Cutoff: CutoffStartOfDay, SoonWindow: 24 * time.Hour, Location: loc}
	if got := startOfDay.Classify(e, noon); got != StatusExpired {
		t.Fatalf("start_of_day at noon: got %s, want expired", got)
	}
}

func TestClassifyTimestampUsesRawArithmetic(t *testing.T) {
	loc := time.UTC
	e, _ := ParseExpiry("2026-10-14T12:00:00Z", loc)
	p := ExpiryPolicy{Cutoff: CutoffEndOfDay, SoonWindow: time.Hour, Location: loc}

	if got := p.Classify(e, time.Date(2026, 10, 14, 11, 30, 0, 0, loc)); got != StatusSoon {
		t.Fatalf("30m before: got %s, want soon", got)
	}
	if got := p.Classify(e, time.Date(2026, 10, 14, 12, 0, 1, 0, loc)); got != StatusExpired {
		t.Fatalf("1s after: got %s, want expired (no end-of-day grace for timestamps)", got)
	}
	if got := p.Classify(e, time.Date(2026, 10, 13, 0, 0, 0, 0, loc)); got != StatusActive {
		t.Fatalf("day before: got %s, want active", got)
	}
	if got := p.Classify(Expiry{}, time.Now()); got != StatusActive {
		t.Fatalf("unset expiry: got %s, want active", got)
	}
}

func TestNextExpiry(t *testing.T) {
	loc := time.UTC
	p := ExpiryPolicy{Cutoff: CutoffEndOfDay, Location: loc}
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, loc)

	live, _ := ParseExpiry("2026-11-01", loc)
	if got := p.NextExpiry(live, 2, now).Format(); got != "2027-01-01" {
		t.Fatalf("live extension = %s, want 2027-01-01", got)
	}

	expired, _ := ParseExpiry("2026-09-01", loc)
	if got := p.NextExpiry(expired, 1, now).Format(); got != "2026-11-14" {
		t.Fatalf("expired extension = %s, want 2026-11-14", got)
	}

	stamp, _ := ParseExpiry("2026-09-01T10:00:00Z", loc)
	next := p.NextExpiry(stamp, 1, now)
	if next.DateOnly || !next.At.Equal(now.AddDate(0, 1, 0)) {
		t.Fatalf("expired timestamp extension = %v", next)
	}
}
