package policy

import (
	"testing"
	"time"
)

func TestQuietWindowContains(t *testing.T) {
	t.Parallel()

	at := func(hour, min int) time.Time {
		return time.Date(2026, 3, 10, hour, min, 0, 0, time.UTC)
	}

	tests := []struct {
		name       string
		start, end string
		now        time.Time
		want       bool
	}{
		{"same day inside", "09:00", "17:00", at(12, 30), true},
		{"same day start boundary", "09:00", "17:00", at(9, 0), true},
		{"same day end boundary excluded", "09:00", "17:00", at(17, 0), false},
		{"same day before", "09:00", "17:00", at(8, 59), false},
		{"wraparound late evening", "22:00", "06:00", at(23, 30), true},
		{"wraparound early morning", "22:00", "06:00", at(2, 0), true},
		{"wraparound daytime", "22:00", "06:00", at(12, 0), false},
		{"wraparound start boundary", "22:00", "06:00", at(22, 0), true},
		{"wraparound end boundary excluded", "22:00", "06:00", at(6, 0), false},
		{"start equals end spans midnight", "08:00", "08:00", at(8, 0), true},
		{"start equals end wraps back", "08:00", "08:00", at(7, 59), true},
		{"empty window never quiet", "", "", at(3, 0), false},
		{"half window never quiet", "22:00", "", at(23, 0), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := QuietWindow{Start: tt.start, End: tt.end, Location: time.UTC}
			if got := w.Contains(tt.now); got != tt.want {
				t.Fatalf("Contains(%s) = %v, want %v", tt.now.Format("15:04"), got, tt.want)
			}
		})
	}
}

func TestQuietWindowTimezone(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	w := QuietWindow{Start: "22:00", End: "06:00", Location: loc}

	// 03:00 UTC is 22:00 or 23:00 in New York depending on DST; either way
	// inside the window.
	if !w.Contains(time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)) {
		t.Fatal("expected 03:00 UTC to fall inside the New York night window")
	}
	// 17:00 UTC is local midday.
	if w.Contains(time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)) {
		t.Fatal("expected 17:00 UTC to fall outside the New York night window")
	}
}

func TestQuietWindowValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		start, end string
		wantErr    bool
	}{
		{"valid", "22:00", "06:30", false},
		{"zero window", "", "", false},
		{"bad hour", "25:00", "06:00", true},
		{"bad minute", "22:60", "06:00", true},
		{"missing colon", "2200", "06:00", true},
		{"garbage end", "22:00", "dawn", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := QuietWindow{Start: tt.start, End: tt.end}
			err := w.Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("Validate(%q, %q) = nil, want error", tt.start, tt.end)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate(%q, %q) = %v, want nil", tt.start, tt.end, err)
			}
		})
	}
}
