package policy

import (
	"testing"
	"time"

	"coachnotify/pkg/logx"
)

func TestNextDelay(t *testing.T) {
	t.Parallel()

	d := New(nil, Config{BackoffBase: 30 * time.Second, BackoffMax: time.Hour}, logx.Nop())

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{-1, 30 * time.Second},
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{6, 32 * time.Minute},
		{7, time.Hour},
		{20, time.Hour},
	}
	for _, tt := range tests {
		if got := d.NextDelay(tt.retry); got != tt.want {
			t.Fatalf("NextDelay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestNextDelayMonotonic(t *testing.T) {
	t.Parallel()

	d := New(nil, Config{BackoffBase: 5 * time.Second, BackoffMax: 10 * time.Minute}, logx.Nop())
	prev := time.Duration(0)
	for i := 0; i < 12; i++ {
		got := d.NextDelay(i)
		if got < prev {
			t.Fatalf("NextDelay(%d) = %v, shrank from %v", i, got, prev)
		}
		if got > 10*time.Minute {
			t.Fatalf("NextDelay(%d) = %v exceeds the cap", i, got)
		}
		prev = got
	}
}

func TestDelayOverride(t *testing.T) {
	t.Parallel()

	d := New(nil, Config{BackoffBase: 30 * time.Second, BackoffMax: time.Hour}, logx.Nop())

	// A positive base replaces the configured one.
	if got := d.Delay(1, 10*time.Second); got != 20*time.Second {
		t.Fatalf("Delay(1, 10s) = %v, want 20s", got)
	}
	// Zero falls back to the configured base.
	if got := d.Delay(2, 0); got != 2*time.Minute {
		t.Fatalf("Delay(2, 0) = %v, want 2m", got)
	}
	// The cap still applies to overridden bases.
	if got := d.Delay(30, 10*time.Second); got != time.Hour {
		t.Fatalf("Delay(30, 10s) = %v, want the cap", got)
	}
}
