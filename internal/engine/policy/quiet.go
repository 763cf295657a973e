package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuietWindow is a per-tenant [start, end) local-time range during which
// non-critical sends are deferred, not dropped.
type QuietWindow struct {
	Start    string // "HH:MM"
	End      string // "HH:MM"
	Location *time.Location
}

// IsZero reports whether no window is configured.
func (w QuietWindow) IsZero() bool {
	return strings.TrimSpace(w.Start) == "" || strings.TrimSpace(w.End) == ""
}

// Validate reports malformed HH:MM bounds. A zero window is valid.
func (w QuietWindow) Validate() error {
	if w.IsZero() {
		return nil
	}
	if _, _, err := parseHHMM(w.Start); err != nil {
		return err
	}
	if _, _, err := parseHHMM(w.End); err != nil {
		return err
	}
	return nil
}

// Contains reports whether now falls inside the quiet window.
//
// start < end is a same-day range; start >= end spans midnight
// (quiet when now >= start OR now < end).
func (w QuietWindow) Contains(now time.Time) bool {
	if w.IsZero() {
		return false
	}
	sh, sm, err := parseHHMM(w.Start)
	if err != nil {
		return false
	}
	eh, em, err := parseHHMM(w.End)
	if err != nil {
		return false
	}
	loc := w.Location
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	m := local.Hour()*60 + local.Minute()
	start := sh*60 + sm
	end := eh*60 + em

	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

func parseHHMM(raw string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", raw)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", raw)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", raw)
	}
	return h, m, nil
}
