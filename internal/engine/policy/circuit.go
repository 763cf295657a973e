package policy

import (
	"context"

	"coachnotify/internal/storage"
	"coachnotify/pkg/logx"
)

// CircuitAllow decides whether a send to (tenant, provider) may be attempted.
// The state machine runs inside the row's transaction so concurrent senders
// across processes observe one consistent state:
//
//	closed -> open       after CircuitThreshold failures within CircuitWindow
//	open   -> half_open  after CircuitCooldown elapsed since the transition
//	half_open            exactly one probe allowed, then closed or open again
func (d *Delivery) CircuitAllow(ctx context.Context, tenantID, provider string) (bool, storage.CircuitState, error) {
	allowed := false
	cs, err := d.store.WithCircuit(ctx, tenantID, provider, func(cs *storage.CircuitState) error {
		now := d.now()
		switch cs.State {
		case storage.CircuitOpen:
			if now.Sub(cs.ChangedAt) >= d.cfg.CircuitCooldown {
				cs.State = storage.CircuitHalfOpen
				cs.ChangedAt = now
				// The transition itself grants the probe; SuccessCount
				// doubles as the probe-taken marker.
				cs.SuccessCount = 1
				allowed = true
			}
		case storage.CircuitHalfOpen:
			// Only the first caller after the transition gets through.
			if cs.SuccessCount == 0 {
				cs.SuccessCount = 1
				allowed = true
			}
		default:
			allowed = true
		}
		return nil
	})
	return allowed, cs, err
}

// CircuitRecord feeds one send result into the breaker.
// It returns the resulting state and whether the state changed.
func (d *Delivery) CircuitRecord(ctx context.Context, tenantID, provider string, ok bool) (storage.CircuitState, bool, error) {
	changed := false
	cs, err := d.store.WithCircuit(ctx, tenantID, provider, func(cs *storage.CircuitState) error {
		now := d.now()
		prev := cs.State
		if cs.State == "" {
			cs.State = storage.CircuitClosed
		}

		if ok {
			cs.FailureCount = 0
			if cs.State != storage.CircuitClosed {
				cs.State = storage.CircuitClosed
				cs.ChangedAt = now
			}
			changed = prev != cs.State
			return nil
		}

		switch cs.State {
		case storage.CircuitHalfOpen:
			// Failed probe: reopen and restart the cooldown.
			cs.State = storage.CircuitOpen
			cs.ChangedAt = now
			cs.LastFailureAt = now
		case storage.CircuitOpen:
			cs.LastFailureAt = now
		default:
			// Rolling counter: a long-enough gap since the last failure
			// restarts the count at this failure.
			if !cs.LastFailureAt.IsZero() && now.Sub(cs.LastFailureAt) > d.cfg.CircuitWindow {
				cs.FailureCount = 0
			}
			cs.FailureCount++
			cs.LastFailureAt = now
			if cs.FailureCount >= d.cfg.CircuitThreshold {
				cs.State = storage.CircuitOpen
				cs.ChangedAt = now
			}
		}
		changed = prev != cs.State
		return nil
	})
	if err == nil && changed {
		d.log.Warn("circuit state changed",
			logx.String("tenant", tenantID),
			logx.String("provider", provider),
			logx.String("state", cs.State))
	}
	return cs, changed, err
}
