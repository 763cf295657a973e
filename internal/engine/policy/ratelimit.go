package policy

import (
	"context"
	"time"

	"coachnotify/internal/storage"
)

// Rate limiter scope types.
const (
	ScopeGlobal = "global"
	ScopeUser   = "user"
	ScopeTenant = "tenant"
)

// CheckRate runs the fixed-window counter for (tenant, scope, action):
// reset the window when it has elapsed, reject with a retry-after hint when
// the budget is spent, otherwise count this request and allow.
func (d *Delivery) CheckRate(ctx context.Context, tenantID, scopeType, scopeKey, action string, maxRequests int, window time.Duration) (Decision, error) {
	if maxRequests <= 0 || window <= 0 {
		return Decision{Outcome: OutcomeOK}, nil
	}
	dec := Decision{Outcome: OutcomeOK}
	_, err := d.store.WithRateLimit(ctx, tenantID, scopeType, scopeKey, action, func(rl *storage.RateLimitState) error {
		now := d.now()
		if rl.WindowStart.IsZero() || now.Sub(rl.WindowStart) >= window {
			rl.WindowStart = now
			rl.Count = 1
			return nil
		}
		if rl.Count >= maxRequests {
			dec = Decision{
				Outcome:    OutcomeRateLimited,
				RetryAfter: rl.WindowStart.Add(window).Sub(now),
			}
			return nil
		}
		rl.Count++
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return dec, nil
}
