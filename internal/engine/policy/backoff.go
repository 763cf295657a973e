package policy

import "time"

// Delay computes the exponential backoff delay for the given retry count:
// base * 2^retryCount, capped at BackoffMax. A positive base overrides the
// configured BackoffBase for this computation.
func (d *Delivery) Delay(retryCount int, base time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if base <= 0 {
		base = d.cfg.BackoffBase
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffMax {
			return d.cfg.BackoffMax
		}
	}
	if delay > d.cfg.BackoffMax {
		return d.cfg.BackoffMax
	}
	return delay
}

// NextDelay is Delay with the configured base.
func (d *Delivery) NextDelay(retryCount int) time.Duration {
	return d.Delay(retryCount, 0)
}
