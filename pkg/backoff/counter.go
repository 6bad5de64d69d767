package backoff

import "time"

// linearDelay hands out the wait before each retry: base, 2*base,
// 3*base and so on, never more than max.
type linearDelay struct {
	attempt   int
	base, max time.Duration
}

func newLinearDelay(base, max time.Duration) *linearDelay {
	return &linearDelay{base: base, max: max}
}

func (d *linearDelay) next() time.Duration {
	d.attempt++
	if wait := d.base * time.Duration(d.attempt); wait < d.max {
		return wait
	}
	return d.max
}
