package framestream

import (
	"context"
	"time"
)

// Throttle caps the loop rate. Wait sleeps for whatever is left of the
// interval since the previous tick, or returns at once when the cycle
// already took longer.
type Throttle struct {
	interval time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	last     time.Time
}

// NewThrottle creates a throttle for fps ticks per second. fps <= 0
// disables throttling.
func NewThrottle(fps int) *Throttle {
	var interval time.Duration
	if fps > 0 {
		interval = time.Second / time.Duration(fps)
	}
	return &Throttle{interval: interval, now: time.Now, sleep: sleepCtx}
}

// Interval is the minimum time between ticks.
func (t *Throttle) Interval() time.Duration { return t.interval }

// Wait blocks until the next tick is due or ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.interval > 0 && !t.last.IsZero() {
		if remaining := t.interval - t.now().Sub(t.last); remaining > 0 {
			if err := t.sleep(ctx, remaining); err != nil {
				return err
			}
		}
	}
	t.last = t.now()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
