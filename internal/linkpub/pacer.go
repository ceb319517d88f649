package linkpub

import "time"

// pacer is the feedback controller for the publish loop's interval:
// churn sharpens the cadence, quiescence relaxes it, bounded on both
// ends. It is not safe for concurrent use; the publisher's loop is the
// only caller.
type pacer struct {
	base    time.Duration
	min     time.Duration
	current time.Duration

	noChange int
}

func newPacer(base, min time.Duration) pacer {
	return pacer{base: base, min: min, current: base}
}

// observe records the outcome of one publish cycle and returns how long
// to wait before the next one. A published change resets to half the
// base interval; more than three quiet cycles in a row grow the wait by
// 20% each cycle, capped at twice the base.
func (p *pacer) observe(published bool) time.Duration {
	if published {
		p.noChange = 0
		p.current = p.base / 2
		if p.current < p.min {
			p.current = p.min
		}
		return p.current
	}

	p.noChange++
	if p.noChange > 3 {
		grown := time.Duration(float64(p.current) * 1.2)
		if ceiling := 2 * p.base; grown > ceiling {
			grown = ceiling
		}
		p.current = grown
	}
	return p.current
}
