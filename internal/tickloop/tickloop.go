// Package tickloop runs a function on a fixed cadence with optional jitter.
package tickloop

import (
	"math/rand/v2"
	"time"
)

// Run executes fn at interval + random([0, jitter)) until stopCh is closed.
// The first invocation happens after one full interval, not immediately.
func Run(stopCh <-chan struct{}, interval, jitter time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Second
	}
	if jitter < 0 {
		jitter = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		d := interval
		if jitter > 0 {
			d += time.Duration(rand.Int64N(int64(jitter)))
		}

		timer.Reset(d)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}
