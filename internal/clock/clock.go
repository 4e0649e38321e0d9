// Package clock isolates monotonic time so probes, cooldowns, and restart
// backoff windows can be tested without sleeping in real time.
package clock

import "time"

// Clock is the seam every timing-sensitive component depends on instead of
// calling time.Now/time.After directly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker's two exported members.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production Clock, backed by the time package.
type Real struct{}

func (Real) Now() time.Time                       { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// System is the shared production clock instance.
var System Clock = Real{}
