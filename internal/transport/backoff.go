package transport

import (
	"math"
	"math/rand"
	"time"
)

// backoffConfig mirrors the teacher's webhook_client.go calculateBackoff
// shape: exponential growth from a base, capped, with symmetric jitter.
type backoffConfig struct {
	Base      time.Duration
	Factor    float64
	Cap       time.Duration
	JitterPct float64
}

var defaultBackoff = backoffConfig{
	Base:      500 * time.Millisecond,
	Factor:    2,
	Cap:       30 * time.Second,
	JitterPct: 0.2,
}

// duration returns the backoff before the given attempt number (1-indexed:
// attempt 1 is the delay before the second try).
func (c backoffConfig) duration(attempt int) time.Duration {
	d := float64(c.Base) * math.Pow(c.Factor, float64(attempt-1))
	if d > float64(c.Cap) {
		d = float64(c.Cap)
	}
	jitter := 1 + (rand.Float64()*2-1)*c.JitterPct
	d *= jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
