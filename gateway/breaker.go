package gateway

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned for calls rejected while the breaker is
// open. No network I/O happens and no run counters move for these.
var ErrCircuitOpen = errors.New("gateway: circuit open")

// BreakerSettings tunes when the circuit trips and how long it stays open.
type BreakerSettings struct {
	// ErrorThreshold is the failure ratio at which the circuit opens.
	ErrorThreshold float64
	// MinSamples is the minimum number of calls before the ratio is
	// considered meaningful.
	MinSamples int
	// Cooldown is how long the circuit stays open before allowing a
	// single half-open trial call.
	Cooldown time.Duration
}

// Breaker gates gateway calls for one reconciliation run. Each run gets
// a fresh instance, so breaker state is never carried across runs: a run
// that ends fully open simply leaves its remaining orders pending for
// the next cycle.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewBreaker(settings BreakerSettings) *Breaker {
	minSamples := uint32(settings.MinSamples)
	if minSamples == 0 {
		minSamples = 1
	}
	return &Breaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "payment-gateway",
			// One trial call while half-open.
			MaxRequests: 1,
			// Counts accumulate for the whole run.
			Interval: 0,
			Timeout:  settings.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < minSamples {
					return false
				}
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= settings.ErrorThreshold
			},
		}),
	}
}

// Execute runs fn through the circuit. While open, fn is not invoked and
// ErrCircuitOpen is returned instead.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return res, err
}

// State exposes the underlying breaker state for logging.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
