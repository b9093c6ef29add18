package terminal

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerGate wraps a Gate's Open with a circuit breaker. The data sync
// worker connects through it so a flapping terminal stops being hammered on
// every task instead of failing one fetch at a time. Supervisor connects do
// NOT go through the breaker: account lockout needs to observe each raw
// failure, including invalidAuth.
type BreakerGate struct {
	gate    *Gate
	breaker *gobreaker.CircuitBreaker
}

// BreakerSettings configures the connect circuit breaker.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// NewBreakerGate wraps gate with sensible defaults: reset counts every
// minute, open for 30s, trip at a 60% failure rate over at least 5 calls.
func NewBreakerGate(gate *Gate, logger *logrus.Logger) *BreakerGate {
	return NewBreakerGateWithSettings(gate, logger, BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewBreakerGateWithSettings wraps gate with custom breaker settings.
func NewBreakerGateWithSettings(gate *Gate, logger *logrus.Logger, settings BreakerSettings) *BreakerGate {
	gb := gobreaker.Settings{
		Name:        "TerminalConnect",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithField("component", "terminal").
				Warnf("circuit breaker %s changed from %s to %s", name, from, to)
		},
	}
	return &BreakerGate{gate: gate, breaker: gobreaker.NewCircuitBreaker(gb)}
}

// Open acquires a session through the breaker. While the circuit is open,
// calls fail fast with gobreaker.ErrOpenState without touching the terminal.
func (b *BreakerGate) Open(ep Endpoint) (*Session, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.gate.Open(ep)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Session), nil
}
