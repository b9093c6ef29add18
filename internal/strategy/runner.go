package strategy

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mtkit/toolbox/internal/metrics"
)

// DefaultTick is the live heartbeat interval. The heartbeat is synthetic:
// the live adapter is poll-based, so strategies that need bar-close
// semantics detect new bars themselves from copy_rates.
const DefaultTick = time.Second

// JoinTimeout bounds how long Stop waits for the task to finish its current
// OnBar before declaring the instance leaked.
const JoinTimeout = 5 * time.Second

// SessionBinder acquires a terminal session around one unit of strategy
// work. The live gateway implements it; the backtester does not need it.
type SessionBinder interface {
	WithSession(fn func() error) error
}

// Runner owns one strategy instance's task.
type Runner struct {
	AccountID string
	Name      string
	Symbol    string

	strat    Strategy
	binder   SessionBinder
	interval time.Duration
	log      *logrus.Entry

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	failed   atomic.Bool
}

// NewRunner wires a strategy instance to its account. interval <= 0 uses
// DefaultTick.
func NewRunner(accountID, name, symbol string, strat Strategy, binder SessionBinder, interval time.Duration, logger *logrus.Logger) *Runner {
	if interval <= 0 {
		interval = DefaultTick
	}
	return &Runner{
		AccountID: accountID,
		Name:      name,
		Symbol:    symbol,
		strat:     strat,
		binder:    binder,
		interval:  interval,
		log: logger.WithFields(logrus.Fields{
			"component": "strategy",
			"account":   accountID,
			"strategy":  name,
		}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start runs OnInit inside a session and, if it succeeds, launches the
// heartbeat task.
func (r *Runner) Start() error {
	err := r.binder.WithSession(func() error {
		return r.strat.OnInit()
	})
	if err != nil {
		return fmt.Errorf("strategy %s init on %s: %w", r.Name, r.AccountID, err)
	}
	metrics.StrategiesRunning.Inc()
	go r.loop()
	r.log.Info("strategy started")
	return nil
}

func (r *Runner) loop() {
	defer metrics.StrategiesRunning.Dec()
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			r.deinit()
			return
		case now := <-ticker.C:
			if !r.tick(now) {
				return
			}
		}
	}
}

// tick runs one OnBar inside a session, absorbing panics. A panicking
// strategy terminates its task; the supervisor notices the dead task and
// returns the account to connected.
func (r *Runner) tick(now time.Time) (alive bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.failed.Store(true)
			alive = false
			r.log.Errorf("strategy panicked: %v\n%s", rec, debug.Stack())
		}
	}()
	err := r.binder.WithSession(func() error {
		r.strat.OnBar(MarketEvent{Symbol: r.Symbol, Time: now})
		return nil
	})
	if err != nil {
		r.log.Warnf("heartbeat session failed: %v", err)
	}
	return true
}

func (r *Runner) deinit() {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorf("deinit panicked: %v", rec)
		}
	}()
	if err := r.binder.WithSession(func() error {
		r.strat.OnDeinit()
		return nil
	}); err != nil {
		r.log.Warnf("deinit session failed: %v", err)
	}
	r.log.Info("strategy stopped")
}

// Stop signals the task to exit after its current OnBar.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Join waits up to timeout for the task to finish. It returns false when
// the instance must be considered leaked.
func (r *Runner) Join(timeout time.Duration) bool {
	select {
	case <-r.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Alive reports whether the task is still running.
func (r *Runner) Alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Failed reports whether the task died from a panic.
func (r *Runner) Failed() bool { return r.failed.Load() }
