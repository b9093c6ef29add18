// Package core runs the single background scheduler: it drains the command
// queue, drives the session supervisor, and evaluates the global equity
// stop. Nothing else schedules work against the accounts.
package core

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mtkit/toolbox/internal/config"
	"github.com/mtkit/toolbox/internal/supervisor"
	"github.com/mtkit/toolbox/internal/terminal"
)

// Command is one operator request consumed by the core loop.
type Command interface{ isCommand() }

// CloseAllForcefully stops every strategy and flattens every logged-in
// account. Also self-enqueued by the global risk stop.
type CloseAllForcefully struct{}

// CloseSingleTrade closes one position or removes one pending.
type CloseSingleTrade struct {
	Account string
	Ticket  int64
}

// StopAndClose stops the account's strategy, then flattens it.
type StopAndClose struct{ Account string }

// ModifySLTP rewrites the stop levels on one ticket.
type ModifySLTP struct {
	Account string
	Ticket  int64
	SL, TP  float64
}

// StartStrategy launches a named strategy on an account with one-shot
// parameter overrides.
type StartStrategy struct {
	Account   string
	Name      string
	Overrides map[string]string
}

// StopStrategy stops the account's strategy.
type StopStrategy struct{ Account string }

// UpdateState replaces the operator-owned volatile inputs.
type UpdateState struct {
	LoggedIn      map[string]bool
	PendingVerify map[string]terminal.Endpoint
}

// RearmRisk re-enables the global equity stop after it fired.
type RearmRisk struct{}

func (CloseAllForcefully) isCommand() {}
func (CloseSingleTrade) isCommand()   {}
func (StopAndClose) isCommand()       {}
func (ModifySLTP) isCommand()         {}
func (StartStrategy) isCommand()      {}
func (StopStrategy) isCommand()       {}
func (UpdateState) isCommand()        {}
func (RearmRisk) isCommand()          {}

// Core owns the main tick.
type Core struct {
	sup      *supervisor.Supervisor
	commands chan Command
	interval time.Duration
	risk     config.RiskStop
	armed    bool
	log      *logrus.Entry
}

// New wires the loop. interval <= 0 falls back to the default check
// interval.
func New(sup *supervisor.Supervisor, risk config.RiskStop, interval time.Duration, logger *logrus.Logger) *Core {
	if interval <= 0 {
		interval = config.DefaultCheckInterval
	}
	return &Core{
		sup:      sup,
		commands: make(chan Command, 128),
		interval: interval,
		risk:     risk,
		armed:    risk.Enabled,
		log:      logger.WithField("component", "core"),
	}
}

// Enqueue submits a command. The queue is large; a full queue indicates a
// stuck loop and is logged rather than blocked on.
func (c *Core) Enqueue(cmd Command) {
	select {
	case c.commands <- cmd:
	default:
		c.log.Errorf("command queue full, dropping %T", cmd)
	}
}

// Run iterates until stop closes. Strategies are stopped on the way out.
func (c *Core) Run(stop <-chan struct{}) {
	c.log.Info("core loop started")
	for {
		c.step()
		select {
		case <-stop:
			c.sup.StopAllStrategies()
			c.log.Info("core loop stopped")
			return
		case <-time.After(c.interval):
		}
	}
}

// step is one iteration: at most one command, one supervision cycle, one
// risk evaluation.
func (c *Core) step() {
	select {
	case cmd := <-c.commands:
		c.handle(cmd)
	default:
	}

	res := c.sup.Cycle()

	if c.armed && c.risk.Enabled && res.Sessions > 0 && res.TotalEquity < c.risk.MinEquity {
		c.log.Errorf("global equity %.2f below stop %.2f, force-closing all accounts", res.TotalEquity, c.risk.MinEquity)
		c.Enqueue(CloseAllForcefully{})
		c.armed = false
	}
}

func (c *Core) handle(cmd Command) {
	switch cmd := cmd.(type) {
	case CloseAllForcefully:
		c.sup.CloseAllForcefully()
	case CloseSingleTrade:
		if err := c.sup.CloseTicket(cmd.Account, cmd.Ticket); err != nil {
			c.log.Errorf("close %d on %s: %v", cmd.Ticket, cmd.Account, err)
		}
	case StopAndClose:
		if err := c.sup.CloseAll(cmd.Account); err != nil {
			c.log.Errorf("stop and close %s: %v", cmd.Account, err)
		}
	case ModifySLTP:
		if err := c.sup.ModifySLTP(cmd.Account, cmd.Ticket, cmd.SL, cmd.TP); err != nil {
			c.log.Errorf("modify %d on %s: %v", cmd.Ticket, cmd.Account, err)
		}
	case StartStrategy:
		if err := c.sup.StartStrategy(cmd.Account, cmd.Name, cmd.Overrides); err != nil {
			c.log.Errorf("start strategy %s on %s: %v", cmd.Name, cmd.Account, err)
		}
	case StopStrategy:
		c.sup.StopStrategy(cmd.Account)
	case UpdateState:
		c.sup.UpdateState(cmd.LoggedIn, cmd.PendingVerify)
	case RearmRisk:
		c.armed = c.risk.Enabled
		c.log.Info("global risk stop re-armed")
	default:
		c.log.Warnf("unknown command %T", cmd)
	}
}
