// Package supervisor owns the per-account session lifecycle: credential
// verification, the failure counter and lockout, telemetry refresh, and the
// per-cycle dispatch to the mirror engine and the strategy runtime. One
// cycle is strictly sequential; every terminal touch goes through the gate.
package supervisor

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mtkit/toolbox/internal/config"
	"github.com/mtkit/toolbox/internal/gateway"
	"github.com/mtkit/toolbox/internal/metrics"
	"github.com/mtkit/toolbox/internal/mirror"
	"github.com/mtkit/toolbox/internal/models"
	"github.com/mtkit/toolbox/internal/strategy"
	"github.com/mtkit/toolbox/internal/terminal"
)

// Supervisor drives every account through its state machine. All fields are
// confined to the core loop goroutine; other components observe accounts
// only through the snapshot queue.
type Supervisor struct {
	gate   *terminal.Gate
	engine *mirror.Engine

	accounts map[string]*models.Account
	order    []string // deterministic cycle order
	magics   map[string]int64
	runners  map[string]*strategy.Runner
	pending  map[string]terminal.Endpoint
	loggedIn map[string]bool

	globals map[string]map[string]string
	perAcct map[string]map[string]map[string]string

	snapshots chan<- models.Snapshot
	logger    *logrus.Logger
	log       *logrus.Entry
}

// CycleResult summarizes one supervision pass for the risk evaluation.
type CycleResult struct {
	// TotalEquity sums the last-known equity of every logged-in account
	// that held a session this cycle.
	TotalEquity float64
	// Sessions counts successful connects during the cycle.
	Sessions int
}

// New builds the account set from the parsed config. Enabled accounts with
// complete credentials start on the verify path; the first cycle probes them.
func New(gate *terminal.Gate, engine *mirror.Engine, cfg *config.Config, snapshots chan<- models.Snapshot, logger *logrus.Logger) *Supervisor {
	s := &Supervisor{
		gate:      gate,
		engine:    engine,
		accounts:  make(map[string]*models.Account),
		magics:    make(map[string]int64),
		runners:   make(map[string]*strategy.Runner),
		pending:   make(map[string]terminal.Endpoint),
		loggedIn:  make(map[string]bool),
		globals:   cfg.StrategyGlobals,
		perAcct:   cfg.StrategyParams,
		snapshots: snapshots,
		logger:    logger,
		log:       logger.WithField("component", "supervisor"),
	}
	for _, ac := range cfg.Accounts {
		a := models.NewAccount(ac.ID, ac.Role, ac.Index, ac.Endpoint)
		a.Follow = ac.Follower
		s.accounts[ac.ID] = a
		s.order = append(s.order, ac.ID)
		s.magics[ac.ID] = ac.Magic
		switch {
		case !ac.Enabled:
			a.State = models.StateDisabled
		case !ac.Endpoint.Complete():
			a.State = models.StateConfigIncomplete
		default:
			a.State = models.StatePendingVerify
			s.pending[ac.ID] = ac.Endpoint
			s.loggedIn[ac.ID] = true
		}
	}
	sort.Strings(s.order)
	return s
}

// Account returns the account for id, or nil.
func (s *Supervisor) Account(id string) *models.Account { return s.accounts[id] }

// SetCredentials replaces an account's endpoint and schedules a probe
// connect. This is the only path out of the locked state.
func (s *Supervisor) SetCredentials(id string, ep terminal.Endpoint) error {
	a := s.accounts[id]
	if a == nil {
		return fmt.Errorf("supervisor: unknown account %s", id)
	}
	a.ResetCredentials(ep)
	if ep.Complete() {
		s.pending[id] = ep
		s.loggedIn[id] = true
	} else {
		delete(s.pending, id)
	}
	s.publish(models.SnapshotOf(a, false))
	return nil
}

// UpdateState replaces the operator-owned volatile inputs: the logged-in set
// and the unverified credential map.
func (s *Supervisor) UpdateState(loggedIn map[string]bool, pendingVerify map[string]terminal.Endpoint) {
	if loggedIn != nil {
		s.loggedIn = loggedIn
	}
	for id, ep := range pendingVerify {
		if err := s.SetCredentials(id, ep); err != nil {
			s.log.Warnf("updateState: %v", err)
		}
	}
}

// Cycle runs one supervision pass: verify pending credentials, mirror each
// master group, then refresh every other logged-in account.
func (s *Supervisor) Cycle() CycleResult {
	var res CycleResult
	s.verifyPending(&res)

	groups := s.buildGroups()
	visited := make(map[string]bool)
	masters := make([]string, 0, len(groups))
	for id := range groups {
		masters = append(masters, id)
	}
	sort.Strings(masters)
	for _, mid := range masters {
		visited[mid] = true
		for _, f := range groups[mid] {
			visited[f.ID] = true
		}
		s.mirrorGroup(mid, groups[mid], &res)
	}

	for _, id := range s.order {
		if visited[id] {
			continue
		}
		s.refreshOther(s.accounts[id], &res)
	}
	return res
}

// verifyPending probes accounts with unverified credentials. A successful
// probe promotes them to connected; a failure locks them.
func (s *Supervisor) verifyPending(res *CycleResult) {
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := s.accounts[id]
		if a == nil || !s.loggedIn[id] {
			continue
		}
		ep := s.pending[id]
		sess, err := s.gate.Open(ep)
		if err != nil {
			a.FailCount = models.MaxConnFailures
			a.LastError = err.Error()
			a.State = models.StateLocked
			delete(s.pending, id)
			s.log.Warnf("credential probe for %s failed: %v", id, err)
			s.publish(models.SnapshotOf(a, false))
			continue
		}
		a.Endpoint = ep
		s.refresh(sess, a)
		sess.Close()
		delete(s.pending, id)
		if err := a.Transition(models.StateConnected); err != nil {
			s.log.Warnf("%s: %v", id, err)
		}
		res.Sessions++
		s.log.Infof("credentials for %s verified", id)
		s.publish(models.SnapshotOf(a, true))
	}
}

// buildGroups indexes enabled, logged-in followers by master. A follower
// currently running a strategy is not mirrored; neither is one whose master
// is strategy-bound or unusable.
func (s *Supervisor) buildGroups() map[string][]*models.Account {
	groups := make(map[string][]*models.Account)
	for _, id := range s.order {
		a := s.accounts[id]
		if a.Role != models.RoleSlave || a.Follow == nil || !a.Follow.Enabled {
			continue
		}
		if !s.loggedIn[id] || a.State.IsTerminalFailure() || s.runners[id] != nil {
			continue
		}
		master := s.accounts[a.Follow.FollowMaster]
		if master == nil || !s.loggedIn[master.ID] || master.State.IsTerminalFailure() || s.runners[master.ID] != nil {
			continue
		}
		groups[master.ID] = append(groups[master.ID], a)
	}
	return groups
}

// mirrorGroup connects the master, snapshots its trades, then reconciles
// each follower in its own session. The master session closes before any
// follower session opens; the gate admits one at a time.
func (s *Supervisor) mirrorGroup(masterID string, followers []*models.Account, res *CycleResult) {
	m := s.accounts[masterID]
	sess, err := s.gate.Open(m.Endpoint)
	if err != nil {
		s.connectFailed(m, err)
		return
	}
	s.refresh(sess, m)
	positions, perr := sess.Positions("", 0)
	orders, oerr := sess.Orders("")
	sess.Close()
	if m.Info == nil || perr != nil || oerr != nil {
		s.log.Warnf("master %s trade fetch failed: %v %v", masterID, perr, oerr)
		s.publish(models.SnapshotOf(m, true))
		return
	}
	res.Sessions++
	res.TotalEquity += m.Info.Equity
	s.publish(models.SnapshotOf(m, true))

	masterTrades := mirror.CollectMasterTrades(positions, orders)
	for _, f := range followers {
		fsess, err := s.gate.Open(f.Endpoint)
		if err != nil {
			s.connectFailed(f, err)
			continue
		}
		s.refresh(fsess, f)
		s.engine.Sync(fsess, f.ID, f.Follow, masterTrades, m.Info)
		fsess.Close()
		res.Sessions++
		if f.Info != nil {
			res.TotalEquity += f.Info.Equity
		}
		if err := f.Transition(models.StateCopying); err != nil {
			s.log.Warnf("%s: %v", f.ID, err)
		}
		s.publish(models.SnapshotOf(f, true))
	}
}

// refreshOther handles the accounts outside mirror groups: strategy hosts
// and idle monitors. Locked and disabled accounts get no connect attempt.
func (s *Supervisor) refreshOther(a *models.Account, res *CycleResult) {
	if !s.loggedIn[a.ID] || a.State.IsTerminalFailure() || a.State == models.StateLoggedOut {
		return
	}
	if a.State == models.StatePendingVerify {
		return // waits for its probe
	}

	if r := s.runners[a.ID]; r != nil && !r.Alive() {
		delete(s.runners, a.ID)
		a.ActiveStrategy = ""
		if r.Failed() {
			s.log.Errorf("strategy task on %s died", a.ID)
			if err := a.Transition(models.StateError); err != nil {
				s.log.Warnf("%s: %v", a.ID, err)
			}
		} else if err := a.Transition(models.StateConnected); err != nil {
			s.log.Warnf("%s: %v", a.ID, err)
		}
		s.publish(models.SnapshotOf(a, false))
		return
	}

	sess, err := s.gate.Open(a.Endpoint)
	if err != nil {
		s.connectFailed(a, err)
		return
	}
	s.refresh(sess, a)
	sess.Close()
	res.Sessions++
	if a.Info != nil {
		res.TotalEquity += a.Info.Equity
	}

	want := models.StateConnected
	if s.runners[a.ID] != nil {
		want = models.StateStrategyRunning
	}
	if a.State != want {
		if err := a.Transition(want); err != nil {
			s.log.Warnf("%s: %v", a.ID, err)
		}
	}
	s.publish(models.SnapshotOf(a, true))
}

// refresh captures telemetry and the trade table from an open session.
func (s *Supervisor) refresh(sess *terminal.Session, a *models.Account) {
	info, err := sess.AccountInfo()
	if err != nil {
		s.log.Warnf("account info for %s failed: %v", a.ID, err)
		return
	}
	a.RecordConnectSuccess(info, sess.Ping())
	metrics.AccountEquity.WithLabelValues(a.ID).Set(info.Equity)

	rows := a.Trades[:0]
	if positions, err := sess.Positions("", 0); err == nil {
		for _, p := range positions {
			rows = append(rows, models.TradeRowFromPosition(p))
		}
	}
	if orders, err := sess.Orders(""); err == nil {
		for _, o := range orders {
			rows = append(rows, models.TradeRowFromOrder(o))
		}
	}
	a.Trades = rows
}

func (s *Supervisor) connectFailed(a *models.Account, err error) {
	a.RecordConnectFailure(err)
	metrics.ConnectFailures.WithLabelValues(a.ID).Inc()
	s.log.Warnf("connect %s failed (%d/%d): %v", a.ID, a.FailCount, models.MaxConnFailures, err)
	s.publish(models.SnapshotOf(a, false))
}

func (s *Supervisor) publish(snap models.Snapshot) {
	if s.snapshots == nil {
		return
	}
	select {
	case s.snapshots <- snap:
	default:
		s.log.Debug("snapshot queue full, dropping")
	}
}

// StartStrategy instantiates and launches a strategy on an account. The
// account must be connected and not already strategy-bound.
func (s *Supervisor) StartStrategy(id, name string, overrides map[string]string) error {
	a := s.accounts[id]
	if a == nil {
		return fmt.Errorf("supervisor: unknown account %s", id)
	}
	if s.runners[id] != nil {
		return fmt.Errorf("supervisor: %s already runs %s", id, a.ActiveStrategy)
	}
	if a.State.IsTerminalFailure() {
		return fmt.Errorf("supervisor: %s is %s", id, a.State)
	}
	info, factory, err := strategy.Lookup(name)
	if err != nil {
		return err
	}

	global := s.globals[name]
	perAccount := s.perAcct[id][name]
	symbol := rawKey("symbol", "EURUSD", global, perAccount, overrides)
	tf, err := terminal.ParseTimeframe(rawKey("timeframe", "H1", global, perAccount, overrides))
	if err != nil {
		return fmt.Errorf("supervisor: start %s on %s: %w", name, id, err)
	}
	params := info.Schema.Merge(s.log, stripReserved(global), stripReserved(perAccount), stripReserved(overrides))

	gw := gateway.NewLive(s.gate, a.Endpoint, s.magics[id])
	runner := strategy.NewRunner(id, name, symbol, factory(gw, symbol, tf, params), gw, 0, s.logger)
	if err := runner.Start(); err != nil {
		return err
	}
	s.runners[id] = runner
	a.ActiveStrategy = name
	if err := a.Transition(models.StateStrategyRunning); err != nil {
		s.log.Warnf("%s: %v", id, err)
	}
	s.publish(models.SnapshotOf(a, false))
	return nil
}

// StopStrategy signals the account's strategy and waits out the join
// timeout. A missing instance is a no-op.
func (s *Supervisor) StopStrategy(id string) {
	r := s.runners[id]
	if r == nil {
		return
	}
	r.Stop()
	if !r.Join(strategy.JoinTimeout) {
		s.log.Warnf("strategy %s on %s leaked past join timeout", r.Name, id)
	}
	delete(s.runners, id)
	a := s.accounts[id]
	a.ActiveStrategy = ""
	if err := a.Transition(models.StateConnected); err != nil {
		s.log.Warnf("%s: %v", id, err)
	}
	s.publish(models.SnapshotOf(a, false))
}

// StopAllStrategies stops every running strategy in parallel, each bounded
// by the join timeout.
func (s *Supervisor) StopAllStrategies() {
	var g errgroup.Group
	for id, r := range s.runners {
		id, r := id, r
		g.Go(func() error {
			r.Stop()
			if !r.Join(strategy.JoinTimeout) {
				s.log.Warnf("strategy %s on %s leaked past join timeout", r.Name, id)
			}
			return nil
		})
	}
	g.Wait()
	for id := range s.runners {
		delete(s.runners, id)
		if a := s.accounts[id]; a != nil {
			a.ActiveStrategy = ""
			if err := a.Transition(models.StateConnected); err != nil {
				s.log.Warnf("%s: %v", id, err)
			}
		}
	}
}

// RunningStrategies returns the accounts with a live strategy instance.
func (s *Supervisor) RunningStrategies() []string {
	out := make([]string, 0, len(s.runners))
	for id := range s.runners {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CloseAll stops the account's strategy if one runs, then flattens every
// position and removes every pending. Running it twice with no intervening
// orders is a no-op the second time.
func (s *Supervisor) CloseAll(id string) error {
	a := s.accounts[id]
	if a == nil {
		return fmt.Errorf("supervisor: unknown account %s", id)
	}
	if a.State.IsTerminalFailure() || !s.loggedIn[id] {
		return nil
	}
	s.StopStrategy(id)

	sess, err := s.gate.Open(a.Endpoint)
	if err != nil {
		s.connectFailed(a, err)
		return err
	}
	defer sess.Close()

	positions, err := sess.Positions("", 0)
	if err != nil {
		return err
	}
	for _, p := range positions {
		s.closePosition(sess, a.ID, p)
	}
	orders, err := sess.Orders("")
	if err != nil {
		return err
	}
	for _, o := range orders {
		res, err := sess.OrderSend(&terminal.TradeRequest{Action: terminal.ActionRemove, Order: o.Ticket})
		switch {
		case err != nil:
			s.log.Warnf("remove pending %d on %s failed: %v", o.Ticket, a.ID, err)
		case !res.Done():
			s.log.Warnf("remove pending %d on %s failed: retcode %d %s", o.Ticket, a.ID, res.Retcode, res.Comment)
		}
	}
	return nil
}

// CloseAllForcefully runs CloseAll on every logged-in account.
func (s *Supervisor) CloseAllForcefully() {
	for _, id := range s.order {
		if !s.loggedIn[id] {
			continue
		}
		if err := s.CloseAll(id); err != nil {
			s.log.Errorf("force close %s: %v", id, err)
		}
	}
}

// CloseTicket closes one position or removes one pending on the account.
func (s *Supervisor) CloseTicket(id string, ticket int64) error {
	a := s.accounts[id]
	if a == nil {
		return fmt.Errorf("supervisor: unknown account %s", id)
	}
	if a.State.IsTerminalFailure() {
		return fmt.Errorf("supervisor: %s is %s", id, a.State)
	}
	if !s.loggedIn[id] {
		return fmt.Errorf("supervisor: %s is logged out", id)
	}
	sess, err := s.gate.Open(a.Endpoint)
	if err != nil {
		s.connectFailed(a, err)
		return err
	}
	defer sess.Close()

	positions, err := sess.Positions("", 0)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if p.Ticket == ticket {
			return s.closePosition(sess, id, p)
		}
	}
	orders, err := sess.Orders("")
	if err != nil {
		return err
	}
	for _, o := range orders {
		if o.Ticket == ticket {
			res, err := sess.OrderSend(&terminal.TradeRequest{Action: terminal.ActionRemove, Order: ticket})
			if err != nil {
				return err
			}
			if !res.Done() {
				return fmt.Errorf("supervisor: remove %d on %s: retcode %d %s", ticket, id, res.Retcode, res.Comment)
			}
			return nil
		}
	}
	return fmt.Errorf("supervisor: ticket %d not found on %s", ticket, id)
}

// ModifySLTP updates the stop levels of one position or pending.
func (s *Supervisor) ModifySLTP(id string, ticket int64, sl, tp float64) error {
	a := s.accounts[id]
	if a == nil {
		return fmt.Errorf("supervisor: unknown account %s", id)
	}
	if a.State.IsTerminalFailure() {
		return fmt.Errorf("supervisor: %s is %s", id, a.State)
	}
	if !s.loggedIn[id] {
		return fmt.Errorf("supervisor: %s is logged out", id)
	}
	sess, err := s.gate.Open(a.Endpoint)
	if err != nil {
		s.connectFailed(a, err)
		return err
	}
	defer sess.Close()

	req := &terminal.TradeRequest{SL: sl, TP: tp}
	positions, err := sess.Positions("", 0)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if p.Ticket == ticket {
			req.Action = terminal.ActionSLTP
			req.Symbol = p.Symbol
			req.Position = ticket
			return checkSend(sess, req, id, ticket)
		}
	}
	orders, err := sess.Orders("")
	if err != nil {
		return err
	}
	for _, o := range orders {
		if o.Ticket == ticket {
			req.Action = terminal.ActionModify
			req.Symbol = o.Symbol
			req.Order = ticket
			req.Price = o.PriceOpen
			return checkSend(sess, req, id, ticket)
		}
	}
	return fmt.Errorf("supervisor: ticket %d not found on %s", ticket, id)
}

func (s *Supervisor) closePosition(sess *terminal.Session, id string, p terminal.Position) error {
	tick, err := sess.Tick(p.Symbol)
	if err != nil {
		return fmt.Errorf("supervisor: close %d on %s: %w", p.Ticket, id, err)
	}
	price := tick.Bid
	if !p.Type.IsBuySide() {
		price = tick.Ask
	}
	return checkSend(sess, &terminal.TradeRequest{
		Action:      terminal.ActionDeal,
		Symbol:      p.Symbol,
		Volume:      p.Volume,
		Type:        p.Type.Opposite(),
		Price:       price,
		Deviation:   config.DefaultSlippage,
		Magic:       p.Magic,
		Position:    p.Ticket,
		TypeFilling: terminal.FillingIOC,
		TypeTime:    terminal.TimeGTC,
	}, id, p.Ticket)
}

func checkSend(sess *terminal.Session, req *terminal.TradeRequest, id string, ticket int64) error {
	res, err := sess.OrderSend(req)
	if err != nil {
		return err
	}
	if !res.Done() {
		return fmt.Errorf("supervisor: ticket %d on %s: retcode %d %s", ticket, id, res.Retcode, res.Comment)
	}
	return nil
}

// stripReserved drops the keys consumed by rawKey so schema merging only
// sees true strategy parameters.
func stripReserved(layer map[string]string) map[string]string {
	if layer == nil {
		return nil
	}
	out := make(map[string]string, len(layer))
	for k, v := range layer {
		if k == "symbol" || k == "timeframe" {
			continue
		}
		out[k] = v
	}
	return out
}

// rawKey resolves a non-schema key such as symbol or timeframe from the
// layered parameter sections, later layers winning.
func rawKey(key, fallback string, layers ...map[string]string) string {
	out := fallback
	for _, layer := range layers {
		if v, ok := layer[key]; ok && v != "" {
			out = v
		}
	}
	return out
}

// LoggedInEquity sums the last-known equity across logged-in accounts with
// fresh telemetry. Used by the global risk stop between cycles.
func (s *Supervisor) LoggedInEquity(staleAfter time.Duration) float64 {
	var sum float64
	now := time.Now()
	for id, a := range s.accounts {
		if !s.loggedIn[id] || a.Info == nil {
			continue
		}
		if staleAfter > 0 && now.Sub(a.LastSeen) > staleAfter {
			continue
		}
		sum += a.Info.Equity
	}
	return sum
}
