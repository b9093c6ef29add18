package core

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtkit/toolbox/internal/config"
	"github.com/mtkit/toolbox/internal/mirror"
	"github.com/mtkit/toolbox/internal/mock"
	"github.com/mtkit/toolbox/internal/models"
	"github.com/mtkit/toolbox/internal/supervisor"
	"github.com/mtkit/toolbox/internal/terminal"
)

var masterEP = terminal.Endpoint{Login: 1001, Password: "pw", Server: "Demo", Path: "/mt5"}

func newCore(t *testing.T, risk config.RiskStop) (*Core, *supervisor.Supervisor, *mock.Terminal) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	term := mock.NewTerminal()
	term.AddAccount(masterEP, 10000)
	term.SetSymbol(terminal.SymbolInfo{
		Name: "EURUSD", Point: 0.00001, Digits: 5,
		VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01,
	})
	term.SetTick("EURUSD", 1.1000, 1.1002)

	cfg := &config.Config{
		Accounts: []*config.AccountConfig{
			{ID: "master1", Role: models.RoleMaster, Index: 1, Enabled: true, Magic: 1, Endpoint: masterEP},
		},
		StrategyGlobals: map[string]map[string]string{},
		StrategyParams:  map[string]map[string]map[string]string{},
	}
	gate := terminal.NewGate(term, logger)
	sup := supervisor.New(gate, mirror.NewEngine(logger), cfg, make(chan models.Snapshot, 256), logger)
	return New(sup, risk, time.Millisecond, logger), sup, term
}

func TestRiskStopFiresOnceAndDisarms(t *testing.T) {
	c, _, term := newCore(t, config.RiskStop{Enabled: true, MinEquity: 1e9})
	term.SeedPosition(masterEP.Login, terminal.Position{
		Ticket: 7001, Symbol: "EURUSD", Type: terminal.OrderTypeBuy,
		Volume: 0.10, PriceOpen: 1.0980, Magic: 1,
	})

	c.step() // equity far below the threshold: breach enqueues the force close
	assert.False(t, c.armed)
	require.Len(t, c.commands, 1)

	c.step() // consumes the force close
	assert.Empty(t, term.AccountPositions(masterEP.Login))
	assert.Empty(t, c.commands, "disarmed stop does not re-fire")

	c.step()
	assert.Empty(t, c.commands)
}

func TestRearmRisk(t *testing.T) {
	c, _, _ := newCore(t, config.RiskStop{Enabled: true, MinEquity: 1e9})
	c.step()
	require.False(t, c.armed)

	for len(c.commands) > 0 { // flush the pending force close
		c.handle(<-c.commands)
	}
	c.Enqueue(RearmRisk{})
	c.step()
	assert.Len(t, c.commands, 1, "re-armed stop fires again")
}

func TestRiskStopDisabledNeverFires(t *testing.T) {
	c, _, _ := newCore(t, config.RiskStop{Enabled: false, MinEquity: 1e9})
	c.step()
	assert.Empty(t, c.commands)
}

func TestStrategyCommands(t *testing.T) {
	c, sup, _ := newCore(t, config.RiskStop{})
	c.step() // verify the account

	c.Enqueue(StartStrategy{Account: "master1", Name: "MovingAverageCross",
		Overrides: map[string]string{"symbol": "EURUSD"}})
	c.step()
	assert.Equal(t, []string{"master1"}, sup.RunningStrategies())
	assert.Equal(t, models.StateStrategyRunning, sup.Account("master1").State)

	c.Enqueue(StopStrategy{Account: "master1"})
	c.step()
	assert.Empty(t, sup.RunningStrategies())
	assert.Equal(t, models.StateConnected, sup.Account("master1").State)
}

func TestTradeCommands(t *testing.T) {
	c, _, term := newCore(t, config.RiskStop{})
	c.step()
	term.SeedPosition(masterEP.Login, terminal.Position{
		Ticket: 7001, Symbol: "EURUSD", Type: terminal.OrderTypeBuy,
		Volume: 0.10, PriceOpen: 1.0980, Magic: 1,
	})

	c.Enqueue(ModifySLTP{Account: "master1", Ticket: 7001, SL: 1.0900, TP: 1.1200})
	c.step()
	pos := term.AccountPositions(masterEP.Login)
	require.Len(t, pos, 1)
	assert.Equal(t, 1.0900, pos[0].SL)

	c.Enqueue(CloseSingleTrade{Account: "master1", Ticket: 7001})
	c.step()
	assert.Empty(t, term.AccountPositions(masterEP.Login))

	c.Enqueue(StopAndClose{Account: "master1"})
	c.step() // nothing open: still a clean no-op
	assert.Empty(t, term.AccountPositions(masterEP.Login))
}

func TestUpdateStateLogsAccountOut(t *testing.T) {
	c, _, term := newCore(t, config.RiskStop{})
	c.step()
	before := term.InitCount()

	c.Enqueue(UpdateState{LoggedIn: map[string]bool{}})
	c.step()
	c.step()
	assert.Equal(t, before, term.InitCount(), "logged-out account is not connected")
}

func TestRunExitsOnStop(t *testing.T) {
	c, _, _ := newCore(t, config.RiskStop{})
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		c.Run(stop)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("core loop did not stop")
	}
}
