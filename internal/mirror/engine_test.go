package mirror

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtkit/toolbox/internal/mock"
	"github.com/mtkit/toolbox/internal/models"
	"github.com/mtkit/toolbox/internal/terminal"
)

const followerLogin = 2001

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newFixture(t *testing.T) (*mock.Terminal, *terminal.Gate, terminal.Endpoint) {
	t.Helper()
	term := mock.NewTerminal()
	ep := terminal.Endpoint{Login: followerLogin, Password: "pw", Server: "Demo", Path: "/opt/mt5"}
	term.AddAccount(ep, 10000)
	term.SetSymbol(terminal.SymbolInfo{
		Name: "EURUSD", Point: 0.00001, Digits: 5,
		VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01,
	})
	term.SetSymbol(terminal.SymbolInfo{
		Name: "EURUSD.m", Point: 0.00001, Digits: 5,
		VolumeMin: 0.01, VolumeMax: 100, VolumeStep: 0.01,
	})
	term.SetTick("EURUSD", 1.1000, 1.1002)
	term.SetTick("EURUSD.m", 1.1000, 1.1002)
	return term, terminal.NewGate(term, quietLogger()), ep
}

func syncOnce(t *testing.T, gate *terminal.Gate, ep terminal.Endpoint, follow *models.FollowerConfig, masters map[int64]MasterTrade, masterInfo *terminal.AccountInfo) Stats {
	t.Helper()
	sess, err := gate.Open(ep)
	require.NoError(t, err)
	defer sess.Close()
	return NewEngine(quietLogger()).Sync(sess, "slave1", follow, masters, masterInfo)
}

func forwardFollower() *models.FollowerConfig {
	return &models.FollowerConfig{
		Enabled:        true,
		FollowMaster:   "master1",
		Magic:          99,
		CopyMode:       models.CopyForward,
		VolumeMode:     models.VolumeSame,
		SlippagePoints: 200,
	}
}

func TestForwardMirrorSameLot(t *testing.T) {
	term, gate, ep := newFixture(t)
	masters := map[int64]MasterTrade{
		7001: {Ticket: 7001, Symbol: "EURUSD", Type: terminal.OrderTypeBuy, Volume: 0.10, PriceOpen: 1.0990, SL: 1.0950, TP: 1.1050, Magic: 1},
	}

	stats := syncOnce(t, gate, ep, forwardFollower(), masters, nil)
	assert.Equal(t, 1, stats.Opened)

	positions := term.AccountPositions(followerLogin)
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, terminal.OrderTypeBuy, p.Type)
	assert.Equal(t, "EURUSD", p.Symbol)
	assert.Equal(t, 0.10, p.Volume)
	assert.Equal(t, 1.0950, p.SL)
	assert.Equal(t, 1.1050, p.TP)
	assert.Equal(t, int64(99), p.Magic)
	assert.Equal(t, "F 7001", p.Comment)

	// Second pass with unchanged master state is a no-op.
	stats = syncOnce(t, gate, ep, forwardFollower(), masters, nil)
	assert.Zero(t, stats.Opened)
	assert.Zero(t, stats.Modified)
	assert.Len(t, term.AccountPositions(followerLogin), 1)
}

func TestReversePendingWithSuffix(t *testing.T) {
	term, gate, ep := newFixture(t)
	follow := &models.FollowerConfig{
		Enabled:        true,
		FollowMaster:   "master1",
		Magic:          42,
		CopyMode:       models.CopyReverse,
		VolumeMode:     models.VolumeFixed,
		FixedLot:       0.20,
		SlippagePoints: 200,
		DefaultRule:    models.SymbolRule{Kind: models.SymbolRuleSuffix, Text: ".m"},
	}
	masters := map[int64]MasterTrade{
		7100: {Ticket: 7100, Symbol: "EURUSD", Type: terminal.OrderTypeBuyLimit, Volume: 0.50, PriceOpen: 1.0900, SL: 1.0850, TP: 1.0970, Magic: 1},
	}

	stats := syncOnce(t, gate, ep, follow, masters, nil)
	assert.Equal(t, 1, stats.Opened)

	orders := term.AccountOrders(followerLogin)
	require.Len(t, orders, 1)
	o := orders[0]
	assert.Equal(t, terminal.OrderTypeSellStop, o.Type)
	assert.Equal(t, "EURUSD.m", o.Symbol)
	assert.Equal(t, 0.20, o.VolumeInitial)
	assert.Equal(t, 1.0900, o.PriceOpen)
	assert.Equal(t, 1.0970, o.SL)
	assert.Equal(t, 1.0850, o.TP)
	assert.Equal(t, "F 7100", o.Comment)
}

func TestClosePropagation(t *testing.T) {
	term, gate, ep := newFixture(t)
	term.SeedPosition(followerLogin, terminal.Position{
		Symbol: "EURUSD", Type: terminal.OrderTypeBuy, Volume: 0.10,
		PriceOpen: 1.0990, Magic: 99, Comment: "F 7001",
	})

	stats := syncOnce(t, gate, ep, forwardFollower(), map[int64]MasterTrade{}, nil)
	assert.Equal(t, 1, stats.Closed)
	assert.Empty(t, term.AccountPositions(followerLogin))
}

func TestOrphanPendingRemoved(t *testing.T) {
	term, gate, ep := newFixture(t)
	term.SeedOrder(followerLogin, terminal.Order{
		Symbol: "EURUSD", Type: terminal.OrderTypeBuyLimit, VolumeInitial: 0.10,
		PriceOpen: 1.0900, Magic: 99, Comment: "F 7100",
	})

	stats := syncOnce(t, gate, ep, forwardFollower(), map[int64]MasterTrade{}, nil)
	assert.Equal(t, 1, stats.Removed)
	assert.Empty(t, term.AccountOrders(followerLogin))
}

func TestStopReconcileUnderReverse(t *testing.T) {
	term, gate, ep := newFixture(t)
	term.SeedPosition(followerLogin, terminal.Position{
		Symbol: "EURUSD", Type: terminal.OrderTypeSell, Volume: 0.10,
		PriceOpen: 1.1990, Magic: 99, Comment: "F 8002",
	})
	follow := forwardFollower()
	follow.CopyMode = models.CopyReverse
	masters := map[int64]MasterTrade{
		8002: {Ticket: 8002, Symbol: "EURUSD", Type: terminal.OrderTypeBuy, Volume: 0.10, SL: 1.2000, TP: 1.2100, Magic: 1},
	}

	stats := syncOnce(t, gate, ep, follow, masters, nil)
	assert.Equal(t, 1, stats.Modified)

	positions := term.AccountPositions(followerLogin)
	require.Len(t, positions, 1)
	assert.Equal(t, 1.2100, positions[0].SL)
	assert.Equal(t, 1.2000, positions[0].TP)

	stats = syncOnce(t, gate, ep, follow, masters, nil)
	assert.Zero(t, stats.Modified)
}

func TestSelfEchoGuard(t *testing.T) {
	term, gate, ep := newFixture(t)
	masters := map[int64]MasterTrade{
		9001: {Ticket: 9001, Symbol: "EURUSD", Type: terminal.OrderTypeBuy, Volume: 0.10, Magic: 99},
	}

	stats := syncOnce(t, gate, ep, forwardFollower(), masters, nil)
	assert.Zero(t, stats.Opened)
	assert.Equal(t, 1, stats.Skipped)
	assert.Empty(t, term.AccountPositions(followerLogin))
}

func TestEquityRatioVolume(t *testing.T) {
	term, gate, ep := newFixture(t)
	follow := forwardFollower()
	follow.VolumeMode = models.VolumeEquityRatio
	masters := map[int64]MasterTrade{
		7001: {Ticket: 7001, Symbol: "EURUSD", Type: terminal.OrderTypeBuy, Volume: 0.10, Magic: 1},
	}
	// Follower equity 10000 vs master 20000 halves the lot.
	stats := syncOnce(t, gate, ep, follow, masters, &terminal.AccountInfo{Equity: 20000})
	assert.Equal(t, 1, stats.Opened)

	positions := term.AccountPositions(followerLogin)
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.05, positions[0].Volume, 1e-9)
}

func TestUnknownSymbolSkipped(t *testing.T) {
	term, gate, ep := newFixture(t)
	masters := map[int64]MasterTrade{
		7001: {Ticket: 7001, Symbol: "USDJPY", Type: terminal.OrderTypeBuy, Volume: 0.10, Magic: 1},
	}

	stats := syncOnce(t, gate, ep, forwardFollower(), masters, nil)
	assert.Zero(t, stats.Opened)
	assert.Equal(t, 1, stats.Skipped)
	assert.Empty(t, term.AccountPositions(followerLogin))
}

func TestClampVolume(t *testing.T) {
	tests := []struct {
		name   string
		v      float64
		min    float64
		step   float64
		max    float64
		want   float64
		wantOK bool
	}{
		{"rounds to step", 0.017, 0.01, 0.01, 100, 0.02, true},
		{"raises to min", 0.004, 0.01, 0.01, 100, 0.01, true},
		{"caps at max", 250, 0.01, 0.01, 100, 100, true},
		{"exact passes", 0.20, 0.01, 0.01, 100, 0.20, true},
		{"no constraints", 0.33, 0, 0, 0, 0.33, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := clampVolume(tt.v, tt.min, tt.step, tt.max)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestParseOpenComment(t *testing.T) {
	tests := []struct {
		comment string
		ticket  int64
		ok      bool
	}{
		{"F 7001", 7001, true},
		{"F 7001 [sl]", 7001, true},
		{"Close F 7001", 0, false},
		{"F", 0, false},
		{"F abc", 0, false},
		{"manual trade", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		ticket, ok := ParseOpenComment(tt.comment)
		assert.Equal(t, tt.ok, ok, tt.comment)
		assert.Equal(t, tt.ticket, ticket, tt.comment)
	}
}

func TestCollectMasterTrades(t *testing.T) {
	trades := CollectMasterTrades(
		[]terminal.Position{{Ticket: 1, Symbol: "EURUSD", Type: terminal.OrderTypeBuy, Volume: 0.1}},
		[]terminal.Order{{Ticket: 2, Symbol: "EURUSD", Type: terminal.OrderTypeSellLimit, VolumeInitial: 0.2}},
	)
	require.Len(t, trades, 2)
	assert.False(t, trades[1].Pending())
	assert.True(t, trades[2].Pending())
	assert.Equal(t, 0.2, trades[2].Volume)
}
