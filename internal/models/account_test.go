package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtkit/toolbox/internal/terminal"
)

func testEndpoint() terminal.Endpoint {
	return terminal.Endpoint{Login: 1001, Password: "pw", Server: "Demo", Path: "/opt/mt5"}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name string
		from AccountState
		to   AccountState
		ok   bool
	}{
		{"verify succeeds", StatePendingVerify, StateConnected, true},
		{"connected takes copy role", StateConnected, StateCopying, true},
		{"copy role dropped", StateCopying, StateConnected, true},
		{"error recovers", StateError, StateConnected, true},
		{"locked released by credentials", StateLocked, StatePendingVerify, true},
		{"self transition is a no-op", StateConnected, StateConnected, true},
		{"locked cannot silently reconnect", StateLocked, StateConnected, false},
		{"logged out cannot jump to copying", StateLoggedOut, StateCopying, false},
		{"disabled cannot start strategy", StateDisabled, StateStrategyRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAccount("slave1", RoleSlave, 1, testEndpoint())
			a.State = tt.from
			err := a.Transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, a.State)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.from, a.State)
			}
		})
	}
}

func TestRecordConnectFailureLocksAtLimit(t *testing.T) {
	a := NewAccount("master1", RoleMaster, 1, testEndpoint())
	a.State = StatePendingVerify

	err := &terminal.InitError{Code: 10004, Desc: "no connection"}
	for i := 0; i < MaxConnFailures-1; i++ {
		a.RecordConnectFailure(err)
		assert.Equal(t, StateError, a.State)
	}
	a.RecordConnectFailure(err)
	assert.Equal(t, StateLocked, a.State)
	assert.Equal(t, MaxConnFailures, a.FailCount)
}

func TestRecordConnectFailureInvalidAuthLocksImmediately(t *testing.T) {
	a := NewAccount("slave2", RoleSlave, 2, testEndpoint())
	a.State = StatePendingVerify

	a.RecordConnectFailure(&terminal.InitError{Code: terminal.CodeInvalidAuth, Desc: "authorization failed"})
	assert.Equal(t, StateLocked, a.State)
	assert.Equal(t, 1, a.FailCount)
}

func TestResetCredentialsReleasesLock(t *testing.T) {
	a := NewAccount("slave1", RoleSlave, 1, testEndpoint())
	a.State = StateLocked
	a.FailCount = MaxConnFailures
	a.LastError = "authorization failed"

	a.ResetCredentials(testEndpoint())
	assert.Equal(t, StatePendingVerify, a.State)
	assert.Zero(t, a.FailCount)
	assert.Empty(t, a.LastError)
}

func TestResetCredentialsIncomplete(t *testing.T) {
	a := NewAccount("slave1", RoleSlave, 1, testEndpoint())
	ep := testEndpoint()
	ep.Password = ""
	a.ResetCredentials(ep)
	assert.Equal(t, StateConfigIncomplete, a.State)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	a := NewAccount("master2", RoleMaster, 2, testEndpoint())
	a.State = StateError
	a.FailCount = 7
	a.LastError = "timeout"

	a.RecordConnectSuccess(&terminal.AccountInfo{Login: 1001, Balance: 5000, Equity: 5100}, 0)
	assert.Zero(t, a.FailCount)
	assert.Empty(t, a.LastError)
	require.NotNil(t, a.Info)
	assert.Equal(t, 5100.0, a.Info.Equity)
}

func TestSnapshotTelemetryGating(t *testing.T) {
	a := NewAccount("master1", RoleMaster, 1, testEndpoint())
	a.State = StateConnected
	a.Info = &terminal.AccountInfo{Balance: 1000, Equity: 990, Currency: "USD"}
	a.Trades = []TradeRow{{Ticket: 42, Symbol: "EURUSD"}}

	withTelemetry := SnapshotOf(a, true)
	require.NotNil(t, withTelemetry.Telemetry)
	assert.Equal(t, 990.0, withTelemetry.Telemetry.Equity)
	assert.Len(t, withTelemetry.Trades, 1)

	without := SnapshotOf(a, false)
	assert.Nil(t, without.Telemetry)
	assert.Empty(t, without.Trades)
	assert.Equal(t, StateConnected, without.State)
}

func TestFollowerSymbolMapping(t *testing.T) {
	f := &FollowerConfig{
		FollowMaster: "master1",
		Magic:        777,
		CopyMode:     CopyForward,
		VolumeMode:   VolumeSame,
		DefaultRule:  SymbolRule{Kind: SymbolRuleSuffix, Text: ".pro"},
		Overrides: map[string]SymbolRule{
			"XAUUSD": {Kind: SymbolRuleReplace, Text: "GOLD"},
			"GBPUSD": {Kind: SymbolRulePrefix, Text: "m"},
		},
	}
	require.NoError(t, f.Validate())
	assert.Equal(t, "EURUSD.pro", f.MapSymbol("EURUSD"))
	assert.Equal(t, "GOLD", f.MapSymbol("XAUUSD"))
	assert.Equal(t, "mGBPUSD", f.MapSymbol("GBPUSD"))
}

func TestFollowerValidate(t *testing.T) {
	base := func() *FollowerConfig {
		return &FollowerConfig{
			FollowMaster: "master1",
			Magic:        5,
			CopyMode:     CopyForward,
			VolumeMode:   VolumeFixed,
			FixedLot:     0.02,
		}
	}

	assert.NoError(t, base().Validate())

	f := base()
	f.Magic = 0
	assert.Error(t, f.Validate())

	f = base()
	f.FixedLot = 0
	assert.Error(t, f.Validate())

	f = base()
	f.CopyMode = "sideways"
	assert.Error(t, f.Validate())
}
