package models

import (
	"time"

	"github.com/mtkit/toolbox/internal/terminal"
)

// Role distinguishes signal sources from mirroring followers.
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
)

// Account is the supervisor's view of one configured terminal login.
// It is owned by the scheduler goroutine; other components see it only
// through snapshots.
type Account struct {
	ID       string // config section name, e.g. "master1", "slave2"
	Role     Role
	Index    int // 1-based position within its role group
	Endpoint terminal.Endpoint

	State     AccountState
	FailCount int    // consecutive connect failures, reset on success
	LastError string // most recent failure text, surfaced on the snapshot

	// Follower-only mirroring settings. Nil for masters.
	Follow *FollowerConfig

	// ActiveStrategy is the name of the strategy requested for this
	// account, empty when none. The runner handle lives in the supervisor.
	ActiveStrategy string

	// Telemetry captured on the last successful session.
	Info     *terminal.AccountInfo
	Ping     time.Duration
	Trades   []TradeRow
	LastSeen time.Time
}

// NewAccount returns an account in the logged-out state.
func NewAccount(id string, role Role, index int, ep terminal.Endpoint) *Account {
	return &Account{
		ID:       id,
		Role:     role,
		Index:    index,
		Endpoint: ep,
		State:    StateLoggedOut,
	}
}

// RecordConnectFailure increments the failure counter and moves the account
// to error or, at the limit, to locked. invalidAuth locks immediately.
func (a *Account) RecordConnectFailure(err error) {
	a.FailCount++
	a.LastError = err.Error()
	if terminal.IsInvalidAuth(err) || a.FailCount >= MaxConnFailures {
		a.State = StateLocked
		return
	}
	a.State = StateError
}

// RecordConnectSuccess clears the failure counter and records telemetry.
func (a *Account) RecordConnectSuccess(info *terminal.AccountInfo, ping time.Duration) {
	a.FailCount = 0
	a.LastError = ""
	a.Info = info
	a.Ping = ping
	a.LastSeen = time.Now()
}

// ResetCredentials puts the account back on the verify path after an
// operator credential update, releasing a lock if one was held.
func (a *Account) ResetCredentials(ep terminal.Endpoint) {
	a.Endpoint = ep
	a.FailCount = 0
	a.LastError = ""
	if !ep.Complete() {
		a.State = StateConfigIncomplete
		return
	}
	a.State = StatePendingVerify
}
