// Package models holds the account entities shared by the supervisor, the
// mirror engine and the dashboard.
package models

import (
	"fmt"
)

// AccountState is the supervisor-facing lifecycle state of one account.
type AccountState string

const (
	// StateLoggedOut is the initial state and the resting state between
	// supervision cycles when nothing is enabled for the account.
	StateLoggedOut AccountState = "logged_out"
	// StatePendingVerify marks credentials that have been entered but not
	// yet proven by a successful connect.
	StatePendingVerify AccountState = "pending_verify"
	// StateConnected means the last connect succeeded and the account is
	// idle: not copying, not running a strategy.
	StateConnected AccountState = "connected"
	// StateCopying is a connected follower actively mirroring its master.
	StateCopying AccountState = "copying"
	// StateStrategyRunning is a connected account with a live strategy.
	StateStrategyRunning AccountState = "strategy_running"
	// StateDisabled is an operator-disabled account. The supervisor skips it.
	StateDisabled AccountState = "disabled"
	// StateError is a transient connect failure. The account is retried.
	StateError AccountState = "error"
	// StateLocked is a terminal state: repeated failures or a credential
	// rejection. Only an operator credential update releases it.
	StateLocked AccountState = "locked"
	// StateConfigIncomplete means required endpoint fields are missing.
	StateConfigIncomplete AccountState = "config_incomplete"
)

// MaxConnFailures is the consecutive connect failure count that locks an
// account.
const MaxConnFailures = 10

// StateTransition is one legal edge in the account lifecycle.
type StateTransition struct {
	From   AccountState
	To     AccountState
	Reason string
}

// ValidTransitions enumerates every legal account state change. Transitions
// not listed here are programming errors and are rejected.
var ValidTransitions = []StateTransition{
	{StateLoggedOut, StatePendingVerify, "credentials_entered"},
	{StateLoggedOut, StateConfigIncomplete, "missing_fields"},
	{StateLoggedOut, StateDisabled, "operator_disabled"},

	{StatePendingVerify, StateConnected, "verify_ok"},
	{StatePendingVerify, StateError, "verify_failed"},
	{StatePendingVerify, StateLocked, "invalid_auth"},
	{StatePendingVerify, StateDisabled, "operator_disabled"},

	{StateConnected, StateCopying, "copy_role_assigned"},
	{StateConnected, StateStrategyRunning, "strategy_started"},
	{StateConnected, StateError, "connect_failed"},
	{StateConnected, StateLoggedOut, "session_released"},
	{StateConnected, StateDisabled, "operator_disabled"},

	{StateCopying, StateConnected, "copy_role_dropped"},
	{StateCopying, StateStrategyRunning, "strategy_started"},
	{StateCopying, StateError, "connect_failed"},
	{StateCopying, StateDisabled, "operator_disabled"},

	{StateStrategyRunning, StateConnected, "strategy_stopped"},
	{StateStrategyRunning, StateError, "strategy_dead"},
	{StateStrategyRunning, StateDisabled, "operator_disabled"},

	{StateError, StateConnected, "reconnect_ok"},
	{StateError, StateCopying, "reconnect_ok_copying"},
	{StateError, StateLocked, "failure_limit"},
	{StateError, StateLocked, "invalid_auth"},
	{StateError, StatePendingVerify, "credentials_entered"},
	{StateError, StateDisabled, "operator_disabled"},

	{StateLocked, StatePendingVerify, "credentials_entered"},
	{StateLocked, StateDisabled, "operator_disabled"},

	{StateDisabled, StateLoggedOut, "operator_enabled"},
	{StateConfigIncomplete, StatePendingVerify, "credentials_entered"},
	{StateConfigIncomplete, StateDisabled, "operator_disabled"},
}

// transitionAllowed reports whether from → to is in the table.
func transitionAllowed(from, to AccountState) bool {
	if from == to {
		return true
	}
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// IsActive reports whether the state holds a live terminal role this cycle.
func (s AccountState) IsActive() bool {
	return s == StateConnected || s == StateCopying || s == StateStrategyRunning
}

// IsTerminalFailure reports whether the supervisor must not retry connects.
func (s AccountState) IsTerminalFailure() bool {
	return s == StateLocked || s == StateDisabled || s == StateConfigIncomplete
}

func (s AccountState) String() string { return string(s) }

// Transition validates and applies a state change on the account.
func (a *Account) Transition(to AccountState) error {
	if !transitionAllowed(a.State, to) {
		return fmt.Errorf("invalid account transition from %s to %s", a.State, to)
	}
	a.State = to
	return nil
}
