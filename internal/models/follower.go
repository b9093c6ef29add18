package models

import "fmt"

// CopyMode selects how a follower mirrors its master's direction.
type CopyMode string

const (
	CopyForward CopyMode = "forward"
	CopyReverse CopyMode = "reverse"
)

// VolumeMode selects how mirrored volume is derived from the master's.
type VolumeMode string

const (
	// VolumeSame copies the master's lot size unchanged.
	VolumeSame VolumeMode = "same"
	// VolumeFixed always uses FixedLot.
	VolumeFixed VolumeMode = "fixed"
	// VolumeEquityRatio scales by followerEquity / masterEquity.
	VolumeEquityRatio VolumeMode = "equity_ratio"
)

// SymbolRuleKind is how a follower rewrites a master symbol name.
type SymbolRuleKind string

const (
	SymbolRuleNone    SymbolRuleKind = "none"
	SymbolRuleReplace SymbolRuleKind = "replace"
	SymbolRulePrefix  SymbolRuleKind = "prefix"
	SymbolRuleSuffix  SymbolRuleKind = "suffix"
)

// SymbolRule is one symbol rewrite: replace swaps the whole name for Text,
// prefix/suffix attach Text to the master name.
type SymbolRule struct {
	Kind SymbolRuleKind
	Text string
}

// Apply rewrites a master symbol for the follower's broker.
func (r SymbolRule) Apply(master string) string {
	switch r.Kind {
	case SymbolRuleReplace:
		return r.Text
	case SymbolRulePrefix:
		return r.Text + master
	case SymbolRuleSuffix:
		return master + r.Text
	}
	return master
}

// FollowerConfig is the per-slave mirroring configuration.
type FollowerConfig struct {
	Enabled      bool
	FollowMaster string // master account ID, e.g. "master1"
	Magic        int64  // magic stamped on mirrored trades; also the self-trade guard
	CopyMode     CopyMode
	VolumeMode   VolumeMode
	FixedLot     float64
	// Slippage allowed on mirrored opens and closes, in points.
	SlippagePoints int
	// DefaultRule applies to symbols without an explicit override.
	DefaultRule SymbolRule
	// Overrides maps a master symbol to its rewrite rule.
	Overrides map[string]SymbolRule
}

// MapSymbol resolves the follower-side symbol for a master symbol.
func (f *FollowerConfig) MapSymbol(master string) string {
	if rule, ok := f.Overrides[master]; ok {
		return rule.Apply(master)
	}
	return f.DefaultRule.Apply(master)
}

// Validate rejects configurations the mirror engine cannot act on.
func (f *FollowerConfig) Validate() error {
	if f.FollowMaster == "" {
		return fmt.Errorf("follower: follow_master is required")
	}
	if f.Magic == 0 {
		return fmt.Errorf("follower: magic must be nonzero")
	}
	switch f.CopyMode {
	case CopyForward, CopyReverse:
	default:
		return fmt.Errorf("follower: unknown copy mode %q", f.CopyMode)
	}
	switch f.VolumeMode {
	case VolumeSame, VolumeEquityRatio:
	case VolumeFixed:
		if f.FixedLot <= 0 {
			return fmt.Errorf("follower: fixed volume mode needs fixed_lot > 0")
		}
	default:
		return fmt.Errorf("follower: unknown volume mode %q", f.VolumeMode)
	}
	if f.SlippagePoints < 0 {
		return fmt.Errorf("follower: slippage_points must not be negative")
	}
	return nil
}
