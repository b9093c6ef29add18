// Package config loads the sectioned key-value configuration file: a DEFAULT
// section for scheduler and risk settings, one section per account
// (master1..masterN, slave1..slaveN), strategy parameter sections, and
// optional datasync/dashboard sections.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	"github.com/mtkit/toolbox/internal/models"
	"github.com/mtkit/toolbox/internal/terminal"
)

// Defaults applied when a key is absent or unparseable. Parse errors never
// abort startup; they fall back here with a warning.
const (
	DefaultCheckInterval = 200 * time.Millisecond
	DefaultFixedLot      = 0.01
	DefaultSlippage      = 200
	DefaultSyncStart     = "2020-01-01"
	DefaultDashboardAddr = "127.0.0.1:9180"
)

var accountSectionRe = regexp.MustCompile(`^(master|slave)(\d+)$`)

// Decrypter decrypts password fields loaded from disk. Values that are not
// ciphertext come back unchanged.
type Decrypter interface {
	Decrypt(value string) string
}

// AccountConfig is one parsed master{n} or slave{n} section.
type AccountConfig struct {
	ID       string
	Role     models.Role
	Index    int
	Enabled  bool
	Magic    int64
	Endpoint terminal.Endpoint
	// Follower is set for slaves only.
	Follower *models.FollowerConfig
}

// RiskStop is the global equity kill switch in the DEFAULT section.
type RiskStop struct {
	Enabled   bool
	MinEquity float64
}

// DataSync configures the bar sync worker.
type DataSync struct {
	Symbols    []string
	Timeframes []terminal.Timeframe
	Start      time.Time
}

// Dashboard configures the read-only HTTP surface.
type Dashboard struct {
	Enabled bool
	Addr    string
	Token   string
}

// Config is the full parsed configuration.
type Config struct {
	CheckInterval time.Duration
	Risk          RiskStop
	Accounts      []*AccountConfig
	// StrategyGlobals maps strategy name to its {strategy}_Global section.
	StrategyGlobals map[string]map[string]string
	// StrategyParams maps account ID to strategy name to the
	// {account}_{strategy} section.
	StrategyParams map[string]map[string]map[string]string
	DataSync       DataSync
	Dashboard      Dashboard
}

// AppDataDir returns the per-OS settings directory for the tool.
func AppDataDir() string {
	switch runtime.GOOS {
	case "windows":
		if d := os.Getenv("APPDATA"); d != "" {
			return filepath.Join(d, "mt-toolbox")
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", "mt-toolbox")
		}
	}
	if d := os.Getenv("XDG_CONFIG_HOME"); d != "" {
		return filepath.Join(d, "mt-toolbox")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "mt-toolbox"
	}
	return filepath.Join(home, ".config", "mt-toolbox")
}

// Load parses the file at path, decrypting password fields with dec.
func Load(path string, dec Decrypter, logger *logrus.Logger) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return parse(f, dec, logger)
}

func parse(f *ini.File, dec Decrypter, logger *logrus.Logger) (*Config, error) {
	log := logger.WithField("component", "config")
	cfg := &Config{
		CheckInterval:   DefaultCheckInterval,
		StrategyGlobals: make(map[string]map[string]string),
		StrategyParams:  make(map[string]map[string]map[string]string),
		Dashboard:       Dashboard{Addr: DefaultDashboardAddr},
	}

	def := f.Section(ini.DefaultSection)
	cfg.CheckInterval = durationKey(def, "checkInterval", DefaultCheckInterval, log)
	cfg.Risk.Enabled = def.Key("riskStopEnabled").MustBool(false)
	cfg.Risk.MinEquity = floatKey(def, "riskStopMinEquity", 0, log)
	if cfg.Risk.Enabled && cfg.Risk.MinEquity <= 0 {
		log.Warn("riskStopEnabled set without a positive riskStopMinEquity, disabling risk stop")
		cfg.Risk.Enabled = false
	}

	accountIDs := make(map[string]bool)
	for _, sec := range f.Sections() {
		if m := accountSectionRe.FindStringSubmatch(sec.Name()); m != nil {
			acct := parseAccount(sec, m[1], m[2], dec, log)
			cfg.Accounts = append(cfg.Accounts, acct)
			accountIDs[acct.ID] = true
		}
	}

	for _, sec := range f.Sections() {
		name := sec.Name()
		switch {
		case name == ini.DefaultSection || accountSectionRe.MatchString(name):
			continue
		case name == "datasync":
			cfg.DataSync = parseDataSync(sec, log)
		case name == "dashboard":
			cfg.Dashboard = parseDashboard(sec)
		case strings.HasSuffix(name, "_Global"):
			strat := strings.TrimSuffix(name, "_Global")
			cfg.StrategyGlobals[strat] = keysOf(sec)
		default:
			acct, strat, ok := splitAccountStrategy(name, accountIDs)
			if !ok {
				log.Warnf("ignoring unknown config section [%s]", name)
				continue
			}
			if cfg.StrategyParams[acct] == nil {
				cfg.StrategyParams[acct] = make(map[string]map[string]string)
			}
			cfg.StrategyParams[acct][strat] = keysOf(sec)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitAccountStrategy resolves a "{account}_{strategy}" section name against
// the known account IDs.
func splitAccountStrategy(name string, ids map[string]bool) (acct, strat string, ok bool) {
	idx := strings.Index(name, "_")
	for idx != -1 {
		if ids[name[:idx]] {
			return name[:idx], name[idx+1:], true
		}
		next := strings.Index(name[idx+1:], "_")
		if next == -1 {
			break
		}
		idx += 1 + next
	}
	return "", "", false
}

func parseAccount(sec *ini.Section, role, index string, dec Decrypter, log *logrus.Entry) *AccountConfig {
	idx, _ := strconv.Atoi(index)
	acct := &AccountConfig{
		ID:      sec.Name(),
		Index:   idx,
		Enabled: sec.Key("enabled").MustBool(false),
		Endpoint: terminal.Endpoint{
			Login:    sec.Key("login").MustInt64(0),
			Password: dec.Decrypt(sec.Key("password").String()),
			Server:   sec.Key("server").String(),
			Path:     sec.Key("path").String(),
		},
		Magic: sec.Key("magic").MustInt64(0),
	}
	switch role {
	case "master":
		acct.Role = models.RoleMaster
	case "slave":
		acct.Role = models.RoleSlave
		acct.Follower = parseFollower(sec, acct.Magic, log)
	}
	return acct
}

func parseFollower(sec *ini.Section, magic int64, log *logrus.Entry) *models.FollowerConfig {
	fc := &models.FollowerConfig{
		Enabled:        sec.Key("enabled").MustBool(false),
		FollowMaster:   sec.Key("followMasterId").String(),
		Magic:          magic,
		CopyMode:       models.CopyForward,
		VolumeMode:     models.VolumeSame,
		FixedLot:       DefaultFixedLot,
		SlippagePoints: intKey(sec, "slippagePoints", DefaultSlippage, log),
	}

	if sec.Key("copyMode").In("forward", []string{"forward", "reverse"}) == "reverse" {
		fc.CopyMode = models.CopyReverse
	}

	switch sec.Key("volumeMode").String() {
	case "", "same":
	case "fixed":
		fc.VolumeMode = models.VolumeFixed
		fc.FixedLot = floatKey(sec, "fixedLot", DefaultFixedLot, log)
		if fc.FixedLot <= 0 {
			log.Warnf("[%s] fixedLot must be positive, using %v", sec.Name(), DefaultFixedLot)
			fc.FixedLot = DefaultFixedLot
		}
	case "equityRatio", "equity_ratio":
		fc.VolumeMode = models.VolumeEquityRatio
	default:
		log.Warnf("[%s] unknown volumeMode %q, using same", sec.Name(), sec.Key("volumeMode").String())
	}

	fc.DefaultRule = models.SymbolRule{
		Kind: symbolRuleKind(sec.Key("defaultSymbolRule").String(), sec.Name(), log),
		Text: sec.Key("defaultSymbolText").String(),
	}
	fc.Overrides = parseSymbolMap(sec.Key("symbol_map").String(), sec.Name(), log)
	return fc
}

func symbolRuleKind(s, section string, log *logrus.Entry) models.SymbolRuleKind {
	switch s {
	case "", "none":
		return models.SymbolRuleNone
	case "prefix":
		return models.SymbolRulePrefix
	case "suffix":
		return models.SymbolRuleSuffix
	case "replace":
		return models.SymbolRuleReplace
	}
	log.Warnf("[%s] unknown symbol rule %q, using none", section, s)
	return models.SymbolRuleNone
}

// parseSymbolMap reads comma-separated "master->rule:text" entries.
func parseSymbolMap(raw, section string, log *logrus.Entry) map[string]models.SymbolRule {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make(map[string]models.SymbolRule)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		arrow := strings.Index(entry, "->")
		colon := strings.LastIndex(entry, ":")
		if arrow == -1 || colon == -1 || colon < arrow {
			log.Warnf("[%s] bad symbol_map entry %q, skipping", section, entry)
			continue
		}
		master := strings.TrimSpace(entry[:arrow])
		rule := strings.TrimSpace(entry[arrow+2 : colon])
		text := strings.TrimSpace(entry[colon+1:])
		out[master] = models.SymbolRule{Kind: symbolRuleKind(rule, section, log), Text: text}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseDataSync(sec *ini.Section, log *logrus.Entry) DataSync {
	ds := DataSync{}
	for _, s := range strings.Split(sec.Key("symbols").String(), ",") {
		if s = strings.TrimSpace(s); s != "" {
			ds.Symbols = append(ds.Symbols, s)
		}
	}
	for _, s := range strings.Split(sec.Key("timeframes").String(), ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		tf, err := terminal.ParseTimeframe(s)
		if err != nil {
			log.Warnf("[datasync] %v, skipping", err)
			continue
		}
		ds.Timeframes = append(ds.Timeframes, tf)
	}
	startRaw := sec.Key("startDate").MustString(DefaultSyncStart)
	start, err := time.Parse("2006-01-02", startRaw)
	if err != nil {
		log.Warnf("[datasync] bad startDate %q, using %s", startRaw, DefaultSyncStart)
		start, _ = time.Parse("2006-01-02", DefaultSyncStart)
	}
	ds.Start = start
	return ds
}

func parseDashboard(sec *ini.Section) Dashboard {
	return Dashboard{
		Enabled: sec.Key("enabled").MustBool(false),
		Addr:    sec.Key("addr").MustString(DefaultDashboardAddr),
		Token:   sec.Key("token").String(),
	}
}

func keysOf(sec *ini.Section) map[string]string {
	out := make(map[string]string, len(sec.Keys()))
	for _, k := range sec.Keys() {
		out[k.Name()] = k.Value()
	}
	return out
}

// Validate rejects configurations the scheduler cannot run with. Account
// endpoint completeness is deliberately not checked here: incomplete
// accounts start in the config-incomplete state instead of failing load.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, a := range c.Accounts {
		if seen[a.ID] {
			return fmt.Errorf("config: duplicate account section %s", a.ID)
		}
		seen[a.ID] = true
	}
	for _, a := range c.Accounts {
		if a.Follower != nil && a.Follower.Enabled {
			if err := a.Follower.Validate(); err != nil {
				return fmt.Errorf("config: [%s]: %w", a.ID, err)
			}
			if !seen[a.Follower.FollowMaster] {
				return fmt.Errorf("config: [%s] follows unknown master %q", a.ID, a.Follower.FollowMaster)
			}
		}
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("config: checkInterval must be positive")
	}
	return nil
}

// Account returns the account section with the given ID, or nil.
func (c *Config) Account(id string) *AccountConfig {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// Masters returns the master sections in index order.
func (c *Config) Masters() []*AccountConfig { return c.byRole(models.RoleMaster) }

// Slaves returns the slave sections in index order.
func (c *Config) Slaves() []*AccountConfig { return c.byRole(models.RoleSlave) }

func (c *Config) byRole(role models.Role) []*AccountConfig {
	var out []*AccountConfig
	for _, a := range c.Accounts {
		if a.Role == role {
			out = append(out, a)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Index > out[j].Index; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func durationKey(sec *ini.Section, name string, def time.Duration, log *logrus.Entry) time.Duration {
	raw := sec.Key(name).String()
	if raw == "" {
		return def
	}
	// Bare numbers are seconds, "200ms" style strings pass through.
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs <= 0 {
			log.Warnf("%s must be positive, using %v", name, def)
			return def
		}
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Warnf("bad %s %q, using %v", name, raw, def)
		return def
	}
	return d
}

func floatKey(sec *ini.Section, name string, def float64, log *logrus.Entry) float64 {
	raw := sec.Key(name).String()
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warnf("bad %s %q, using %v", name, raw, def)
		return def
	}
	return v
}

func intKey(sec *ini.Section, name string, def int, log *logrus.Entry) int {
	raw := sec.Key(name).String()
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warnf("bad %s %q, using %v", name, raw, def)
		return def
	}
	return v
}
