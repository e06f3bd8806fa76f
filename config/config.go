package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openhedge/desk/alert"
	"github.com/openhedge/desk/strategies"
)

// Config represents the complete desk configuration
type Config struct {
	Desk       DeskConfig       `json:"desk" yaml:"desk"`
	Market     MarketConfig     `json:"market" yaml:"market"`
	Portfolio  PortfolioConfig  `json:"portfolio" yaml:"portfolio"`
	Council    CouncilConfig    `json:"council" yaml:"council"`
	Risk       RiskConfig       `json:"risk" yaml:"risk"`
	Compliance ComplianceConfig `json:"compliance" yaml:"compliance"`
	Audit      AuditConfig      `json:"audit" yaml:"audit"`
	Alerts     AlertConfig      `json:"alerts" yaml:"alerts"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
}

// DeskConfig contains run-loop parameters
type DeskConfig struct {
	Symbols      []string `json:"symbols" yaml:"symbols"`
	TickInterval string   `json:"tick_interval" yaml:"tick_interval"` // e.g., "5s", "1m"
	MaxTicks     int      `json:"max_ticks,omitempty" yaml:"max_ticks,omitempty"`
	HistoryDepth int      `json:"history_depth,omitempty" yaml:"history_depth,omitempty"`
}

// ParseTickInterval converts the tick interval string to time.Duration
func (d DeskConfig) ParseTickInterval() (time.Duration, error) {
	if d.TickInterval == "" {
		return 0, nil
	}
	return time.ParseDuration(d.TickInterval)
}

// MarketConfig contains simulated feed parameters
type MarketConfig struct {
	Seed          int64   `json:"seed,omitempty" yaml:"seed,omitempty"`
	StartPrice    float64 `json:"start_price,omitempty" yaml:"start_price,omitempty"`
	VolatilityPct float64 `json:"volatility_pct,omitempty" yaml:"volatility_pct,omitempty"`
	NewsRate      float64 `json:"news_rate,omitempty" yaml:"news_rate,omitempty"`
}

// PortfolioConfig contains ledger initialization parameters
type PortfolioConfig struct {
	InitialCash     float64 `json:"initial_cash" yaml:"initial_cash"`
	StatePath       string  `json:"state_path,omitempty" yaml:"state_path,omitempty"`
	PerformancePath string  `json:"performance_path,omitempty" yaml:"performance_path,omitempty"`
}

// CouncilConfig contains consensus parameters
type CouncilConfig struct {
	Strategies      []string           `json:"strategies,omitempty" yaml:"strategies,omitempty"`
	MinSupport      int                `json:"min_support,omitempty" yaml:"min_support,omitempty"`
	WeightThreshold float64            `json:"weight_threshold,omitempty" yaml:"weight_threshold,omitempty"`
	WeightOverrides map[string]float64 `json:"weight_overrides,omitempty" yaml:"weight_overrides,omitempty"`
}

// RiskConfig contains risk engine limits
type RiskConfig struct {
	MaxPositionPct         float64 `json:"max_position_pct,omitempty" yaml:"max_position_pct,omitempty"`
	MaxLeverage            float64 `json:"max_leverage,omitempty" yaml:"max_leverage,omitempty"`
	MaxVaRPct              float64 `json:"max_var_pct,omitempty" yaml:"max_var_pct,omitempty"`
	VaRConfidence          float64 `json:"var_confidence,omitempty" yaml:"var_confidence,omitempty"`
	StopLossPct            float64 `json:"stop_loss_pct,omitempty" yaml:"stop_loss_pct,omitempty"`
	NAVHardStopPct         float64 `json:"nav_hard_stop_pct,omitempty" yaml:"nav_hard_stop_pct,omitempty"`
	MaxDrawdownPct         float64 `json:"max_drawdown_pct,omitempty" yaml:"max_drawdown_pct,omitempty"`
	DrawdownWarningPct     float64 `json:"drawdown_warning_pct,omitempty" yaml:"drawdown_warning_pct,omitempty"`
	StressLossThresholdPct float64 `json:"stress_loss_threshold_pct,omitempty" yaml:"stress_loss_threshold_pct,omitempty"`
	StressInterval         int     `json:"stress_interval,omitempty" yaml:"stress_interval,omitempty"`
}

// ComplianceConfig contains compliance gate parameters
type ComplianceConfig struct {
	Restricted        []string `json:"restricted,omitempty" yaml:"restricted,omitempty"`
	MaxPositionPct    float64  `json:"max_position_pct,omitempty" yaml:"max_position_pct,omitempty"`
	ProhibitedTactics []string `json:"prohibited_tactics,omitempty" yaml:"prohibited_tactics,omitempty"`
}

// AuditConfig contains audit trail parameters
type AuditConfig struct {
	Type   string `json:"type" yaml:"type"` // "jsonl", "sqlite" or "none"
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	DBPath string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
}

// AlertConfig contains alert routing parameters
type AlertConfig struct {
	MinSeverity string `json:"min_severity,omitempty" yaml:"min_severity,omitempty"`
}

// LoggingConfig contains log output parameters
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "text" or "json"
}

// LoadFromFile loads configuration from a file (JSON or YAML based on content)
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if (len(path) > 5 && path[len(path)-5:] == ".yaml") || (len(path) > 4 && path[len(path)-4:] == ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Desk.Symbols) == 0 {
		return fmt.Errorf("desk.symbols is required")
	}
	if _, err := c.Desk.ParseTickInterval(); err != nil {
		return fmt.Errorf("desk.tick_interval: %w", err)
	}
	if c.Desk.MaxTicks < 0 {
		return fmt.Errorf("desk.max_ticks must not be negative")
	}
	if c.Portfolio.InitialCash <= 0 {
		return fmt.Errorf("portfolio.initial_cash must be positive")
	}
	for _, name := range c.Council.Strategies {
		if _, err := strategies.ByName(name); err != nil {
			return fmt.Errorf("council.strategies: %w", err)
		}
	}
	if c.Council.MinSupport < 0 {
		return fmt.Errorf("council.min_support must not be negative")
	}
	if c.Council.WeightThreshold < 0 {
		return fmt.Errorf("council.weight_threshold must not be negative")
	}
	if c.Risk.MaxPositionPct < 0 || c.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("risk.max_position_pct must be between 0 and 1")
	}
	if c.Risk.MaxVaRPct < 0 || c.Risk.MaxVaRPct > 1 {
		return fmt.Errorf("risk.max_var_pct must be between 0 and 1")
	}
	if c.Risk.MaxLeverage < 0 {
		return fmt.Errorf("risk.max_leverage must not be negative")
	}
	if c.Compliance.MaxPositionPct < 0 || c.Compliance.MaxPositionPct > 1 {
		return fmt.Errorf("compliance.max_position_pct must be between 0 and 1")
	}
	switch c.Audit.Type {
	case "jsonl":
		if c.Audit.Path == "" {
			return fmt.Errorf("audit.path required for jsonl type")
		}
	case "sqlite":
		if c.Audit.DBPath == "" {
			return fmt.Errorf("audit.db_path required for sqlite type")
		}
	case "none":
	default:
		return fmt.Errorf("audit.type must be 'jsonl', 'sqlite' or 'none'")
	}
	if c.Alerts.MinSeverity != "" && !validSeverity(c.Alerts.MinSeverity) {
		return fmt.Errorf("alerts.min_severity must be one of debug, info, warning, error, critical")
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json'")
	}
	return nil
}

func validSeverity(s string) bool {
	switch alert.Severity(s) {
	case alert.Debug, alert.Info, alert.Warning, alert.Error, alert.Critical:
		return true
	}
	return false
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Desk: DeskConfig{
			Symbols:      []string{"SPY", "QQQ"},
			TickInterval: "5s",
			HistoryDepth: 512,
		},
		Market: MarketConfig{
			Seed:          1,
			StartPrice:    100,
			VolatilityPct: 1.5,
			NewsRate:      0.3,
		},
		Portfolio: PortfolioConfig{
			InitialCash:     100000,
			StatePath:       "./storage/portfolio.json",
			PerformancePath: "./storage/performance.json",
		},
		Council: CouncilConfig{
			Strategies:      []string{"momentum", "value", "macro"},
			MinSupport:      2,
			WeightThreshold: 0.6,
		},
		Risk: RiskConfig{
			MaxPositionPct:         0.1,
			MaxLeverage:            1.2,
			MaxVaRPct:              0.04,
			VaRConfidence:          0.95,
			StopLossPct:            0.08,
			NAVHardStopPct:         0.05,
			MaxDrawdownPct:         0.10,
			DrawdownWarningPct:     0.02,
			StressLossThresholdPct: 0.06,
			StressInterval:         12,
		},
		Compliance: ComplianceConfig{
			MaxPositionPct: 0.2,
		},
		Audit: AuditConfig{
			Type: "jsonl",
			Path: "./storage/audit/desk_events.jsonl",
		},
		Alerts: AlertConfig{
			MinSeverity: "info",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
