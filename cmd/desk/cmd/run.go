package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openhedge/desk/alert"
	"github.com/openhedge/desk/audit"
	"github.com/openhedge/desk/bus"
	"github.com/openhedge/desk/compliance"
	"github.com/openhedge/desk/config"
	"github.com/openhedge/desk/council"
	"github.com/openhedge/desk/desk"
	"github.com/openhedge/desk/director"
	"github.com/openhedge/desk/execution"
	"github.com/openhedge/desk/id"
	"github.com/openhedge/desk/metrics"
	"github.com/openhedge/desk/portfolio"
	"github.com/openhedge/desk/risk"
	"github.com/openhedge/desk/stage"
	"github.com/openhedge/desk/strategies"
	"github.com/openhedge/desk/tracker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the desk pipeline against a simulated market feed",
	Long: `Run the full pipeline: a market director feeds directives to the
strategy council, whose consensus proposals pass through the risk engine
and compliance gate before the paper executor fills them.

Without --config the run uses built-in defaults. The loop stops on
Ctrl-C, when max_ticks is reached, or when the kill switch engages.

Example:
  desk run --config desk.yaml`,
	RunE: runRun,
}

var (
	runConfigPath string
	runMaxTicks   int
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "", "path to config file (YAML or JSON)")
	runCmd.Flags().IntVar(&runMaxTicks, "max-ticks", 0, "override desk.max_ticks (0 = run until stopped)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if runConfigPath != "" {
		loaded, err := config.LoadFromFile(runConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if runMaxTicks > 0 {
		cfg.Desk.MaxTicks = runMaxTicks
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	auditSink, err := buildAuditSink(cfg.Audit)
	if err != nil {
		return err
	}
	defer auditSink.Close()

	ledger, err := portfolio.NewLedger(cfg.Portfolio.StatePath, cfg.Portfolio.InitialCash)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	track, err := tracker.New(cfg.Portfolio.PerformancePath)
	if err != nil {
		return fmt.Errorf("open tracker: %w", err)
	}

	runID := id.New()
	ctx := stage.NewContext(stage.Context{
		Log:     log,
		Audit:   auditSink,
		Alerts:  alert.NewLogNotifier(log, alert.Severity(cfg.Alerts.MinSeverity)),
		Metrics: metrics.NewLogSink(log),
		Ledger:  ledger,
		Tracker: track,
		RunID:   runID,
	})

	bench, err := benchFromNames(cfg.Council.Strategies)
	if err != nil {
		return err
	}

	interval, err := cfg.Desk.ParseTickInterval()
	if err != nil {
		return fmt.Errorf("parse tick interval: %w", err)
	}

	b := bus.New(cfg.Desk.HistoryDepth)
	feed := director.NewMock(director.MockConfig{
		Seed:          cfg.Market.Seed,
		StartPrice:    cfg.Market.StartPrice,
		VolatilityPct: cfg.Market.VolatilityPct,
		NewsRate:      cfg.Market.NewsRate,
	})
	d := desk.New(
		desk.Config{TickInterval: interval, MaxTicks: cfg.Desk.MaxTicks},
		ctx, b,
		director.New(director.Config{Symbols: cfg.Desk.Symbols}, ctx, feed),
		council.New(council.Config{
			MinSupport:      cfg.Council.MinSupport,
			WeightThreshold: cfg.Council.WeightThreshold,
			WeightOverrides: cfg.Council.WeightOverrides,
		}, ctx, bench),
		risk.New(riskConfig(cfg.Risk), ctx),
		compliance.New(compliance.Config{
			Restricted:        cfg.Compliance.Restricted,
			MaxPositionPct:    cfg.Compliance.MaxPositionPct,
			ProhibitedTactics: cfg.Compliance.ProhibitedTactics,
		}, ctx),
		execution.New(ctx),
	)

	fmt.Printf("Starting desk run %s\n", runID)
	fmt.Printf("  Universe: %s\n", strings.Join(cfg.Desk.Symbols, ", "))
	fmt.Printf("  Cash: $%.2f\n", cfg.Portfolio.InitialCash)
	fmt.Printf("  Tick interval: %s\n\n", interval)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := d.Run(sigCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}

	health, err := json.MarshalIndent(d.Health(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal health: %w", err)
	}
	fmt.Printf("\nFinal desk state:\n%s\n", health)
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*logrus.Logger, error) {
	log := logrus.New()
	if cfg.Level != "" {
		level, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		log.SetLevel(level)
	}
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log, nil
}

func buildAuditSink(cfg config.AuditConfig) (audit.Sink, error) {
	switch cfg.Type {
	case "jsonl":
		sink, err := audit.NewJSONL(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open audit sink: %w", err)
		}
		return sink, nil
	case "sqlite":
		sink, err := audit.NewSQLite(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open audit sink: %w", err)
		}
		return sink, nil
	default:
		return audit.Nop{}, nil
	}
}

func benchFromNames(names []string) ([]strategies.Strategy, error) {
	if len(names) == 0 {
		return strategies.Defaults(), nil
	}
	bench := make([]strategies.Strategy, 0, len(names))
	for _, name := range names {
		s, err := strategies.ByName(name)
		if err != nil {
			return nil, fmt.Errorf("strategy: %w", err)
		}
		bench = append(bench, s)
	}
	return bench, nil
}

func riskConfig(cfg config.RiskConfig) risk.Config {
	return risk.Config{
		MaxPositionPct:         cfg.MaxPositionPct,
		MaxLeverage:            cfg.MaxLeverage,
		MaxVaRPct:              cfg.MaxVaRPct,
		VaRConfidence:          cfg.VaRConfidence,
		StopLossPct:            cfg.StopLossPct,
		NAVHardStopPct:         cfg.NAVHardStopPct,
		MaxDrawdownPct:         cfg.MaxDrawdownPct,
		DrawdownWarningPct:     cfg.DrawdownWarningPct,
		StressLossThresholdPct: cfg.StressLossThresholdPct,
		StressInterval:         cfg.StressInterval,
	}
}
