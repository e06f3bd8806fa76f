package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openhedge/desk/backtest"
	"github.com/openhedge/desk/compliance"
	"github.com/openhedge/desk/config"
	"github.com/openhedge/desk/council"
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Replay historical bars through the desk pipeline",
	Long: `Backtest replays daily bar data through the same council, risk and
compliance stages the live desk runs.

Bar files live in a data directory as SYMBOL.csv or SYMBOL.csv.xz with
columns date,open,high,low,close[,volume]; a .zip bundle of such files
is extracted first.

Example:
  desk backtest --data data/bars --symbols AAPL,MSFT --start 2024-01-01 --end 2024-06-30`,
	RunE: runBacktestCmd,
}

var (
	btDataDir    string
	btZipPath    string
	btSymbols    string
	btStart      string
	btEnd        string
	btCash       float64
	btStorageDir string
	btConfigPath string
)

func init() {
	rootCmd.AddCommand(backtestCmd)

	backtestCmd.Flags().StringVarP(&btDataDir, "data", "d", "", "directory of bar files (SYMBOL.csv or SYMBOL.csv.xz)")
	backtestCmd.Flags().StringVarP(&btZipPath, "zip", "z", "", "zip bundle of bar files (extracted next to itself)")
	backtestCmd.Flags().StringVarP(&btSymbols, "symbols", "s", "", "comma-separated symbols (required)")
	backtestCmd.Flags().StringVar(&btStart, "start", "", "first date to replay (YYYY-MM-DD)")
	backtestCmd.Flags().StringVar(&btEnd, "end", "", "last date to replay (YYYY-MM-DD)")
	backtestCmd.Flags().Float64VarP(&btCash, "cash", "b", 1_000_000, "starting cash")
	backtestCmd.Flags().StringVarP(&btStorageDir, "out", "o", "./storage/backtests", "run artifact directory ('' keeps results in memory)")
	backtestCmd.Flags().StringVarP(&btConfigPath, "config", "f", "", "config file for council/risk/compliance limits")

	backtestCmd.MarkFlagRequired("symbols")
}

func runBacktestCmd(cmd *cobra.Command, args []string) error {
	loader, err := backtestLoader()
	if err != nil {
		return err
	}

	runCfg := backtest.RunConfig{
		Symbols:     strings.Split(btSymbols, ","),
		InitialCash: btCash,
	}
	if runCfg.Start, err = parseDateFlag(btStart); err != nil {
		return fmt.Errorf("parse start: %w", err)
	}
	if runCfg.End, err = parseDateFlag(btEnd); err != nil {
		return fmt.Errorf("parse end: %w", err)
	}

	cfg := config.Default()
	if btConfigPath != "" {
		if cfg, err = config.LoadFromFile(btConfigPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	runCfg.Council = council.Config{
		MinSupport:      cfg.Council.MinSupport,
		WeightThreshold: cfg.Council.WeightThreshold,
		WeightOverrides: cfg.Council.WeightOverrides,
	}
	runCfg.Risk = riskConfig(cfg.Risk)
	runCfg.Compliance = compliance.Config{
		Restricted:        cfg.Compliance.Restricted,
		MaxPositionPct:    cfg.Compliance.MaxPositionPct,
		ProhibitedTactics: cfg.Compliance.ProhibitedTactics,
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	bench, err := benchFromNames(cfg.Council.Strategies)
	if err != nil {
		return err
	}

	engine := backtest.NewEngine(loader, btStorageDir, bench, log)
	result, err := engine.Run(runCfg)
	if err != nil {
		return fmt.Errorf("backtest: %w", err)
	}

	fmt.Printf("Backtest complete: %s\n", result.RunID)
	fmt.Printf("  Symbols: %s\n", strings.Join(result.Symbols, ", "))
	fmt.Printf("  Days: %d\n", len(result.NAVSeries))
	fmt.Printf("  Trades: %d\n", result.Trades)
	fmt.Printf("  Final NAV: $%.2f (%.2f%%)\n", result.FinalNAV, result.ReturnPct*100)
	if result.Killed {
		fmt.Printf("  Kill switch: %s\n", result.KillReason)
	}
	if result.StorageDir != "" {
		fmt.Printf("\nResults saved to: %s\n", result.StorageDir)
	}
	return nil
}

func backtestLoader() (backtest.Loader, error) {
	switch {
	case btZipPath != "":
		dest := strings.TrimSuffix(btZipPath, filepath.Ext(btZipPath))
		loader, err := backtest.NewZipLoader(btZipPath, dest)
		if err != nil {
			return nil, fmt.Errorf("open zip bundle: %w", err)
		}
		return loader, nil
	case btDataDir != "":
		return backtest.NewFileLoader(btDataDir), nil
	default:
		return nil, fmt.Errorf("one of --data or --zip is required")
	}
}

func parseDateFlag(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", value)
}
