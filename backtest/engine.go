// Package backtest replays historical bars through the live pipeline
// stages: the council, risk engine, compliance gate and executor run
// unchanged, with the replay loop standing in for the director.
package backtest

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openhedge/desk/audit"
	"github.com/openhedge/desk/bus"
	"github.com/openhedge/desk/compliance"
	"github.com/openhedge/desk/council"
	"github.com/openhedge/desk/events"
	"github.com/openhedge/desk/execution"
	"github.com/openhedge/desk/portfolio"
	"github.com/openhedge/desk/risk"
	"github.com/openhedge/desk/stage"
	"github.com/openhedge/desk/strategies"
	"github.com/openhedge/desk/tracker"
)

// RunConfig holds user-specified run parameters. Zero values take defaults.
type RunConfig struct {
	Symbols     []string
	Start       time.Time
	End         time.Time
	InitialCash float64

	Council    council.Config
	Risk       risk.Config
	Compliance compliance.Config
}

func (c RunConfig) withDefaults() RunConfig {
	if c.InitialCash == 0 {
		c.InitialCash = 1_000_000
	}
	return c
}

// NAVPoint is one day's portfolio value.
type NAVPoint struct {
	Date string  `json:"date"`
	NAV  float64 `json:"nav"`
}

// Result summarizes a completed run.
type Result struct {
	RunID       string        `json:"run_id"`
	Symbols     []string      `json:"symbols"`
	Start       string        `json:"start"`
	End         string        `json:"end"`
	InitialCash float64       `json:"initial_cash"`
	FinalNAV    float64       `json:"final_nav"`
	ReturnPct   float64       `json:"return_pct"`
	Trades      int           `json:"trades"`
	Killed      bool          `json:"killed"`
	KillReason  string        `json:"kill_reason,omitempty"`
	NAVSeries   []NAVPoint    `json:"nav_series"`
	Fills       []events.Fill `json:"fills"`

	StorageDir string `json:"-"`
}

// Save writes the result as indented JSON into the run directory.
func (r *Result) Save() (string, error) {
	if r.StorageDir == "" {
		return "", nil
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	path := filepath.Join(r.StorageDir, "result.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write result: %w", err)
	}
	return path, nil
}

// Engine coordinates the data feed and the pipeline stages for one run.
type Engine struct {
	loader     Loader
	storageDir string
	bench      []strategies.Strategy
	log        *logrus.Logger
}

// NewEngine builds a backtest engine. A nil bench uses the default
// strategy set; an empty storageDir keeps results in memory only.
func NewEngine(loader Loader, storageDir string, bench []strategies.Strategy, log *logrus.Logger) *Engine {
	if bench == nil {
		bench = strategies.Defaults()
	}
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Engine{
		loader:     loader,
		storageDir: storageDir,
		bench:      bench,
		log:        log,
	}
}

// Run replays every bar date through the pipeline and returns the result.
// A kill switch raised mid-replay ends the run at that date.
func (e *Engine) Run(cfg RunConfig) (*Result, error) {
	cfg = cfg.withDefaults()
	dataset, err := e.loader.Load(cfg.Symbols, cfg.Start, cfg.End)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}

	runID := "bt-" + time.Now().UTC().Format("20060102T150405")
	var runDir string
	auditSink := audit.Sink(audit.Nop{})
	ledgerPath, trackerPath := "", ""
	if e.storageDir != "" {
		runDir = filepath.Join(e.storageDir, runID)
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("create run dir: %w", err)
		}
		jsonl, err := audit.NewJSONL(filepath.Join(runDir, "audit.jsonl"))
		if err != nil {
			return nil, fmt.Errorf("open audit sink: %w", err)
		}
		defer jsonl.Close()
		auditSink = jsonl
		ledgerPath = filepath.Join(runDir, "portfolio.json")
		trackerPath = filepath.Join(runDir, "performance.json")
	}

	ledger, err := portfolio.NewLedger(ledgerPath, cfg.InitialCash)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	track, err := tracker.New(trackerPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker: %w", err)
	}

	ctx := stage.NewContext(stage.Context{
		Log:     e.log,
		Audit:   auditSink,
		Ledger:  ledger,
		Tracker: track,
		RunID:   runID,
	})
	b := bus.New(1024)

	var (
		killed     bool
		killReason string
		fills      []events.Fill
	)
	b.Subscribe(func(env bus.Envelope) {
		if killed {
			return
		}
		killed = true
		killReason = events.KillSwitchFrom(env).Reason
	}, events.KillSwitchTopics(), 0)
	b.Subscribe(func(env bus.Envelope) {
		if f, ok := events.FillFrom(env); ok {
			fills = append(fills, f)
		}
	}, []string{events.TopicExecutionFill}, 0)

	stages := []stage.Stage{
		council.New(cfg.Council, ctx, e.bench),
		risk.New(cfg.Risk, ctx),
		compliance.New(cfg.Compliance, ctx),
		execution.New(ctx),
	}
	for _, s := range stages {
		s.Start(b)
	}
	defer func() {
		for _, s := range stages {
			s.Stop()
		}
	}()

	lastPrices := make(map[string]float64)
	var navSeries []NAVPoint
	for _, date := range dataset.Dates() {
		for _, symbol := range dataset.Symbols() {
			bar, ok := dataset.Bar(symbol, date)
			if !ok {
				continue
			}
			prevClose, ok := dataset.PreviousClose(symbol, date)
			if !ok {
				prevClose = bar.Close
			}
			b.Publish(events.TopicMarketSnapshot, events.MarketSnapshot{
				Symbol:      symbol,
				LatestClose: bar.Close,
			}, nil)
			b.Publish(events.TopicDirective, directiveFor(symbol, date, bar, prevClose, runID), nil)
			lastPrices[symbol] = bar.Close
			if killed {
				break
			}
		}
		for _, s := range stages {
			s.Tick()
		}
		navSeries = append(navSeries, NAVPoint{
			Date: date.Format("2006-01-02"),
			NAV:  math.Round(estimateNAV(ledger.Snapshot(), lastPrices)*100) / 100,
		})
		if killed {
			e.log.WithField("reason", killReason).Warn("backtest ended by kill switch")
			break
		}
	}

	finalNAV := cfg.InitialCash
	if len(navSeries) > 0 {
		finalNAV = navSeries[len(navSeries)-1].NAV
	}
	result := &Result{
		RunID:       runID,
		Symbols:     dataset.Symbols(),
		Start:       formatDate(cfg.Start),
		End:         formatDate(cfg.End),
		InitialCash: cfg.InitialCash,
		FinalNAV:    finalNAV,
		ReturnPct:   (finalNAV - cfg.InitialCash) / cfg.InitialCash,
		Trades:      len(fills),
		Killed:      killed,
		KillReason:  killReason,
		NAVSeries:   navSeries,
		Fills:       fills,
		StorageDir:  runDir,
	}
	if _, err := result.Save(); err != nil {
		return nil, err
	}
	return result, nil
}

// directiveFor synthesizes the directive a live director would emit for
// the bar: fundamentals track the day's direction and sentiment is the
// clamped daily change.
func directiveFor(symbol string, date time.Time, bar Bar, prevClose float64, runID string) events.Directive {
	changePct := 0.0
	if prevClose != 0 {
		changePct = (bar.Close - prevClose) / prevClose * 100
	}
	fundamentals := events.Fundamentals{PERatio: 15, ProfitMargin: 0.15}
	if changePct < 0 {
		fundamentals = events.Fundamentals{PERatio: 40, ProfitMargin: 0.01}
	}
	sentiment := math.Max(-0.5, math.Min(0.5, changePct/5))
	return events.Directive{
		DirectiveID:  fmt.Sprintf("%s-%s", symbol, date.Format("2006-01-02")),
		Symbol:       symbol,
		LatestClose:  bar.Close,
		Quote:        events.Quote{Current: bar.Close, PrevClose: prevClose},
		Fundamentals: fundamentals,
		News:         []events.NewsItem{{Sentiment: sentiment}},
		RunID:        runID,
		At:           date,
	}
}

// estimateNAV marks positions at the last replayed close, falling back to
// average cost for symbols that never traded a bar.
func estimateNAV(book portfolio.Snapshot, lastPrices map[string]float64) float64 {
	nav := book.Cash
	for symbol, position := range book.Positions {
		price, ok := lastPrices[symbol]
		if !ok {
			price = position.AverageCost
		}
		nav += position.Quantity * price
	}
	return nav
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}
