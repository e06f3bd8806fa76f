// Package risk gates consensus proposals against position, leverage and
// value-at-risk limits, watches NAV drawdown and per-position stop losses,
// and runs periodic stress tests. Breaches that threaten the book engage
// the desk kill switch.
package risk

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/openhedge/desk/alert"
	"github.com/openhedge/desk/bus"
	"github.com/openhedge/desk/events"
	"github.com/openhedge/desk/indicators"
	"github.com/openhedge/desk/portfolio"
	"github.com/openhedge/desk/stage"
)

// Config tunes every risk limit. Zero values take defaults.
type Config struct {
	HistoryWindow          int     // retained closes per symbol
	VolatilityWindow       int     // minimum history before volatility alerts
	VolatilityThresholdPct float64 // tick-over-tick move that raises an alert

	MaxPositionPct float64 // per-order notional cap as fraction of cash
	MaxLeverage    float64 // projected gross exposure over NAV

	MaxVaRPct     float64 // portfolio VaR cap as fraction of NAV
	VaRLookback   int     // returns used per symbol
	VaRConfidence float64 // one of 0.90, 0.95, 0.975, 0.99

	NAVWindow          int     // retained NAV observations
	NAVHardStopPct     float64 // tick-over-tick NAV move that kills the run
	MaxDrawdownPct     float64 // drawdown from peak that warns
	DrawdownWarningPct float64 // drawdown from peak that informs

	StopLossPct float64 // adverse move from average cost per position

	StressLossThresholdPct float64 // scenario loss that kills the run
	StressInterval         int     // ticks between stress runs
	Scenarios              []Scenario
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow == 0 {
		c.HistoryWindow = 60
	}
	if c.VolatilityWindow == 0 {
		c.VolatilityWindow = 5
	}
	if c.VolatilityWindow > c.HistoryWindow {
		c.VolatilityWindow = c.HistoryWindow
	}
	if c.VolatilityThresholdPct == 0 {
		c.VolatilityThresholdPct = 5.0
	}
	if c.MaxPositionPct == 0 {
		c.MaxPositionPct = 0.1
	}
	if c.MaxLeverage == 0 {
		c.MaxLeverage = 1.2
	}
	if c.MaxVaRPct == 0 {
		c.MaxVaRPct = 0.04
	}
	if c.VaRLookback == 0 {
		c.VaRLookback = 20
	}
	if c.VaRConfidence == 0 {
		c.VaRConfidence = 0.95
	}
	if c.NAVWindow == 0 {
		c.NAVWindow = 30
	}
	if c.NAVHardStopPct == 0 {
		c.NAVHardStopPct = 0.05
	}
	if c.MaxDrawdownPct == 0 {
		c.MaxDrawdownPct = 0.10
	}
	if c.DrawdownWarningPct == 0 {
		c.DrawdownWarningPct = 0.02
	}
	if c.StopLossPct == 0 {
		c.StopLossPct = 0.08
	}
	if c.StressLossThresholdPct == 0 {
		c.StressLossThresholdPct = 0.06
	}
	if c.StressInterval == 0 {
		c.StressInterval = 12
	}
	return c
}

// zscore maps the configured confidence level to a one-sided normal
// quantile; unknown levels fall back to 95%.
func (c Config) zscore() float64 {
	switch math.Round(c.VaRConfidence*1000) / 1000 {
	case 0.90:
		return 1.28
	case 0.95:
		return 1.65
	case 0.975:
		return 1.96
	case 0.99:
		return 2.33
	default:
		return 1.65
	}
}

// Engine is the risk pipeline stage.
type Engine struct {
	ctx  stage.Context
	log  *logrus.Entry
	cfg  Config
	bus  *bus.Bus
	subs []*bus.Subscription

	harness *Harness

	mu               sync.Mutex
	history          map[string][]float64
	latestPrices     map[string]float64
	navHistory       []float64
	activeStopLosses map[string]struct{}
	ticksSinceStress int
	halted           bool
}

// New builds a risk engine over the shared run context.
func New(cfg Config, ctx stage.Context) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		ctx:              stage.NewContext(ctx),
		cfg:              cfg,
		harness:          NewHarness(cfg.Scenarios...),
		history:          make(map[string][]float64),
		latestPrices:     make(map[string]float64),
		activeStopLosses: make(map[string]struct{}),
	}
	e.log = e.ctx.Logger(e.Name())
	return e
}

func (e *Engine) Name() string { return "risk" }

func (e *Engine) Start(b *bus.Bus) {
	e.bus = b
	e.subs = []*bus.Subscription{
		b.Subscribe(e.onSnapshot, []string{events.TopicMarketSnapshot}, 5),
		b.Subscribe(e.onProposal, []string{events.TopicQuantProposal}, 0),
		b.Subscribe(e.onKillSwitch, events.KillSwitchTopics(), 0),
	}
}

// Tick reports liveness and drives the stress-test cadence.
func (e *Engine) Tick() {
	e.mu.Lock()
	tracked := len(e.history)
	e.mu.Unlock()
	e.ctx.Metric(e.Name(), "risk_symbols_tracked", float64(tracked), nil)
	e.maybeRunStressTest()
}

func (e *Engine) Stop() {
	for _, sub := range e.subs {
		e.bus.Unsubscribe(sub.ID)
	}
	e.subs = nil
}

func (e *Engine) onKillSwitch(env bus.Envelope) {
	e.mu.Lock()
	e.halted = true
	e.mu.Unlock()
}

func (e *Engine) onSnapshot(env bus.Envelope) {
	snap, ok := events.MarketSnapshotFrom(env)
	if !ok {
		return
	}

	e.mu.Lock()
	history := append(e.history[snap.Symbol], snap.LatestClose)
	if len(history) > e.cfg.HistoryWindow {
		history = history[len(history)-e.cfg.HistoryWindow:]
	}
	e.history[snap.Symbol] = history
	e.latestPrices[snap.Symbol] = snap.LatestClose
	e.mu.Unlock()

	book := e.ctx.Ledger.Snapshot()
	e.checkStopLoss(snap.Symbol, snap.LatestClose, book)
	e.updateNAVHistory(book)

	if len(history) < 2 {
		return
	}
	prev := history[len(history)-2]
	if prev == 0 {
		return
	}
	changePct := (history[len(history)-1] - prev) / prev * 100
	if len(history) >= e.cfg.VolatilityWindow && math.Abs(changePct) >= e.cfg.VolatilityThresholdPct {
		e.log.WithFields(logrus.Fields{
			"symbol":     snap.Symbol,
			"change_pct": changePct,
		}).Warn("volatility alert")
		payload := map[string]any{"symbol": snap.Symbol, "change_pct": round2(changePct)}
		e.auditRecord("risk_alert", payload)
		e.ctx.Alerts.Notify("risk_alert", payload, alert.Warning)
	}
}

func (e *Engine) onProposal(env bus.Envelope) {
	proposal, ok := events.ProposalFrom(env)
	if !ok {
		return
	}

	e.mu.Lock()
	halted := e.halted
	e.mu.Unlock()
	if halted {
		e.reject(proposal, "kill_switch_engaged", nil)
		return
	}

	book := e.ctx.Ledger.Snapshot()
	exposures := e.exposureTable(book)
	projected := make(map[string]float64, len(exposures)+1)
	for symbol, value := range exposures {
		projected[symbol] = value
	}
	projected[proposal.Symbol] += proposal.Quantity * proposal.Price

	nav := book.Cash + sumValues(exposures)
	gross := sumAbs(projected)
	leverage := gross / math.Max(nav, 1)

	notional := math.Abs(proposal.Quantity * proposal.Price)
	limit := math.Max(1, book.Cash*e.cfg.MaxPositionPct)
	if notional > limit {
		e.reject(proposal, "notional_limit", map[string]float64{
			"notional": round2(notional),
			"limit":    round2(limit),
		})
		return
	}
	if leverage > e.cfg.MaxLeverage {
		e.reject(proposal, "gross_leverage_limit", map[string]float64{
			"projected_leverage": round3(leverage),
		})
		return
	}
	varAmount, varPct := e.portfolioVaR(nav, projected)
	if varPct > e.cfg.MaxVaRPct {
		e.reject(proposal, "var_limit", map[string]float64{
			"var_pct":    round4(varPct),
			"var_amount": round2(varAmount),
		})
		return
	}

	metrics := events.RiskMetrics{
		NAV:           nav,
		GrossExposure: gross,
		Leverage:      leverage,
		VaRPct:        varPct,
		VaRAmount:     varAmount,
		Exposures:     make(map[string]events.Exposure, len(projected)),
	}
	for symbol, value := range projected {
		pct := 0.0
		if nav != 0 {
			pct = value / nav
		}
		metrics.Exposures[symbol] = events.Exposure{Value: value, PctNAV: pct}
	}

	e.bus.Publish(events.TopicRiskApproval, events.RiskApproval{
		Proposal: proposal,
		Limit:    limit,
		Metrics:  metrics,
	}, nil)
	e.ctx.Metric(e.Name(), "risk_approved", 1, map[string]string{"symbol": proposal.Symbol})
}

func (e *Engine) reject(proposal events.Proposal, reason string, details map[string]float64) {
	e.log.WithFields(logrus.Fields{
		"proposal_id": proposal.ProposalID,
		"symbol":      proposal.Symbol,
		"reason":      reason,
	}).Warn("proposal rejected")
	e.bus.Publish(events.TopicRiskReject, events.RiskReject{
		ProposalID: proposal.ProposalID,
		Symbol:     proposal.Symbol,
		Reason:     reason,
		Details:    details,
	}, nil)
	payload := map[string]any{
		"proposal_id": proposal.ProposalID,
		"symbol":      proposal.Symbol,
		"reason":      reason,
	}
	for k, v := range details {
		payload[k] = v
	}
	e.auditRecord("risk_reject", payload)
	e.ctx.Alerts.Notify("risk_reject", payload, alert.Error)
	e.ctx.Metric(e.Name(), "risk_rejected", 1, map[string]string{
		"symbol": proposal.Symbol,
		"reason": reason,
	})
}

func (e *Engine) maybeRunStressTest() {
	e.mu.Lock()
	e.ticksSinceStress++
	if e.ticksSinceStress < e.cfg.StressInterval {
		e.mu.Unlock()
		return
	}
	e.ticksSinceStress = 0
	e.mu.Unlock()

	book := e.ctx.Ledger.Snapshot()
	exposures := e.exposureTable(book)
	nav := book.Cash + sumValues(exposures)
	results := e.harness.Run(exposures, nav)

	summary := make([]map[string]any, 0, len(results))
	for _, result := range results {
		summary = append(summary, map[string]any{
			"scenario":  result.Scenario.Name,
			"shock_pct": result.Scenario.ShockPct,
			"pnl":       round2(result.PNL),
			"pnl_pct":   round4(result.PNLPct),
		})
	}
	e.auditRecord("risk_stress_run", map[string]any{
		"nav":           nav,
		"threshold_pct": e.cfg.StressLossThresholdPct,
		"results":       summary,
	})

	var worst *StressResult
	for i := range results {
		if !results[i].Breached(e.cfg.StressLossThresholdPct) {
			continue
		}
		if worst == nil || results[i].PNLPct < worst.PNLPct {
			worst = &results[i]
		}
	}
	if worst == nil {
		return
	}
	e.ctx.Alerts.Notify("risk_stress_breach", map[string]any{
		"worst_scenario": worst.Scenario.Name,
		"pnl_pct":        worst.PNLPct,
		"nav":            nav,
	}, alert.Critical)
	e.emitKillSwitch("stress_breach:"+worst.Scenario.Name, map[string]float64{
		"pnl_pct": worst.PNLPct,
		"nav":     nav,
	})
}

func (e *Engine) updateNAVHistory(book portfolio.Snapshot) {
	nav := book.Cash + sumValues(e.exposureTable(book))

	e.mu.Lock()
	e.navHistory = append(e.navHistory, nav)
	if len(e.navHistory) > e.cfg.NAVWindow {
		e.navHistory = e.navHistory[len(e.navHistory)-e.cfg.NAVWindow:]
	}
	history := e.navHistory
	if len(history) < 2 {
		e.mu.Unlock()
		return
	}
	prev := history[len(history)-2]
	peak := history[0]
	for _, v := range history {
		if v > peak {
			peak = v
		}
	}
	e.mu.Unlock()

	if prev != 0 {
		changePct := (nav - prev) / prev
		if math.Abs(changePct) >= e.cfg.NAVHardStopPct {
			e.emitKillSwitch("daily_loss_hard_stop", map[string]float64{
				"daily_change_pct": changePct,
				"nav":              nav,
			})
			return
		}
	}
	if peak == 0 {
		return
	}
	drawdownPct := (nav - peak) / peak
	e.ctx.Metric(e.Name(), "risk_drawdown_pct", drawdownPct, nil)
	switch {
	case math.Abs(drawdownPct) >= e.cfg.MaxDrawdownPct:
		e.ctx.Alerts.Notify("risk_drawdown_warning", map[string]any{
			"drawdown_pct": drawdownPct,
			"nav":          nav,
		}, alert.Warning)
	case math.Abs(drawdownPct) >= e.cfg.DrawdownWarningPct:
		e.ctx.Alerts.Notify("risk_drawdown_soft", map[string]any{
			"drawdown_pct": drawdownPct,
			"nav":          nav,
		}, alert.Info)
	}
}

// checkStopLoss latches one stop-loss event per breach episode. The latch
// clears when the breach clears or the position is closed.
func (e *Engine) checkStopLoss(symbol string, price float64, book portfolio.Snapshot) {
	position, ok := book.Positions[symbol]
	if !ok || position.Quantity == 0 {
		e.mu.Lock()
		delete(e.activeStopLosses, symbol)
		e.mu.Unlock()
		return
	}
	if position.AverageCost <= 0 {
		return
	}
	direction := 1.0
	if position.Quantity < 0 {
		direction = -1
	}
	movePct := (price - position.AverageCost) / position.AverageCost * 100 * direction
	if movePct > -(e.cfg.StopLossPct * 100) {
		e.mu.Lock()
		delete(e.activeStopLosses, symbol)
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	if _, latched := e.activeStopLosses[symbol]; latched {
		e.mu.Unlock()
		return
	}
	e.activeStopLosses[symbol] = struct{}{}
	e.mu.Unlock()

	e.bus.Publish(events.TopicStopLoss, events.StopLoss{
		Symbol:      symbol,
		Price:       price,
		AverageCost: position.AverageCost,
		Quantity:    position.Quantity,
		LossPct:     movePct,
	}, nil)
	payload := map[string]any{
		"symbol":       symbol,
		"price":        price,
		"average_cost": position.AverageCost,
		"quantity":     position.Quantity,
		"loss_pct":     movePct,
	}
	e.ctx.Alerts.Notify("risk_stop_loss", payload, alert.Error)
	e.auditRecord("risk_stop_loss", payload)
}

func (e *Engine) emitKillSwitch(reason string, details map[string]float64) {
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return
	}
	e.halted = true
	e.mu.Unlock()

	e.log.WithField("reason", reason).Error("kill switch engaged")
	e.bus.Publish(events.TopicRiskKillSwitch, events.KillSwitch{
		Reason:  reason,
		Details: details,
	}, nil)
	payload := map[string]any{"reason": reason}
	for k, v := range details {
		payload[k] = v
	}
	e.ctx.Alerts.Notify("risk_kill_switch", payload, alert.Critical)
	e.auditRecord("risk_kill_switch", payload)
}

// exposureTable prices every position at the latest seen close, falling
// back to average cost before the first snapshot.
func (e *Engine) exposureTable(book portfolio.Snapshot) map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	exposures := make(map[string]float64, len(book.Positions))
	for symbol, position := range book.Positions {
		price, ok := e.latestPrices[symbol]
		if !ok {
			price = position.AverageCost
		}
		exposures[symbol] = position.Quantity * price
	}
	return exposures
}

func (e *Engine) portfolioVaR(nav float64, exposures map[string]float64) (amount, pct float64) {
	safeNAV := math.Max(nav, 1)
	variance := 0.0

	e.mu.Lock()
	for symbol, value := range exposures {
		history := e.history[symbol]
		if len(history) < 2 {
			continue
		}
		tail := history
		if len(tail) > e.cfg.VaRLookback+1 {
			tail = tail[len(tail)-e.cfg.VaRLookback-1:]
		}
		returns := indicators.Returns(tail)
		if len(returns) < 2 {
			continue
		}
		weight := value / safeNAV
		variance += weight * weight * indicators.PVariance(returns)
	}
	e.mu.Unlock()

	if variance <= 0 {
		return 0, 0
	}
	amount = e.cfg.zscore() * math.Sqrt(variance) * safeNAV
	return amount, amount / safeNAV
}

func (e *Engine) auditRecord(action string, payload map[string]any) {
	if err := e.ctx.Audit.Record(action, payload); err != nil {
		e.log.WithError(err).Warn("audit write failed")
	}
}

func sumValues(m map[string]float64) float64 {
	var total float64
	for _, v := range m {
		total += v
	}
	return total
}

func sumAbs(m map[string]float64) float64 {
	var total float64
	for _, v := range m {
		total += math.Abs(v)
	}
	return total
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
