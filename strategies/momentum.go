package strategies

import (
	"fmt"

	"github.com/openhedge/desk/events"
	"github.com/openhedge/desk/indicators"
)

// MomentumConfig tunes the momentum strategy. Zero values take defaults.
type MomentumConfig struct {
	ThresholdPct   float64 // minimum abs price change vs previous close
	TargetAllocPct float64 // cash fraction per trade
	TrendPeriod    int     // EMA period for trend confirmation
}

// Momentum leans into recent price moves: buy strength, sell weakness.
// Once its per-symbol EMA has warmed up the signal must agree with the
// trend or it is suppressed.
type Momentum struct {
	cfg   MomentumConfig
	trend map[string]*indicators.EMA
}

func NewMomentum(cfg MomentumConfig) *Momentum {
	if cfg.ThresholdPct == 0 {
		cfg.ThresholdPct = 0.25
	}
	if cfg.TargetAllocPct == 0 {
		cfg.TargetAllocPct = 0.04
	}
	if cfg.TrendPeriod == 0 {
		cfg.TrendPeriod = 10
	}
	return &Momentum{cfg: cfg, trend: make(map[string]*indicators.EMA)}
}

func (m *Momentum) Name() string { return "momentum" }

func (m *Momentum) Generate(p Payload) (Decision, bool) {
	prevClose := p.Directive.Quote.PrevClose
	if prevClose <= 0 {
		return Decision{}, false
	}

	ema, ok := m.trend[p.Symbol]
	if !ok {
		ema = indicators.NewEMA(m.cfg.TrendPeriod)
		m.trend[p.Symbol] = ema
	}
	ema.Update(p.Price)

	changePct := (p.Price - prevClose) / prevClose * 100
	var action string
	switch {
	case changePct >= m.cfg.ThresholdPct:
		action = events.ActionBuy
	case changePct <= -m.cfg.ThresholdPct:
		action = events.ActionSell
	default:
		return Decision{}, false
	}

	if ema.Ready() {
		above := p.Price >= ema.Value()
		if (action == events.ActionBuy && !above) || (action == events.ActionSell && above) {
			return Decision{}, false
		}
	}

	qty := allocationQty(p.Portfolio.Cash, m.cfg.TargetAllocPct, p.Price)
	if qty <= 0 {
		return Decision{}, false
	}
	if action == events.ActionSell {
		qty = -qty
	}

	confidence := abs(changePct) / 10
	if confidence > 1 {
		confidence = 1
	}
	return Decision{
		Strategy:   m.Name(),
		Symbol:     p.Symbol,
		Action:     action,
		Quantity:   qty,
		Confidence: confidence,
		Rationale:  fmt.Sprintf("momentum_change_pct=%.2f", changePct),
		Metadata: map[string]float64{
			"change_pct":     changePct,
			"previous_close": prevClose,
		},
	}, true
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
