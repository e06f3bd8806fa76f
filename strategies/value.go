package strategies

import (
	"fmt"

	"github.com/openhedge/desk/events"
)

// ValueConfig tunes the value strategy. Zero values take defaults.
type ValueConfig struct {
	MaxPE          float64 // buy at or below this P/E
	MinMarginPct   float64 // minimum profit margin, in percent
	TargetAllocPct float64
}

// Value buys profitable names trading at a reasonable multiple and sells
// names whose multiple has stretched well past it.
type Value struct {
	cfg ValueConfig
}

func NewValue(cfg ValueConfig) *Value {
	if cfg.MaxPE == 0 {
		cfg.MaxPE = 18
	}
	if cfg.MinMarginPct == 0 {
		cfg.MinMarginPct = 5
	}
	if cfg.TargetAllocPct == 0 {
		cfg.TargetAllocPct = 0.03
	}
	return &Value{cfg: cfg}
}

func (v *Value) Name() string { return "value" }

func (v *Value) Generate(p Payload) (Decision, bool) {
	f := p.Directive.Fundamentals
	if f.PERatio <= 0 {
		return Decision{}, false
	}

	var action string
	var confidence float64
	switch {
	case f.PERatio <= v.cfg.MaxPE && f.ProfitMargin*100 >= v.cfg.MinMarginPct:
		action = events.ActionBuy
		confidence = 0.6
	case f.PERatio > v.cfg.MaxPE*1.5:
		action = events.ActionSell
		confidence = 0.5
	default:
		return Decision{}, false
	}

	qty := allocationQty(p.Portfolio.Cash, v.cfg.TargetAllocPct, p.Price)
	if qty <= 0 {
		return Decision{}, false
	}
	if action == events.ActionSell {
		qty = -qty
	}

	return Decision{
		Strategy:   v.Name(),
		Symbol:     p.Symbol,
		Action:     action,
		Quantity:   qty,
		Confidence: confidence,
		Rationale:  fmt.Sprintf("pe=%.2f,margin=%.2f", f.PERatio, f.ProfitMargin*100),
		Metadata: map[string]float64{
			"pe_ratio":      f.PERatio,
			"profit_margin": f.ProfitMargin,
		},
	}, true
}
