package strategies

import (
	"fmt"

	"github.com/openhedge/desk/events"
)

// MacroConfig tunes the macro strategy. Zero values take defaults.
type MacroConfig struct {
	SentimentThreshold float64
	TargetAllocPct     float64
}

// Macro leans risk on or off from the mean sentiment of the directive's
// news items.
type Macro struct {
	cfg MacroConfig
}

func NewMacro(cfg MacroConfig) *Macro {
	if cfg.SentimentThreshold == 0 {
		cfg.SentimentThreshold = 0.15
	}
	if cfg.TargetAllocPct == 0 {
		cfg.TargetAllocPct = 0.02
	}
	return &Macro{cfg: cfg}
}

func (m *Macro) Name() string { return "macro" }

func (m *Macro) Generate(p Payload) (Decision, bool) {
	if len(p.Directive.News) == 0 {
		return Decision{}, false
	}
	var sum float64
	for _, item := range p.Directive.News {
		sum += item.Sentiment
	}
	avg := sum / float64(len(p.Directive.News))

	qty := allocationQty(p.Portfolio.Cash, m.cfg.TargetAllocPct, p.Price)
	if qty <= 0 {
		return Decision{}, false
	}

	var action string
	var confidence float64
	switch {
	case avg >= m.cfg.SentimentThreshold:
		action = events.ActionBuy
		confidence = avg
	case avg <= -m.cfg.SentimentThreshold:
		action = events.ActionSell
		confidence = -avg
		qty = -qty
	default:
		return Decision{}, false
	}
	if confidence > 1 {
		confidence = 1
	}

	return Decision{
		Strategy:   m.Name(),
		Symbol:     p.Symbol,
		Action:     action,
		Quantity:   qty,
		Confidence: confidence,
		Rationale:  fmt.Sprintf("avg_sentiment=%.2f", avg),
		Metadata: map[string]float64{
			"avg_sentiment": avg,
			"samples":       float64(len(p.Directive.News)),
		},
	}, true
}
