// Package strategies holds the strategy evaluators the council runs against
// every directive. Each strategy is independent: it sees the directive, the
// portfolio snapshot, and the performance snapshot, never another strategy's
// output.
package strategies

import (
	"fmt"
	"strings"

	"github.com/openhedge/desk/events"
	"github.com/openhedge/desk/portfolio"
	"github.com/openhedge/desk/tracker"
)

// Payload bundles the inputs passed to each strategy evaluation.
type Payload struct {
	Symbol      string
	Price       float64
	Directive   events.Directive
	Portfolio   portfolio.Snapshot
	Performance map[string]tracker.Stats
}

// Decision is a single strategy's standardized output. Quantity is signed:
// sells are negative.
type Decision struct {
	Strategy   string
	Symbol     string
	Action     string
	Quantity   float64
	Confidence float64
	Rationale  string
	Metadata   map[string]float64
}

// Strategy is the closed capability interface consumed by the council.
// Generate returns ok == false when the strategy has no opinion.
type Strategy interface {
	Name() string
	Generate(p Payload) (Decision, bool)
}

var registry = make(map[string]func() Strategy)

// Register makes a strategy constructor available to ByName. Called from
// package init functions.
func Register(name string, build func() Strategy) {
	registry[name] = build
}

// ByName constructs a registered strategy with its default configuration.
func ByName(name string) (Strategy, error) {
	build, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (registered: %s)", name, strings.Join(Names(), ", "))
	}
	return build(), nil
}

// Names returns the registered strategy names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// Defaults returns the standard council bench: momentum, value, macro.
func Defaults() []Strategy {
	return []Strategy{NewMomentum(MomentumConfig{}), NewValue(ValueConfig{}), NewMacro(MacroConfig{})}
}

// allocationQty sizes a position from a cash percentage at the given price,
// truncated to whole shares. Returns 0 when the allocation cannot buy one
// share.
func allocationQty(cash, allocPct, price float64) float64 {
	if price <= 0 {
		return 0
	}
	allocation := cash * allocPct
	if allocation < 1 {
		allocation = 1
	}
	qty := float64(int64(allocation / price))
	if qty <= 0 {
		return 0
	}
	return qty
}
