package risk

// Scenario is a flat percentage shock applied to every exposure.
type Scenario struct {
	Name        string
	ShockPct    float64
	Description string
}

// StressResult is the portfolio impact of one scenario.
type StressResult struct {
	Scenario Scenario
	PNL      float64
	PNLPct   float64
}

// Breached reports whether the scenario loss exceeds thresholdPct of NAV.
func (r StressResult) Breached(thresholdPct float64) bool {
	if thresholdPct < 0 {
		thresholdPct = -thresholdPct
	}
	return r.PNLPct <= -thresholdPct
}

// Harness applies deterministic shock scenarios to an exposure table.
type Harness struct {
	scenarios []Scenario
}

// NewHarness builds a harness; with no scenarios it uses the default set.
func NewHarness(scenarios ...Scenario) *Harness {
	if len(scenarios) == 0 {
		scenarios = DefaultScenarios()
	}
	return &Harness{scenarios: scenarios}
}

// DefaultScenarios is the standing shock book used by the risk engine.
func DefaultScenarios() []Scenario {
	return []Scenario{
		{Name: "broad_market_drop_5", ShockPct: -0.05, Description: "equities gap down 5% intraday"},
		{Name: "single_name_gap_10", ShockPct: -0.10, Description: "concentrated position gaps 10% against book"},
		{Name: "liquidity_crunch", ShockPct: -0.07, Description: "cross-asset deleveraging and liquidity crunch"},
	}
}

// Run computes the pnl impact of every scenario against the exposure table.
func (h *Harness) Run(exposures map[string]float64, nav float64) []StressResult {
	safeNAV := nav
	if safeNAV < 1 {
		safeNAV = 1
	}
	results := make([]StressResult, 0, len(h.scenarios))
	for _, scenario := range h.scenarios {
		var pnl float64
		for _, value := range exposures {
			pnl += value * scenario.ShockPct
		}
		results = append(results, StressResult{
			Scenario: scenario,
			PNL:      pnl,
			PNLPct:   pnl / safeNAV,
		})
	}
	return results
}
