package risk

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhedge/desk/alert"
	"github.com/openhedge/desk/bus"
	"github.com/openhedge/desk/events"
	"github.com/openhedge/desk/metrics"
	"github.com/openhedge/desk/portfolio"
	"github.com/openhedge/desk/stage"
)

type capture struct {
	approvals []events.RiskApproval
	rejects   []events.RiskReject
	kills     []events.KillSwitch
	stops     []events.StopLoss
}

func newTestEngine(t *testing.T, cfg Config, initialCash float64) (*Engine, *bus.Bus, *capture, stage.Context) {
	t.Helper()
	ledger, err := portfolio.NewLedger(filepath.Join(t.TempDir(), "portfolio.json"), initialCash)
	require.NoError(t, err)

	ctx := stage.NewContext(stage.Context{
		Ledger:  ledger,
		Alerts:  alert.NewMemoryNotifier(),
		Metrics: metrics.NewMemorySink(),
	})
	e := New(cfg, ctx)
	b := bus.New(128)
	e.Start(b)

	got := &capture{}
	b.Subscribe(func(env bus.Envelope) {
		switch env.Message.Topic {
		case events.TopicRiskApproval:
			if a, ok := events.RiskApprovalFrom(env); ok {
				got.approvals = append(got.approvals, a)
			}
		case events.TopicRiskReject:
			if r, ok := env.Message.Payload.(events.RiskReject); ok {
				got.rejects = append(got.rejects, r)
			}
		case events.TopicRiskKillSwitch:
			got.kills = append(got.kills, events.KillSwitchFrom(env))
		case events.TopicStopLoss:
			if s, ok := env.Message.Payload.(events.StopLoss); ok {
				got.stops = append(got.stops, s)
			}
		}
	}, []string{
		events.TopicRiskApproval,
		events.TopicRiskReject,
		events.TopicRiskKillSwitch,
		events.TopicStopLoss,
	}, 0)
	return e, b, got, ctx
}

func proposal(id, symbol string, qty, price float64) events.Proposal {
	action := events.ActionBuy
	if qty < 0 {
		action = events.ActionSell
	}
	return events.Proposal{
		ProposalID: id,
		Symbol:     symbol,
		Price:      price,
		Quantity:   qty,
		Action:     action,
		Confidence: 0.8,
	}
}

func snapshot(symbol string, price float64) events.MarketSnapshot {
	return events.MarketSnapshot{Symbol: symbol, LatestClose: price}
}

func TestNotionalLimitRejects(t *testing.T) {
	t.Parallel()

	_, b, got, _ := newTestEngine(t, Config{}, 100_000)

	// limit = 100000 * 0.1 = 10000; notional = 15000
	b.Publish(events.TopicQuantProposal, proposal("p-1", "AAPL", 100, 150), nil)

	assert.Empty(t, got.approvals)
	require.Len(t, got.rejects, 1)
	assert.Equal(t, "notional_limit", got.rejects[0].Reason)
	assert.Equal(t, "p-1", got.rejects[0].ProposalID)
}

func TestWithinLimitsApprovesWithMetrics(t *testing.T) {
	t.Parallel()

	_, b, got, _ := newTestEngine(t, Config{}, 100_000)

	b.Publish(events.TopicQuantProposal, proposal("p-1", "AAPL", 10, 150), nil)

	require.Len(t, got.approvals, 1)
	assert.Empty(t, got.rejects)
	a := got.approvals[0]
	assert.Equal(t, "p-1", a.Proposal.ProposalID)
	assert.Equal(t, 10_000.0, a.Limit)
	assert.Equal(t, 100_000.0, a.Metrics.NAV)
	assert.InDelta(t, 1500.0/100_000.0, a.Metrics.Leverage, 1e-9)
	assert.Equal(t, 0.0, a.Metrics.VaRPct, "no price history yet")
	exposure, ok := a.Metrics.Exposures["AAPL"]
	require.True(t, ok)
	assert.Equal(t, 1500.0, exposure.Value)
}

func TestGrossLeverageLimitRejects(t *testing.T) {
	t.Parallel()

	// generous notional limit so the leverage gate is the one that fires
	_, b, got, _ := newTestEngine(t, Config{MaxPositionPct: 5}, 1_000)

	// projected gross 2000 over NAV 1000 = 2x > 1.2x
	b.Publish(events.TopicQuantProposal, proposal("p-1", "AAPL", 20, 100), nil)

	assert.Empty(t, got.approvals)
	require.Len(t, got.rejects, 1)
	assert.Equal(t, "gross_leverage_limit", got.rejects[0].Reason)
}

func TestVaRLimitRejectsVolatileBook(t *testing.T) {
	t.Parallel()

	_, b, got, ctx := newTestEngine(t, Config{MaxVaRPct: 0.01}, 100_000)
	_, err := ctx.Ledger.ApplyFill("VOL", 100, 100)
	require.NoError(t, err)

	// alternating closes give the symbol a fat return variance
	for i := 0; i < 12; i++ {
		price := 100.0
		if i%2 == 1 {
			price = 110
		}
		b.Publish(events.TopicMarketSnapshot, snapshot("VOL", price), nil)
	}

	b.Publish(events.TopicQuantProposal, proposal("p-1", "VOL", 1, 110), nil)

	assert.Empty(t, got.approvals)
	require.Len(t, got.rejects, 1)
	assert.Equal(t, "var_limit", got.rejects[0].Reason)
	assert.Greater(t, got.rejects[0].Details["var_pct"], 0.01)
}

func TestStopLossLatchesPerEpisode(t *testing.T) {
	t.Parallel()

	_, b, got, ctx := newTestEngine(t, Config{}, 100_000)
	_, err := ctx.Ledger.ApplyFill("AAPL", 10, 100)
	require.NoError(t, err)

	b.Publish(events.TopicMarketSnapshot, snapshot("AAPL", 91), nil)
	require.Len(t, got.stops, 1, "9%% adverse move breaches the 8%% stop")
	assert.InDelta(t, -9.0, got.stops[0].LossPct, 1e-9)

	b.Publish(events.TopicMarketSnapshot, snapshot("AAPL", 91), nil)
	assert.Len(t, got.stops, 1, "latched: no repeat while breached")

	b.Publish(events.TopicMarketSnapshot, snapshot("AAPL", 95), nil)
	assert.Len(t, got.stops, 1, "recovery clears the latch silently")

	b.Publish(events.TopicMarketSnapshot, snapshot("AAPL", 90), nil)
	assert.Len(t, got.stops, 2, "new episode fires again")
}

func TestStopLossLatchClearsOnClose(t *testing.T) {
	t.Parallel()

	_, b, got, ctx := newTestEngine(t, Config{}, 100_000)
	_, err := ctx.Ledger.ApplyFill("AAPL", 10, 100)
	require.NoError(t, err)

	b.Publish(events.TopicMarketSnapshot, snapshot("AAPL", 91), nil)
	require.Len(t, got.stops, 1)

	_, err = ctx.Ledger.ApplyFill("AAPL", -10, 91)
	require.NoError(t, err)
	b.Publish(events.TopicMarketSnapshot, snapshot("AAPL", 91), nil)
	assert.Len(t, got.stops, 1, "no position, no stop")

	_, err = ctx.Ledger.ApplyFill("AAPL", 10, 91)
	require.NoError(t, err)
	b.Publish(events.TopicMarketSnapshot, snapshot("AAPL", 83), nil)
	assert.Len(t, got.stops, 2, "reopened position breaches from its new cost basis")
}

func TestShortPositionStopLoss(t *testing.T) {
	t.Parallel()

	_, b, got, ctx := newTestEngine(t, Config{}, 100_000)
	_, err := ctx.Ledger.ApplyFill("AAPL", -10, 100)
	require.NoError(t, err)

	b.Publish(events.TopicMarketSnapshot, snapshot("AAPL", 109), nil)
	require.Len(t, got.stops, 1, "price rallying against a short is a loss")
	assert.InDelta(t, -9.0, got.stops[0].LossPct, 1e-9)
}

func TestNAVHardStopEngagesKillSwitch(t *testing.T) {
	t.Parallel()

	_, b, got, ctx := newTestEngine(t, Config{}, 10_000)
	_, err := ctx.Ledger.ApplyFill("AAPL", 90, 100)
	require.NoError(t, err)

	b.Publish(events.TopicMarketSnapshot, snapshot("AAPL", 100), nil)
	assert.Empty(t, got.kills)

	// NAV 10000 -> 9460 is a 5.4% single-tick drop
	b.Publish(events.TopicMarketSnapshot, snapshot("AAPL", 94), nil)

	require.Len(t, got.kills, 1)
	assert.Equal(t, "daily_loss_hard_stop", got.kills[0].Reason)
}

func TestDrawdownLadderAlerts(t *testing.T) {
	t.Parallel()

	_, b, got, ctx := newTestEngine(t, Config{}, 10_000)
	notifier := ctx.Alerts.(*alert.MemoryNotifier)
	_, err := ctx.Ledger.ApplyFill("AAPL", 90, 100)
	require.NoError(t, err)

	// NAV 10000 -> 8920 in sub-5% steps: crosses the 2% soft threshold at
	// 9640 and the 10% warning threshold at 8920 without tripping the
	// hard stop.
	for _, price := range []float64{100, 98, 96, 92, 89} {
		b.Publish(events.TopicMarketSnapshot, snapshot("AAPL", price), nil)
	}
	soft := notifier.ByAction("risk_drawdown_soft")
	require.Len(t, soft, 3)
	assert.Equal(t, alert.Info, soft[0].Severity)
	assert.InDelta(t, -0.036, soft[0].Payload["drawdown_pct"].(float64), 1e-9)
	assert.Empty(t, notifier.ByAction("risk_drawdown_warning"))

	b.Publish(events.TopicMarketSnapshot, snapshot("AAPL", 88), nil)

	warnings := notifier.ByAction("risk_drawdown_warning")
	require.Len(t, warnings, 1)
	assert.Equal(t, alert.Warning, warnings[0].Severity)
	assert.InDelta(t, -0.108, warnings[0].Payload["drawdown_pct"].(float64), 1e-9)
	assert.Empty(t, got.kills, "ladder alerts never engage the kill switch")
}

func TestKillSwitchBlocksSubsequentApprovals(t *testing.T) {
	t.Parallel()

	_, b, got, _ := newTestEngine(t, Config{}, 100_000)

	b.Publish(events.TopicQuantProposal, proposal("p-1", "AAPL", 10, 150), nil)
	require.Len(t, got.approvals, 1)

	b.Publish(events.TopicDeskKillSwitch, events.KillSwitch{Reason: "operator"}, nil)
	b.Publish(events.TopicQuantProposal, proposal("p-2", "AAPL", 10, 150), nil)

	assert.Len(t, got.approvals, 1)
	require.Len(t, got.rejects, 1)
	assert.Equal(t, "kill_switch_engaged", got.rejects[0].Reason)
}

func TestStressBreachEngagesKillSwitch(t *testing.T) {
	t.Parallel()

	e, _, got, ctx := newTestEngine(t, Config{StressInterval: 1}, 10_000)
	_, err := ctx.Ledger.ApplyFill("AAPL", 90, 100)
	require.NoError(t, err)

	// 10% gap on a 9000 exposure loses 9% of NAV, past the 6% threshold
	e.Tick()

	require.Len(t, got.kills, 1)
	assert.True(t, strings.HasPrefix(got.kills[0].Reason, "stress_breach:"))
	assert.Equal(t, "stress_breach:single_name_gap_10", got.kills[0].Reason)
}

func TestStressUnderThresholdIsQuiet(t *testing.T) {
	t.Parallel()

	e, _, got, ctx := newTestEngine(t, Config{StressInterval: 1}, 100_000)
	_, err := ctx.Ledger.ApplyFill("AAPL", 10, 100)
	require.NoError(t, err)

	e.Tick()

	assert.Empty(t, got.kills)
}

func TestStressIntervalCadence(t *testing.T) {
	t.Parallel()

	e, _, got, ctx := newTestEngine(t, Config{StressInterval: 3}, 10_000)
	_, err := ctx.Ledger.ApplyFill("AAPL", 90, 100)
	require.NoError(t, err)

	e.Tick()
	e.Tick()
	assert.Empty(t, got.kills, "stress runs only every third tick")
	e.Tick()
	assert.Len(t, got.kills, 1)
}

func TestVolatilityAlert(t *testing.T) {
	t.Parallel()

	_, b, _, ctx := newTestEngine(t, Config{}, 100_000)
	notifier := ctx.Alerts.(*alert.MemoryNotifier)

	for _, price := range []float64{100, 100, 100, 100, 106} {
		b.Publish(events.TopicMarketSnapshot, snapshot("AAPL", price), nil)
	}

	alerts := notifier.ByAction("risk_alert")
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.Warning, alerts[0].Severity)
	assert.Equal(t, 6.0, alerts[0].Payload["change_pct"])
}

func TestZScoreTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		confidence float64
		want       float64
	}{
		{0.90, 1.28},
		{0.95, 1.65},
		{0.975, 1.96},
		{0.99, 2.33},
		{0.80, 1.65}, // unknown level falls back
	}
	for _, tc := range cases {
		cfg := Config{VaRConfidence: tc.confidence}.withDefaults()
		assert.Equal(t, tc.want, cfg.zscore(), "confidence %v", tc.confidence)
	}
}

func TestStressResultBreached(t *testing.T) {
	t.Parallel()

	r := StressResult{PNLPct: -0.07}
	assert.True(t, r.Breached(0.06))
	assert.True(t, r.Breached(-0.06))
	assert.False(t, r.Breached(0.08))
}
