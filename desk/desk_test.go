package desk

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhedge/desk/alert"
	"github.com/openhedge/desk/bus"
	"github.com/openhedge/desk/compliance"
	"github.com/openhedge/desk/council"
	"github.com/openhedge/desk/director"
	"github.com/openhedge/desk/events"
	"github.com/openhedge/desk/execution"
	"github.com/openhedge/desk/metrics"
	"github.com/openhedge/desk/portfolio"
	"github.com/openhedge/desk/risk"
	"github.com/openhedge/desk/stage"
	"github.com/openhedge/desk/strategies"
	"github.com/openhedge/desk/tracker"
)

type stubStage struct {
	name   string
	ticks  int
	onTick func()
}

func (s *stubStage) Name() string     { return s.name }
func (s *stubStage) Start(b *bus.Bus) {}
func (s *stubStage) Stop()            {}

func (s *stubStage) Tick() {
	s.ticks++
	if s.onTick != nil {
		s.onTick()
	}
}

func newTestContext(t *testing.T) stage.Context {
	t.Helper()
	dir := t.TempDir()
	ledger, err := portfolio.NewLedger(filepath.Join(dir, "portfolio.json"), 100_000)
	require.NoError(t, err)
	track, err := tracker.New(filepath.Join(dir, "performance.json"))
	require.NoError(t, err)
	return stage.NewContext(stage.Context{
		Ledger:  ledger,
		Tracker: track,
		Alerts:  alert.NewMemoryNotifier(),
		Metrics: metrics.NewMemorySink(),
		RunID:   "test-run",
	})
}

func TestFirstKillSwitchWins(t *testing.T) {
	t.Parallel()

	b := bus.New(64)
	d := New(Config{}, newTestContext(t), b)

	b.Publish(events.TopicRiskKillSwitch, events.KillSwitch{Reason: "var_breach"}, nil)
	b.Publish(events.TopicComplianceKillSwitch, events.KillSwitch{Reason: "insider"}, nil)

	status := d.KillSwitch()
	assert.True(t, status.Engaged)
	assert.Equal(t, "var_breach", status.Reason)
	assert.Equal(t, events.TopicRiskKillSwitch, status.Trigger)
	assert.Equal(t, StateKilled, d.State())
}

func TestKillSwitchDefaultsReason(t *testing.T) {
	t.Parallel()

	b := bus.New(64)
	d := New(Config{}, newTestContext(t), b)

	b.Publish(events.TopicDeskKillSwitch, map[string]any{"noise": true}, nil)

	assert.Equal(t, "unspecified", d.KillSwitch().Reason)
}

func TestKilledTickIsNoOp(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	b := bus.New(64)
	s := &stubStage{name: "stub"}
	d := New(Config{}, ctx, b, s)

	d.RunOnce()
	require.Equal(t, 1, s.ticks)

	b.Publish(events.TopicDeskKillSwitch, events.KillSwitch{Reason: "operator"}, nil)
	d.RunOnce()
	d.RunOnce()

	assert.Equal(t, 1, s.ticks, "killed ticks do not reach stages")
	assert.Equal(t, 1, d.TickCount())
	sink := ctx.Metrics.(*metrics.MemorySink)
	_, recorded := sink.Last("desk_killed_tick")
	assert.True(t, recorded)
}

func TestPanickingStageIsIsolated(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	b := bus.New(64)
	bad := &stubStage{name: "bad", onTick: func() { panic("boom") }}
	good := &stubStage{name: "good"}
	d := New(Config{}, ctx, b, bad, good)

	d.RunOnce()

	assert.Equal(t, 1, good.ticks, "stages after the panicking one still tick")
	assert.Equal(t, 1, d.TickCount())
	sink := ctx.Metrics.(*metrics.MemorySink)
	point, recorded := sink.Last("tick_error")
	require.True(t, recorded)
	assert.Equal(t, "bad", point.Tags["stage"])
}

func TestRunStopsAtMaxTicks(t *testing.T) {
	t.Parallel()

	b := bus.New(64)
	s := &stubStage{name: "stub"}
	d := New(Config{TickInterval: time.Millisecond, MaxTicks: 3}, newTestContext(t), b, s)

	err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, d.TickCount())
	assert.Equal(t, 3, s.ticks)
}

func TestRunEndsOnKillSwitch(t *testing.T) {
	t.Parallel()

	b := bus.New(64)
	s := &stubStage{name: "stub"}
	s.onTick = func() {
		if s.ticks == 2 {
			b.Publish(events.TopicRiskKillSwitch, events.KillSwitch{Reason: "drawdown"}, nil)
		}
	}
	d := New(Config{TickInterval: time.Millisecond}, newTestContext(t), b, s)

	err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateKilled, d.State())
	assert.Equal(t, 2, s.ticks)
}

func TestRunHonoursContextCancel(t *testing.T) {
	t.Parallel()

	b := bus.New(64)
	d := New(Config{TickInterval: time.Hour}, newTestContext(t), b, &stubStage{name: "stub"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
}

// newPipeline wires the full five-stage desk over a scripted market feed.
func newPipeline(t *testing.T, ingest director.Ingestion) (*Desk, *bus.Bus, stage.Context) {
	t.Helper()
	ctx := newTestContext(t)
	b := bus.New(256)
	d := New(Config{}, ctx, b,
		director.New(director.Config{Symbols: []string{"AAPL"}}, ctx, ingest),
		council.New(council.Config{}, ctx, []strategies.Strategy{
			strategies.NewMomentum(strategies.MomentumConfig{}),
		}),
		risk.New(risk.Config{}, ctx),
		compliance.New(compliance.Config{}, ctx),
		execution.New(ctx),
	)
	return d, b, ctx
}

type rallyFeed struct{}

func (rallyFeed) GetMarketSnapshot(symbol string) (director.Snapshot, error) {
	return director.Snapshot{
		Symbol:      symbol,
		LatestClose: 108,
		Quote:       events.Quote{Current: 108, PrevClose: 100},
	}, nil
}

func (rallyFeed) ProvidersHealth() map[string]bool {
	return map[string]bool{"scripted": true}
}

func TestPipelineEndToEnd(t *testing.T) {
	t.Parallel()

	d, b, ctx := newPipeline(t, rallyFeed{})

	d.RunOnce()

	// an 8% rally clears the momentum threshold; one high-confidence vote
	// clears the weight gate; 37 shares at 108 clear risk and compliance
	book := ctx.Ledger.Snapshot()
	require.Contains(t, book.Positions, "AAPL")
	assert.Equal(t, 37.0, book.Positions["AAPL"].Quantity)
	assert.Equal(t, 100_000.0-37*108, book.Cash)

	stats, ok := ctx.Tracker.Snapshot()["momentum"]
	require.True(t, ok)
	assert.Equal(t, 1, stats.Trades)

	var fills int
	for _, env := range b.History(0) {
		if env.Message.Topic == events.TopicExecutionFill {
			fills++
		}
	}
	assert.Equal(t, 1, fills)
}

func TestPipelineStagesNeverRepublishConsumedTopics(t *testing.T) {
	t.Parallel()

	d, b, _ := newPipeline(t, rallyFeed{})

	d.RunOnce()

	// one symbol, one tick: every pipeline topic appears at most once, so
	// no handler re-published the topic it consumes
	counts := make(map[string]int)
	for _, env := range b.History(0) {
		counts[env.Message.Topic]++
	}
	for topic, n := range counts {
		assert.LessOrEqual(t, n, 1, "topic %s published %d times in one tick", topic, n)
	}
	assert.Equal(t, 1, counts[events.TopicDirective])
	assert.Equal(t, 1, counts[events.TopicQuantProposal])
	assert.Equal(t, 1, counts[events.TopicRiskApproval])
	assert.Equal(t, 1, counts[events.TopicComplianceApproval])
	assert.Equal(t, 1, counts[events.TopicExecutionFill])
}

func TestPipelineHealth(t *testing.T) {
	t.Parallel()

	d, _, _ := newPipeline(t, rallyFeed{})
	d.RunOnce()

	health := d.Health()
	assert.Equal(t, "test-run", health.RunID)
	assert.Equal(t, StateRunning, health.State)
	assert.Equal(t, 1, health.TickCount)
	assert.Equal(t, []string{"director", "council", "risk", "compliance", "execution"}, health.Pipeline)
	assert.True(t, health.Providers["scripted"])
	assert.False(t, health.KillSwitch.Engaged)
	assert.Greater(t, health.BusDepth, 0)
}

func TestRestrictedSymbolNeverTrades(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t)
	b := bus.New(256)
	d := New(Config{}, ctx, b,
		director.New(director.Config{Symbols: []string{"AAPL"}}, ctx, rallyFeed{}),
		council.New(council.Config{}, ctx, []strategies.Strategy{
			strategies.NewMomentum(strategies.MomentumConfig{}),
		}),
		risk.New(risk.Config{}, ctx),
		compliance.New(compliance.Config{Restricted: []string{"AAPL"}}, ctx),
		execution.New(ctx),
	)

	d.RunOnce()

	assert.Empty(t, ctx.Ledger.Snapshot().Positions)
}
