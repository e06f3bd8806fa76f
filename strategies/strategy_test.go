package strategies

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhedge/desk/events"
	"github.com/openhedge/desk/portfolio"
)

func payload(symbol string, price float64, d events.Directive) Payload {
	d.Symbol = symbol
	d.LatestClose = price
	return Payload{
		Symbol:    symbol,
		Price:     price,
		Directive: d,
		Portfolio: portfolio.Snapshot{Cash: 100000, Positions: map[string]portfolio.Position{}},
	}
}

func TestMomentumBuysStrength(t *testing.T) {
	t.Parallel()

	m := NewMomentum(MomentumConfig{})
	d, ok := m.Generate(payload("SPY", 105, events.Directive{Quote: events.Quote{PrevClose: 100}}))

	require.True(t, ok)
	assert.Equal(t, events.ActionBuy, d.Action)
	assert.Greater(t, d.Quantity, 0.0)
	assert.InDelta(t, 0.5, d.Confidence, 1e-9)
}

func TestMomentumSellsWeakness(t *testing.T) {
	t.Parallel()

	m := NewMomentum(MomentumConfig{})
	d, ok := m.Generate(payload("SPY", 95, events.Directive{Quote: events.Quote{PrevClose: 100}}))

	require.True(t, ok)
	assert.Equal(t, events.ActionSell, d.Action)
	assert.Less(t, d.Quantity, 0.0)
}

func TestMomentumQuietMarketNoDecision(t *testing.T) {
	t.Parallel()

	m := NewMomentum(MomentumConfig{})
	_, ok := m.Generate(payload("SPY", 100.1, events.Directive{Quote: events.Quote{PrevClose: 100}}))
	assert.False(t, ok)
}

func TestMomentumMissingPrevCloseNoDecision(t *testing.T) {
	t.Parallel()

	m := NewMomentum(MomentumConfig{})
	_, ok := m.Generate(payload("SPY", 105, events.Directive{}))
	assert.False(t, ok)
}

func TestMomentumTrendFilterSuppressesCounterTrendBuy(t *testing.T) {
	t.Parallel()

	m := NewMomentum(MomentumConfig{TrendPeriod: 3})
	// warm the EMA well above the eventual signal price
	for _, price := range []float64{200, 200, 200} {
		_, _ = m.Generate(payload("SPY", price, events.Directive{Quote: events.Quote{PrevClose: price}}))
	}

	// +5% pop but far below the trend line
	_, ok := m.Generate(payload("SPY", 105, events.Directive{Quote: events.Quote{PrevClose: 100}}))
	assert.False(t, ok)
}

func TestValueBuysCheapProfitableNames(t *testing.T) {
	t.Parallel()

	v := NewValue(ValueConfig{})
	d, ok := v.Generate(payload("SPY", 100, events.Directive{
		Fundamentals: events.Fundamentals{PERatio: 15, ProfitMargin: 0.15},
	}))

	require.True(t, ok)
	assert.Equal(t, events.ActionBuy, d.Action)
	assert.InDelta(t, 0.6, d.Confidence, 1e-9)
}

func TestValueSellsStretchedMultiples(t *testing.T) {
	t.Parallel()

	v := NewValue(ValueConfig{})
	d, ok := v.Generate(payload("SPY", 100, events.Directive{
		Fundamentals: events.Fundamentals{PERatio: 40, ProfitMargin: 0.01},
	}))

	require.True(t, ok)
	assert.Equal(t, events.ActionSell, d.Action)
	assert.Less(t, d.Quantity, 0.0)
}

func TestValueNoFundamentalsNoDecision(t *testing.T) {
	t.Parallel()

	v := NewValue(ValueConfig{})
	_, ok := v.Generate(payload("SPY", 100, events.Directive{}))
	assert.False(t, ok)
}

func TestMacroSentiment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		sentiment []float64
		action    string
		ok        bool
	}{
		{"bullish", []float64{0.4, 0.2}, events.ActionBuy, true},
		{"bearish", []float64{-0.5, -0.3}, events.ActionSell, true},
		{"neutral", []float64{0.05, -0.05}, "", false},
		{"no_news", nil, "", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewMacro(MacroConfig{})
			var news []events.NewsItem
			for _, s := range tt.sentiment {
				news = append(news, events.NewsItem{Sentiment: s})
			}
			d, ok := m.Generate(payload("SPY", 100, events.Directive{News: news}))
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.action, d.Action)
			}
		})
	}
}

func TestByName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"momentum", "value", "macro"} {
		s, err := ByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, s.Name())
	}

	_, err := ByName("arbitrage")
	assert.Error(t, err)
}

func TestAllocationTooSmallNoDecision(t *testing.T) {
	t.Parallel()

	m := NewMomentum(MomentumConfig{})
	p := payload("BRK", 1000000, events.Directive{Quote: events.Quote{PrevClose: 900000}})
	p.Portfolio.Cash = 100
	_, ok := m.Generate(p)
	assert.False(t, ok)
}
