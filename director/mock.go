package director

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/openhedge/desk/events"
)

// MockConfig tunes the simulated feed. Zero values take defaults.
type MockConfig struct {
	Seed          int64
	StartPrice    float64
	VolatilityPct float64 // max tick-over-tick move, in percent
	NewsRate      float64 // probability of a headline per snapshot
}

func (c MockConfig) withDefaults() MockConfig {
	if c.Seed == 0 {
		c.Seed = 1
	}
	if c.StartPrice == 0 {
		c.StartPrice = 100
	}
	if c.VolatilityPct == 0 {
		c.VolatilityPct = 1.5
	}
	if c.NewsRate == 0 {
		c.NewsRate = 0.3
	}
	return c
}

type mockState struct {
	price        float64
	prevClose    float64
	fundamentals events.Fundamentals
}

// Mock is a deterministic seeded market feed for paper runs and demos.
// The same seed always produces the same tape.
type Mock struct {
	cfg MockConfig

	mu      sync.Mutex
	rng     *rand.Rand
	symbols map[string]*mockState
}

// NewMock builds a simulated ingestion source.
func NewMock(cfg MockConfig) *Mock {
	cfg = cfg.withDefaults()
	return &Mock{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		symbols: make(map[string]*mockState),
	}
}

// GetMarketSnapshot advances the symbol's random walk by one step and
// returns the resulting snapshot.
func (m *Mock) GetMarketSnapshot(symbol string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.symbols[symbol]
	if state == nil {
		// spread starting prices so symbols do not move in lockstep
		price := m.cfg.StartPrice * (0.8 + 0.4*m.rng.Float64())
		state = &mockState{
			price:     price,
			prevClose: price,
			fundamentals: events.Fundamentals{
				PERatio:      8 + 22*m.rng.Float64(),
				ProfitMargin: 0.02 + 0.18*m.rng.Float64(),
			},
		}
		m.symbols[symbol] = state
	}

	state.prevClose = state.price
	movePct := (m.rng.Float64()*2 - 1) * m.cfg.VolatilityPct
	state.price *= 1 + movePct/100

	var news []events.NewsItem
	if m.rng.Float64() < m.cfg.NewsRate {
		sentiment := m.rng.Float64()*2 - 1
		news = append(news, events.NewsItem{
			Headline:  fmt.Sprintf("%s %s on simulated flow", symbol, headlineVerb(sentiment)),
			Sentiment: sentiment,
		})
	}

	return Snapshot{
		Symbol:      symbol,
		LatestClose: state.price,
		Quote: events.Quote{
			Current:   state.price,
			PrevClose: state.prevClose,
		},
		Fundamentals: state.fundamentals,
		News:         news,
	}, nil
}

// ProvidersHealth always reports the mock feed as up.
func (m *Mock) ProvidersHealth() map[string]bool {
	return map[string]bool{"mock": true}
}

func headlineVerb(sentiment float64) string {
	switch {
	case sentiment > 0.3:
		return "rallies"
	case sentiment < -0.3:
		return "slides"
	default:
		return "drifts"
	}
}
