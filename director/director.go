// Package director drives the pipeline: each tick it pulls a market
// snapshot per configured symbol from the ingestion source and publishes
// the snapshot plus a trade directive for the strategy council.
package director

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openhedge/desk/bus"
	"github.com/openhedge/desk/events"
	"github.com/openhedge/desk/id"
	"github.com/openhedge/desk/stage"
)

// Snapshot is one symbol's view from the ingestion source.
type Snapshot struct {
	Symbol       string
	LatestClose  float64
	Quote        events.Quote
	Fundamentals events.Fundamentals
	News         []events.NewsItem
}

// Ingestion supplies market data to the director. Implementations decide
// where prices come from; the pipeline only sees snapshots.
type Ingestion interface {
	GetMarketSnapshot(symbol string) (Snapshot, error)
	ProvidersHealth() map[string]bool
}

// Config holds the trading universe. Zero values take defaults.
type Config struct {
	Symbols []string
}

func (c Config) withDefaults() Config {
	if len(c.Symbols) == 0 {
		c.Symbols = []string{"SPY", "QQQ"}
	}
	normalized := make([]string, 0, len(c.Symbols))
	for _, symbol := range c.Symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol != "" {
			normalized = append(normalized, symbol)
		}
	}
	c.Symbols = normalized
	return c
}

// Director is the first pipeline stage.
type Director struct {
	ctx    stage.Context
	log    *logrus.Entry
	cfg    Config
	ingest Ingestion
	bus    *bus.Bus
}

// New builds a director reading from the given ingestion source.
func New(cfg Config, ctx stage.Context, ingest Ingestion) *Director {
	d := &Director{
		ctx:    stage.NewContext(ctx),
		cfg:    cfg.withDefaults(),
		ingest: ingest,
	}
	d.log = d.ctx.Logger(d.Name())
	return d
}

func (d *Director) Name() string { return "director" }

func (d *Director) Start(b *bus.Bus) { d.bus = b }

func (d *Director) Stop() {}

// Symbols returns the normalized trading universe.
func (d *Director) Symbols() []string {
	return append([]string(nil), d.cfg.Symbols...)
}

// Tick emits one snapshot and one directive per symbol. A symbol with no
// usable price is skipped, never defaulted.
func (d *Director) Tick() {
	for _, symbol := range d.cfg.Symbols {
		snap, err := d.ingest.GetMarketSnapshot(symbol)
		if err != nil {
			d.log.WithError(err).WithField("symbol", symbol).Warn("snapshot fetch failed")
			continue
		}
		if snap.LatestClose <= 0 {
			d.log.WithField("symbol", symbol).Warn("skipping directive: missing price")
			continue
		}

		d.bus.Publish(events.TopicMarketSnapshot, events.MarketSnapshot{
			Symbol:      symbol,
			LatestClose: snap.LatestClose,
		}, nil)
		d.bus.Publish(events.TopicDirective, events.Directive{
			DirectiveID:  id.New(),
			Symbol:       symbol,
			LatestClose:  snap.LatestClose,
			Quote:        snap.Quote,
			Fundamentals: snap.Fundamentals,
			News:         snap.News,
			RunID:        d.ctx.RunID,
			At:           time.Now().UTC(),
		}, nil)
		d.ctx.Metric(d.Name(), "directive_emitted", 1, map[string]string{"symbol": symbol})
		d.log.WithField("symbol", symbol).Info("directive emitted")
	}
}

// Health reports per-provider availability from the ingestion source.
func (d *Director) Health() map[string]bool {
	return d.ingest.ProvidersHealth()
}
