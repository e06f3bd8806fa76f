// Package tracker maintains per-strategy performance statistics and the
// adaptive weights the strategy council uses to score votes.
package tracker

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openhedge/desk/events"
)

const (
	// MinWeight and MaxWeight bound every adaptive weight.
	MinWeight = 0.1
	MaxWeight = 2.5

	// DefaultWeight is assigned to strategies with no recorded history.
	DefaultWeight = 1.0
)

// Stats is the persisted per-strategy record.
type Stats struct {
	Trades        int       `json:"trades"`
	Wins          int       `json:"wins"`
	Losses        int       `json:"losses"`
	RealizedPNL   float64   `json:"realized_pnl"`
	AvgConfidence float64   `json:"avg_confidence"`
	Penalties     int       `json:"penalties"`
	Weight        float64   `json:"weight"`
	LastUpdated   time.Time `json:"last_updated"`
}

type state struct {
	Strategies      map[string]Stats `json:"strategies"`
	LastRealizedPNL *float64         `json:"last_realized_pnl"`
}

// Tracker persists strategy statistics to a JSON file and derives weights.
type Tracker struct {
	mu              sync.Mutex
	path            string
	strategies      map[string]Stats
	lastRealizedPNL *float64
}

// New opens (or initializes) a tracker persisted at path. A missing or
// corrupt state file yields an empty tracker.
func New(path string) (*Tracker, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create tracker dir: %w", err)
		}
	}
	t := &Tracker{
		path:       path,
		strategies: make(map[string]Stats),
	}
	t.loadFromDisk()
	return t, nil
}

func (t *Tracker) loadFromDisk() {
	if t.path == "" {
		return
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		return
	}
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return
	}
	if s.Strategies != nil {
		t.strategies = s.Strategies
	}
	t.lastRealizedPNL = s.LastRealizedPNL
}

// RecordFill attributes a fill's realized P&L delta equally across the
// contributing strategies and refreshes their running statistics.
func (t *Tracker) RecordFill(fill events.Fill) error {
	if len(fill.Strategies) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var pnlDelta float64
	if t.lastRealizedPNL != nil {
		pnlDelta = fill.RealizedPNL - *t.lastRealizedPNL
	}
	realized := fill.RealizedPNL
	t.lastRealizedPNL = &realized
	share := pnlDelta / float64(len(fill.Strategies))

	now := time.Now().UTC()
	for _, attribution := range fill.Strategies {
		if attribution.Strategy == "" {
			continue
		}
		stats := t.statsLocked(attribution.Strategy)
		stats.Trades++
		if share > 0 {
			stats.Wins++
		} else if share < 0 {
			stats.Losses++
		}
		stats.RealizedPNL += share
		stats.AvgConfidence += (attribution.Confidence - stats.AvgConfidence) / float64(stats.Trades)
		stats.Weight = recomputeWeight(stats)
		stats.LastUpdated = now
		t.strategies[attribution.Strategy] = stats
	}
	return t.persistLocked()
}

// ApplyFeedback nudges a strategy's weight by delta, clamped to the weight
// bounds. Negative deltas count as penalties.
func (t *Tracker) ApplyFeedback(strategy string, delta float64, reason string) error {
	if strategy == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.statsLocked(strategy)
	if delta < 0 {
		stats.Penalties++
	}
	stats.Weight = clampWeight(stats.Weight + delta)
	stats.LastUpdated = time.Now().UTC()
	t.strategies[strategy] = stats
	_ = reason // recorded by the caller's audit trail
	return t.persistLocked()
}

// Weights returns the current weight per known strategy.
func (t *Tracker) Weights() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	weights := make(map[string]float64, len(t.strategies))
	for name, stats := range t.strategies {
		weights[name] = stats.Weight
	}
	return weights
}

// Snapshot returns a copy of every strategy's statistics.
func (t *Tracker) Snapshot() map[string]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Stats, len(t.strategies))
	for name, stats := range t.strategies {
		out[name] = stats
	}
	return out
}

// statsLocked assumes t.mu is held.
func (t *Tracker) statsLocked(strategy string) Stats {
	if stats, ok := t.strategies[strategy]; ok {
		return stats
	}
	return Stats{Weight: DefaultWeight, LastUpdated: time.Now().UTC()}
}

// persistLocked assumes t.mu is held.
func (t *Tracker) persistLocked() error {
	if t.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(state{
		Strategies:      t.strategies,
		LastRealizedPNL: t.lastRealizedPNL,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tracker: %w", err)
	}
	if err := os.WriteFile(t.path, data, 0o644); err != nil {
		return fmt.Errorf("write tracker file: %w", err)
	}
	return nil
}

func recomputeWeight(stats Stats) float64 {
	tradeBonus := min(0.5, float64(stats.Trades)/40)
	pnlBonus := math.Max(-0.5, math.Min(0.5, stats.RealizedPNL/10000))
	penaltyDrag := min(0.5, float64(stats.Penalties)*0.1)
	return clampWeight(stats.AvgConfidence + tradeBonus + pnlBonus - penaltyDrag)
}

func clampWeight(w float64) float64 {
	return math.Round(math.Max(MinWeight, math.Min(MaxWeight, w))*10000) / 10000
}
