// Package portfolio owns the desk's cash, positions, and realized P&L. The
// ledger is mutated only through ApplyFill; every other consumer works from
// immutable snapshots.
package portfolio

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	ErrZeroQuantity = errors.New("quantity must be non-zero")
	ErrInvalidPrice = errors.New("price must be positive")
)

// Position is a signed holding; positive quantity is long. A quantity of
// zero is never stored: flat positions are removed from the ledger.
type Position struct {
	Symbol      string  `json:"-"`
	Quantity    float64 `json:"quantity"`
	AverageCost float64 `json:"average_cost"`
}

// Snapshot is an immutable view of the ledger state.
type Snapshot struct {
	Cash        float64             `json:"cash"`
	RealizedPNL float64             `json:"realized_pnl"`
	Positions   map[string]Position `json:"positions"`
	LastUpdated time.Time           `json:"last_updated"`
}

// FillResult reports the ledger state after a fill is applied.
type FillResult struct {
	Cash             float64
	RealizedPNL      float64
	PositionQuantity float64
}

// Ledger is a file-backed paper-trading ledger. All mutation happens under a
// single lock spanning read-modify-write-persist, so callers never observe a
// partially updated snapshot.
type Ledger struct {
	mu          sync.Mutex
	path        string
	cash        float64
	realizedPNL float64
	positions   map[string]*Position
	lastUpdated time.Time
}

// NewLedger opens (or initializes) a ledger persisted at path. An existing
// state file is loaded; a corrupt one is ignored and the ledger starts from
// initialCash.
func NewLedger(path string, initialCash float64) (*Ledger, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	l := &Ledger{
		path:        path,
		cash:        initialCash,
		positions:   make(map[string]*Position),
		lastUpdated: time.Now().UTC(),
	}
	l.loadFromDisk()
	return l, nil
}

func (l *Ledger) loadFromDisk() {
	if l.path == "" {
		return
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return
	}
	l.cash = snap.Cash
	l.realizedPNL = snap.RealizedPNL
	l.positions = make(map[string]*Position, len(snap.Positions))
	for symbol, pos := range snap.Positions {
		if pos.Quantity == 0 {
			continue
		}
		l.positions[symbol] = &Position{
			Symbol:      symbol,
			Quantity:    pos.Quantity,
			AverageCost: pos.AverageCost,
		}
	}
	if !snap.LastUpdated.IsZero() {
		l.lastUpdated = snap.LastUpdated
	}
}

// Snapshot returns a deep copy of the current ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// snapshotLocked assumes l.mu is held.
func (l *Ledger) snapshotLocked() Snapshot {
	positions := make(map[string]Position, len(l.positions))
	for symbol, pos := range l.positions {
		positions[symbol] = Position{
			Symbol:      symbol,
			Quantity:    pos.Quantity,
			AverageCost: pos.AverageCost,
		}
	}
	return Snapshot{
		Cash:        l.cash,
		RealizedPNL: l.realizedPNL,
		Positions:   positions,
		LastUpdated: l.lastUpdated,
	}
}

// ApplyFill applies a trade fill. Quantity is signed: positive buys,
// negative sells. Sells release cash because cash -= quantity*price.
//
// Closing or flipping trades realize P&L on the closed portion at the
// position's average cost. Extending trades recompute the weighted average
// cost; partial closes keep it unchanged.
//
// On a persistence fault the in-memory mutation stands (it is authoritative
// for the run) and the write error is returned alongside the result.
func (l *Ledger) ApplyFill(symbol string, quantity, price float64) (FillResult, error) {
	if quantity == 0 {
		return FillResult{}, ErrZeroQuantity
	}
	if price <= 0 {
		return FillResult{}, ErrInvalidPrice
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing := l.positions[symbol]
	existingQty := 0.0
	existingCost := price
	if existing != nil {
		existingQty = existing.Quantity
		existingCost = existing.AverageCost
	}

	if existingQty != 0 && (existingQty > 0) != (quantity > 0) {
		closing := min(abs(existingQty), abs(quantity))
		direction := 1.0
		if existingQty < 0 {
			direction = -1.0
		}
		l.realizedPNL += (price - existingCost) * closing * direction
	}

	newQty := existingQty + quantity
	switch {
	case newQty == 0:
		delete(l.positions, symbol)
	case (existingQty >= 0 && quantity > 0) || (existingQty <= 0 && quantity < 0):
		// extends the existing direction (or opens from flat)
		cost := (existingCost*existingQty + price*quantity) / newQty
		l.positions[symbol] = &Position{Symbol: symbol, Quantity: newQty, AverageCost: cost}
	default:
		// partial close without a flip keeps the entry cost
		l.positions[symbol] = &Position{Symbol: symbol, Quantity: newQty, AverageCost: existingCost}
	}

	l.cash -= quantity * price
	l.lastUpdated = time.Now().UTC()

	result := FillResult{
		Cash:        l.cash,
		RealizedPNL: l.realizedPNL,
	}
	if pos, ok := l.positions[symbol]; ok {
		result.PositionQuantity = pos.Quantity
	}
	return result, l.persistLocked()
}

// BulkLoad replaces the position table (and optionally cash) in one write,
// used to seed backtests and fixtures.
func (l *Ledger) BulkLoad(positions []Position, cash *float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cash != nil {
		l.cash = *cash
	}
	l.positions = make(map[string]*Position, len(positions))
	for _, pos := range positions {
		if pos.Quantity == 0 {
			continue
		}
		p := pos
		p.Symbol = pos.Symbol
		l.positions[pos.Symbol] = &p
	}
	l.lastUpdated = time.Now().UTC()
	return l.persistLocked()
}

// persistLocked assumes l.mu is held.
func (l *Ledger) persistLocked() error {
	if l.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(l.snapshotLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := os.WriteFile(l.path, data, 0o644); err != nil {
		return fmt.Errorf("write ledger file: %w", err)
	}
	return nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
