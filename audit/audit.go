// Package audit provides the append-only sink every consequential pipeline
// decision (reject, approval, fill, kill) is recorded to.
package audit

import (
	"sync"
	"time"

	"github.com/openhedge/desk/id"
)

// Record is a single audit entry.
type Record struct {
	ID      string         `json:"id"`
	At      time.Time      `json:"at"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload"`
}

// Sink is an append-only audit store.
type Sink interface {
	Record(action string, payload map[string]any) error
	Close() error
}

func newRecord(action string, payload map[string]any) Record {
	if payload == nil {
		payload = map[string]any{}
	}
	return Record{
		ID:      id.New(),
		At:      time.Now().UTC(),
		Action:  action,
		Payload: payload,
	}
}

// Nop discards every record.
type Nop struct{}

func (Nop) Record(string, map[string]any) error { return nil }
func (Nop) Close() error                        { return nil }

// Memory buffers records for tests.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(action string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, newRecord(action, payload))
	return nil
}

func (m *Memory) Close() error { return nil }

// Records returns a copy of every buffered record in order.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// Actions returns the recorded action names in order.
func (m *Memory) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	actions := make([]string, 0, len(m.records))
	for _, r := range m.records {
		actions = append(actions, r.Action)
	}
	return actions
}
