// Package alert routes operator-facing notifications with severity
// filtering. Delivery transport is out of scope; the default notifier logs.
package alert

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Severity orders alert importance.
type Severity string

const (
	Debug    Severity = "debug"
	Info     Severity = "info"
	Warning  Severity = "warning"
	Error    Severity = "error"
	Critical Severity = "critical"
)

var rank = map[Severity]int{
	Debug:    0,
	Info:     1,
	Warning:  2,
	Error:    3,
	Critical: 4,
}

// AtLeast reports whether s is at or above threshold. Unknown severities
// rank as Info.
func (s Severity) AtLeast(threshold Severity) bool {
	return level(s) >= level(threshold)
}

func level(s Severity) int {
	if l, ok := rank[s]; ok {
		return l
	}
	return rank[Info]
}

// Notifier receives alert notifications.
type Notifier interface {
	Notify(action string, payload map[string]any, severity Severity)
}

// Nop discards every alert.
type Nop struct{}

func (Nop) Notify(string, map[string]any, Severity) {}

// LogNotifier writes alerts at or above a minimum severity as structured
// log lines.
type LogNotifier struct {
	log *logrus.Logger
	min Severity
}

func NewLogNotifier(log *logrus.Logger, min Severity) *LogNotifier {
	if min == "" {
		min = Info
	}
	return &LogNotifier{log: log, min: min}
}

func (n *LogNotifier) Notify(action string, payload map[string]any, severity Severity) {
	if !severity.AtLeast(n.min) {
		return
	}
	entry := n.log.WithFields(logrus.Fields{"alert": action, "severity": severity})
	for k, v := range payload {
		entry = entry.WithField(k, v)
	}
	switch severity {
	case Debug:
		entry.Debug(action)
	case Info:
		entry.Info(action)
	case Warning:
		entry.Warn(action)
	default:
		entry.Error(action)
	}
}

// Notification is a captured alert.
type Notification struct {
	Action   string
	Payload  map[string]any
	Severity Severity
}

// MemoryNotifier buffers alerts for tests.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (n *MemoryNotifier) Notify(action string, payload map[string]any, severity Severity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Notification{Action: action, Payload: payload, Severity: severity})
}

// Sent returns a copy of every captured alert in order.
func (n *MemoryNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

// ByAction returns the captured alerts with the given action.
func (n *MemoryNotifier) ByAction(action string) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, notification := range n.sent {
		if notification.Action == action {
			out = append(out, notification)
		}
	}
	return out
}
