// Package metrics defines the metric sink the pipeline reports gauges and
// counters to. Transport is out of scope; sinks here log or buffer in memory.
package metrics

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Sink receives named measurements with optional tags.
type Sink interface {
	Record(name string, value float64, tags map[string]string)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) Record(string, float64, map[string]string) {}

// LogSink writes measurements as debug-level structured log lines.
type LogSink struct {
	log *logrus.Logger
}

func NewLogSink(log *logrus.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Record(name string, value float64, tags map[string]string) {
	fields := logrus.Fields{"metric": name, "value": value}
	for k, v := range tags {
		fields[k] = v
	}
	s.log.WithFields(fields).Debug("metric")
}

// Point is a single recorded measurement.
type Point struct {
	Name  string
	Value float64
	Tags  map[string]string
}

// MemorySink buffers measurements for inspection in tests and health
// snapshots.
type MemorySink struct {
	mu     sync.Mutex
	points []Point
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(name string, value float64, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, Point{Name: name, Value: value, Tags: tags})
}

// Points returns a copy of every recorded measurement in order.
func (s *MemorySink) Points() []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Point(nil), s.points...)
}

// Last returns the most recent measurement with the given name.
func (s *MemorySink) Last(name string) (Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.points) - 1; i >= 0; i-- {
		if s.points[i].Name == name {
			return s.points[i], true
		}
	}
	return Point{}, false
}
