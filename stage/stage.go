// Package stage defines the pipeline stage contract and the shared run
// context handed to every stage. The context is constructed once per run
// and passed explicitly; there is no global state, so live and backtest
// runs are fully isolated.
package stage

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/openhedge/desk/alert"
	"github.com/openhedge/desk/audit"
	"github.com/openhedge/desk/bus"
	"github.com/openhedge/desk/metrics"
	"github.com/openhedge/desk/portfolio"
	"github.com/openhedge/desk/tracker"
)

// Stage is a pipeline component. Stages are reactive: Start subscribes
// them to the bus and Tick only drives periodic work such as stress-test
// cadence and liveness metrics.
type Stage interface {
	Name() string
	Start(b *bus.Bus)
	Tick()
	Stop()
}

// Context is the explicit state handle shared by the stages of one run.
type Context struct {
	Log     *logrus.Logger
	Audit   audit.Sink
	Alerts  alert.Notifier
	Metrics metrics.Sink
	Ledger  *portfolio.Ledger
	Tracker *tracker.Tracker
	RunID   string
}

// NewContext fills nil observability fields with no-ops so stages never
// need nil checks.
func NewContext(ctx Context) Context {
	if ctx.Log == nil {
		ctx.Log = logrus.New()
		ctx.Log.SetOutput(io.Discard)
	}
	if ctx.Audit == nil {
		ctx.Audit = audit.Nop{}
	}
	if ctx.Alerts == nil {
		ctx.Alerts = alert.Nop{}
	}
	if ctx.Metrics == nil {
		ctx.Metrics = metrics.Nop{}
	}
	return ctx
}

// Logger returns a stage-scoped log entry.
func (c Context) Logger(stage string) *logrus.Entry {
	return c.Log.WithField("stage", stage)
}

// Metric records a measurement tagged with the stage name.
func (c Context) Metric(stage, name string, value float64, tags map[string]string) {
	augmented := map[string]string{"stage": stage}
	for k, v := range tags {
		augmented[k] = v
	}
	c.Metrics.Record(name, value, augmented)
}
