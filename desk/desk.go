// Package desk wires the pipeline stages onto one bus and drives them
// with a cooperative tick loop. The desk owns the kill switch: its
// subscription is registered before any stage so a kill signal raised
// mid-cascade is observed before the next tick.
package desk

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openhedge/desk/alert"
	"github.com/openhedge/desk/bus"
	"github.com/openhedge/desk/events"
	"github.com/openhedge/desk/portfolio"
	"github.com/openhedge/desk/stage"
)

// Config tunes the run loop. Zero values take defaults.
type Config struct {
	TickInterval time.Duration
	// MaxTicks stops the loop after that many iterations; 0 means run
	// until killed or cancelled.
	MaxTicks int
}

func (c Config) withDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = 5 * time.Second
	}
	return c
}

// Run states.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateKilled  = "killed"
	StateStopped = "stopped"
)

// KillStatus reports whether and why the kill switch engaged.
type KillStatus struct {
	Engaged bool   `json:"engaged"`
	Reason  string `json:"reason,omitempty"`
	Trigger string `json:"trigger,omitempty"`
}

// Health is a point-in-time operational snapshot of the desk.
type Health struct {
	RunID         string             `json:"run_id"`
	State         string             `json:"state"`
	TickCount     int                `json:"tick_count"`
	BusDepth      int                `json:"bus_depth"`
	Subscriptions []string           `json:"bus_subscriptions"`
	Pipeline      []string           `json:"pipeline"`
	Portfolio     portfolio.Snapshot `json:"portfolio"`
	Providers     map[string]bool    `json:"providers,omitempty"`
	KillSwitch    KillStatus         `json:"kill_switch"`
}

// healthReporter is implemented by stages that know about upstream
// providers (the director).
type healthReporter interface {
	Health() map[string]bool
}

// Desk is the pipeline orchestrator.
type Desk struct {
	ctx    stage.Context
	log    *logrus.Entry
	cfg    Config
	bus    *bus.Bus
	stages []stage.Stage

	killSub *bus.Subscription

	started     bool
	stopped     bool
	tickCount   int
	killReason  string
	killTrigger string
}

// New builds a desk over the given bus and pipeline stages. The stages
// tick in the order given. The kill-switch subscription is registered
// here, ahead of every stage subscription.
func New(cfg Config, ctx stage.Context, b *bus.Bus, stages ...stage.Stage) *Desk {
	d := &Desk{
		ctx:    stage.NewContext(ctx),
		cfg:    cfg.withDefaults(),
		bus:    b,
		stages: stages,
	}
	d.log = d.ctx.Logger("desk")
	d.killSub = b.Subscribe(d.onKillSignal, events.KillSwitchTopics(), 0)
	return d
}

// Start subscribes every stage to the bus. Calling Start twice is a no-op.
func (d *Desk) Start() {
	if d.started {
		return
	}
	d.started = true
	for _, s := range d.stages {
		s.Start(d.bus)
	}
	d.log.WithField("stages", len(d.stages)).Info("desk started")
}

// Stop tears the pipeline down and releases the kill subscription.
func (d *Desk) Stop() {
	if d.stopped {
		return
	}
	d.stopped = true
	for _, s := range d.stages {
		s.Stop()
	}
	if d.killSub != nil {
		d.bus.Unsubscribe(d.killSub.ID)
		d.killSub = nil
	}
	d.log.Info("desk stopped")
}

// RunOnce drives one tick through every stage. On a killed desk the tick
// is a logged no-op; the kill switch is terminal for the run.
func (d *Desk) RunOnce() {
	if d.killReason != "" {
		d.log.WithField("reason", d.killReason).Warn("kill switch engaged; skipping tick")
		d.ctx.Metric("desk", "desk_killed_tick", 1, nil)
		return
	}
	if !d.started {
		d.Start()
	}
	for _, s := range d.stages {
		d.tickStage(s)
	}
	d.tickCount++
	depth := d.bus.Depth()
	d.ctx.Metric("desk", "desk_bus_depth", float64(depth), nil)
	d.log.WithFields(logrus.Fields{
		"tick_count": d.tickCount,
		"bus_depth":  depth,
		"stages":     len(d.stages),
	}).Info("desk tick")
}

// tickStage isolates stage panics so one faulty stage cannot take the
// desk down mid-tick.
func (d *Desk) tickStage(s stage.Stage) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithFields(logrus.Fields{
				"stage": s.Name(),
				"panic": fmt.Sprint(r),
			}).Error("stage tick panicked")
			d.ctx.Metric("desk", "tick_error", 1, map[string]string{"stage": s.Name()})
		}
	}()
	s.Tick()
}

// Run drives the tick loop until the context is cancelled, the kill
// switch engages, or MaxTicks is reached.
func (d *Desk) Run(ctx context.Context) error {
	d.Start()
	defer d.Stop()

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	for {
		d.RunOnce()
		if d.killReason != "" {
			d.log.Info("run ended by kill switch")
			return nil
		}
		if d.cfg.MaxTicks > 0 && d.tickCount >= d.cfg.MaxTicks {
			d.log.WithField("max_ticks", d.cfg.MaxTicks).Info("max ticks reached")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// onKillSignal latches the first kill switch observed; later signals are
// ignored.
func (d *Desk) onKillSignal(env bus.Envelope) {
	if d.killReason != "" {
		return
	}
	signal := events.KillSwitchFrom(env)
	d.killReason = signal.Reason
	d.killTrigger = env.Message.Topic
	d.log.WithFields(logrus.Fields{
		"trigger": d.killTrigger,
		"reason":  d.killReason,
	}).Error("kill switch engaged")
	payload := map[string]any{
		"trigger": d.killTrigger,
		"reason":  d.killReason,
	}
	for k, v := range signal.Details {
		payload[k] = v
	}
	d.ctx.Alerts.Notify("desk_kill_switch", payload, alert.Critical)
	if err := d.ctx.Audit.Record("desk_kill_switch", payload); err != nil {
		d.log.WithError(err).Warn("audit write failed")
	}
}

// State reports the desk lifecycle state.
func (d *Desk) State() string {
	switch {
	case d.killReason != "":
		return StateKilled
	case d.stopped:
		return StateStopped
	case d.started:
		return StateRunning
	default:
		return StateIdle
	}
}

// TickCount returns the number of completed ticks.
func (d *Desk) TickCount() int { return d.tickCount }

// KillSwitch reports the current kill status.
func (d *Desk) KillSwitch() KillStatus {
	return KillStatus{
		Engaged: d.killReason != "",
		Reason:  d.killReason,
		Trigger: d.killTrigger,
	}
}

// Health assembles the operational snapshot served by the status command.
func (d *Desk) Health() Health {
	pipeline := make([]string, 0, len(d.stages))
	var providers map[string]bool
	for _, s := range d.stages {
		pipeline = append(pipeline, s.Name())
		if reporter, ok := s.(healthReporter); ok {
			providers = reporter.Health()
		}
	}
	return Health{
		RunID:         d.ctx.RunID,
		State:         d.State(),
		TickCount:     d.tickCount,
		BusDepth:      d.bus.Depth(),
		Subscriptions: d.bus.Subscriptions(),
		Pipeline:      pipeline,
		Portfolio:     d.ctx.Ledger.Snapshot(),
		Providers:     providers,
		KillSwitch:    d.KillSwitch(),
	}
}
