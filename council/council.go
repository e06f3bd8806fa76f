// Package council runs the desk's strategy bench against incoming
// directives and distills the independent decisions into a single weighted
// consensus proposal.
package council

import (
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/openhedge/desk/bus"
	"github.com/openhedge/desk/events"
	"github.com/openhedge/desk/id"
	"github.com/openhedge/desk/stage"
	"github.com/openhedge/desk/strategies"
	"github.com/openhedge/desk/tracker"
)

// Config tunes the consensus gate. Zero values take defaults.
type Config struct {
	// MinSupport is the vote count that passes the gate on its own.
	MinSupport int
	// WeightThreshold is the weighted score that passes the gate on its own.
	WeightThreshold float64
	// WeightOverrides, when set, replaces the tracker-derived weight for the
	// named strategies.
	WeightOverrides map[string]float64
}

func (c Config) withDefaults() Config {
	if c.MinSupport == 0 {
		c.MinSupport = 2
	}
	if c.WeightThreshold == 0 {
		c.WeightThreshold = 0.6
	}
	return c
}

// Council is the consensus-building pipeline stage.
type Council struct {
	ctx     stage.Context
	log     *logrus.Entry
	cfg     Config
	bench   []strategies.Strategy
	bus     *bus.Bus
	weights map[string]float64
	subs    []*bus.Subscription
}

// New builds a council over the given strategy bench.
func New(cfg Config, ctx stage.Context, bench []strategies.Strategy) *Council {
	c := &Council{
		ctx:   stage.NewContext(ctx),
		cfg:   cfg.withDefaults(),
		bench: bench,
	}
	c.log = c.ctx.Logger(c.Name())
	return c
}

func (c *Council) Name() string { return "council" }

// Start subscribes the council to directives and to the feedback topics
// that refresh strategy weights.
func (c *Council) Start(b *bus.Bus) {
	c.bus = b
	c.refreshWeights()
	c.subs = []*bus.Subscription{
		b.Subscribe(c.onDirective, []string{events.TopicDirective}, 0),
		b.Subscribe(c.onFill, []string{events.TopicExecutionFill}, 0),
		b.Subscribe(c.onFeedback, []string{events.TopicFeedback}, 0),
	}
}

func (c *Council) Tick() {
	c.ctx.Metric(c.Name(), "council_strategies", float64(len(c.bench)), nil)
}

func (c *Council) Stop() {
	for _, sub := range c.subs {
		c.bus.Unsubscribe(sub.ID)
	}
	c.subs = nil
}

type voteGroup struct {
	action    string
	weightSum float64
	decisions []strategies.Decision
}

func (c *Council) onDirective(env bus.Envelope) {
	directive, ok := events.DirectiveFrom(env)
	if !ok {
		return
	}

	payload := strategies.Payload{
		Symbol:      directive.Symbol,
		Price:       directive.LatestClose,
		Directive:   directive,
		Portfolio:   c.ctx.Ledger.Snapshot(),
		Performance: c.ctx.Tracker.Snapshot(),
	}

	groups := make(map[string]*voteGroup)
	actionCounts := make(map[string]int)
	for _, strat := range c.bench {
		decision, ok := strat.Generate(payload)
		if !ok {
			continue
		}
		// each vote is published individually for audit before aggregation
		c.bus.Publish(events.StrategyProposalTopic(decision.Strategy), events.Vote{
			Strategy:   decision.Strategy,
			Symbol:     decision.Symbol,
			Action:     decision.Action,
			Quantity:   decision.Quantity,
			Confidence: decision.Confidence,
			Rationale:  decision.Rationale,
		}, nil)

		group := groups[decision.Action]
		if group == nil {
			group = &voteGroup{action: decision.Action}
			groups[decision.Action] = group
		}
		group.weightSum += math.Max(0, c.weight(decision.Strategy)) * math.Max(0, decision.Confidence)
		group.decisions = append(group.decisions, decision)
		actionCounts[decision.Action]++
	}
	if len(groups) == 0 {
		return
	}

	winner := pickWinner(groups)
	if len(winner.decisions) < c.cfg.MinSupport && winner.weightSum < c.cfg.WeightThreshold {
		c.log.WithFields(logrus.Fields{
			"symbol":     directive.Symbol,
			"action":     winner.action,
			"votes":      len(winner.decisions),
			"weight_sum": winner.weightSum,
		}).Info("consensus suppressed: insufficient support")
		c.ctx.Metric(c.Name(), "consensus_suppressed", 1, map[string]string{"symbol": directive.Symbol})
		return
	}

	var qtySum float64
	attributions := make([]events.Attribution, 0, len(winner.decisions))
	for _, decision := range winner.decisions {
		qtySum += math.Abs(decision.Quantity)
		attributions = append(attributions, events.Attribution{
			Strategy:   decision.Strategy,
			Confidence: decision.Confidence,
			Rationale:  decision.Rationale,
		})
	}
	quantity := math.Round(qtySum / float64(len(winner.decisions)))
	if quantity == 0 {
		return
	}
	if winner.action == events.ActionSell {
		quantity = -quantity
	}

	proposal := events.Proposal{
		ProposalID: id.New(),
		Symbol:     directive.Symbol,
		Price:      directive.LatestClose,
		Quantity:   quantity,
		Action:     winner.action,
		Confidence: math.Min(1, winner.weightSum),
		Strategies: attributions,
		Consensus: events.ConsensusStats{
			WeightSum: winner.weightSum,
			Votes:     len(winner.decisions),
			Actions:   actionCounts,
		},
	}
	c.bus.Publish(events.TopicQuantProposal, proposal, nil)
	if err := c.ctx.Audit.Record("quant_proposal", map[string]any{
		"proposal_id": proposal.ProposalID,
		"symbol":      proposal.Symbol,
		"action":      proposal.Action,
		"quantity":    proposal.Quantity,
		"confidence":  proposal.Confidence,
	}); err != nil {
		c.log.WithError(err).Warn("audit write failed")
	}
	c.ctx.Metric(c.Name(), "quant_proposal", 1, map[string]string{
		"symbol": proposal.Symbol,
		"action": proposal.Action,
	})
}

// pickWinner maximizes (weightSum, count) lexicographically; action name
// breaks exact ties so the result is deterministic.
func pickWinner(groups map[string]*voteGroup) *voteGroup {
	actions := make([]string, 0, len(groups))
	for action := range groups {
		actions = append(actions, action)
	}
	sort.Strings(actions)

	var winner *voteGroup
	for _, action := range actions {
		group := groups[action]
		if winner == nil ||
			group.weightSum > winner.weightSum ||
			(group.weightSum == winner.weightSum && len(group.decisions) > len(winner.decisions)) {
			winner = group
		}
	}
	return winner
}

func (c *Council) onFill(env bus.Envelope) {
	fill, ok := events.FillFrom(env)
	if !ok {
		return
	}
	if err := c.ctx.Tracker.RecordFill(fill); err != nil {
		c.log.WithError(err).Warn("tracker persist failed")
	}
	c.refreshWeights()
}

func (c *Council) onFeedback(env bus.Envelope) {
	feedback, ok := events.FeedbackFrom(env)
	if !ok {
		return
	}
	if err := c.ctx.Tracker.ApplyFeedback(feedback.Strategy, feedback.Delta, feedback.Reason); err != nil {
		c.log.WithError(err).Warn("tracker persist failed")
	}
	if err := c.ctx.Audit.Record("strategy_feedback", map[string]any{
		"strategy": feedback.Strategy,
		"delta":    feedback.Delta,
		"reason":   feedback.Reason,
	}); err != nil {
		c.log.WithError(err).Warn("audit write failed")
	}
	c.refreshWeights()
}

func (c *Council) refreshWeights() {
	c.weights = c.ctx.Tracker.Weights()
	for name, weight := range c.cfg.WeightOverrides {
		c.weights[name] = weight
	}
	for name, weight := range c.weights {
		c.ctx.Metric(c.Name(), "strategy_weight", weight, map[string]string{"strategy": name})
	}
}

func (c *Council) weight(strategy string) float64 {
	if w, ok := c.weights[strategy]; ok {
		return w
	}
	return tracker.DefaultWeight
}
