// Package events defines the closed set of payload types carried on the bus,
// keyed by topic, plus the decode step every stage uses at its boundary.
// The exact topic strings are the wire contract external collaborators
// depend on.
package events

import "time"

// Topics produced and consumed by the desk pipeline.
const (
	TopicDirective            = "director.directive"
	TopicMarketSnapshot       = "market.snapshot"
	TopicQuantProposal        = "quant.proposal"
	TopicRiskApproval         = "risk.approval"
	TopicRiskReject           = "risk.reject"
	TopicComplianceApproval   = "compliance.approval"
	TopicExecutionFill        = "execution.fill"
	TopicRiskKillSwitch       = "risk.kill_switch"
	TopicComplianceKillSwitch = "compliance.kill_switch"
	TopicDeskKillSwitch       = "desk.kill_switch"
	TopicStopLoss             = "risk.stop_loss"
	TopicFeedback             = "strategy.feedback"

	// StrategyProposalPrefix prefixes the per-strategy audit topics, e.g.
	// strategy.proposal.momentum.
	StrategyProposalPrefix = "strategy.proposal."
)

// Trade actions used across proposals and votes.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
)

// StrategyProposalTopic returns the audit topic for a single strategy's vote.
func StrategyProposalTopic(strategy string) string {
	return StrategyProposalPrefix + strategy
}

// KillSwitchTopics lists every topic that engages the desk kill switch.
func KillSwitchTopics() []string {
	return []string{TopicRiskKillSwitch, TopicComplianceKillSwitch, TopicDeskKillSwitch}
}

// Quote carries the subset of quote data the pipeline consumes.
type Quote struct {
	Current   float64
	PrevClose float64
}

// Fundamentals carries the valuation inputs used by the value strategy.
// ProfitMargin is a fraction (0.15 means a 15% margin).
type Fundamentals struct {
	PERatio      float64
	ProfitMargin float64
}

// NewsItem is a single scored headline.
type NewsItem struct {
	Headline  string
	Sentiment float64
}

// Directive instructs the strategy council to evaluate one symbol at one
// price. Published by the director once per symbol per tick.
type Directive struct {
	DirectiveID  string
	Symbol       string
	LatestClose  float64
	Quote        Quote
	Fundamentals Fundamentals
	News         []NewsItem
	RunID        string
	At           time.Time
}

// MarketSnapshot feeds the risk engine's rolling price history.
type MarketSnapshot struct {
	Symbol      string
	LatestClose float64
}

// Vote is a single strategy's decision, published individually for audit
// before aggregation.
type Vote struct {
	Strategy   string
	Symbol     string
	Action     string
	Quantity   float64
	Confidence float64
	Rationale  string
}

// Attribution records a contributing strategy on a consensus proposal.
type Attribution struct {
	Strategy   string
	Confidence float64
	Rationale  string
}

// ConsensusStats summarizes the winning vote group.
type ConsensusStats struct {
	WeightSum float64
	Votes     int
	Actions   map[string]int
}

// Proposal is a consensus trade proposal emitted by the strategy council.
// Quantity is signed: sells are negative.
type Proposal struct {
	ProposalID string
	Symbol     string
	Price      float64
	Quantity   float64
	Action     string
	Confidence float64
	Tactic     string
	Notes      string
	Strategies []Attribution
	Consensus  ConsensusStats
	Metadata   map[string]any
}

// Exposure is a single symbol's projected dollar exposure.
type Exposure struct {
	Value  float64
	PctNAV float64
}

// RiskMetrics are derived from the ledger and the latest prices on every
// proposal evaluation; they are never persisted as source of truth.
type RiskMetrics struct {
	NAV           float64
	GrossExposure float64
	Leverage      float64
	VaRPct        float64
	VaRAmount     float64
	Exposures     map[string]Exposure
}

// RiskApproval forwards a proposal that cleared every risk gate together
// with the metrics computed during evaluation.
type RiskApproval struct {
	Proposal Proposal
	Limit    float64
	Metrics  RiskMetrics
}

// RiskReject reports a proposal that failed a risk rule. Business
// rejections are events, not errors.
type RiskReject struct {
	ProposalID string
	Symbol     string
	Reason     string
	Details    map[string]float64
}

// ComplianceApproval forwards a risk-approved proposal that also cleared
// compliance, with the projected post-trade quantity attached.
type ComplianceApproval struct {
	Approval          RiskApproval
	ProjectedQuantity float64
}

// Fill reports a trade applied to the ledger together with the resulting
// ledger deltas and the originating strategy attribution.
type Fill struct {
	ProposalID       string
	Symbol           string
	Price            float64
	Quantity         float64
	Cash             float64
	RealizedPNL      float64
	PositionQuantity float64
	Strategies       []Attribution
}

// StopLoss fires once per breach episode for a position moving against
// entry beyond the stop-loss threshold.
type StopLoss struct {
	Symbol      string
	Price       float64
	AverageCost float64
	Quantity    float64
	LossPct     float64
}

// KillSwitch is terminal for the run; the first one observed wins.
type KillSwitch struct {
	Reason  string
	Details map[string]float64
}

// Feedback adjusts a strategy's adaptive weight out of band.
type Feedback struct {
	Strategy string
	Delta    float64
	Reason   string
}
