// Package compliance validates risk-approved proposals against the
// restricted list, prohibited-tactic screening and per-symbol
// concentration limits. Prohibited conduct is not a business rejection;
// it engages the desk kill switch.
package compliance

import (
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/openhedge/desk/alert"
	"github.com/openhedge/desk/bus"
	"github.com/openhedge/desk/events"
	"github.com/openhedge/desk/portfolio"
	"github.com/openhedge/desk/stage"
)

// insiderFlags are metadata keys whose truthy presence indicates trading
// on material non-public information.
var insiderFlags = []string{"insider_signal", "mnpi_flag", "material_non_public"}

// DefaultProhibitedTactics is the standing keyword screen.
func DefaultProhibitedTactics() []string {
	return []string{"spoofing", "layering", "insider", "pump-and-dump", "pump_and_dump", "front_running"}
}

// Config tunes the compliance gate. Zero values take defaults.
type Config struct {
	// Restricted lists symbols that must never trade. Matching is
	// case-insensitive.
	Restricted []string
	// MaxPositionPct caps projected per-symbol notional as a fraction of NAV.
	MaxPositionPct float64
	// ProhibitedTactics overrides the default keyword screen.
	ProhibitedTactics []string
}

func (c Config) withDefaults() Config {
	if c.MaxPositionPct == 0 {
		c.MaxPositionPct = 0.2
	}
	if c.ProhibitedTactics == nil {
		c.ProhibitedTactics = DefaultProhibitedTactics()
	}
	return c
}

// Gate is the compliance pipeline stage.
type Gate struct {
	ctx        stage.Context
	log        *logrus.Entry
	cfg        Config
	restricted map[string]struct{}
	bus        *bus.Bus
	sub        *bus.Subscription
}

// New builds a compliance gate over the shared run context.
func New(cfg Config, ctx stage.Context) *Gate {
	cfg = cfg.withDefaults()
	g := &Gate{
		ctx:        stage.NewContext(ctx),
		cfg:        cfg,
		restricted: make(map[string]struct{}, len(cfg.Restricted)),
	}
	for _, symbol := range cfg.Restricted {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol != "" {
			g.restricted[symbol] = struct{}{}
		}
	}
	g.log = g.ctx.Logger(g.Name())
	return g
}

func (g *Gate) Name() string { return "compliance" }

func (g *Gate) Start(b *bus.Bus) {
	g.bus = b
	g.sub = b.Subscribe(g.onRiskApproval, []string{events.TopicRiskApproval}, 0)
}

func (g *Gate) Tick() {
	g.ctx.Metric(g.Name(), "compliance_active", 1, nil)
}

func (g *Gate) Stop() {
	if g.sub != nil {
		g.bus.Unsubscribe(g.sub.ID)
		g.sub = nil
	}
}

func (g *Gate) onRiskApproval(env bus.Envelope) {
	approval, ok := events.RiskApprovalFrom(env)
	if !ok {
		return
	}
	proposal := approval.Proposal
	symbol := strings.ToUpper(proposal.Symbol)

	if _, banned := g.restricted[symbol]; banned {
		g.reject(proposal, "restricted_symbol", alert.Error)
		return
	}
	if reason := g.detectProhibited(proposal); reason != "" {
		g.bus.Publish(events.TopicComplianceKillSwitch, events.KillSwitch{
			Reason: reason,
			Details: map[string]float64{
				"price":    proposal.Price,
				"quantity": proposal.Quantity,
			},
		}, nil)
		g.reject(proposal, reason, alert.Critical)
		return
	}

	book := g.ctx.Ledger.Snapshot()
	currentQty := 0.0
	if position, held := book.Positions[symbol]; held {
		currentQty = position.Quantity
	}
	projectedQty := currentQty + proposal.Quantity
	projectedNotional := math.Abs(projectedQty * proposal.Price)
	nav := math.Max(complianceNAV(book), 1)
	if projectedNotional/nav > g.cfg.MaxPositionPct {
		g.reject(proposal, "concentration_limit", alert.Error)
		return
	}

	g.bus.Publish(events.TopicComplianceApproval, events.ComplianceApproval{
		Approval:          approval,
		ProjectedQuantity: projectedQty,
	}, nil)
	g.ctx.Metric(g.Name(), "compliance_approved", 1, map[string]string{"symbol": symbol})
}

func (g *Gate) reject(proposal events.Proposal, reason string, severity alert.Severity) {
	g.log.WithFields(logrus.Fields{
		"proposal_id": proposal.ProposalID,
		"symbol":      proposal.Symbol,
		"reason":      reason,
	}).Warn("proposal rejected")
	payload := map[string]any{
		"proposal_id": proposal.ProposalID,
		"symbol":      proposal.Symbol,
		"reason":      reason,
	}
	if err := g.ctx.Audit.Record("compliance_reject", payload); err != nil {
		g.log.WithError(err).Warn("audit write failed")
	}
	g.ctx.Alerts.Notify("compliance_reject", payload, severity)
	g.ctx.Metric(g.Name(), "compliance_rejected", 1, map[string]string{
		"symbol": proposal.Symbol,
		"reason": reason,
	})
}

// detectProhibited scans the proposal's free-text fields and metadata for
// prohibited tactics, then checks the insider indicator flags.
func (g *Gate) detectProhibited(proposal events.Proposal) string {
	tokens := textTokens(proposal)
	for _, keyword := range g.cfg.ProhibitedTactics {
		keyword = strings.ToLower(strings.TrimSpace(keyword))
		if keyword == "" {
			continue
		}
		for _, token := range tokens {
			if strings.Contains(token, keyword) {
				return "prohibited_tactic:" + keyword
			}
		}
	}
	for _, flag := range insiderFlags {
		if truthy(proposal.Metadata[flag]) {
			return "insider_indicator:" + flag
		}
	}
	return ""
}

func textTokens(proposal events.Proposal) []string {
	tokens := make([]string, 0, 4+2*len(proposal.Strategies))
	for _, field := range []string{proposal.Tactic, proposal.Notes} {
		if field != "" {
			tokens = append(tokens, strings.ToLower(field))
		}
	}
	for _, attribution := range proposal.Strategies {
		if attribution.Strategy != "" {
			tokens = append(tokens, strings.ToLower(attribution.Strategy))
		}
		if attribution.Rationale != "" {
			tokens = append(tokens, strings.ToLower(attribution.Rationale))
		}
	}
	return append(tokens, metadataTokens(proposal.Metadata)...)
}

// metadataTokens flattens nested metadata values to lowercase strings.
func metadataTokens(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return []string{strings.ToLower(v)}
	case map[string]any:
		var tokens []string
		for _, item := range v {
			tokens = append(tokens, metadataTokens(item)...)
		}
		return tokens
	case []any:
		var tokens []string
		for _, item := range v {
			tokens = append(tokens, metadataTokens(item)...)
		}
		return tokens
	case []string:
		tokens := make([]string, 0, len(v))
		for _, item := range v {
			tokens = append(tokens, strings.ToLower(item))
		}
		return tokens
	default:
		return nil
	}
}

func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v != "" && !strings.EqualFold(v, "false")
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return false
	}
}

// complianceNAV values positions at cost rather than market; the gate has
// no price feed of its own.
func complianceNAV(book portfolio.Snapshot) float64 {
	nav := book.Cash
	for _, position := range book.Positions {
		nav += math.Abs(position.Quantity * position.AverageCost)
	}
	return nav
}
