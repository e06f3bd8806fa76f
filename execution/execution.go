// Package execution applies compliance-approved trades to the ledger and
// reports fills back onto the bus. There is no outbound broker; execution
// is always a paper fill at the proposal price.
package execution

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/openhedge/desk/bus"
	"github.com/openhedge/desk/events"
	"github.com/openhedge/desk/portfolio"
	"github.com/openhedge/desk/stage"
)

// Executor is the final pipeline stage.
type Executor struct {
	ctx stage.Context
	log *logrus.Entry
	bus *bus.Bus
	sub *bus.Subscription
}

// New builds an executor over the shared run context.
func New(ctx stage.Context) *Executor {
	x := &Executor{ctx: stage.NewContext(ctx)}
	x.log = x.ctx.Logger(x.Name())
	return x
}

func (x *Executor) Name() string { return "execution" }

func (x *Executor) Start(b *bus.Bus) {
	x.bus = b
	x.sub = b.Subscribe(x.onApproval, []string{events.TopicComplianceApproval}, 0)
}

func (x *Executor) Tick() {
	x.ctx.Metric(x.Name(), "execution_active", 1, nil)
}

func (x *Executor) Stop() {
	if x.sub != nil {
		x.bus.Unsubscribe(x.sub.ID)
		x.sub = nil
	}
}

func (x *Executor) onApproval(env bus.Envelope) {
	approved, ok := events.ComplianceApprovalFrom(env)
	if !ok {
		return
	}
	proposal := approved.Approval.Proposal
	symbol := strings.ToUpper(proposal.Symbol)

	result, err := x.ctx.Ledger.ApplyFill(symbol, proposal.Quantity, proposal.Price)
	switch {
	case errors.Is(err, portfolio.ErrZeroQuantity), errors.Is(err, portfolio.ErrInvalidPrice):
		x.log.WithError(err).WithField("proposal_id", proposal.ProposalID).Error("unfillable order")
		return
	case err != nil:
		// in-memory state is authoritative: a persist failure is reported
		// but the fill stands and still flows downstream
		x.log.WithError(err).WithFields(logrus.Fields{
			"proposal_id": proposal.ProposalID,
			"symbol":      symbol,
		}).Warn("ledger persist failed")
	}

	fill := events.Fill{
		ProposalID:       proposal.ProposalID,
		Symbol:           symbol,
		Price:            proposal.Price,
		Quantity:         proposal.Quantity,
		Cash:             result.Cash,
		RealizedPNL:      result.RealizedPNL,
		PositionQuantity: result.PositionQuantity,
		Strategies:       proposal.Strategies,
	}
	x.bus.Publish(events.TopicExecutionFill, fill, nil)
	if err := x.ctx.Audit.Record("execution_fill", map[string]any{
		"proposal_id":       fill.ProposalID,
		"symbol":            fill.Symbol,
		"price":             fill.Price,
		"quantity":          fill.Quantity,
		"cash":              fill.Cash,
		"realized_pnl":      fill.RealizedPNL,
		"position_quantity": fill.PositionQuantity,
	}); err != nil {
		x.log.WithError(err).Warn("audit write failed")
	}
	x.ctx.Metric(x.Name(), "execution_fills", 1, map[string]string{"symbol": symbol})
}
