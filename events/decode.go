package events

import "github.com/openhedge/desk/bus"

// Decode helpers are the single malformed-event handling point for the
// pipeline: a payload of the wrong type or with missing/invalid required
// fields yields ok == false and the stage drops the envelope silently.

// DirectiveFrom extracts a valid directive payload.
func DirectiveFrom(env bus.Envelope) (Directive, bool) {
	d, ok := env.Message.Payload.(Directive)
	if !ok || d.Symbol == "" || d.LatestClose <= 0 {
		return Directive{}, false
	}
	return d, true
}

// MarketSnapshotFrom extracts a valid market snapshot payload.
func MarketSnapshotFrom(env bus.Envelope) (MarketSnapshot, bool) {
	s, ok := env.Message.Payload.(MarketSnapshot)
	if !ok || s.Symbol == "" || s.LatestClose <= 0 {
		return MarketSnapshot{}, false
	}
	return s, true
}

// ProposalFrom extracts a valid consensus proposal payload.
func ProposalFrom(env bus.Envelope) (Proposal, bool) {
	p, ok := env.Message.Payload.(Proposal)
	if !ok || !p.valid() {
		return Proposal{}, false
	}
	return p, true
}

func (p Proposal) valid() bool {
	return p.ProposalID != "" && p.Symbol != "" && p.Price > 0 && p.Quantity != 0
}

// RiskApprovalFrom extracts a valid risk approval payload.
func RiskApprovalFrom(env bus.Envelope) (RiskApproval, bool) {
	a, ok := env.Message.Payload.(RiskApproval)
	if !ok || !a.Proposal.valid() {
		return RiskApproval{}, false
	}
	return a, true
}

// ComplianceApprovalFrom extracts a valid compliance approval payload.
func ComplianceApprovalFrom(env bus.Envelope) (ComplianceApproval, bool) {
	a, ok := env.Message.Payload.(ComplianceApproval)
	if !ok || !a.Approval.Proposal.valid() {
		return ComplianceApproval{}, false
	}
	return a, true
}

// FillFrom extracts a valid execution fill payload.
func FillFrom(env bus.Envelope) (Fill, bool) {
	f, ok := env.Message.Payload.(Fill)
	if !ok || f.Symbol == "" || f.Price <= 0 || f.Quantity == 0 {
		return Fill{}, false
	}
	return f, true
}

// FeedbackFrom extracts a valid strategy feedback payload.
func FeedbackFrom(env bus.Envelope) (Feedback, bool) {
	f, ok := env.Message.Payload.(Feedback)
	if !ok || f.Strategy == "" {
		return Feedback{}, false
	}
	return f, true
}

// KillSwitchFrom extracts a kill-switch payload. A missing or mistyped
// payload still engages the switch with reason "unspecified": a garbled
// kill signal must never be ignored.
func KillSwitchFrom(env bus.Envelope) KillSwitch {
	k, ok := env.Message.Payload.(KillSwitch)
	if !ok || k.Reason == "" {
		return KillSwitch{Reason: "unspecified"}
	}
	return k
}
