package escrow

import (
	"encoding/hex"
	"strconv"

	"escrowledger/core/types"
)

const (
	EventTypeEscrowCreated        = "escrow.created"
	EventTypeEscrowFunded         = "escrow.funded"
	EventTypeEscrowActivated      = "escrow.activated"
	EventTypeMilestoneApproved    = "escrow.milestone.approved"
	EventTypeMilestoneReleased    = "escrow.milestone.released"
	EventTypeMilestoneRefunded    = "escrow.milestone.refunded"
	EventTypeEscrowDisputed       = "escrow.disputed"
	EventTypeEscrowResolved       = "escrow.resolved"
	EventTypeEscrowCancelled      = "escrow.cancelled"
	EventTypeEscrowCompleted      = "escrow.completed"
	EventTypeBeneficiaryChanged   = "escrow.beneficiary.transferred"
	EventTypeGuarantorSlashed     = "escrow.guarantor.slashed"
	EventTypeEscrowLenderAccepted = "escrow.lender.accepted"
)

// NewCreatedEvent returns the canonical payload for a newly created escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, e) }

// NewFundedEvent is emitted after every contribution.
func NewFundedEvent(e *Escrow, payer [20]byte, amount string) *types.Event {
	return newEscrowEvent(EventTypeEscrowFunded, e).
		Set("payer", hexAddr(payer)).
		Set("amount", amount)
}

// NewActivatedEvent is emitted on the PENDING to ACTIVE transition.
func NewActivatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowActivated, e) }

func newMilestoneEvent(eventType string, e *Escrow, index int) *types.Event {
	evt := newEscrowEvent(eventType, e).Set("milestone", strconv.Itoa(index))
	if index >= 0 && index < len(e.Milestones) {
		evt.Set("amount", e.Milestones[index].Amount.String())
	}
	return evt
}

// NewDisputedEvent is emitted when a payer or the beneficiary raises a dispute.
func NewDisputedEvent(e *Escrow, by [20]byte) *types.Event {
	return newEscrowEvent(EventTypeEscrowDisputed, e).Set("raisedBy", hexAddr(by))
}

// NewResolvedEvent is emitted when the arbiter resolves a dispute.
func NewResolvedEvent(e *Escrow, released []int) *types.Event {
	list := ""
	for i, idx := range released {
		if i > 0 {
			list += ","
		}
		list += strconv.Itoa(idx)
	}
	return newEscrowEvent(EventTypeEscrowResolved, e).Set("released", list)
}

// NewCancelledEvent is emitted when an escrow is cancelled.
func NewCancelledEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCancelled, e) }

// NewCompletedEvent is emitted when the last milestone closes.
func NewCompletedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCompleted, e) }

func newEscrowEvent(eventType string, e *Escrow) *types.Event {
	evt := types.NewEvent(eventType)
	if e == nil {
		return evt
	}
	evt.Set("id", strconv.FormatUint(e.ID, 10)).
		Set("state", e.State.String()).
		Set("creator", hexAddr(e.Creator)).
		Set("beneficiary", hexAddr(e.Beneficiary)).
		Set("target", e.Target.String()).
		Set("totalFunded", e.TotalFunded.String()).
		Set("totalReleased", e.TotalReleased.String())
	if e.HasArbiter() {
		evt.Set("arbiter", hexAddr(e.Arbiter))
	}
	return evt
}

func hexAddr(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}
