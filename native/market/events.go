package market

import (
	"encoding/hex"
	"strconv"

	"merx/core/types"
)

const (
	EventTypeTradeCreated    = "market.trade.created"
	EventTypePurchaseCreated = "market.purchase.created"
	EventTypePaymentHeld     = "market.payment.held"
	EventTypePurchaseSettled = "market.purchase.settled"
	EventTypeDisputeRaised   = "market.dispute.raised"
	EventTypeDisputeResolved = "market.dispute.resolved"
	EventTypeFeesWithdrawn   = "market.fees.withdrawn"
)

// Settlement outcomes recorded on market.purchase.settled events.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeCancelled = "cancelled"
	OutcomeDispute   = "dispute"
)

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// NewTradeCreatedEvent returns the canonical payload for a new trade.
func NewTradeCreatedEvent(t *Trade) *types.Event {
	attrs := make(map[string]string)
	if t == nil {
		return &types.Event{Type: EventTypeTradeCreated, Attributes: attrs}
	}
	attrs["tradeId"] = strconv.FormatUint(t.TradeID, 10)
	attrs["seller"] = hex.EncodeToString(t.Seller[:])
	attrs["unitProductCost"] = strconv.FormatUint(t.UnitProductCost, 10)
	attrs["totalQuantity"] = strconv.FormatUint(t.TotalQuantity, 10)
	attrs["asset"] = t.Asset
	return &types.Event{Type: EventTypeTradeCreated, Attributes: attrs}
}

// NewPurchaseCreatedEvent returns the payload emitted when a purchase is
// committed against a trade.
func NewPurchaseCreatedEvent(p *Purchase) *types.Event {
	attrs := make(map[string]string)
	if p == nil {
		return &types.Event{Type: EventTypePurchaseCreated, Attributes: attrs}
	}
	attrs["purchaseId"] = strconv.FormatUint(p.PurchaseID, 10)
	attrs["tradeId"] = strconv.FormatUint(p.TradeID, 10)
	attrs["buyer"] = hex.EncodeToString(p.Buyer[:])
	attrs["quantity"] = strconv.FormatUint(p.Quantity, 10)
	return &types.Event{Type: EventTypePurchaseCreated, Attributes: attrs}
}

// NewPaymentHeldEvent returns the payload emitted once the buyer's payment
// is captured into escrow.
func NewPaymentHeldEvent(p *Purchase) *types.Event {
	attrs := make(map[string]string)
	if p == nil {
		return &types.Event{Type: EventTypePaymentHeld, Attributes: attrs}
	}
	attrs["purchaseId"] = strconv.FormatUint(p.PurchaseID, 10)
	attrs["totalAmount"] = strconv.FormatUint(p.TotalAmount, 10)
	return &types.Event{Type: EventTypePaymentHeld, Attributes: attrs}
}

// NewPurchaseSettledEvent returns the payload for a terminal settlement.
// The outcome names the path taken: confirmed, cancelled, or dispute.
func NewPurchaseSettledEvent(p *Purchase, outcome string) *types.Event {
	attrs := make(map[string]string)
	if p == nil {
		return &types.Event{Type: EventTypePurchaseSettled, Attributes: attrs}
	}
	attrs["purchaseId"] = strconv.FormatUint(p.PurchaseID, 10)
	attrs["tradeId"] = strconv.FormatUint(p.TradeID, 10)
	attrs["outcome"] = outcome
	return &types.Event{Type: EventTypePurchaseSettled, Attributes: attrs}
}

// NewDisputeRaisedEvent returns the payload emitted when a purchase is
// flagged as disputed.
func NewDisputeRaisedEvent(p *Purchase, initiator [20]byte) *types.Event {
	attrs := make(map[string]string)
	if p == nil {
		return &types.Event{Type: EventTypeDisputeRaised, Attributes: attrs}
	}
	attrs["purchaseId"] = strconv.FormatUint(p.PurchaseID, 10)
	attrs["initiator"] = hex.EncodeToString(initiator[:])
	return &types.Event{Type: EventTypeDisputeRaised, Attributes: attrs}
}

// NewDisputeResolvedEvent returns the payload emitted when an admin
// resolves a dispute in favour of the winner.
func NewDisputeResolvedEvent(p *Purchase, winner [20]byte) *types.Event {
	attrs := make(map[string]string)
	if p == nil {
		return &types.Event{Type: EventTypeDisputeResolved, Attributes: attrs}
	}
	attrs["purchaseId"] = strconv.FormatUint(p.PurchaseID, 10)
	attrs["winner"] = hex.EncodeToString(winner[:])
	return &types.Event{Type: EventTypeDisputeResolved, Attributes: attrs}
}

// NewFeesWithdrawnEvent returns the payload emitted when the pooled fee
// balance is drained to the admin.
func NewFeesWithdrawnEvent(asset, amount string, recipient [20]byte) *types.Event {
	attrs := map[string]string{
		"asset":     asset,
		"amount":    amount,
		"recipient": hex.EncodeToString(recipient[:]),
	}
	return &types.Event{Type: EventTypeFeesWithdrawn, Attributes: attrs}
}
