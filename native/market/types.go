package market

import (
	"fmt"
	"strings"
)

const (
	// FeeBps is the escrow commission in basis points (250 = 2.5%).
	FeeBps uint64 = 250
	// BasisPoints is the fee denominator (10000 = 100%).
	BasisPoints uint64 = 10_000
	// MaxLogisticsProviders bounds the logistics options on one trade.
	MaxLogisticsProviders = 10
	// MaxPurchaseIDs bounds the purchase-id index kept on trades and buyer
	// profiles. Purchases past the cap still exist and still affect
	// inventory; only the index entry is dropped.
	MaxPurchaseIDs = 100
)

// LogisticsOption pairs a delivery provider with its per-unit cost.
type LogisticsOption struct {
	Provider [20]byte
	UnitCost uint64
}

// Trade is one seller's standing offer of a fixed quantity of goods at a
// unit price, settled in a single asset.
type Trade struct {
	TradeID           uint64
	Seller            [20]byte
	LogisticsOptions  []LogisticsOption
	UnitProductCost   uint64
	TotalQuantity     uint64
	RemainingQuantity uint64
	Active            bool
	PurchaseIDs       []uint64
	Asset             string
	CreatedAt         uint64
}

// Clone returns a deep copy of the trade so callers can mutate the result
// without affecting the stored instance.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	clone := *t
	clone.LogisticsOptions = append([]LogisticsOption(nil), t.LogisticsOptions...)
	clone.PurchaseIDs = append([]uint64(nil), t.PurchaseIDs...)
	return &clone
}

// UnitCostFor resolves the per-unit logistics cost for the given provider.
// The options list is small and bounded, so a linear scan with first-match
// semantics is deterministic.
func (t *Trade) UnitCostFor(provider [20]byte) (uint64, bool) {
	if t == nil {
		return 0, false
	}
	for _, opt := range t.LogisticsOptions {
		if opt.Provider == provider {
			return opt.UnitCost, true
		}
	}
	return 0, false
}

// Purchase is one buyer's binding commitment against a trade. Once Settled
// flips to true the purchase is terminal.
type Purchase struct {
	PurchaseID            uint64
	TradeID               uint64
	Buyer                 [20]byte
	Quantity              uint64
	ChosenProvider        [20]byte
	TotalLogisticsCost    uint64
	TotalAmount           uint64
	DeliveredAndConfirmed bool
	Disputed              bool
	Settled               bool
	CreatedAt             uint64
}

// Clone returns a copy of the purchase.
func (p *Purchase) Clone() *Purchase {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// Counters is the process-wide singleton holding the owning admin identity
// and the monotonically increasing id counters. Counters only ever grow.
type Counters struct {
	Admin           [20]byte
	TradeCounter    uint64
	PurchaseCounter uint64
}

// Clone returns a copy of the counters record.
func (c *Counters) Clone() *Counters {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// BuyerProfile indexes a buyer's purchases, capped the same way as the
// trade-side index.
type BuyerProfile struct {
	Buyer       [20]byte
	PurchaseIDs []uint64
}

// Clone returns a deep copy of the profile.
func (b *BuyerProfile) Clone() *BuyerProfile {
	if b == nil {
		return nil
	}
	clone := *b
	clone.PurchaseIDs = append([]uint64(nil), b.PurchaseIDs...)
	return &clone
}

// NormalizeAsset canonicalises an asset symbol to its uppercase form and
// rejects empty or oversized symbols.
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" || len(trimmed) > 16 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAsset, symbol)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: %q", ErrInvalidAsset, symbol)
		}
	}
	return trimmed, nil
}

// SanitizeTrade validates the supplied trade and returns a clone with
// canonical asset casing. The original value is not mutated.
func SanitizeTrade(t *Trade) (*Trade, error) {
	if t == nil {
		return nil, fmt.Errorf("market: nil trade")
	}
	clone := t.Clone()
	asset, err := NormalizeAsset(clone.Asset)
	if err != nil {
		return nil, err
	}
	clone.Asset = asset
	if len(clone.LogisticsOptions) == 0 {
		return nil, ErrNoLogisticsOptions
	}
	if len(clone.LogisticsOptions) > MaxLogisticsProviders {
		return nil, ErrTooManyProviders
	}
	if clone.TotalQuantity == 0 {
		return nil, ErrInvalidQuantity
	}
	if clone.RemainingQuantity > clone.TotalQuantity {
		return nil, fmt.Errorf("market: remaining quantity exceeds total")
	}
	return clone, nil
}

// SanitizePurchase validates the supplied purchase and returns a clone.
func SanitizePurchase(p *Purchase) (*Purchase, error) {
	if p == nil {
		return nil, fmt.Errorf("market: nil purchase")
	}
	clone := p.Clone()
	if clone.Quantity == 0 {
		return nil, ErrInvalidQuantity
	}
	if clone.Settled && !clone.DeliveredAndConfirmed {
		return nil, fmt.Errorf("market: settled purchase missing confirmation flag")
	}
	return clone, nil
}
