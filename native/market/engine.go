package market

import (
	"math/big"
	"sync"
	"time"

	"merx/core/events"
	"merx/core/types"
)

// Ledger is the read surface of the value-transfer capability consumed by
// the engine. The transfers themselves travel inside each operation's
// Changeset so they commit in the same unit as the entity writes.
type Ledger interface {
	Balance(asset string, holder [20]byte) (*big.Int, error)
	EscrowAccount(asset string) [20]byte
	FeeAccount(asset string) [20]byte
}

// LedgerLeg is one transfer instruction between holding accounts.
type LedgerLeg struct {
	From   [20]byte
	To     [20]byte
	Amount *big.Int
}

// Registry is the identity-registry predicate consumed by the engine.
// Registrations the engine initiates ride the operation's Changeset;
// enforcement policy lives with the collaborator.
type Registry interface {
	IsRegistered(kind string, addr [20]byte) (bool, error)
}

// RegistryKindBuyer is the registry kind the engine auto-registers during
// Buy.
const RegistryKindBuyer = "buyer"

// Engine owns the trade and purchase lifecycles and orchestrates fee math
// and ledger transfers for every settlement path. Operations are
// serialized by an internal mutex: each call is a single atomic step, and
// id allocation always commits together with the entity it names.
type Engine struct {
	mu       sync.Mutex
	state    State
	ledger   Ledger
	registry Registry
	emitter  events.Emitter
	nowFn    func() uint64
}

// NewEngine constructs an engine over the supplied state and ledger with a
// no-op emitter. Callers can override collaborators via the setters.
func NewEngine(state State, ledger Ledger) *Engine {
	return &Engine{
		state:   state,
		ledger:  ledger,
		emitter: events.NoopEmitter{},
		nowFn:   func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetRegistry configures the identity registry collaborator.
func (e *Engine) SetRegistry(reg Registry) { e.registry = reg }

// SetEmitter configures the event emitter. Passing nil resets it to a
// no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() uint64) {
	if now == nil {
		e.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: evt})
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return e.nowFn()
}

func (e *Engine) loadCounters() (*Counters, error) {
	counters, ok, err := e.state.CountersGet()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return counters, nil
}

func (e *Engine) loadTrade(id uint64) (*Trade, error) {
	trade, ok, err := e.state.TradeGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTradeNotFound
	}
	return trade, nil
}

func (e *Engine) loadPurchase(id uint64) (*Purchase, error) {
	purchase, ok, err := e.state.PurchaseGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	return purchase, nil
}

// Initialize creates the global counters singleton owned by admin. It may
// run exactly once; the admin identity never changes afterwards.
func (e *Engine) Initialize(admin [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok, err := e.state.CountersGet()
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyInitialized
	}
	return e.state.Commit(&Changeset{Counters: &Counters{Admin: admin}})
}

// Admin reports the configured admin identity.
func (e *Engine) Admin() ([20]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	counters, err := e.loadCounters()
	if err != nil {
		return [20]byte{}, err
	}
	return counters.Admin, nil
}

// CreateTrade validates and persists a new standing offer. The trade id is
// allocated from the global counter and commits together with the trade;
// no funds move.
func (e *Engine) CreateTrade(caller, seller [20]byte, providers [][20]byte, unitCosts []uint64, unitProductCost, totalQuantity uint64, asset string) (*Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	counters, err := e.loadCounters()
	if err != nil {
		return nil, err
	}
	if caller != counters.Admin {
		return nil, ErrNotAuthorized
	}
	if len(providers) != len(unitCosts) {
		return nil, ErrArityMismatch
	}
	if len(providers) == 0 {
		return nil, ErrNoLogisticsOptions
	}
	if len(providers) > MaxLogisticsProviders {
		return nil, ErrTooManyProviders
	}
	if totalQuantity == 0 {
		return nil, ErrInvalidQuantity
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return nil, err
	}

	options := make([]LogisticsOption, len(providers))
	for i := range providers {
		options[i] = LogisticsOption{Provider: providers[i], UnitCost: unitCosts[i]}
	}

	counters.TradeCounter++
	trade := &Trade{
		TradeID:           counters.TradeCounter,
		Seller:            seller,
		LogisticsOptions:  options,
		UnitProductCost:   unitProductCost,
		TotalQuantity:     totalQuantity,
		RemainingQuantity: totalQuantity,
		Active:            true,
		PurchaseIDs:       []uint64{},
		Asset:             normalized,
		CreatedAt:         e.now(),
	}
	if err := e.state.Commit(&Changeset{Counters: counters, Trades: []*Trade{trade}}); err != nil {
		return nil, err
	}
	e.emit(NewTradeCreatedEvent(trade))
	return trade.Clone(), nil
}

// Buy commits a purchase against a trade: the buyer's payment into escrow,
// the purchase, the inventory decrement, the id-index appends, the counter
// advance, and any buyer registration land as one unit. A failed transfer
// or commit leaves everything untouched.
func (e *Engine) Buy(buyer [20]byte, tradeID, quantity uint64, provider [20]byte) (*Purchase, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	counters, err := e.loadCounters()
	if err != nil {
		return nil, err
	}
	if quantity == 0 {
		return nil, ErrInvalidQuantity
	}
	trade, err := e.loadTrade(tradeID)
	if err != nil {
		return nil, err
	}
	if !trade.Active {
		return nil, ErrTradeInactive
	}
	if trade.RemainingQuantity < quantity {
		return nil, ErrInsufficientInventory
	}
	if buyer == trade.Seller {
		return nil, ErrSelfTrade
	}
	unitLogisticsCost, ok := trade.UnitCostFor(provider)
	if !ok {
		return nil, ErrUnknownLogisticsProvider
	}

	totalLogisticsCost, err := checkedMul(unitLogisticsCost, quantity)
	if err != nil {
		return nil, err
	}
	productTotal, err := checkedMul(trade.UnitProductCost, quantity)
	if err != nil {
		return nil, err
	}
	totalAmount, err := checkedAdd(productTotal, totalLogisticsCost)
	if err != nil {
		return nil, err
	}

	counters.PurchaseCounter++
	purchase := &Purchase{
		PurchaseID:         counters.PurchaseCounter,
		TradeID:            tradeID,
		Buyer:              buyer,
		Quantity:           quantity,
		ChosenProvider:     provider,
		TotalLogisticsCost: totalLogisticsCost,
		TotalAmount:        totalAmount,
		CreatedAt:          e.now(),
	}

	trade.RemainingQuantity -= quantity
	if len(trade.PurchaseIDs) < MaxPurchaseIDs {
		trade.PurchaseIDs = append(trade.PurchaseIDs, purchase.PurchaseID)
	}
	if trade.RemainingQuantity == 0 {
		trade.Active = false
	}

	profile, ok, err := e.state.BuyerProfileGet(buyer)
	if err != nil {
		return nil, err
	}
	if !ok {
		profile = &BuyerProfile{Buyer: buyer, PurchaseIDs: []uint64{}}
	}
	if len(profile.PurchaseIDs) < MaxPurchaseIDs {
		profile.PurchaseIDs = append(profile.PurchaseIDs, purchase.PurchaseID)
	}

	escrow := e.ledger.EscrowAccount(trade.Asset)
	cs := &Changeset{
		Counters:  counters,
		Trades:    []*Trade{trade},
		Purchases: []*Purchase{purchase},
		Profiles:  []*BuyerProfile{profile},
		Funds: &FundsMovement{
			Asset: trade.Asset,
			Legs:  []LedgerLeg{{From: buyer, To: escrow, Amount: new(big.Int).SetUint64(totalAmount)}},
		},
	}
	if e.registry != nil {
		registered, err := e.registry.IsRegistered(RegistryKindBuyer, buyer)
		if err != nil {
			return nil, err
		}
		if !registered {
			cs.Registrations = append(cs.Registrations, Registration{Kind: RegistryKindBuyer, Addr: buyer})
		}
	}
	if err := e.state.Commit(cs); err != nil {
		return nil, err
	}
	e.emit(NewPurchaseCreatedEvent(purchase))
	e.emit(NewPaymentHeldEvent(purchase))
	return purchase.Clone(), nil
}

// ConfirmDelivery settles a purchase in favour of the seller and logistics
// provider. Only the buyer may confirm, and only once.
func (e *Engine) ConfirmDelivery(caller [20]byte, purchaseID uint64) (*Purchase, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	purchase, err := e.loadPurchase(purchaseID)
	if err != nil {
		return nil, err
	}
	if caller != purchase.Buyer {
		return nil, ErrNotAuthorized
	}
	if purchase.DeliveredAndConfirmed {
		return nil, ErrAlreadyConfirmed
	}
	if purchase.Disputed {
		return nil, ErrAlreadyDisputed
	}
	if purchase.Settled {
		return nil, ErrAlreadySettled
	}
	trade, err := e.loadTrade(purchase.TradeID)
	if err != nil {
		return nil, err
	}

	legs, err := e.settlementLegs(trade, purchase)
	if err != nil {
		return nil, err
	}

	purchase.DeliveredAndConfirmed = true
	purchase.Settled = true
	cs := &Changeset{Purchases: []*Purchase{purchase}}
	if len(legs) > 0 {
		cs.Funds = &FundsMovement{Asset: trade.Asset, Legs: legs}
	}
	if err := e.state.Commit(cs); err != nil {
		return nil, err
	}
	e.emit(NewPurchaseSettledEvent(purchase, OutcomeConfirmed))
	return purchase.Clone(), nil
}

// RaiseDispute flags a purchase as disputed. Any party may raise the flag;
// the initiator is recorded on the emitted event. No funds move.
func (e *Engine) RaiseDispute(caller [20]byte, purchaseID uint64) (*Purchase, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	purchase, err := e.loadPurchase(purchaseID)
	if err != nil {
		return nil, err
	}
	if purchase.DeliveredAndConfirmed {
		return nil, ErrAlreadyConfirmed
	}
	if purchase.Disputed {
		return nil, ErrAlreadyDisputed
	}

	purchase.Disputed = true
	if err := e.state.Commit(&Changeset{Purchases: []*Purchase{purchase}}); err != nil {
		return nil, err
	}
	e.emit(NewDisputeRaisedEvent(purchase, caller))
	return purchase.Clone(), nil
}

// ResolveDispute settles a disputed purchase in favour of the winner. A
// buyer win refunds the full amount and restores inventory (possibly
// reactivating a sold-out trade); any other winner triggers the same
// payout split as a confirmed delivery with no inventory change.
func (e *Engine) ResolveDispute(caller [20]byte, purchaseID uint64, winner [20]byte) (*Purchase, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	counters, err := e.loadCounters()
	if err != nil {
		return nil, err
	}
	if caller != counters.Admin {
		return nil, ErrNotAuthorized
	}
	purchase, err := e.loadPurchase(purchaseID)
	if err != nil {
		return nil, err
	}
	if !purchase.Disputed {
		return nil, ErrNotDisputed
	}
	if purchase.Settled {
		return nil, ErrAlreadySettled
	}
	trade, err := e.loadTrade(purchase.TradeID)
	if err != nil {
		return nil, err
	}
	if winner != purchase.Buyer && winner != trade.Seller && winner != purchase.ChosenProvider {
		return nil, ErrInvalidDisputeWinner
	}

	cs := &Changeset{Purchases: []*Purchase{purchase}}
	if winner == purchase.Buyer {
		cs.Funds = &FundsMovement{Asset: trade.Asset, Legs: []LedgerLeg{e.refundLeg(trade, purchase)}}
		creditInventory(trade, purchase.Quantity)
		cs.Trades = []*Trade{trade}
	} else {
		legs, err := e.settlementLegs(trade, purchase)
		if err != nil {
			return nil, err
		}
		if len(legs) > 0 {
			cs.Funds = &FundsMovement{Asset: trade.Asset, Legs: legs}
		}
	}

	purchase.DeliveredAndConfirmed = true
	purchase.Settled = true
	if err := e.state.Commit(cs); err != nil {
		return nil, err
	}
	e.emit(NewDisputeResolvedEvent(purchase, winner))
	e.emit(NewPurchaseSettledEvent(purchase, OutcomeDispute))
	return purchase.Clone(), nil
}

// Cancel is a buyer-initiated settlement: the full amount is refunded and
// the quantity returns to the trade's inventory.
func (e *Engine) Cancel(caller [20]byte, purchaseID uint64) (*Purchase, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	purchase, err := e.loadPurchase(purchaseID)
	if err != nil {
		return nil, err
	}
	if caller != purchase.Buyer {
		return nil, ErrNotAuthorized
	}
	if purchase.DeliveredAndConfirmed {
		return nil, ErrAlreadyConfirmed
	}
	if purchase.Disputed {
		return nil, ErrAlreadyDisputed
	}
	if purchase.Settled {
		return nil, ErrAlreadySettled
	}
	trade, err := e.loadTrade(purchase.TradeID)
	if err != nil {
		return nil, err
	}

	creditInventory(trade, purchase.Quantity)

	purchase.DeliveredAndConfirmed = true
	purchase.Settled = true
	cs := &Changeset{
		Trades:    []*Trade{trade},
		Purchases: []*Purchase{purchase},
		Funds:     &FundsMovement{Asset: trade.Asset, Legs: []LedgerLeg{e.refundLeg(trade, purchase)}},
	}
	if err := e.state.Commit(cs); err != nil {
		return nil, err
	}
	e.emit(NewPurchaseSettledEvent(purchase, OutcomeCancelled))
	return purchase.Clone(), nil
}

// WithdrawFees drains the pooled fee balance for one asset to the admin.
// There is no partial withdrawal and no per-trade fee accounting.
func (e *Engine) WithdrawFees(caller [20]byte, asset string) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	counters, err := e.loadCounters()
	if err != nil {
		return nil, err
	}
	if caller != counters.Admin {
		return nil, ErrNotAuthorized
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return nil, err
	}
	feeAccount := e.ledger.FeeAccount(normalized)
	balance, err := e.ledger.Balance(normalized, feeAccount)
	if err != nil {
		return nil, err
	}
	if balance.Sign() <= 0 {
		return nil, ErrNothingToWithdraw
	}
	cs := &Changeset{Funds: &FundsMovement{
		Asset: normalized,
		Legs:  []LedgerLeg{{From: feeAccount, To: counters.Admin, Amount: balance}},
	}}
	if err := e.state.Commit(cs); err != nil {
		return nil, err
	}
	e.emit(NewFeesWithdrawnEvent(normalized, balance.String(), counters.Admin))
	return new(big.Int).Set(balance), nil
}

// TradeByID returns a copy of the stored trade.
func (e *Engine) TradeByID(id uint64) (*Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	trade, err := e.loadTrade(id)
	if err != nil {
		return nil, err
	}
	return trade.Clone(), nil
}

// PurchaseByID returns a copy of the stored purchase.
func (e *Engine) PurchaseByID(id uint64) (*Purchase, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	purchase, err := e.loadPurchase(id)
	if err != nil {
		return nil, err
	}
	return purchase.Clone(), nil
}

// settlementLegs builds the seller and logistics payout legs plus the fee
// residue into the fee pool. The product fee is recomputed from the trade's
// unit cost and the purchase quantity; nothing cached at creation time is
// consulted. The legs commit inside the caller's changeset.
func (e *Engine) settlementLegs(trade *Trade, purchase *Purchase) ([]LedgerLeg, error) {
	split, err := ComputeSettlement(trade.UnitProductCost, purchase.Quantity, purchase.TotalLogisticsCost)
	if err != nil {
		return nil, err
	}
	escrow := e.ledger.EscrowAccount(trade.Asset)
	legs := make([]LedgerLeg, 0, 3)
	if split.SellerAmount > 0 {
		legs = append(legs, LedgerLeg{From: escrow, To: trade.Seller, Amount: new(big.Int).SetUint64(split.SellerAmount)})
	}
	if split.LogisticsAmount > 0 {
		legs = append(legs, LedgerLeg{From: escrow, To: purchase.ChosenProvider, Amount: new(big.Int).SetUint64(split.LogisticsAmount)})
	}
	if fee := split.FeeTotal(); fee > 0 {
		legs = append(legs, LedgerLeg{From: escrow, To: e.ledger.FeeAccount(trade.Asset), Amount: new(big.Int).SetUint64(fee)})
	}
	return legs, nil
}

// refundLeg returns the full escrowed amount of one purchase to its buyer.
func (e *Engine) refundLeg(trade *Trade, purchase *Purchase) LedgerLeg {
	escrow := e.ledger.EscrowAccount(trade.Asset)
	return LedgerLeg{From: escrow, To: purchase.Buyer, Amount: new(big.Int).SetUint64(purchase.TotalAmount)}
}

// creditInventory returns quantity to the trade and reactivates it when
// stock becomes available again. Depletion is only ever decided on the
// debit path in Buy.
func creditInventory(trade *Trade, quantity uint64) {
	trade.RemainingQuantity += quantity
	if !trade.Active && trade.RemainingQuantity > 0 {
		trade.Active = true
	}
}
