package market_test

import (
	"errors"
	"math/big"
	"testing"

	"merx/native/ledger"
	"merx/native/market"
	"merx/native/registry"
	"merx/storage"
)

// flakyDB refuses batch writes on demand so the commit of an otherwise
// valid operation can be made to fail.
type flakyDB struct {
	storage.Database
	refuseWrites bool
}

func (db *flakyDB) Write(batch *storage.Batch) error {
	if db.refuseWrites {
		return errors.New("write refused")
	}
	return db.Database.Write(batch)
}

type storeFixture struct {
	db     *flakyDB
	book   *ledger.Book
	reg    *registry.Store
	engine *market.Engine
	admin  [20]byte
	seller [20]byte
	buyer  [20]byte
	pvd    [20]byte
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()
	f := &storeFixture{db: &flakyDB{Database: storage.NewMemDB()}}
	f.admin[19] = 0x01
	f.seller[19] = 0x02
	f.buyer[19] = 0x03
	f.pvd[19] = 0x04

	f.book = ledger.NewBook(f.db)
	f.reg = registry.NewStore(f.db)
	f.engine = market.NewEngine(market.NewStoreState(f.db, f.book, f.reg), f.book)
	f.engine.SetRegistry(f.reg)
	f.engine.SetNowFunc(func() uint64 { return 1_700_000_000 })
	if err := f.engine.Initialize(f.admin); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := f.engine.CreateTrade(f.admin, f.seller, [][20]byte{f.pvd}, []uint64{100}, 1000, 5, "USDT"); err != nil {
		t.Fatalf("create trade: %v", err)
	}
	if err := f.book.Mint("USDT", f.buyer, big.NewInt(10_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	return f
}

func (f *storeFixture) balance(t *testing.T, holder [20]byte) uint64 {
	t.Helper()
	bal, err := f.book.Balance("USDT", holder)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Uint64()
}

func TestBuyWriteFailureLeavesNoTrace(t *testing.T) {
	f := newStoreFixture(t)
	f.db.refuseWrites = true

	if _, err := f.engine.Buy(f.buyer, 1, 3, f.pvd); err == nil {
		t.Fatal("buy succeeded despite refused write")
	}
	// Payment, purchase record, counter, and registration share one batch:
	// the refused write must leave all of them behind.
	if got := f.balance(t, f.book.EscrowAccount("USDT")); got != 0 {
		t.Fatalf("escrow holds %d after failed buy", got)
	}
	if got := f.balance(t, f.buyer); got != 10_000 {
		t.Fatalf("buyer balance after failed buy: %d", got)
	}
	if _, err := f.engine.PurchaseByID(1); !errors.Is(err, market.ErrPurchaseNotFound) {
		t.Fatalf("purchase record exists after failed buy: %v", err)
	}
	if registered, _ := f.reg.IsRegistered(registry.KindBuyer, f.buyer); registered {
		t.Fatal("buyer registered after failed buy")
	}

	f.db.refuseWrites = false
	purchase, err := f.engine.Buy(f.buyer, 1, 3, f.pvd)
	if err != nil {
		t.Fatalf("retry buy: %v", err)
	}
	// The failed attempt consumed no purchase id.
	if purchase.PurchaseID != 1 {
		t.Fatalf("purchase id after retry: %d", purchase.PurchaseID)
	}
	if got := f.balance(t, f.book.EscrowAccount("USDT")); got != 3300 {
		t.Fatalf("escrow after retry: %d", got)
	}
	if registered, _ := f.reg.IsRegistered(registry.KindBuyer, f.buyer); !registered {
		t.Fatal("buyer not registered after successful buy")
	}
}

func TestConfirmWriteFailureThenRetryPaysOnce(t *testing.T) {
	f := newStoreFixture(t)
	if _, err := f.engine.Buy(f.buyer, 1, 3, f.pvd); err != nil {
		t.Fatalf("buy: %v", err)
	}

	f.db.refuseWrites = true
	if _, err := f.engine.ConfirmDelivery(f.buyer, 1); err == nil {
		t.Fatal("confirm succeeded despite refused write")
	}
	// Nothing paid out and the purchase is still open.
	if got := f.balance(t, f.seller); got != 0 {
		t.Fatalf("seller paid despite refused write: %d", got)
	}
	if got := f.balance(t, f.book.EscrowAccount("USDT")); got != 3300 {
		t.Fatalf("escrow after failed confirm: %d", got)
	}
	purchase, err := f.engine.PurchaseByID(1)
	if err != nil {
		t.Fatalf("purchase lookup: %v", err)
	}
	if purchase.Settled || purchase.DeliveredAndConfirmed {
		t.Fatalf("purchase flagged settled after failed confirm: %+v", purchase)
	}

	f.db.refuseWrites = false
	if _, err := f.engine.ConfirmDelivery(f.buyer, 1); err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
	if got := f.balance(t, f.seller); got != 2925 {
		t.Fatalf("seller payout: %d", got)
	}
	if got := f.balance(t, f.pvd); got != 293 {
		t.Fatalf("provider payout: %d", got)
	}
	if got := f.balance(t, f.book.FeeAccount("USDT")); got != 82 {
		t.Fatalf("fee pool: %d", got)
	}
	if got := f.balance(t, f.book.EscrowAccount("USDT")); got != 0 {
		t.Fatalf("escrow residue: %d", got)
	}
	// A second confirm cannot pay again.
	if _, err := f.engine.ConfirmDelivery(f.buyer, 1); !errors.Is(err, market.ErrAlreadyConfirmed) {
		t.Fatalf("double confirm: %v", err)
	}
}

func TestCancelWriteFailureKeepsEscrow(t *testing.T) {
	f := newStoreFixture(t)
	if _, err := f.engine.Buy(f.buyer, 1, 3, f.pvd); err != nil {
		t.Fatalf("buy: %v", err)
	}

	f.db.refuseWrites = true
	if _, err := f.engine.Cancel(f.buyer, 1); err == nil {
		t.Fatal("cancel succeeded despite refused write")
	}
	if got := f.balance(t, f.buyer); got != 6_700 {
		t.Fatalf("buyer refunded despite refused write: %d", got)
	}
	trade, err := f.engine.TradeByID(1)
	if err != nil {
		t.Fatalf("trade lookup: %v", err)
	}
	if trade.RemainingQuantity != 2 {
		t.Fatalf("inventory restored despite refused write: %+v", trade)
	}

	f.db.refuseWrites = false
	if _, err := f.engine.Cancel(f.buyer, 1); err != nil {
		t.Fatalf("retry cancel: %v", err)
	}
	if got := f.balance(t, f.buyer); got != 10_000 {
		t.Fatalf("refund after retry: %d", got)
	}
	trade, _ = f.engine.TradeByID(1)
	if trade.RemainingQuantity != 5 {
		t.Fatalf("inventory after retry: %+v", trade)
	}
}

func TestWithdrawWriteFailureKeepsPool(t *testing.T) {
	f := newStoreFixture(t)
	if _, err := f.engine.Buy(f.buyer, 1, 3, f.pvd); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := f.engine.ConfirmDelivery(f.buyer, 1); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	f.db.refuseWrites = true
	if _, err := f.engine.WithdrawFees(f.admin, "USDT"); err == nil {
		t.Fatal("withdraw succeeded despite refused write")
	}
	if got := f.balance(t, f.book.FeeAccount("USDT")); got != 82 {
		t.Fatalf("fee pool after failed withdraw: %d", got)
	}

	f.db.refuseWrites = false
	amount, err := f.engine.WithdrawFees(f.admin, "USDT")
	if err != nil {
		t.Fatalf("retry withdraw: %v", err)
	}
	if amount.Uint64() != 82 {
		t.Fatalf("withdrawn: %s", amount)
	}
	if got := f.balance(t, f.admin); got != 82 {
		t.Fatalf("admin balance: %d", got)
	}
}

func TestInsufficientFundsSurfaceAsTransferFailure(t *testing.T) {
	f := newStoreFixture(t)
	poor := [20]byte{19: 0x08}
	_, err := f.engine.Buy(poor, 1, 1, f.pvd)
	if !errors.Is(err, market.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("cause not preserved: %v", err)
	}
	if _, err := f.engine.PurchaseByID(1); !errors.Is(err, market.ErrPurchaseNotFound) {
		t.Fatalf("purchase exists after rejected buy: %v", err)
	}
}
