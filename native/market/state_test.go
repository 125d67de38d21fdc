package market

import (
	"bytes"
	"testing"

	"merx/storage"
)

func TestStoreStateRoundTrip(t *testing.T) {
	state := NewStoreState(storage.NewMemDB(), nil, nil)

	if _, ok, err := state.CountersGet(); ok || err != nil {
		t.Fatalf("empty counters: ok=%v err=%v", ok, err)
	}
	if _, ok, err := state.TradeGet(1); ok || err != nil {
		t.Fatalf("empty trade: ok=%v err=%v", ok, err)
	}

	trade := &Trade{
		TradeID:           1,
		Seller:            addr(0x02),
		LogisticsOptions:  []LogisticsOption{{Provider: addr(0x04), UnitCost: 100}},
		UnitProductCost:   1000,
		TotalQuantity:     5,
		RemainingQuantity: 3,
		Active:            true,
		PurchaseIDs:       []uint64{1, 2},
		Asset:             "USDT",
		CreatedAt:         1_700_000_000,
	}
	purchase := &Purchase{
		PurchaseID:         1,
		TradeID:            1,
		Buyer:              addr(0x03),
		Quantity:           2,
		ChosenProvider:     addr(0x04),
		TotalLogisticsCost: 200,
		TotalAmount:        2200,
		Disputed:           true,
		CreatedAt:          1_700_000_001,
	}
	profile := &BuyerProfile{Buyer: addr(0x03), PurchaseIDs: []uint64{1}}
	counters := &Counters{Admin: addr(0x01), TradeCounter: 1, PurchaseCounter: 1}

	cs := &Changeset{
		Counters:  counters,
		Trades:    []*Trade{trade},
		Purchases: []*Purchase{purchase},
		Profiles:  []*BuyerProfile{profile},
	}
	if err := state.Commit(cs); err != nil {
		t.Fatalf("commit: %v", err)
	}

	gotCounters, ok, err := state.CountersGet()
	if err != nil || !ok {
		t.Fatalf("counters: ok=%v err=%v", ok, err)
	}
	if *gotCounters != *counters {
		t.Fatalf("counters round trip: %+v", gotCounters)
	}

	gotTrade, ok, err := state.TradeGet(1)
	if err != nil || !ok {
		t.Fatalf("trade: ok=%v err=%v", ok, err)
	}
	if gotTrade.Asset != "USDT" || gotTrade.RemainingQuantity != 3 || !gotTrade.Active {
		t.Fatalf("trade round trip: %+v", gotTrade)
	}
	if len(gotTrade.LogisticsOptions) != 1 || gotTrade.LogisticsOptions[0].UnitCost != 100 {
		t.Fatalf("options round trip: %+v", gotTrade.LogisticsOptions)
	}
	if len(gotTrade.PurchaseIDs) != 2 || gotTrade.PurchaseIDs[1] != 2 {
		t.Fatalf("purchase ids round trip: %v", gotTrade.PurchaseIDs)
	}

	gotPurchase, ok, err := state.PurchaseGet(1)
	if err != nil || !ok {
		t.Fatalf("purchase: ok=%v err=%v", ok, err)
	}
	if *gotPurchase != *purchase {
		t.Fatalf("purchase round trip: %+v", gotPurchase)
	}

	gotProfile, ok, err := state.BuyerProfileGet(addr(0x03))
	if err != nil || !ok {
		t.Fatalf("profile: ok=%v err=%v", ok, err)
	}
	if gotProfile.Buyer != profile.Buyer || len(gotProfile.PurchaseIDs) != 1 {
		t.Fatalf("profile round trip: %+v", gotProfile)
	}
}

func TestStoreStateCommitIsAtomicBatch(t *testing.T) {
	db := storage.NewMemDB()
	state := NewStoreState(db, nil, nil)

	trade := &Trade{TradeID: 1, TotalQuantity: 1, RemainingQuantity: 1, Asset: "USDT", PurchaseIDs: []uint64{}}
	counters := &Counters{Admin: addr(0x01), TradeCounter: 1}
	if err := state.Commit(&Changeset{Counters: counters, Trades: []*Trade{trade}}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Both records land through the same batch write.
	if ok, _ := db.Has(tradeKey(1)); !ok {
		t.Fatal("trade key missing")
	}
	if ok, _ := db.Has(countersKey); !ok {
		t.Fatal("counters key missing")
	}
}

func TestStoreStateEmptyChangesetNoop(t *testing.T) {
	state := NewStoreState(storage.NewMemDB(), nil, nil)
	if err := state.Commit(&Changeset{}); err != nil {
		t.Fatalf("empty commit: %v", err)
	}
	if err := state.Commit(nil); err != nil {
		t.Fatalf("nil commit: %v", err)
	}
}

func TestEntityKeysAreDistinct(t *testing.T) {
	if bytes.Equal(tradeKey(1), purchaseKey(1)) {
		t.Fatal("trade and purchase keys collide")
	}
	if bytes.Equal(tradeKey(1), tradeKey(2)) {
		t.Fatal("trade keys collide")
	}
	a := buyerProfileKey(addr(0x03))
	b := buyerProfileKey(addr(0x04))
	if bytes.Equal(a, b) {
		t.Fatal("profile keys collide")
	}
}
