package market

import (
	"errors"
	"testing"
)

func TestComputeSettlementReferenceSplit(t *testing.T) {
	split, err := ComputeSettlement(1000, 3, 300)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if split.SellerAmount != 2925 || split.ProductFee != 75 {
		t.Fatalf("product leg: seller %d fee %d", split.SellerAmount, split.ProductFee)
	}
	if split.LogisticsAmount != 293 || split.LogisticsFee != 7 {
		t.Fatalf("logistics leg: amount %d fee %d", split.LogisticsAmount, split.LogisticsFee)
	}
	if split.FeeTotal() != 82 {
		t.Fatalf("fee total: %d", split.FeeTotal())
	}
}

func TestSettlementReconstructsGross(t *testing.T) {
	cases := []struct {
		unitCost, quantity, logistics uint64
	}{
		{1, 1, 0},
		{1, 1, 1},
		{39, 1, 0},
		{40, 1, 0},
		{999, 7, 123},
		{1_000_000_000, 1000, 999_999_999},
	}
	for _, tc := range cases {
		split, err := ComputeSettlement(tc.unitCost, tc.quantity, tc.logistics)
		if err != nil {
			t.Fatalf("compute(%d,%d,%d): %v", tc.unitCost, tc.quantity, tc.logistics, err)
		}
		gross := tc.unitCost * tc.quantity
		if split.SellerAmount+split.ProductFee != gross {
			t.Fatalf("product leg does not reconstruct: %+v gross %d", split, gross)
		}
		if split.LogisticsAmount+split.LogisticsFee != tc.logistics {
			t.Fatalf("logistics leg does not reconstruct: %+v", split)
		}
	}
}

func TestFeeFloorsSmallAmounts(t *testing.T) {
	// Below 40 units the 250bps fee floors to zero and the payee keeps
	// the full amount.
	if fee, err := ProductFee(39, 1); err != nil || fee != 0 {
		t.Fatalf("fee on 39: %d err %v", fee, err)
	}
	if fee, err := ProductFee(40, 1); err != nil || fee != 1 {
		t.Fatalf("fee on 40: %d err %v", fee, err)
	}
	if fee := LogisticsFee(0); fee != 0 {
		t.Fatalf("fee on zero: %d", fee)
	}
}

func TestFeeOnMaxAmountDoesNotWrap(t *testing.T) {
	max := ^uint64(0)
	fee := LogisticsFee(max)
	want := uint64(461168601842738790) // floor(2^64-1 * 250 / 10000)
	if fee != want {
		t.Fatalf("fee on max: got %d, want %d", fee, want)
	}
	if fee, err := ProductFee(max, 1); err != nil || fee != want {
		t.Fatalf("product fee on max: %d err %v", fee, err)
	}
}

func TestProductFeeRejectsOverflowingGross(t *testing.T) {
	if _, err := ProductFee(^uint64(0), 2); !errors.Is(err, ErrOverflow) {
		t.Fatalf("got %v, want ErrOverflow", err)
	}
	if _, err := ComputeSettlement(^uint64(0), 2, 0); !errors.Is(err, ErrOverflow) {
		t.Fatalf("got %v, want ErrOverflow", err)
	}
}

func TestCheckedArithmetic(t *testing.T) {
	if got, err := checkedMul(1<<32, 1<<31); err != nil || got != 1<<63 {
		t.Fatalf("mul: %d err %v", got, err)
	}
	if _, err := checkedMul(1<<32, 1<<32); !errors.Is(err, ErrOverflow) {
		t.Fatalf("mul overflow: %v", err)
	}
	if got, err := checkedAdd(^uint64(0)-1, 1); err != nil || got != ^uint64(0) {
		t.Fatalf("add: %d err %v", got, err)
	}
	if _, err := checkedAdd(^uint64(0), 1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("add overflow: %v", err)
	}
}
