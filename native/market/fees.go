package market

import "math/bits"

// Fee arithmetic uses floor division at FeeBps over BasisPoints. Every
// multiplication is widened to 128 bits before the division so an
// intermediate product can never wrap silently; amounts whose gross value
// does not fit in 64 bits are rejected with ErrOverflow.

func checkedMul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// feeOf computes floor(amount * FeeBps / BasisPoints) with a widened
// intermediate product. The quotient always fits because FeeBps is far
// below BasisPoints.
func feeOf(amount uint64) uint64 {
	hi, lo := bits.Mul64(amount, FeeBps)
	quo, _ := bits.Div64(hi, lo, BasisPoints)
	return quo
}

// ProductFee returns the commission on the product leg for the given unit
// cost and quantity: floor(unitCost * quantity * FeeBps / BasisPoints).
func ProductFee(unitCost, quantity uint64) (uint64, error) {
	gross, err := checkedMul(unitCost, quantity)
	if err != nil {
		return 0, err
	}
	return feeOf(gross), nil
}

// LogisticsFee returns the commission on the delivery leg:
// floor(totalLogisticsCost * FeeBps / BasisPoints).
func LogisticsFee(totalLogisticsCost uint64) uint64 {
	return feeOf(totalLogisticsCost)
}

// Settlement is the computed payout split for a seller+logistics
// disbursement. SellerAmount+ProductFee equals the product gross and
// LogisticsAmount+LogisticsFee equals the logistics gross, so the four
// parts always reconstruct the purchase total.
type Settlement struct {
	SellerAmount    uint64
	ProductFee      uint64
	LogisticsAmount uint64
	LogisticsFee    uint64
}

// FeeTotal returns the residue retained by the escrow fee pool.
func (s Settlement) FeeTotal() uint64 {
	return s.ProductFee + s.LogisticsFee
}

// ComputeSettlement derives the payout split from the trade's unit product
// cost and the purchase's quantity and total logistics cost. The product
// fee is always recomputed here rather than read from any value cached at
// trade creation.
func ComputeSettlement(unitProductCost, quantity, totalLogisticsCost uint64) (Settlement, error) {
	productGross, err := checkedMul(unitProductCost, quantity)
	if err != nil {
		return Settlement{}, err
	}
	productFee := feeOf(productGross)
	logisticsFee := feeOf(totalLogisticsCost)
	return Settlement{
		SellerAmount:    productGross - productFee,
		ProductFee:      productFee,
		LogisticsAmount: totalLogisticsCost - logisticsFee,
		LogisticsFee:    logisticsFee,
	}, nil
}
