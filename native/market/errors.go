package market

import "errors"

var (
	ErrNotInitialized           = errors.New("market: engine not initialized")
	ErrAlreadyInitialized       = errors.New("market: counters already initialized")
	ErrArityMismatch            = errors.New("market: provider and cost lists differ in length")
	ErrNoLogisticsOptions       = errors.New("market: at least one logistics option required")
	ErrTooManyProviders         = errors.New("market: too many logistics providers")
	ErrInvalidQuantity          = errors.New("market: invalid quantity")
	ErrTradeNotFound            = errors.New("market: trade not found")
	ErrPurchaseNotFound         = errors.New("market: purchase not found")
	ErrTradeInactive            = errors.New("market: trade inactive")
	ErrInsufficientInventory    = errors.New("market: insufficient remaining quantity")
	ErrSelfTrade                = errors.New("market: buyer cannot be the seller")
	ErrUnknownLogisticsProvider = errors.New("market: logistics provider not offered by trade")
	ErrNotAuthorized            = errors.New("market: not authorized")
	ErrAlreadyConfirmed         = errors.New("market: delivery already confirmed")
	ErrAlreadyDisputed          = errors.New("market: purchase already disputed")
	ErrNotDisputed              = errors.New("market: purchase not disputed")
	ErrAlreadySettled           = errors.New("market: purchase already settled")
	ErrInvalidDisputeWinner     = errors.New("market: winner is not a party to the purchase")
	ErrNothingToWithdraw        = errors.New("market: no fees to withdraw")
	ErrTransferFailed           = errors.New("market: ledger transfer failed")
	ErrOverflow                 = errors.New("market: amount overflows 64 bits")
	ErrInvalidAsset             = errors.New("market: invalid settlement asset")
)
