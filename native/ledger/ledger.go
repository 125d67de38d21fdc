// Package ledger implements the value-transfer capability consumed by the
// market engine: custodial balances per (asset, holder), applied as
// all-or-nothing transfer sets, with deterministically derived escrow and
// fee holding accounts.
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"merx/native/market"
	"merx/storage"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
	errNilDatabase         = errors.New("ledger: database not configured")
	errNilBatch            = errors.New("ledger: nil batch")
)

const (
	escrowSeed = "merx/ledger/escrow/"
	feeSeed    = "merx/ledger/fees/"
)

var balancePrefix = []byte("ledger/balance/")

// Book keeps fungible balances in a key-value store. All transfers of one
// Apply call commit through a single batch, so a failed leg leaves every
// holding untouched.
type Book struct {
	mu sync.Mutex
	db storage.Database
}

// NewBook wraps the supplied database.
func NewBook(db storage.Database) *Book {
	return &Book{db: db}
}

func balanceKey(asset string, holder [20]byte) []byte {
	key := make([]byte, 0, len(balancePrefix)+len(asset)+1+len(holder))
	key = append(key, balancePrefix...)
	key = append(key, asset...)
	key = append(key, '/')
	key = append(key, holder[:]...)
	return key
}

func deriveAccount(seed, asset string) [20]byte {
	digest := ethcrypto.Keccak256([]byte(seed), []byte(asset))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}

// EscrowAccount returns the custodial holding account that receives buyer
// payments for trades settled in the given asset. The derivation is
// deterministic, so the handle is stable across restarts.
func (b *Book) EscrowAccount(asset string) [20]byte {
	return deriveAccount(escrowSeed, asset)
}

// FeeAccount returns the pooled fee account for the given asset.
func (b *Book) FeeAccount(asset string) [20]byte {
	return deriveAccount(feeSeed, asset)
}

func (b *Book) loadBalance(asset string, holder [20]byte) (*big.Int, error) {
	raw, err := b.db.Get(balanceKey(asset, holder))
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	balance := new(big.Int)
	if err := rlp.DecodeBytes(raw, balance); err != nil {
		return nil, fmt.Errorf("ledger: decode balance: %w", err)
	}
	return balance, nil
}

// Balance reports the current holding for one (asset, holder) pair.
// Unknown holders have a zero balance.
func (b *Book) Balance(asset string, holder [20]byte) (*big.Int, error) {
	if b == nil || b.db == nil {
		return nil, errNilDatabase
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadBalance(asset, holder)
}

// Mint credits newly issued units to a holder. Used by operational tooling
// and tests to fund buyer accounts; the engine itself never mints.
func (b *Book) Mint(asset string, to [20]byte, amount *big.Int) error {
	if b == nil || b.db == nil {
		return errNilDatabase
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	balance, err := b.loadBalance(asset, to)
	if err != nil {
		return err
	}
	balance.Add(balance, amount)
	raw, err := rlp.EncodeToBytes(balance)
	if err != nil {
		return err
	}
	return b.db.Put(balanceKey(asset, to), raw)
}

// Transfer moves amount between two holders. Shorthand for a single-leg
// Apply.
func (b *Book) Transfer(asset string, from, to [20]byte, amount *big.Int) error {
	return b.Apply(asset, market.LedgerLeg{From: from, To: to, Amount: amount})
}

// Stage validates every leg against the current holdings and appends the
// resulting balance writes to the supplied batch without committing them.
// The caller owns the batch and must write it before staging another
// transfer against the same holders. Any leg with a negative or nil
// amount, or any debit below zero, aborts the whole set and leaves the
// batch untouched.
func (b *Book) Stage(batch *storage.Batch, asset string, legs ...market.LedgerLeg) error {
	if b == nil || b.db == nil {
		return errNilDatabase
	}
	if batch == nil {
		return errNilBatch
	}
	if len(legs) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stageLocked(batch, asset, legs)
}

// Apply executes every leg against the current holdings and commits the
// resulting balances in one batch. Any leg with a negative or nil amount,
// or any debit below zero, aborts the whole set.
func (b *Book) Apply(asset string, legs ...market.LedgerLeg) error {
	if b == nil || b.db == nil {
		return errNilDatabase
	}
	if len(legs) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	batch := new(storage.Batch)
	if err := b.stageLocked(batch, asset, legs); err != nil {
		return err
	}
	return b.db.Write(batch)
}

func (b *Book) stageLocked(batch *storage.Batch, asset string, legs []market.LedgerLeg) error {
	balances := make(map[[20]byte]*big.Int)
	fetch := func(holder [20]byte) (*big.Int, error) {
		if bal, ok := balances[holder]; ok {
			return bal, nil
		}
		bal, err := b.loadBalance(asset, holder)
		if err != nil {
			return nil, err
		}
		balances[holder] = bal
		return bal, nil
	}

	for _, leg := range legs {
		if leg.Amount == nil || leg.Amount.Sign() < 0 {
			return ErrInvalidAmount
		}
		if leg.Amount.Sign() == 0 {
			continue
		}
		from, err := fetch(leg.From)
		if err != nil {
			return err
		}
		if from.Cmp(leg.Amount) < 0 {
			return fmt.Errorf("%w: holder %x asset %s", ErrInsufficientBalance, leg.From, asset)
		}
		to, err := fetch(leg.To)
		if err != nil {
			return err
		}
		from.Sub(from, leg.Amount)
		to.Add(to, leg.Amount)
	}

	for holder, balance := range balances {
		raw, err := rlp.EncodeToBytes(balance)
		if err != nil {
			return err
		}
		batch.Put(balanceKey(asset, holder), raw)
	}
	return nil
}
