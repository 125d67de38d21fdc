package market

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"merx/storage"
)

// State is the persistence surface the engine mutates. Reads happen while
// an operation validates; all writes for one operation are handed over as a
// single Changeset so the backend can commit them as one unit. Commit must
/// land entity writes, fund movements, and registrations together: either
// everything in the changeset takes effect or nothing does. Fund staging
// failures wrap ErrTransferFailed.
type State interface {
	CountersGet() (*Counters, bool, error)
	TradeGet(id uint64) (*Trade, bool, error)
	PurchaseGet(id uint64) (*Purchase, bool, error)
	BuyerProfileGet(buyer [20]byte) (*BuyerProfile, bool, error)
	Commit(cs *Changeset) error
}

// FundsMovement is the set of ledger legs an operation moves, committed in
// the same unit as the operation's entity writes.
type FundsMovement struct {
	Asset string
	Legs  []LedgerLeg
}

// Registration is an identity-registry flag written as part of an
// operation's commit unit.
type Registration struct {
	Kind string
	Addr [20]byte
}

// Changeset collects every mutation of one operation. A nil field means
// that concern is untouched.
type Changeset struct {
	Counters      *Counters
	Trades        []*Trade
	Purchases     []*Purchase
	Profiles      []*BuyerProfile
	Funds         *FundsMovement
	Registrations []Registration
}

func (cs *Changeset) empty() bool {
	if cs == nil {
		return true
	}
	return cs.Counters == nil && len(cs.Trades) == 0 && len(cs.Purchases) == 0 &&
		len(cs.Profiles) == 0 && (cs.Funds == nil || len(cs.Funds.Legs) == 0) &&
		len(cs.Registrations) == 0
}

// FundsStager validates a transfer set against current holdings and appends
// the resulting balance writes to the supplied batch. Staged writes must be
// committed before another transfer touches the same holders; the engine's
// operation mutex provides that ordering.
type FundsStager interface {
	Stage(batch *storage.Batch, asset string, legs ...LedgerLeg) error
}

// RegistrarStager appends an idempotent registration record to the batch.
type RegistrarStager interface {
	Stage(batch *storage.Batch, kind string, addr [20]byte) error
}

var (
	countersKey         = []byte("market/counters")
	tradeKeyPrefix      = []byte("market/trade/")
	purchaseKeyPrefix   = []byte("market/purchase/")
	buyerProfilePrefix   = []byte("market/buyer/")
	errStateNilDatabase  = errors.New("market: state database not configured")
	errStateNilFunds     = errors.New("market: funds stager not configured")
	errStateNilRegistrar = errors.New("market: registrar not configured")
)

func tradeKey(id uint64) []byte {
	key := make([]byte, len(tradeKeyPrefix)+8)
	copy(key, tradeKeyPrefix)
	binary.BigEndian.PutUint64(key[len(tradeKeyPrefix):], id)
	return key
}

func purchaseKey(id uint64) []byte {
	key := make([]byte, len(purchaseKeyPrefix)+8)
	copy(key, purchaseKeyPrefix)
	binary.BigEndian.PutUint64(key[len(purchaseKeyPrefix):], id)
	return key
}

func buyerProfileKey(buyer [20]byte) []byte {
	key := make([]byte, len(buyerProfilePrefix)+len(buyer))
	copy(key, buyerProfilePrefix)
	copy(key[len(buyerProfilePrefix):], buyer[:])
	return key
}

// StoreState persists engine entities as RLP records in a key-value store.
// The funds and registrar stagers write into the same batch as the entity
// records, so one operation is one database write.
type StoreState struct {
	db        storage.Database
	funds     FundsStager
	registrar RegistrarStager
}

// NewStoreState wraps the supplied database. The stagers may be nil when
// the caller commits no funds or registrations.
func NewStoreState(db storage.Database, funds FundsStager, registrar RegistrarStager) *StoreState {
	return &StoreState{db: db, funds: funds, registrar: registrar}
}

func (s *StoreState) load(key []byte, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, errStateNilDatabase
	}
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("market: decode record %q: %w", key, err)
	}
	return true, nil
}

// CountersGet loads the global counters singleton.
func (s *StoreState) CountersGet() (*Counters, bool, error) {
	counters := new(Counters)
	ok, err := s.load(countersKey, counters)
	if !ok || err != nil {
		return nil, false, err
	}
	return counters, true, nil
}

// TradeGet loads one trade by id.
func (s *StoreState) TradeGet(id uint64) (*Trade, bool, error) {
	trade := new(Trade)
	ok, err := s.load(tradeKey(id), trade)
	if !ok || err != nil {
		return nil, false, err
	}
	return trade, true, nil
}

// PurchaseGet loads one purchase by id.
func (s *StoreState) PurchaseGet(id uint64) (*Purchase, bool, error) {
	purchase := new(Purchase)
	ok, err := s.load(purchaseKey(id), purchase)
	if !ok || err != nil {
		return nil, false, err
	}
	return purchase, true, nil
}

// BuyerProfileGet loads the purchase index for one buyer.
func (s *StoreState) BuyerProfileGet(buyer [20]byte) (*BuyerProfile, bool, error) {
	profile := new(BuyerProfile)
	ok, err := s.load(buyerProfileKey(buyer), profile)
	if !ok || err != nil {
		return nil, false, err
	}
	return profile, true, nil
}

// Commit writes the whole changeset through one storage batch: fund legs
// and registrations are staged first, then the entity records, and a single
// Write lands them all or none.
func (s *StoreState) Commit(cs *Changeset) error {
	if s == nil || s.db == nil {
		return errStateNilDatabase
	}
	if cs.empty() {
		return nil
	}
	batch := new(storage.Batch)
	if cs.Funds != nil && len(cs.Funds.Legs) > 0 {
		if s.funds == nil {
			return errStateNilFunds
		}
		if err := s.funds.Stage(batch, cs.Funds.Asset, cs.Funds.Legs...); err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
	}
	for _, reg := range cs.Registrations {
		if s.registrar == nil {
			return errStateNilRegistrar
		}
		if err := s.registrar.Stage(batch, reg.Kind, reg.Addr); err != nil {
			return err
		}
	}
	if cs.Counters != nil {
		raw, err := rlp.EncodeToBytes(cs.Counters)
		if err != nil {
			return err
		}
		batch.Put(countersKey, raw)
	}
	for _, trade := range cs.Trades {
		raw, err := rlp.EncodeToBytes(trade)
		if err != nil {
			return err
		}
		batch.Put(tradeKey(trade.TradeID), raw)
	}
	for _, purchase := range cs.Purchases {
		raw, err := rlp.EncodeToBytes(purchase)
		if err != nil {
			return err
		}
		batch.Put(purchaseKey(purchase.PurchaseID), raw)
	}
	for _, profile := range cs.Profiles {
		raw, err := rlp.EncodeToBytes(profile)
		if err != nil {
			return err
		}
		batch.Put(buyerProfileKey(profile.Buyer), raw)
	}
	return s.db.Write(batch)
}
