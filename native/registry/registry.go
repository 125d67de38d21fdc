// Package registry is the identity registry collaborator: a flag store
// answering "is this identity registered for this role". The engine only
// consumes the predicate; policy on who may register stays with the
// service layer.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"merx/storage"
)

// Registry kinds understood by the store.
const (
	KindSeller    = "seller"
	KindBuyer     = "buyer"
	KindLogistics = "logistics"
)

var (
	ErrUnknownKind = errors.New("registry: unknown kind")
	errNilDatabase = errors.New("registry: database not configured")
	errNilBatch    = errors.New("registry: nil batch")
)

var keyPrefix = []byte("registry/")

type record struct {
	Registered   bool
	RegisteredAt uint64
}

// Store persists registration flags in a key-value store.
type Store struct {
	mu    sync.Mutex
	db    storage.Database
	nowFn func() uint64
}

// NewStore wraps the supplied database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// SetNowFunc overrides the registration timestamp source, used in tests.
func (s *Store) SetNowFunc(now func() uint64) { s.nowFn = now }

func (s *Store) now() uint64 {
	if s.nowFn != nil {
		return s.nowFn()
	}
	return uint64(time.Now().Unix())
}

func validKind(kind string) bool {
	switch kind {
	case KindSeller, KindBuyer, KindLogistics:
		return true
	default:
		return false
	}
}

func recordKey(kind string, addr [20]byte) []byte {
	key := make([]byte, 0, len(keyPrefix)+len(kind)+1+len(addr))
	key = append(key, keyPrefix...)
	key = append(key, kind...)
	key = append(key, '/')
	key = append(key, addr[:]...)
	return key
}

// Register marks the identity as registered for the kind. Registering an
// already-registered identity is a no-op.
func (s *Store) Register(kind string, addr [20]byte) error {
	if s == nil || s.db == nil {
		return errNilDatabase
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, raw, err := s.encodeLocked(kind, addr)
	if err != nil || raw == nil {
		return err
	}
	return s.db.Put(key, raw)
}

// Stage appends the registration record to the supplied batch without
// committing it, so a caller can land the flag in the same write as its own
// state. Already-registered identities stage nothing.
func (s *Store) Stage(batch *storage.Batch, kind string, addr [20]byte) error {
	if s == nil || s.db == nil {
		return errNilDatabase
	}
	if batch == nil {
		return errNilBatch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, raw, err := s.encodeLocked(kind, addr)
	if err != nil || raw == nil {
		return err
	}
	batch.Put(key, raw)
	return nil
}

// encodeLocked validates the kind and returns the encoded record, or a nil
// record when the identity is already registered.
func (s *Store) encodeLocked(kind string, addr [20]byte) ([]byte, []byte, error) {
	if !validKind(kind) {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	key := recordKey(kind, addr)
	ok, err := s.db.Has(key)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		return key, nil, nil
	}
	raw, err := rlp.EncodeToBytes(record{Registered: true, RegisteredAt: s.now()})
	if err != nil {
		return nil, nil, err
	}
	return key, raw, nil
}

// IsRegistered reports whether the identity carries the registered flag
// for the kind.
func (s *Store) IsRegistered(kind string, addr [20]byte) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNilDatabase
	}
	if !validKind(kind) {
		return false, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get(recordKey(kind, addr))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var rec record
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return false, fmt.Errorf("registry: decode record: %w", err)
	}
	return rec.Registered, nil
}
