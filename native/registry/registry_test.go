package registry

import (
	"errors"
	"testing"

	"merx/storage"
)

func addr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

func TestRegisterAndLookup(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	store.SetNowFunc(func() uint64 { return 1_700_000_000 })
	buyer := addr(0x03)

	registered, err := store.IsRegistered(KindBuyer, buyer)
	if err != nil || registered {
		t.Fatalf("fresh lookup: registered=%v err=%v", registered, err)
	}
	if err := store.Register(KindBuyer, buyer); err != nil {
		t.Fatalf("register: %v", err)
	}
	registered, err = store.IsRegistered(KindBuyer, buyer)
	if err != nil || !registered {
		t.Fatalf("lookup after register: registered=%v err=%v", registered, err)
	}
	// Kinds are independent namespaces.
	registered, err = store.IsRegistered(KindSeller, buyer)
	if err != nil || registered {
		t.Fatalf("cross-kind lookup: registered=%v err=%v", registered, err)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	seller := addr(0x02)
	for i := 0; i < 3; i++ {
		if err := store.Register(KindSeller, seller); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	registered, err := store.IsRegistered(KindSeller, seller)
	if err != nil || !registered {
		t.Fatalf("lookup: registered=%v err=%v", registered, err)
	}
}

func TestStageDefersUntilBatchWrite(t *testing.T) {
	db := storage.NewMemDB()
	store := NewStore(db)
	buyer := addr(0x03)

	batch := new(storage.Batch)
	if err := store.Stage(batch, KindBuyer, buyer); err != nil {
		t.Fatalf("stage: %v", err)
	}
	// The flag only lands when the batch is written.
	registered, err := store.IsRegistered(KindBuyer, buyer)
	if err != nil || registered {
		t.Fatalf("registered before batch write: registered=%v err=%v", registered, err)
	}
	if err := db.Write(batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	registered, err = store.IsRegistered(KindBuyer, buyer)
	if err != nil || !registered {
		t.Fatalf("lookup after write: registered=%v err=%v", registered, err)
	}

	// Staging an already registered identity adds nothing to the batch.
	batch.Reset()
	if err := store.Stage(batch, KindBuyer, buyer); err != nil {
		t.Fatalf("re-stage: %v", err)
	}
	if batch.Len() != 0 {
		t.Fatalf("re-stage added %d entries", batch.Len())
	}
	if err := store.Stage(batch, "auditor", buyer); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind: %v", err)
	}
	if err := store.Stage(nil, KindBuyer, addr(0x05)); err == nil {
		t.Fatal("nil batch accepted")
	}
}

func TestUnknownKindRejected(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	if err := store.Register("auditor", addr(0x02)); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("register: %v", err)
	}
	if _, err := store.IsRegistered("auditor", addr(0x02)); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("lookup: %v", err)
	}
}

func TestAllKindsAccepted(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	identity := addr(0x07)
	for _, kind := range []string{KindSeller, KindBuyer, KindLogistics} {
		if err := store.Register(kind, identity); err != nil {
			t.Fatalf("register %s: %v", kind, err)
		}
		registered, err := store.IsRegistered(kind, identity)
		if err != nil || !registered {
			t.Fatalf("lookup %s: registered=%v err=%v", kind, registered, err)
		}
	}
}
