package invalidate

import (
	"context"
	"testing"

	"github.com/aistorekv/rebalancer/contracts"
)

func TestBuntStoreProcessOnAllStoresVisitsEveryKey(t *testing.T) {
	store, err := NewBuntStore(":memory:")
	if err != nil {
		t.Fatalf("NewBuntStore: %v", err)
	}
	defer store.Close()

	raw, err := contracts.MarshalEntry(contracts.Entry{Key: "k1", Value: []byte("v1")})
	if err != nil {
		t.Fatalf("MarshalEntry: %v", err)
	}
	if err := store.Put("k1", raw); err != nil {
		t.Fatalf("Put k1: %v", err)
	}
	if err := store.Put("k2", raw); err != nil {
		t.Fatalf("Put k2: %v", err)
	}

	seen := map[string]bool{}
	err = store.ProcessOnAllStores(context.Background(), true, false, func(key string) (bool, error) {
		seen[key] = true
		return true, nil
	})
	if err != nil {
		t.Fatalf("ProcessOnAllStores: %v", err)
	}
	if !seen["k1"] || !seen["k2"] {
		t.Fatalf("expected both keys visited, got %v", seen)
	}
}

func TestBuntStoreProcessOnAllStoresStopsEarly(t *testing.T) {
	store, err := NewBuntStore(":memory:")
	if err != nil {
		t.Fatalf("NewBuntStore: %v", err)
	}
	defer store.Close()

	for _, k := range []string{"a", "b", "c"} {
		if err := store.Put(k, []byte(k)); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	count := 0
	err = store.ProcessOnAllStores(context.Background(), false, false, func(key string) (bool, error) {
		count++
		return false, nil
	})
	if err != nil {
		t.Fatalf("ProcessOnAllStores: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected scan to stop after first key, visited %d", count)
	}
}
