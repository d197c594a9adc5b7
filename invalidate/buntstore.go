package invalidate

import (
	"context"

	"github.com/tidwall/buntdb"

	"github.com/aistorekv/rebalancer/contracts"
)

// BuntStore is an alternative reference PersistenceManager, backed by an
// embedded ordered key-value store instead of DirStore's plain directory
// tree. Grounded the same way as DirStore: a concrete store for
// invalidate_segments to scan in tests and local demos, not something
// production callers are required to use.
type BuntStore struct {
	db *buntdb.DB
}

// NewBuntStore opens (creating if absent) a buntdb database at path. Pass
// ":memory:" for an ephemeral, disk-free store.
func NewBuntStore(path string) (*BuntStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	return &BuntStore{db: db}, nil
}

// Put stores value under key, used by tests/demos to seed a BuntStore
// before a ProcessOnAllStores scan.
func (b *BuntStore) Put(key string, value []byte) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(value), nil)
		return err
	})
}

func (b *BuntStore) Close() error { return b.db.Close() }

// ProcessOnAllStores ascends every key in the database and calls fn with
// each key, honoring the fetchValue/fetchMetadata hint by decoding the
// stored entry when set (spec.md section 6, process_on_all_stores).
func (b *BuntStore) ProcessOnAllStores(ctx context.Context, fetchValue, fetchMetadata bool, fn func(key string) (bool, error)) error {
	return b.db.View(func(tx *buntdb.Tx) error {
		var ferr error
		iterErr := tx.Ascend("", func(key, value string) bool {
			if ctx.Err() != nil {
				return false
			}
			if fetchValue || fetchMetadata {
				if _, derr := contracts.UnmarshalEntry([]byte(value)); derr != nil {
					ferr = derr
					return false
				}
			}
			cont, err := fn(key)
			if err != nil {
				ferr = err
				return false
			}
			return cont
		})
		if ferr != nil {
			return ferr
		}
		return iterErr
	})
}
