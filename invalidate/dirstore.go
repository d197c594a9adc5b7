package invalidate

import (
	"context"
	"os"
	"path/filepath"

	"github.com/karrick/godirwalk"

	"github.com/aistorekv/rebalancer/contracts"
)

// DirStore is a reference PersistenceManager backed by a plain directory
// tree, one file per key, grounded on the teacher's fs.Walk/globalJogger.jog
// mountpath traversal (reb/global.go). It exists so invalidate_segments has
// something concrete to scan in tests and local demos; production callers
// supply their own contracts.PersistenceManager.
type DirStore struct {
	Root string
}

func NewDirStore(root string) *DirStore { return &DirStore{Root: root} }

// ProcessOnAllStores walks Root and calls fn with each file's relative path
// as the key, stopping early if fn returns cont=false or an error.
func (d *DirStore) ProcessOnAllStores(ctx context.Context, fetchValue, fetchMetadata bool, fn func(key string) (bool, error)) error {
	if _, err := os.Stat(d.Root); os.IsNotExist(err) {
		return nil // nothing persisted yet; not fatal (spec.md section 4.8)
	}
	stopped := false
	err := godirwalk.Walk(d.Root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if stopped {
				return filepath.SkipDir
			}
			if de.IsDir() {
				return nil
			}
			rel, rerr := filepath.Rel(d.Root, path)
			if rerr != nil {
				return rerr
			}
			if fetchValue || fetchMetadata {
				// Honor the hint by actually decoding the persisted entry,
				// even though the callback only needs the key today; a real
				// PersistenceManager would pass the decoded Entry through.
				if raw, rerr := os.ReadFile(path); rerr == nil {
					if _, derr := contracts.UnmarshalEntry(raw); derr != nil {
						return derr
					}
				}
			}
			cont, ferr := fn(rel)
			if ferr != nil {
				return ferr
			}
			if !cont {
				stopped = true
			}
			return nil
		},
		Unsorted: true,
	})
	return err
}
