package pool

import (
	"path/filepath"
	"strconv"

	"github.com/tidwall/buntdb"

	"github.com/nvaistore/aptvault/internal/apterrs"
)

// catalog is a small embedded index of blob hash -> size, used to answer
// "is this already in the pool" during planning and materialization without
// a stat() per candidate file. It is a cache, not a source of truth: P1 (the
// filename is the hash) remains authoritative, and Exists falls back to
// os.Stat on a cache miss.
//
// Grounded on the host repo's go.mod dependency on github.com/tidwall/buntdb
// (an embedded, in-memory-or-file key/value store with the same single-
// process deployment model this engine assumes, spec.md §5).
type catalog struct {
	db *buntdb.DB
}

func openCatalog(root string) (*catalog, error) {
	db, err := buntdb.Open(filepath.Join(root, ".catalog.db"))
	if err != nil {
		return nil, &apterrs.PoolIOError{Op: "open-catalog", Path: root, Cause: err}
	}
	return &catalog{db: db}, nil
}

func (c *catalog) close() error {
	return c.db.Close()
}

func (c *catalog) put(hash string, size int64) error {
	return c.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(hash, strconv.FormatInt(size, 10), nil)
		return err
	})
}

func (c *catalog) get(hash string) (int64, bool) {
	var size int64
	var found bool
	_ = c.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(hash)
		if err != nil {
			return nil // buntdb.ErrNotFound or similar -> not found
		}
		n, perr := strconv.ParseInt(val, 10, 64)
		if perr != nil {
			return nil
		}
		size, found = n, true
		return nil
	})
	return size, found
}

func (c *catalog) delete(hash string) {
	_ = c.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(hash)
		return err
	})
}
