package storage

import (
	"bytes"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("treasury")

// BoltDB stores every key in a single bucket of a bbolt file.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (creating if needed) the bbolt database at path.
func NewBoltDB(path string, options *bolt.Options) (*BoltDB, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Update(fn func(Tx) error) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{bucket: tx.Bucket(boltBucket), writable: true})
	})
}

func (b *BoltDB) View(fn func(Reader) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{bucket: tx.Bucket(boltBucket)})
	})
}

// Close releases the underlying Bolt database handle.
func (b *BoltDB) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

type boltTx struct {
	bucket   *bolt.Bucket
	writable bool
}

// Values returned by bbolt are only valid for the life of the transaction,
// so everything handed out is copied.
func (tx *boltTx) Get(key []byte) ([]byte, error) {
	v := tx.bucket.Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (tx *boltTx) Has(key []byte) (bool, error) {
	return tx.bucket.Get(key) != nil, nil
}

func (tx *boltTx) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	c := tx.bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(bytes.Clone(k), bytes.Clone(v)); err != nil {
			return err
		}
	}
	return nil
}

func (tx *boltTx) Put(key, value []byte) error {
	if !tx.writable {
		return ErrReadOnly
	}
	return tx.bucket.Put(key, value)
}

func (tx *boltTx) Delete(key []byte) error {
	if !tx.writable {
		return ErrReadOnly
	}
	return tx.bucket.Delete(key)
}
