package storage

import (
	"bytes"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

// Update runs fn inside a LevelDB transaction. LevelDB itself blocks
// concurrent writers until the transaction commits or is discarded.
func (ldb *LevelDB) Update(fn func(Tx) error) error {
	tr, err := ldb.db.OpenTransaction()
	if err != nil {
		return mapLevelErr(err)
	}
	if err := fn(&levelTx{tr: tr}); err != nil {
		tr.Discard()
		return err
	}
	return tr.Commit()
}

// View reads from a point-in-time snapshot.
func (ldb *LevelDB) View(fn func(Reader) error) error {
	snap, err := ldb.db.GetSnapshot()
	if err != nil {
		return mapLevelErr(err)
	}
	defer snap.Release()
	return fn(&levelSnapshot{snap: snap})
}

// Close closes the database connection.
func (ldb *LevelDB) Close() error {
	return ldb.db.Close()
}

func mapLevelErr(err error) error {
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return ErrClosed
	default:
		return err
	}
}

type levelTx struct {
	tr *leveldb.Transaction
}

func (tx *levelTx) Get(key []byte) ([]byte, error) {
	v, err := tx.tr.Get(key, nil)
	if err != nil {
		return nil, mapLevelErr(err)
	}
	return v, nil
}

func (tx *levelTx) Has(key []byte) (bool, error) {
	return tx.tr.Has(key, nil)
}

func (tx *levelTx) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return drain(tx.tr.NewIterator(util.BytesPrefix(prefix), nil), fn)
}

func (tx *levelTx) Put(key, value []byte) error {
	return tx.tr.Put(key, value, nil)
}

func (tx *levelTx) Delete(key []byte) error {
	return tx.tr.Delete(key, nil)
}

type levelSnapshot struct {
	snap *leveldb.Snapshot
}

func (s *levelSnapshot) Get(key []byte) ([]byte, error) {
	v, err := s.snap.Get(key, nil)
	if err != nil {
		return nil, mapLevelErr(err)
	}
	return v, nil
}

func (s *levelSnapshot) Has(key []byte) (bool, error) {
	return s.snap.Has(key, nil)
}

func (s *levelSnapshot) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return drain(s.snap.NewIterator(util.BytesPrefix(prefix), nil), fn)
}

// drain walks it, copying keys and values out of the iterator's buffers.
func drain(it iterator.Iterator, fn func(key, value []byte) error) error {
	defer it.Release()
	for it.Next() {
		if err := fn(bytes.Clone(it.Key()), bytes.Clone(it.Value())); err != nil {
			return err
		}
	}
	return it.Error()
}
