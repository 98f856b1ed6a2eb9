package storage

import (
	"bytes"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("storage: key not found")
	// ErrReadOnly is returned by writes attempted through a read-only view.
	ErrReadOnly = errors.New("storage: read-only transaction")
	// ErrClosed is returned once the database has been closed.
	ErrClosed = errors.New("storage: database closed")
)

// Reader exposes point lookups and ordered prefix scans.
type Reader interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	// Iterate visits keys starting with prefix in ascending byte order.
	// Returning an error from fn stops the scan and is passed through.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
}

// Tx is a read-write transaction. Writes become visible to other
// transactions only when the enclosing Update returns nil.
type Tx interface {
	Reader
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Database is a transactional key-value store. Update runs at most one
// writer at a time; View reads a consistent snapshot.
type Database interface {
	Update(fn func(Tx) error) error
	View(fn func(Reader) error) error
	Close() error
}

// ReadOnly adapts a Reader to the Tx interface, rejecting writes.
func ReadOnly(r Reader) Tx { return readOnlyTx{r} }

type readOnlyTx struct{ Reader }

func (readOnlyTx) Put([]byte, []byte) error { return ErrReadOnly }
func (readOnlyTx) Delete([]byte) error      { return ErrReadOnly }

// --- In-Memory DB (for testing) ---

type MemDB struct {
	mu     sync.RWMutex
	writer sync.Mutex
	data   map[string][]byte
	closed bool
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Update(fn func(Tx) error) error {
	db.writer.Lock()
	defer db.writer.Unlock()
	if db.isClosed() {
		return ErrClosed
	}
	tx := &memTx{db: db, writes: make(map[string][]byte), deleted: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for k := range tx.deleted {
		delete(db.data, k)
	}
	for k, v := range tx.writes {
		db.data[k] = v
	}
	return nil
}

func (db *MemDB) View(fn func(Reader) error) error {
	if db.isClosed() {
		return ErrClosed
	}
	db.mu.RLock()
	snapshot := make(map[string][]byte, len(db.data))
	for k, v := range db.data {
		snapshot[k] = v
	}
	db.mu.RUnlock()
	return fn(&memTx{db: &MemDB{data: snapshot}})
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}

// Len reports the number of committed keys.
func (db *MemDB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.data)
}

func (db *MemDB) isClosed() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.closed
}

func (db *MemDB) committed(key string) ([]byte, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v, ok := db.data[key]
	return v, ok
}

// memTx overlays uncommitted writes on the committed map. With deleted
// nil the transaction is a snapshot reader.
type memTx struct {
	db      *MemDB
	writes  map[string][]byte
	deleted map[string]struct{}
}

func (tx *memTx) Get(key []byte) ([]byte, error) {
	k := string(key)
	if v, ok := tx.writes[k]; ok {
		return bytes.Clone(v), nil
	}
	if _, ok := tx.deleted[k]; ok {
		return nil, ErrNotFound
	}
	v, ok := tx.db.committed(k)
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (tx *memTx) Has(key []byte) (bool, error) {
	_, err := tx.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (tx *memTx) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	p := string(prefix)
	merged := make(map[string][]byte)
	tx.db.mu.RLock()
	for k, v := range tx.db.data {
		if strings.HasPrefix(k, p) {
			merged[k] = v
		}
	}
	tx.db.mu.RUnlock()
	for k := range tx.deleted {
		delete(merged, k)
	}
	for k, v := range tx.writes {
		if strings.HasPrefix(k, p) {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), bytes.Clone(merged[k])); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memTx) Put(key, value []byte) error {
	if tx.writes == nil {
		return ErrReadOnly
	}
	k := string(key)
	delete(tx.deleted, k)
	tx.writes[k] = bytes.Clone(value)
	return nil
}

func (tx *memTx) Delete(key []byte) error {
	if tx.writes == nil {
		return ErrReadOnly
	}
	k := string(key)
	delete(tx.writes, k)
	tx.deleted[k] = struct{}{}
	return nil
}
