package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Database {
	t.Helper()
	dir := t.TempDir()
	level, err := NewLevelDB(filepath.Join(dir, "level"))
	require.NoError(t, err)
	bolt, err := NewBoltDB(filepath.Join(dir, "state.db"), nil)
	require.NoError(t, err)
	dbs := map[string]Database{
		BackendMemory:  NewMemDB(),
		BackendLevelDB: level,
		BackendBolt:    bolt,
	}
	t.Cleanup(func() {
		for _, db := range dbs {
			_ = db.Close()
		}
	})
	return dbs
}

func TestDatabaseCommitAndRollback(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Update(func(tx Tx) error {
				return tx.Put([]byte("a"), []byte("1"))
			}))

			boom := errors.New("boom")
			err := db.Update(func(tx Tx) error {
				require.NoError(t, tx.Put([]byte("a"), []byte("2")))
				require.NoError(t, tx.Put([]byte("b"), []byte("3")))
				v, err := tx.Get([]byte("a"))
				require.NoError(t, err)
				require.Equal(t, []byte("2"), v, "transaction must read its own writes")
				return boom
			})
			require.ErrorIs(t, err, boom)

			require.NoError(t, db.View(func(r Reader) error {
				v, err := r.Get([]byte("a"))
				require.NoError(t, err)
				require.Equal(t, []byte("1"), v)
				_, err = r.Get([]byte("b"))
				require.ErrorIs(t, err, ErrNotFound)
				ok, err := r.Has([]byte("b"))
				require.NoError(t, err)
				require.False(t, ok)
				return nil
			}))
		})
	}
}

func TestDatabaseIterateOrderedPrefix(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Update(func(tx Tx) error {
				for i := 3; i >= 0; i-- {
					if err := tx.Put([]byte(fmt.Sprintf("p/%02d", i)), []byte{byte(i)}); err != nil {
						return err
					}
				}
				return tx.Put([]byte("q/00"), []byte("other"))
			}))
			require.NoError(t, db.Update(func(tx Tx) error {
				require.NoError(t, tx.Delete([]byte("p/01")))
				var keys []string
				require.NoError(t, tx.Iterate([]byte("p/"), func(k, _ []byte) error {
					keys = append(keys, string(k))
					return nil
				}))
				require.Equal(t, []string{"p/00", "p/02", "p/03"}, keys)
				return nil
			}))

			stop := errors.New("stop")
			seen := 0
			err := db.View(func(r Reader) error {
				return r.Iterate([]byte("p/"), func([]byte, []byte) error {
					seen++
					return stop
				})
			})
			require.ErrorIs(t, err, stop)
			require.Equal(t, 1, seen)
		})
	}
}

func TestViewRejectsWrites(t *testing.T) {
	db := NewMemDB()
	err := db.View(func(r Reader) error {
		return ReadOnly(r).Put([]byte("k"), []byte("v"))
	})
	require.ErrorIs(t, err, ErrReadOnly)
	require.Zero(t, db.Len())
}

func TestOpenBackends(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(BackendBolt, filepath.Join(dir, "nested", "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open("", "")
	require.NoError(t, err)
	require.IsType(t, &MemDB{}, db)

	_, err = Open("rocksdb", dir)
	require.Error(t, err)
}
