package state

import (
	"errors"
	"fmt"
	"math"

	"d2dtreasury/storage"
)

// StateVersion identifies the expected on-disk schema layout for treasury
// state. Increment this constant whenever breaking changes are made to the
// stored records.
const StateVersion uint32 = 1

var (
	stateVersionKey = []byte("state/version")
	// ErrStateVersionMismatch indicates the stored schema version does not
	// match the version supported by the current binary.
	ErrStateVersionMismatch = errors.New("state: schema version mismatch")
)

// SetStateVersion records the provided schema version in state. Callers should
// invoke this after performing any required migrations.
func (m *Manager) SetStateVersion(version uint32) error {
	if m == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	return m.KVPut(stateVersionKey, uint64(version))
}

// StateVersion returns the stored schema version and a boolean indicating
// whether the value was present.
func (m *Manager) StateVersion() (uint32, bool, error) {
	if m == nil {
		return 0, false, fmt.Errorf("state: manager unavailable")
	}
	var stored uint64
	ok, err := m.KVGet(stateVersionKey, &stored)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	if stored > uint64(math.MaxUint32) {
		return 0, false, fmt.Errorf("state: schema version overflow: %d", stored)
	}
	return uint32(stored), true, nil
}

// EnsureStateVersion verifies that the on-disk state version matches the
// version supported by this binary. An empty database is stamped with the
// current version. When allowMigrate is true, mismatches are tolerated so
// operators can run Migrate.
func EnsureStateVersion(db storage.Database, allowMigrate bool) error {
	if db == nil {
		return fmt.Errorf("state: database must not be nil")
	}
	return db.Update(func(tx storage.Tx) error {
		manager := NewManager(tx)
		version, ok, err := manager.StateVersion()
		if err != nil {
			return err
		}
		if !ok {
			empty, err := isEmpty(tx)
			if err != nil {
				return err
			}
			if empty {
				return manager.SetStateVersion(StateVersion)
			}
		}
		if version == StateVersion || allowMigrate {
			return nil
		}
		return fmt.Errorf("%w: on-disk=%d expected=%d", ErrStateVersionMismatch, version, StateVersion)
	})
}

// MigrationReport summarises a Migrate run.
type MigrationReport struct {
	Previous  uint32
	Rewritten int
}

// Migrate decodes every treasury record and rewrites it at the current record
// version, then stamps the schema version. State written by a newer binary is
// refused.
func Migrate(db storage.Database) (MigrationReport, error) {
	var report MigrationReport
	if db == nil {
		return report, fmt.Errorf("state: database must not be nil")
	}
	err := db.Update(func(tx storage.Tx) error {
		manager := NewManager(tx)
		version, _, err := manager.StateVersion()
		if err != nil {
			return err
		}
		report.Previous = version
		if version > StateVersion {
			return fmt.Errorf("%w: on-disk=%d newer than supported=%d", ErrStateVersionMismatch, version, StateVersion)
		}
		n, err := manager.rewriteRecords()
		if err != nil {
			return err
		}
		report.Rewritten = n
		return manager.SetStateVersion(StateVersion)
	})
	return report, err
}

func (m *Manager) rewriteRecords() (int, error) {
	count := 0
	if l, ok, err := m.Ledger(); err != nil {
		return 0, err
	} else if ok {
		if err := m.PutLedger(l); err != nil {
			return 0, err
		}
		count++
	}
	if w, ok, err := m.PendingWithdrawal(); err != nil {
		return 0, err
	} else if ok {
		if err := m.PutPendingWithdrawal(w); err != nil {
			return 0, err
		}
		count++
	}
	positions, err := m.Positions()
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if err := m.PutPosition(p); err != nil {
			return 0, err
		}
	}
	count += len(positions)
	requests, err := m.DeployRequests()
	if err != nil {
		return 0, err
	}
	for _, r := range requests {
		if err := m.PutDeployRequest(r); err != nil {
			return 0, err
		}
	}
	count += len(requests)
	entries, err := m.QueueEntries()
	if err != nil {
		return 0, err
	}
	for _, q := range entries {
		if err := m.PutQueueEntry(q); err != nil {
			return 0, err
		}
	}
	count += len(entries)
	escrows, err := m.Escrows()
	if err != nil {
		return 0, err
	}
	for _, e := range escrows {
		if err := m.PutEscrow(e); err != nil {
			return 0, err
		}
	}
	count += len(escrows)
	programs, err := m.ManagedPrograms()
	if err != nil {
		return 0, err
	}
	for _, p := range programs {
		if err := m.PutManagedProgram(p); err != nil {
			return 0, err
		}
	}
	count += len(programs)
	return count, nil
}

var errStopScan = errors.New("stop")

func isEmpty(r storage.Reader) (bool, error) {
	empty := true
	err := r.Iterate(nil, func(_, _ []byte) error {
		empty = false
		return errStopScan
	})
	if errors.Is(err, errStopScan) {
		err = nil
	}
	return empty, err
}
