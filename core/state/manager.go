package state

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"d2dtreasury/crypto"
	"d2dtreasury/native/bank"
	"d2dtreasury/native/treasury"
	"d2dtreasury/storage"
)

// Manager reads and writes treasury records inside a single storage
// transaction. It satisfies treasury.State.
type Manager struct {
	tx storage.Tx
}

// NewManager creates a state manager operating on the provided transaction.
func NewManager(tx storage.Tx) *Manager {
	return &Manager{tx: tx}
}

var _ treasury.State = (*Manager)(nil)

func kvKey(key []byte) []byte {
	return prefixed(kvPrefix, ethcrypto.Keccak256(key))
}

// get returns nil data without error when the key is absent.
func (m *Manager) get(key []byte) ([]byte, error) {
	if m == nil || m.tx == nil {
		return nil, treasury.ErrNilState
	}
	data, err := m.tx.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (m *Manager) put(key []byte, value interface{}) error {
	if m == nil || m.tx == nil {
		return treasury.ErrNilState
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.tx.Put(key, encoded)
}

func (m *Manager) Balance(id crypto.Identity, asset bank.Asset) (uint64, error) {
	if !asset.Valid() {
		return 0, bank.ErrUnsupportedAsset
	}
	data, err := m.get(BalanceKey(id, asset))
	if err != nil || data == nil {
		return 0, err
	}
	var amount uint64
	if err := rlp.DecodeBytes(data, &amount); err != nil {
		return 0, fmt.Errorf("%w: balance: %v", treasury.ErrInvalidAccountData, err)
	}
	return amount, nil
}

// SetBalance writes the balance of id. Zero balances are deleted so closed
// accounts leave nothing behind.
func (m *Manager) SetBalance(id crypto.Identity, asset bank.Asset, amount uint64) error {
	if !asset.Valid() {
		return bank.ErrUnsupportedAsset
	}
	if m == nil || m.tx == nil {
		return treasury.ErrNilState
	}
	if amount == 0 {
		return m.tx.Delete(BalanceKey(id, asset))
	}
	return m.put(BalanceKey(id, asset), amount)
}

func (m *Manager) Ledger() (*treasury.Ledger, bool, error) {
	data, err := m.get(LedgerKey())
	if err != nil || data == nil {
		return nil, false, err
	}
	var rec ledgerRecord
	if err := decode(data, &rec, func() uint { return rec.Version }); err != nil {
		return nil, false, err
	}
	ledger, err := rec.ledger()
	if err != nil {
		return nil, false, err
	}
	return ledger, true, nil
}

func (m *Manager) PutLedger(l *treasury.Ledger) error {
	if l == nil {
		return treasury.ErrInvalidAccountData
	}
	return m.put(LedgerKey(), newLedgerRecord(l))
}

func (m *Manager) Position(staker crypto.Identity) (*treasury.StakePosition, bool, error) {
	data, err := m.get(PositionKey(staker))
	if err != nil || data == nil {
		return nil, false, err
	}
	pos, err := decodePosition(data)
	if err != nil {
		return nil, false, err
	}
	return pos, true, nil
}

func decodePosition(data []byte) (*treasury.StakePosition, error) {
	var rec positionRecord
	if err := decode(data, &rec, func() uint { return rec.Version }); err != nil {
		return nil, err
	}
	return rec.position()
}

func (m *Manager) PutPosition(p *treasury.StakePosition) error {
	if p == nil {
		return treasury.ErrInvalidAccountData
	}
	return m.put(PositionKey(p.Staker), newPositionRecord(p))
}

// Positions returns every stake position ordered by staker identity.
func (m *Manager) Positions() ([]*treasury.StakePosition, error) {
	if m == nil || m.tx == nil {
		return nil, treasury.ErrNilState
	}
	var out []*treasury.StakePosition
	err := m.tx.Iterate(positionPrefix, func(_, value []byte) error {
		pos, err := decodePosition(value)
		if err != nil {
			return err
		}
		out = append(out, pos)
		return nil
	})
	return out, err
}

func (m *Manager) DeployRequest(id [32]byte) (*treasury.DeployRequest, bool, error) {
	data, err := m.get(DeployRequestKey(id))
	if err != nil || data == nil {
		return nil, false, err
	}
	req, err := decodeDeployRequest(data)
	if err != nil {
		return nil, false, err
	}
	return req, true, nil
}

func decodeDeployRequest(data []byte) (*treasury.DeployRequest, error) {
	var rec deployRequestRecord
	if err := decode(data, &rec, func() uint { return rec.Version }); err != nil {
		return nil, err
	}
	return rec.request()
}

func (m *Manager) PutDeployRequest(r *treasury.DeployRequest) error {
	if r == nil {
		return treasury.ErrInvalidAccountData
	}
	return m.put(DeployRequestKey(r.RequestID), newDeployRequestRecord(r))
}

func (m *Manager) DeployRequests() ([]*treasury.DeployRequest, error) {
	if m == nil || m.tx == nil {
		return nil, treasury.ErrNilState
	}
	var out []*treasury.DeployRequest
	err := m.tx.Iterate(deployRequestPrefix, func(_, value []byte) error {
		req, err := decodeDeployRequest(value)
		if err != nil {
			return err
		}
		out = append(out, req)
		return nil
	})
	return out, err
}

func (m *Manager) QueueEntry(position uint32) (*treasury.QueueEntry, bool, error) {
	data, err := m.get(QueueEntryKey(position))
	if err != nil || data == nil {
		return nil, false, err
	}
	var rec queueEntryRecord
	if err := decode(data, &rec, func() uint { return rec.Version }); err != nil {
		return nil, false, err
	}
	return rec.entry(), true, nil
}

func (m *Manager) PutQueueEntry(q *treasury.QueueEntry) error {
	if q == nil {
		return treasury.ErrInvalidAccountData
	}
	return m.put(QueueEntryKey(q.Position), newQueueEntryRecord(q))
}

// QueueEntries returns the withdrawal queue in position order.
func (m *Manager) QueueEntries() ([]*treasury.QueueEntry, error) {
	if m == nil || m.tx == nil {
		return nil, treasury.ErrNilState
	}
	var out []*treasury.QueueEntry
	err := m.tx.Iterate(queueEntryPrefix, func(_, value []byte) error {
		var rec queueEntryRecord
		if err := decode(value, &rec, func() uint { return rec.Version }); err != nil {
			return err
		}
		out = append(out, rec.entry())
		return nil
	})
	return out, err
}

func (m *Manager) PendingWithdrawal() (*treasury.PendingWithdrawal, bool, error) {
	data, err := m.get(PendingWithdrawalKey())
	if err != nil || data == nil {
		return nil, false, err
	}
	var rec pendingWithdrawalRecord
	if err := decode(data, &rec, func() uint { return rec.Version }); err != nil {
		return nil, false, err
	}
	w, err := rec.withdrawal()
	if err != nil {
		return nil, false, err
	}
	return w, true, nil
}

func (m *Manager) PutPendingWithdrawal(w *treasury.PendingWithdrawal) error {
	if w == nil {
		return treasury.ErrInvalidAccountData
	}
	return m.put(PendingWithdrawalKey(), newPendingWithdrawalRecord(w))
}

func (m *Manager) DeletePendingWithdrawal() error {
	if m == nil || m.tx == nil {
		return treasury.ErrNilState
	}
	return m.tx.Delete(PendingWithdrawalKey())
}

func (m *Manager) Escrow(developer crypto.Identity) (*treasury.Escrow, bool, error) {
	data, err := m.get(EscrowKey(developer))
	if err != nil || data == nil {
		return nil, false, err
	}
	var rec escrowRecord
	if err := decode(data, &rec, func() uint { return rec.Version }); err != nil {
		return nil, false, err
	}
	esc, err := rec.escrow()
	if err != nil {
		return nil, false, err
	}
	return esc, true, nil
}

// Escrows returns every developer escrow.
func (m *Manager) Escrows() ([]*treasury.Escrow, error) {
	if m == nil || m.tx == nil {
		return nil, treasury.ErrNilState
	}
	var out []*treasury.Escrow
	err := m.tx.Iterate(escrowPrefix, func(_, value []byte) error {
		var rec escrowRecord
		if err := decode(value, &rec, func() uint { return rec.Version }); err != nil {
			return err
		}
		esc, err := rec.escrow()
		if err != nil {
			return err
		}
		out = append(out, esc)
		return nil
	})
	return out, err
}

func (m *Manager) PutEscrow(e *treasury.Escrow) error {
	if e == nil {
		return treasury.ErrInvalidAccountData
	}
	return m.put(EscrowKey(e.Developer), newEscrowRecord(e))
}

func (m *Manager) ManagedProgram(programID crypto.Identity) (*treasury.ManagedProgram, bool, error) {
	data, err := m.get(ManagedProgramKey(programID))
	if err != nil || data == nil {
		return nil, false, err
	}
	var rec managedProgramRecord
	if err := decode(data, &rec, func() uint { return rec.Version }); err != nil {
		return nil, false, err
	}
	return rec.program(), true, nil
}

func (m *Manager) PutManagedProgram(p *treasury.ManagedProgram) error {
	if p == nil {
		return treasury.ErrInvalidAccountData
	}
	return m.put(ManagedProgramKey(p.ProgramID), newManagedProgramRecord(p))
}

// ManagedPrograms returns every program the treasury holds authority over.
func (m *Manager) ManagedPrograms() ([]*treasury.ManagedProgram, error) {
	if m == nil || m.tx == nil {
		return nil, treasury.ErrNilState
	}
	var out []*treasury.ManagedProgram
	err := m.tx.Iterate(managedProgramPrefix, func(_, value []byte) error {
		var rec managedProgramRecord
		if err := decode(value, &rec, func() uint { return rec.Version }); err != nil {
			return err
		}
		out = append(out, rec.program())
		return nil
	})
	return out, err
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 and kept under its own prefix so it can
// never collide with a treasury record.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.put(kvKey(key), value)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}
