package bank

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"d2dtreasury/crypto"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrBalanceOverflow     = errors.New("bank: balance overflow")
	ErrUnsupportedAsset    = errors.New("bank: unsupported asset")
	ErrSelfTransfer        = errors.New("bank: source and destination are equal")
)

// Balances is the storage behind the transfer primitive.
type Balances interface {
	Balance(id crypto.Identity, asset Asset) (uint64, error)
	SetBalance(id crypto.Identity, asset Asset, amount uint64) error
}

// Credit adds amount to the balance of id.
func Credit(b Balances, id crypto.Identity, asset Asset, amount uint64) error {
	if !asset.Valid() {
		return ErrUnsupportedAsset
	}
	if amount == 0 {
		return nil
	}
	current, err := b.Balance(id, asset)
	if err != nil {
		return err
	}
	if current > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	return b.SetBalance(id, asset, current+amount)
}

// Debit removes amount from the balance of id.
func Debit(b Balances, id crypto.Identity, asset Asset, amount uint64) error {
	if !asset.Valid() {
		return ErrUnsupportedAsset
	}
	if amount == 0 {
		return nil
	}
	current, err := b.Balance(id, asset)
	if err != nil {
		return err
	}
	if current < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, current, amount)
	}
	return b.SetBalance(id, asset, current-amount)
}

// Transfer moves amount between two accounts. Both balances are validated
// before either is written.
func Transfer(b Balances, from, to crypto.Identity, asset Asset, amount uint64) error {
	if !asset.Valid() {
		return ErrUnsupportedAsset
	}
	if amount == 0 {
		return nil
	}
	if from == to {
		return ErrSelfTransfer
	}
	src, err := b.Balance(from, asset)
	if err != nil {
		return err
	}
	dst, err := b.Balance(to, asset)
	if err != nil {
		return err
	}
	if src < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, src, amount)
	}
	if dst > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	if err := b.SetBalance(from, asset, src-amount); err != nil {
		return err
	}
	return b.SetBalance(to, asset, dst+amount)
}

type balanceKey struct {
	id    crypto.Identity
	asset Asset
}

// Memory is an in-memory Balances implementation.
type Memory struct {
	mu       sync.RWMutex
	balances map[balanceKey]uint64
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[balanceKey]uint64)}
}

func (m *Memory) Balance(id crypto.Identity, asset Asset) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[balanceKey{id, asset}], nil
}

func (m *Memory) SetBalance(id crypto.Identity, asset Asset, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances == nil {
		m.balances = make(map[balanceKey]uint64)
	}
	if amount == 0 {
		delete(m.balances, balanceKey{id, asset})
		return nil
	}
	m.balances[balanceKey{id, asset}] = amount
	return nil
}

// Total sums every balance held in asset.
func (m *Memory) Total(asset Asset) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]balanceKey, 0, len(m.balances))
	for key := range m.balances {
		if key.asset == asset {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].id.Hex() < keys[j].id.Hex() })
	var total uint64
	for _, key := range keys {
		total += m.balances[key]
	}
	return total
}
