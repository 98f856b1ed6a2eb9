package treasury

import (
	"d2dtreasury/crypto"
	"d2dtreasury/native/bank"
)

// Escrow is a developer's pre-funded balance used for automatic renewal.
type Escrow struct {
	Developer       crypto.Identity
	SolBalance      uint64
	UsdcBalance     uint64
	UsdtBalance     uint64
	AutoRenew       bool
	PreferredToken  bank.Asset
	MinBalanceAlert uint64

	TotalDepositedSol  uint64
	TotalDepositedUsdc uint64
	TotalDepositedUsdt uint64
	TotalAutoDeducted  uint64

	CreatedAt        int64
	LastDepositAt    int64
	LastAutoDeductAt int64
}

// NewEscrow returns an escrow with auto-renewal on and SOL preferred.
func NewEscrow(developer crypto.Identity, now int64) *Escrow {
	return &Escrow{
		Developer:       developer,
		AutoRenew:       true,
		PreferredToken:  bank.AssetSOL,
		MinBalanceAlert: DefaultMinBalanceAlert,
		CreatedAt:       now,
	}
}

func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

func (e *Escrow) balanceRef(asset bank.Asset) (*uint64, *uint64) {
	switch asset {
	case bank.AssetUSDC:
		return &e.UsdcBalance, &e.TotalDepositedUsdc
	case bank.AssetUSDT:
		return &e.UsdtBalance, &e.TotalDepositedUsdt
	default:
		return &e.SolBalance, &e.TotalDepositedSol
	}
}

func (e *Escrow) Balance(asset bank.Asset) uint64 {
	bal, _ := e.balanceRef(asset)
	return *bal
}

func (e *Escrow) CanAutoDeduct(amount uint64) bool {
	return e.AutoRenew && e.SolBalance >= amount
}

func (e *Escrow) AddBalance(asset bank.Asset, amount uint64, now int64) error {
	bal, total := e.balanceRef(asset)
	nextBal, err := checkedAdd(*bal, amount)
	if err != nil {
		return err
	}
	nextTotal, err := checkedAdd(*total, amount)
	if err != nil {
		return err
	}
	*bal = nextBal
	*total = nextTotal
	e.LastDepositAt = now
	return nil
}

func (e *Escrow) SubBalance(asset bank.Asset, amount uint64) error {
	bal, _ := e.balanceRef(asset)
	if *bal < amount {
		return ErrInsufficientEscrowBalance
	}
	*bal -= amount
	return nil
}

// DeductBalance takes an auto-renewal payment from the SOL balance.
func (e *Escrow) DeductBalance(amount uint64, now int64) error {
	if err := e.SubBalance(bank.AssetSOL, amount); err != nil {
		return err
	}
	total, err := checkedAdd(e.TotalAutoDeducted, amount)
	if err != nil {
		return err
	}
	e.TotalAutoDeducted = total
	e.LastAutoDeductAt = now
	return nil
}

func (e *Escrow) IsBelowAlertThreshold() bool {
	return e.Balance(e.PreferredToken) < e.MinBalanceAlert
}
