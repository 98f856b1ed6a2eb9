package treasury

import (
	"github.com/holiman/uint256"

	"d2dtreasury/crypto"
)

// StakePosition is a staker's principal, reward bookkeeping and queued
// withdrawal sub-state. The record survives deactivation so pending rewards
// and history are retained.
type StakePosition struct {
	Staker          crypto.Identity
	DepositedAmount uint64
	RewardDebt      uint256.Int
	PendingRewards  uint64
	ClaimedTotal    uint64
	IsActive        bool

	FirstDepositAt      int64
	LastActionAt        int64
	StakeDurationWeight uint256.Int
	LastRewardPerShare  uint256.Int

	QueuedWithdrawal uint64
	QueuePosition    uint32
	QueuedAt         int64
}

// NewStakePosition opens an active, empty position.
func NewStakePosition(staker crypto.Identity, now int64) *StakePosition {
	p := &StakePosition{Staker: staker, IsActive: true}
	p.InitializeTimestamps(now)
	return p
}

func (p *StakePosition) Clone() *StakePosition {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

func (p *StakePosition) InitializeTimestamps(now int64) {
	p.FirstDepositAt = now
	p.LastActionAt = now
}

// accrued returns the rewards earned since the last settlement. A reward debt
// above the accumulated product is treated as a rounding artifact and yields
// zero.
func (p *StakePosition) accrued(rps *uint256.Int) (uint64, error) {
	accumulated, err := scaledProduct(p.DepositedAmount, rps)
	if err != nil {
		return 0, err
	}
	if accumulated.Lt(&p.RewardDebt) {
		return 0, nil
	}
	delta := new(uint256.Int).Sub(accumulated, &p.RewardDebt)
	return toU64(delta.Div(delta, precision))
}

// Settle moves accrued rewards into PendingRewards. It must run before any
// change to DepositedAmount.
func (p *StakePosition) Settle(rps *uint256.Int) (uint64, error) {
	accrued, err := p.accrued(rps)
	if err != nil {
		return 0, err
	}
	pending, err := checkedAdd(p.PendingRewards, accrued)
	if err != nil {
		return 0, err
	}
	p.PendingRewards = pending
	debt, err := scaledProduct(p.DepositedAmount, rps)
	if err != nil {
		return 0, err
	}
	p.RewardDebt = *debt
	p.LastRewardPerShare = *rps
	return accrued, nil
}

// UpdateRewardDebt snapshots DepositedAmount*rps after a principal change.
func (p *StakePosition) UpdateRewardDebt(rps *uint256.Int) error {
	debt, err := scaledProduct(p.DepositedAmount, rps)
	if err != nil {
		return err
	}
	p.RewardDebt = *debt
	p.LastRewardPerShare = *rps
	return nil
}

// Claimable previews pending plus unsettled rewards.
func (p *StakePosition) Claimable(rps *uint256.Int) (uint64, error) {
	accrued, err := p.accrued(rps)
	if err != nil {
		return 0, err
	}
	return checkedAdd(p.PendingRewards, accrued)
}

// UpdateDurationWeight accrues principal*elapsed and returns the delta so
// the ledger total can follow.
func (p *StakePosition) UpdateDurationWeight(now int64) (*uint256.Int, error) {
	if p.LastActionAt == 0 {
		p.LastActionAt = now
		return new(uint256.Int), nil
	}
	elapsed := now - p.LastActionAt
	if elapsed < 0 {
		elapsed = 0
	}
	delta := new(uint256.Int).Mul(uint256.NewInt(p.DepositedAmount), uint256.NewInt(uint64(elapsed)))
	weight, err := addU128(&p.StakeDurationWeight, delta)
	if err != nil {
		return nil, err
	}
	p.StakeDurationWeight = *weight
	p.LastActionAt = now
	return delta, nil
}

func (p *StakePosition) ResetDurationWeight(now int64) {
	p.StakeDurationWeight.Clear()
	p.LastActionAt = now
}

func (p *StakePosition) HasQueuedWithdrawal() bool { return p.QueuedWithdrawal > 0 }

// QueueWithdrawal records the single outstanding queued withdrawal.
func (p *StakePosition) QueueWithdrawal(amount uint64, position uint32, now int64) error {
	if p.QueuedWithdrawal != 0 {
		return ErrWithdrawalAlreadyQueued
	}
	if amount > p.DepositedAmount {
		return ErrInsufficientStake
	}
	p.QueuedWithdrawal = amount
	p.QueuePosition = position
	p.QueuedAt = now
	return nil
}

// ProcessQueuedWithdrawal reduces the queued amount after a payout.
func (p *StakePosition) ProcessQueuedWithdrawal(amount uint64) {
	p.QueuedWithdrawal = saturatingSub(p.QueuedWithdrawal, amount)
	if p.QueuedWithdrawal == 0 {
		p.QueuePosition = 0
		p.QueuedAt = 0
	}
}

// CancelQueuedWithdrawal clears the queued state and returns what was queued.
func (p *StakePosition) CancelQueuedWithdrawal() uint64 {
	amount := p.QueuedWithdrawal
	p.QueuedWithdrawal = 0
	p.QueuePosition = 0
	p.QueuedAt = 0
	return amount
}

// EffectiveDeposit excludes the queued portion.
func (p *StakePosition) EffectiveDeposit() uint64 {
	return saturatingSub(p.DepositedAmount, p.QueuedWithdrawal)
}

// reducePrincipal lowers the deposit after settlement, deactivating the
// position when it reaches zero.
func (p *StakePosition) reducePrincipal(amount uint64, rps *uint256.Int) error {
	next, err := checkedSub(p.DepositedAmount, amount)
	if err != nil {
		return err
	}
	p.DepositedAmount = next
	if next == 0 {
		p.IsActive = false
		p.RewardDebt.Clear()
		return nil
	}
	return p.UpdateRewardDebt(rps)
}
