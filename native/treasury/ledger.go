package treasury

import (
	"math"

	"github.com/holiman/uint256"

	"d2dtreasury/crypto"
	"d2dtreasury/native/common"
)

// Ledger is the treasury singleton: pooled liquidity, the reward
// accumulator, fee pools, debt totals, queue pointers, APY parameters and the
// pause/guardian/timelock controls.
type Ledger struct {
	RewardPerShare uint256.Int

	TotalDeposited      uint64
	LiquidBalance       uint64
	RewardPoolBalance   uint64
	PlatformPoolBalance uint64

	RewardFeeBps   uint64
	PlatformFeeBps uint64

	Admin     crypto.Identity
	Guardian  crypto.Identity
	DevWallet crypto.Identity

	EmergencyPause bool

	TimelockDuration       int64
	PendingWithdrawalCount uint8

	DailyWithdrawalLimit uint64
	LastWithdrawalDay    int64
	WithdrawnToday       uint64

	TotalCreditedRewards uint64
	TotalClaimedRewards  uint64

	TotalBorrowed         uint64
	TotalRecovered        uint64
	TotalDebtRepaid       uint64
	ActiveDeploymentCount uint32

	TotalStakeDurationWeight    uint256.Int
	LastWeightUpdate            int64
	PendingUndistributedRewards uint64

	WithdrawalQueueHead    uint32
	WithdrawalQueueTail    uint32
	QueuedWithdrawalAmount uint64

	BaseAPYBps           uint64
	MaxAPYMultiplierBps  uint64
	TargetUtilizationBps uint64

	InitializedAt int64
}

// NewLedger returns a ledger with default parameters.
func NewLedger(admin, devWallet crypto.Identity, now int64) *Ledger {
	l := &Ledger{Admin: admin, DevWallet: devWallet, InitializedAt: now}
	l.ResetParameters()
	return l
}

// ResetParameters restores fee, timelock, limit and APY settings to their
// defaults without touching balances or counters.
func (l *Ledger) ResetParameters() {
	l.RewardFeeBps = RewardFeeBps
	l.PlatformFeeBps = PlatformFeeBps
	l.TimelockDuration = DefaultTimelockDuration
	l.DailyWithdrawalLimit = DefaultDailyWithdrawalLimit
	l.BaseAPYBps = DefaultBaseAPYBps
	l.MaxAPYMultiplierBps = DefaultMaxAPYMultiplierBps
	l.TargetUtilizationBps = DefaultTargetUtilizationBps
}

// Clone returns a deep copy.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	clone := *l
	return &clone
}

func (l *Ledger) HasGuardian() bool { return !l.Guardian.IsZero() }

func (l *Ledger) IsGuardian(id crypto.Identity) bool {
	return l.HasGuardian() && l.Guardian == id
}

func (l *Ledger) IsAdmin(id crypto.Identity) bool { return l.Admin == id }

func (l *Ledger) IsAdminOrGuardian(id crypto.Identity) bool {
	return l.IsAdmin(id) || l.IsGuardian(id)
}

// CreditFeeToPool books fee income. The reward share feeds the accumulator
// when deposits exist; otherwise it is parked as undistributed rewards so the
// first depositor cannot capture it.
func (l *Ledger) CreditFeeToPool(reward, platform uint64) error {
	if reward > MaxAmount || platform > MaxAmount {
		return ErrFeeAmountTooLarge
	}
	platformPool, err := checkedAdd(l.PlatformPoolBalance, platform)
	if err != nil {
		return err
	}
	rewardPool, err := checkedAdd(l.RewardPoolBalance, reward)
	if err != nil {
		return err
	}
	credited, err := checkedAdd(l.TotalCreditedRewards, reward)
	if err != nil {
		return err
	}
	rps := l.RewardPerShare
	pending := l.PendingUndistributedRewards
	switch {
	case reward == 0:
	case l.TotalDeposited > 0:
		inc, err := accumulatorIncrement(reward, l.TotalDeposited)
		if err != nil {
			return err
		}
		next, err := addU128(&rps, inc)
		if err != nil {
			return err
		}
		rps = *next
	default:
		if pending, err = checkedAdd(pending, reward); err != nil {
			return err
		}
	}
	l.PlatformPoolBalance = platformPool
	l.RewardPoolBalance = rewardPool
	l.TotalCreditedRewards = credited
	l.RewardPerShare = rps
	l.PendingUndistributedRewards = pending
	return nil
}

// DebitRewardPool removes amount from the tracked reward pool. Undistributed
// rewards never exceed the pool that backs them.
func (l *Ledger) DebitRewardPool(amount uint64) error {
	next, err := checkedSub(l.RewardPoolBalance, amount)
	if err != nil {
		return err
	}
	l.RewardPoolBalance = next
	if l.PendingUndistributedRewards > next {
		l.PendingUndistributedRewards = next
	}
	return nil
}

func (l *Ledger) quota() common.DayQuota {
	return common.DayQuota{Limit: l.DailyWithdrawalLimit}
}

func (l *Ledger) usage() common.DayUsage {
	return common.DayUsage{Day: l.LastWithdrawalDay, Used: l.WithdrawnToday}
}

// CheckAndUpdateDailyLimit consumes amount from today's privileged
// withdrawal allowance.
func (l *Ledger) CheckAndUpdateDailyLimit(amount uint64, now int64) error {
	next, err := l.quota().Check(now, l.usage(), amount)
	switch {
	case err == common.ErrDayQuotaExceeded:
		return ErrDailyWithdrawalLimitExceeded
	case err != nil:
		return ErrCalculationOverflow
	}
	l.LastWithdrawalDay = next.Day
	l.WithdrawnToday = next.Used
	return nil
}

// RemainingDailyAllowance reports math.MaxUint64 when no limit is set.
func (l *Ledger) RemainingDailyAllowance(now int64) uint64 {
	return l.quota().Remaining(now, l.usage())
}

// ProtectedRewards is the reward balance already owed to stakers.
func (l *Ledger) ProtectedRewards() uint64 {
	return saturatingSub(l.TotalCreditedRewards, l.TotalClaimedRewards)
}

// ExcessRewards is the only portion of the reward pool an admin may withdraw.
func (l *Ledger) ExcessRewards() uint64 {
	return saturatingSub(l.RewardPoolBalance, l.ProtectedRewards())
}

func (l *Ledger) RecordClaimedRewards(amount uint64) error {
	next, err := checkedAdd(l.TotalClaimedRewards, amount)
	if err != nil {
		return err
	}
	l.TotalClaimedRewards = next
	return nil
}

// CheckUtilizationLimit reports whether removing amount from liquidity keeps
// at least MinLiquidityReserveBps of deposits liquid.
func (l *Ledger) CheckUtilizationLimit(amount uint64) bool {
	if l.TotalDeposited == 0 {
		return true
	}
	remaining := saturatingSub(l.LiquidBalance, amount)
	required, err := mulDiv(l.TotalDeposited, MinLiquidityReserveBps, BpsDenominator)
	if err != nil {
		return false
	}
	return remaining >= required
}

// WouldExceedMaxUtilization reports whether borrowing amount more pushes
// utilization above MaxUtilizationBps. With no deposits borrowing is the
// admin-funded bootstrap case and always allowed.
func (l *Ledger) WouldExceedMaxUtilization(amount uint64) (bool, error) {
	if l.TotalDeposited == 0 {
		return false, nil
	}
	borrowed, err := checkedAdd(l.TotalBorrowed, amount)
	if err != nil {
		return false, err
	}
	prod := new(uint256.Int).Mul(uint256.NewInt(borrowed), bpsDenom)
	limit := new(uint256.Int).Mul(uint256.NewInt(l.TotalDeposited), uint256.NewInt(MaxUtilizationBps))
	return prod.Gt(limit), nil
}

func (l *Ledger) RecordDeploymentBorrow(amount uint64) error {
	borrowed, err := checkedAdd(l.TotalBorrowed, amount)
	if err != nil {
		return err
	}
	if l.ActiveDeploymentCount == math.MaxUint32 {
		return ErrCalculationOverflow
	}
	l.TotalBorrowed = borrowed
	l.ActiveDeploymentCount++
	return nil
}

// RecordDebtRepayment books recovered lamports against outstanding debt and
// returns the split between debt repayment and excess.
func (l *Ledger) RecordDebtRepayment(recovered, remainingDebt uint64) (debt, excess uint64, err error) {
	debt = minU64(recovered, remainingDebt)
	excess = recovered - debt
	totalRecovered, err := checkedAdd(l.TotalRecovered, recovered)
	if err != nil {
		return 0, 0, err
	}
	repaid, err := checkedAdd(l.TotalDebtRepaid, debt)
	if err != nil {
		return 0, 0, err
	}
	liquid, err := checkedAdd(l.LiquidBalance, debt)
	if err != nil {
		return 0, 0, err
	}
	l.TotalRecovered = totalRecovered
	l.TotalDebtRepaid = repaid
	l.TotalBorrowed = saturatingSub(l.TotalBorrowed, debt)
	l.LiquidBalance = liquid
	return debt, excess, nil
}

// RecordDeploymentClosed retires one active deployment.
func (l *Ledger) RecordDeploymentClosed() {
	if l.ActiveDeploymentCount > 0 {
		l.ActiveDeploymentCount--
	}
}

// UtilizationBps is total_borrowed / total_deposited in basis points.
func (l *Ledger) UtilizationBps() uint64 {
	return bps(l.TotalBorrowed, l.TotalDeposited)
}

// RecoveryRatioBps compares lifetime recoveries to lifetime lending.
func (l *Ledger) RecoveryRatioBps() uint64 {
	total := l.TotalBorrowed + l.TotalDebtRepaid
	if total < l.TotalBorrowed {
		return math.MaxUint64
	}
	if total == 0 {
		return BpsDenominator
	}
	return bps(l.TotalRecovered, total)
}

// AddToWithdrawalQueue reserves the next queue position.
func (l *Ledger) AddToWithdrawalQueue(amount uint64) (uint32, error) {
	if l.WithdrawalQueueTail == math.MaxUint32 {
		return 0, ErrCalculationOverflow
	}
	queued, err := checkedAdd(l.QueuedWithdrawalAmount, amount)
	if err != nil {
		return 0, err
	}
	position := l.WithdrawalQueueTail
	l.WithdrawalQueueTail++
	l.QueuedWithdrawalAmount = queued
	return position, nil
}

func (l *Ledger) ProcessQueuedWithdrawal(amount uint64) {
	l.QueuedWithdrawalAmount = saturatingSub(l.QueuedWithdrawalAmount, amount)
}

func (l *Ledger) PendingQueueCount() uint32 {
	if l.WithdrawalQueueTail < l.WithdrawalQueueHead {
		return 0
	}
	return l.WithdrawalQueueTail - l.WithdrawalQueueHead
}

// DistributePendingRewards folds pctBps of the pending pool into the
// accumulator and returns the amount distributed.
func (l *Ledger) DistributePendingRewards(pctBps uint64) (uint64, error) {
	if pctBps == 0 || pctBps > BpsDenominator {
		return 0, ErrInvalidDistributionPct
	}
	if l.PendingUndistributedRewards == 0 {
		return 0, ErrNoPendingRewards
	}
	if l.TotalDeposited == 0 {
		return 0, ErrNoStakersForDistribution
	}
	amount, err := mulDiv(l.PendingUndistributedRewards, pctBps, BpsDenominator)
	if err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, nil
	}
	inc, err := accumulatorIncrement(amount, l.TotalDeposited)
	if err != nil {
		return 0, err
	}
	rps, err := addU128(&l.RewardPerShare, inc)
	if err != nil {
		return 0, err
	}
	l.RewardPerShare = *rps
	l.PendingUndistributedRewards -= amount
	return amount, nil
}

// AddDurationWeight accumulates a position's weight delta into the total.
func (l *Ledger) AddDurationWeight(delta *uint256.Int, now int64) error {
	next, err := addU128(&l.TotalStakeDurationWeight, delta)
	if err != nil {
		return err
	}
	l.TotalStakeDurationWeight = *next
	l.LastWeightUpdate = now
	return nil
}

// RemoveDurationWeight subtracts a position's weight after it is consumed by
// a claim, clamping at zero.
func (l *Ledger) RemoveDurationWeight(weight *uint256.Int) {
	if l.TotalStakeDurationWeight.Lt(weight) {
		l.TotalStakeDurationWeight.Clear()
		return
	}
	l.TotalStakeDurationWeight.Sub(&l.TotalStakeDurationWeight, weight)
}

// CalculateDurationBonus is the share of pending undistributed rewards a
// position with the given weight may claim.
func (l *Ledger) CalculateDurationBonus(weight *uint256.Int) uint64 {
	if l.TotalStakeDurationWeight.IsZero() || l.PendingUndistributedRewards == 0 || weight.IsZero() {
		return 0
	}
	v := new(uint256.Int).Mul(uint256.NewInt(l.PendingUndistributedRewards), weight)
	v.Div(v, &l.TotalStakeDurationWeight)
	if !v.IsUint64() {
		return l.PendingUndistributedRewards
	}
	return minU64(v.Uint64(), l.PendingUndistributedRewards)
}
