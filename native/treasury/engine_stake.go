package treasury

import (
	"context"

	"d2dtreasury/core/types"
	"d2dtreasury/crypto"
)

// Initialize creates the ledger. The admin funds the vault rent reserve.
func (e *Engine) Initialize(ctx context.Context, admin, devWallet crypto.Identity) error {
	return e.mutate(ctx, "initialize", func(t *txn) error {
		if admin.IsZero() || devWallet.IsZero() {
			return ErrInvalidIdentity
		}
		if _, ok, err := t.st.Ledger(); err != nil {
			return err
		} else if ok {
			return ErrAlreadyInitialized
		}
		if err := t.transfer(admin, VaultIdentity, e.params.VaultRent, ErrInsufficientDeposit); err != nil {
			return err
		}
		l := NewLedger(admin, devWallet, t.now)
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeTreasuryInitialized, t.now).
			id("admin", admin).
			id("devWallet", devWallet).
			i64("timelockDuration", l.TimelockDuration).
			build())
		return nil
	})
}

// settleAndWeigh settles rewards and accrues duration weight for p.
func (t *txn) settleAndWeigh(l *Ledger, p *StakePosition) error {
	if _, err := p.Settle(&l.RewardPerShare); err != nil {
		return err
	}
	delta, err := p.UpdateDurationWeight(t.now)
	if err != nil {
		return err
	}
	return l.AddDurationWeight(delta, t.now)
}

// Stake deposits amount from staker into the vault.
func (e *Engine) Stake(ctx context.Context, staker crypto.Identity, amount uint64) error {
	return e.mutate(ctx, "stake", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		if amount == 0 {
			return ErrInvalidAmount
		}
		p, exists, err := t.st.Position(staker)
		if err != nil {
			return err
		}
		required := amount
		if !exists {
			if required, err = checkedAdd(required, e.params.PositionRent); err != nil {
				return err
			}
		}
		if required, err = checkedAdd(required, StakeFeeEstimate); err != nil {
			return err
		}
		balance, err := t.balance(staker)
		if err != nil {
			return err
		}
		if balance < required {
			return ErrInsufficientDeposit
		}

		if !exists {
			p = NewStakePosition(staker, t.now)
		} else {
			if !p.IsActive {
				p.IsActive = true
				if p.FirstDepositAt == 0 {
					p.InitializeTimestamps(t.now)
				}
			}
			if err := t.settleAndWeigh(l, p); err != nil {
				return err
			}
		}

		if p.DepositedAmount, err = checkedAdd(p.DepositedAmount, amount); err != nil {
			return err
		}
		if l.TotalDeposited, err = checkedAdd(l.TotalDeposited, amount); err != nil {
			return err
		}
		if l.LiquidBalance, err = checkedAdd(l.LiquidBalance, amount); err != nil {
			return err
		}
		if err := p.UpdateRewardDebt(&l.RewardPerShare); err != nil {
			return err
		}
		if err := t.transfer(staker, VaultIdentity, amount, ErrInsufficientDeposit); err != nil {
			return err
		}
		if err := t.st.PutPosition(p); err != nil {
			return err
		}
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeSolStaked, t.now).
			id("staker", staker).
			u64("amount", amount).
			u64("deposited", p.DepositedAmount).
			u64("totalDeposited", l.TotalDeposited).
			build())
		t.emit(newEvent(EventTypeDepositMade, t.now).
			id("staker", staker).
			u64("amount", amount).
			flag("newPosition", !exists).
			build())
		return nil
	})
}

// Unstake withdraws principal when the vault holds enough liquidity; callers
// facing a shortfall must queue instead.
func (e *Engine) Unstake(ctx context.Context, staker crypto.Identity, amount uint64) error {
	return e.mutate(ctx, "unstake", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		if amount == 0 {
			return ErrInvalidAmount
		}
		p, err := t.position(staker)
		if err != nil {
			return err
		}
		if p.DepositedAmount == 0 || amount > p.DepositedAmount {
			return ErrInsufficientStake
		}
		if p.HasQueuedWithdrawal() {
			return ErrWithdrawalAlreadyQueued
		}
		if err := t.settleAndWeigh(l, p); err != nil {
			return err
		}
		available, err := t.vaultAvailable()
		if err != nil {
			return err
		}
		if available < amount {
			return ErrInsufficientLiquidBalance
		}
		resynced := false
		drift := available - l.LiquidBalance
		if l.LiquidBalance > available {
			drift = l.LiquidBalance - available
		}
		if drift > BalanceDriftTolerance {
			l.LiquidBalance = available
			resynced = true
		}
		if err := p.reducePrincipal(amount, &l.RewardPerShare); err != nil {
			return err
		}
		if l.TotalDeposited, err = checkedSub(l.TotalDeposited, amount); err != nil {
			return err
		}
		if l.LiquidBalance, err = checkedSub(l.LiquidBalance, amount); err != nil {
			return ErrInsufficientLiquidBalance
		}
		if err := t.transfer(VaultIdentity, staker, amount, ErrInsufficientLiquidBalance); err != nil {
			return err
		}
		if err := t.st.PutPosition(p); err != nil {
			return err
		}
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeSolUnstaked, t.now).
			id("staker", staker).
			u64("amount", amount).
			u64("remaining", p.DepositedAmount).
			flag("liquidResynced", resynced).
			build())
		return nil
	})
}

// EmergencyUnstake withdraws principal while the treasury is paused. It keeps
// the liquidity check and reward settlement but skips duration accrual and
// ignores any queued withdrawal bookkeeping beyond the queued amount.
func (e *Engine) EmergencyUnstake(ctx context.Context, staker crypto.Identity, amount uint64) error {
	return e.mutate(ctx, "emergency_unstake", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if amount == 0 {
			return ErrInvalidAmount
		}
		p, err := t.position(staker)
		if err != nil {
			return err
		}
		if amount > p.EffectiveDeposit() {
			return ErrInsufficientStake
		}
		available, err := t.vaultAvailable()
		if err != nil {
			return err
		}
		if available < amount {
			return ErrInsufficientLiquidBalance
		}
		if _, err := p.Settle(&l.RewardPerShare); err != nil {
			return err
		}
		if err := p.reducePrincipal(amount, &l.RewardPerShare); err != nil {
			return err
		}
		if l.TotalDeposited, err = checkedSub(l.TotalDeposited, amount); err != nil {
			return err
		}
		if l.LiquidBalance, err = checkedSub(l.LiquidBalance, amount); err != nil {
			return ErrInsufficientLiquidBalance
		}
		if err := t.transfer(VaultIdentity, staker, amount, ErrInsufficientLiquidBalance); err != nil {
			return err
		}
		if err := t.st.PutPosition(p); err != nil {
			return err
		}
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeEmergencyUnstake, t.now).
			id("staker", staker).
			u64("amount", amount).
			u64("remaining", p.DepositedAmount).
			flag("paused", l.EmergencyPause).
			build())
		return nil
	})
}

// ClaimRewards pays the base reward plus the duration bonus from the reward
// pool.
func (e *Engine) ClaimRewards(ctx context.Context, staker crypto.Identity) (uint64, error) {
	var paid uint64
	err := e.mutate(ctx, "claim_rewards", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		p, err := t.position(staker)
		if err != nil {
			return err
		}
		delta, err := p.UpdateDurationWeight(t.now)
		if err != nil {
			return err
		}
		if err := l.AddDurationWeight(delta, t.now); err != nil {
			return err
		}
		base, err := p.Claimable(&l.RewardPerShare)
		if err != nil {
			return err
		}
		bonus := l.CalculateDurationBonus(&p.StakeDurationWeight)
		total, err := checkedAdd(base, bonus)
		if err != nil {
			return err
		}
		if total == 0 {
			return ErrNoRewardsToClaim
		}
		if l.RewardPoolBalance < total {
			return ErrInsufficientTreasuryFunds
		}
		custody, err := t.balance(RewardPoolIdentity)
		if err != nil {
			return err
		}
		if custody < total {
			return ErrInsufficientTreasuryFunds
		}

		if p.ClaimedTotal, err = checkedAdd(p.ClaimedTotal, total); err != nil {
			return err
		}
		p.PendingRewards = 0
		if err := p.UpdateRewardDebt(&l.RewardPerShare); err != nil {
			return err
		}
		l.PendingUndistributedRewards = saturatingSub(l.PendingUndistributedRewards, bonus)
		if err := l.DebitRewardPool(total); err != nil {
			return err
		}
		if err := l.RecordClaimedRewards(total); err != nil {
			return err
		}
		l.RemoveDurationWeight(&p.StakeDurationWeight)
		p.ResetDurationWeight(t.now)

		if err := t.transfer(RewardPoolIdentity, staker, total, ErrInsufficientTreasuryFunds); err != nil {
			return err
		}
		if err := t.st.PutPosition(p); err != nil {
			return err
		}
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeRewardsClaimed, t.now).
			id("staker", staker).
			u64("amount", base).
			build())
		if bonus > 0 {
			t.emit(newEvent(EventTypeDurationBonusClaimed, t.now).
				id("staker", staker).
				u64("bonus", bonus).
				u64("pendingUndistributed", l.PendingUndistributedRewards).
				build())
		}
		t.emit(newEvent(EventTypeClaimed, t.now).
			id("staker", staker).
			u64("total", total).
			u64("claimedTotal", p.ClaimedTotal).
			build())
		paid = total
		return nil
	})
	return paid, err
}

// CreditFeeToPool moves fee income from payer into the reward and platform
// pools.
func (e *Engine) CreditFeeToPool(ctx context.Context, payer crypto.Identity, reward, platform uint64) error {
	return e.mutate(ctx, "credit_fee_to_pool", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		if reward == 0 && platform == 0 {
			return ErrInvalidAmount
		}
		total, err := checkedAdd(reward, platform)
		if err != nil {
			return err
		}
		balance, err := t.balance(payer)
		if err != nil {
			return err
		}
		if balance < total {
			return ErrInsufficientDeposit
		}
		if err := t.creditFees(l, reward, platform); err != nil {
			return err
		}
		if err := t.transfer(payer, RewardPoolIdentity, reward, ErrInsufficientDeposit); err != nil {
			return err
		}
		if err := t.transfer(payer, PlatformPoolIdentity, platform, ErrInsufficientDeposit); err != nil {
			return err
		}
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(rewardCreditedEvent(t.now, payer, reward, platform, l))
		return nil
	})
}

// creditFees books fee income on the ledger and reports any reward share
// parked because nothing was staked.
func (t *txn) creditFees(l *Ledger, reward, platform uint64) error {
	before := l.PendingUndistributedRewards
	if err := l.CreditFeeToPool(reward, platform); err != nil {
		return err
	}
	if parked := l.PendingUndistributedRewards - before; parked > 0 {
		t.emit(newEvent(EventTypeRewardsMovedToPending, t.now).
			u64("amount", parked).
			u64("pendingUndistributed", l.PendingUndistributedRewards).
			build())
	}
	return nil
}

func rewardCreditedEvent(now int64, payer crypto.Identity, reward, platform uint64, l *Ledger) *types.Event {
	return newEvent(EventTypeRewardCredited, now).
		id("payer", payer).
		u64("rewardFee", reward).
		u64("platformFee", platform).
		str("rewardPerShare", l.RewardPerShare.Dec()).
		build()
}

// DistributePendingRewards releases pctBps of the undistributed pool into the
// accumulator.
func (e *Engine) DistributePendingRewards(ctx context.Context, caller crypto.Identity, pctBps uint64) (uint64, error) {
	var distributed uint64
	err := e.mutate(ctx, "distribute_pending_rewards", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		if !l.IsAdminOrGuardian(caller) {
			return ErrUnauthorized
		}
		amount, err := l.DistributePendingRewards(pctBps)
		if err != nil {
			return err
		}
		l.LastWeightUpdate = t.now
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypePendingRewardsDistributed, t.now).
			u64("amount", amount).
			u64("percentageBps", pctBps).
			u64("remaining", l.PendingUndistributedRewards).
			str("rewardPerShare", l.RewardPerShare.Dec()).
			build())
		distributed = amount
		return nil
	})
	return distributed, err
}
