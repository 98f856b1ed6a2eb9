package treasury

import (
	"context"

	"d2dtreasury/crypto"
)

// SetEmergencyPause toggles the global kill-switch.
func (e *Engine) SetEmergencyPause(ctx context.Context, admin crypto.Identity, paused bool) error {
	return e.mutate(ctx, "emergency_pause", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireAdmin(l, admin); err != nil {
			return err
		}
		l.EmergencyPause = paused
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeEmergencyPauseToggled, t.now).
			id("admin", admin).
			flag("paused", paused).
			build())
		return nil
	})
}

// GuardianPause engages the kill-switch. Pausing an already paused treasury
// succeeds without change.
func (e *Engine) GuardianPause(ctx context.Context, guardian crypto.Identity) error {
	return e.mutate(ctx, "guardian_pause", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if !l.HasGuardian() {
			return ErrGuardianNotSet
		}
		if !l.IsGuardian(guardian) {
			return ErrOnlyGuardian
		}
		if l.EmergencyPause {
			return nil
		}
		l.EmergencyPause = true
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeGuardianPaused, t.now).
			id("guardian", guardian).
			build())
		return nil
	})
}

// SetGuardian installs or clears (zero identity) the guardian.
func (e *Engine) SetGuardian(ctx context.Context, admin, guardian crypto.Identity) error {
	return e.mutate(ctx, "set_guardian", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireAdmin(l, admin); err != nil {
			return err
		}
		if !guardian.IsZero() && guardian == l.Admin {
			return ErrInvalidGuardianAddress
		}
		previous := l.Guardian
		l.Guardian = guardian
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeGuardianSet, t.now).
			id("previous", previous).
			id("guardian", guardian).
			build())
		return nil
	})
}

func (e *Engine) SetTimelockDuration(ctx context.Context, admin crypto.Identity, seconds int64) error {
	return e.mutate(ctx, "set_timelock_duration", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireAdmin(l, admin); err != nil {
			return err
		}
		if seconds < MinTimelockDuration || seconds > MaxTimelockDuration {
			return ErrInvalidTimelockDuration
		}
		previous := l.TimelockDuration
		l.TimelockDuration = seconds
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeTimelockDurationChanged, t.now).
			i64("previous", previous).
			i64("duration", seconds).
			build())
		return nil
	})
}

// SetDailyLimit caps privileged withdrawals per UTC day; zero disables it.
func (e *Engine) SetDailyLimit(ctx context.Context, admin crypto.Identity, limit uint64) error {
	return e.mutate(ctx, "set_daily_limit", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireAdmin(l, admin); err != nil {
			return err
		}
		previous := l.DailyWithdrawalLimit
		l.DailyWithdrawalLimit = limit
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeDailyLimitChanged, t.now).
			u64("previous", previous).
			u64("limit", limit).
			build())
		return nil
	})
}

func (e *Engine) SetAPYParams(ctx context.Context, admin crypto.Identity, base, maxMultiplier, target uint64) error {
	return e.mutate(ctx, "set_apy_params", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireAdmin(l, admin); err != nil {
			return err
		}
		if err := ValidateAPYParams(base, maxMultiplier, target); err != nil {
			return err
		}
		l.BaseAPYBps = base
		l.MaxAPYMultiplierBps = maxMultiplier
		l.TargetUtilizationBps = target
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeAPYParamsChanged, t.now).
			u64("baseApyBps", base).
			u64("maxMultiplierBps", maxMultiplier).
			u64("targetUtilizationBps", target).
			u64("currentApyBps", l.CurrentAPYBps()).
			build())
		return nil
	})
}

func (e *Engine) SetDevWallet(ctx context.Context, admin, wallet crypto.Identity) error {
	return e.mutate(ctx, "set_dev_wallet", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireAdmin(l, admin); err != nil {
			return err
		}
		if wallet.IsZero() {
			return ErrInvalidIdentity
		}
		l.DevWallet = wallet
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeDevWalletChanged, t.now).id("devWallet", wallet).build())
		return nil
	})
}

// AdminWithdraw pays platform-pool revenue to the dev wallet, bounded by the
// daily limit.
func (e *Engine) AdminWithdraw(ctx context.Context, admin crypto.Identity, amount uint64, reason string) error {
	return e.mutate(ctx, "admin_withdraw", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		if err := t.requireAdmin(l, admin); err != nil {
			return err
		}
		if amount == 0 {
			return ErrInvalidAmount
		}
		if len(reason) > MaxReasonLength {
			return ErrInvalidReason
		}
		if l.PlatformPoolBalance < amount {
			return ErrInsufficientTreasuryFunds
		}
		if err := l.CheckAndUpdateDailyLimit(amount, t.now); err != nil {
			return err
		}
		l.PlatformPoolBalance -= amount
		if err := t.transfer(PlatformPoolIdentity, l.DevWallet, amount, ErrInsufficientTreasuryFunds); err != nil {
			return err
		}
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeAdminWithdrew, t.now).
			str("pool", WithdrawalPlatformPool.String()).
			u64("amount", amount).
			id("destination", l.DevWallet).
			str("reason", reason).
			build())
		return nil
	})
}

// AdminWithdrawRewardPool withdraws excess rewards to the admin. Rewards
// already owed to stakers are never withdrawable.
func (e *Engine) AdminWithdrawRewardPool(ctx context.Context, admin crypto.Identity, amount uint64) error {
	return e.mutate(ctx, "admin_withdraw_reward_pool", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		if err := t.requireAdmin(l, admin); err != nil {
			return err
		}
		if amount == 0 {
			return ErrInvalidAmount
		}
		if l.RewardPoolBalance < amount {
			return ErrInsufficientTreasuryFunds
		}
		if amount > l.ExcessRewards() {
			return ErrCannotWithdrawProtected
		}
		custody, err := t.balance(RewardPoolIdentity)
		if err != nil {
			return err
		}
		if custody < amount {
			return ErrInsufficientTreasuryFunds
		}
		if err := l.DebitRewardPool(amount); err != nil {
			return ErrInsufficientTreasuryFunds
		}
		if err := t.transfer(RewardPoolIdentity, admin, amount, ErrInsufficientTreasuryFunds); err != nil {
			return err
		}
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeAdminWithdrew, t.now).
			str("pool", WithdrawalRewardPool.String()).
			u64("amount", amount).
			id("destination", admin).
			u64("excessRemaining", l.ExcessRewards()).
			build())
		return nil
	})
}

// SyncLiquidBalance resets tracked liquidity to the observed vault balance
// above rent.
func (e *Engine) SyncLiquidBalance(ctx context.Context, admin crypto.Identity) (uint64, error) {
	var synced uint64
	err := e.mutate(ctx, "sync_liquid_balance", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		if err := t.requireAdmin(l, admin); err != nil {
			return err
		}
		available, err := t.vaultAvailable()
		if err != nil {
			return err
		}
		previous := l.LiquidBalance
		l.LiquidBalance = available
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeLiquidBalanceSynced, t.now).
			u64("previous", previous).
			u64("liquidBalance", available).
			build())
		synced = available
		return nil
	})
	return synced, err
}

// Reinitialize restores default parameters while keeping balances, counters
// and roles.
func (e *Engine) Reinitialize(ctx context.Context, admin crypto.Identity) error {
	return e.mutate(ctx, "reinitialize", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireAdmin(l, admin); err != nil {
			return err
		}
		l.ResetParameters()
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeTreasuryReinitialized, t.now).
			id("admin", admin).
			i64("timelockDuration", l.TimelockDuration).
			u64("baseApyBps", l.BaseAPYBps).
			build())
		return nil
	})
}

// CloseTreasury sweeps the vault above rent to the admin once every deposit
// has left.
func (e *Engine) CloseTreasury(ctx context.Context, admin crypto.Identity) (uint64, error) {
	var swept uint64
	err := e.mutate(ctx, "close_treasury", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireAdmin(l, admin); err != nil {
			return err
		}
		if l.TotalDeposited != 0 || l.QueuedWithdrawalAmount != 0 {
			return ErrTreasuryNotEmpty
		}
		available, err := t.vaultAvailable()
		if err != nil {
			return err
		}
		if err := t.transfer(VaultIdentity, admin, available, ErrInsufficientLiquidBalance); err != nil {
			return err
		}
		l.LiquidBalance = 0
		l.EmergencyPause = true
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeTreasuryClosed, t.now).
			id("admin", admin).
			u64("swept", available).
			build())
		swept = available
		return nil
	})
	return swept, err
}

// PublishHealth emits a protocol health snapshot without changing state.
func (e *Engine) PublishHealth(ctx context.Context) (ProtocolHealth, error) {
	var health ProtocolHealth
	err := e.mutate(ctx, "publish_health", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		health = l.Health(t.now)
		t.emit(healthEvent(health))
		return nil
	})
	return health, err
}
