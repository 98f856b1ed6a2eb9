package treasury

import (
	"encoding/hex"
	"strconv"

	"d2dtreasury/core/types"
	"d2dtreasury/crypto"
)

const (
	EventTypeTreasuryInitialized       = "treasury.initialized"
	EventTypeTreasuryReinitialized     = "treasury.reinitialized"
	EventTypeTreasuryClosed            = "treasury.closed"
	EventTypeSolStaked                 = "treasury.sol_staked"
	EventTypeSolUnstaked               = "treasury.sol_unstaked"
	EventTypeDepositMade               = "treasury.deposit_made"
	EventTypeEmergencyUnstake          = "treasury.emergency_unstake"
	EventTypeRewardsClaimed            = "treasury.rewards_claimed"
	EventTypeClaimed                   = "treasury.claimed"
	EventTypeDurationBonusClaimed      = "treasury.duration_bonus_claimed"
	EventTypeRewardCredited            = "treasury.reward_credited"
	EventTypeRewardsMovedToPending     = "treasury.rewards_moved_to_pending"
	EventTypePendingRewardsDistributed = "treasury.pending_rewards_distributed"
	EventTypeProtocolHealthUpdated     = "treasury.protocol_health_updated"

	EventTypeDeploymentFundsRequested = "treasury.deployment_funds_requested"
	EventTypeDeploymentBorrowed       = "treasury.deployment_borrowed"
	EventTypeTemporaryWalletFunded    = "treasury.temporary_wallet_funded"
	EventTypeDeploymentConfirmed      = "treasury.deployment_confirmed"
	EventTypeDeploymentFailed         = "treasury.deployment_failed"
	EventTypeSubscriptionPaid         = "treasury.subscription_paid"
	EventTypeSubscriptionExpired      = "treasury.subscription_expired"
	EventTypeGracePeriodStarted       = "treasury.grace_period_started"
	EventTypeGracePeriodEnded         = "treasury.grace_period_ended"
	EventTypeProgramClosedAfterGrace  = "treasury.program_closed_after_grace"
	EventTypeProgramRentReclaimed     = "treasury.program_rent_reclaimed"
	EventTypeDebtRepaid               = "treasury.debt_repaid"
	EventTypeAuthorityTransferred     = "treasury.authority_transferred"
	EventTypeProgramUpgraded          = "treasury.program_upgraded"
	EventTypeAutoRenewalExecuted      = "treasury.auto_renewal_executed"
	EventTypeAutoRenewalFailed        = "treasury.auto_renewal_failed"

	EventTypeEscrowInitialized        = "treasury.escrow_initialized"
	EventTypeEscrowDeposited          = "treasury.escrow_deposited"
	EventTypeEscrowWithdrawn          = "treasury.escrow_withdrawn"
	EventTypeAutoRenewSettingsChanged = "treasury.auto_renew_settings_changed"

	EventTypeStakerWithdrawalQueued    = "treasury.staker_withdrawal_queued"
	EventTypeWithdrawalQueueProcessed  = "treasury.withdrawal_queue_processed"
	EventTypeQueuedWithdrawalFulfilled = "treasury.queued_withdrawal_fulfilled"
	EventTypeStakerWithdrawalCancelled = "treasury.staker_withdrawal_cancelled"

	EventTypeWithdrawalInitiated     = "treasury.withdrawal_initiated"
	EventTypeWithdrawalExecuted      = "treasury.withdrawal_executed"
	EventTypeWithdrawalVetoed        = "treasury.withdrawal_vetoed"
	EventTypeWithdrawalCancelled     = "treasury.withdrawal_cancelled"
	EventTypeAdminWithdrew           = "treasury.admin_withdrew"
	EventTypeEmergencyPauseToggled   = "treasury.emergency_pause_toggled"
	EventTypeGuardianSet             = "treasury.guardian_set"
	EventTypeGuardianPaused          = "treasury.guardian_paused"
	EventTypeTimelockDurationChanged = "treasury.timelock_duration_changed"
	EventTypeDailyLimitChanged       = "treasury.daily_limit_changed"
	EventTypeAPYParamsChanged        = "treasury.apy_params_changed"
	EventTypeDevWalletChanged        = "treasury.dev_wallet_changed"
	EventTypeLiquidBalanceSynced     = "treasury.liquid_balance_synced"
)

type eventBuilder struct {
	evt *types.Event
}

func newEvent(eventType string, now int64) eventBuilder {
	return eventBuilder{evt: &types.Event{Type: eventType, Timestamp: now, Attributes: map[string]string{}}}
}

func (b eventBuilder) id(key string, id crypto.Identity) eventBuilder {
	b.evt.Attributes[key] = id.String()
	return b
}

func (b eventBuilder) hash(key string, h [32]byte) eventBuilder {
	b.evt.Attributes[key] = hex.EncodeToString(h[:])
	return b
}

func (b eventBuilder) u64(key string, v uint64) eventBuilder {
	b.evt.Attributes[key] = strconv.FormatUint(v, 10)
	return b
}

func (b eventBuilder) i64(key string, v int64) eventBuilder {
	b.evt.Attributes[key] = strconv.FormatInt(v, 10)
	return b
}

func (b eventBuilder) str(key, v string) eventBuilder {
	b.evt.Attributes[key] = v
	return b
}

func (b eventBuilder) flag(key string, v bool) eventBuilder {
	b.evt.Attributes[key] = strconv.FormatBool(v)
	return b
}

func (b eventBuilder) build() *types.Event { return b.evt }

func healthEvent(h ProtocolHealth) *types.Event {
	return newEvent(EventTypeProtocolHealthUpdated, h.Timestamp).
		u64("totalDeposited", h.TotalDeposited).
		u64("liquidBalance", h.LiquidBalance).
		u64("totalBorrowed", h.TotalBorrowed).
		u64("utilizationBps", h.UtilizationBps).
		u64("currentApyBps", h.CurrentAPYBps).
		u64("recoveryRatioBps", h.RecoveryRatioBps).
		u64("activeDeployments", uint64(h.ActiveDeployments)).
		u64("pendingQueue", uint64(h.PendingQueue)).
		u64("pendingUndistributedRewards", h.PendingUndistributedRewards).
		build()
}
