package treasury

import "d2dtreasury/crypto"

// ModuleName is the pause key consulted through common.Guard.
const ModuleName = "treasury"

const (
	// Precision is the fixed-point scale of the reward-per-share accumulator.
	Precision uint64 = 1_000_000_000_000
	// MaxAmount bounds a single fee credit or refund.
	MaxAmount uint64 = 1_000_000_000_000_000_000

	BpsDenominator uint64 = 10_000
	RewardFeeBps   uint64 = 100
	PlatformFeeBps uint64 = 10

	DefaultTimelockDuration  int64 = 86_400
	MinTimelockDuration      int64 = 3_600
	MaxTimelockDuration      int64 = 604_800
	WithdrawalValidityPeriod int64 = 604_800

	SecondsPerDay   int64 = 86_400
	SecondsPerMonth int64 = 2_592_000

	DefaultDailyWithdrawalLimit uint64 = 0

	MaxUtilizationBps      uint64 = 8_000
	MinLiquidityReserveBps uint64 = 2_000

	DefaultBaseAPYBps           uint64 = 500
	DefaultMaxAPYMultiplierBps  uint64 = 30_000
	DefaultTargetUtilizationBps uint64 = 6_000

	MaxExtensionMonths uint32 = 120

	ExpectedRecoveryPercent uint64 = 80
	MonthlyBorrowFeeBps     uint64 = 100

	// BalanceDriftTolerance is the largest gap between tracked and observed
	// liquidity tolerated before unstake resynchronises the ledger.
	BalanceDriftTolerance uint64 = 1_000_000
	// StakeFeeEstimate is reserved on top of a stake for transaction fees.
	StakeFeeEstimate uint64 = 10_000

	DefaultPositionRent    uint64 = 2_039_280
	DefaultVaultRent       uint64 = 890_880
	DefaultMinBalanceAlert uint64 = 100_000_000

	MaxReasonLength = 256
)

// Params are deployment-time settings that are not part of the ledger.
type Params struct {
	// PositionRent is the reserve a staker must hold when opening a position.
	PositionRent uint64
	// VaultRent is kept in the treasury vault and never lent or withdrawn.
	VaultRent uint64
}

// DefaultParams returns the stock rent reserves.
func DefaultParams() Params {
	return Params{PositionRent: DefaultPositionRent, VaultRent: DefaultVaultRent}
}

// Custody identities. No key controls them; only the engine moves their funds.
var (
	VaultIdentity        = crypto.DeriveIdentity([]byte("d2d/treasury_pool"))
	RewardPoolIdentity   = crypto.DeriveIdentity([]byte("d2d/reward_pool"))
	PlatformPoolIdentity = crypto.DeriveIdentity([]byte("d2d/platform_pool"))
)

// EscrowVaultIdentity is the custody account holding a developer's escrow.
func EscrowVaultIdentity(developer crypto.Identity) crypto.Identity {
	return crypto.DeriveIdentity([]byte("d2d/escrow"), developer[:])
}

// ProgramAuthorityIdentity is the upgrade authority the treasury holds for a
// managed program.
func ProgramAuthorityIdentity(programID crypto.Identity) crypto.Identity {
	return crypto.DeriveIdentity([]byte("d2d/program_authority"), programID[:])
}
