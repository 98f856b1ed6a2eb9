package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"d2dtreasury/crypto"
	"d2dtreasury/native/bank"
	"d2dtreasury/native/treasury"
)

// recordVersion tags every persisted treasury record. Decoders reject
// versions they do not understand instead of guessing at the layout.
const recordVersion uint = 1

// Signed timestamps are stored as their two's-complement uint64 bit pattern
// since RLP has no signed integers.
func u64(v int64) uint64 { return uint64(v) }
func i64(v uint64) int64 { return int64(v) }

func toBig(v *uint256.Int) *big.Int { return v.ToBig() }

func fromBig(v *big.Int) (uint256.Int, error) {
	if v == nil {
		return uint256.Int{}, nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 {
		return uint256.Int{}, fmt.Errorf("%w: integer out of range", treasury.ErrInvalidAccountData)
	}
	return *out, nil
}

func optionalIdentity(id *crypto.Identity) []byte {
	if id == nil {
		return nil
	}
	return id.Bytes()
}

func identityPtr(raw []byte) (*crypto.Identity, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	id, err := crypto.IdentityFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", treasury.ErrInvalidAccountData, err)
	}
	return &id, nil
}

func decode(data []byte, out interface{}, version func() uint) error {
	if err := rlp.DecodeBytes(data, out); err != nil {
		return fmt.Errorf("%w: %v", treasury.ErrInvalidAccountData, err)
	}
	if v := version(); v != recordVersion {
		return fmt.Errorf("%w: record version %d", treasury.ErrInvalidAccountData, v)
	}
	return nil
}

type ledgerRecord struct {
	Version                     uint
	RewardPerShare              *big.Int
	TotalDeposited              uint64
	LiquidBalance               uint64
	RewardPoolBalance           uint64
	PlatformPoolBalance         uint64
	RewardFeeBps                uint64
	PlatformFeeBps              uint64
	Admin                       crypto.Identity
	Guardian                    crypto.Identity
	DevWallet                   crypto.Identity
	EmergencyPause              bool
	TimelockDuration            uint64
	PendingWithdrawalCount      uint8
	DailyWithdrawalLimit        uint64
	LastWithdrawalDay           uint64
	WithdrawnToday              uint64
	TotalCreditedRewards        uint64
	TotalClaimedRewards         uint64
	TotalBorrowed               uint64
	TotalRecovered              uint64
	TotalDebtRepaid             uint64
	ActiveDeploymentCount       uint32
	TotalStakeDurationWeight    *big.Int
	LastWeightUpdate            uint64
	PendingUndistributedRewards uint64
	WithdrawalQueueHead         uint32
	WithdrawalQueueTail         uint32
	QueuedWithdrawalAmount      uint64
	BaseAPYBps                  uint64
	MaxAPYMultiplierBps         uint64
	TargetUtilizationBps        uint64
	InitializedAt               uint64
}

func newLedgerRecord(l *treasury.Ledger) *ledgerRecord {
	return &ledgerRecord{
		Version:                     recordVersion,
		RewardPerShare:              toBig(&l.RewardPerShare),
		TotalDeposited:              l.TotalDeposited,
		LiquidBalance:               l.LiquidBalance,
		RewardPoolBalance:           l.RewardPoolBalance,
		PlatformPoolBalance:         l.PlatformPoolBalance,
		RewardFeeBps:                l.RewardFeeBps,
		PlatformFeeBps:              l.PlatformFeeBps,
		Admin:                       l.Admin,
		Guardian:                    l.Guardian,
		DevWallet:                   l.DevWallet,
		EmergencyPause:              l.EmergencyPause,
		TimelockDuration:            u64(l.TimelockDuration),
		PendingWithdrawalCount:      l.PendingWithdrawalCount,
		DailyWithdrawalLimit:        l.DailyWithdrawalLimit,
		LastWithdrawalDay:           u64(l.LastWithdrawalDay),
		WithdrawnToday:              l.WithdrawnToday,
		TotalCreditedRewards:        l.TotalCreditedRewards,
		TotalClaimedRewards:         l.TotalClaimedRewards,
		TotalBorrowed:               l.TotalBorrowed,
		TotalRecovered:              l.TotalRecovered,
		TotalDebtRepaid:             l.TotalDebtRepaid,
		ActiveDeploymentCount:       l.ActiveDeploymentCount,
		TotalStakeDurationWeight:    toBig(&l.TotalStakeDurationWeight),
		LastWeightUpdate:            u64(l.LastWeightUpdate),
		PendingUndistributedRewards: l.PendingUndistributedRewards,
		WithdrawalQueueHead:         l.WithdrawalQueueHead,
		WithdrawalQueueTail:         l.WithdrawalQueueTail,
		QueuedWithdrawalAmount:      l.QueuedWithdrawalAmount,
		BaseAPYBps:                  l.BaseAPYBps,
		MaxAPYMultiplierBps:         l.MaxAPYMultiplierBps,
		TargetUtilizationBps:        l.TargetUtilizationBps,
		InitializedAt:               u64(l.InitializedAt),
	}
}

func (r *ledgerRecord) ledger() (*treasury.Ledger, error) {
	rps, err := fromBig(r.RewardPerShare)
	if err != nil {
		return nil, err
	}
	weight, err := fromBig(r.TotalStakeDurationWeight)
	if err != nil {
		return nil, err
	}
	return &treasury.Ledger{
		RewardPerShare:              rps,
		TotalDeposited:              r.TotalDeposited,
		LiquidBalance:               r.LiquidBalance,
		RewardPoolBalance:           r.RewardPoolBalance,
		PlatformPoolBalance:         r.PlatformPoolBalance,
		RewardFeeBps:                r.RewardFeeBps,
		PlatformFeeBps:              r.PlatformFeeBps,
		Admin:                       r.Admin,
		Guardian:                    r.Guardian,
		DevWallet:                   r.DevWallet,
		EmergencyPause:              r.EmergencyPause,
		TimelockDuration:            i64(r.TimelockDuration),
		PendingWithdrawalCount:      r.PendingWithdrawalCount,
		DailyWithdrawalLimit:        r.DailyWithdrawalLimit,
		LastWithdrawalDay:           i64(r.LastWithdrawalDay),
		WithdrawnToday:              r.WithdrawnToday,
		TotalCreditedRewards:        r.TotalCreditedRewards,
		TotalClaimedRewards:         r.TotalClaimedRewards,
		TotalBorrowed:               r.TotalBorrowed,
		TotalRecovered:              r.TotalRecovered,
		TotalDebtRepaid:             r.TotalDebtRepaid,
		ActiveDeploymentCount:       r.ActiveDeploymentCount,
		TotalStakeDurationWeight:    weight,
		LastWeightUpdate:            i64(r.LastWeightUpdate),
		PendingUndistributedRewards: r.PendingUndistributedRewards,
		WithdrawalQueueHead:         r.WithdrawalQueueHead,
		WithdrawalQueueTail:         r.WithdrawalQueueTail,
		QueuedWithdrawalAmount:      r.QueuedWithdrawalAmount,
		BaseAPYBps:                  r.BaseAPYBps,
		MaxAPYMultiplierBps:         r.MaxAPYMultiplierBps,
		TargetUtilizationBps:        r.TargetUtilizationBps,
		InitializedAt:               i64(r.InitializedAt),
	}, nil
}

type positionRecord struct {
	Version             uint
	Staker              crypto.Identity
	DepositedAmount     uint64
	RewardDebt          *big.Int
	PendingRewards      uint64
	ClaimedTotal        uint64
	IsActive            bool
	FirstDepositAt      uint64
	LastActionAt        uint64
	StakeDurationWeight *big.Int
	LastRewardPerShare  *big.Int
	QueuedWithdrawal    uint64
	QueuePosition       uint32
	QueuedAt            uint64
}

func newPositionRecord(p *treasury.StakePosition) *positionRecord {
	return &positionRecord{
		Version:             recordVersion,
		Staker:              p.Staker,
		DepositedAmount:     p.DepositedAmount,
		RewardDebt:          toBig(&p.RewardDebt),
		PendingRewards:      p.PendingRewards,
		ClaimedTotal:        p.ClaimedTotal,
		IsActive:            p.IsActive,
		FirstDepositAt:      u64(p.FirstDepositAt),
		LastActionAt:        u64(p.LastActionAt),
		StakeDurationWeight: toBig(&p.StakeDurationWeight),
		LastRewardPerShare:  toBig(&p.LastRewardPerShare),
		QueuedWithdrawal:    p.QueuedWithdrawal,
		QueuePosition:       p.QueuePosition,
		QueuedAt:            u64(p.QueuedAt),
	}
}

func (r *positionRecord) position() (*treasury.StakePosition, error) {
	debt, err := fromBig(r.RewardDebt)
	if err != nil {
		return nil, err
	}
	weight, err := fromBig(r.StakeDurationWeight)
	if err != nil {
		return nil, err
	}
	last, err := fromBig(r.LastRewardPerShare)
	if err != nil {
		return nil, err
	}
	return &treasury.StakePosition{
		Staker:              r.Staker,
		DepositedAmount:     r.DepositedAmount,
		RewardDebt:          debt,
		PendingRewards:      r.PendingRewards,
		ClaimedTotal:        r.ClaimedTotal,
		IsActive:            r.IsActive,
		FirstDepositAt:      i64(r.FirstDepositAt),
		LastActionAt:        i64(r.LastActionAt),
		StakeDurationWeight: weight,
		LastRewardPerShare:  last,
		QueuedWithdrawal:    r.QueuedWithdrawal,
		QueuePosition:       r.QueuePosition,
		QueuedAt:            i64(r.QueuedAt),
	}, nil
}

type deployRequestRecord struct {
	Version                uint
	RequestID              [32]byte
	Developer              crypto.Identity
	ProgramHash            [32]byte
	ServiceFee             uint64
	MonthlyFee             uint64
	DeploymentCost         uint64
	BorrowedAmount         uint64
	SubscriptionPaidUntil  uint64
	EphemeralKey           []byte
	DeployedProgramID      []byte
	Status                 uint8
	CreatedAt              uint64
	GracePeriodDays        uint8
	GracePeriodEnd         uint64
	TotalSubscribedMonths  uint32
	AutoRenewalEnabled     bool
	LastRenewalAt          uint64
	AutoRenewalFailedCount uint8
	RepaidAmount           uint64
	ExpectedRentRecovery   uint64
	ActualRentRecovered    uint64
	RecoveryRatioBps       uint64
	DebtRepaidAt           uint64
}

func newDeployRequestRecord(r *treasury.DeployRequest) *deployRequestRecord {
	return &deployRequestRecord{
		Version:                recordVersion,
		RequestID:              r.RequestID,
		Developer:              r.Developer,
		ProgramHash:            r.ProgramHash,
		ServiceFee:             r.ServiceFee,
		MonthlyFee:             r.MonthlyFee,
		DeploymentCost:         r.DeploymentCost,
		BorrowedAmount:         r.BorrowedAmount,
		SubscriptionPaidUntil:  u64(r.SubscriptionPaidUntil),
		EphemeralKey:           optionalIdentity(r.EphemeralKey),
		DeployedProgramID:      optionalIdentity(r.DeployedProgramID),
		Status:                 uint8(r.Status),
		CreatedAt:              u64(r.CreatedAt),
		GracePeriodDays:        r.GracePeriodDays,
		GracePeriodEnd:         u64(r.GracePeriodEnd),
		TotalSubscribedMonths:  r.TotalSubscribedMonths,
		AutoRenewalEnabled:     r.AutoRenewalEnabled,
		LastRenewalAt:          u64(r.LastRenewalAt),
		AutoRenewalFailedCount: r.AutoRenewalFailedCount,
		RepaidAmount:           r.RepaidAmount,
		ExpectedRentRecovery:   r.ExpectedRentRecovery,
		ActualRentRecovered:    r.ActualRentRecovered,
		RecoveryRatioBps:       r.RecoveryRatioBps,
		DebtRepaidAt:           u64(r.DebtRepaidAt),
	}
}

func (r *deployRequestRecord) request() (*treasury.DeployRequest, error) {
	status := treasury.DeployStatus(r.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("%w: deploy status %d", treasury.ErrInvalidAccountData, r.Status)
	}
	ephemeral, err := identityPtr(r.EphemeralKey)
	if err != nil {
		return nil, err
	}
	programID, err := identityPtr(r.DeployedProgramID)
	if err != nil {
		return nil, err
	}
	return &treasury.DeployRequest{
		RequestID:              r.RequestID,
		Developer:              r.Developer,
		ProgramHash:            r.ProgramHash,
		ServiceFee:             r.ServiceFee,
		MonthlyFee:             r.MonthlyFee,
		DeploymentCost:         r.DeploymentCost,
		BorrowedAmount:         r.BorrowedAmount,
		SubscriptionPaidUntil:  i64(r.SubscriptionPaidUntil),
		EphemeralKey:           ephemeral,
		DeployedProgramID:      programID,
		Status:                 status,
		CreatedAt:              i64(r.CreatedAt),
		GracePeriodDays:        r.GracePeriodDays,
		GracePeriodEnd:         i64(r.GracePeriodEnd),
		TotalSubscribedMonths:  r.TotalSubscribedMonths,
		AutoRenewalEnabled:     r.AutoRenewalEnabled,
		LastRenewalAt:          i64(r.LastRenewalAt),
		AutoRenewalFailedCount: r.AutoRenewalFailedCount,
		RepaidAmount:           r.RepaidAmount,
		ExpectedRentRecovery:   r.ExpectedRentRecovery,
		ActualRentRecovered:    r.ActualRentRecovered,
		RecoveryRatioBps:       r.RecoveryRatioBps,
		DebtRepaidAt:           i64(r.DebtRepaidAt),
	}, nil
}

type queueEntryRecord struct {
	Version         uint
	Position        uint32
	Staker          crypto.Identity
	Amount          uint64
	QueuedAt        uint64
	Processed       bool
	AmountWithdrawn uint64
	ProcessedAt     uint64
}

func newQueueEntryRecord(q *treasury.QueueEntry) *queueEntryRecord {
	return &queueEntryRecord{
		Version:         recordVersion,
		Position:        q.Position,
		Staker:          q.Staker,
		Amount:          q.Amount,
		QueuedAt:        u64(q.QueuedAt),
		Processed:       q.Processed,
		AmountWithdrawn: q.AmountWithdrawn,
		ProcessedAt:     u64(q.ProcessedAt),
	}
}

func (r *queueEntryRecord) entry() *treasury.QueueEntry {
	return &treasury.QueueEntry{
		Position:        r.Position,
		Staker:          r.Staker,
		Amount:          r.Amount,
		QueuedAt:        i64(r.QueuedAt),
		Processed:       r.Processed,
		AmountWithdrawn: r.AmountWithdrawn,
		ProcessedAt:     i64(r.ProcessedAt),
	}
}

type pendingWithdrawalRecord struct {
	Version        uint
	WithdrawalType uint8
	Amount         uint64
	Destination    crypto.Identity
	Initiator      crypto.Identity
	InitiatedAt    uint64
	ExecuteAfter   uint64
	ExpiresAt      uint64
	Reason         string
	Executed       bool
	Vetoed         bool
}

func newPendingWithdrawalRecord(w *treasury.PendingWithdrawal) *pendingWithdrawalRecord {
	return &pendingWithdrawalRecord{
		Version:        recordVersion,
		WithdrawalType: uint8(w.WithdrawalType),
		Amount:         w.Amount,
		Destination:    w.Destination,
		Initiator:      w.Initiator,
		InitiatedAt:    u64(w.InitiatedAt),
		ExecuteAfter:   u64(w.ExecuteAfter),
		ExpiresAt:      u64(w.ExpiresAt),
		Reason:         w.Reason,
		Executed:       w.Executed,
		Vetoed:         w.Vetoed,
	}
}

func (r *pendingWithdrawalRecord) withdrawal() (*treasury.PendingWithdrawal, error) {
	kind := treasury.WithdrawalType(r.WithdrawalType)
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: withdrawal type %d", treasury.ErrInvalidAccountData, r.WithdrawalType)
	}
	return &treasury.PendingWithdrawal{
		WithdrawalType: kind,
		Amount:         r.Amount,
		Destination:    r.Destination,
		Initiator:      r.Initiator,
		InitiatedAt:    i64(r.InitiatedAt),
		ExecuteAfter:   i64(r.ExecuteAfter),
		ExpiresAt:      i64(r.ExpiresAt),
		Reason:         r.Reason,
		Executed:       r.Executed,
		Vetoed:         r.Vetoed,
	}, nil
}

type escrowRecord struct {
	Version            uint
	Developer          crypto.Identity
	SolBalance         uint64
	UsdcBalance        uint64
	UsdtBalance        uint64
	AutoRenew          bool
	PreferredToken     uint8
	MinBalanceAlert    uint64
	TotalDepositedSol  uint64
	TotalDepositedUsdc uint64
	TotalDepositedUsdt uint64
	TotalAutoDeducted  uint64
	CreatedAt          uint64
	LastDepositAt      uint64
	LastAutoDeductAt   uint64
}

func newEscrowRecord(e *treasury.Escrow) *escrowRecord {
	return &escrowRecord{
		Version:            recordVersion,
		Developer:          e.Developer,
		SolBalance:         e.SolBalance,
		UsdcBalance:        e.UsdcBalance,
		UsdtBalance:        e.UsdtBalance,
		AutoRenew:          e.AutoRenew,
		PreferredToken:     uint8(e.PreferredToken),
		MinBalanceAlert:    e.MinBalanceAlert,
		TotalDepositedSol:  e.TotalDepositedSol,
		TotalDepositedUsdc: e.TotalDepositedUsdc,
		TotalDepositedUsdt: e.TotalDepositedUsdt,
		TotalAutoDeducted:  e.TotalAutoDeducted,
		CreatedAt:          u64(e.CreatedAt),
		LastDepositAt:      u64(e.LastDepositAt),
		LastAutoDeductAt:   u64(e.LastAutoDeductAt),
	}
}

func (r *escrowRecord) escrow() (*treasury.Escrow, error) {
	token := bank.Asset(r.PreferredToken)
	if !token.Valid() {
		return nil, fmt.Errorf("%w: preferred token %d", treasury.ErrInvalidAccountData, r.PreferredToken)
	}
	return &treasury.Escrow{
		Developer:          r.Developer,
		SolBalance:         r.SolBalance,
		UsdcBalance:        r.UsdcBalance,
		UsdtBalance:        r.UsdtBalance,
		AutoRenew:          r.AutoRenew,
		PreferredToken:     token,
		MinBalanceAlert:    r.MinBalanceAlert,
		TotalDepositedSol:  r.TotalDepositedSol,
		TotalDepositedUsdc: r.TotalDepositedUsdc,
		TotalDepositedUsdt: r.TotalDepositedUsdt,
		TotalAutoDeducted:  r.TotalAutoDeducted,
		CreatedAt:          i64(r.CreatedAt),
		LastDepositAt:      i64(r.LastDepositAt),
		LastAutoDeductAt:   i64(r.LastAutoDeductAt),
	}, nil
}

type managedProgramRecord struct {
	Version        uint
	ProgramID      crypto.Identity
	Developer      crypto.Identity
	DeployRequest  [32]byte
	Authority      crypto.Identity
	CreatedAt      uint64
	LastUpgradedAt uint64
	UpgradeCount   uint64
	IsActive       bool
}

func newManagedProgramRecord(m *treasury.ManagedProgram) *managedProgramRecord {
	return &managedProgramRecord{
		Version:        recordVersion,
		ProgramID:      m.ProgramID,
		Developer:      m.Developer,
		DeployRequest:  m.DeployRequest,
		Authority:      m.Authority,
		CreatedAt:      u64(m.CreatedAt),
		LastUpgradedAt: u64(m.LastUpgradedAt),
		UpgradeCount:   m.UpgradeCount,
		IsActive:       m.IsActive,
	}
}

func (r *managedProgramRecord) program() *treasury.ManagedProgram {
	return &treasury.ManagedProgram{
		ProgramID:      r.ProgramID,
		Developer:      r.Developer,
		DeployRequest:  r.DeployRequest,
		Authority:      r.Authority,
		CreatedAt:      i64(r.CreatedAt),
		LastUpgradedAt: i64(r.LastUpgradedAt),
		UpgradeCount:   r.UpgradeCount,
		IsActive:       r.IsActive,
	}
}
