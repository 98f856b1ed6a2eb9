package server

import (
	"encoding/hex"
	"fmt"
	"strings"

	"d2dtreasury/crypto"
	"d2dtreasury/native/treasury"
)

// hash32 is a 32-byte id rendered as lowercase hex.
type hash32 [32]byte

func (h hash32) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h[:])), nil
}

func (h *hash32) UnmarshalText(text []byte) error {
	parsed, err := parseHash32(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func parseHash32(value string) (hash32, error) {
	var out hash32
	raw := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	decoded, err := hex.DecodeString(raw)
	if err != nil || len(decoded) != len(out) {
		return out, fmt.Errorf("%w: expected 32-byte hex id", errBadRequest)
	}
	copy(out[:], decoded)
	return out, nil
}

func optionalID(id *crypto.Identity) string {
	if id == nil {
		return ""
	}
	return id.String()
}

type ledgerView struct {
	Admin                       crypto.Identity `json:"admin"`
	Guardian                    string          `json:"guardian,omitempty"`
	DevWallet                   crypto.Identity `json:"devWallet"`
	TotalDeposited              uint64          `json:"totalDeposited"`
	LiquidBalance               uint64          `json:"liquidBalance"`
	RewardPoolBalance           uint64          `json:"rewardPoolBalance"`
	PlatformPoolBalance         uint64          `json:"platformPoolBalance"`
	RewardPerShare              string          `json:"rewardPerShare"`
	RewardFeeBps                uint64          `json:"rewardFeeBps"`
	PlatformFeeBps              uint64          `json:"platformFeeBps"`
	EmergencyPause              bool            `json:"emergencyPause"`
	TimelockDuration            int64           `json:"timelockDuration"`
	DailyWithdrawalLimit        uint64          `json:"dailyWithdrawalLimit"`
	WithdrawnToday              uint64          `json:"withdrawnToday"`
	TotalCreditedRewards        uint64          `json:"totalCreditedRewards"`
	TotalClaimedRewards         uint64          `json:"totalClaimedRewards"`
	TotalBorrowed               uint64          `json:"totalBorrowed"`
	TotalRecovered              uint64          `json:"totalRecovered"`
	TotalDebtRepaid             uint64          `json:"totalDebtRepaid"`
	ActiveDeploymentCount       uint32          `json:"activeDeploymentCount"`
	PendingUndistributedRewards uint64          `json:"pendingUndistributedRewards"`
	WithdrawalQueueHead         uint32          `json:"withdrawalQueueHead"`
	WithdrawalQueueTail         uint32          `json:"withdrawalQueueTail"`
	QueuedWithdrawalAmount      uint64          `json:"queuedWithdrawalAmount"`
	InitializedAt               int64           `json:"initializedAt"`
}

func newLedgerView(l *treasury.Ledger) ledgerView {
	v := ledgerView{
		Admin:                       l.Admin,
		DevWallet:                   l.DevWallet,
		TotalDeposited:              l.TotalDeposited,
		LiquidBalance:               l.LiquidBalance,
		RewardPoolBalance:           l.RewardPoolBalance,
		PlatformPoolBalance:         l.PlatformPoolBalance,
		RewardPerShare:              l.RewardPerShare.Dec(),
		RewardFeeBps:                l.RewardFeeBps,
		PlatformFeeBps:              l.PlatformFeeBps,
		EmergencyPause:              l.EmergencyPause,
		TimelockDuration:            l.TimelockDuration,
		DailyWithdrawalLimit:        l.DailyWithdrawalLimit,
		WithdrawnToday:              l.WithdrawnToday,
		TotalCreditedRewards:        l.TotalCreditedRewards,
		TotalClaimedRewards:         l.TotalClaimedRewards,
		TotalBorrowed:               l.TotalBorrowed,
		TotalRecovered:              l.TotalRecovered,
		TotalDebtRepaid:             l.TotalDebtRepaid,
		ActiveDeploymentCount:       l.ActiveDeploymentCount,
		PendingUndistributedRewards: l.PendingUndistributedRewards,
		WithdrawalQueueHead:         l.WithdrawalQueueHead,
		WithdrawalQueueTail:         l.WithdrawalQueueTail,
		QueuedWithdrawalAmount:      l.QueuedWithdrawalAmount,
		InitializedAt:               l.InitializedAt,
	}
	if !l.Guardian.IsZero() {
		v.Guardian = l.Guardian.String()
	}
	return v
}

type positionView struct {
	Staker           crypto.Identity `json:"staker"`
	DepositedAmount  uint64          `json:"depositedAmount"`
	PendingRewards   uint64          `json:"pendingRewards"`
	ClaimedTotal     uint64          `json:"claimedTotal"`
	IsActive         bool            `json:"isActive"`
	FirstDepositAt   int64           `json:"firstDepositAt"`
	LastActionAt     int64           `json:"lastActionAt"`
	QueuedWithdrawal uint64          `json:"queuedWithdrawal"`
	QueuePosition    uint32          `json:"queuePosition"`
	Claimable        uint64          `json:"claimable"`
	DurationBonus    uint64          `json:"durationBonus"`
	EffectiveStake   uint64          `json:"effectiveStake"`
}

func newPositionView(v *treasury.PositionView) positionView {
	p := v.Position
	return positionView{
		Staker:           p.Staker,
		DepositedAmount:  p.DepositedAmount,
		PendingRewards:   p.PendingRewards,
		ClaimedTotal:     p.ClaimedTotal,
		IsActive:         p.IsActive,
		FirstDepositAt:   p.FirstDepositAt,
		LastActionAt:     p.LastActionAt,
		QueuedWithdrawal: p.QueuedWithdrawal,
		QueuePosition:    p.QueuePosition,
		Claimable:        v.Claimable,
		DurationBonus:    v.DurationBonus,
		EffectiveStake:   v.EffectiveStake,
	}
}

type deployRequestView struct {
	RequestID              hash32                `json:"requestId"`
	Developer              crypto.Identity       `json:"developer"`
	ProgramHash            hash32                `json:"programHash"`
	Status                 treasury.DeployStatus `json:"status"`
	ServiceFee             uint64                `json:"serviceFee"`
	MonthlyFee             uint64                `json:"monthlyFee"`
	DeploymentCost         uint64                `json:"deploymentCost"`
	BorrowedAmount         uint64                `json:"borrowedAmount"`
	SubscriptionPaidUntil  int64                 `json:"subscriptionPaidUntil"`
	EphemeralKey           string                `json:"ephemeralKey,omitempty"`
	DeployedProgramID      string                `json:"deployedProgramId,omitempty"`
	CreatedAt              int64                 `json:"createdAt"`
	GracePeriodDays        uint8                 `json:"gracePeriodDays"`
	GracePeriodEnd         int64                 `json:"gracePeriodEnd"`
	TotalSubscribedMonths  uint32                `json:"totalSubscribedMonths"`
	AutoRenewalEnabled     bool                  `json:"autoRenewalEnabled"`
	AutoRenewalFailedCount uint8                 `json:"autoRenewalFailedCount"`
	RepaidAmount           uint64                `json:"repaidAmount"`
	RemainingDebt          uint64                `json:"remainingDebt"`
	RepaymentPercentage    uint64                `json:"repaymentPercentage"`
	ExpectedRentRecovery   uint64                `json:"expectedRentRecovery"`
	ActualRentRecovered    uint64                `json:"actualRentRecovered"`
	RecoveryRatioBps       uint64                `json:"recoveryRatioBps"`
	DebtRepaidAt           int64                 `json:"debtRepaidAt"`
}

func newDeployRequestView(r *treasury.DeployRequest) deployRequestView {
	return deployRequestView{
		RequestID:              r.RequestID,
		Developer:              r.Developer,
		ProgramHash:            r.ProgramHash,
		Status:                 r.Status,
		ServiceFee:             r.ServiceFee,
		MonthlyFee:             r.MonthlyFee,
		DeploymentCost:         r.DeploymentCost,
		BorrowedAmount:         r.BorrowedAmount,
		SubscriptionPaidUntil:  r.SubscriptionPaidUntil,
		EphemeralKey:           optionalID(r.EphemeralKey),
		DeployedProgramID:      optionalID(r.DeployedProgramID),
		CreatedAt:              r.CreatedAt,
		GracePeriodDays:        r.GracePeriodDays,
		GracePeriodEnd:         r.GracePeriodEnd,
		TotalSubscribedMonths:  r.TotalSubscribedMonths,
		AutoRenewalEnabled:     r.AutoRenewalEnabled,
		AutoRenewalFailedCount: r.AutoRenewalFailedCount,
		RepaidAmount:           r.RepaidAmount,
		RemainingDebt:          r.RemainingDebt(),
		RepaymentPercentage:    r.RepaymentPercentage(),
		ExpectedRentRecovery:   r.ExpectedRentRecovery,
		ActualRentRecovered:    r.ActualRentRecovered,
		RecoveryRatioBps:       r.RecoveryRatioBps,
		DebtRepaidAt:           r.DebtRepaidAt,
	}
}

type queueEntryView struct {
	Position             uint32          `json:"position"`
	Staker               crypto.Identity `json:"staker"`
	Amount               uint64          `json:"amount"`
	AmountWithdrawn      uint64          `json:"amountWithdrawn"`
	Remaining            uint64          `json:"remaining"`
	CompletionPercentage uint64          `json:"completionPercentage"`
	QueuedAt             int64           `json:"queuedAt"`
	Processed            bool            `json:"processed"`
	ProcessedAt          int64           `json:"processedAt"`
}

func newQueueEntryView(q *treasury.QueueEntry) queueEntryView {
	return queueEntryView{
		Position:             q.Position,
		Staker:               q.Staker,
		Amount:               q.Amount,
		AmountWithdrawn:      q.AmountWithdrawn,
		Remaining:            q.Remaining(),
		CompletionPercentage: q.CompletionPercentage(),
		QueuedAt:             q.QueuedAt,
		Processed:            q.Processed,
		ProcessedAt:          q.ProcessedAt,
	}
}

type pendingWithdrawalView struct {
	Type          treasury.WithdrawalType `json:"type"`
	Amount        uint64                  `json:"amount"`
	Destination   crypto.Identity         `json:"destination"`
	Initiator     crypto.Identity         `json:"initiator"`
	InitiatedAt   int64                   `json:"initiatedAt"`
	ExecuteAfter  int64                   `json:"executeAfter"`
	ExpiresAt     int64                   `json:"expiresAt"`
	Reason        string                  `json:"reason"`
	Executed      bool                    `json:"executed"`
	Vetoed        bool                    `json:"vetoed"`
	TimeRemaining int64                   `json:"timeRemaining"`
}

func newPendingWithdrawalView(w *treasury.PendingWithdrawal, now int64) pendingWithdrawalView {
	return pendingWithdrawalView{
		Type:          w.WithdrawalType,
		Amount:        w.Amount,
		Destination:   w.Destination,
		Initiator:     w.Initiator,
		InitiatedAt:   w.InitiatedAt,
		ExecuteAfter:  w.ExecuteAfter,
		ExpiresAt:     w.ExpiresAt,
		Reason:        w.Reason,
		Executed:      w.Executed,
		Vetoed:        w.Vetoed,
		TimeRemaining: w.TimeRemaining(now),
	}
}

type escrowView struct {
	Developer          crypto.Identity `json:"developer"`
	SolBalance         uint64          `json:"solBalance"`
	UsdcBalance        uint64          `json:"usdcBalance"`
	UsdtBalance        uint64          `json:"usdtBalance"`
	AutoRenew          bool            `json:"autoRenew"`
	PreferredToken     string          `json:"preferredToken"`
	MinBalanceAlert    uint64          `json:"minBalanceAlert"`
	BelowAlert         bool            `json:"belowAlert"`
	TotalDepositedSol  uint64          `json:"totalDepositedSol"`
	TotalDepositedUsdc uint64          `json:"totalDepositedUsdc"`
	TotalDepositedUsdt uint64          `json:"totalDepositedUsdt"`
	TotalAutoDeducted  uint64          `json:"totalAutoDeducted"`
	CreatedAt          int64           `json:"createdAt"`
	LastDepositAt      int64           `json:"lastDepositAt"`
	LastAutoDeductAt   int64           `json:"lastAutoDeductAt"`
}

func newEscrowView(e *treasury.Escrow) escrowView {
	return escrowView{
		Developer:          e.Developer,
		SolBalance:         e.SolBalance,
		UsdcBalance:        e.UsdcBalance,
		UsdtBalance:        e.UsdtBalance,
		AutoRenew:          e.AutoRenew,
		PreferredToken:     e.PreferredToken.String(),
		MinBalanceAlert:    e.MinBalanceAlert,
		BelowAlert:         e.IsBelowAlertThreshold(),
		TotalDepositedSol:  e.TotalDepositedSol,
		TotalDepositedUsdc: e.TotalDepositedUsdc,
		TotalDepositedUsdt: e.TotalDepositedUsdt,
		TotalAutoDeducted:  e.TotalAutoDeducted,
		CreatedAt:          e.CreatedAt,
		LastDepositAt:      e.LastDepositAt,
		LastAutoDeductAt:   e.LastAutoDeductAt,
	}
}

type managedProgramView struct {
	ProgramID      crypto.Identity `json:"programId"`
	Developer      crypto.Identity `json:"developer"`
	DeployRequest  hash32          `json:"deployRequest"`
	Authority      crypto.Identity `json:"authority"`
	CreatedAt      int64           `json:"createdAt"`
	LastUpgradedAt int64           `json:"lastUpgradedAt"`
	UpgradeCount   uint64          `json:"upgradeCount"`
	IsActive       bool            `json:"isActive"`
}

func newManagedProgramView(m *treasury.ManagedProgram) managedProgramView {
	return managedProgramView{
		ProgramID:      m.ProgramID,
		Developer:      m.Developer,
		DeployRequest:  m.DeployRequest,
		Authority:      m.Authority,
		CreatedAt:      m.CreatedAt,
		LastUpgradedAt: m.LastUpgradedAt,
		UpgradeCount:   m.UpgradeCount,
		IsActive:       m.IsActive,
	}
}
