package treasury

import (
	"fmt"
	"math"
	"strings"

	"lukechampine.com/blake3"

	"d2dtreasury/crypto"
)

// DeployStatus is the lifecycle state of a deployment request.
type DeployStatus uint8

const (
	DeployStatusPendingDeployment DeployStatus = iota
	DeployStatusActive
	DeployStatusSubscriptionExpired
	DeployStatusInGracePeriod
	DeployStatusSuspended
	DeployStatusFailed
	DeployStatusCancelled
	DeployStatusClosed
)

var deployStatusNames = [...]string{
	"pending_deployment",
	"active",
	"subscription_expired",
	"in_grace_period",
	"suspended",
	"failed",
	"cancelled",
	"closed",
}

func (s DeployStatus) String() string {
	if int(s) < len(deployStatusNames) {
		return deployStatusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s DeployStatus) Valid() bool { return int(s) < len(deployStatusNames) }

// Terminal reports statuses no operation moves out of.
func (s DeployStatus) Terminal() bool {
	return s == DeployStatusFailed || s == DeployStatusCancelled || s == DeployStatusClosed
}

func ParseDeployStatus(value string) (DeployStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for i, name := range deployStatusNames {
		if name == normalized {
			return DeployStatus(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidRequestStatus, value)
}

func (s DeployStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *DeployStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseDeployStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// DeployRequest is a single deployment loan and its subscription.
type DeployRequest struct {
	RequestID   [32]byte
	Developer   crypto.Identity
	ProgramHash [32]byte

	ServiceFee            uint64
	MonthlyFee            uint64
	DeploymentCost        uint64
	BorrowedAmount        uint64
	SubscriptionPaidUntil int64

	EphemeralKey      *crypto.Identity
	DeployedProgramID *crypto.Identity
	Status            DeployStatus
	CreatedAt         int64

	GracePeriodDays        uint8
	GracePeriodEnd         int64
	TotalSubscribedMonths  uint32
	AutoRenewalEnabled     bool
	LastRenewalAt          int64
	AutoRenewalFailedCount uint8

	RepaidAmount         uint64
	ExpectedRentRecovery uint64
	ActualRentRecovered  uint64
	RecoveryRatioBps     uint64
	DebtRepaidAt         int64
}

// DeriveRequestID binds a request id to its developer and program hash.
func DeriveRequestID(developer crypto.Identity, programHash [32]byte) [32]byte {
	buf := make([]byte, 0, len(developer)+len(programHash)+len("d2d/deploy_request"))
	buf = append(buf, "d2d/deploy_request"...)
	buf = append(buf, developer[:]...)
	buf = append(buf, programHash[:]...)
	return blake3.Sum256(buf)
}

func (r *DeployRequest) Clone() *DeployRequest {
	if r == nil {
		return nil
	}
	clone := *r
	if r.EphemeralKey != nil {
		key := *r.EphemeralKey
		clone.EphemeralKey = &key
	}
	if r.DeployedProgramID != nil {
		id := *r.DeployedProgramID
		clone.DeployedProgramID = &id
	}
	return &clone
}

func (r *DeployRequest) IsSubscriptionValid(now int64) bool {
	return now <= r.SubscriptionPaidUntil
}

// ExtendSubscription pushes the paid-until date forward by months.
func (r *DeployRequest) ExtendSubscription(months uint32, now int64) error {
	if months > MaxExtensionMonths {
		return ErrSubscriptionExtensionTooBig
	}
	seconds := int64(months) * SecondsPerMonth
	paidUntil, err := checkedAddI64(r.SubscriptionPaidUntil, seconds)
	if err != nil {
		return ErrSubscriptionExtensionOverflow
	}
	r.SubscriptionPaidUntil = paidUntil
	if r.TotalSubscribedMonths > math.MaxUint32-months {
		r.TotalSubscribedMonths = math.MaxUint32
	} else {
		r.TotalSubscribedMonths += months
	}
	r.LastRenewalAt = now
	r.AutoRenewalFailedCount = 0
	if r.Status == DeployStatusInGracePeriod {
		r.Status = DeployStatusActive
		r.GracePeriodEnd = 0
	}
	return nil
}

// CalculateGracePeriodDays rewards longer subscribers with longer grace.
func (r *DeployRequest) CalculateGracePeriodDays() uint8 {
	switch {
	case r.TotalSubscribedMonths >= 6:
		return 7
	case r.TotalSubscribedMonths >= 3:
		return 5
	default:
		return 3
	}
}

func (r *DeployRequest) StartGracePeriod(now int64) {
	r.GracePeriodDays = r.CalculateGracePeriodDays()
	r.GracePeriodEnd = now + int64(r.GracePeriodDays)*SecondsPerDay
	r.Status = DeployStatusInGracePeriod
}

func (r *DeployRequest) IsGracePeriodExpired(now int64) bool {
	return r.Status == DeployStatusInGracePeriod && now > r.GracePeriodEnd
}

// MonthlyBorrowFee is 1% of the borrowed amount.
func (r *DeployRequest) MonthlyBorrowFee() uint64 {
	fee, _ := mulDiv(r.BorrowedAmount, MonthlyBorrowFeeBps, BpsDenominator)
	return fee
}

// TotalBorrowFees charges the monthly fee for every started month since
// creation.
func (r *DeployRequest) TotalBorrowFees(now int64) uint64 {
	elapsed := now - r.CreatedAt
	if elapsed <= 0 {
		return 0
	}
	months := uint64((elapsed + SecondsPerMonth - 1) / SecondsPerMonth)
	total, err := checkedMul(r.MonthlyBorrowFee(), months)
	if err != nil {
		return math.MaxUint64
	}
	return total
}

func (r *DeployRequest) RemainingDebt() uint64 {
	return saturatingSub(r.BorrowedAmount, r.RepaidAmount)
}

func (r *DeployRequest) IsDebtRepaid() bool {
	return r.RepaidAmount >= r.BorrowedAmount
}

// RecordRentRecovery applies recovered lamports to this loan.
func (r *DeployRequest) RecordRentRecovery(recovered, debtPortion uint64, now int64) error {
	repaid, err := checkedAdd(r.RepaidAmount, debtPortion)
	if err != nil {
		return err
	}
	actual, err := checkedAdd(r.ActualRentRecovered, recovered)
	if err != nil {
		return err
	}
	r.RepaidAmount = repaid
	r.ActualRentRecovered = actual
	if r.BorrowedAmount > 0 {
		r.RecoveryRatioBps = bps(actual, r.BorrowedAmount)
	}
	if r.IsDebtRepaid() && r.DebtRepaidAt == 0 {
		r.DebtRepaidAt = now
	}
	return nil
}

// CalculateExpectedRentRecovery estimates what closing the program returns.
func CalculateExpectedRentRecovery(deploymentCost uint64) uint64 {
	v, _ := mulDiv(deploymentCost, ExpectedRecoveryPercent, 100)
	return v
}

func (r *DeployRequest) RepaymentPercentage() uint64 {
	if r.BorrowedAmount == 0 {
		return 100
	}
	v, _ := mulDiv(r.RepaidAmount, 100, r.BorrowedAmount)
	return v
}

// monthsPaid counts whole months purchased, at least one.
func (r *DeployRequest) monthsPaid() uint64 {
	span := r.SubscriptionPaidUntil - r.CreatedAt
	if span < SecondsPerMonth {
		return 1
	}
	return uint64(span / SecondsPerMonth)
}

// ManagedProgram records a program whose upgrade authority the treasury holds.
type ManagedProgram struct {
	ProgramID      crypto.Identity
	Developer      crypto.Identity
	DeployRequest  [32]byte
	Authority      crypto.Identity
	CreatedAt      int64
	LastUpgradedAt int64
	UpgradeCount   uint64
	IsActive       bool
}

func (m *ManagedProgram) Clone() *ManagedProgram {
	if m == nil {
		return nil
	}
	clone := *m
	return &clone
}

func (m *ManagedProgram) CanUpgrade(developer crypto.Identity) bool {
	return m.IsActive && m.Developer == developer
}

func (m *ManagedProgram) RecordUpgrade(now int64) {
	m.LastUpgradedAt = now
	if m.UpgradeCount < math.MaxUint64 {
		m.UpgradeCount++
	}
}
