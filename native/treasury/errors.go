package treasury

import "errors"

// Kind classifies treasury failures by how a caller should react to them.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindAuthorization covers wrong callers and missing roles.
	KindAuthorization
	// KindPrecondition covers paused modules, wrong status and invalid input.
	KindPrecondition
	// KindArithmetic covers checked-math overflow and underflow.
	KindArithmetic
	// KindInsufficientFunds covers treasury, escrow and liquidity shortfalls.
	KindInsufficientFunds
	// KindTimelock covers time-dependent withdrawal failures.
	KindTimelock
	// KindData covers undecodable or missing persisted records.
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindPrecondition:
		return "precondition"
	case KindArithmetic:
		return "arithmetic"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindTimelock:
		return "timelock"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func newError(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: "treasury: " + msg}
}

// KindOf returns the classification of err, unwrapping as needed.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// Authorization.
var (
	ErrUnauthorized           = newError(KindAuthorization, "unauthorized")
	ErrGuardianNotSet         = newError(KindAuthorization, "guardian not set")
	ErrOnlyGuardian           = newError(KindAuthorization, "only guardian")
	ErrInvalidGuardianAddress = newError(KindAuthorization, "guardian must differ from admin")
	ErrInvalidEphemeralKey    = newError(KindAuthorization, "ephemeral key mismatch")
)

// Preconditions.
var (
	ErrNotInitialized              = newError(KindPrecondition, "treasury not initialized")
	ErrAlreadyInitialized          = newError(KindPrecondition, "treasury already initialized")
	ErrProgramPaused               = newError(KindPrecondition, "program paused")
	ErrInvalidAmount               = newError(KindPrecondition, "invalid amount")
	ErrInsufficientStake           = newError(KindPrecondition, "insufficient stake")
	ErrNoRewardsToClaim            = newError(KindPrecondition, "no rewards to claim")
	ErrInvalidRequestID            = newError(KindPrecondition, "invalid request id")
	ErrInvalidRequestStatus        = newError(KindPrecondition, "invalid request status")
	ErrInvalidDeploymentStatus     = newError(KindPrecondition, "invalid deployment status")
	ErrDeployRequestExists         = newError(KindPrecondition, "deploy request already exists")
	ErrEphemeralKeyNotSet          = newError(KindPrecondition, "ephemeral key not set")
	ErrEphemeralKeyAlreadySet      = newError(KindPrecondition, "ephemeral key already set")
	ErrInvalidRecoveredFunds       = newError(KindPrecondition, "recovered funds exceed deployment cost")
	ErrInvalidTimelockDuration     = newError(KindPrecondition, "invalid timelock duration")
	ErrInvalidReason               = newError(KindPrecondition, "invalid reason")
	ErrWithdrawalAlreadyQueued     = newError(KindPrecondition, "withdrawal already queued")
	ErrWithdrawalAlreadyProcessed  = newError(KindPrecondition, "withdrawal already processed")
	ErrNoQueuedWithdrawal          = newError(KindPrecondition, "no queued withdrawal")
	ErrPositionInactive            = newError(KindPrecondition, "stake position inactive")
	ErrSubscriptionExtensionTooBig = newError(KindPrecondition, "subscription extension too large")
	ErrSubscriptionStillActive     = newError(KindPrecondition, "subscription still active")
	ErrSubscriptionExpired         = newError(KindPrecondition, "subscription expired")
	ErrNotInGracePeriod            = newError(KindPrecondition, "not in grace period")
	ErrGracePeriodNotExpired       = newError(KindPrecondition, "grace period not expired")
	ErrAlreadyInGracePeriod        = newError(KindPrecondition, "already in grace period")
	ErrAutoRenewalDisabled         = newError(KindPrecondition, "auto renewal disabled")
	ErrInvalidTokenType            = newError(KindPrecondition, "invalid token type")
	ErrInvalidDistributionPct      = newError(KindPrecondition, "invalid distribution percentage")
	ErrNoPendingRewards            = newError(KindPrecondition, "no pending rewards")
	ErrNoStakersForDistribution    = newError(KindPrecondition, "no stakers for distribution")
	ErrProgramNotManaged           = newError(KindPrecondition, "program not managed")
	ErrProgramAlreadyManaged       = newError(KindPrecondition, "program already managed")
	ErrEscrowNotFound              = newError(KindPrecondition, "escrow not found")
	ErrEscrowExists                = newError(KindPrecondition, "escrow already initialized")
	ErrDeployRequestNotFound       = newError(KindPrecondition, "deploy request not found")
	ErrPositionNotFound            = newError(KindPrecondition, "stake position not found")
	ErrQueueEntryNotFound          = newError(KindPrecondition, "queue entry not found")
	ErrUtilizationTooHigh          = newError(KindPrecondition, "utilization limit exceeded")
	ErrInvalidAPYParams            = newError(KindPrecondition, "invalid apy parameters")
	ErrTreasuryNotEmpty            = newError(KindPrecondition, "treasury still holds deposits")
	ErrInvalidIdentity             = newError(KindPrecondition, "invalid identity")
)

// Arithmetic.
var (
	ErrCalculationOverflow           = newError(KindArithmetic, "calculation overflow")
	ErrFeeAmountTooLarge             = newError(KindArithmetic, "fee amount too large")
	ErrSubscriptionExtensionOverflow = newError(KindArithmetic, "subscription extension overflow")
)

// Insufficient funds.
var (
	ErrInsufficientDeposit          = newError(KindInsufficientFunds, "insufficient deposit")
	ErrInsufficientTreasuryFunds    = newError(KindInsufficientFunds, "insufficient treasury funds")
	ErrInsufficientLiquidBalance    = newError(KindInsufficientFunds, "insufficient liquid balance")
	ErrInsufficientEscrowBalance    = newError(KindInsufficientFunds, "insufficient escrow balance")
	ErrCannotWithdrawProtected      = newError(KindInsufficientFunds, "cannot withdraw protected rewards")
	ErrDailyWithdrawalLimitExceeded = newError(KindInsufficientFunds, "daily withdrawal limit exceeded")
	ErrLiquidityReserveBreached     = newError(KindInsufficientFunds, "liquidity reserve would be breached")
)

// Timelock.
var (
	ErrTimelockNotExpired       = newError(KindTimelock, "timelock not expired")
	ErrNoPendingWithdrawal      = newError(KindTimelock, "no pending withdrawal")
	ErrPendingWithdrawalExpired = newError(KindTimelock, "pending withdrawal expired")
	ErrPendingWithdrawalExists  = newError(KindTimelock, "pending withdrawal exists")
	ErrVetoWindowClosed         = newError(KindTimelock, "veto window closed")
)

// Data.
var (
	ErrInvalidAccountData = newError(KindData, "invalid account data")
	ErrNilState           = newError(KindData, "state not configured")
)
