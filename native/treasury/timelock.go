package treasury

import (
	"fmt"
	"strings"

	"d2dtreasury/crypto"
)

// WithdrawalType names the pool a privileged withdrawal drains.
type WithdrawalType uint8

const (
	WithdrawalPlatformPool WithdrawalType = iota
	WithdrawalRewardPool
)

func (w WithdrawalType) String() string {
	switch w {
	case WithdrawalPlatformPool:
		return "platform_pool"
	case WithdrawalRewardPool:
		return "reward_pool"
	default:
		return fmt.Sprintf("withdrawal(%d)", uint8(w))
	}
}

func (w WithdrawalType) Valid() bool { return w <= WithdrawalRewardPool }

func ParseWithdrawalType(value string) (WithdrawalType, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "platform_pool", "platform":
		return WithdrawalPlatformPool, nil
	case "reward_pool", "reward":
		return WithdrawalRewardPool, nil
	default:
		return 0, fmt.Errorf("%w: unknown withdrawal type %q", ErrInvalidAmount, value)
	}
}

func (w WithdrawalType) MarshalText() ([]byte, error) { return []byte(w.String()), nil }

func (w *WithdrawalType) UnmarshalText(text []byte) error {
	parsed, err := ParseWithdrawalType(string(text))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// PendingWithdrawal is the single in-flight privileged withdrawal.
type PendingWithdrawal struct {
	WithdrawalType WithdrawalType
	Amount         uint64
	Destination    crypto.Identity
	Initiator      crypto.Identity
	InitiatedAt    int64
	ExecuteAfter   int64
	ExpiresAt      int64
	Reason         string
	Executed       bool
	Vetoed         bool
}

func (w *PendingWithdrawal) Clone() *PendingWithdrawal {
	if w == nil {
		return nil
	}
	clone := *w
	return &clone
}

func (w *PendingWithdrawal) IsOpen() bool { return !w.Executed && !w.Vetoed }

func (w *PendingWithdrawal) CanExecute(now int64) bool { return now >= w.ExecuteAfter }

func (w *PendingWithdrawal) IsExpired(now int64) bool { return now > w.ExpiresAt }

// TimeRemaining is the number of seconds until execution becomes possible.
func (w *PendingWithdrawal) TimeRemaining(now int64) int64 {
	if now >= w.ExecuteAfter {
		return 0
	}
	return w.ExecuteAfter - now
}

func (w WithdrawalType) custody() crypto.Identity {
	if w == WithdrawalRewardPool {
		return RewardPoolIdentity
	}
	return PlatformPoolIdentity
}
