package treasury

import (
	"context"

	"d2dtreasury/crypto"
)

// InitiateWithdrawal proposes a privileged pool withdrawal that becomes
// executable once the timelock elapses.
func (e *Engine) InitiateWithdrawal(ctx context.Context, admin crypto.Identity, kind WithdrawalType, amount uint64, destination crypto.Identity, reason string) (*PendingWithdrawal, error) {
	var out *PendingWithdrawal
	err := e.mutate(ctx, "initiate_withdrawal", func(t *txn) error {
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
		if !kind.Valid() || amount == 0 {
			return ErrInvalidAmount
		}
		if destination.IsZero() {
			return ErrInvalidIdentity
		}
		if len(reason) > MaxReasonLength {
			return ErrInvalidReason
		}
		if l.PendingWithdrawalCount != 0 {
			return ErrPendingWithdrawalExists
		}
		tracked := l.PlatformPoolBalance
		if kind == WithdrawalRewardPool {
			tracked = l.RewardPoolBalance
		}
		if tracked < amount {
			return ErrInsufficientTreasuryFunds
		}
		if l.DailyWithdrawalLimit > 0 && amount > l.RemainingDailyAllowance(t.now) {
			return ErrDailyWithdrawalLimitExceeded
		}
		executeAfter, err := checkedAddI64(t.now, l.TimelockDuration)
		if err != nil {
			return err
		}
		expiresAt, err := checkedAddI64(executeAfter, WithdrawalValidityPeriod)
		if err != nil {
			return err
		}
		w := &PendingWithdrawal{
			WithdrawalType: kind,
			Amount:         amount,
			Destination:    destination,
			Initiator:      admin,
			InitiatedAt:    t.now,
			ExecuteAfter:   executeAfter,
			ExpiresAt:      expiresAt,
			Reason:         reason,
		}
		l.PendingWithdrawalCount = 1
		if err := t.st.PutPendingWithdrawal(w); err != nil {
			return err
		}
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeWithdrawalInitiated, t.now).
			str("withdrawalType", kind.String()).
			u64("amount", amount).
			id("destination", destination).
			id("initiator", admin).
			i64("executeAfter", executeAfter).
			i64("expiresAt", expiresAt).
			str("reason", reason).
			build())
		out = w.Clone()
		return nil
	})
	return out, err
}

func (t *txn) openWithdrawal() (*PendingWithdrawal, error) {
	w, ok, err := t.st.PendingWithdrawal()
	if err != nil {
		return nil, err
	}
	if !ok || !w.IsOpen() {
		return nil, ErrNoPendingWithdrawal
	}
	return w, nil
}

func (t *txn) closeWithdrawal(l *Ledger) error {
	l.PendingWithdrawalCount = 0
	if err := t.st.DeletePendingWithdrawal(); err != nil {
		return err
	}
	return t.st.PutLedger(l)
}

// ExecuteWithdrawal performs the pending withdrawal once its timelock has
// elapsed and before it expires.
func (e *Engine) ExecuteWithdrawal(ctx context.Context, admin crypto.Identity) error {
	return e.mutate(ctx, "execute_withdrawal", func(t *txn) error {
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
		w, err := t.openWithdrawal()
		if err != nil {
			return err
		}
		if !w.CanExecute(t.now) {
			return ErrTimelockNotExpired
		}
		if w.IsExpired(t.now) {
			return ErrPendingWithdrawalExpired
		}
		if err := l.CheckAndUpdateDailyLimit(w.Amount, t.now); err != nil {
			return err
		}
		custody, err := t.balance(w.WithdrawalType.custody())
		if err != nil {
			return err
		}
		if custody < w.Amount {
			return ErrInsufficientTreasuryFunds
		}
		switch w.WithdrawalType {
		case WithdrawalRewardPool:
			if w.Amount > l.ExcessRewards() {
				return ErrCannotWithdrawProtected
			}
			if err := l.DebitRewardPool(w.Amount); err != nil {
				return ErrInsufficientTreasuryFunds
			}
		default:
			if l.PlatformPoolBalance < w.Amount {
				return ErrInsufficientTreasuryFunds
			}
			l.PlatformPoolBalance -= w.Amount
		}
		if err := t.transfer(w.WithdrawalType.custody(), w.Destination, w.Amount, ErrInsufficientTreasuryFunds); err != nil {
			return err
		}
		w.Executed = true
		if err := t.closeWithdrawal(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeWithdrawalExecuted, t.now).
			str("withdrawalType", w.WithdrawalType.String()).
			u64("amount", w.Amount).
			id("destination", w.Destination).
			u64("withdrawnToday", l.WithdrawnToday).
			build())
		return nil
	})
}

// VetoWithdrawal lets the guardian kill a proposal during its timelock.
func (e *Engine) VetoWithdrawal(ctx context.Context, guardian crypto.Identity) error {
	return e.mutate(ctx, "veto_withdrawal", func(t *txn) error {
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
		w, err := t.openWithdrawal()
		if err != nil {
			return err
		}
		if w.CanExecute(t.now) {
			return ErrVetoWindowClosed
		}
		w.Vetoed = true
		if err := t.closeWithdrawal(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeWithdrawalVetoed, t.now).
			str("withdrawalType", w.WithdrawalType.String()).
			u64("amount", w.Amount).
			id("guardian", guardian).
			build())
		return nil
	})
}

// CancelWithdrawal lets the admin withdraw its own proposal at any time
// before it is executed or vetoed.
func (e *Engine) CancelWithdrawal(ctx context.Context, admin crypto.Identity) error {
	return e.mutate(ctx, "cancel_withdrawal", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireAdmin(l, admin); err != nil {
			return err
		}
		w, err := t.openWithdrawal()
		if err != nil {
			return err
		}
		if err := t.closeWithdrawal(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeWithdrawalCancelled, t.now).
			str("withdrawalType", w.WithdrawalType.String()).
			u64("amount", w.Amount).
			id("admin", admin).
			build())
		return nil
	})
}
