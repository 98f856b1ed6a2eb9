package treasury

import (
	"context"

	"d2dtreasury/crypto"
)

// QueueWithdrawal enqueues a withdrawal for later payout when liquidity is
// short. Principal stays deposited, and keeps earning, until paid.
func (e *Engine) QueueWithdrawal(ctx context.Context, staker crypto.Identity, amount uint64) (uint32, error) {
	var position uint32
	err := e.mutate(ctx, "queue_withdrawal", func(t *txn) error {
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
		if !p.IsActive {
			return ErrPositionInactive
		}
		if amount > p.DepositedAmount {
			return ErrInsufficientStake
		}
		if p.HasQueuedWithdrawal() {
			return ErrWithdrawalAlreadyQueued
		}
		pos, err := l.AddToWithdrawalQueue(amount)
		if err != nil {
			return err
		}
		if err := p.QueueWithdrawal(amount, pos, t.now); err != nil {
			return err
		}
		entry := &QueueEntry{Position: pos, Staker: staker, Amount: amount, QueuedAt: t.now}
		if err := t.st.PutQueueEntry(entry); err != nil {
			return err
		}
		if err := t.st.PutPosition(p); err != nil {
			return err
		}
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeStakerWithdrawalQueued, t.now).
			id("staker", staker).
			u64("amount", amount).
			u64("position", uint64(pos)).
			u64("queuedTotal", l.QueuedWithdrawalAmount).
			build())
		position = pos
		return nil
	})
	return position, err
}

// ProcessWithdrawalQueue pays as much of the entry at position as current
// liquidity allows. Callers re-invoke until the entry completes.
func (e *Engine) ProcessWithdrawalQueue(ctx context.Context, caller crypto.Identity, position uint32) (uint64, error) {
	var paid uint64
	err := e.mutate(ctx, "process_withdrawal_queue", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if !l.IsAdminOrGuardian(caller) {
			return ErrUnauthorized
		}
		entry, ok, err := t.st.QueueEntry(position)
		if err != nil {
			return err
		}
		if !ok {
			return ErrQueueEntryNotFound
		}
		if !entry.IsPending() {
			return ErrWithdrawalAlreadyProcessed
		}
		available, err := t.vaultAvailable()
		if err != nil {
			return err
		}
		if available == 0 {
			return ErrInsufficientLiquidBalance
		}
		p, err := t.position(entry.Staker)
		if err != nil {
			return err
		}
		amount := minU64(minU64(available, entry.Remaining()), p.DepositedAmount)
		if amount == 0 {
			return ErrInsufficientLiquidBalance
		}
		if err := t.settleAndWeigh(l, p); err != nil {
			return err
		}
		if err := p.reducePrincipal(amount, &l.RewardPerShare); err != nil {
			return err
		}
		processed, err := entry.ProcessWithdrawal(amount, t.now)
		if err != nil {
			return err
		}
		p.ProcessQueuedWithdrawal(amount)
		if l.TotalDeposited, err = checkedSub(l.TotalDeposited, amount); err != nil {
			return err
		}
		if l.LiquidBalance, err = checkedSub(l.LiquidBalance, amount); err != nil {
			return ErrInsufficientLiquidBalance
		}
		l.ProcessQueuedWithdrawal(amount)
		if err := t.st.PutQueueEntry(entry); err != nil {
			return err
		}
		if err := t.advanceQueueHead(l); err != nil {
			return err
		}
		if err := t.transfer(VaultIdentity, entry.Staker, amount, ErrInsufficientLiquidBalance); err != nil {
			return err
		}
		if err := t.st.PutPosition(p); err != nil {
			return err
		}
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeWithdrawalQueueProcessed, t.now).
			id("staker", entry.Staker).
			u64("position", uint64(position)).
			u64("amount", amount).
			u64("withdrawn", entry.AmountWithdrawn).
			u64("remaining", entry.Remaining()).
			flag("processed", processed).
			build())
		if processed {
			t.emit(newEvent(EventTypeQueuedWithdrawalFulfilled, t.now).
				id("staker", entry.Staker).
				u64("position", uint64(position)).
				u64("amount", entry.Amount).
				i64("waitSeconds", t.now-entry.QueuedAt).
				build())
		}
		paid = amount
		return nil
	})
	return paid, err
}

// CancelQueuedWithdrawal withdraws the staker's own unprocessed entry.
func (e *Engine) CancelQueuedWithdrawal(ctx context.Context, staker crypto.Identity) error {
	return e.mutate(ctx, "cancel_queued_withdrawal", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		p, err := t.position(staker)
		if err != nil {
			return err
		}
		if !p.HasQueuedWithdrawal() {
			return ErrNoQueuedWithdrawal
		}
		entry, ok, err := t.st.QueueEntry(p.QueuePosition)
		if err != nil {
			return err
		}
		if !ok {
			return ErrQueueEntryNotFound
		}
		if entry.Staker != staker {
			return ErrUnauthorized
		}
		if entry.Processed {
			return ErrWithdrawalAlreadyProcessed
		}
		remaining := entry.Remaining()
		l.ProcessQueuedWithdrawal(remaining)
		entry.Cancel(t.now)
		cancelled := p.CancelQueuedWithdrawal()
		if err := t.st.PutQueueEntry(entry); err != nil {
			return err
		}
		if err := t.advanceQueueHead(l); err != nil {
			return err
		}
		if err := t.st.PutPosition(p); err != nil {
			return err
		}
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeStakerWithdrawalCancelled, t.now).
			id("staker", staker).
			u64("position", uint64(entry.Position)).
			u64("amount", cancelled).
			build())
		return nil
	})
}

// advanceQueueHead moves the head past completed or cancelled entries. It
// never skips a pending one.
func (t *txn) advanceQueueHead(l *Ledger) error {
	for l.WithdrawalQueueHead < l.WithdrawalQueueTail {
		entry, ok, err := t.st.QueueEntry(l.WithdrawalQueueHead)
		if err != nil {
			return err
		}
		if ok && entry.IsPending() {
			return nil
		}
		l.WithdrawalQueueHead++
	}
	return nil
}
