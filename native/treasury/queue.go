package treasury

import (
	"math"

	"d2dtreasury/crypto"
)

// QueueEntry is a withdrawal waiting for liquidity. Entries are keyed by
// their position, a monotonically increasing sequence number.
type QueueEntry struct {
	Position        uint32
	Staker          crypto.Identity
	Amount          uint64
	QueuedAt        int64
	Processed       bool
	AmountWithdrawn uint64
	ProcessedAt     int64
}

func (q *QueueEntry) Clone() *QueueEntry {
	if q == nil {
		return nil
	}
	clone := *q
	return &clone
}

func (q *QueueEntry) IsPending() bool {
	return !q.Processed && q.AmountWithdrawn < q.Amount
}

func (q *QueueEntry) Remaining() uint64 {
	return saturatingSub(q.Amount, q.AmountWithdrawn)
}

// ProcessWithdrawal records a partial or full payout and reports whether the
// entry is now complete.
func (q *QueueEntry) ProcessWithdrawal(amount uint64, now int64) (bool, error) {
	withdrawn, err := checkedAdd(q.AmountWithdrawn, amount)
	if err != nil {
		return false, err
	}
	if withdrawn > q.Amount {
		return false, ErrInvalidAmount
	}
	q.AmountWithdrawn = withdrawn
	if withdrawn == q.Amount {
		q.Processed = true
		q.ProcessedAt = now
	}
	return q.Processed, nil
}

// Cancel closes the entry without further payouts.
func (q *QueueEntry) Cancel(now int64) {
	q.Processed = true
	q.ProcessedAt = now
}

func (q *QueueEntry) CompletionPercentage() uint64 {
	if q.Amount == 0 {
		return 100
	}
	v, _ := mulDiv(q.AmountWithdrawn, 100, q.Amount)
	return v
}

// EstimateWaitTime projects seconds until completion at ratePerDay lamports
// of fresh liquidity per day.
func (q *QueueEntry) EstimateWaitTime(ratePerDay uint64) int64 {
	if ratePerDay == 0 {
		return math.MaxInt64
	}
	v, err := mulDiv(q.Remaining(), uint64(SecondsPerDay), ratePerDay)
	if err != nil || v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
