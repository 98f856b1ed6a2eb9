package common

import (
	"errors"
	"math"
)

// SecondsPerDay is the width of a quota bucket.
const SecondsPerDay int64 = 86_400

var (
	ErrDayQuotaExceeded     = errors.New("daily quota exceeded")
	ErrQuotaCounterOverflow = errors.New("quota counter overflow")
)

// DayUsage captures the amount consumed within the bucket starting at Day.
type DayUsage struct {
	Day  int64
	Used uint64
}

// DayQuota caps the amount that may be consumed per UTC day. A zero Limit
// disables the cap.
type DayQuota struct {
	Limit uint64
}

// DayBucket returns the start of the UTC day containing ts.
func DayBucket(ts int64) int64 {
	return (ts / SecondsPerDay) * SecondsPerDay
}

func (q DayQuota) rolled(now int64, prev DayUsage) DayUsage {
	day := DayBucket(now)
	if day > prev.Day {
		return DayUsage{Day: day}
	}
	return prev
}

// Check verifies that amount fits within the quota at time now. The returned
// usage reflects the consumption when the quota is not exceeded; on failure
// prev is returned unchanged. With an unlimited quota prev is returned as is.
func (q DayQuota) Check(now int64, prev DayUsage, amount uint64) (DayUsage, error) {
	if q.Limit == 0 {
		return prev, nil
	}
	next := q.rolled(now, prev)
	if next.Used > math.MaxUint64-amount {
		return prev, ErrQuotaCounterOverflow
	}
	next.Used += amount
	if next.Used > q.Limit {
		return prev, ErrDayQuotaExceeded
	}
	return next, nil
}

// Remaining reports how much may still be consumed at time now.
func (q DayQuota) Remaining(now int64, prev DayUsage) uint64 {
	if q.Limit == 0 {
		return math.MaxUint64
	}
	current := q.rolled(now, prev)
	if current.Used >= q.Limit {
		return 0
	}
	return q.Limit - current.Used
}
