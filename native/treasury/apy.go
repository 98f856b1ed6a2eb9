package treasury

// APYMultiplierBps maps utilization onto the APY multiplier: 1.0x to 1.5x
// below the target, 1.5x to the configured maximum between the target and
// the utilization cap, pinned at the maximum beyond it.
func (l *Ledger) APYMultiplierBps() uint64 {
	u := l.UtilizationBps()
	target := l.TargetUtilizationBps
	switch {
	case u >= MaxUtilizationBps:
		return l.MaxAPYMultiplierBps
	case u >= target:
		span := MaxUtilizationBps - target
		if span == 0 || l.MaxAPYMultiplierBps <= 15_000 {
			return 15_000
		}
		extra, err := mulDiv(u-target, l.MaxAPYMultiplierBps-15_000, span)
		if err != nil {
			return l.MaxAPYMultiplierBps
		}
		return 15_000 + extra
	default:
		if target == 0 {
			return 10_000
		}
		extra, _ := mulDiv(u, 5_000, target)
		return 10_000 + extra
	}
}

// CurrentAPYBps is advisory; no operation gates on it.
func (l *Ledger) CurrentAPYBps() uint64 {
	if l.BaseAPYBps == 0 {
		return 0
	}
	v, err := mulDiv(l.BaseAPYBps, l.APYMultiplierBps(), BpsDenominator)
	if err != nil {
		return 0
	}
	return v
}

// ValidateAPYParams checks a proposed parameter set.
func ValidateAPYParams(base, maxMultiplier, target uint64) error {
	if base > BpsDenominator || maxMultiplier < BpsDenominator || target >= MaxUtilizationBps {
		return ErrInvalidAPYParams
	}
	return nil
}

// APYInfo is the read model for display.
type APYInfo struct {
	BaseAPYBps           uint64 `json:"baseApyBps"`
	CurrentAPYBps        uint64 `json:"currentApyBps"`
	MultiplierBps        uint64 `json:"multiplierBps"`
	UtilizationBps       uint64 `json:"utilizationBps"`
	TargetUtilizationBps uint64 `json:"targetUtilizationBps"`
	MaxAPYMultiplierBps  uint64 `json:"maxApyMultiplierBps"`
}

func (l *Ledger) APYInfo() APYInfo {
	return APYInfo{
		BaseAPYBps:           l.BaseAPYBps,
		CurrentAPYBps:        l.CurrentAPYBps(),
		MultiplierBps:        l.APYMultiplierBps(),
		UtilizationBps:       l.UtilizationBps(),
		TargetUtilizationBps: l.TargetUtilizationBps,
		MaxAPYMultiplierBps:  l.MaxAPYMultiplierBps,
	}
}

// ProtocolHealth summarises solvency and liquidity at a point in time.
type ProtocolHealth struct {
	Timestamp                   int64  `json:"timestamp"`
	TotalDeposited              uint64 `json:"totalDeposited"`
	LiquidBalance               uint64 `json:"liquidBalance"`
	TotalBorrowed               uint64 `json:"totalBorrowed"`
	UtilizationBps              uint64 `json:"utilizationBps"`
	CurrentAPYBps               uint64 `json:"currentApyBps"`
	RecoveryRatioBps            uint64 `json:"recoveryRatioBps"`
	ActiveDeployments           uint32 `json:"activeDeployments"`
	PendingQueue                uint32 `json:"pendingQueue"`
	QueuedWithdrawalAmount      uint64 `json:"queuedWithdrawalAmount"`
	PendingUndistributedRewards uint64 `json:"pendingUndistributedRewards"`
	RewardPoolBalance           uint64 `json:"rewardPoolBalance"`
	ProtectedRewards            uint64 `json:"protectedRewards"`
	ExcessRewards               uint64 `json:"excessRewards"`
	EmergencyPause              bool   `json:"emergencyPause"`
}

func (l *Ledger) Health(now int64) ProtocolHealth {
	return ProtocolHealth{
		Timestamp:                   now,
		TotalDeposited:              l.TotalDeposited,
		LiquidBalance:               l.LiquidBalance,
		TotalBorrowed:               l.TotalBorrowed,
		UtilizationBps:              l.UtilizationBps(),
		CurrentAPYBps:               l.CurrentAPYBps(),
		RecoveryRatioBps:            l.RecoveryRatioBps(),
		ActiveDeployments:           l.ActiveDeploymentCount,
		PendingQueue:                l.PendingQueueCount(),
		QueuedWithdrawalAmount:      l.QueuedWithdrawalAmount,
		PendingUndistributedRewards: l.PendingUndistributedRewards,
		RewardPoolBalance:           l.RewardPoolBalance,
		ProtectedRewards:            l.ProtectedRewards(),
		ExcessRewards:               l.ExcessRewards(),
		EmergencyPause:              l.EmergencyPause,
	}
}
