package treasury

import (
	"context"
	"errors"

	"d2dtreasury/crypto"
	"d2dtreasury/native/bank"
)

// DeployRequestParams are the developer-supplied terms of a deployment loan.
type DeployRequestParams struct {
	ProgramHash    [32]byte
	ServiceFee     uint64
	MonthlyFee     uint64
	InitialMonths  uint32
	DeploymentCost uint64
}

// RequestDeploymentFunds opens a loan for developer, who pays the service fee,
// the initial subscription and the treasury fees up front.
func (e *Engine) RequestDeploymentFunds(ctx context.Context, developer crypto.Identity, params DeployRequestParams) (*DeployRequest, error) {
	var out *DeployRequest
	err := e.mutate(ctx, "request_deployment_funds", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		req, err := t.openRequest(l, developer, developer, params)
		if err != nil {
			return err
		}
		out = req.Clone()
		return nil
	})
	return out, err
}

// CreateDeployRequest is the admin-sponsored variant: the admin pays the
// up-front charges on the developer's behalf.
func (e *Engine) CreateDeployRequest(ctx context.Context, admin, developer crypto.Identity, params DeployRequestParams) (*DeployRequest, error) {
	var out *DeployRequest
	err := e.mutate(ctx, "create_deploy_request", func(t *txn) error {
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
		req, err := t.openRequest(l, developer, admin, params)
		if err != nil {
			return err
		}
		out = req.Clone()
		return nil
	})
	return out, err
}

func (t *txn) openRequest(l *Ledger, developer, payer crypto.Identity, params DeployRequestParams) (*DeployRequest, error) {
	if developer.IsZero() {
		return nil, ErrInvalidIdentity
	}
	if params.DeploymentCost == 0 || params.InitialMonths == 0 {
		return nil, ErrInvalidAmount
	}
	if params.InitialMonths > MaxExtensionMonths {
		return nil, ErrSubscriptionExtensionTooBig
	}
	id := DeriveRequestID(developer, params.ProgramHash)
	if _, exists, err := t.st.DeployRequest(id); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrDeployRequestExists
	}
	exceeds, err := l.WouldExceedMaxUtilization(params.DeploymentCost)
	if err != nil {
		return nil, err
	}
	if exceeds {
		return nil, ErrUtilizationTooHigh
	}
	if !l.CheckUtilizationLimit(params.DeploymentCost) {
		return nil, ErrLiquidityReserveBreached
	}

	subscription, err := checkedMul(params.MonthlyFee, uint64(params.InitialMonths))
	if err != nil {
		return nil, err
	}
	payment, err := checkedAdd(params.ServiceFee, subscription)
	if err != nil {
		return nil, err
	}
	rewardFee, err := CalculateFee(params.DeploymentCost, l.RewardFeeBps)
	if err != nil {
		return nil, err
	}
	platformFee, err := CalculateFee(params.DeploymentCost, l.PlatformFeeBps)
	if err != nil {
		return nil, err
	}
	rewardShare, err := checkedAdd(payment, rewardFee)
	if err != nil {
		return nil, err
	}
	charge, err := checkedAdd(rewardShare, platformFee)
	if err != nil {
		return nil, err
	}
	balance, err := t.balance(payer)
	if err != nil {
		return nil, err
	}
	if balance < charge {
		return nil, ErrInsufficientDeposit
	}
	paidUntil, err := checkedAddI64(t.now, int64(params.InitialMonths)*SecondsPerMonth)
	if err != nil {
		return nil, ErrSubscriptionExtensionOverflow
	}

	if err := l.RecordDeploymentBorrow(params.DeploymentCost); err != nil {
		return nil, err
	}
	if err := t.creditFees(l, rewardShare, platformFee); err != nil {
		return nil, err
	}
	if err := t.transfer(payer, RewardPoolIdentity, rewardShare, ErrInsufficientDeposit); err != nil {
		return nil, err
	}
	if err := t.transfer(payer, PlatformPoolIdentity, platformFee, ErrInsufficientDeposit); err != nil {
		return nil, err
	}

	req := &DeployRequest{
		RequestID:             id,
		Developer:             developer,
		ProgramHash:           params.ProgramHash,
		ServiceFee:            params.ServiceFee,
		MonthlyFee:            params.MonthlyFee,
		DeploymentCost:        params.DeploymentCost,
		BorrowedAmount:        params.DeploymentCost,
		SubscriptionPaidUntil: paidUntil,
		Status:                DeployStatusPendingDeployment,
		CreatedAt:             t.now,
		TotalSubscribedMonths: params.InitialMonths,
		AutoRenewalEnabled:    true,
		LastRenewalAt:         t.now,
		ExpectedRentRecovery:  CalculateExpectedRentRecovery(params.DeploymentCost),
	}
	if err := t.st.PutDeployRequest(req); err != nil {
		return nil, err
	}
	if err := t.st.PutLedger(l); err != nil {
		return nil, err
	}
	t.emit(newEvent(EventTypeDeploymentFundsRequested, t.now).
		hash("requestId", id).
		id("developer", developer).
		id("payer", payer).
		hash("programHash", params.ProgramHash).
		u64("deploymentCost", params.DeploymentCost).
		u64("payment", payment).
		u64("rewardFee", rewardFee).
		u64("platformFee", platformFee).
		i64("paidUntil", paidUntil).
		build())
	t.emit(newEvent(EventTypeDeploymentBorrowed, t.now).
		hash("requestId", id).
		u64("borrowed", params.DeploymentCost).
		u64("totalBorrowed", l.TotalBorrowed).
		u64("utilizationBps", l.UtilizationBps()).
		build())
	t.emit(rewardCreditedEvent(t.now, payer, rewardShare, platformFee, l))
	return req, nil
}

// FundTemporaryWallet sends deployment capital to a one-time ephemeral key,
// from liquid stake or from the platform pool when useAdminPool is set.
func (e *Engine) FundTemporaryWallet(ctx context.Context, admin crypto.Identity, requestID [32]byte, ephemeral crypto.Identity, amount uint64, useAdminPool bool) error {
	return e.mutate(ctx, "fund_temporary_wallet", func(t *txn) error {
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
		req, err := t.deployRequest(requestID)
		if err != nil {
			return err
		}
		if req.Status != DeployStatusPendingDeployment {
			return ErrInvalidRequestStatus
		}
		if req.EphemeralKey != nil {
			return ErrEphemeralKeyAlreadySet
		}
		if ephemeral.IsZero() {
			return ErrInvalidEphemeralKey
		}
		if amount == 0 || amount > req.DeploymentCost {
			return ErrInvalidAmount
		}
		if useAdminPool {
			if l.PlatformPoolBalance < amount {
				return ErrInsufficientTreasuryFunds
			}
			l.PlatformPoolBalance -= amount
			if err := t.transfer(PlatformPoolIdentity, ephemeral, amount, ErrInsufficientTreasuryFunds); err != nil {
				return err
			}
		} else {
			available, err := t.vaultAvailable()
			if err != nil {
				return err
			}
			if l.LiquidBalance < amount || available < amount {
				return ErrInsufficientLiquidBalance
			}
			l.LiquidBalance -= amount
			if err := t.transfer(VaultIdentity, ephemeral, amount, ErrInsufficientLiquidBalance); err != nil {
				return err
			}
		}
		key := ephemeral
		req.EphemeralKey = &key
		if err := t.st.PutDeployRequest(req); err != nil {
			return err
		}
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		source := "liquid"
		if useAdminPool {
			source = "platform_pool"
		}
		t.emit(newEvent(EventTypeTemporaryWalletFunded, t.now).
			hash("requestId", requestID).
			id("ephemeralKey", ephemeral).
			u64("amount", amount).
			str("source", source).
			build())
		return nil
	})
}

func (t *txn) pendingRequest(requestID [32]byte) (*DeployRequest, error) {
	req, err := t.deployRequest(requestID)
	if err != nil {
		if errors.Is(err, ErrDeployRequestNotFound) {
			return nil, ErrInvalidRequestID
		}
		return nil, err
	}
	if req.Status != DeployStatusPendingDeployment {
		return nil, ErrInvalidRequestStatus
	}
	return req, nil
}

func checkEphemeral(req *DeployRequest, ephemeral crypto.Identity) error {
	if req.EphemeralKey == nil {
		return ErrEphemeralKeyNotSet
	}
	if *req.EphemeralKey != ephemeral {
		return ErrInvalidEphemeralKey
	}
	return nil
}

// ConfirmDeploymentSuccess activates the request and returns unspent
// deployment lamports from the ephemeral key to liquidity.
func (e *Engine) ConfirmDeploymentSuccess(ctx context.Context, admin crypto.Identity, requestID [32]byte, ephemeral, programID crypto.Identity, recovered uint64) error {
	return e.mutate(ctx, "confirm_deployment_success", func(t *txn) error {
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
		req, err := t.pendingRequest(requestID)
		if err != nil {
			return err
		}
		if recovered > req.DeploymentCost {
			return ErrInvalidRecoveredFunds
		}
		if err := checkEphemeral(req, ephemeral); err != nil {
			return err
		}
		if programID.IsZero() {
			return ErrInvalidIdentity
		}
		ephBalance, err := t.balance(ephemeral)
		if err != nil {
			return err
		}
		actual := minU64(recovered, ephBalance)
		if l.LiquidBalance, err = checkedAdd(l.LiquidBalance, actual); err != nil {
			return err
		}
		if err := t.transfer(ephemeral, VaultIdentity, actual, ErrInvalidRecoveredFunds); err != nil {
			return err
		}
		deployed := programID
		req.DeployedProgramID = &deployed
		req.Status = DeployStatusActive
		if err := t.st.PutDeployRequest(req); err != nil {
			return err
		}
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeDeploymentConfirmed, t.now).
			hash("requestId", requestID).
			id("developer", req.Developer).
			id("programId", programID).
			u64("recovered", actual).
			build())
		return nil
	})
}

// ConfirmDeploymentFailure refunds the developer's service fee and
// subscription from the reward pool and returns the whole ephemeral remainder
// to the vault's liquidity.
func (e *Engine) ConfirmDeploymentFailure(ctx context.Context, admin crypto.Identity, requestID [32]byte, ephemeral crypto.Identity, reason string) error {
	return e.mutate(ctx, "confirm_deployment_failure", func(t *txn) error {
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
		if len(reason) > MaxReasonLength {
			return ErrInvalidReason
		}
		req, err := t.pendingRequest(requestID)
		if err != nil {
			return err
		}
		if err := checkEphemeral(req, ephemeral); err != nil {
			return err
		}
		subscription, err := checkedMul(req.MonthlyFee, req.monthsPaid())
		if err != nil {
			return err
		}
		refund, err := checkedAdd(req.ServiceFee, subscription)
		if err != nil {
			return err
		}
		if refund > MaxAmount {
			return ErrCalculationOverflow
		}
		custody, err := t.balance(RewardPoolIdentity)
		if err != nil {
			return err
		}
		if custody < refund {
			return ErrInsufficientTreasuryFunds
		}
		if err := l.DebitRewardPool(refund); err != nil {
			return ErrInsufficientTreasuryFunds
		}
		remainder, err := t.balance(ephemeral)
		if err != nil {
			return err
		}
		debt, excess, err := l.RecordDebtRepayment(remainder, req.RemainingDebt())
		if err != nil {
			return err
		}
		if l.LiquidBalance, err = checkedAdd(l.LiquidBalance, excess); err != nil {
			return err
		}
		l.RecordDeploymentClosed()
		if err := req.RecordRentRecovery(remainder, debt, t.now); err != nil {
			return err
		}
		req.Status = DeployStatusFailed
		if err := t.transfer(RewardPoolIdentity, req.Developer, refund, ErrInsufficientTreasuryFunds); err != nil {
			return err
		}
		if err := t.transfer(ephemeral, VaultIdentity, remainder, ErrInvalidRecoveredFunds); err != nil {
			return err
		}
		if err := t.st.PutDeployRequest(req); err != nil {
			return err
		}
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeDeploymentFailed, t.now).
			hash("requestId", requestID).
			id("developer", req.Developer).
			u64("refund", refund).
			u64("returned", remainder).
			str("reason", reason).
			build())
		return nil
	})
}

// ForceResetDeployment marks a request failed and clears its ephemeral key.
func (e *Engine) ForceResetDeployment(ctx context.Context, admin crypto.Identity, requestID [32]byte) error {
	return e.mutate(ctx, "force_reset_deployment", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireAdmin(l, admin); err != nil {
			return err
		}
		req, err := t.deployRequest(requestID)
		if err != nil {
			return err
		}
		req.Status = DeployStatusFailed
		req.EphemeralKey = nil
		if err := t.st.PutDeployRequest(req); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeDeploymentFailed, t.now).
			hash("requestId", requestID).
			id("developer", req.Developer).
			u64("refund", 0).
			str("reason", "force_reset").
			build())
		return nil
	})
}

// PaySubscription extends the subscription by months, paid by the developer
// into the reward pool.
func (e *Engine) PaySubscription(ctx context.Context, developer crypto.Identity, requestID [32]byte, months uint32) error {
	return e.mutate(ctx, "pay_subscription", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		req, err := t.deployRequest(requestID)
		if err != nil {
			return err
		}
		if req.Developer != developer {
			return ErrUnauthorized
		}
		if months == 0 {
			return ErrInvalidAmount
		}
		if req.Status != DeployStatusActive && req.Status != DeployStatusSubscriptionExpired {
			return ErrInvalidDeploymentStatus
		}
		payment, err := checkedMul(req.MonthlyFee, uint64(months))
		if err != nil {
			return err
		}
		balance, err := t.balance(developer)
		if err != nil {
			return err
		}
		if balance < payment {
			return ErrInsufficientDeposit
		}
		if err := req.ExtendSubscription(months, t.now); err != nil {
			return err
		}
		req.Status = DeployStatusActive
		if err := t.creditFees(l, payment, 0); err != nil {
			return err
		}
		if err := t.transfer(developer, RewardPoolIdentity, payment, ErrInsufficientDeposit); err != nil {
			return err
		}
		if err := t.st.PutDeployRequest(req); err != nil {
			return err
		}
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeSubscriptionPaid, t.now).
			hash("requestId", requestID).
			id("developer", developer).
			u64("months", uint64(months)).
			u64("payment", payment).
			i64("paidUntil", req.SubscriptionPaidUntil).
			build())
		return nil
	})
}

// ExpireSubscription moves an active request whose subscription lapsed to
// SubscriptionExpired.
func (e *Engine) ExpireSubscription(ctx context.Context, caller crypto.Identity, requestID [32]byte) error {
	return e.mutate(ctx, "expire_subscription", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		if !l.IsAdminOrGuardian(caller) {
			return ErrUnauthorized
		}
		req, err := t.deployRequest(requestID)
		if err != nil {
			return err
		}
		if req.Status != DeployStatusActive {
			return ErrInvalidRequestStatus
		}
		if req.IsSubscriptionValid(t.now) {
			return ErrSubscriptionStillActive
		}
		req.Status = DeployStatusSubscriptionExpired
		if err := t.st.PutDeployRequest(req); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeSubscriptionExpired, t.now).
			hash("requestId", requestID).
			id("developer", req.Developer).
			i64("paidUntil", req.SubscriptionPaidUntil).
			build())
		return nil
	})
}

// StartGracePeriod opens the time-boxed window before an expired program is
// closed.
func (e *Engine) StartGracePeriod(ctx context.Context, admin crypto.Identity, requestID [32]byte) error {
	return e.mutate(ctx, "start_grace_period", func(t *txn) error {
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
		req, err := t.deployRequest(requestID)
		if err != nil {
			return err
		}
		if req.Status != DeployStatusSubscriptionExpired {
			return ErrInvalidRequestStatus
		}
		if req.GracePeriodEnd != 0 {
			return ErrAlreadyInGracePeriod
		}
		req.StartGracePeriod(t.now)
		if err := t.st.PutDeployRequest(req); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeGracePeriodStarted, t.now).
			hash("requestId", requestID).
			id("developer", req.Developer).
			u64("days", uint64(req.GracePeriodDays)).
			i64("graceEnd", req.GracePeriodEnd).
			build())
		return nil
	})
}

// reclaim closes the managed program through the lifecycle collaborator and
// books the recovered lamports against the loan.
func (t *txn) reclaim(l *Ledger, req *DeployRequest, managed *ManagedProgram) (recovered, debt, excess uint64, err error) {
	lifecycle := t.engine.lifecycle
	if lifecycle == nil {
		return 0, 0, 0, errNoLifecycle
	}
	remaining := req.RemainingDebt()
	recovered, err = lifecycle.Close(t.ctx, managed.ProgramID)
	if err != nil {
		return 0, 0, 0, err
	}
	if err = bank.Credit(t.st, VaultIdentity, bank.AssetSOL, recovered); err != nil {
		return 0, 0, 0, err
	}
	managed.IsActive = false
	if debt, excess, err = l.RecordDebtRepayment(recovered, remaining); err != nil {
		return 0, 0, 0, err
	}
	l.RecordDeploymentClosed()
	if err = req.RecordRentRecovery(recovered, debt, t.now); err != nil {
		return 0, 0, 0, err
	}
	if excess > 0 {
		if err = t.creditFees(l, excess, 0); err != nil {
			return 0, 0, 0, err
		}
		if err = t.transfer(VaultIdentity, RewardPoolIdentity, excess, ErrInsufficientLiquidBalance); err != nil {
			return 0, 0, 0, err
		}
	}
	if err = t.st.PutManagedProgram(managed); err != nil {
		return 0, 0, 0, err
	}
	t.emit(newEvent(EventTypeProgramRentReclaimed, t.now).
		hash("requestId", req.RequestID).
		id("programId", managed.ProgramID).
		u64("recovered", recovered).
		build())
	t.emit(newEvent(EventTypeDebtRepaid, t.now).
		hash("requestId", req.RequestID).
		u64("debtRepaid", debt).
		u64("excessToRewards", excess).
		u64("remainingDebt", req.RemainingDebt()).
		u64("recoveryRatioBps", req.RecoveryRatioBps).
		build())
	return recovered, debt, excess, nil
}

func (t *txn) managedFor(req *DeployRequest) (*ManagedProgram, bool, error) {
	if req.DeployedProgramID == nil {
		return nil, false, nil
	}
	return t.st.ManagedProgram(*req.DeployedProgramID)
}

// ReclaimProgramRent closes a program whose subscription lapsed and repays
// its debt from the recovered rent. Recovery beyond the debt goes to stakers.
func (e *Engine) ReclaimProgramRent(ctx context.Context, admin crypto.Identity, requestID [32]byte) (uint64, error) {
	var recovered uint64
	err := e.mutate(ctx, "reclaim_program_rent", func(t *txn) error {
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
		req, err := t.deployRequest(requestID)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return ErrInvalidRequestStatus
		}
		if req.IsSubscriptionValid(t.now) {
			return ErrSubscriptionStillActive
		}
		managed, ok, err := t.managedFor(req)
		if err != nil {
			return err
		}
		if !ok || !managed.IsActive {
			return ErrProgramNotManaged
		}
		if recovered, _, _, err = t.reclaim(l, req, managed); err != nil {
			return err
		}
		req.Status = DeployStatusClosed
		if err := t.st.PutDeployRequest(req); err != nil {
			return err
		}
		return t.st.PutLedger(l)
	})
	return recovered, err
}

// CloseExpiredProgram closes a request whose grace period elapsed, reclaiming
// rent first when the treasury still manages the program.
func (e *Engine) CloseExpiredProgram(ctx context.Context, admin crypto.Identity, requestID [32]byte) error {
	return e.mutate(ctx, "close_expired_program", func(t *txn) error {
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
		req, err := t.deployRequest(requestID)
		if err != nil {
			return err
		}
		if req.Status != DeployStatusInGracePeriod {
			return ErrNotInGracePeriod
		}
		if !req.IsGracePeriodExpired(t.now) {
			return ErrGracePeriodNotExpired
		}
		managed, ok, err := t.managedFor(req)
		if err != nil {
			return err
		}
		var recovered uint64
		if ok && managed.IsActive {
			if recovered, _, _, err = t.reclaim(l, req, managed); err != nil {
				return err
			}
		}
		req.Status = DeployStatusClosed
		if err := t.st.PutDeployRequest(req); err != nil {
			return err
		}
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeGracePeriodEnded, t.now).
			hash("requestId", requestID).
			i64("graceEnd", req.GracePeriodEnd).
			build())
		t.emit(newEvent(EventTypeProgramClosedAfterGrace, t.now).
			hash("requestId", requestID).
			id("developer", req.Developer).
			u64("recovered", recovered).
			build())
		return nil
	})
}

// TransferAuthority hands the program's upgrade authority to the treasury and
// starts managing it.
func (e *Engine) TransferAuthority(ctx context.Context, developer crypto.Identity, requestID [32]byte) error {
	return e.mutate(ctx, "transfer_authority", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		req, err := t.deployRequest(requestID)
		if err != nil {
			return err
		}
		if req.Developer != developer {
			return ErrUnauthorized
		}
		if req.Status != DeployStatusActive || req.DeployedProgramID == nil {
			return ErrInvalidDeploymentStatus
		}
		programID := *req.DeployedProgramID
		if existing, ok, err := t.st.ManagedProgram(programID); err != nil {
			return err
		} else if ok && existing.IsActive {
			return ErrProgramAlreadyManaged
		}
		if e.lifecycle == nil {
			return errNoLifecycle
		}
		authority := ProgramAuthorityIdentity(programID)
		if err := e.lifecycle.TransferAuthority(t.ctx, programID, authority); err != nil {
			return err
		}
		managed := &ManagedProgram{
			ProgramID:     programID,
			Developer:     developer,
			DeployRequest: requestID,
			Authority:     authority,
			CreatedAt:     t.now,
			IsActive:      true,
		}
		if err := t.st.PutManagedProgram(managed); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeAuthorityTransferred, t.now).
			hash("requestId", requestID).
			id("programId", programID).
			id("authority", authority).
			build())
		return nil
	})
}

// ProxyUpgradeProgram upgrades a managed program for its developer while the
// subscription is paid.
func (e *Engine) ProxyUpgradeProgram(ctx context.Context, developer crypto.Identity, requestID [32]byte, buffer []byte) error {
	return e.mutate(ctx, "proxy_upgrade_program", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		req, err := t.deployRequest(requestID)
		if err != nil {
			return err
		}
		if req.Developer != developer {
			return ErrUnauthorized
		}
		if req.Status != DeployStatusActive {
			return ErrInvalidDeploymentStatus
		}
		if !req.IsSubscriptionValid(t.now) {
			return ErrSubscriptionExpired
		}
		managed, ok, err := t.managedFor(req)
		if err != nil {
			return err
		}
		if !ok || !managed.CanUpgrade(developer) {
			return ErrProgramNotManaged
		}
		if e.lifecycle == nil {
			return errNoLifecycle
		}
		if err := e.lifecycle.Upgrade(t.ctx, managed.ProgramID, buffer); err != nil {
			return err
		}
		managed.RecordUpgrade(t.now)
		if err := t.st.PutManagedProgram(managed); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeProgramUpgraded, t.now).
			hash("requestId", requestID).
			id("programId", managed.ProgramID).
			u64("upgradeCount", managed.UpgradeCount).
			build())
		return nil
	})
}

// AutoRenewSubscription pays months of subscription from the developer's
// escrow. A shortfall is recorded on the request and reported as
// ErrInsufficientEscrowBalance after the failure counter is committed.
func (e *Engine) AutoRenewSubscription(ctx context.Context, caller crypto.Identity, requestID [32]byte, months uint32) error {
	shortfall := false
	err := e.mutate(ctx, "auto_renew_subscription", func(t *txn) error {
		shortfall = false
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		if !l.IsAdminOrGuardian(caller) {
			return ErrUnauthorized
		}
		if months == 0 {
			return ErrInvalidAmount
		}
		req, err := t.deployRequest(requestID)
		if err != nil {
			return err
		}
		switch req.Status {
		case DeployStatusActive, DeployStatusSubscriptionExpired, DeployStatusInGracePeriod:
		default:
			return ErrInvalidDeploymentStatus
		}
		esc, err := t.escrow(req.Developer)
		if err != nil {
			return err
		}
		if !esc.AutoRenew || !req.AutoRenewalEnabled {
			return ErrAutoRenewalDisabled
		}
		payment, err := checkedMul(req.MonthlyFee, uint64(months))
		if err != nil {
			return err
		}
		if !esc.CanAutoDeduct(payment) {
			if req.AutoRenewalFailedCount < 255 {
				req.AutoRenewalFailedCount++
			}
			if err := t.st.PutDeployRequest(req); err != nil {
				return err
			}
			t.emit(newEvent(EventTypeAutoRenewalFailed, t.now).
				hash("requestId", requestID).
				id("developer", req.Developer).
				u64("required", payment).
				u64("available", esc.SolBalance).
				u64("failedCount", uint64(req.AutoRenewalFailedCount)).
				build())
			shortfall = true
			return nil
		}
		if err := esc.DeductBalance(payment, t.now); err != nil {
			return err
		}
		if err := req.ExtendSubscription(months, t.now); err != nil {
			return err
		}
		req.Status = DeployStatusActive
		if err := t.creditFees(l, payment, 0); err != nil {
			return err
		}
		if err := t.transfer(EscrowVaultIdentity(req.Developer), RewardPoolIdentity, payment, ErrInsufficientEscrowBalance); err != nil {
			return err
		}
		if err := t.st.PutEscrow(esc); err != nil {
			return err
		}
		if err := t.st.PutDeployRequest(req); err != nil {
			return err
		}
		if err := t.st.PutLedger(l); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeAutoRenewalExecuted, t.now).
			hash("requestId", requestID).
			id("developer", req.Developer).
			u64("months", uint64(months)).
			u64("payment", payment).
			i64("paidUntil", req.SubscriptionPaidUntil).
			u64("escrowRemaining", esc.SolBalance).
			build())
		return nil
	})
	if err != nil {
		return err
	}
	if shortfall {
		return ErrInsufficientEscrowBalance
	}
	return nil
}
