package treasury

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"d2dtreasury/crypto"
	"d2dtreasury/native/bank"
	"d2dtreasury/native/common"
)

func TestInitializeFundsVaultRent(t *testing.T) {
	f := newFixture(t)
	if got := f.balance(VaultIdentity); got != DefaultVaultRent {
		t.Fatalf("vault balance = %d, want %d", got, DefaultVaultRent)
	}
	l := f.ledger()
	if l.Admin != f.admin || l.DevWallet != f.devWallet {
		t.Fatalf("unexpected roles: %+v", l)
	}
	if l.TimelockDuration != DefaultTimelockDuration {
		t.Fatalf("timelock = %d", l.TimelockDuration)
	}
	if err := f.engine.Initialize(f.ctx, f.admin, f.devWallet); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if types := f.recorder.Types(); len(types) != 1 || types[0] != EventTypeTreasuryInitialized {
		t.Fatalf("unexpected events: %v", types)
	}
}

func TestOperationsRequireInitialization(t *testing.T) {
	engine := NewEngine(&mockStore{state: newMockState()}, DefaultParams())
	staker := identity("staker")
	if err := engine.Stake(context.Background(), staker, 1); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := engine.Ledger(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized from query, got %v", err)
	}
}

func TestStakeCreditClaim(t *testing.T) {
	f := newFixture(t)
	staker := identity("s1")
	f.stake(staker, 10_000_000)

	l := f.ledger()
	if l.TotalDeposited != 10_000_000 || l.LiquidBalance != 10_000_000 {
		t.Fatalf("deposited=%d liquid=%d", l.TotalDeposited, l.LiquidBalance)
	}
	before := f.balance(staker)

	if err := f.engine.CreditFeeToPool(f.ctx, f.admin, 100_000, 0); err != nil {
		t.Fatalf("credit: %v", err)
	}
	l = f.ledger()
	if got := l.RewardPerShare.Uint64(); got != 10_000_000_000 {
		t.Fatalf("reward per share = %d", got)
	}

	paid, err := f.engine.ClaimRewards(f.ctx, staker)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if paid != 100_000 {
		t.Fatalf("paid = %d, want 100000", paid)
	}
	if got := f.balance(staker) - before; got != 100_000 {
		t.Fatalf("staker received %d", got)
	}
	l = f.ledger()
	if l.RewardPoolBalance != 0 {
		t.Fatalf("reward pool = %d", l.RewardPoolBalance)
	}
	if l.TotalClaimedRewards != 100_000 || l.TotalCreditedRewards != 100_000 {
		t.Fatalf("claimed=%d credited=%d", l.TotalClaimedRewards, l.TotalCreditedRewards)
	}
	if _, err := f.engine.ClaimRewards(f.ctx, staker); !errors.Is(err, ErrNoRewardsToClaim) {
		t.Fatalf("second claim: %v", err)
	}
	f.assertConservation()
}

func TestStakeRequiresRentReserve(t *testing.T) {
	f := newFixture(t)
	staker := identity("poor")
	f.fund(staker, 1_000_000)
	if err := f.engine.Stake(f.ctx, staker, 1_000_000); !errors.Is(err, ErrInsufficientDeposit) {
		t.Fatalf("expected ErrInsufficientDeposit, got %v", err)
	}
	if got := f.balance(staker); got != 1_000_000 {
		t.Fatalf("failed stake moved funds: %d", got)
	}
	if err := f.engine.Stake(f.ctx, staker, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero stake: %v", err)
	}
}

func TestFirstDepositorDoesNotCaptureEarlyRewards(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.CreditFeeToPool(f.ctx, f.admin, 500_000, 0); err != nil {
		t.Fatalf("credit: %v", err)
	}
	l := f.ledger()
	if !l.RewardPerShare.IsZero() || l.RewardPoolBalance != 500_000 {
		t.Fatalf("credit without deposits: rps=%s pool=%d", l.RewardPerShare.Dec(), l.RewardPoolBalance)
	}
	if l.PendingUndistributedRewards != 500_000 {
		t.Fatalf("pending after credit = %d", l.PendingUndistributedRewards)
	}

	first := identity("first")
	f.stake(first, 1_000_000)
	l = f.ledger()
	if l.PendingUndistributedRewards != 500_000 {
		t.Fatalf("pending = %d", l.PendingUndistributedRewards)
	}
	view, err := f.engine.Position(f.ctx, first)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if view.Claimable != 0 {
		t.Fatalf("first depositor claimable = %d", view.Claimable)
	}
	if _, err := f.engine.ClaimRewards(f.ctx, first); !errors.Is(err, ErrNoRewardsToClaim) {
		t.Fatalf("immediate claim: %v", err)
	}

	distributed, err := f.engine.DistributePendingRewards(f.ctx, f.admin, 5_000)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if distributed != 250_000 {
		t.Fatalf("distributed = %d", distributed)
	}
	view, err = f.engine.Position(f.ctx, first)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if view.Claimable != 250_000 {
		t.Fatalf("claimable after distribution = %d", view.Claimable)
	}
	f.assertConservation()
}

func TestDurationBonusPaysPendingRewards(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.CreditFeeToPool(f.ctx, f.admin, 600_000, 0); err != nil {
		t.Fatalf("credit: %v", err)
	}
	staker := identity("patient")
	f.stake(staker, 1_000_000)
	f.advance(100)

	paid, err := f.engine.ClaimRewards(f.ctx, staker)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if paid != 600_000 {
		t.Fatalf("paid = %d, want the whole pending pool", paid)
	}
	l := f.ledger()
	if l.PendingUndistributedRewards != 0 || l.RewardPoolBalance != 0 {
		t.Fatalf("pending=%d pool=%d", l.PendingUndistributedRewards, l.RewardPoolBalance)
	}
	if !l.TotalStakeDurationWeight.IsZero() {
		t.Fatalf("total weight = %s", l.TotalStakeDurationWeight.Dec())
	}
	p := f.position(staker)
	if !p.StakeDurationWeight.IsZero() || p.LastActionAt != f.now {
		t.Fatalf("position weight not reset: %+v", p)
	}
	types := f.recorder.Types()
	found := false
	for _, typ := range types {
		if typ == EventTypeDurationBonusClaimed {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing bonus event in %v", types)
	}
}

func TestFullUnstakeKeepsOwedRewardsClaimable(t *testing.T) {
	f := newFixture(t)
	early := identity("s1")
	f.stake(early, 1_000_000)
	if err := f.engine.CreditFeeToPool(f.ctx, f.admin, 100_000, 0); err != nil {
		t.Fatalf("credit: %v", err)
	}
	f.advance(60)
	if err := f.engine.Unstake(f.ctx, early, 1_000_000); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	if l := f.ledger(); l.PendingUndistributedRewards != 0 || l.RewardPoolBalance != 100_000 {
		t.Fatalf("after unstake: pending=%d pool=%d", l.PendingUndistributedRewards, l.RewardPoolBalance)
	}

	late := identity("s2")
	f.stake(late, 1_000_000)
	f.assertConservation()
	if l := f.ledger(); l.PendingUndistributedRewards != 0 {
		t.Fatalf("owed rewards parked for the next staker: pending=%d", l.PendingUndistributedRewards)
	}
	if _, err := f.engine.DistributePendingRewards(f.ctx, f.admin, BpsDenominator); !errors.Is(err, ErrNoPendingRewards) {
		t.Fatalf("distribute: %v", err)
	}
	if _, err := f.engine.ClaimRewards(f.ctx, late); !errors.Is(err, ErrNoRewardsToClaim) {
		t.Fatalf("late staker claim: %v", err)
	}
	paid, err := f.engine.ClaimRewards(f.ctx, early)
	if err != nil {
		t.Fatalf("early staker claim: %v", err)
	}
	if paid != 100_000 {
		t.Fatalf("early staker paid %d, want 100000", paid)
	}
	if l := f.ledger(); l.RewardPoolBalance != 0 {
		t.Fatalf("reward pool = %d", l.RewardPoolBalance)
	}
	f.assertConservation()
}

func TestEmptyTreasuryCyclesKeepPendingBacked(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.CreditFeeToPool(f.ctx, f.admin, 100_000, 0); err != nil {
		t.Fatalf("credit: %v", err)
	}
	cyclers := []crypto.Identity{identity("c1"), identity("c2"), identity("c3")}
	for i, s := range cyclers {
		f.stake(s, 1_000_000)
		if err := f.engine.CreditFeeToPool(f.ctx, f.admin, 50_000, 0); err != nil {
			t.Fatalf("cycle %d: credit: %v", i, err)
		}
		f.advance(120)
		if err := f.engine.Unstake(f.ctx, s, 1_000_000); err != nil {
			t.Fatalf("cycle %d: unstake: %v", i, err)
		}
		l := f.ledger()
		if l.TotalDeposited != 0 {
			t.Fatalf("cycle %d: deposited = %d", i, l.TotalDeposited)
		}
		if l.PendingUndistributedRewards != 100_000 {
			t.Fatalf("cycle %d: pending = %d", i, l.PendingUndistributedRewards)
		}
		if l.PendingUndistributedRewards > l.RewardPoolBalance {
			t.Fatalf("cycle %d: pending %d exceeds pool %d", i, l.PendingUndistributedRewards, l.RewardPoolBalance)
		}
		f.assertConservation()
	}

	last := identity("last")
	f.stake(last, 1_000_000)
	distributed, err := f.engine.DistributePendingRewards(f.ctx, f.admin, BpsDenominator)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if distributed != 100_000 {
		t.Fatalf("distributed = %d", distributed)
	}
	f.assertConservation()
	for _, s := range cyclers {
		paid, err := f.engine.ClaimRewards(f.ctx, s)
		if err != nil {
			t.Fatalf("claim %s: %v", s, err)
		}
		if paid != 50_000 {
			t.Fatalf("claim %s paid %d", s, paid)
		}
	}
	paid, err := f.engine.ClaimRewards(f.ctx, last)
	if err != nil {
		t.Fatalf("claim last: %v", err)
	}
	if paid != 100_000 {
		t.Fatalf("last staker paid %d", paid)
	}
	l := f.ledger()
	if l.RewardPoolBalance != 0 || l.PendingUndistributedRewards != 0 {
		t.Fatalf("pool=%d pending=%d", l.RewardPoolBalance, l.PendingUndistributedRewards)
	}
	f.assertConservation()
}

func TestUnstake(t *testing.T) {
	f := newFixture(t)
	staker := identity("s1")
	f.stake(staker, 4_000_000)
	before := f.balance(staker)

	if err := f.engine.Unstake(f.ctx, staker, 5_000_000); !errors.Is(err, ErrInsufficientStake) {
		t.Fatalf("over-unstake: %v", err)
	}
	if err := f.engine.Unstake(f.ctx, staker, 1_500_000); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	if got := f.balance(staker) - before; got != 1_500_000 {
		t.Fatalf("received %d", got)
	}
	if err := f.engine.Unstake(f.ctx, staker, 2_500_000); err != nil {
		t.Fatalf("unstake rest: %v", err)
	}
	p := f.position(staker)
	if p.DepositedAmount != 0 || p.IsActive {
		t.Fatalf("position should be closed: %+v", p)
	}
	l := f.ledger()
	if l.TotalDeposited != 0 || l.LiquidBalance != 0 {
		t.Fatalf("deposited=%d liquid=%d", l.TotalDeposited, l.LiquidBalance)
	}
	if got := f.balance(VaultIdentity); got != DefaultVaultRent {
		t.Fatalf("vault = %d", got)
	}
}

func TestUnstakeRespectsLiquidity(t *testing.T) {
	f := newFixture(t)
	staker := identity("s1")
	f.stake(staker, 10_000_000)
	dev := identity("dev")
	req := f.requestDeployment(dev, 7_000_000, 1)
	ephemeral := identity("eph")
	if err := f.engine.FundTemporaryWallet(f.ctx, f.admin, req.RequestID, ephemeral, 7_000_000, false); err != nil {
		t.Fatalf("fund wallet: %v", err)
	}
	if err := f.engine.Unstake(f.ctx, staker, 4_000_000); !errors.Is(err, ErrInsufficientLiquidBalance) {
		t.Fatalf("expected liquidity shortfall, got %v", err)
	}
	if err := f.engine.Unstake(f.ctx, staker, 3_000_000); err != nil {
		t.Fatalf("unstake within liquidity: %v", err)
	}
}

func TestWithdrawalQueuePartialThenComplete(t *testing.T) {
	f := newFixture(t)
	staker := identity("s1")
	f.stake(staker, 10_000_000)
	before := f.balance(staker)

	dev := identity("dev")
	req := f.requestDeployment(dev, 7_000_000, 1)
	ephemeral := identity("eph")
	if err := f.engine.FundTemporaryWallet(f.ctx, f.admin, req.RequestID, ephemeral, 7_000_000, false); err != nil {
		t.Fatalf("fund wallet: %v", err)
	}

	position, err := f.engine.QueueWithdrawal(f.ctx, staker, 5_000_000)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if position != 0 {
		t.Fatalf("position = %d", position)
	}
	if _, err := f.engine.QueueWithdrawal(f.ctx, staker, 1); !errors.Is(err, ErrWithdrawalAlreadyQueued) {
		t.Fatalf("second queue: %v", err)
	}
	if err := f.engine.Unstake(f.ctx, staker, 1); !errors.Is(err, ErrWithdrawalAlreadyQueued) {
		t.Fatalf("unstake while queued: %v", err)
	}
	if _, err := f.engine.ProcessWithdrawalQueue(f.ctx, staker, position); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("staker processing: %v", err)
	}

	paid, err := f.engine.ProcessWithdrawalQueue(f.ctx, f.admin, position)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if paid != 3_000_000 {
		t.Fatalf("first payout = %d", paid)
	}
	entry, err := f.engine.QueueEntry(f.ctx, position)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry.Processed || entry.AmountWithdrawn != 3_000_000 || entry.CompletionPercentage() != 60 {
		t.Fatalf("entry after partial: %+v", entry)
	}
	p := f.position(staker)
	if p.DepositedAmount != 7_000_000 || p.QueuedWithdrawal != 2_000_000 {
		t.Fatalf("position after partial: deposited=%d queued=%d", p.DepositedAmount, p.QueuedWithdrawal)
	}
	if _, err := f.engine.ProcessWithdrawalQueue(f.ctx, f.admin, position); !errors.Is(err, ErrInsufficientLiquidBalance) {
		t.Fatalf("process with empty vault: %v", err)
	}

	if err := f.engine.ConfirmDeploymentSuccess(f.ctx, f.admin, req.RequestID, ephemeral, identity("program"), 2_000_000); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	paid, err = f.engine.ProcessWithdrawalQueue(f.ctx, f.admin, position)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if paid != 2_000_000 {
		t.Fatalf("second payout = %d", paid)
	}
	entry, _ = f.engine.QueueEntry(f.ctx, position)
	if !entry.Processed {
		t.Fatalf("entry should be processed")
	}
	l := f.ledger()
	if l.QueuedWithdrawalAmount != 0 || l.WithdrawalQueueHead != 1 || l.TotalDeposited != 5_000_000 {
		t.Fatalf("ledger after queue: queued=%d head=%d deposited=%d", l.QueuedWithdrawalAmount, l.WithdrawalQueueHead, l.TotalDeposited)
	}
	if got := f.balance(staker) - before; got != 5_000_000 {
		t.Fatalf("staker received %d", got)
	}
	if _, err := f.engine.ProcessWithdrawalQueue(f.ctx, f.admin, position); !errors.Is(err, ErrWithdrawalAlreadyProcessed) {
		t.Fatalf("reprocess: %v", err)
	}
	f.assertConservation()
}

func TestCancelQueuedWithdrawalAdvancesHead(t *testing.T) {
	f := newFixture(t)
	a, b := identity("a"), identity("b")
	f.stake(a, 1_000_000)
	f.stake(b, 1_000_000)
	if _, err := f.engine.QueueWithdrawal(f.ctx, a, 500_000); err != nil {
		t.Fatalf("queue a: %v", err)
	}
	if _, err := f.engine.QueueWithdrawal(f.ctx, b, 400_000); err != nil {
		t.Fatalf("queue b: %v", err)
	}
	if err := f.engine.CancelQueuedWithdrawal(f.ctx, a); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	l := f.ledger()
	if l.WithdrawalQueueHead != 1 || l.QueuedWithdrawalAmount != 400_000 {
		t.Fatalf("head=%d queued=%d", l.WithdrawalQueueHead, l.QueuedWithdrawalAmount)
	}
	head, ok, err := f.engine.QueueHead(f.ctx)
	if err != nil || !ok {
		t.Fatalf("queue head: ok=%v err=%v", ok, err)
	}
	if head.Staker != b {
		t.Fatalf("head staker = %s", head.Staker)
	}
	if err := f.engine.CancelQueuedWithdrawal(f.ctx, a); !errors.Is(err, ErrNoQueuedWithdrawal) {
		t.Fatalf("double cancel: %v", err)
	}
}

func TestUtilizationCap(t *testing.T) {
	f := newFixture(t)
	f.stake(identity("s1"), 10_000_000)
	dev := identity("dev")
	f.fund(dev, 10_000_000)

	_, err := f.engine.RequestDeploymentFunds(f.ctx, dev, DeployRequestParams{
		ProgramHash:    [32]byte{1},
		ServiceFee:     100_000,
		MonthlyFee:     50_000,
		InitialMonths:  1,
		DeploymentCost: 8_000_001,
	})
	if !errors.Is(err, ErrUtilizationTooHigh) {
		t.Fatalf("expected ErrUtilizationTooHigh, got %v", err)
	}
	if l := f.ledger(); l.TotalBorrowed != 0 || l.ActiveDeploymentCount != 0 {
		t.Fatalf("rejected request changed ledger: %+v", l)
	}

	devBefore := f.balance(dev)
	req, err := f.engine.RequestDeploymentFunds(f.ctx, dev, DeployRequestParams{
		ProgramHash:    [32]byte{2},
		ServiceFee:     100_000,
		MonthlyFee:     50_000,
		InitialMonths:  1,
		DeploymentCost: 8_000_000,
	})
	if err != nil {
		t.Fatalf("request at the cap: %v", err)
	}
	// service 100k + one month 50k + 1% reward fee 80k, plus 0.1% platform fee 8k.
	if got := devBefore - f.balance(dev); got != 238_000 {
		t.Fatalf("developer charged %d", got)
	}
	l := f.ledger()
	if l.TotalBorrowed != 8_000_000 || l.UtilizationBps() != 8_000 {
		t.Fatalf("borrowed=%d util=%d", l.TotalBorrowed, l.UtilizationBps())
	}
	if l.PlatformPoolBalance != 8_000 || l.RewardPoolBalance != 230_000 {
		t.Fatalf("platform=%d reward=%d", l.PlatformPoolBalance, l.RewardPoolBalance)
	}
	if req.Status != DeployStatusPendingDeployment || !req.AutoRenewalEnabled {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.SubscriptionPaidUntil != f.now+SecondsPerMonth {
		t.Fatalf("paid until = %d", req.SubscriptionPaidUntil)
	}

	_, err = f.engine.RequestDeploymentFunds(f.ctx, dev, DeployRequestParams{
		ProgramHash:    [32]byte{3},
		MonthlyFee:     1,
		InitialMonths:  1,
		DeploymentCost: 1,
	})
	if !errors.Is(err, ErrUtilizationTooHigh) {
		t.Fatalf("request beyond the cap: %v", err)
	}
	_, err = f.engine.RequestDeploymentFunds(f.ctx, dev, DeployRequestParams{
		ProgramHash:    [32]byte{2},
		InitialMonths:  1,
		DeploymentCost: 1,
	})
	if !errors.Is(err, ErrDeployRequestExists) {
		t.Fatalf("duplicate request: %v", err)
	}
}

func TestConfirmDeploymentFailureRefunds(t *testing.T) {
	f := newFixture(t)
	f.stake(identity("s1"), 10_000_000)
	dev := identity("dev")
	req := f.requestDeployment(dev, 1_000_000, 2)
	ephemeral := identity("eph")

	if err := f.engine.ConfirmDeploymentFailure(f.ctx, f.admin, req.RequestID, ephemeral, "boom"); !errors.Is(err, ErrEphemeralKeyNotSet) {
		t.Fatalf("confirm before funding: %v", err)
	}
	if err := f.engine.FundTemporaryWallet(f.ctx, f.admin, req.RequestID, ephemeral, 1_000_000, false); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := f.engine.FundTemporaryWallet(f.ctx, f.admin, req.RequestID, ephemeral, 1, false); !errors.Is(err, ErrEphemeralKeyAlreadySet) {
		t.Fatalf("refund wallet: %v", err)
	}
	if err := f.engine.ConfirmDeploymentFailure(f.ctx, f.admin, req.RequestID, identity("other"), "boom"); !errors.Is(err, ErrInvalidEphemeralKey) {
		t.Fatalf("wrong key: %v", err)
	}

	devBefore := f.balance(dev)
	poolBefore := f.ledger().RewardPoolBalance
	if err := f.engine.ConfirmDeploymentFailure(f.ctx, f.admin, req.RequestID, ephemeral, "boom"); err != nil {
		t.Fatalf("confirm failure: %v", err)
	}
	if got := f.balance(dev) - devBefore; got != 200_000 {
		t.Fatalf("refund = %d, want service fee plus two months", got)
	}
	l := f.ledger()
	if poolBefore-l.RewardPoolBalance != 200_000 {
		t.Fatalf("reward pool debited %d", poolBefore-l.RewardPoolBalance)
	}
	if l.LiquidBalance != 10_000_000 || l.TotalBorrowed != 0 || l.ActiveDeploymentCount != 0 {
		t.Fatalf("liquid=%d borrowed=%d active=%d", l.LiquidBalance, l.TotalBorrowed, l.ActiveDeploymentCount)
	}
	if got := f.balance(ephemeral); got != 0 {
		t.Fatalf("ephemeral still holds %d", got)
	}
	if f.request(req.RequestID).Status != DeployStatusFailed {
		t.Fatalf("status not failed")
	}
	if err := f.engine.ConfirmDeploymentSuccess(f.ctx, f.admin, req.RequestID, ephemeral, identity("p"), 0); !errors.Is(err, ErrInvalidRequestStatus) {
		t.Fatalf("confirm after failure: %v", err)
	}
}

func TestConfirmDeploymentFailureReturnsWholeRemainder(t *testing.T) {
	f := newFixture(t)
	f.stake(identity("s1"), 10_000_000)
	req := f.requestDeployment(identity("dev"), 1_000_000, 1)
	ephemeral := identity("eph")
	if err := f.engine.FundTemporaryWallet(f.ctx, f.admin, req.RequestID, ephemeral, 1_000_000, false); err != nil {
		t.Fatalf("fund: %v", err)
	}
	f.fund(ephemeral, 300_000)
	if l := f.ledger(); l.ActiveDeploymentCount != 1 || l.LiquidBalance != 9_000_000 {
		t.Fatalf("before failure: active=%d liquid=%d", l.ActiveDeploymentCount, l.LiquidBalance)
	}

	if err := f.engine.ConfirmDeploymentFailure(f.ctx, f.admin, req.RequestID, ephemeral, "boom"); err != nil {
		t.Fatalf("confirm failure: %v", err)
	}
	l := f.ledger()
	if l.LiquidBalance != 10_300_000 {
		t.Fatalf("liquid = %d, want the whole remainder returned", l.LiquidBalance)
	}
	if vault := f.balance(VaultIdentity); vault != l.LiquidBalance+DefaultVaultRent {
		t.Fatalf("vault %d != liquid %d + rent", vault, l.LiquidBalance)
	}
	if l.ActiveDeploymentCount != 0 || l.TotalBorrowed != 0 {
		t.Fatalf("active=%d borrowed=%d", l.ActiveDeploymentCount, l.TotalBorrowed)
	}
	if l.TotalDebtRepaid != 1_000_000 || l.TotalRecovered != 1_300_000 {
		t.Fatalf("repaid=%d recovered=%d", l.TotalDebtRepaid, l.TotalRecovered)
	}
}

func TestFundTemporaryWalletFromPlatformPool(t *testing.T) {
	f := newFixture(t)
	dev := identity("dev")
	req, err := f.engine.CreateDeployRequest(f.ctx, f.admin, dev, DeployRequestParams{
		ProgramHash:    [32]byte{9},
		ServiceFee:     0,
		MonthlyFee:     10_000,
		InitialMonths:  1,
		DeploymentCost: 1_000_000,
	})
	if err != nil {
		t.Fatalf("admin request: %v", err)
	}
	if err := f.engine.CreditFeeToPool(f.ctx, f.admin, 0, 2_000_000); err != nil {
		t.Fatalf("credit platform: %v", err)
	}
	ephemeral := identity("eph")
	if err := f.engine.FundTemporaryWallet(f.ctx, f.admin, req.RequestID, ephemeral, 1_000_001, true); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("over-fund: %v", err)
	}
	if err := f.engine.FundTemporaryWallet(f.ctx, f.admin, req.RequestID, ephemeral, 1_000_000, true); err != nil {
		t.Fatalf("fund from platform pool: %v", err)
	}
	if got := f.balance(ephemeral); got != 1_000_000 {
		t.Fatalf("ephemeral = %d", got)
	}
	// 0.1% of the cost came in as the platform fee on top of the direct credit.
	if got := f.ledger().PlatformPoolBalance; got != 1_001_000 {
		t.Fatalf("platform pool = %d", got)
	}
}

func TestReclaimRentRepaysDebtAndRewardsExcess(t *testing.T) {
	f := newFixture(t)
	f.stake(identity("s1"), 10_000_000)
	dev := identity("dev")
	req, programID := f.activeDeployment(dev, 5_000_000)
	poolBefore := f.ledger().RewardPoolBalance

	if err := f.engine.TransferAuthority(f.ctx, dev, req.RequestID); err != nil {
		t.Fatalf("transfer authority: %v", err)
	}
	if got := f.lifecycle.authorities[programID]; got != ProgramAuthorityIdentity(programID) {
		t.Fatalf("authority = %s", got)
	}
	if err := f.engine.TransferAuthority(f.ctx, dev, req.RequestID); !errors.Is(err, ErrProgramAlreadyManaged) {
		t.Fatalf("second transfer: %v", err)
	}
	if _, err := f.engine.ReclaimProgramRent(f.ctx, f.admin, req.RequestID); !errors.Is(err, ErrSubscriptionStillActive) {
		t.Fatalf("reclaim while paid: %v", err)
	}

	f.advance(SecondsPerMonth + 1)
	f.lifecycle.recoverable[programID] = 6_000_000
	recovered, err := f.engine.ReclaimProgramRent(f.ctx, f.admin, req.RequestID)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if recovered != 6_000_000 {
		t.Fatalf("recovered = %d", recovered)
	}

	got := f.request(req.RequestID)
	if got.RepaidAmount != 5_000_000 || got.ActualRentRecovered != 6_000_000 {
		t.Fatalf("repaid=%d recovered=%d", got.RepaidAmount, got.ActualRentRecovered)
	}
	if got.RecoveryRatioBps != 12_000 || got.DebtRepaidAt != f.now {
		t.Fatalf("ratio=%d repaidAt=%d", got.RecoveryRatioBps, got.DebtRepaidAt)
	}
	if got.Status != DeployStatusClosed || got.RepaymentPercentage() != 100 {
		t.Fatalf("status=%s repayment=%d", got.Status, got.RepaymentPercentage())
	}

	l := f.ledger()
	if l.TotalBorrowed != 0 || l.TotalDebtRepaid != 5_000_000 || l.TotalRecovered != 6_000_000 {
		t.Fatalf("borrowed=%d repaid=%d recovered=%d", l.TotalBorrowed, l.TotalDebtRepaid, l.TotalRecovered)
	}
	if l.LiquidBalance != 10_000_000 || l.ActiveDeploymentCount != 0 {
		t.Fatalf("liquid=%d active=%d", l.LiquidBalance, l.ActiveDeploymentCount)
	}
	if l.RewardPoolBalance-poolBefore != 1_000_000 {
		t.Fatalf("excess to rewards = %d", l.RewardPoolBalance-poolBefore)
	}
	managed, ok, err := f.engine.ManagedProgram(f.ctx, programID)
	if err != nil || !ok || managed.IsActive {
		t.Fatalf("managed program: %+v ok=%v err=%v", managed, ok, err)
	}
	f.assertConservation()
}

func TestProxyUpgradeRequiresManagedProgram(t *testing.T) {
	f := newFixture(t)
	f.stake(identity("s1"), 10_000_000)
	dev := identity("dev")
	req, programID := f.activeDeployment(dev, 1_000_000)

	if err := f.engine.ProxyUpgradeProgram(f.ctx, dev, req.RequestID, []byte("elf")); !errors.Is(err, ErrProgramNotManaged) {
		t.Fatalf("upgrade before transfer: %v", err)
	}
	if err := f.engine.TransferAuthority(f.ctx, dev, req.RequestID); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := f.engine.ProxyUpgradeProgram(f.ctx, identity("stranger"), req.RequestID, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger upgrade: %v", err)
	}
	if err := f.engine.ProxyUpgradeProgram(f.ctx, dev, req.RequestID, []byte("elf")); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	managed, _, _ := f.engine.ManagedProgram(f.ctx, programID)
	if managed.UpgradeCount != 1 || f.lifecycle.upgrades != 1 {
		t.Fatalf("upgrade count = %d calls = %d", managed.UpgradeCount, f.lifecycle.upgrades)
	}
	f.advance(SecondsPerMonth + 1)
	if err := f.engine.ProxyUpgradeProgram(f.ctx, dev, req.RequestID, nil); !errors.Is(err, ErrSubscriptionExpired) {
		t.Fatalf("upgrade after lapse: %v", err)
	}
}

func TestGracePeriodFlow(t *testing.T) {
	f := newFixture(t)
	f.stake(identity("s1"), 10_000_000)
	dev := identity("dev")
	req, _ := f.activeDeployment(dev, 1_000_000)

	if err := f.engine.ExpireSubscription(f.ctx, f.admin, req.RequestID); !errors.Is(err, ErrSubscriptionStillActive) {
		t.Fatalf("expire while paid: %v", err)
	}
	f.advance(SecondsPerMonth + 1)
	if err := f.engine.StartGracePeriod(f.ctx, f.admin, req.RequestID); !errors.Is(err, ErrInvalidRequestStatus) {
		t.Fatalf("grace before expiry: %v", err)
	}
	if err := f.engine.ExpireSubscription(f.ctx, identity("stranger"), req.RequestID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger expiry: %v", err)
	}
	if err := f.engine.ExpireSubscription(f.ctx, f.admin, req.RequestID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if err := f.engine.StartGracePeriod(f.ctx, f.admin, req.RequestID); err != nil {
		t.Fatalf("start grace: %v", err)
	}
	got := f.request(req.RequestID)
	if got.Status != DeployStatusInGracePeriod || got.GracePeriodDays != 3 || got.GracePeriodEnd != f.now+3*SecondsPerDay {
		t.Fatalf("grace state: status=%s days=%d end=%d", got.Status, got.GracePeriodDays, got.GracePeriodEnd)
	}
	if err := f.engine.CloseExpiredProgram(f.ctx, f.admin, req.RequestID); !errors.Is(err, ErrGracePeriodNotExpired) {
		t.Fatalf("close during grace: %v", err)
	}
	f.advance(3*SecondsPerDay + 1)
	if err := f.engine.CloseExpiredProgram(f.ctx, f.admin, req.RequestID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if f.request(req.RequestID).Status != DeployStatusClosed {
		t.Fatalf("request not closed")
	}
	if err := f.engine.CloseExpiredProgram(f.ctx, f.admin, req.RequestID); !errors.Is(err, ErrNotInGracePeriod) {
		t.Fatalf("double close: %v", err)
	}
}

func TestPaySubscriptionReactivatesExpired(t *testing.T) {
	f := newFixture(t)
	f.stake(identity("s1"), 10_000_000)
	dev := identity("dev")
	req, _ := f.activeDeployment(dev, 1_000_000)
	f.advance(SecondsPerMonth + 1)
	if err := f.engine.ExpireSubscription(f.ctx, f.admin, req.RequestID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if err := f.engine.PaySubscription(f.ctx, dev, req.RequestID, MaxExtensionMonths+1); !errors.Is(err, ErrSubscriptionExtensionTooBig) {
		t.Fatalf("oversized extension: %v", err)
	}
	if err := f.engine.PaySubscription(f.ctx, dev, req.RequestID, 2); err != nil {
		t.Fatalf("pay: %v", err)
	}
	got := f.request(req.RequestID)
	if got.Status != DeployStatusActive || got.TotalSubscribedMonths != 3 {
		t.Fatalf("status=%s months=%d", got.Status, got.TotalSubscribedMonths)
	}
	if got.SubscriptionPaidUntil != req.SubscriptionPaidUntil+2*SecondsPerMonth {
		t.Fatalf("paid until = %d", got.SubscriptionPaidUntil)
	}
}

func TestAutoRenewFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.stake(identity("s1"), 10_000_000)
	dev := identity("dev")
	req, _ := f.activeDeployment(dev, 1_000_000)

	if err := f.engine.AutoRenewSubscription(f.ctx, f.admin, req.RequestID, 1); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("renew without escrow: %v", err)
	}
	if err := f.engine.InitializeEscrow(f.ctx, dev); err != nil {
		t.Fatalf("init escrow: %v", err)
	}
	if err := f.engine.DepositEscrow(f.ctx, dev, bank.AssetSOL, 10_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.recorder.Reset()
	if err := f.engine.AutoRenewSubscription(f.ctx, f.admin, req.RequestID, 1); !errors.Is(err, ErrInsufficientEscrowBalance) {
		t.Fatalf("renew with short escrow: %v", err)
	}
	if got := f.request(req.RequestID).AutoRenewalFailedCount; got != 1 {
		t.Fatalf("failed count = %d", got)
	}
	if types := f.recorder.Types(); len(types) != 1 || types[0] != EventTypeAutoRenewalFailed {
		t.Fatalf("events = %v", types)
	}

	if err := f.engine.DepositEscrow(f.ctx, dev, bank.AssetSOL, 100_000); err != nil {
		t.Fatalf("top up: %v", err)
	}
	poolBefore := f.ledger().RewardPoolBalance
	if err := f.engine.AutoRenewSubscription(f.ctx, f.admin, req.RequestID, 1); err != nil {
		t.Fatalf("renew: %v", err)
	}
	got := f.request(req.RequestID)
	if got.AutoRenewalFailedCount != 0 || got.SubscriptionPaidUntil != req.SubscriptionPaidUntil+SecondsPerMonth {
		t.Fatalf("after renewal: failed=%d paidUntil=%d", got.AutoRenewalFailedCount, got.SubscriptionPaidUntil)
	}
	esc, err := f.engine.Escrow(f.ctx, dev)
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if esc.SolBalance != 60_000 || esc.TotalAutoDeducted != 50_000 {
		t.Fatalf("escrow = %+v", esc)
	}
	if f.ledger().RewardPoolBalance-poolBefore != 50_000 {
		t.Fatalf("renewal did not reach reward pool")
	}
	if got := f.balance(EscrowVaultIdentity(dev)); got != 60_000 {
		t.Fatalf("escrow custody = %d", got)
	}

	if err := f.engine.SetRequestAutoRenewal(f.ctx, dev, req.RequestID, false); err != nil {
		t.Fatalf("disable renewal: %v", err)
	}
	if err := f.engine.AutoRenewSubscription(f.ctx, f.admin, req.RequestID, 1); !errors.Is(err, ErrAutoRenewalDisabled) {
		t.Fatalf("renew disabled: %v", err)
	}
}

func TestEscrowDepositWithdraw(t *testing.T) {
	f := newFixture(t)
	dev := identity("dev")
	f.fund(dev, 1_000_000)
	if err := bank.Credit(f.store.state, dev, bank.AssetUSDC, 500); err != nil {
		t.Fatalf("fund usdc: %v", err)
	}
	if err := f.engine.DepositEscrow(f.ctx, dev, bank.AssetSOL, 1); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("deposit without escrow: %v", err)
	}
	if err := f.engine.InitializeEscrow(f.ctx, dev); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := f.engine.InitializeEscrow(f.ctx, dev); !errors.Is(err, ErrEscrowExists) {
		t.Fatalf("double init: %v", err)
	}
	if err := f.engine.DepositEscrow(f.ctx, dev, bank.AssetUSDC, 400); err != nil {
		t.Fatalf("deposit usdc: %v", err)
	}
	if err := f.engine.WithdrawEscrow(f.ctx, dev, bank.AssetUSDC, 401); !errors.Is(err, ErrInsufficientEscrowBalance) {
		t.Fatalf("over-withdraw: %v", err)
	}
	if err := f.engine.WithdrawEscrow(f.ctx, dev, bank.AssetUSDC, 150); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	usdc, _ := f.store.state.Balance(dev, bank.AssetUSDC)
	if usdc != 250 {
		t.Fatalf("developer usdc = %d", usdc)
	}
	esc, _ := f.engine.Escrow(f.ctx, dev)
	if esc.UsdcBalance != 250 || esc.TotalDepositedUsdc != 400 {
		t.Fatalf("escrow = %+v", esc)
	}
	if err := f.engine.SetPreferredToken(f.ctx, dev, 7); !errors.Is(err, ErrInvalidTokenType) {
		t.Fatalf("bad token: %v", err)
	}
	if err := f.engine.SetPreferredToken(f.ctx, dev, uint8(bank.AssetUSDC)); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if err := f.engine.ToggleAutoRenew(f.ctx, dev, false); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	esc, _ = f.engine.Escrow(f.ctx, dev)
	if esc.AutoRenew || esc.PreferredToken != bank.AssetUSDC {
		t.Fatalf("settings not applied: %+v", esc)
	}
}

func TestTimelockedWithdrawalLifecycle(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.CreditFeeToPool(f.ctx, f.admin, 0, 1_000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := f.engine.SetGuardian(f.ctx, f.admin, f.guardian); err != nil {
		t.Fatalf("set guardian: %v", err)
	}
	dest := identity("dest")

	if _, err := f.engine.InitiateWithdrawal(f.ctx, f.admin, WithdrawalPlatformPool, 1_001, dest, ""); !errors.Is(err, ErrInsufficientTreasuryFunds) {
		t.Fatalf("over-initiate: %v", err)
	}
	w, err := f.engine.InitiateWithdrawal(f.ctx, f.admin, WithdrawalPlatformPool, 500, dest, "ops")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if w.ExecuteAfter != f.now+DefaultTimelockDuration || w.ExpiresAt != w.ExecuteAfter+WithdrawalValidityPeriod {
		t.Fatalf("window: %+v", w)
	}
	if _, err := f.engine.InitiateWithdrawal(f.ctx, f.admin, WithdrawalPlatformPool, 1, dest, ""); !errors.Is(err, ErrPendingWithdrawalExists) {
		t.Fatalf("second initiate: %v", err)
	}
	if err := f.engine.ExecuteWithdrawal(f.ctx, f.admin); !errors.Is(err, ErrTimelockNotExpired) {
		t.Fatalf("early execute: %v", err)
	}
	if err := f.engine.VetoWithdrawal(f.ctx, f.admin); !errors.Is(err, ErrOnlyGuardian) {
		t.Fatalf("admin veto: %v", err)
	}
	if err := f.engine.VetoWithdrawal(f.ctx, f.guardian); err != nil {
		t.Fatalf("veto: %v", err)
	}
	if l := f.ledger(); l.PendingWithdrawalCount != 0 {
		t.Fatalf("pending count = %d", l.PendingWithdrawalCount)
	}
	if err := f.engine.ExecuteWithdrawal(f.ctx, f.admin); !errors.Is(err, ErrNoPendingWithdrawal) {
		t.Fatalf("execute vetoed: %v", err)
	}

	if _, err := f.engine.InitiateWithdrawal(f.ctx, f.admin, WithdrawalPlatformPool, 500, dest, ""); err != nil {
		t.Fatalf("re-initiate: %v", err)
	}
	f.advance(DefaultTimelockDuration)
	if err := f.engine.VetoWithdrawal(f.ctx, f.guardian); !errors.Is(err, ErrVetoWindowClosed) {
		t.Fatalf("late veto: %v", err)
	}
	if err := f.engine.ExecuteWithdrawal(f.ctx, f.admin); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := f.balance(dest); got != 500 {
		t.Fatalf("destination = %d", got)
	}
	if l := f.ledger(); l.PlatformPoolBalance != 500 || l.PendingWithdrawalCount != 0 {
		t.Fatalf("platform=%d pending=%d", l.PlatformPoolBalance, l.PendingWithdrawalCount)
	}
}

func TestTimelockedWithdrawalExpires(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.CreditFeeToPool(f.ctx, f.admin, 0, 1_000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := f.engine.InitiateWithdrawal(f.ctx, f.admin, WithdrawalPlatformPool, 500, identity("dest"), ""); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	f.advance(DefaultTimelockDuration + WithdrawalValidityPeriod + 1)
	if err := f.engine.ExecuteWithdrawal(f.ctx, f.admin); !errors.Is(err, ErrPendingWithdrawalExpired) {
		t.Fatalf("expired execute: %v", err)
	}
	if err := f.engine.CancelWithdrawal(f.ctx, f.admin); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok, _ := f.engine.PendingWithdrawal(f.ctx); ok {
		t.Fatalf("pending withdrawal not cleared")
	}
}

func TestRewardPoolWithdrawalCannotTouchProtected(t *testing.T) {
	f := newFixture(t)
	f.stake(identity("s1"), 1_000_000)
	if err := f.engine.CreditFeeToPool(f.ctx, f.admin, 1_000, 0); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if excess := f.ledger().ExcessRewards(); excess != 0 {
		t.Fatalf("excess = %d", excess)
	}
	if _, err := f.engine.InitiateWithdrawal(f.ctx, f.admin, WithdrawalRewardPool, 500, identity("dest"), ""); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	f.advance(DefaultTimelockDuration)
	if err := f.engine.ExecuteWithdrawal(f.ctx, f.admin); !errors.Is(err, ErrCannotWithdrawProtected) {
		t.Fatalf("expected protected rewards error, got %v", err)
	}
	if err := f.engine.AdminWithdrawRewardPool(f.ctx, f.admin, 1); !errors.Is(err, ErrCannotWithdrawProtected) {
		t.Fatalf("direct reward withdrawal: %v", err)
	}
}

func TestDailyWithdrawalLimit(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.CreditFeeToPool(f.ctx, f.admin, 0, 1_000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := f.engine.SetDailyLimit(f.ctx, f.admin, 300); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	dest := identity("dest")
	if _, err := f.engine.InitiateWithdrawal(f.ctx, f.admin, WithdrawalPlatformPool, 500, dest, ""); !errors.Is(err, ErrDailyWithdrawalLimitExceeded) {
		t.Fatalf("initiate over limit: %v", err)
	}
	if _, err := f.engine.InitiateWithdrawal(f.ctx, f.admin, WithdrawalPlatformPool, 200, dest, ""); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := f.engine.AdminWithdraw(f.ctx, f.admin, 150, "ops"); err != nil {
		t.Fatalf("admin withdraw: %v", err)
	}
	if err := f.engine.AdminWithdraw(f.ctx, f.admin, 200, "ops"); !errors.Is(err, ErrDailyWithdrawalLimitExceeded) {
		t.Fatalf("second admin withdraw: %v", err)
	}
	if got := f.ledger().RemainingDailyAllowance(f.now); got != 150 {
		t.Fatalf("allowance = %d", got)
	}

	// The timelock carries execution into the next UTC day.
	f.advance(DefaultTimelockDuration)
	if err := f.engine.ExecuteWithdrawal(f.ctx, f.admin); err != nil {
		t.Fatalf("execute: %v", err)
	}
	l := f.ledger()
	if got := l.RemainingDailyAllowance(f.now); got != 100 {
		t.Fatalf("allowance after execution = %d", got)
	}
	if l.PlatformPoolBalance != 650 {
		t.Fatalf("platform pool = %d", l.PlatformPoolBalance)
	}
}

func TestEmergencyPause(t *testing.T) {
	f := newFixture(t)
	staker := identity("s1")
	f.stake(staker, 2_000_000)
	f.fund(staker, 1_000_000)

	if err := f.engine.SetEmergencyPause(f.ctx, staker, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-admin pause: %v", err)
	}
	if err := f.engine.SetEmergencyPause(f.ctx, f.admin, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.engine.Stake(f.ctx, staker, 1); !errors.Is(err, ErrProgramPaused) {
		t.Fatalf("stake while paused: %v", err)
	}
	if err := f.engine.Unstake(f.ctx, staker, 1); !errors.Is(err, ErrProgramPaused) {
		t.Fatalf("unstake while paused: %v", err)
	}
	if err := f.engine.EmergencyUnstake(f.ctx, staker, 2_000_001); !errors.Is(err, ErrInsufficientStake) {
		t.Fatalf("emergency over-unstake: %v", err)
	}
	if err := f.engine.EmergencyUnstake(f.ctx, staker, 2_000_000); err != nil {
		t.Fatalf("emergency unstake: %v", err)
	}
	if l := f.ledger(); l.TotalDeposited != 0 {
		t.Fatalf("deposited = %d", l.TotalDeposited)
	}
	if err := f.engine.SetEmergencyPause(f.ctx, f.admin, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if err := f.engine.Stake(f.ctx, staker, 1_000); err != nil {
		t.Fatalf("stake after unpause: %v", err)
	}
}

func TestEmergencyUnstakeChecksTrackedLiquidity(t *testing.T) {
	f := newFixture(t)
	staker := identity("s1")
	f.stake(staker, 10_000_000)
	req := f.requestDeployment(identity("dev"), 7_000_000, 1)
	if err := f.engine.FundTemporaryWallet(f.ctx, f.admin, req.RequestID, identity("eph"), 7_000_000, false); err != nil {
		t.Fatalf("fund wallet: %v", err)
	}
	// Untracked lamports in the vault are not staker liquidity.
	f.fund(VaultIdentity, 5_000_000)
	if err := f.engine.SetEmergencyPause(f.ctx, f.admin, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	before := f.balance(staker)
	if err := f.engine.EmergencyUnstake(f.ctx, staker, 4_000_000); !errors.Is(err, ErrInsufficientLiquidBalance) {
		t.Fatalf("emergency unstake beyond liquidity: %v", err)
	}
	if got := f.balance(staker); got != before {
		t.Fatalf("failed unstake moved %d", got-before)
	}
	if err := f.engine.EmergencyUnstake(f.ctx, staker, 3_000_000); err != nil {
		t.Fatalf("emergency unstake within liquidity: %v", err)
	}
	l := f.ledger()
	if l.LiquidBalance != 0 || l.TotalDeposited != 7_000_000 {
		t.Fatalf("liquid=%d deposited=%d", l.LiquidBalance, l.TotalDeposited)
	}
}

func TestGuardianPause(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.GuardianPause(f.ctx, f.guardian); !errors.Is(err, ErrGuardianNotSet) {
		t.Fatalf("pause without guardian: %v", err)
	}
	if err := f.engine.SetGuardian(f.ctx, f.admin, f.admin); !errors.Is(err, ErrInvalidGuardianAddress) {
		t.Fatalf("admin as guardian: %v", err)
	}
	if err := f.engine.SetGuardian(f.ctx, f.admin, f.guardian); err != nil {
		t.Fatalf("set guardian: %v", err)
	}
	if err := f.engine.GuardianPause(f.ctx, identity("intruder")); !errors.Is(err, ErrOnlyGuardian) {
		t.Fatalf("intruder pause: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := f.engine.GuardianPause(f.ctx, f.guardian); err != nil {
			t.Fatalf("guardian pause %d: %v", i, err)
		}
	}
	if !f.ledger().EmergencyPause {
		t.Fatalf("treasury not paused")
	}
}

func TestOperatorPauseGuard(t *testing.T) {
	f := newFixture(t)
	pauses := common.NewPauses(map[string]bool{ModuleName: true})
	f.engine.SetPauses(pauses)
	staker := identity("s1")
	f.fund(staker, 10_000_000)
	if err := f.engine.Stake(f.ctx, staker, 1_000); !errors.Is(err, ErrProgramPaused) {
		t.Fatalf("stake under operator pause: %v", err)
	}
	pauses.Set(ModuleName, false)
	if err := f.engine.Stake(f.ctx, staker, 1_000); err != nil {
		t.Fatalf("stake after resume: %v", err)
	}
}

func TestAdminParameterValidation(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.SetTimelockDuration(f.ctx, f.admin, MinTimelockDuration-1); !errors.Is(err, ErrInvalidTimelockDuration) {
		t.Fatalf("short timelock: %v", err)
	}
	if err := f.engine.SetTimelockDuration(f.ctx, f.admin, MaxTimelockDuration); err != nil {
		t.Fatalf("max timelock: %v", err)
	}
	if err := f.engine.SetAPYParams(f.ctx, f.admin, 500, 5_000, 6_000); !errors.Is(err, ErrInvalidAPYParams) {
		t.Fatalf("multiplier below 1x: %v", err)
	}
	if err := f.engine.SetAPYParams(f.ctx, f.admin, 800, 20_000, 5_000); err != nil {
		t.Fatalf("apy params: %v", err)
	}
	info, err := f.engine.APY(f.ctx)
	if err != nil {
		t.Fatalf("apy: %v", err)
	}
	if info.BaseAPYBps != 800 || info.CurrentAPYBps != 800 {
		t.Fatalf("apy info = %+v", info)
	}
	newWallet := identity("wallet2")
	if err := f.engine.SetDevWallet(f.ctx, f.admin, newWallet); err != nil {
		t.Fatalf("dev wallet: %v", err)
	}
	if f.ledger().DevWallet != newWallet {
		t.Fatalf("dev wallet not updated")
	}
}

func TestAdminWithdrawPlatformPool(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.CreditFeeToPool(f.ctx, f.admin, 0, 10_000); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := f.engine.AdminWithdraw(f.ctx, f.admin, 10_001, "ops"); !errors.Is(err, ErrInsufficientTreasuryFunds) {
		t.Fatalf("over-withdraw: %v", err)
	}
	if err := f.engine.AdminWithdraw(f.ctx, f.admin, 4_000, "ops"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := f.balance(f.devWallet); got != 4_000 {
		t.Fatalf("dev wallet = %d", got)
	}
	if got := f.ledger().PlatformPoolBalance; got != 6_000 {
		t.Fatalf("platform pool = %d", got)
	}
}

func TestCloseTreasury(t *testing.T) {
	f := newFixture(t)
	staker := identity("s1")
	f.stake(staker, 1_000_000)
	if _, err := f.engine.CloseTreasury(f.ctx, f.admin); !errors.Is(err, ErrTreasuryNotEmpty) {
		t.Fatalf("close with deposits: %v", err)
	}
	if err := f.engine.Unstake(f.ctx, staker, 1_000_000); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	f.fund(VaultIdentity, 5_000)
	adminBefore := f.balance(f.admin)
	swept, err := f.engine.CloseTreasury(f.ctx, f.admin)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if swept != 5_000 || f.balance(f.admin)-adminBefore != 5_000 {
		t.Fatalf("swept = %d", swept)
	}
	if !f.ledger().EmergencyPause {
		t.Fatalf("closed treasury must be paused")
	}
}

func TestSyncLiquidBalance(t *testing.T) {
	f := newFixture(t)
	f.stake(identity("s1"), 1_000_000)
	f.fund(VaultIdentity, 5_000)
	synced, err := f.engine.SyncLiquidBalance(f.ctx, f.admin)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if synced != 1_005_000 || f.ledger().LiquidBalance != 1_005_000 {
		t.Fatalf("synced = %d", synced)
	}
}

func TestFailedOperationDiscardsWritesAndEvents(t *testing.T) {
	f := newFixture(t)
	f.recorder.Reset()
	staker := identity("s1")
	f.fund(staker, 100)
	if err := f.engine.Stake(f.ctx, staker, 1_000); err == nil {
		t.Fatalf("expected failure")
	}
	if len(f.recorder.Events()) != 0 {
		t.Fatalf("events leaked from failed operation")
	}
	if _, ok, _ := f.store.state.Position(staker); ok {
		t.Fatalf("position persisted by failed operation")
	}
}

type recordingObserver struct {
	ops  []string
	errs []error
}

func (r *recordingObserver) ObserveOperation(op string, err error, _ time.Duration) {
	r.ops = append(r.ops, op)
	r.errs = append(r.errs, err)
}

func TestObserverSeesEveryMutation(t *testing.T) {
	f := newFixture(t)
	obs := &recordingObserver{}
	f.engine.SetObserver(obs)
	_ = f.engine.Stake(f.ctx, identity("nobody"), 1)
	f.stake(identity("s1"), 1_000)
	if len(obs.ops) != 2 || obs.ops[0] != "stake" || obs.errs[0] == nil || obs.errs[1] != nil {
		t.Fatalf("observed ops=%v errs=%v", obs.ops, obs.errs)
	}
}

func TestRandomOperationsConserveBalances(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(42))
	stakers := []crypto.Identity{identity("a"), identity("b"), identity("c")}
	for _, s := range stakers {
		f.fund(s, 1_000_000_000)
	}
	for i := 0; i < 400; i++ {
		s := stakers[rng.Intn(len(stakers))]
		amount := uint64(rng.Intn(5_000_000) + 1)
		switch rng.Intn(6) {
		case 0, 1:
			_ = f.engine.Stake(f.ctx, s, amount)
		case 2:
			_ = f.engine.Unstake(f.ctx, s, amount)
		case 3:
			_, _ = f.engine.ClaimRewards(f.ctx, s)
		case 4:
			_ = f.engine.CreditFeeToPool(f.ctx, f.admin, amount/10, amount/100)
		case 5:
			if rng.Intn(2) == 0 {
				_, _ = f.engine.QueueWithdrawal(f.ctx, s, amount)
			} else {
				_ = f.engine.CancelQueuedWithdrawal(f.ctx, s)
			}
		}
		f.advance(int64(rng.Intn(3_600)))
		f.assertConservation()
		l := f.ledger()
		if got := f.balance(RewardPoolIdentity); got != l.RewardPoolBalance {
			t.Fatalf("step %d: reward custody %d != tracked %d", i, got, l.RewardPoolBalance)
		}
		if got := f.balance(PlatformPoolIdentity); got != l.PlatformPoolBalance {
			t.Fatalf("step %d: platform custody %d != tracked %d", i, got, l.PlatformPoolBalance)
		}
		if vault := f.balance(VaultIdentity); vault != l.LiquidBalance+DefaultVaultRent {
			t.Fatalf("step %d: vault %d != liquid %d + rent", i, vault, l.LiquidBalance)
		}
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	staker := identity("s1")
	f.stake(staker, 3_000_000)
	if err := f.engine.CreditFeeToPool(f.ctx, f.admin, 90_000, 0); err != nil {
		t.Fatalf("credit: %v", err)
	}
	p := f.position(staker)
	rps := f.ledger().RewardPerShare
	first, err := p.Settle(&rps)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	second, err := p.Settle(&rps)
	if err != nil {
		t.Fatalf("settle again: %v", err)
	}
	if first != 90_000 || second != 0 || p.PendingRewards != 90_000 {
		t.Fatalf("first=%d second=%d pending=%d", first, second, p.PendingRewards)
	}
}

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{ErrUnauthorized, KindAuthorization},
		{ErrProgramPaused, KindPrecondition},
		{ErrCalculationOverflow, KindArithmetic},
		{ErrInsufficientLiquidBalance, KindInsufficientFunds},
		{ErrTimelockNotExpired, KindTimelock},
		{ErrInvalidAccountData, KindData},
		{errors.New("other"), KindUnknown},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.kind {
			t.Fatalf("KindOf(%v) = %s, want %s", tc.err, got, tc.kind)
		}
	}
	wrapped := errors.Join(errors.New("context"), ErrOnlyGuardian)
	if KindOf(wrapped) != KindAuthorization {
		t.Fatalf("wrapped kind lost")
	}
}
