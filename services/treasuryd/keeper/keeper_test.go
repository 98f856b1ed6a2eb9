package keeper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"d2dtreasury/core/state"
	"d2dtreasury/crypto"
	"d2dtreasury/native/bank"
	"d2dtreasury/native/treasury"
	"d2dtreasury/storage"
)

type recordingMetrics struct {
	mu     sync.Mutex
	tasks  map[string]int
	failed map[string]int
	health treasury.ProtocolHealth
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{tasks: map[string]int{}, failed: map[string]int{}}
}

func (m *recordingMetrics) ObserveKeeperTask(task string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failed[task]++
		return
	}
	m.tasks[task]++
}

func (m *recordingMetrics) SetHealth(h treasury.ProtocolHealth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = h
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	store   *state.Store
	engine  *treasury.Engine
	admin   crypto.Identity
	now     int64
	metrics *recordingMetrics
	keeper  *Keeper
}

func id(name string) crypto.Identity {
	return crypto.DeriveIdentity([]byte("keeper-test/" + name))
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		store:   state.NewStore(storage.NewMemDB()),
		admin:   id("admin"),
		now:     1_700_000_000,
		metrics: newRecordingMetrics(),
	}
	h.engine = treasury.NewEngine(h.store, treasury.DefaultParams())
	h.engine.SetNowFunc(func() int64 { return h.now })
	h.fund(h.admin, 1_000_000_000)
	require.NoError(t, h.engine.Initialize(h.ctx, h.admin, id("dev-wallet")))

	opts = append([]Option{
		WithMetrics(h.metrics),
		WithClock(func() time.Time { return time.Unix(h.now, 0) }),
	}, opts...)
	h.keeper = New(h.engine, h.admin, opts...)
	return h
}

func (h *harness) fund(who crypto.Identity, amount uint64) {
	h.t.Helper()
	require.NoError(h.t, h.store.Update(h.ctx, func(st treasury.State) error {
		return bank.Credit(st, who, bank.AssetSOL, amount)
	}))
}

func (h *harness) spend(who crypto.Identity, amount uint64) {
	h.t.Helper()
	require.NoError(h.t, h.store.Update(h.ctx, func(st treasury.State) error {
		return bank.Debit(st, who, bank.AssetSOL, amount)
	}))
}

func (h *harness) stake(who crypto.Identity, amount uint64) {
	h.t.Helper()
	h.fund(who, amount+treasury.DefaultPositionRent+treasury.StakeFeeEstimate)
	require.NoError(h.t, h.engine.Stake(h.ctx, who, amount))
}

func (h *harness) activeDeployment(dev crypto.Identity, cost uint64) *treasury.DeployRequest {
	h.t.Helper()
	h.fund(dev, 10_000_000)
	req, err := h.engine.RequestDeploymentFunds(h.ctx, dev, treasury.DeployRequestParams{
		ProgramHash:    [32]byte{7},
		ServiceFee:     100_000,
		MonthlyFee:     50_000,
		InitialMonths:  1,
		DeploymentCost: cost,
	})
	require.NoError(h.t, err)
	ephemeral := id("ephemeral")
	require.NoError(h.t, h.engine.FundTemporaryWallet(h.ctx, h.admin, req.RequestID, ephemeral, cost, false))
	h.spend(ephemeral, cost)
	require.NoError(h.t, h.engine.ConfirmDeploymentSuccess(h.ctx, h.admin, req.RequestID, ephemeral, id("program"), 0))
	return req
}

func (h *harness) request(reqID [32]byte) *treasury.DeployRequest {
	h.t.Helper()
	req, err := h.engine.DeployRequest(h.ctx, reqID)
	require.NoError(h.t, err)
	return req
}

func TestKeeperWalksSubscriptionToClosure(t *testing.T) {
	h := newHarness(t)
	h.stake(id("staker"), 10_000_000)
	req := h.activeDeployment(id("dev"), 1_000_000)

	require.NoError(t, h.keeper.RunOnce(h.ctx))
	require.Equal(t, treasury.DeployStatusActive, h.request(req.RequestID).Status)

	h.now += treasury.SecondsPerMonth + 1
	require.NoError(t, h.keeper.RunOnce(h.ctx))
	got := h.request(req.RequestID)
	require.Equal(t, treasury.DeployStatusInGracePeriod, got.Status)
	require.NotZero(t, got.GracePeriodEnd)

	h.now = got.GracePeriodEnd + 1
	require.NoError(t, h.keeper.RunOnce(h.ctx))
	require.Equal(t, treasury.DeployStatusClosed, h.request(req.RequestID).Status)

	status := h.keeper.Status()
	require.EqualValues(t, 3, status.Runs)
	require.EqualValues(t, 1, status.Tasks[TaskExpireSubscription].Succeeded)
	require.EqualValues(t, 1, status.Tasks[TaskStartGrace].Succeeded)
	require.EqualValues(t, 1, status.Tasks[TaskCloseAfterGrace].Succeeded)
}

func TestKeeperAutoRenewsFromEscrow(t *testing.T) {
	h := newHarness(t, WithRenewalMonths(2))
	h.stake(id("staker"), 10_000_000)
	dev := id("dev")
	req := h.activeDeployment(dev, 1_000_000)
	require.NoError(t, h.engine.InitializeEscrow(h.ctx, dev))
	require.NoError(t, h.engine.DepositEscrow(h.ctx, dev, bank.AssetSOL, 500_000))

	h.now += treasury.SecondsPerMonth + 1
	require.NoError(t, h.keeper.RunOnce(h.ctx))

	got := h.request(req.RequestID)
	require.Equal(t, treasury.DeployStatusActive, got.Status)
	require.Equal(t, req.SubscriptionPaidUntil+2*treasury.SecondsPerMonth, got.SubscriptionPaidUntil)
	require.EqualValues(t, 1, h.keeper.Status().Tasks[TaskAutoRenew].Succeeded)
}

func TestKeeperRecordsRenewalShortfall(t *testing.T) {
	h := newHarness(t)
	h.stake(id("staker"), 10_000_000)
	dev := id("dev")
	req := h.activeDeployment(dev, 1_000_000)
	require.NoError(t, h.engine.InitializeEscrow(h.ctx, dev))

	h.now += treasury.SecondsPerMonth + 1
	require.NoError(t, h.keeper.RunOnce(h.ctx))

	got := h.request(req.RequestID)
	require.Equal(t, treasury.DeployStatusInGracePeriod, got.Status)
	require.EqualValues(t, 1, got.AutoRenewalFailedCount)
	require.EqualValues(t, 1, h.keeper.Status().Tasks[TaskAutoRenew].Failed)
	require.Contains(t, h.keeper.Status().Tasks[TaskAutoRenew].LastError, "insufficient escrow")
}

func TestKeeperDrainsQueueAsLiquidityReturns(t *testing.T) {
	h := newHarness(t)
	staker := id("staker")
	h.stake(staker, 10_000_000)

	dev := id("dev")
	h.fund(dev, 10_000_000)
	req, err := h.engine.RequestDeploymentFunds(h.ctx, dev, treasury.DeployRequestParams{
		ProgramHash:    [32]byte{9},
		ServiceFee:     100_000,
		MonthlyFee:     50_000,
		InitialMonths:  1,
		DeploymentCost: 7_000_000,
	})
	require.NoError(t, err)
	ephemeral := id("eph")
	require.NoError(t, h.engine.FundTemporaryWallet(h.ctx, h.admin, req.RequestID, ephemeral, 7_000_000, false))

	position, err := h.engine.QueueWithdrawal(h.ctx, staker, 5_000_000)
	require.NoError(t, err)

	require.NoError(t, h.keeper.RunOnce(h.ctx))
	entry, err := h.engine.QueueEntry(h.ctx, position)
	require.NoError(t, err)
	require.EqualValues(t, 3_000_000, entry.AmountWithdrawn)
	require.False(t, entry.Processed)

	require.NoError(t, h.engine.ConfirmDeploymentSuccess(h.ctx, h.admin, req.RequestID, ephemeral, id("program"), 2_000_000))
	require.NoError(t, h.keeper.RunOnce(h.ctx))
	entry, err = h.engine.QueueEntry(h.ctx, position)
	require.NoError(t, err)
	require.True(t, entry.Processed)

	_, pending, err := h.engine.QueueHead(h.ctx)
	require.NoError(t, err)
	require.False(t, pending)
	require.Zero(t, h.keeper.Status().Tasks[TaskProcessQueue].Failed)
}

func TestKeeperDistributesParkedRewards(t *testing.T) {
	h := newHarness(t, WithDistribution(5_000))
	payer := id("payer")
	h.fund(payer, 1_000_000)
	require.NoError(t, h.engine.CreditFeeToPool(h.ctx, payer, 400_000, 0))
	h.stake(id("staker"), 10_000_000)

	ledger, err := h.engine.Ledger(h.ctx)
	require.NoError(t, err)
	require.EqualValues(t, 400_000, ledger.PendingUndistributedRewards)

	require.NoError(t, h.keeper.RunOnce(h.ctx))
	ledger, err = h.engine.Ledger(h.ctx)
	require.NoError(t, err)
	require.EqualValues(t, 200_000, ledger.PendingUndistributedRewards)
	require.EqualValues(t, 1, h.metrics.tasks[TaskDistributeRewards])
}

func TestKeeperPublishesHealth(t *testing.T) {
	h := newHarness(t)
	h.stake(id("staker"), 2_000_000)

	require.NoError(t, h.keeper.RunOnce(h.ctx))
	require.EqualValues(t, 2_000_000, h.metrics.health.TotalDeposited)
	status := h.keeper.Status()
	require.NotNil(t, status.LastHealth)
	require.EqualValues(t, 2_000_000, status.LastHealth.TotalDeposited)
}

func TestKeeperSkipsMutationsDuringEmergencyPause(t *testing.T) {
	h := newHarness(t)
	h.stake(id("staker"), 10_000_000)
	req := h.activeDeployment(id("dev"), 1_000_000)
	require.NoError(t, h.engine.SetEmergencyPause(h.ctx, h.admin, true))

	h.now += treasury.SecondsPerMonth + 1
	require.NoError(t, h.keeper.RunOnce(h.ctx))
	require.Equal(t, treasury.DeployStatusActive, h.request(req.RequestID).Status)
	require.EqualValues(t, 1, h.metrics.tasks[TaskPublishHealth])
	require.True(t, h.metrics.health.EmergencyPause)
}

func TestKeeperPauseAndAdminRoutes(t *testing.T) {
	h := newHarness(t)
	server := httptest.NewServer(h.keeper.AdminRoutes())
	defer server.Close()

	resp, err := http.Post(server.URL+"/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.ErrorIs(t, h.keeper.RunOnce(h.ctx), ErrKeeperPaused)

	resp, err = http.Post(server.URL+"/run", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(server.URL+"/resume", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Post(server.URL+"/run", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.False(t, status.Paused)
	require.EqualValues(t, 1, status.Runs)
}

func TestKeeperRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, WithInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.keeper.Run(ctx) }()
	require.Eventually(t, func() bool { return h.keeper.Status().Runs >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}
}
