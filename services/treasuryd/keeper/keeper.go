package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"d2dtreasury/crypto"
	"d2dtreasury/native/treasury"
)

// Task names reported in metrics and status.
const (
	TaskProcessQueue       = "process_queue"
	TaskExpireSubscription = "expire_subscriptions"
	TaskAutoRenew          = "auto_renew"
	TaskStartGrace         = "start_grace"
	TaskCloseAfterGrace    = "close_after_grace"
	TaskDistributeRewards  = "distribute_rewards"
	TaskPublishHealth      = "publish_health"
)

// ErrKeeperPaused is returned by RunOnce while the keeper is paused.
var ErrKeeperPaused = errors.New("keeper: paused")

// Metrics receives task outcomes and the latest health snapshot.
type Metrics interface {
	ObserveKeeperTask(task string, err error)
	SetHealth(h treasury.ProtocolHealth)
}

type noopMetrics struct{}

func (noopMetrics) ObserveKeeperTask(string, error)   {}
func (noopMetrics) SetHealth(treasury.ProtocolHealth) {}

// TaskStatus accumulates the outcomes of one task.
type TaskStatus struct {
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	LastError string `json:"last_error,omitempty"`
}

// Status summarises keeper state for administrative endpoints.
type Status struct {
	Paused     bool                     `json:"paused"`
	Runs       uint64                   `json:"runs"`
	LastRunAt  time.Time                `json:"last_run_at,omitempty"`
	LastHealth *treasury.ProtocolHealth `json:"last_health,omitempty"`
	Tasks      map[string]TaskStatus    `json:"tasks"`
}

// Keeper drives the time-based transitions of the treasury: it drains the
// withdrawal queue, walks subscriptions through expiry, renewal and grace,
// distributes parked rewards and publishes health snapshots. It acts as the
// configured operator, which must be the treasury admin.
type Keeper struct {
	engine   *treasury.Engine
	operator crypto.Identity
	metrics  Metrics
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	distributePctBps uint64
	renewMonths      uint32
	maxQueueSteps    int

	mu         sync.Mutex
	paused     bool
	runs       uint64
	lastRunAt  time.Time
	lastHealth *treasury.ProtocolHealth
	tasks      map[string]TaskStatus
}

// Option customises the keeper instance.
type Option func(*Keeper)

func WithMetrics(m Metrics) Option {
	return func(k *Keeper) {
		if m != nil {
			k.metrics = m
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(k *Keeper) {
		if logger != nil {
			k.logger = logger
		}
	}
}

// WithInterval configures the polling cadence of Run.
func WithInterval(interval time.Duration) Option {
	return func(k *Keeper) { k.interval = interval }
}

// WithClock sets the function used to evaluate subscription deadlines. It
// should agree with the engine clock.
func WithClock(clock func() time.Time) Option {
	return func(k *Keeper) { k.now = clock }
}

// WithDistribution moves pctBps of the parked rewards into the accumulator on
// every run. Zero disables the task.
func WithDistribution(pctBps uint64) Option {
	return func(k *Keeper) { k.distributePctBps = pctBps }
}

// WithRenewalMonths sets how many months an auto-renewal pays for.
func WithRenewalMonths(months uint32) Option {
	return func(k *Keeper) {
		if months > 0 {
			k.renewMonths = months
		}
	}
}

// WithMaxQueueSteps bounds how many queue entries a single run settles.
func WithMaxQueueSteps(steps int) Option {
	return func(k *Keeper) {
		if steps > 0 {
			k.maxQueueSteps = steps
		}
	}
}

func New(engine *treasury.Engine, operator crypto.Identity, opts ...Option) *Keeper {
	k := &Keeper{
		engine:        engine,
		operator:      operator,
		metrics:       noopMetrics{},
		logger:        slog.Default(),
		interval:      30 * time.Second,
		now:           time.Now,
		renewMonths:   1,
		maxQueueSteps: 16,
		tasks:         make(map[string]TaskStatus),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Pause halts task execution until Resume is called.
func (k *Keeper) Pause() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.paused = true
}

func (k *Keeper) Resume() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.paused = false
}

func (k *Keeper) Paused() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.paused
}

// Status reports the current keeper snapshot.
func (k *Keeper) Status() Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	status := Status{
		Paused:    k.paused,
		Runs:      k.runs,
		LastRunAt: k.lastRunAt,
		Tasks:     make(map[string]TaskStatus, len(k.tasks)),
	}
	if k.lastHealth != nil {
		h := *k.lastHealth
		status.LastHealth = &h
	}
	for name, task := range k.tasks {
		status.Tasks[name] = task
	}
	return status
}

// Run executes RunOnce every interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		if err := k.RunOnce(ctx); err != nil && !errors.Is(err, ErrKeeperPaused) {
			k.logger.Warn("keeper run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass over every task. Task failures are recorded
// and do not stop later tasks; only a failure to read the ledger aborts the
// pass.
func (k *Keeper) RunOnce(ctx context.Context) error {
	if k.Paused() {
		return ErrKeeperPaused
	}
	ledger, err := k.engine.Ledger(ctx)
	if err != nil {
		return fmt.Errorf("keeper: load ledger: %w", err)
	}
	if !ledger.EmergencyPause {
		k.processQueue(ctx)
		k.expireSubscriptions(ctx)
		k.autoRenew(ctx)
		k.startGrace(ctx)
		k.closeAfterGrace(ctx)
		k.distribute(ctx, ledger)
	}
	k.publishHealth(ctx)

	k.mu.Lock()
	k.runs++
	k.lastRunAt = k.now()
	k.mu.Unlock()
	return ctx.Err()
}

func (k *Keeper) record(task string, err error) {
	k.metrics.ObserveKeeperTask(task, err)
	k.mu.Lock()
	defer k.mu.Unlock()
	status := k.tasks[task]
	if err != nil {
		status.Failed++
		status.LastError = err.Error()
	} else {
		status.Succeeded++
	}
	k.tasks[task] = status
}

func (k *Keeper) processQueue(ctx context.Context) {
	for step := 0; step < k.maxQueueSteps; step++ {
		head, ok, err := k.engine.QueueHead(ctx)
		if err != nil {
			k.record(TaskProcessQueue, err)
			return
		}
		if !ok {
			return
		}
		paid, err := k.engine.ProcessWithdrawalQueue(ctx, k.operator, head.Position)
		if errors.Is(err, treasury.ErrInsufficientLiquidBalance) {
			return
		}
		k.record(TaskProcessQueue, err)
		if err != nil {
			k.logger.Warn("keeper: queue processing failed", "position", head.Position, "error", err)
			return
		}
		k.logger.Info("keeper: queue entry paid", "position", head.Position, "amount", paid)
	}
}

func (k *Keeper) requests(ctx context.Context, task string, statuses ...treasury.DeployStatus) []*treasury.DeployRequest {
	reqs, err := k.engine.DeployRequests(ctx, statuses...)
	if err != nil {
		k.record(task, err)
		return nil
	}
	return reqs
}

func (k *Keeper) expireSubscriptions(ctx context.Context) {
	now := k.now().Unix()
	for _, req := range k.requests(ctx, TaskExpireSubscription, treasury.DeployStatusActive) {
		if req.IsSubscriptionValid(now) {
			continue
		}
		err := k.engine.ExpireSubscription(ctx, k.operator, req.RequestID)
		k.record(TaskExpireSubscription, err)
		if err != nil {
			k.logger.Warn("keeper: expire subscription failed", "request", requestHex(req), "error", err)
		}
	}
}

func (k *Keeper) autoRenew(ctx context.Context) {
	for _, req := range k.requests(ctx, TaskAutoRenew, treasury.DeployStatusSubscriptionExpired, treasury.DeployStatusInGracePeriod) {
		if !req.AutoRenewalEnabled {
			continue
		}
		err := k.engine.AutoRenewSubscription(ctx, k.operator, req.RequestID, k.renewMonths)
		if errors.Is(err, treasury.ErrAutoRenewalDisabled) {
			continue
		}
		k.record(TaskAutoRenew, err)
		if err != nil {
			k.logger.Info("keeper: auto renewal not executed", "request", requestHex(req), "error", err)
		}
	}
}

func (k *Keeper) startGrace(ctx context.Context) {
	for _, req := range k.requests(ctx, TaskStartGrace, treasury.DeployStatusSubscriptionExpired) {
		if req.GracePeriodEnd != 0 {
			continue
		}
		err := k.engine.StartGracePeriod(ctx, k.operator, req.RequestID)
		k.record(TaskStartGrace, err)
		if err != nil {
			k.logger.Warn("keeper: start grace failed", "request", requestHex(req), "error", err)
		}
	}
}

func (k *Keeper) closeAfterGrace(ctx context.Context) {
	now := k.now().Unix()
	for _, req := range k.requests(ctx, TaskCloseAfterGrace, treasury.DeployStatusInGracePeriod) {
		if !req.IsGracePeriodExpired(now) {
			continue
		}
		err := k.engine.CloseExpiredProgram(ctx, k.operator, req.RequestID)
		k.record(TaskCloseAfterGrace, err)
		if err != nil {
			k.logger.Warn("keeper: close after grace failed", "request", requestHex(req), "error", err)
		}
	}
}

func (k *Keeper) distribute(ctx context.Context, ledger *treasury.Ledger) {
	if k.distributePctBps == 0 || ledger.PendingUndistributedRewards == 0 || ledger.TotalDeposited == 0 {
		return
	}
	amount, err := k.engine.DistributePendingRewards(ctx, k.operator, k.distributePctBps)
	if errors.Is(err, treasury.ErrNoPendingRewards) {
		return
	}
	k.record(TaskDistributeRewards, err)
	if err != nil {
		k.logger.Warn("keeper: distribution failed", "error", err)
		return
	}
	k.logger.Info("keeper: pending rewards distributed", "amount", amount)
}

func (k *Keeper) publishHealth(ctx context.Context) {
	health, err := k.engine.PublishHealth(ctx)
	k.record(TaskPublishHealth, err)
	if err != nil {
		return
	}
	k.metrics.SetHealth(health)
	k.mu.Lock()
	k.lastHealth = &health
	k.mu.Unlock()
}

func requestHex(req *treasury.DeployRequest) string {
	return fmt.Sprintf("%x", req.RequestID[:])
}
