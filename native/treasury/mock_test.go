package treasury

import (
	"context"
	"testing"

	"d2dtreasury/core/events"
	"d2dtreasury/crypto"
	"d2dtreasury/native/bank"
)

type balanceKey struct {
	id    crypto.Identity
	asset bank.Asset
}

type mockState struct {
	balances  map[balanceKey]uint64
	ledger    *Ledger
	positions map[crypto.Identity]*StakePosition
	requests  map[[32]byte]*DeployRequest
	queue     map[uint32]*QueueEntry
	pending   *PendingWithdrawal
	escrows   map[crypto.Identity]*Escrow
	programs  map[crypto.Identity]*ManagedProgram
}

func newMockState() *mockState {
	return &mockState{
		balances:  make(map[balanceKey]uint64),
		positions: make(map[crypto.Identity]*StakePosition),
		requests:  make(map[[32]byte]*DeployRequest),
		queue:     make(map[uint32]*QueueEntry),
		escrows:   make(map[crypto.Identity]*Escrow),
		programs:  make(map[crypto.Identity]*ManagedProgram),
	}
}

func (m *mockState) clone() *mockState {
	c := newMockState()
	for k, v := range m.balances {
		c.balances[k] = v
	}
	c.ledger = m.ledger.Clone()
	for k, v := range m.positions {
		c.positions[k] = v.Clone()
	}
	for k, v := range m.requests {
		c.requests[k] = v.Clone()
	}
	for k, v := range m.queue {
		c.queue[k] = v.Clone()
	}
	c.pending = m.pending.Clone()
	for k, v := range m.escrows {
		c.escrows[k] = v.Clone()
	}
	for k, v := range m.programs {
		c.programs[k] = v.Clone()
	}
	return c
}

func (m *mockState) Balance(id crypto.Identity, asset bank.Asset) (uint64, error) {
	return m.balances[balanceKey{id, asset}], nil
}

func (m *mockState) SetBalance(id crypto.Identity, asset bank.Asset, amount uint64) error {
	m.balances[balanceKey{id, asset}] = amount
	return nil
}

func (m *mockState) Ledger() (*Ledger, bool, error) {
	if m.ledger == nil {
		return nil, false, nil
	}
	return m.ledger.Clone(), true, nil
}

func (m *mockState) PutLedger(l *Ledger) error {
	m.ledger = l.Clone()
	return nil
}

func (m *mockState) Position(staker crypto.Identity) (*StakePosition, bool, error) {
	p, ok := m.positions[staker]
	return p.Clone(), ok, nil
}

func (m *mockState) PutPosition(p *StakePosition) error {
	m.positions[p.Staker] = p.Clone()
	return nil
}

func (m *mockState) Positions() ([]*StakePosition, error) {
	out := make([]*StakePosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (m *mockState) DeployRequest(id [32]byte) (*DeployRequest, bool, error) {
	r, ok := m.requests[id]
	return r.Clone(), ok, nil
}

func (m *mockState) PutDeployRequest(r *DeployRequest) error {
	m.requests[r.RequestID] = r.Clone()
	return nil
}

func (m *mockState) DeployRequests() ([]*DeployRequest, error) {
	out := make([]*DeployRequest, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *mockState) QueueEntry(position uint32) (*QueueEntry, bool, error) {
	q, ok := m.queue[position]
	return q.Clone(), ok, nil
}

func (m *mockState) PutQueueEntry(q *QueueEntry) error {
	m.queue[q.Position] = q.Clone()
	return nil
}

func (m *mockState) PendingWithdrawal() (*PendingWithdrawal, bool, error) {
	if m.pending == nil {
		return nil, false, nil
	}
	return m.pending.Clone(), true, nil
}

func (m *mockState) PutPendingWithdrawal(w *PendingWithdrawal) error {
	m.pending = w.Clone()
	return nil
}

func (m *mockState) DeletePendingWithdrawal() error {
	m.pending = nil
	return nil
}

func (m *mockState) Escrow(developer crypto.Identity) (*Escrow, bool, error) {
	e, ok := m.escrows[developer]
	return e.Clone(), ok, nil
}

func (m *mockState) PutEscrow(e *Escrow) error {
	m.escrows[e.Developer] = e.Clone()
	return nil
}

func (m *mockState) ManagedProgram(programID crypto.Identity) (*ManagedProgram, bool, error) {
	p, ok := m.programs[programID]
	return p.Clone(), ok, nil
}

func (m *mockState) PutManagedProgram(p *ManagedProgram) error {
	m.programs[p.ProgramID] = p.Clone()
	return nil
}

type mockStore struct {
	state *mockState
}

func (s *mockStore) Update(_ context.Context, fn func(State) error) error {
	working := s.state.clone()
	if err := fn(working); err != nil {
		return err
	}
	s.state = working
	return nil
}

func (s *mockStore) View(_ context.Context, fn func(State) error) error {
	return fn(s.state.clone())
}

type fakeLifecycle struct {
	recoverable map[crypto.Identity]uint64
	closed      []crypto.Identity
	upgrades    int
	authorities map[crypto.Identity]crypto.Identity
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{
		recoverable: make(map[crypto.Identity]uint64),
		authorities: make(map[crypto.Identity]crypto.Identity),
	}
}

func (f *fakeLifecycle) TransferAuthority(_ context.Context, programID, authority crypto.Identity) error {
	f.authorities[programID] = authority
	return nil
}

func (f *fakeLifecycle) Upgrade(context.Context, crypto.Identity, []byte) error {
	f.upgrades++
	return nil
}

func (f *fakeLifecycle) Close(_ context.Context, programID crypto.Identity) (uint64, error) {
	f.closed = append(f.closed, programID)
	return f.recoverable[programID], nil
}

type fixture struct {
	t         *testing.T
	ctx       context.Context
	engine    *Engine
	store     *mockStore
	recorder  *events.Recorder
	lifecycle *fakeLifecycle
	now       int64
	admin     crypto.Identity
	devWallet crypto.Identity
	guardian  crypto.Identity
}

const fixtureStart int64 = 1_700_000_000

func identity(name string) crypto.Identity {
	return crypto.DeriveIdentity([]byte("test/" + name))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		store:     &mockStore{state: newMockState()},
		recorder:  events.NewRecorder(0),
		lifecycle: newFakeLifecycle(),
		now:       fixtureStart,
		admin:     identity("admin"),
		devWallet: identity("dev-wallet"),
		guardian:  identity("guardian"),
	}
	f.engine = NewEngine(f.store, DefaultParams())
	f.engine.SetEmitter(f.recorder)
	f.engine.SetLifecycle(f.lifecycle)
	f.engine.SetNowFunc(func() int64 { return f.now })
	f.fund(f.admin, 1_000_000_000_000)
	if err := f.engine.Initialize(f.ctx, f.admin, f.devWallet); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return f
}

func (f *fixture) advance(seconds int64) { f.now += seconds }

func (f *fixture) fund(id crypto.Identity, amount uint64) {
	f.t.Helper()
	if err := bank.Credit(f.store.state, id, bank.AssetSOL, amount); err != nil {
		f.t.Fatalf("fund: %v", err)
	}
}

func (f *fixture) balance(id crypto.Identity) uint64 {
	bal, _ := f.store.state.Balance(id, bank.AssetSOL)
	return bal
}

func (f *fixture) ledger() *Ledger {
	f.t.Helper()
	l, err := f.engine.Ledger(f.ctx)
	if err != nil {
		f.t.Fatalf("ledger: %v", err)
	}
	return l
}

func (f *fixture) position(staker crypto.Identity) *StakePosition {
	f.t.Helper()
	p, ok, _ := f.store.state.Position(staker)
	if !ok {
		f.t.Fatalf("position %s not found", staker)
	}
	return p
}

func (f *fixture) request(id [32]byte) *DeployRequest {
	f.t.Helper()
	r, ok, _ := f.store.state.DeployRequest(id)
	if !ok {
		f.t.Fatalf("deploy request not found")
	}
	return r
}

func (f *fixture) stake(staker crypto.Identity, amount uint64) {
	f.t.Helper()
	f.fund(staker, amount+DefaultPositionRent+StakeFeeEstimate)
	if err := f.engine.Stake(f.ctx, staker, amount); err != nil {
		f.t.Fatalf("stake: %v", err)
	}
}

func (f *fixture) requestDeployment(developer crypto.Identity, cost uint64, months uint32) *DeployRequest {
	f.t.Helper()
	f.fund(developer, 10_000_000)
	req, err := f.engine.RequestDeploymentFunds(f.ctx, developer, DeployRequestParams{
		ProgramHash:    [32]byte{byte(len(f.store.state.requests) + 1)},
		ServiceFee:     100_000,
		MonthlyFee:     50_000,
		InitialMonths:  months,
		DeploymentCost: cost,
	})
	if err != nil {
		f.t.Fatalf("request deployment: %v", err)
	}
	return req
}

// activeDeployment walks a request through funding and confirmation. The
// ephemeral key spends the whole cost on the deployment.
func (f *fixture) activeDeployment(developer crypto.Identity, cost uint64) (*DeployRequest, crypto.Identity) {
	f.t.Helper()
	req := f.requestDeployment(developer, cost, 1)
	ephemeral := crypto.DeriveIdentity([]byte("ephemeral"), req.RequestID[:])
	if err := f.engine.FundTemporaryWallet(f.ctx, f.admin, req.RequestID, ephemeral, cost, false); err != nil {
		f.t.Fatalf("fund temporary wallet: %v", err)
	}
	if err := bank.Debit(f.store.state, ephemeral, bank.AssetSOL, cost); err != nil {
		f.t.Fatalf("spend ephemeral: %v", err)
	}
	programID := crypto.DeriveIdentity([]byte("program"), req.RequestID[:])
	if err := f.engine.ConfirmDeploymentSuccess(f.ctx, f.admin, req.RequestID, ephemeral, programID, 0); err != nil {
		f.t.Fatalf("confirm success: %v", err)
	}
	return f.request(req.RequestID), programID
}

func (f *fixture) assertConservation() {
	f.t.Helper()
	l := f.ledger()
	var sum uint64
	for _, p := range f.store.state.positions {
		sum += p.DepositedAmount
	}
	if sum != l.TotalDeposited {
		f.t.Fatalf("deposits not conserved: positions=%d ledger=%d", sum, l.TotalDeposited)
	}
	if l.TotalCreditedRewards < l.TotalClaimedRewards {
		f.t.Fatalf("claimed %d exceeds credited %d", l.TotalClaimedRewards, l.TotalCreditedRewards)
	}
	if custody := f.balance(RewardPoolIdentity); custody < l.RewardPoolBalance {
		f.t.Fatalf("reward custody %d below tracked %d", custody, l.RewardPoolBalance)
	}
	var owed uint64
	for _, p := range f.store.state.positions {
		claimable, err := p.Claimable(&l.RewardPerShare)
		if err != nil {
			f.t.Fatalf("claimable: %v", err)
		}
		owed += claimable
	}
	if owed+l.PendingUndistributedRewards > l.RewardPoolBalance {
		f.t.Fatalf("rewards not backed: owed=%d pending=%d pool=%d", owed, l.PendingUndistributedRewards, l.RewardPoolBalance)
	}
}
