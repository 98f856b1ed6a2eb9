package treasury

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"d2dtreasury/core/events"
	"d2dtreasury/core/types"
	"d2dtreasury/crypto"
	"d2dtreasury/native/bank"
	"d2dtreasury/native/common"
)

// State is the transactional view of persisted treasury records handed to
// every operation. Getters report absence through the boolean.
type State interface {
	bank.Balances

	Ledger() (*Ledger, bool, error)
	PutLedger(*Ledger) error

	Position(staker crypto.Identity) (*StakePosition, bool, error)
	PutPosition(*StakePosition) error
	Positions() ([]*StakePosition, error)

	DeployRequest(id [32]byte) (*DeployRequest, bool, error)
	PutDeployRequest(*DeployRequest) error
	DeployRequests() ([]*DeployRequest, error)

	QueueEntry(position uint32) (*QueueEntry, bool, error)
	PutQueueEntry(*QueueEntry) error

	PendingWithdrawal() (*PendingWithdrawal, bool, error)
	PutPendingWithdrawal(*PendingWithdrawal) error
	DeletePendingWithdrawal() error

	Escrow(developer crypto.Identity) (*Escrow, bool, error)
	PutEscrow(*Escrow) error

	ManagedProgram(programID crypto.Identity) (*ManagedProgram, bool, error)
	PutManagedProgram(*ManagedProgram) error
}

// Store runs operations atomically. Update discards every write when fn
// returns an error.
type Store interface {
	Update(ctx context.Context, fn func(State) error) error
	View(ctx context.Context, fn func(State) error) error
}

// ProgramLifecycle deploys, upgrades and closes executable programs on behalf
// of the treasury. The engine only consumes its lamport side effects.
type ProgramLifecycle interface {
	TransferAuthority(ctx context.Context, programID, newAuthority crypto.Identity) error
	Upgrade(ctx context.Context, programID crypto.Identity, buffer []byte) error
	// Close closes the program and returns the lamports recovered from it.
	Close(ctx context.Context, programID crypto.Identity) (uint64, error)
}

// Observer receives the outcome of every operation.
type Observer interface {
	ObserveOperation(op string, err error, elapsed time.Duration)
}

// Engine applies treasury operations. Mutations are serialised by a single
// writer lock around the store transaction.
type Engine struct {
	mu        sync.Mutex
	store     Store
	params    Params
	lifecycle ProgramLifecycle
	emitter   events.Emitter
	pauses    common.PauseView
	observer  Observer
	nowFn     func() int64
}

var errNoLifecycle = errors.New("treasury: program lifecycle not configured")

// NewEngine constructs an engine over store.
func NewEngine(store Store, params Params) *Engine {
	return &Engine{
		store:   store,
		params:  params,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// Params returns the engine's rent settings.
func (e *Engine) Params() Params { return e.params }

// SetLifecycle configures the program lifecycle collaborator.
func (e *Engine) SetLifecycle(lifecycle ProgramLifecycle) { e.lifecycle = lifecycle }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires operator maintenance pauses.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetObserver wires an operation observer such as a metrics recorder.
func (e *Engine) SetObserver(o Observer) { e.observer = o }

// SetNowFunc overrides the clock used for timestamps. Passing nil restores the
// wall clock.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// txn carries the state of one operation.
type txn struct {
	ctx    context.Context
	st     State
	now    int64
	engine *Engine
	events []*types.Event
}

func (t *txn) emit(evt *types.Event) { t.events = append(t.events, evt) }

func (t *txn) ledger() (*Ledger, error) {
	l, ok, err := t.st.Ledger()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return l, nil
}

// requireActive rejects mutations while the ledger kill-switch or an
// operator maintenance pause is engaged.
func (t *txn) requireActive(l *Ledger) error {
	if l.EmergencyPause {
		return ErrProgramPaused
	}
	if err := common.Guard(t.engine.pauses, ModuleName); err != nil {
		return fmt.Errorf("%w: %v", ErrProgramPaused, err)
	}
	return nil
}

func (t *txn) requireAdmin(l *Ledger, caller crypto.Identity) error {
	if !l.IsAdmin(caller) {
		return ErrUnauthorized
	}
	return nil
}

func (t *txn) balance(id crypto.Identity) (uint64, error) {
	return t.st.Balance(id, bank.AssetSOL)
}

// transfer moves SOL between accounts, mapping shortfalls onto the supplied
// treasury error.
func (t *txn) transfer(from, to crypto.Identity, amount uint64, shortfall error) error {
	err := bank.Transfer(t.st, from, to, bank.AssetSOL, amount)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bank.ErrInsufficientBalance):
		return shortfall
	case errors.Is(err, bank.ErrBalanceOverflow):
		return ErrCalculationOverflow
	default:
		return err
	}
}

// vaultAvailable is the vault balance above the rent reserve.
func (t *txn) vaultAvailable() (uint64, error) {
	vault, err := t.balance(VaultIdentity)
	if err != nil {
		return 0, err
	}
	if vault < t.engine.params.VaultRent {
		return 0, ErrInsufficientLiquidBalance
	}
	return vault - t.engine.params.VaultRent, nil
}

func (t *txn) position(staker crypto.Identity) (*StakePosition, error) {
	p, ok, err := t.st.Position(staker)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPositionNotFound
	}
	return p, nil
}

func (t *txn) deployRequest(id [32]byte) (*DeployRequest, error) {
	r, ok, err := t.st.DeployRequest(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDeployRequestNotFound
	}
	return r, nil
}

func (t *txn) escrow(developer crypto.Identity) (*Escrow, error) {
	esc, ok, err := t.st.Escrow(developer)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return esc, nil
}

// mutate runs fn inside a store transaction under the writer lock and emits
// the buffered events once the transaction commits.
func (e *Engine) mutate(ctx context.Context, op string, fn func(*txn) error) (err error) {
	if e == nil || e.store == nil {
		return ErrNilState
	}
	start := time.Now()
	defer func() {
		if e.observer != nil {
			e.observer.ObserveOperation(op, err, time.Since(start))
		}
	}()
	e.mu.Lock()
	defer e.mu.Unlock()
	t := &txn{ctx: ctx, now: e.now(), engine: e}
	err = e.store.Update(ctx, func(st State) error {
		t.st = st
		t.events = t.events[:0]
		return fn(t)
	})
	if err != nil {
		return err
	}
	for _, evt := range t.events {
		e.emitter.Emit(events.Typed{Evt: evt})
	}
	return nil
}

// view runs fn against a read-only snapshot.
func (e *Engine) view(ctx context.Context, fn func(*txn) error) error {
	if e == nil || e.store == nil {
		return ErrNilState
	}
	t := &txn{ctx: ctx, now: e.now(), engine: e}
	return e.store.View(ctx, func(st State) error {
		t.st = st
		return fn(t)
	})
}
