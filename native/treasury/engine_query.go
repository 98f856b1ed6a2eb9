package treasury

import (
	"context"
	"sort"

	"d2dtreasury/crypto"
	"d2dtreasury/native/bank"
)

// Ledger returns a copy of the treasury ledger.
func (e *Engine) Ledger(ctx context.Context) (*Ledger, error) {
	var out *Ledger
	err := e.view(ctx, func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		out = l.Clone()
		return nil
	})
	return out, err
}

// PositionView is a stake position with reward previews.
type PositionView struct {
	Position       *StakePosition
	Claimable      uint64
	DurationBonus  uint64
	EffectiveStake uint64
}

func (e *Engine) Position(ctx context.Context, staker crypto.Identity) (*PositionView, error) {
	var out *PositionView
	err := e.view(ctx, func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		p, err := t.position(staker)
		if err != nil {
			return err
		}
		claimable, err := p.Claimable(&l.RewardPerShare)
		if err != nil {
			return err
		}
		preview := p.Clone()
		delta, err := preview.UpdateDurationWeight(t.now)
		if err != nil {
			return err
		}
		ledgerPreview := l.Clone()
		if err := ledgerPreview.AddDurationWeight(delta, t.now); err != nil {
			return err
		}
		out = &PositionView{
			Position:       p,
			Claimable:      claimable,
			DurationBonus:  ledgerPreview.CalculateDurationBonus(&preview.StakeDurationWeight),
			EffectiveStake: p.EffectiveDeposit(),
		}
		return nil
	})
	return out, err
}

// Positions lists every stake position ordered by staker.
func (e *Engine) Positions(ctx context.Context) ([]*StakePosition, error) {
	var out []*StakePosition
	err := e.view(ctx, func(t *txn) error {
		positions, err := t.st.Positions()
		if err != nil {
			return err
		}
		sort.Slice(positions, func(i, j int) bool {
			return positions[i].Staker.Hex() < positions[j].Staker.Hex()
		})
		out = positions
		return nil
	})
	return out, err
}

func (e *Engine) DeployRequest(ctx context.Context, id [32]byte) (*DeployRequest, error) {
	var out *DeployRequest
	err := e.view(ctx, func(t *txn) error {
		req, err := t.deployRequest(id)
		out = req
		return err
	})
	return out, err
}

// DeployRequests lists requests, optionally filtered by status.
func (e *Engine) DeployRequests(ctx context.Context, statuses ...DeployStatus) ([]*DeployRequest, error) {
	var out []*DeployRequest
	err := e.view(ctx, func(t *txn) error {
		all, err := t.st.DeployRequests()
		if err != nil {
			return err
		}
		for _, req := range all {
			if len(statuses) == 0 || containsStatus(statuses, req.Status) {
				out = append(out, req)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].CreatedAt != out[j].CreatedAt {
				return out[i].CreatedAt < out[j].CreatedAt
			}
			return string(out[i].RequestID[:]) < string(out[j].RequestID[:])
		})
		return nil
	})
	return out, err
}

func containsStatus(statuses []DeployStatus, s DeployStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func (e *Engine) QueueEntry(ctx context.Context, position uint32) (*QueueEntry, error) {
	var out *QueueEntry
	err := e.view(ctx, func(t *txn) error {
		entry, ok, err := t.st.QueueEntry(position)
		if err != nil {
			return err
		}
		if !ok {
			return ErrQueueEntryNotFound
		}
		out = entry
		return nil
	})
	return out, err
}

// QueueHead returns the first pending entry, if any.
func (e *Engine) QueueHead(ctx context.Context) (*QueueEntry, bool, error) {
	var (
		out *QueueEntry
		ok  bool
	)
	err := e.view(ctx, func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		for pos := l.WithdrawalQueueHead; pos < l.WithdrawalQueueTail; pos++ {
			entry, found, err := t.st.QueueEntry(pos)
			if err != nil {
				return err
			}
			if found && entry.IsPending() {
				out, ok = entry, true
				return nil
			}
		}
		return nil
	})
	return out, ok, err
}

func (e *Engine) PendingWithdrawal(ctx context.Context) (*PendingWithdrawal, bool, error) {
	var (
		out *PendingWithdrawal
		ok  bool
	)
	err := e.view(ctx, func(t *txn) error {
		w, found, err := t.st.PendingWithdrawal()
		out, ok = w, found
		return err
	})
	return out, ok, err
}

func (e *Engine) Escrow(ctx context.Context, developer crypto.Identity) (*Escrow, error) {
	var out *Escrow
	err := e.view(ctx, func(t *txn) error {
		esc, err := t.escrow(developer)
		out = esc
		return err
	})
	return out, err
}

func (e *Engine) ManagedProgram(ctx context.Context, programID crypto.Identity) (*ManagedProgram, bool, error) {
	var (
		out *ManagedProgram
		ok  bool
	)
	err := e.view(ctx, func(t *txn) error {
		m, found, err := t.st.ManagedProgram(programID)
		out, ok = m, found
		return err
	})
	return out, ok, err
}

func (e *Engine) APY(ctx context.Context) (APYInfo, error) {
	var out APYInfo
	err := e.view(ctx, func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		out = l.APYInfo()
		return nil
	})
	return out, err
}

func (e *Engine) Health(ctx context.Context) (ProtocolHealth, error) {
	var out ProtocolHealth
	err := e.view(ctx, func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		out = l.Health(t.now)
		return nil
	})
	return out, err
}

// Balance reports an account balance.
func (e *Engine) Balance(ctx context.Context, id crypto.Identity, asset bank.Asset) (uint64, error) {
	var out uint64
	err := e.view(ctx, func(t *txn) error {
		bal, err := t.st.Balance(id, asset)
		out = bal
		return err
	})
	return out, err
}

// Custody summarises the balances held by treasury custody accounts.
type Custody struct {
	Vault        uint64 `json:"vault"`
	VaultRent    uint64 `json:"vaultRent"`
	RewardPool   uint64 `json:"rewardPool"`
	PlatformPool uint64 `json:"platformPool"`
}

func (e *Engine) Custody(ctx context.Context) (Custody, error) {
	out := Custody{VaultRent: e.params.VaultRent}
	err := e.view(ctx, func(t *txn) error {
		var err error
		if out.Vault, err = t.balance(VaultIdentity); err != nil {
			return err
		}
		if out.RewardPool, err = t.balance(RewardPoolIdentity); err != nil {
			return err
		}
		out.PlatformPool, err = t.balance(PlatformPoolIdentity)
		return err
	})
	return out, err
}
