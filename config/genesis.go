package config

import (
	"context"
	"fmt"

	"d2dtreasury/crypto"
	"d2dtreasury/native/bank"
	"d2dtreasury/native/treasury"
)

// Apply seeds balances and initialises the treasury through engine. It
// reports false without changes when the ledger already exists, so it is safe
// to call on every start.
func Apply(ctx context.Context, engine *treasury.Engine, store treasury.Store, g *Genesis) (bool, error) {
	if err := Validate(g); err != nil {
		return false, err
	}
	ids, err := g.Identities()
	if err != nil {
		return false, err
	}

	initialized := false
	if err := store.View(ctx, func(st treasury.State) error {
		_, ok, err := st.Ledger()
		initialized = ok
		return err
	}); err != nil {
		return false, err
	}
	if initialized {
		return false, nil
	}

	if err := store.Update(ctx, func(st treasury.State) error {
		for i, b := range g.Balances {
			id, err := crypto.ParseIdentity(b.Identity)
			if err != nil {
				return fmt.Errorf("balances[%d]: %w", i, err)
			}
			asset, err := b.asset()
			if err != nil {
				return fmt.Errorf("balances[%d]: %w", i, err)
			}
			if err := bank.Credit(st, id, asset, b.Amount); err != nil {
				return fmt.Errorf("balances[%d]: %w", i, err)
			}
		}
		return nil
	}); err != nil {
		return false, err
	}

	t := g.Treasury
	if err := engine.Initialize(ctx, ids.Admin, ids.DevWallet); err != nil {
		return false, fmt.Errorf("initialize: %w", err)
	}
	if !ids.Guardian.IsZero() {
		if err := engine.SetGuardian(ctx, ids.Admin, ids.Guardian); err != nil {
			return true, fmt.Errorf("set guardian: %w", err)
		}
	}
	if t.TimelockSeconds != treasury.DefaultTimelockDuration {
		if err := engine.SetTimelockDuration(ctx, ids.Admin, t.TimelockSeconds); err != nil {
			return true, fmt.Errorf("set timelock: %w", err)
		}
	}
	if t.DailyWithdrawalLimit != treasury.DefaultDailyWithdrawalLimit {
		if err := engine.SetDailyLimit(ctx, ids.Admin, t.DailyWithdrawalLimit); err != nil {
			return true, fmt.Errorf("set daily limit: %w", err)
		}
	}
	if t.BaseAPYBps != treasury.DefaultBaseAPYBps ||
		t.MaxAPYMultiplierBps != treasury.DefaultMaxAPYMultiplierBps ||
		t.TargetUtilizationBps != treasury.DefaultTargetUtilizationBps {
		if err := engine.SetAPYParams(ctx, ids.Admin, t.BaseAPYBps, t.MaxAPYMultiplierBps, t.TargetUtilizationBps); err != nil {
			return true, fmt.Errorf("set apy params: %w", err)
		}
	}
	if t.RewardFeeBps != treasury.RewardFeeBps || t.PlatformFeeBps != treasury.PlatformFeeBps {
		if err := store.Update(ctx, func(st treasury.State) error {
			l, ok, err := st.Ledger()
			if err != nil {
				return err
			}
			if !ok {
				return treasury.ErrNotInitialized
			}
			l.RewardFeeBps = t.RewardFeeBps
			l.PlatformFeeBps = t.PlatformFeeBps
			return st.PutLedger(l)
		}); err != nil {
			return true, fmt.Errorf("set fees: %w", err)
		}
	}
	if t.EmergencyPause {
		if err := engine.SetEmergencyPause(ctx, ids.Admin, true); err != nil {
			return true, fmt.Errorf("emergency pause: %w", err)
		}
	}
	return true, nil
}
