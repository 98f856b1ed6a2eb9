package treasury

import (
	"context"
	"errors"

	"d2dtreasury/crypto"
	"d2dtreasury/native/bank"
)

// InitializeEscrow opens the developer's auto-renewal escrow.
func (e *Engine) InitializeEscrow(ctx context.Context, developer crypto.Identity) error {
	return e.mutate(ctx, "initialize_escrow", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		if _, ok, err := t.st.Escrow(developer); err != nil {
			return err
		} else if ok {
			return ErrEscrowExists
		}
		esc := NewEscrow(developer, t.now)
		if err := t.st.PutEscrow(esc); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeEscrowInitialized, t.now).
			id("developer", developer).
			id("vault", EscrowVaultIdentity(developer)).
			build())
		return nil
	})
}

// DepositEscrow moves amount of asset from the developer into their escrow
// vault. SOL funds auto-renewal; token balances are held for the developer.
func (e *Engine) DepositEscrow(ctx context.Context, developer crypto.Identity, asset bank.Asset, amount uint64) error {
	return e.mutate(ctx, "deposit_escrow", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		if !asset.Valid() {
			return ErrInvalidTokenType
		}
		if amount == 0 {
			return ErrInvalidAmount
		}
		esc, err := t.escrow(developer)
		if err != nil {
			return err
		}
		if err := esc.AddBalance(asset, amount, t.now); err != nil {
			return err
		}
		if err := t.moveAsset(developer, EscrowVaultIdentity(developer), asset, amount, ErrInsufficientDeposit); err != nil {
			return err
		}
		if err := t.st.PutEscrow(esc); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeEscrowDeposited, t.now).
			id("developer", developer).
			str("asset", asset.String()).
			u64("amount", amount).
			u64("balance", esc.Balance(asset)).
			build())
		return nil
	})
}

// WithdrawEscrow returns escrowed funds to the developer.
func (e *Engine) WithdrawEscrow(ctx context.Context, developer crypto.Identity, asset bank.Asset, amount uint64) error {
	return e.mutate(ctx, "withdraw_escrow", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		if !asset.Valid() {
			return ErrInvalidTokenType
		}
		if amount == 0 {
			return ErrInvalidAmount
		}
		esc, err := t.escrow(developer)
		if err != nil {
			return err
		}
		if err := esc.SubBalance(asset, amount); err != nil {
			return err
		}
		if err := t.moveAsset(EscrowVaultIdentity(developer), developer, asset, amount, ErrInsufficientEscrowBalance); err != nil {
			return err
		}
		if err := t.st.PutEscrow(esc); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeEscrowWithdrawn, t.now).
			id("developer", developer).
			str("asset", asset.String()).
			u64("amount", amount).
			u64("balance", esc.Balance(asset)).
			flag("belowAlert", esc.IsBelowAlertThreshold()).
			build())
		return nil
	})
}

func (t *txn) moveAsset(from, to crypto.Identity, asset bank.Asset, amount uint64, shortfall error) error {
	err := bank.Transfer(t.st, from, to, asset, amount)
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

// ToggleAutoRenew switches escrow-funded renewal on or off.
func (e *Engine) ToggleAutoRenew(ctx context.Context, developer crypto.Identity, enabled bool) error {
	return e.mutate(ctx, "toggle_auto_renew", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		esc, err := t.escrow(developer)
		if err != nil {
			return err
		}
		esc.AutoRenew = enabled
		if err := t.st.PutEscrow(esc); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeAutoRenewSettingsChanged, t.now).
			id("developer", developer).
			flag("autoRenew", enabled).
			str("preferredToken", esc.PreferredToken.String()).
			build())
		return nil
	})
}

// SetRequestAutoRenewal opts a single deployment in or out of auto-renewal.
func (e *Engine) SetRequestAutoRenewal(ctx context.Context, developer crypto.Identity, requestID [32]byte, enabled bool) error {
	return e.mutate(ctx, "set_request_auto_renewal", func(t *txn) error {
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
		req.AutoRenewalEnabled = enabled
		if err := t.st.PutDeployRequest(req); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeAutoRenewSettingsChanged, t.now).
			id("developer", developer).
			hash("requestId", requestID).
			flag("autoRenew", enabled).
			build())
		return nil
	})
}

// SetPreferredToken selects the escrow balance used for low-balance alerts.
func (e *Engine) SetPreferredToken(ctx context.Context, developer crypto.Identity, token uint8) error {
	return e.mutate(ctx, "set_preferred_token", func(t *txn) error {
		l, err := t.ledger()
		if err != nil {
			return err
		}
		if err := t.requireActive(l); err != nil {
			return err
		}
		asset := bank.Asset(token)
		if !asset.Valid() {
			return ErrInvalidTokenType
		}
		esc, err := t.escrow(developer)
		if err != nil {
			return err
		}
		esc.PreferredToken = asset
		if err := t.st.PutEscrow(esc); err != nil {
			return err
		}
		t.emit(newEvent(EventTypeAutoRenewSettingsChanged, t.now).
			id("developer", developer).
			flag("autoRenew", esc.AutoRenew).
			str("preferredToken", asset.String()).
			build())
		return nil
	})
}
