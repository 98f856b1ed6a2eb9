package config

import (
	"fmt"
	"strings"

	"d2dtreasury/crypto"
	"d2dtreasury/native/treasury"
)

// Identities holds the parsed genesis roles. Guardian is zero when unset.
type Identities struct {
	Admin     crypto.Identity
	Guardian  crypto.Identity
	DevWallet crypto.Identity
}

// Identities parses the configured role identities.
func (g *Genesis) Identities() (Identities, error) {
	var ids Identities
	var err error
	if ids.Admin, err = crypto.ParseIdentity(g.Treasury.Admin); err != nil {
		return ids, fmt.Errorf("treasury: Admin: %w", err)
	}
	if ids.DevWallet, err = crypto.ParseIdentity(g.Treasury.DevWallet); err != nil {
		return ids, fmt.Errorf("treasury: DevWallet: %w", err)
	}
	if strings.TrimSpace(g.Treasury.Guardian) != "" {
		if ids.Guardian, err = crypto.ParseIdentity(g.Treasury.Guardian); err != nil {
			return ids, fmt.Errorf("treasury: Guardian: %w", err)
		}
	}
	return ids, nil
}

func Validate(g *Genesis) error {
	if g == nil {
		return fmt.Errorf("genesis: nil")
	}
	ids, err := g.Identities()
	if err != nil {
		return err
	}
	if ids.Admin.IsZero() || ids.DevWallet.IsZero() {
		return fmt.Errorf("treasury: admin and dev wallet must be set")
	}
	if !ids.Guardian.IsZero() && ids.Guardian == ids.Admin {
		return fmt.Errorf("treasury: guardian must differ from admin")
	}
	t := g.Treasury
	if t.TimelockSeconds < treasury.MinTimelockDuration || t.TimelockSeconds > treasury.MaxTimelockDuration {
		return fmt.Errorf("treasury: TimelockSeconds must be within [%d, %d]", treasury.MinTimelockDuration, treasury.MaxTimelockDuration)
	}
	if t.RewardFeeBps > treasury.BpsDenominator || t.PlatformFeeBps > treasury.BpsDenominator {
		return fmt.Errorf("treasury: fee bps must not exceed %d", treasury.BpsDenominator)
	}
	if err := treasury.ValidateAPYParams(t.BaseAPYBps, t.MaxAPYMultiplierBps, t.TargetUtilizationBps); err != nil {
		return fmt.Errorf("treasury: apy: %w", err)
	}
	if g.Rent.VaultRent == 0 {
		return fmt.Errorf("rent: VaultRent must be positive")
	}
	for i, b := range g.Balances {
		if _, err := crypto.ParseIdentity(b.Identity); err != nil {
			return fmt.Errorf("balances[%d]: %w", i, err)
		}
		if _, err := b.asset(); err != nil {
			return fmt.Errorf("balances[%d]: %w", i, err)
		}
	}
	return nil
}
