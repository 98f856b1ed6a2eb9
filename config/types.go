package config

import (
	"d2dtreasury/native/bank"
	"d2dtreasury/native/treasury"
)

// Treasury captures the ledger parameters applied when the treasury is first
// initialised. Identities are bech32 strings.
type Treasury struct {
	Admin                string `toml:"Admin"`
	Guardian             string `toml:"Guardian"`
	DevWallet            string `toml:"DevWallet"`
	TimelockSeconds      int64  `toml:"TimelockSeconds"`
	DailyWithdrawalLimit uint64 `toml:"DailyWithdrawalLimit"`
	RewardFeeBps         uint64 `toml:"RewardFeeBps"`
	PlatformFeeBps       uint64 `toml:"PlatformFeeBps"`
	BaseAPYBps           uint64 `toml:"BaseAPYBps"`
	MaxAPYMultiplierBps  uint64 `toml:"MaxAPYMultiplierBps"`
	TargetUtilizationBps uint64 `toml:"TargetUtilizationBps"`
	EmergencyPause       bool   `toml:"EmergencyPause"`
}

// Rent sets the reserves kept against positions and the vault.
type Rent struct {
	PositionRent uint64 `toml:"PositionRent"`
	VaultRent    uint64 `toml:"VaultRent"`
}

// Params converts the rent section into engine parameters.
func (r Rent) Params() treasury.Params {
	return treasury.Params{PositionRent: r.PositionRent, VaultRent: r.VaultRent}
}

// Pauses are operator maintenance switches. They are not persisted in the
// ledger and can be flipped at runtime.
type Pauses struct {
	Treasury bool `toml:"Treasury"`
	Keeper   bool `toml:"Keeper"`
}

// Modules returns the pause flags keyed by module name.
func (p Pauses) Modules() map[string]bool {
	return map[string]bool{treasury.ModuleName: p.Treasury}
}

// Balance seeds an account at genesis.
type Balance struct {
	Identity string `toml:"Identity"`
	Asset    string `toml:"Asset"`
	Amount   uint64 `toml:"Amount"`
}

func (b Balance) asset() (bank.Asset, error) {
	return bank.ParseAsset(b.Asset)
}
