package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"d2dtreasury/crypto"
	"d2dtreasury/native/treasury"

	"github.com/BurntSushi/toml"
)

// PassphraseEnv names the environment variable holding the admin keystore
// passphrase.
const PassphraseEnv = "TREASURYD_KEYSTORE_PASSPHRASE"

type Genesis struct {
	NetworkName       string    `toml:"NetworkName"`
	AdminKeystorePath string    `toml:"AdminKeystorePath"`
	Treasury          Treasury  `toml:"treasury"`
	Rent              Rent      `toml:"rent"`
	Pauses            Pauses    `toml:"pauses"`
	Balances          []Balance `toml:"balances"`
}

// Load loads the genesis parameters from the given path. A missing file is
// replaced by a default genesis with a freshly generated admin keystore.
func Load(path string) (*Genesis, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	g := &Genesis{}
	meta, err := toml.DecodeFile(path, g)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s: unknown field %s", path, undecoded[0].String())
	}

	applyDefaults(g)

	if strings.TrimSpace(g.Treasury.Admin) == "" {
		if err := ensureKeystore(path, g); err != nil {
			return nil, err
		}
	}
	if err := Validate(g); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return g, nil
}

// Default returns genesis parameters holding the stock treasury constants and
// no identities.
func Default() *Genesis {
	g := &Genesis{}
	applyDefaults(g)
	return g
}

func applyDefaults(g *Genesis) {
	if strings.TrimSpace(g.NetworkName) == "" {
		g.NetworkName = "d2d-local"
	}
	defaults := treasury.DefaultParams()
	if g.Rent.PositionRent == 0 {
		g.Rent.PositionRent = defaults.PositionRent
	}
	if g.Rent.VaultRent == 0 {
		g.Rent.VaultRent = defaults.VaultRent
	}
	t := &g.Treasury
	if t.TimelockSeconds == 0 {
		t.TimelockSeconds = treasury.DefaultTimelockDuration
	}
	if t.RewardFeeBps == 0 {
		t.RewardFeeBps = treasury.RewardFeeBps
	}
	if t.PlatformFeeBps == 0 {
		t.PlatformFeeBps = treasury.PlatformFeeBps
	}
	if t.BaseAPYBps == 0 {
		t.BaseAPYBps = treasury.DefaultBaseAPYBps
	}
	if t.MaxAPYMultiplierBps == 0 {
		t.MaxAPYMultiplierBps = treasury.DefaultMaxAPYMultiplierBps
	}
	if t.TargetUtilizationBps == 0 {
		t.TargetUtilizationBps = treasury.DefaultTargetUtilizationBps
	}
	if g.Balances == nil {
		g.Balances = []Balance{}
	}
}

// ensureKeystore resolves the admin identity from the configured keystore,
// generating one when it does not exist yet.
func ensureKeystore(configPath string, g *Genesis) error {
	keystorePath := g.AdminKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}
	passphrase := os.Getenv(PassphraseEnv)

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	admin, err := crypto.LoadIdentity(keystorePath, passphrase)
	if err != nil {
		return fmt.Errorf("load admin keystore: %w", err)
	}
	g.Treasury.Admin = admin.String()
	g.AdminKeystorePath = keystorePath
	if g.Treasury.DevWallet == "" {
		g.Treasury.DevWallet = admin.String()
	}
	return persist(configPath, g)
}

// createDefault creates and saves a default genesis file.
func createDefault(path string) (*Genesis, error) {
	g := Default()
	if err := ensureKeystore(path, g); err != nil {
		return nil, err
	}
	return g, nil
}

func persist(path string, g *Genesis) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(g)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "admin.keystore")
}
