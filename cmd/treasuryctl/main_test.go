package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"path/filepath"
	"strings"
	"testing"

	jwt "github.com/golang-jwt/jwt/v5"

	"d2dtreasury/core/state"
	"d2dtreasury/core/types"
	"d2dtreasury/crypto"
	"d2dtreasury/integrations/eventlog"
	"d2dtreasury/native/bank"
	"d2dtreasury/native/treasury"
	"d2dtreasury/storage"
)

type staticSecret string

func (s staticSecret) Get() (string, error) { return string(s), nil }

func useSecret(t *testing.T, secret string) {
	t.Helper()
	original := newPassphraseSource
	newPassphraseSource = func(string, string) interface{ Get() (string, error) } { return staticSecret(secret) }
	t.Cleanup(func() { newPassphraseSource = original })
}

func runCmd(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := runCmd("frobnicate")
	if code != 1 || !strings.Contains(stderr, "Unknown command") {
		t.Fatalf("unexpected result %d %q", code, stderr)
	}
	if code, _, _ := runCmd(); code != 1 {
		t.Fatalf("expected usage failure without arguments")
	}
}

func TestKeygenThenIdentity(t *testing.T) {
	useSecret(t, "correct horse battery staple")
	path := filepath.Join(t.TempDir(), "admin.keystore")

	code, stdout, stderr := runCmd("keygen", "--out", path, "--light")
	if code != 0 {
		t.Fatalf("keygen failed: %s", stderr)
	}
	var generated string
	for _, line := range strings.Split(stdout, "\n") {
		if strings.HasPrefix(line, "identity: ") {
			generated = strings.TrimPrefix(line, "identity: ")
		}
	}
	if generated == "" {
		t.Fatalf("keygen did not print an identity: %q", stdout)
	}

	if code, _, stderr := runCmd("keygen", "--out", path, "--light"); code != 1 || !strings.Contains(stderr, "already exists") {
		t.Fatalf("expected refusal to overwrite, got %d %q", code, stderr)
	}

	code, stdout, stderr = runCmd("identity", "--keystore", path)
	if code != 0 {
		t.Fatalf("identity failed: %s", stderr)
	}
	if !strings.Contains(stdout, generated) {
		t.Fatalf("identity output %q missing %s", stdout, generated)
	}
}

func TestIdentitySystemAccounts(t *testing.T) {
	dev := crypto.DeriveIdentity([]byte("ctl-test/dev"))
	code, stdout, stderr := runCmd("identity", "--system", "--developer", dev.String())
	if code != 0 {
		t.Fatalf("identity --system failed: %s", stderr)
	}
	for _, want := range []string{
		treasury.VaultIdentity.String(),
		treasury.RewardPoolIdentity.String(),
		treasury.PlatformPoolIdentity.String(),
		treasury.EscrowVaultIdentity(dev).String(),
	} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("output missing %s:\n%s", want, stdout)
		}
	}
	if code, _, _ := runCmd("identity"); code != 1 {
		t.Fatalf("expected failure without a source")
	}
}

func TestTokenCarriesSubject(t *testing.T) {
	useSecret(t, "jwt-secret")
	subject := crypto.DeriveIdentity([]byte("ctl-test/admin"))
	code, stdout, stderr := runCmd("token", "--subject", subject.String(), "--scopes", "admin, keeper")
	if code != 0 {
		t.Fatalf("token failed: %s", stderr)
	}
	parsed, err := jwt.Parse(strings.TrimSpace(stdout), func(*jwt.Token) (interface{}, error) {
		return []byte("jwt-secret"), nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("token did not verify: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["sub"] != subject.String() || claims["iss"] != "treasuryd" || claims["scope"] != "admin keeper" {
		t.Fatalf("unexpected claims %v", claims)
	}
	if code, _, _ := runCmd("token"); code != 1 {
		t.Fatalf("expected failure without subject")
	}
}

func seedState(t *testing.T, path string) {
	t.Helper()
	db, err := storage.Open(storage.BackendLevelDB, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := state.EnsureStateVersion(db, false); err != nil {
		t.Fatalf("version: %v", err)
	}
	store := state.NewStore(db)
	admin := crypto.DeriveIdentity([]byte("ctl-test/admin"))
	staker := crypto.DeriveIdentity([]byte("ctl-test/staker"))
	ctx := context.Background()
	if err := store.Update(ctx, func(st treasury.State) error {
		if err := bank.Credit(st, admin, bank.AssetSOL, 100_000_000); err != nil {
			return err
		}
		return bank.Credit(st, staker, bank.AssetSOL, 100_000_000)
	}); err != nil {
		t.Fatalf("fund: %v", err)
	}
	engine := treasury.NewEngine(store, treasury.DefaultParams())
	if err := engine.Initialize(ctx, admin, crypto.DeriveIdentity([]byte("ctl-test/dev-wallet"))); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := engine.Stake(ctx, staker, 5_000_000); err != nil {
		t.Fatalf("stake: %v", err)
	}
}

func TestInspectAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	seedState(t, path)

	code, stdout, stderr := runCmd("inspect", "--path", path)
	if code != 0 {
		t.Fatalf("inspect failed: %s", stderr)
	}
	if !strings.Contains(stdout, `"totalDeposited": 5000000`) || !strings.Contains(stdout, `"positions": 1`) {
		t.Fatalf("unexpected inspect output:\n%s", stdout)
	}

	code, stdout, stderr = runCmd("migrate", "--path", path)
	if code != 0 {
		t.Fatalf("migrate failed: %s", stderr)
	}
	if !strings.Contains(stdout, "records rewritten") {
		t.Fatalf("unexpected migrate output %q", stdout)
	}
}

func TestExportCSV(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "events.db")
	evlog, err := eventlog.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	for i, typ := range []string{treasury.EventTypeSolStaked, treasury.EventTypeClaimed, treasury.EventTypeSolStaked} {
		evt := &types.Event{Type: typ, Timestamp: int64(1_700_000_000 + i), Attributes: map[string]string{"n": "x"}}
		if _, err := evlog.Append(ctx, evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := evlog.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	code, stdout, stderr := runCmd("export", "--dsn", dsn, "--types", treasury.EventTypeSolStaked)
	if code != 0 {
		t.Fatalf("export failed: %s", stderr)
	}
	rows, err := csv.NewReader(strings.NewReader(stdout)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	// header plus two staked events
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d:\n%s", len(rows), stdout)
	}
	if !strings.Contains(stderr, "verified 3 records") {
		t.Fatalf("expected verification summary, got %q", stderr)
	}

	if code, _, stderr := runCmd("export", "--dsn", dsn, "--format", "parquet"); code != 1 || !strings.Contains(stderr, "--out") {
		t.Fatalf("expected parquet to require --out, got %d %q", code, stderr)
	}
	out := filepath.Join(t.TempDir(), "events.parquet")
	if code, _, stderr := runCmd("export", "--dsn", dsn, "--format", "parquet", "--out", out); code != 0 {
		t.Fatalf("parquet export failed: %s", stderr)
	}
}
