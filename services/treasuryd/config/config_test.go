package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"d2dtreasury/crypto"
	"d2dtreasury/storage"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "treasuryd.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " :9000 "
env: dev
storage:
  backend: BOLT
  path: /tmp/treasury.db
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.Storage.Backend != storage.BackendBolt {
		t.Fatalf("expected bolt backend, got %q", cfg.Storage.Backend)
	}
	if cfg.Keeper.Interval.Duration != 30*time.Second {
		t.Fatalf("unexpected keeper interval: %s", cfg.Keeper.Interval)
	}
	if cfg.EventLog.Driver != "sqlite" || cfg.EventLog.DSN == "" {
		t.Fatalf("unexpected event log defaults: %+v", cfg.EventLog)
	}
	if _, ok := cfg.RateLimits["staking"]; !ok {
		t.Fatalf("expected default rate limits")
	}
	if cfg.Auth.Issuer != "treasuryd" {
		t.Fatalf("unexpected issuer %q", cfg.Auth.Issuer)
	}
}

func TestLoadConfigParsesDurations(t *testing.T) {
	path := writeConfig(t, `
env: dev
keeper:
  enabled: true
  interval: 5s
  distribute_pct_bps: 2500
webhook:
  url: https://hooks.example.com/treasury
  secret: hook-secret
  min_backoff: 250ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Keeper.Interval.Duration != 5*time.Second {
		t.Fatalf("unexpected interval %s", cfg.Keeper.Interval)
	}
	if cfg.Webhook.MinBackoff.Duration != 250*time.Millisecond {
		t.Fatalf("unexpected backoff %s", cfg.Webhook.MinBackoff)
	}
	if cfg.Keeper.DistributePctBps != 2500 {
		t.Fatalf("unexpected distribution pct %d", cfg.Keeper.DistributePctBps)
	}
}

func TestLoadConfigEnvOverridesSecret(t *testing.T) {
	t.Setenv(EnvJWTSecret, "from-env")
	path := writeConfig(t, `
auth:
  enabled: true
  hmac_secret: from-file
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Auth.HMACSecret != "from-env" {
		t.Fatalf("expected env override, got %q", cfg.Auth.HMACSecret)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	operator := crypto.DeriveIdentity([]byte("operator")).String()
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"auth without secret", "auth:\n  enabled: true\n", "hmac_secret"},
		{"auth disabled outside dev", "env: prod\n", "restricted to env=dev"},
		{"tls half configured", "env: dev\ntls:\n  cert: server.crt\n", "tls"},
		{"unknown backend", "env: dev\nstorage:\n  backend: redis\n", "unknown backend"},
		{"bad operator", "env: dev\nkeeper:\n  operator: nope\n", "keeper.operator"},
		{"distribution too large", "env: dev\nkeeper:\n  distribute_pct_bps: 10001\n", "distribute_pct_bps"},
		{"bad driver", "env: dev\nevent_log:\n  driver: mysql\n", "unsupported driver"},
		{"webhook without secret", "env: dev\nwebhook:\n  url: https://example.com\n", "webhook"},
		{"bad rate limit", "env: dev\nrate_limits:\n  staking:\n    requests_per_minute: 0\n    burst: 1\n", "rate_limits.staking"},
		{"unknown field", "env: dev\nlisten_addr: \":1\"\n", "listen_addr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}

	if _, err := Load(writeConfig(t, "env: dev\nkeeper:\n  operator: "+operator+"\n")); err != nil {
		t.Fatalf("valid operator rejected: %v", err)
	}
}

func TestLoadConfigRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
