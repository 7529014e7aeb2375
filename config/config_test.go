package config

import (
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowledger/native/guarantor"
	"escrowledger/native/ledger"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrowd.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, ":8088", cfg.Gateway.ListenAddress)
	require.Equal(t, filepath.Join(dir, "escrow-data", "snapshots"), cfg.Storage.SnapshotDir)

	addrs, err := cfg.Escrow.Addresses()
	require.NoError(t, err)
	require.Equal(t, ledger.ModuleAddress(ledger.EscrowVaultModule), addrs.Vault)
	require.Equal(t, [20]byte{}, addrs.Admin)

	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Escrow, again.Escrow)
	require.Equal(t, cfg.Guarantor, again.Guarantor)
}

func TestLoadOverridesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrowd.toml")
	contents := `DataDir = "/var/lib/escrowd"

[escrow]
Admin = "0x00000000000000000000000000000000000000aa"
Paused = true

[escrow.quota]
MaxRequestsPerEpoch = 5
MaxValuePerEpoch = "1000"
EpochSeconds = 60

[guarantor]
PrimaryStakeBps = 2500
CommitWindowSeconds = 3600
BanOnCollusion = true

[gateway]
ListenAddress = "127.0.0.1:9000"

[gateway.ratelimits.escrows]
RatePerSecond = 2.5
Burst = 3

[log]
Level = "debug"
File = "/var/log/escrowd.log"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Escrow.Paused)
	require.Equal(t, uint32(5), cfg.Escrow.Quota.MaxRequestsPerEpoch)
	require.Equal(t, "/var/lib/escrowd/audit.db", cfg.Storage.AuditDB)

	policy := cfg.Guarantor.Policy()
	require.Equal(t, uint64(2500), policy.PrimaryStakeBps)
	require.Equal(t, time.Hour, policy.CommitWindow)
	require.Equal(t, guarantor.DefaultPolicy().RevealWindow, policy.RevealWindow)
	require.True(t, policy.BanOnCollusion)

	require.Equal(t, RateLimit{RatePerSecond: 2.5, Burst: 3}, cfg.Gateway.RateLimits["escrows"])
	require.Contains(t, cfg.Gateway.RateLimits, "lending")

	addrs, err := cfg.Escrow.Addresses()
	require.NoError(t, err)
	require.Equal(t, byte(0xaa), addrs.Admin[19])

	level, err := ParseLevel(cfg.Log.Level)
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.toml")
	require.NoError(t, os.WriteFile(path, []byte("ValidatorKey = \"abc\"\n"), 0o600))

	_, err := Load(path)
	require.ErrorContains(t, err, "unknown keys")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad vault", func(c *Config) { c.Escrow.Vault = "nope" }, "Vault"},
		{"stake bps out of range", func(c *Config) { c.Guarantor.PrimaryStakeBps = 3500 }, "primary stake"},
		{"zero reveal window", func(c *Config) { c.Guarantor.RevealWindowSeconds = 0 }, "windows"},
		{"quota without epoch", func(c *Config) { c.Escrow.Quota.MaxRequestsPerEpoch = 1 }, "EpochSeconds"},
		{"bad quota cap", func(c *Config) {
			c.Escrow.Quota.MaxValuePerEpoch = "-1"
			c.Escrow.Quota.EpochSeconds = 60
		}, "invalid value cap"},
		{"zero max rate", func(c *Config) { c.Lending.MaxRateBps = 0 }, "MaxRateBps"},
		{"premium too high", func(c *Config) { c.Insurance.RiskPremiumBps = 20_000 }, "premium"},
		{"cert without key", func(c *Config) { c.Gateway.TLSCertFile = "cert.pem" }, "set together"},
		{"bad rate limit", func(c *Config) { c.Gateway.RateLimits["x"] = RateLimit{} }, "rate limit"},
		{"bad backend", func(c *Config) { c.Storage.Backend = "rocks" }, "Backend"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "level"},
		{"bad balance address", func(c *Config) { c.Ledger.Balances["0xzz"] = "1" }, "balance address"},
		{"negative balance", func(c *Config) {
			c.Ledger.Balances["0x00000000000000000000000000000000000000a1"] = "-5"
		}, "invalid amount"},
		{"funding without funder", func(c *Config) { c.Ledger.RewardReserveFunding = "10" }, "RewardReserveFunder"},
		{"funding above funder balance", func(c *Config) {
			c.Ledger.Balances["0x00000000000000000000000000000000000000a1"] = "5"
			c.Ledger.RewardReserveFunder = "0x00000000000000000000000000000000000000a1"
			c.Ledger.RewardReserveFunding = "10"
		}, "does not cover"},
		{"telemetry without name", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.ServiceName = ""
		}, "ServiceName"},
	}
	require.NoError(t, Default().Validate())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestLoadLedgerGenesis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.toml")
	contents := `[ledger]
RewardReserveFunder = "0x00000000000000000000000000000000000000b2"
RewardReserveFunding = "400"

[ledger.balances]
"0x00000000000000000000000000000000000000b2" = "1000"
"0x00000000000000000000000000000000000000a1" = "75"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	genesis, err := cfg.Ledger.Genesis()
	require.NoError(t, err)
	require.Equal(t, []Credit{
		{Address: [20]byte{19: 0xa1}, Amount: big.NewInt(75)},
		{Address: [20]byte{19: 0xb2}, Amount: big.NewInt(1000)},
	}, genesis.Credits)
	require.Equal(t, [20]byte{19: 0xb2}, genesis.RewardReserveFunder)
	require.Equal(t, big.NewInt(400), genesis.RewardReserveFunding)

	empty, err := Default().Ledger.Genesis()
	require.NoError(t, err)
	require.Empty(t, empty.Credits)
	require.Nil(t, empty.RewardReserveFunding)
}
