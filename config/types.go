package config

import (
	"time"

	"escrowledger/native/common"
	"escrowledger/native/guarantor"
)

// Escrow configures the escrow engine and the module accounts it settles
// through. Addresses are 0x-prefixed hex.
type Escrow struct {
	Vault            string       `toml:"Vault"`
	StakeVault       string       `toml:"StakeVault"`
	RewardReserve    string       `toml:"RewardReserve"`
	InsuranceReserve string       `toml:"InsuranceReserve"`
	Admin            string       `toml:"Admin,omitempty"`
	Paused           bool         `toml:"Paused"`
	Quota            common.Quota `toml:"quota"`
}

// Guarantor mirrors guarantor.Policy with durations expressed in seconds.
type Guarantor struct {
	BaselineReputation       uint64 `toml:"BaselineReputation"`
	PrimaryMinReputation     uint64 `toml:"PrimaryMinReputation"`
	SecondaryMinReputation   uint64 `toml:"SecondaryMinReputation"`
	PrimaryStakeBps          uint64 `toml:"PrimaryStakeBps"`
	SecondaryStakeBps        uint64 `toml:"SecondaryStakeBps"`
	CommitWindowSeconds      int64  `toml:"CommitWindowSeconds"`
	RevealWindowSeconds      int64  `toml:"RevealWindowSeconds"`
	FailedGuaranteeBanDays   int64  `toml:"FailedGuaranteeBanDays"`
	CollusionBanDays         int64  `toml:"CollusionBanDays"`
	BanOnCollusion           bool   `toml:"BanOnCollusion"`
	SuccessReputationBonus   uint64 `toml:"SuccessReputationBonus"`
	FailureReputationPenalty uint64 `toml:"FailureReputationPenalty"`
	NonRevealPenalty         uint64 `toml:"NonRevealPenalty"`
	RewardBonusBps           uint64 `toml:"RewardBonusBps"`
	CancelSlashBps           uint64 `toml:"CancelSlashBps"`
}

// Policy converts the section into the registry policy.
func (g Guarantor) Policy() guarantor.Policy {
	return guarantor.Policy{
		BaselineReputation:       g.BaselineReputation,
		PrimaryMinReputation:     g.PrimaryMinReputation,
		SecondaryMinReputation:   g.SecondaryMinReputation,
		PrimaryStakeBps:          g.PrimaryStakeBps,
		SecondaryStakeBps:        g.SecondaryStakeBps,
		CommitWindow:             time.Duration(g.CommitWindowSeconds) * time.Second,
		RevealWindow:             time.Duration(g.RevealWindowSeconds) * time.Second,
		FailedGuaranteeBan:       time.Duration(g.FailedGuaranteeBanDays) * 24 * time.Hour,
		CollusionBan:             time.Duration(g.CollusionBanDays) * 24 * time.Hour,
		BanOnCollusion:           g.BanOnCollusion,
		SuccessReputationBonus:   g.SuccessReputationBonus,
		FailureReputationPenalty: g.FailureReputationPenalty,
		NonRevealPenalty:         g.NonRevealPenalty,
		RewardBonusBps:           g.RewardBonusBps,
		CancelSlashBps:           g.CancelSlashBps,
	}
}

func guarantorFromPolicy(p guarantor.Policy) Guarantor {
	return Guarantor{
		BaselineReputation:       p.BaselineReputation,
		PrimaryMinReputation:     p.PrimaryMinReputation,
		SecondaryMinReputation:   p.SecondaryMinReputation,
		PrimaryStakeBps:          p.PrimaryStakeBps,
		SecondaryStakeBps:        p.SecondaryStakeBps,
		CommitWindowSeconds:      int64(p.CommitWindow / time.Second),
		RevealWindowSeconds:      int64(p.RevealWindow / time.Second),
		FailedGuaranteeBanDays:   int64(p.FailedGuaranteeBan / (24 * time.Hour)),
		CollusionBanDays:         int64(p.CollusionBan / (24 * time.Hour)),
		BanOnCollusion:           p.BanOnCollusion,
		SuccessReputationBonus:   p.SuccessReputationBonus,
		FailureReputationPenalty: p.FailureReputationPenalty,
		NonRevealPenalty:         p.NonRevealPenalty,
		RewardBonusBps:           p.RewardBonusBps,
		CancelSlashBps:           p.CancelSlashBps,
	}
}

// RateLimit bounds requests per client on one route group.
type RateLimit struct {
	RatePerSecond float64 `toml:"RatePerSecond"`
	Burst         int     `toml:"Burst"`
}

// Gateway configures the HTTP API.
type Gateway struct {
	ListenAddress       string               `toml:"ListenAddress"`
	ReadTimeoutSeconds  int                  `toml:"ReadTimeoutSeconds"`
	WriteTimeoutSeconds int                  `toml:"WriteTimeoutSeconds"`
	IdleTimeoutSeconds  int                  `toml:"IdleTimeoutSeconds"`
	JWTSecret           string               `toml:"JWTSecret,omitempty"`
	JWTSecretEnv        string               `toml:"JWTSecretEnv,omitempty"`
	Issuer              string               `toml:"Issuer,omitempty"`
	Audience            string               `toml:"Audience,omitempty"`
	ClockSkewSeconds    int                  `toml:"ClockSkewSeconds"`
	AllowedOrigins      []string             `toml:"AllowedOrigins"`
	TLSCertFile         string               `toml:"TLSCertFile,omitempty"`
	TLSKeyFile          string               `toml:"TLSKeyFile,omitempty"`
	RateLimits          map[string]RateLimit `toml:"ratelimits"`
}

// TLSEnabled reports whether both certificate and key are configured.
func (g Gateway) TLSEnabled() bool {
	return g.TLSCertFile != "" && g.TLSKeyFile != ""
}

// ReadTimeout returns the configured read timeout.
func (g Gateway) ReadTimeout() time.Duration {
	return time.Duration(g.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the configured write timeout.
func (g Gateway) WriteTimeout() time.Duration {
	return time.Duration(g.WriteTimeoutSeconds) * time.Second
}

// IdleTimeout returns the configured idle timeout.
func (g Gateway) IdleTimeout() time.Duration {
	return time.Duration(g.IdleTimeoutSeconds) * time.Second
}

// Log configures structured logging. An empty File writes to stdout.
type Log struct {
	Level       string `toml:"Level"`
	Environment string `toml:"Environment,omitempty"`
	File        string `toml:"File,omitempty"`
	MaxSizeMB   int    `toml:"MaxSizeMB"`
	MaxBackups  int    `toml:"MaxBackups"`
	MaxAgeDays  int    `toml:"MaxAgeDays"`
	Compress    bool   `toml:"Compress"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Enabled     bool   `toml:"Enabled"`
	ServiceName string `toml:"ServiceName"`
	Endpoint    string `toml:"Endpoint"`
	Insecure    bool   `toml:"Insecure"`
	Headers     string `toml:"Headers,omitempty"`
	Metrics     bool   `toml:"Metrics"`
	Traces      bool   `toml:"Traces"`
}

// Storage locates the snapshot database and the audit log. Backend is one
// of leveldb, bolt or memory; an empty SnapshotDir also keeps snapshots in
// memory.
type Storage struct {
	Backend     string `toml:"Backend"`
	SnapshotDir string `toml:"SnapshotDir"`
	AuditDB     string `toml:"AuditDB"`
}

// Ledger seeds the in-memory bank at startup. Balances maps 0x-prefixed
// addresses to decimal amounts. RewardReserveFunding is moved from
// RewardReserveFunder into the guarantor reward reserve once balances are
// credited, so the funder needs a balance covering it.
type Ledger struct {
	Balances             map[string]string `toml:"balances"`
	RewardReserveFunder  string            `toml:"RewardReserveFunder,omitempty"`
	RewardReserveFunding string            `toml:"RewardReserveFunding,omitempty"`
}
