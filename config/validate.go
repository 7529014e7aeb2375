package config

import (
	"fmt"
	"log/slog"
	"strings"

	"escrowledger/storage"
)

// MaxPremiumBps bounds each insurance premium component.
var MaxPremiumBps = uint64(10_000)

// Validate checks the cross-field constraints of every section.
func (c *Config) Validate() error {
	if _, err := c.Escrow.Addresses(); err != nil {
		return err
	}
	if _, err := c.Escrow.Quota.ValueCap(); err != nil {
		return fmt.Errorf("escrow: %w", err)
	}
	if c.Escrow.Quota.Enabled() && c.Escrow.Quota.EpochSeconds == 0 {
		return fmt.Errorf("escrow: quota EpochSeconds must be positive when a limit is set")
	}
	if err := c.Guarantor.Policy().Validate(); err != nil {
		return err
	}
	if c.Lending.MaxRateBps == 0 {
		return fmt.Errorf("lending: MaxRateBps must be positive")
	}
	if c.Lending.MaxOffersPerEscrow <= 0 {
		return fmt.Errorf("lending: MaxOffersPerEscrow must be positive")
	}
	if c.Insurance.BasePremiumBps > MaxPremiumBps || c.Insurance.RiskPremiumBps > MaxPremiumBps {
		return fmt.Errorf("insurance: premium bps exceeds %d", MaxPremiumBps)
	}
	if strings.TrimSpace(c.Gateway.ListenAddress) == "" {
		return fmt.Errorf("gateway: ListenAddress required")
	}
	if c.Gateway.ReadTimeoutSeconds < 0 || c.Gateway.WriteTimeoutSeconds < 0 || c.Gateway.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("gateway: timeouts must not be negative")
	}
	if (strings.TrimSpace(c.Gateway.TLSCertFile) == "") != (strings.TrimSpace(c.Gateway.TLSKeyFile) == "") {
		return fmt.Errorf("gateway: TLSCertFile and TLSKeyFile must be set together")
	}
	for name, rl := range c.Gateway.RateLimits {
		if rl.RatePerSecond <= 0 || rl.Burst <= 0 {
			return fmt.Errorf("gateway: rate limit %q needs positive RatePerSecond and Burst", name)
		}
	}
	switch c.Storage.Backend {
	case storage.BackendLevelDB, storage.BackendBolt, storage.BackendMemory:
	default:
		return fmt.Errorf("storage: unknown Backend %q", c.Storage.Backend)
	}
	if _, err := c.Ledger.Genesis(); err != nil {
		return err
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Telemetry.Enabled && strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry: ServiceName required when enabled")
	}
	return nil
}

// ParseLevel maps a configured level name to a slog level. Empty means info.
func ParseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(trimmed)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log: invalid level %q", raw)
	}
	return level, nil
}
