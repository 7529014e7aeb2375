package guarantor

import (
	"fmt"
	"time"

	"escrowledger/native/commitreveal"
)

const (
	bpsDenominator = 10_000
	day            = 24 * time.Hour

	// MinStakeBps and MaxStakeBps bound the configurable tier stake percentage.
	MinStakeBps = 1_000
	MaxStakeBps = 3_000
)

// Policy collects every tunable of the registry. Durations are applied at
// second resolution.
type Policy struct {
	BaselineReputation       uint64
	PrimaryMinReputation     uint64
	SecondaryMinReputation   uint64
	PrimaryStakeBps          uint64
	SecondaryStakeBps        uint64
	CommitWindow             time.Duration
	RevealWindow             time.Duration
	FailedGuaranteeBan       time.Duration
	CollusionBan             time.Duration
	BanOnCollusion           bool
	SuccessReputationBonus   uint64
	FailureReputationPenalty uint64
	NonRevealPenalty         uint64
	RewardBonusBps           uint64
	CancelSlashBps           uint64
}

// DefaultPolicy returns the standard registry policy.
func DefaultPolicy() Policy {
	return Policy{
		BaselineReputation:       100,
		PrimaryMinReputation:     100,
		SecondaryMinReputation:   50,
		PrimaryStakeBps:          2_000,
		SecondaryStakeBps:        1_000,
		CommitWindow:             commitreveal.DefaultCommitWindow,
		RevealWindow:             commitreveal.DefaultRevealWindow,
		FailedGuaranteeBan:       30 * day,
		CollusionBan:             365 * day,
		BanOnCollusion:           false,
		SuccessReputationBonus:   10,
		FailureReputationPenalty: 50,
		NonRevealPenalty:         10,
		RewardBonusBps:           500,
		CancelSlashBps:           bpsDenominator,
	}
}

// Validate checks internal consistency of the policy.
func (p Policy) Validate() error {
	for name, bps := range map[string]uint64{
		"primary stake":   p.PrimaryStakeBps,
		"secondary stake": p.SecondaryStakeBps,
	} {
		if bps < MinStakeBps || bps > MaxStakeBps {
			return fmt.Errorf("guarantor: %s bps %d outside [%d, %d]", name, bps, MinStakeBps, MaxStakeBps)
		}
	}
	if p.PrimaryStakeBps < p.SecondaryStakeBps {
		return fmt.Errorf("guarantor: primary stake bps must not be below secondary")
	}
	if p.PrimaryMinReputation < p.SecondaryMinReputation {
		return fmt.Errorf("guarantor: primary reputation threshold must not be below secondary")
	}
	if p.CommitWindow <= 0 || p.RevealWindow <= 0 {
		return fmt.Errorf("guarantor: commit and reveal windows must be positive")
	}
	if p.FailedGuaranteeBan < 0 || p.CollusionBan < 0 {
		return fmt.Errorf("guarantor: ban durations must not be negative")
	}
	if p.CancelSlashBps > bpsDenominator {
		return fmt.Errorf("guarantor: cancel slash bps %d exceeds %d", p.CancelSlashBps, bpsDenominator)
	}
	if p.RewardBonusBps > bpsDenominator {
		return fmt.Errorf("guarantor: reward bonus bps %d exceeds %d", p.RewardBonusBps, bpsDenominator)
	}
	return nil
}

func (p Policy) stakeBps(tier Tier) uint64 {
	if tier == TierPrimary {
		return p.PrimaryStakeBps
	}
	return p.SecondaryStakeBps
}

func (p Policy) minReputation(tier Tier) uint64 {
	if tier == TierPrimary {
		return p.PrimaryMinReputation
	}
	return p.SecondaryMinReputation
}
