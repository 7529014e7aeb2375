package guarantor

import (
	"fmt"
	"math/big"
	"strings"

	"escrowledger/native/commitreveal"
)

// Tier orders loss absorption among guarantors. Primary guarantors bear the
// first loss and stake a larger share of the escrow.
type Tier uint8

const (
	TierPrimary Tier = iota + 1
	TierSecondary
)

// Valid reports whether the tier is one of the supported values.
func (t Tier) Valid() bool {
	return t == TierPrimary || t == TierSecondary
}

func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "PRIMARY"
	case TierSecondary:
		return "SECONDARY"
	default:
		return "UNKNOWN"
	}
}

// ParseTier accepts the canonical names case-insensitively.
func ParseTier(raw string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PRIMARY":
		return TierPrimary, nil
	case "SECONDARY":
		return TierSecondary, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidTier, raw)
	}
}

// Profile is the escrow-independent record kept for each guarantor.
type Profile struct {
	Address              [20]byte `json:"address"`
	ReputationScore      uint64   `json:"reputationScore"`
	TotalStaked          *big.Int `json:"totalStaked"`
	ActiveGuaranteeCount uint64   `json:"activeGuaranteeCount"`
	SuccessCount         uint64   `json:"successCount"`
	FailureCount         uint64   `json:"failureCount"`
	IsBanned             bool     `json:"isBanned"`
	BannedUntil          int64    `json:"bannedUntil"`
	BanReason            string   `json:"banReason,omitempty"`
	RegisteredAt         int64    `json:"registeredAt"`
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TotalStaked = cloneBigInt(p.TotalStaked)
	return &clone
}

// BannedAt reports whether the ban is still in force at now.
func (p *Profile) BannedAt(now int64) bool {
	return p != nil && p.IsBanned && now < p.BannedUntil
}

// Commitment is a guarantor's stake and blind commitment for one escrow.
// StakeAmount holds the stake still locked; OriginalStake never changes.
type Commitment struct {
	EscrowID       uint64   `json:"escrowId"`
	Guarantor      [20]byte `json:"guarantor"`
	Tier           Tier     `json:"tier"`
	StakeAmount    *big.Int `json:"stakeAmount"`
	OriginalStake  *big.Int `json:"originalStake"`
	CommitmentHash [32]byte `json:"commitmentHash"`
	Revealed       bool     `json:"revealed"`
	Colluded       bool     `json:"colluded,omitempty"`
	Failed         bool     `json:"failed,omitempty"`
	Settled        bool     `json:"settled,omitempty"`
	CommittedAt    int64    `json:"committedAt"`
	RevealedAt     int64    `json:"revealedAt,omitempty"`
}

// Clone returns a deep copy of the commitment.
func (c *Commitment) Clone() *Commitment {
	if c == nil {
		return nil
	}
	clone := *c
	clone.StakeAmount = cloneBigInt(c.StakeAmount)
	clone.OriginalStake = cloneBigInt(c.OriginalStake)
	return &clone
}

// CommitRequest describes a guarantor commitment forwarded by the escrow
// engine. EscrowAmount is the escrow target the stake percentage applies to.
type CommitRequest struct {
	EscrowID     uint64
	Guarantor    [20]byte
	Tier         Tier
	Stake        *big.Int
	Hash         [32]byte
	EscrowAmount *big.Int
}

// Settlement summarises the outcome of settling every guarantor of an escrow.
type Settlement struct {
	EscrowID uint64
	Refunded *big.Int
	Bonus    *big.Int
	Slashed  *big.Int
	Count    int
}

// CommitmentHash re-exports the verifier hash so callers only need this
// package to build commitments.
func CommitmentHash(guarantor [20]byte, secret [32]byte, escrowID uint64) [32]byte {
	return commitreveal.CommitmentHash(guarantor, secret, escrowID)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
