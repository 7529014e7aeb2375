package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// State enumerates the escrow lifecycle.
type State uint8

const (
	StatePending State = iota
	StateActive
	StateDisputed
	StateCancelled
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateDisputed:
		return "DISPUTED"
	case StateCancelled:
		return "CANCELLED"
	case StateCompleted:
		return "COMPLETED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Terminal reports whether the escrow accepts no further mutation.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateCompleted
}

// ParseState converts the canonical name back into a State.
func ParseState(raw string) (State, error) {
	for s := StatePending; s <= StateCompleted; s++ {
		if strings.EqualFold(strings.TrimSpace(raw), s.String()) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown state %q", raw)
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Contribution is one payer's running total. Payers keep first-contribution
// order.
type Contribution struct {
	Payer  [20]byte `json:"payer"`
	Amount *big.Int `json:"amount"`
}

// Escrow is the custody record for one funding agreement.
type Escrow struct {
	ID          uint64   `json:"id"`
	Creator     [20]byte `json:"creator"`
	Beneficiary [20]byte `json:"beneficiary"`
	// Arbiter is the zero address when the escrow has none.
	Arbiter     [20]byte `json:"arbiter"`
	ArbiterFee  *big.Int `json:"arbiterFee"`
	FeePaid     bool     `json:"feePaid"`
	FeeRefunded bool     `json:"feeRefunded"`

	Contributions []Contribution `json:"contributions"`
	Target        *big.Int       `json:"target"`
	TotalFunded   *big.Int       `json:"totalFunded"`
	TotalReleased *big.Int       `json:"totalReleased"`
	TotalRefunded *big.Int       `json:"totalRefunded"`
	// Recovered is slashed guarantor stake moved into the escrow;
	// RecoveredPaid is the part already distributed.
	Recovered     *big.Int `json:"recovered"`
	RecoveredPaid *big.Int `json:"recoveredPaid"`
	Dust          *big.Int `json:"dust"`

	Lender          [20]byte `json:"lender"`
	InterestRateBps uint64   `json:"interestRateBps"`
	InterestRateSet bool     `json:"interestRateSet"`
	Premium         *big.Int `json:"premium"`

	RequiresGuarantors bool   `json:"requiresGuarantors"`
	MinGuarantorCount  uint32 `json:"minGuarantorCount"`

	State       State      `json:"state"`
	CreatedAt   int64      `json:"createdAt"`
	ActivatedAt int64      `json:"activatedAt"`
	ClosedAt    int64      `json:"closedAt"`
	Milestones  Milestones `json:"milestones"`
}

// HasArbiter reports whether an arbiter was designated.
func (e *Escrow) HasArbiter() bool { return e.Arbiter != ([20]byte{}) }

// Contribution returns the payer's total contribution, zero when absent.
func (e *Escrow) Contribution(payer [20]byte) *big.Int {
	for _, c := range e.Contributions {
		if c.Payer == payer {
			return new(big.Int).Set(c.Amount)
		}
	}
	return big.NewInt(0)
}

// IsPayer reports whether addr has contributed.
func (e *Escrow) IsPayer(addr [20]byte) bool {
	for _, c := range e.Contributions {
		if c.Payer == addr {
			return true
		}
	}
	return false
}

// Available is the funded balance not yet released, refunded or left as dust.
func (e *Escrow) Available() *big.Int {
	out := new(big.Int).Sub(e.TotalFunded, e.TotalReleased)
	out.Sub(out, e.TotalRefunded)
	out.Sub(out, e.Dust)
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}

// RecoveredOpen is the slashed stake still held for the escrow.
func (e *Escrow) RecoveredOpen() *big.Int {
	out := new(big.Int).Sub(e.Recovered, e.RecoveredPaid)
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}

// FeeHeld reports whether the arbiter fee is still in custody.
func (e *Escrow) FeeHeld() bool {
	return e.ArbiterFee.Sign() > 0 && !e.FeePaid && !e.FeeRefunded
}

func (e *Escrow) addContribution(payer [20]byte, amount *big.Int) {
	e.TotalFunded = new(big.Int).Add(e.TotalFunded, amount)
	for i := range e.Contributions {
		if e.Contributions[i].Payer == payer {
			e.Contributions[i].Amount = new(big.Int).Add(e.Contributions[i].Amount, amount)
			return
		}
	}
	e.Contributions = append(e.Contributions, Contribution{Payer: payer, Amount: new(big.Int).Set(amount)})
}

// Clone returns a deep copy of the escrow.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.ArbiterFee = cloneBigInt(e.ArbiterFee)
	clone.Target = cloneBigInt(e.Target)
	clone.TotalFunded = cloneBigInt(e.TotalFunded)
	clone.TotalReleased = cloneBigInt(e.TotalReleased)
	clone.TotalRefunded = cloneBigInt(e.TotalRefunded)
	clone.Recovered = cloneBigInt(e.Recovered)
	clone.RecoveredPaid = cloneBigInt(e.RecoveredPaid)
	clone.Dust = cloneBigInt(e.Dust)
	clone.Premium = cloneBigInt(e.Premium)
	if e.Contributions != nil {
		clone.Contributions = make([]Contribution, len(e.Contributions))
		for i, c := range e.Contributions {
			clone.Contributions[i] = Contribution{Payer: c.Payer, Amount: cloneBigInt(c.Amount)}
		}
	}
	clone.Milestones = e.Milestones.clone()
	return &clone
}

// CreateParams describes a new escrow. Amounts, Deadlines and Descriptions
// are parallel; Descriptions may be empty.
type CreateParams struct {
	Beneficiary        [20]byte
	Arbiter            [20]byte
	ArbiterFee         *big.Int
	Amounts            []*big.Int
	Deadlines          []int64
	Descriptions       []string
	RequiresGuarantors bool
	MinGuarantorCount  uint32
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
