package lending

import "math/big"

// LoanOffer is a lender's standing offer to fund an escrow's shortfall.
// Amounts are denominated in the ledger's base unit; RateBps is the annual
// interest rate in basis points.
type LoanOffer struct {
	Lender    [20]byte `json:"lender"`
	EscrowID  uint64   `json:"escrowId"`
	Amount    *big.Int `json:"amount"`
	RateBps   uint64   `json:"rateBps"`
	ExpiresAt int64    `json:"expiresAt"`
	CreatedAt int64    `json:"createdAt"`
	Accepted  bool     `json:"accepted"`
	// Sequence orders offers by submission so ties resolve deterministically.
	Sequence uint64 `json:"sequence"`
}

// Clone returns a deep copy of the offer.
func (o *LoanOffer) Clone() *LoanOffer {
	if o == nil {
		return nil
	}
	clone := *o
	if o.Amount != nil {
		clone.Amount = new(big.Int).Set(o.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// LenderProfile aggregates a lender's activity across escrows.
type LenderProfile struct {
	Address        [20]byte `json:"address"`
	ActiveOffers   uint64   `json:"activeOffers"`
	AcceptedOffers uint64   `json:"acceptedOffers"`
	TotalLent      *big.Int `json:"totalLent"`
	RegisteredAt   int64    `json:"registeredAt"`
}

// Clone returns a deep copy of the profile.
func (p *LenderProfile) Clone() *LenderProfile {
	if p == nil {
		return nil
	}
	clone := *p
	if p.TotalLent != nil {
		clone.TotalLent = new(big.Int).Set(p.TotalLent)
	} else {
		clone.TotalLent = big.NewInt(0)
	}
	return &clone
}
