package escrow

import (
	"math/big"
	"time"

	"escrowledger/native/insurance"
	"escrowledger/native/lending"
)

// LenderBook is the lending collaborator consulted by ActivateWithLender.
type LenderBook interface {
	GetLoanOffer(escrowID uint64, lender [20]byte) (*lending.LoanOffer, error)
	BestOffer(escrowID uint64) (*lending.LoanOffer, error)
	AcceptLoanOffer(escrowID uint64, lender [20]byte, lent *big.Int) error
	ReleaseLoanOffer(escrowID uint64, lender [20]byte, lent *big.Int) error
}

// InsurancePool prices and collects the activation premium.
type InsurancePool interface {
	CalculatePremium(amount *big.Int, duration time.Duration, riskScore uint64) (*big.Int, error)
	CollectPremium(escrowID uint64, payer [20]byte, premium *big.Int) (*insurance.Policy, error)
}

var (
	_ LenderBook    = (*lending.Book)(nil)
	_ InsurancePool = (*insurance.Pool)(nil)
)
