package escrow

import (
	"fmt"

	coreerrors "escrowledger/core/errors"
)

var (
	ErrEscrowNotFound           = fmt.Errorf("escrow: not found: %w", coreerrors.ErrNotFound)
	ErrInvalidState             = fmt.Errorf("escrow: operation not allowed in current state: %w", coreerrors.ErrInvalidState)
	ErrUnauthorized             = fmt.Errorf("escrow: caller not authorised: %w", coreerrors.ErrUnauthorized)
	ErrNotPayer                 = fmt.Errorf("escrow: caller is not a payer: %w", coreerrors.ErrUnauthorized)
	ErrInvalidBeneficiary       = fmt.Errorf("escrow: beneficiary required: %w", coreerrors.ErrInvalidInput)
	ErrInvalidAmount            = fmt.Errorf("escrow: amount must be positive: %w", coreerrors.ErrInvalidInput)
	ErrInvalidDeadline          = fmt.Errorf("escrow: deadline must be zero or in the future: %w", coreerrors.ErrInvalidInput)
	ErrNoMilestones             = fmt.Errorf("escrow: at least one milestone required: %w", coreerrors.ErrInvalidInput)
	ErrMilestoneShape           = fmt.Errorf("escrow: milestone fields have mismatched lengths: %w", coreerrors.ErrInvalidInput)
	ErrInvalidGuarantorCount    = fmt.Errorf("escrow: guarantor count must be positive when guarantors are required: %w", coreerrors.ErrInvalidInput)
	ErrArbiterRequired          = fmt.Errorf("escrow: arbiter required: %w", coreerrors.ErrInvalidInput)
	ErrExceedsTarget            = fmt.Errorf("escrow: contribution exceeds funding target: %w", coreerrors.ErrInvalidInput)
	ErrInsufficientFunds        = fmt.Errorf("escrow: insufficient funds: %w", coreerrors.ErrThreshold)
	ErrUnderfunded              = fmt.Errorf("escrow: funding target not met: %w", coreerrors.ErrThreshold)
	ErrInsufficientGuarantors   = fmt.Errorf("escrow: insufficient revealed guarantors: %w", coreerrors.ErrThreshold)
	ErrMilestoneNotFound        = fmt.Errorf("escrow: milestone not found: %w", coreerrors.ErrNotFound)
	ErrMilestoneAlreadyApproved = fmt.Errorf("escrow: milestone already approved: %w", coreerrors.ErrDuplicate)
	ErrMilestoneAlreadyReleased = fmt.Errorf("escrow: milestone already released: %w", coreerrors.ErrDuplicate)
	ErrMilestoneNotApproved     = fmt.Errorf("escrow: milestone not approved: %w", coreerrors.ErrInvalidState)
	ErrDeadlineNotPassed        = fmt.Errorf("escrow: milestone deadline has not passed: %w", coreerrors.ErrWindow)
	ErrGuarantorsNotRequired    = fmt.Errorf("escrow: escrow does not use guarantors: %w", coreerrors.ErrInvalidState)
	ErrInterestRateSet          = fmt.Errorf("escrow: interest rate already set: %w", coreerrors.ErrDuplicate)
	ErrLenderBookMissing        = fmt.Errorf("escrow: lender book not configured: %w", coreerrors.ErrNotConfigured)
	ErrInsurancePoolMissing     = fmt.Errorf("escrow: insurance pool not configured: %w", coreerrors.ErrNotConfigured)
	ErrVaultShortfall           = fmt.Errorf("escrow: vault balance below obligations: %w", coreerrors.ErrIntegrity)
)
