package escrow

import (
	"math/big"

	"escrowledger/native/commitreveal"
	"escrowledger/native/guarantor"
)

// RegisterGuarantor creates the caller's guarantor profile.
func (e *Engine) RegisterGuarantor(caller [20]byte) (*guarantor.Profile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	commit, err := e.admit(caller, nil)
	if err != nil {
		return nil, err
	}
	profile, err := e.registry.Register(caller)
	if err != nil {
		return nil, err
	}
	commit()
	return profile, nil
}

// CommitAsGuarantor locks the caller's stake behind a blind commitment for a
// PENDING escrow that requires guarantors. The stake floor is computed from
// the escrow's milestone total.
func (e *Engine) CommitAsGuarantor(id uint64, caller [20]byte, tier guarantor.Tier, stake *big.Int, hash [32]byte) (*guarantor.Commitment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	commit, err := e.admit(caller, stake)
	if err != nil {
		return nil, err
	}
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if !esc.RequiresGuarantors {
		return nil, ErrGuarantorsNotRequired
	}
	if esc.State != StatePending {
		return nil, ErrInvalidState
	}
	c, err := e.registry.Commit(e.authority, guarantor.CommitRequest{
		EscrowID:     id,
		Guarantor:    caller,
		Tier:         tier,
		Stake:        stake,
		Hash:         hash,
		EscrowAmount: new(big.Int).Set(esc.Target),
	})
	if err != nil {
		return nil, err
	}
	commit()
	return c, nil
}

// RevealCommitment opens the caller's commitment during the reveal window.
func (e *Engine) RevealCommitment(id uint64, caller [20]byte, secret [32]byte) (*guarantor.Commitment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	commit, err := e.admit(caller, nil)
	if err != nil {
		return nil, err
	}
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if !esc.RequiresGuarantors {
		return nil, ErrGuarantorsNotRequired
	}
	if esc.State.Terminal() {
		return nil, ErrInvalidState
	}
	c, err := e.registry.Reveal(id, caller, secret)
	if err != nil {
		return nil, err
	}
	commit()
	return c, nil
}

// Guarantors returns the escrow's guarantor commitments in commit order.
func (e *Engine) Guarantors(id uint64) ([]*guarantor.Commitment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.load(id); err != nil {
		return nil, err
	}
	return e.registry.Commitments(id), nil
}

// RoundPhase returns the commit-reveal phase of the escrow's guarantor round.
func (e *Engine) RoundPhase(id uint64) (commitreveal.Phase, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.load(id)
	if err != nil {
		return 0, err
	}
	if !esc.RequiresGuarantors {
		return 0, ErrGuarantorsNotRequired
	}
	return e.registry.Phase(id)
}
