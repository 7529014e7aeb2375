package escrow

import (
	"log/slog"
	"math/big"
)

// ResolveDispute is the arbiter's settlement of a DISPUTED escrow. Every
// listed milestone that is still open is released to the beneficiary;
// already released indices are skipped. The held arbiter fee is paid and the
// escrow returns to ACTIVE, or completes when no milestone remains open.
// Indices are validated before anything moves.
func (e *Engine) ResolveDispute(id uint64, caller [20]byte, indices []int) (*Escrow, error) {
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
	if esc.State != StateDisputed {
		return nil, ErrInvalidState
	}
	if !esc.HasArbiter() || caller != esc.Arbiter {
		return nil, ErrUnauthorized
	}
	seen := make(map[int]struct{}, len(indices))
	release := make([]int, 0, len(indices))
	for _, idx := range indices {
		m, err := esc.Milestones.at(idx)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[idx]; dup || m.Released {
			continue
		}
		seen[idx] = struct{}{}
		release = append(release, idx)
	}
	esc.State = StateActive
	if err := e.releaseLocked(esc, release, true); err != nil {
		esc.State = StateDisputed
		return nil, err
	}
	commit()
	e.logger.Info("escrow dispute resolved",
		slog.Uint64("escrowId", id),
		slog.Int("released", len(release)),
		slog.String("state", esc.State.String()))
	e.emit(NewResolvedEvent(esc, release))
	return esc.Clone(), nil
}

// SlashGuarantor lets the arbiter forfeit up to amount of a guarantor's stake
// into the escrow. Recovered stake is paid to payers on cancellation and to
// the beneficiary on completion.
func (e *Engine) SlashGuarantor(id uint64, caller, guarantorAddr [20]byte, amount *big.Int) (*big.Int, error) {
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
	if esc.State.Terminal() {
		return nil, ErrInvalidState
	}
	if !esc.HasArbiter() || caller != esc.Arbiter {
		return nil, ErrUnauthorized
	}
	if !esc.RequiresGuarantors {
		return nil, ErrGuarantorsNotRequired
	}
	slashed, err := e.registry.Slash(e.authority, guarantorAddr, id, amount, e.vault)
	if err != nil {
		return nil, err
	}
	esc.Recovered = new(big.Int).Add(esc.Recovered, slashed)
	commit()
	e.emit(newEscrowEvent(EventTypeGuarantorSlashed, esc).
		Set("guarantor", hexAddr(guarantorAddr)).
		Set("slashed", slashed.String()))
	return slashed, nil
}
