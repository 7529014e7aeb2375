package escrow

import (
	"fmt"
	"math/big"

	coreerrors "escrowledger/core/errors"
	"escrowledger/native/guarantor"
)

// Snapshot is the full persisted view of one escrow: its record, milestone
// array and guarantor commitments.
type Snapshot struct {
	Escrow         *Escrow                 `json:"escrow"`
	Guarantors     []*guarantor.Commitment `json:"guarantors"`
	CommitDeadline int64                   `json:"commitDeadline,omitempty"`
	RevealDeadline int64                   `json:"revealDeadline,omitempty"`
	TakenAt        int64                   `json:"takenAt"`
}

// Snapshot captures the escrow and its guarantor round.
func (e *Engine) Snapshot(id uint64) (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Escrow: esc.Clone(), TakenAt: e.nowFn()}
	if esc.RequiresGuarantors {
		snap.Guarantors = e.registry.Commitments(id)
		commitDeadline, revealDeadline, err := e.registry.Deadlines(id)
		if err != nil {
			return nil, err
		}
		snap.CommitDeadline = commitDeadline
		snap.RevealDeadline = revealDeadline
	}
	return snap, nil
}

// Verify checks the accounting invariants of the snapshot's escrow.
func (s *Snapshot) Verify() error {
	if s == nil || s.Escrow == nil {
		return fmt.Errorf("escrow: empty snapshot: %w", coreerrors.ErrIntegrity)
	}
	esc := s.Escrow
	fail := func(format string, args ...any) error {
		return fmt.Errorf("escrow %d: "+format+": %w", append(append([]any{esc.ID}, args...), coreerrors.ErrIntegrity)...)
	}
	if esc.TotalReleased.Cmp(esc.TotalFunded) > 0 {
		return fail("released %s exceeds funded %s", esc.TotalReleased, esc.TotalFunded)
	}
	if paid := esc.Milestones.PaidOut(); paid.Cmp(esc.TotalReleased) != 0 {
		return fail("released milestones sum to %s, recorded %s", paid, esc.TotalReleased)
	}
	contributed := big.NewInt(0)
	for _, c := range esc.Contributions {
		contributed.Add(contributed, c.Amount)
	}
	if contributed.Cmp(esc.TotalFunded) != 0 {
		return fail("contributions sum to %s, funded %s", contributed, esc.TotalFunded)
	}
	if esc.TotalFunded.Cmp(esc.Target) > 0 {
		return fail("funded %s exceeds target %s", esc.TotalFunded, esc.Target)
	}
	out := new(big.Int).Add(esc.TotalReleased, esc.TotalRefunded)
	out.Add(out, esc.Dust)
	in := new(big.Int).Add(esc.TotalFunded, esc.Recovered)
	if out.Cmp(in) > 0 {
		return fail("outflows %s exceed inflows %s", out, in)
	}
	for i, m := range esc.Milestones {
		if m.Released && !m.Refunded && !m.Approved {
			return fail("milestone %d released without approval", i)
		}
		if m.Refunded && !m.Released {
			return fail("milestone %d refunded but open", i)
		}
	}
	if esc.State.Terminal() && !esc.Milestones.Closed() {
		return fail("terminal state %s with open milestones", esc.State)
	}
	return nil
}
