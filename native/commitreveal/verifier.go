package commitreveal

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	coreerrors "escrowledger/core/errors"
)

const (
	// DefaultCommitWindow is the length of the blind commitment phase.
	DefaultCommitWindow = 48 * time.Hour
	// DefaultRevealWindow is the length of the reveal phase that follows it.
	DefaultRevealWindow = 24 * time.Hour
)

var (
	ErrRoundNotFound         = fmt.Errorf("commitreveal: round not found: %w", coreerrors.ErrNotFound)
	ErrRoundExists           = fmt.Errorf("commitreveal: round already open: %w", coreerrors.ErrDuplicate)
	ErrCommitmentNotFound    = fmt.Errorf("commitreveal: commitment not found: %w", coreerrors.ErrNotFound)
	ErrAlreadyCommitted      = fmt.Errorf("commitreveal: participant already committed: %w", coreerrors.ErrDuplicate)
	ErrAlreadyRevealed       = fmt.Errorf("commitreveal: commitment already revealed: %w", coreerrors.ErrDuplicate)
	ErrCommitWindowClosed    = fmt.Errorf("commitreveal: commitment window closed: %w", coreerrors.ErrWindow)
	ErrRevealWindowNotOpen   = fmt.Errorf("commitreveal: reveal window not open: %w", coreerrors.ErrWindow)
	ErrInvalidCommitmentHash = fmt.Errorf("commitreveal: invalid commitment hash: %w", coreerrors.ErrIntegrity)
	ErrCollusionDetected     = fmt.Errorf("commitreveal: collusion detected: %w", coreerrors.ErrIntegrity)
	ErrAmountBelowMinimum    = fmt.Errorf("commitreveal: amount below minimum: %w", coreerrors.ErrThreshold)
	ErrEmptyCommitment       = fmt.Errorf("commitreveal: commitment hash required: %w", coreerrors.ErrInvalidInput)
)

// Phase is the lifecycle position of a round at a given instant.
type Phase uint8

const (
	PhaseOpenForCommit Phase = iota + 1
	PhaseOpenForReveal
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseOpenForCommit:
		return "OPEN_FOR_COMMIT"
	case PhaseOpenForReveal:
		return "OPEN_FOR_REVEAL"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Submission carries a participant's blind commitment together with the
// payload amount and the minimum that amount must satisfy.
type Submission struct {
	Participant [20]byte
	Hash        [32]byte
	Amount      *big.Int
	Minimum     *big.Int
}

// Commitment is the stored view of a submission.
type Commitment struct {
	Participant [20]byte
	Hash        [32]byte
	Amount      *big.Int
	CommittedAt int64
	Revealed    bool
	RevealedAt  int64
}

// Clone returns a deep copy of the commitment.
func (c *Commitment) Clone() *Commitment {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Amount != nil {
		clone.Amount = new(big.Int).Set(c.Amount)
	}
	return &clone
}

type round struct {
	id          uint64
	start       int64
	commitments map[[20]byte]*Commitment
	order       [][20]byte
	consumed    map[[32]byte][20]byte
}

// Verifier runs independent commit-reveal rounds. It is not safe for
// concurrent use; the owning registry serialises access.
type Verifier struct {
	commitWindow int64
	revealWindow int64
	rounds       map[uint64]*round
}

// NewVerifier builds a verifier with the supplied window lengths. Non-positive
// durations fall back to the defaults.
func NewVerifier(commitWindow, revealWindow time.Duration) *Verifier {
	if commitWindow <= 0 {
		commitWindow = DefaultCommitWindow
	}
	if revealWindow <= 0 {
		revealWindow = DefaultRevealWindow
	}
	return &Verifier{
		commitWindow: int64(commitWindow / time.Second),
		revealWindow: int64(revealWindow / time.Second),
		rounds:       make(map[uint64]*round),
	}
}

// CommitmentHash binds a participant's secret to one round. The layout matches
// a packed ABI encoding of (address, bytes32, uint256).
func CommitmentHash(participant [20]byte, secret [32]byte, roundID uint64) [32]byte {
	id := common.BigToHash(new(big.Int).SetUint64(roundID))
	return ethcrypto.Keccak256Hash(participant[:], secret[:], id[:])
}

// Open starts a round at the supplied timestamp.
func (v *Verifier) Open(roundID uint64, start int64) error {
	if _, ok := v.rounds[roundID]; ok {
		return ErrRoundExists
	}
	v.rounds[roundID] = &round{
		id:          roundID,
		start:       start,
		commitments: make(map[[20]byte]*Commitment),
		consumed:    make(map[[32]byte][20]byte),
	}
	return nil
}

// Deadlines returns the commit deadline and the reveal deadline of a round.
func (v *Verifier) Deadlines(roundID uint64) (commitDeadline, revealDeadline int64, err error) {
	r, ok := v.rounds[roundID]
	if !ok {
		return 0, 0, ErrRoundNotFound
	}
	commitDeadline = r.start + v.commitWindow
	return commitDeadline, commitDeadline + v.revealWindow, nil
}

// Phase reports the round phase at now.
func (v *Verifier) Phase(roundID uint64, now int64) (Phase, error) {
	commitDeadline, revealDeadline, err := v.Deadlines(roundID)
	if err != nil {
		return 0, err
	}
	switch {
	case now <= commitDeadline:
		return PhaseOpenForCommit, nil
	case now <= revealDeadline:
		return PhaseOpenForReveal, nil
	default:
		return PhaseClosed, nil
	}
}

// CheckCommit validates a submission without recording it.
func (v *Verifier) CheckCommit(roundID uint64, sub Submission, now int64) error {
	phase, err := v.Phase(roundID, now)
	if err != nil {
		return err
	}
	if phase != PhaseOpenForCommit {
		return ErrCommitWindowClosed
	}
	if sub.Hash == ([32]byte{}) {
		return ErrEmptyCommitment
	}
	if _, exists := v.rounds[roundID].commitments[sub.Participant]; exists {
		return ErrAlreadyCommitted
	}
	if sub.Minimum != nil && sub.Minimum.Sign() > 0 {
		if sub.Amount == nil || sub.Amount.Cmp(sub.Minimum) < 0 {
			return ErrAmountBelowMinimum
		}
	}
	return nil
}

// Commit records a blind commitment. Only valid while the round accepts
// commitments.
func (v *Verifier) Commit(roundID uint64, sub Submission, now int64) (*Commitment, error) {
	if err := v.CheckCommit(roundID, sub, now); err != nil {
		return nil, err
	}
	r := v.rounds[roundID]
	amount := big.NewInt(0)
	if sub.Amount != nil {
		amount.Set(sub.Amount)
	}
	c := &Commitment{
		Participant: sub.Participant,
		Hash:        sub.Hash,
		Amount:      amount,
		CommittedAt: now,
	}
	r.commitments[sub.Participant] = c
	r.order = append(r.order, sub.Participant)
	return c.Clone(), nil
}

// Reveal opens a participant's commitment. The reveal phase starts strictly
// after the commit deadline and ends at the reveal deadline inclusive. A
// secret already consumed by another participant in the same round fails with
// ErrCollusionDetected and leaves the commitment unrevealed.
func (v *Verifier) Reveal(roundID uint64, participant [20]byte, secret [32]byte, now int64) (*Commitment, error) {
	phase, err := v.Phase(roundID, now)
	if err != nil {
		return nil, err
	}
	r := v.rounds[roundID]
	c, ok := r.commitments[participant]
	if !ok {
		return nil, ErrCommitmentNotFound
	}
	if c.Revealed {
		return nil, ErrAlreadyRevealed
	}
	if phase != PhaseOpenForReveal {
		return nil, ErrRevealWindowNotOpen
	}
	if CommitmentHash(participant, secret, roundID) != c.Hash {
		return nil, ErrInvalidCommitmentHash
	}
	if owner, used := r.consumed[secret]; used && owner != participant {
		return nil, ErrCollusionDetected
	}
	c.Revealed = true
	c.RevealedAt = now
	r.consumed[secret] = participant
	return c.Clone(), nil
}

// Get returns a copy of the participant's commitment.
func (v *Verifier) Get(roundID uint64, participant [20]byte) (*Commitment, bool) {
	r, ok := v.rounds[roundID]
	if !ok {
		return nil, false
	}
	c, ok := r.commitments[participant]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Commitments lists the round's commitments in commit order.
func (v *Verifier) Commitments(roundID uint64) []*Commitment {
	r, ok := v.rounds[roundID]
	if !ok {
		return nil
	}
	out := make([]*Commitment, 0, len(r.order))
	for _, participant := range r.order {
		out = append(out, r.commitments[participant].Clone())
	}
	return out
}

// RevealedCount returns the number of successfully revealed commitments.
func (v *Verifier) RevealedCount(roundID uint64) int {
	r, ok := v.rounds[roundID]
	if !ok {
		return 0
	}
	count := 0
	for _, c := range r.commitments {
		if c.Revealed {
			count++
		}
	}
	return count
}
