package escrow

import "math/big"

// Milestone is one independently releasable slice of an escrow. A milestone
// is closed once Released is set; Refunded marks a close that returned the
// value to payers instead of paying the beneficiary.
type Milestone struct {
	Amount      *big.Int `json:"amount"`
	Deadline    int64    `json:"deadline"`
	Description string   `json:"description,omitempty"`
	Approved    bool     `json:"approved"`
	Released    bool     `json:"released"`
	Refunded    bool     `json:"refunded"`
	ReleasedAt  int64    `json:"releasedAt,omitempty"`
}

// Expired reports whether the milestone has a deadline that has passed.
func (m *Milestone) Expired(now int64) bool {
	return m.Deadline != 0 && now > m.Deadline
}

// Milestones is the fixed, ordered milestone sequence of one escrow.
type Milestones []*Milestone

func newMilestones(amounts []*big.Int, deadlines []int64, descriptions []string, now int64) (Milestones, *big.Int, error) {
	if len(amounts) == 0 {
		return nil, nil, ErrNoMilestones
	}
	if len(deadlines) != len(amounts) || (len(descriptions) != 0 && len(descriptions) != len(amounts)) {
		return nil, nil, ErrMilestoneShape
	}
	total := big.NewInt(0)
	out := make(Milestones, len(amounts))
	for i, amount := range amounts {
		if amount == nil || amount.Sign() <= 0 {
			return nil, nil, ErrInvalidAmount
		}
		if deadlines[i] < 0 || (deadlines[i] != 0 && deadlines[i] <= now) {
			return nil, nil, ErrInvalidDeadline
		}
		m := &Milestone{Amount: new(big.Int).Set(amount), Deadline: deadlines[i]}
		if len(descriptions) != 0 {
			m.Description = descriptions[i]
		}
		out[i] = m
		total.Add(total, amount)
	}
	return out, total, nil
}

func (ms Milestones) at(index int) (*Milestone, error) {
	if index < 0 || index >= len(ms) {
		return nil, ErrMilestoneNotFound
	}
	return ms[index], nil
}

// checkApprove validates an approval of the milestone at index.
func (ms Milestones) checkApprove(index int) (*Milestone, error) {
	m, err := ms.at(index)
	if err != nil {
		return nil, err
	}
	if m.Released {
		return nil, ErrMilestoneAlreadyReleased
	}
	if m.Approved {
		return nil, ErrMilestoneAlreadyApproved
	}
	return m, nil
}

// checkRelease validates a release. An unapproved milestone is releasable
// only by the beneficiary once its deadline has passed.
func (ms Milestones) checkRelease(index int, byBeneficiary bool, now int64) (*Milestone, error) {
	m, err := ms.at(index)
	if err != nil {
		return nil, err
	}
	if m.Released {
		return nil, ErrMilestoneAlreadyReleased
	}
	if !m.Approved && !(byBeneficiary && m.Expired(now)) {
		return nil, ErrMilestoneNotApproved
	}
	return m, nil
}

// checkExpired validates the expiry paths: the milestone must be open and
// past its deadline. Refunds additionally require that it was never approved.
func (ms Milestones) checkExpired(index int, now int64, forRefund bool) (*Milestone, error) {
	m, err := ms.at(index)
	if err != nil {
		return nil, err
	}
	if m.Released {
		return nil, ErrMilestoneAlreadyReleased
	}
	if !m.Expired(now) {
		return nil, ErrDeadlineNotPassed
	}
	if forRefund && m.Approved {
		return nil, ErrMilestoneAlreadyApproved
	}
	return m, nil
}

func (m *Milestone) markReleased(now int64) {
	m.Approved = true
	m.Released = true
	m.ReleasedAt = now
}

func (m *Milestone) markRefunded(now int64) {
	m.Released = true
	m.Refunded = true
	m.ReleasedAt = now
}

// Closed reports whether every milestone is released or refunded.
func (ms Milestones) Closed() bool {
	for _, m := range ms {
		if !m.Released {
			return false
		}
	}
	return true
}

// PaidOut sums the milestones released to the beneficiary.
func (ms Milestones) PaidOut() *big.Int {
	total := big.NewInt(0)
	for _, m := range ms {
		if m.Released && !m.Refunded {
			total.Add(total, m.Amount)
		}
	}
	return total
}

// LatestDeadline returns the furthest deadline, zero when none is set.
func (ms Milestones) LatestDeadline() int64 {
	var latest int64
	for _, m := range ms {
		if m.Deadline > latest {
			latest = m.Deadline
		}
	}
	return latest
}

func (ms Milestones) clone() Milestones {
	if ms == nil {
		return nil
	}
	out := make(Milestones, len(ms))
	for i, m := range ms {
		c := *m
		c.Amount = cloneBigInt(m.Amount)
		out[i] = &c
	}
	return out
}
