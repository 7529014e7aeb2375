package routes

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"escrowledger/native/escrow"
	"escrowledger/native/guarantor"
	"escrowledger/native/lending"
	"escrowledger/storage"
)

// Views render addresses as checksummed hex and amounts as decimal strings.

type contributionView struct {
	Payer  string `json:"payer"`
	Amount string `json:"amount"`
}

type milestoneView struct {
	Index       int    `json:"index"`
	Amount      string `json:"amount"`
	Deadline    int64  `json:"deadline,omitempty"`
	Description string `json:"description,omitempty"`
	Approved    bool   `json:"approved"`
	Released    bool   `json:"released"`
	Refunded    bool   `json:"refunded"`
	ReleasedAt  int64  `json:"releasedAt,omitempty"`
}

type escrowView struct {
	ID                 uint64             `json:"id"`
	State              string             `json:"state"`
	Creator            string             `json:"creator"`
	Beneficiary        string             `json:"beneficiary"`
	Arbiter            string             `json:"arbiter,omitempty"`
	ArbiterFee         string             `json:"arbiterFee"`
	FeePaid            bool               `json:"feePaid"`
	FeeRefunded        bool               `json:"feeRefunded"`
	Target             string             `json:"target"`
	TotalFunded        string             `json:"totalFunded"`
	TotalReleased      string             `json:"totalReleased"`
	TotalRefunded      string             `json:"totalRefunded"`
	Recovered          string             `json:"recovered"`
	Dust               string             `json:"dust"`
	Lender             string             `json:"lender,omitempty"`
	InterestRateBps    uint64             `json:"interestRateBps,omitempty"`
	Premium            string             `json:"premium"`
	RequiresGuarantors bool               `json:"requiresGuarantors"`
	MinGuarantorCount  uint32             `json:"minGuarantorCount,omitempty"`
	CreatedAt          int64              `json:"createdAt"`
	ActivatedAt        int64              `json:"activatedAt,omitempty"`
	ClosedAt           int64              `json:"closedAt,omitempty"`
	Contributions      []contributionView `json:"contributions"`
	Milestones         []milestoneView    `json:"milestones"`
}

type commitmentView struct {
	Guarantor      string `json:"guarantor"`
	Tier           string `json:"tier"`
	Stake          string `json:"stake"`
	OriginalStake  string `json:"originalStake"`
	CommitmentHash string `json:"commitmentHash"`
	Revealed       bool   `json:"revealed"`
	Colluded       bool   `json:"colluded,omitempty"`
	Failed         bool   `json:"failed,omitempty"`
	Settled        bool   `json:"settled,omitempty"`
	CommittedAt    int64  `json:"committedAt"`
	RevealedAt     int64  `json:"revealedAt,omitempty"`
}

type snapshotView struct {
	Escrow         escrowView       `json:"escrow"`
	Guarantors     []commitmentView `json:"guarantors"`
	CommitDeadline int64            `json:"commitDeadline,omitempty"`
	RevealDeadline int64            `json:"revealDeadline,omitempty"`
	TakenAt        int64            `json:"takenAt"`
}

type profileView struct {
	Address              string `json:"address"`
	ReputationScore      uint64 `json:"reputationScore"`
	TotalStaked          string `json:"totalStaked"`
	ActiveGuaranteeCount uint64 `json:"activeGuaranteeCount"`
	SuccessCount         uint64 `json:"successCount"`
	FailureCount         uint64 `json:"failureCount"`
	IsBanned             bool   `json:"isBanned"`
	BannedUntil          int64  `json:"bannedUntil,omitempty"`
	BanReason            string `json:"banReason,omitempty"`
}

type offerView struct {
	Lender    string `json:"lender"`
	EscrowID  uint64 `json:"escrowId"`
	Amount    string `json:"amount"`
	RateBps   uint64 `json:"rateBps"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
	Accepted  bool   `json:"accepted"`
}

type auditView struct {
	ID         int64  `json:"id"`
	OccurredAt string `json:"occurredAt"`
	RequestID  string `json:"requestId,omitempty"`
	Caller     string `json:"caller"`
	Operation  string `json:"operation"`
	Digest     string `json:"digest,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func hexAddr(addr [20]byte) string {
	return common.Address(addr).Hex()
}

// optionalAddr renders the zero address as empty.
func optionalAddr(addr [20]byte) string {
	if addr == ([20]byte{}) {
		return ""
	}
	return hexAddr(addr)
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func newEscrowView(esc *escrow.Escrow) escrowView {
	view := escrowView{
		ID:                 esc.ID,
		State:              esc.State.String(),
		Creator:            hexAddr(esc.Creator),
		Beneficiary:        hexAddr(esc.Beneficiary),
		Arbiter:            optionalAddr(esc.Arbiter),
		ArbiterFee:         amount(esc.ArbiterFee),
		FeePaid:            esc.FeePaid,
		FeeRefunded:        esc.FeeRefunded,
		Target:             amount(esc.Target),
		TotalFunded:        amount(esc.TotalFunded),
		TotalReleased:      amount(esc.TotalReleased),
		TotalRefunded:      amount(esc.TotalRefunded),
		Recovered:          amount(esc.Recovered),
		Dust:               amount(esc.Dust),
		Lender:             optionalAddr(esc.Lender),
		InterestRateBps:    esc.InterestRateBps,
		Premium:            amount(esc.Premium),
		RequiresGuarantors: esc.RequiresGuarantors,
		MinGuarantorCount:  esc.MinGuarantorCount,
		CreatedAt:          esc.CreatedAt,
		ActivatedAt:        esc.ActivatedAt,
		ClosedAt:           esc.ClosedAt,
		Contributions:      make([]contributionView, 0, len(esc.Contributions)),
		Milestones:         make([]milestoneView, 0, len(esc.Milestones)),
	}
	for _, c := range esc.Contributions {
		view.Contributions = append(view.Contributions, contributionView{Payer: hexAddr(c.Payer), Amount: amount(c.Amount)})
	}
	for i, m := range esc.Milestones {
		view.Milestones = append(view.Milestones, milestoneView{
			Index:       i,
			Amount:      amount(m.Amount),
			Deadline:    m.Deadline,
			Description: m.Description,
			Approved:    m.Approved,
			Released:    m.Released,
			Refunded:    m.Refunded,
			ReleasedAt:  m.ReleasedAt,
		})
	}
	return view
}

func newCommitmentView(c *guarantor.Commitment) commitmentView {
	return commitmentView{
		Guarantor:      hexAddr(c.Guarantor),
		Tier:           c.Tier.String(),
		Stake:          amount(c.StakeAmount),
		OriginalStake:  amount(c.OriginalStake),
		CommitmentHash: hexutil.Encode(c.CommitmentHash[:]),
		Revealed:       c.Revealed,
		Colluded:       c.Colluded,
		Failed:         c.Failed,
		Settled:        c.Settled,
		CommittedAt:    c.CommittedAt,
		RevealedAt:     c.RevealedAt,
	}
}

func newSnapshotView(snap *escrow.Snapshot) snapshotView {
	view := snapshotView{
		Escrow:         newEscrowView(snap.Escrow),
		Guarantors:     make([]commitmentView, 0, len(snap.Guarantors)),
		CommitDeadline: snap.CommitDeadline,
		RevealDeadline: snap.RevealDeadline,
		TakenAt:        snap.TakenAt,
	}
	for _, c := range snap.Guarantors {
		view.Guarantors = append(view.Guarantors, newCommitmentView(c))
	}
	return view
}

func newProfileView(p *guarantor.Profile) profileView {
	return profileView{
		Address:              hexAddr(p.Address),
		ReputationScore:      p.ReputationScore,
		TotalStaked:          amount(p.TotalStaked),
		ActiveGuaranteeCount: p.ActiveGuaranteeCount,
		SuccessCount:         p.SuccessCount,
		FailureCount:         p.FailureCount,
		IsBanned:             p.IsBanned,
		BannedUntil:          p.BannedUntil,
		BanReason:            p.BanReason,
	}
}

func newOfferView(o *lending.LoanOffer) offerView {
	return offerView{
		Lender:    hexAddr(o.Lender),
		EscrowID:  o.EscrowID,
		Amount:    amount(o.Amount),
		RateBps:   o.RateBps,
		ExpiresAt: o.ExpiresAt,
		Accepted:  o.Accepted,
	}
}

func newAuditView(e storage.AuditEntry) auditView {
	return auditView{
		ID:         e.ID,
		OccurredAt: e.OccurredAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		RequestID:  e.RequestID,
		Caller:     e.Caller,
		Operation:  e.Operation,
		Digest:     e.Digest,
		Detail:     e.Detail,
	}
}

// guarantorListView omits the phase for escrows without a guarantor round.
type guarantorListView struct {
	Phase      string           `json:"phase,omitempty"`
	Guarantors []commitmentView `json:"guarantors"`
}
