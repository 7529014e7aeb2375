package routes

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/unicode/norm"

	"escrowledger/native/escrow"
)

type milestoneRequest struct {
	Amount      string `json:"amount"`
	Deadline    int64  `json:"deadline"`
	Description string `json:"description"`
}

type createRequest struct {
	Beneficiary        string             `json:"beneficiary"`
	Arbiter            string             `json:"arbiter"`
	ArbiterFee         string             `json:"arbiterFee"`
	Funds              string             `json:"funds"`
	Milestones         []milestoneRequest `json:"milestones"`
	RequiresGuarantors bool               `json:"requiresGuarantors"`
	MinGuarantorCount  uint32             `json:"minGuarantorCount"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type lenderRequest struct {
	Lender string `json:"lender"`
}

type resolveRequest struct {
	Milestones []int `json:"milestones"`
}

type beneficiaryRequest struct {
	Beneficiary string `json:"beneficiary"`
}

type slashRequest struct {
	Guarantor string `json:"guarantor"`
	Amount    string `json:"amount"`
}

func (a *api) mountEscrows(public, authed chi.Router) {
	public.Get("/{id}", a.getEscrow)
	public.Get("/{id}/snapshot", a.getSnapshot)
	public.Get("/{id}/audit", a.getAudit)
	public.Get("/{id}/guarantors", a.listGuarantors)

	authed.Post("/", a.mutate("escrows", "create", http.StatusCreated, a.create))
	authed.Post("/{id}/contribute", a.mutate("escrows", "contribute", http.StatusOK, a.contribute))
	authed.Post("/{id}/activate", a.mutate("escrows", "activate", http.StatusOK, a.escrowOp((*escrow.Engine).Activate)))
	authed.Post("/{id}/activate-with-lender", a.mutate("escrows", "activate-with-lender", http.StatusOK, a.activateWithLender))
	authed.Post("/{id}/dispute", a.mutate("escrows", "dispute", http.StatusOK, a.escrowOp((*escrow.Engine).RaiseDispute)))
	authed.Post("/{id}/resolve", a.mutate("escrows", "resolve", http.StatusOK, a.resolve))
	authed.Post("/{id}/cancel", a.mutate("escrows", "cancel", http.StatusOK, a.escrowOp((*escrow.Engine).CancelEscrow)))
	authed.Post("/{id}/beneficiary", a.mutate("escrows", "transfer-beneficiary", http.StatusOK, a.transferBeneficiary))
	authed.Post("/{id}/slash", a.mutate("escrows", "slash", http.StatusOK, a.slash))
	authed.Post("/{id}/milestones/{index}/approve", a.mutate("escrows", "approve", http.StatusOK, a.milestoneOp((*escrow.Engine).ApproveMilestone)))
	authed.Post("/{id}/milestones/{index}/release", a.mutate("escrows", "release", http.StatusOK, a.milestoneOp((*escrow.Engine).ReleaseMilestone)))
	authed.Post("/{id}/milestones/{index}/claim-expired", a.mutate("escrows", "claim-expired", http.StatusOK, a.milestoneOp((*escrow.Engine).ClaimExpired)))
	authed.Post("/{id}/milestones/{index}/refund-expired", a.mutate("escrows", "refund-expired", http.StatusOK, a.milestoneOp((*escrow.Engine).RefundExpired)))
	authed.Post("/{id}/guarantors/commit", a.mutate("escrows", "guarantor-commit", http.StatusOK, a.commitGuarantor))
	authed.Post("/{id}/guarantors/reveal", a.mutate("escrows", "guarantor-reveal", http.StatusOK, a.revealGuarantor))
}

func (a *api) getEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	esc, err := a.engine.Escrow(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowView(esc))
}

// getSnapshot serves the last persisted snapshot, whose digest is checked on
// load.
func (a *api) getSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if a.snapshots == nil {
		writeJSONError(w, http.StatusNotImplemented, fmt.Errorf("snapshot store not configured"))
		return
	}
	snap, err := a.snapshots.Load(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotView(snap))
}

func (a *api) getAudit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if a.audit == nil {
		writeJSONError(w, http.StatusNotImplemented, fmt.Errorf("audit log not configured"))
		return
	}
	entries, err := a.audit.ForEscrow(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]auditView, 0, len(entries))
	for _, entry := range entries {
		out = append(out, newAuditView(entry))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) listGuarantors(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	commitments, err := a.engine.Guarantors(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	listing := guarantorListView{Guarantors: make([]commitmentView, 0, len(commitments))}
	for _, c := range commitments {
		listing.Guarantors = append(listing.Guarantors, newCommitmentView(c))
	}
	phase, err := a.engine.RoundPhase(id)
	switch {
	case errors.Is(err, escrow.ErrGuarantorsNotRequired):
	case err != nil:
		writeEngineError(w, err)
		return
	default:
		listing.Phase = phase.String()
	}
	writeJSON(w, http.StatusOK, listing)
}

func (a *api) create(r *http.Request, caller [20]byte) (uint64, any, string, error) {
	var req createRequest
	if err := decodeRequest(r, &req); err != nil {
		return 0, nil, "", invalidInput(err)
	}
	params, funds, err := req.params()
	if err != nil {
		return 0, nil, "", invalidInput(err)
	}
	esc, err := a.engine.CreateEscrow(caller, params, funds)
	if err != nil {
		return 0, nil, "", err
	}
	return esc.ID, newEscrowView(esc), "funds " + funds.String(), nil
}

func (req createRequest) params() (escrow.CreateParams, *big.Int, error) {
	var params escrow.CreateParams
	var err error
	if params.Beneficiary, err = parseAddress("beneficiary", req.Beneficiary); err != nil {
		return params, nil, err
	}
	if params.Arbiter, err = parseOptionalAddress("arbiter", req.Arbiter); err != nil {
		return params, nil, err
	}
	if params.ArbiterFee, err = parseAmount("arbiterFee", req.ArbiterFee); err != nil {
		return params, nil, err
	}
	funds, err := parseAmount("funds", req.Funds)
	if err != nil {
		return params, nil, err
	}
	for i, m := range req.Milestones {
		value, err := parseAmount(fmt.Sprintf("milestones[%d].amount", i), m.Amount)
		if err != nil {
			return params, nil, err
		}
		params.Amounts = append(params.Amounts, value)
		params.Deadlines = append(params.Deadlines, m.Deadline)
		params.Descriptions = append(params.Descriptions, normalizeDescription(m.Description))
	}
	params.RequiresGuarantors = req.RequiresGuarantors
	params.MinGuarantorCount = req.MinGuarantorCount
	return params, funds, nil
}

func (a *api) contribute(r *http.Request, caller [20]byte) (uint64, any, string, error) {
	id, err := pathID(r)
	if err != nil {
		return 0, nil, "", invalidInput(err)
	}
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		return 0, nil, "", invalidInput(err)
	}
	value, err := parseAmount("amount", req.Amount)
	if err != nil {
		return 0, nil, "", invalidInput(err)
	}
	esc, err := a.engine.Contribute(id, caller, value)
	if err != nil {
		return 0, nil, "", err
	}
	return id, newEscrowView(esc), "amount " + value.String(), nil
}

// escrowOp adapts an engine operation that only needs the escrow and caller.
func (a *api) escrowOp(op func(*escrow.Engine, uint64, [20]byte) (*escrow.Escrow, error)) mutation {
	return func(r *http.Request, caller [20]byte) (uint64, any, string, error) {
		id, err := pathID(r)
		if err != nil {
			return 0, nil, "", invalidInput(err)
		}
		esc, err := op(a.engine, id, caller)
		if err != nil {
			return 0, nil, "", err
		}
		return id, newEscrowView(esc), "", nil
	}
}

// milestoneOp adapts an engine operation addressed to one milestone.
func (a *api) milestoneOp(op func(*escrow.Engine, uint64, int, [20]byte) (*escrow.Escrow, error)) mutation {
	return func(r *http.Request, caller [20]byte) (uint64, any, string, error) {
		id, err := pathID(r)
		if err != nil {
			return 0, nil, "", invalidInput(err)
		}
		index, err := pathIndex(r)
		if err != nil {
			return 0, nil, "", invalidInput(err)
		}
		esc, err := op(a.engine, id, index, caller)
		if err != nil {
			return 0, nil, "", err
		}
		return id, newEscrowView(esc), fmt.Sprintf("milestone %d", index), nil
	}
}

func (a *api) activateWithLender(r *http.Request, caller [20]byte) (uint64, any, string, error) {
	id, err := pathID(r)
	if err != nil {
		return 0, nil, "", invalidInput(err)
	}
	var req lenderRequest
	if err := decodeRequest(r, &req); err != nil {
		return 0, nil, "", invalidInput(err)
	}
	lender, err := parseOptionalAddress("lender", req.Lender)
	if err != nil {
		return 0, nil, "", invalidInput(err)
	}
	esc, err := a.engine.ActivateWithLender(id, caller, lender)
	if err != nil {
		return 0, nil, "", err
	}
	return id, newEscrowView(esc), "lender " + hexAddr(esc.Lender), nil
}

func (a *api) resolve(r *http.Request, caller [20]byte) (uint64, any, string, error) {
	id, err := pathID(r)
	if err != nil {
		return 0, nil, "", invalidInput(err)
	}
	var req resolveRequest
	if err := decodeRequest(r, &req); err != nil {
		return 0, nil, "", invalidInput(err)
	}
	esc, err := a.engine.ResolveDispute(id, caller, req.Milestones)
	if err != nil {
		return 0, nil, "", err
	}
	return id, newEscrowView(esc), fmt.Sprintf("milestones %v", req.Milestones), nil
}

func (a *api) transferBeneficiary(r *http.Request, caller [20]byte) (uint64, any, string, error) {
	id, err := pathID(r)
	if err != nil {
		return 0, nil, "", invalidInput(err)
	}
	var req beneficiaryRequest
	if err := decodeRequest(r, &req); err != nil {
		return 0, nil, "", invalidInput(err)
	}
	next, err := parseAddress("beneficiary", req.Beneficiary)
	if err != nil {
		return 0, nil, "", invalidInput(err)
	}
	esc, err := a.engine.TransferBeneficiary(id, caller, next)
	if err != nil {
		return 0, nil, "", err
	}
	return id, newEscrowView(esc), "beneficiary " + hexAddr(next), nil
}

func (a *api) slash(r *http.Request, caller [20]byte) (uint64, any, string, error) {
	id, err := pathID(r)
	if err != nil {
		return 0, nil, "", invalidInput(err)
	}
	var req slashRequest
	if err := decodeRequest(r, &req); err != nil {
		return 0, nil, "", invalidInput(err)
	}
	target, err := parseAddress("guarantor", req.Guarantor)
	if err != nil {
		return 0, nil, "", invalidInput(err)
	}
	value, err := parseAmount("amount", req.Amount)
	if err != nil {
		return 0, nil, "", invalidInput(err)
	}
	slashed, err := a.engine.SlashGuarantor(id, caller, target, value)
	if err != nil {
		return 0, nil, "", err
	}
	payload := map[string]string{"guarantor": hexAddr(target), "slashed": amount(slashed)}
	return id, payload, fmt.Sprintf("guarantor %s slashed %s", hexAddr(target), amount(slashed)), nil
}

// normalizeDescription trims milestone text and folds it to NFC so equal
// descriptions compare equal in snapshots and the audit log.
func normalizeDescription(raw string) string {
	return norm.NFC.String(strings.TrimSpace(raw))
}
