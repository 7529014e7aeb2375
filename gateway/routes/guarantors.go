package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrowledger/native/guarantor"
)

type commitRequest struct {
	Tier       string `json:"tier"`
	Stake      string `json:"stake"`
	Commitment string `json:"commitment"`
}

type revealRequest struct {
	Secret string `json:"secret"`
}

func (a *api) mountGuarantors(public, authed chi.Router) {
	public.Get("/{addr}", a.getGuarantor)
	authed.Post("/register", a.mutate("guarantors", "guarantor-register", http.StatusCreated, a.registerGuarantor))
}

func (a *api) getGuarantor(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "addr"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	profile, err := a.engine.Registry().Profile(addr)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newProfileView(profile))
}

func (a *api) registerGuarantor(_ *http.Request, caller [20]byte) (uint64, any, string, error) {
	profile, err := a.engine.RegisterGuarantor(caller)
	if err != nil {
		return 0, nil, "", err
	}
	return 0, newProfileView(profile), "", nil
}

func (a *api) commitGuarantor(r *http.Request, caller [20]byte) (uint64, any, string, error) {
	id, err := pathID(r)
	if err != nil {
		return 0, nil, "", invalidInput(err)
	}
	var req commitRequest
	if err := decodeRequest(r, &req); err != nil {
		return 0, nil, "", invalidInput(err)
	}
	tier, err := guarantor.ParseTier(req.Tier)
	if err != nil {
		return 0, nil, "", err
	}
	stake, err := parseAmount("stake", req.Stake)
	if err != nil {
		return 0, nil, "", invalidInput(err)
	}
	hash, err := parseHash("commitment", req.Commitment)
	if err != nil {
		return 0, nil, "", invalidInput(err)
	}
	commitment, err := a.engine.CommitAsGuarantor(id, caller, tier, stake, hash)
	if err != nil {
		return 0, nil, "", err
	}
	return id, newCommitmentView(commitment), tier.String() + " stake " + stake.String(), nil
}

func (a *api) revealGuarantor(r *http.Request, caller [20]byte) (uint64, any, string, error) {
	id, err := pathID(r)
	if err != nil {
		return 0, nil, "", invalidInput(err)
	}
	var req revealRequest
	if err := decodeRequest(r, &req); err != nil {
		return 0, nil, "", invalidInput(err)
	}
	secret, err := parseHash("secret", req.Secret)
	if err != nil {
		return 0, nil, "", invalidInput(err)
	}
	commitment, err := a.engine.RevealCommitment(id, caller, secret)
	if err != nil {
		return 0, nil, "", err
	}
	return id, newCommitmentView(commitment), "", nil
}
