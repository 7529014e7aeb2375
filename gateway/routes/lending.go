package routes

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type offerRequest struct {
	EscrowID  uint64 `json:"escrowId"`
	Amount    string `json:"amount"`
	RateBps   uint64 `json:"rateBps"`
	ExpiresAt int64  `json:"expiresAt"`
}

type withdrawRequest struct {
	EscrowID uint64 `json:"escrowId"`
}

func (a *api) mountLending(public, authed chi.Router) {
	public.Get("/lenders/{addr}", a.getLender)
	public.Get("/offers/{id}/best", a.bestOffer)
	authed.Post("/lenders", a.mutate("lending", "lender-register", http.StatusCreated, a.registerLender))
	authed.Post("/offers", a.mutate("lending", "offer-submit", http.StatusCreated, a.submitOffer))
	authed.Post("/offers/withdraw", a.mutate("lending", "offer-withdraw", http.StatusOK, a.withdrawOffer))
}

func (a *api) getLender(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "addr"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	profile, err := a.lenders.Profile(addr)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":        hexAddr(profile.Address),
		"activeOffers":   profile.ActiveOffers,
		"acceptedOffers": profile.AcceptedOffers,
		"totalLent":      amount(profile.TotalLent),
		"registeredAt":   profile.RegisteredAt,
	})
}

func (a *api) bestOffer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeBadRequest(w, fmt.Errorf("invalid escrow id %q", chi.URLParam(r, "id")))
		return
	}
	offer, err := a.lenders.BestOffer(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOfferView(offer))
}

func (a *api) registerLender(_ *http.Request, caller [20]byte) (uint64, any, string, error) {
	profile, err := a.lenders.RegisterLender(caller)
	if err != nil {
		return 0, nil, "", err
	}
	return 0, map[string]any{"address": hexAddr(profile.Address), "registeredAt": profile.RegisteredAt}, "", nil
}

// submitOffer records a standing offer for an existing escrow.
func (a *api) submitOffer(r *http.Request, caller [20]byte) (uint64, any, string, error) {
	var req offerRequest
	if err := decodeRequest(r, &req); err != nil {
		return 0, nil, "", invalidInput(err)
	}
	value, err := parseAmount("amount", req.Amount)
	if err != nil {
		return 0, nil, "", invalidInput(err)
	}
	if _, err := a.engine.Escrow(req.EscrowID); err != nil {
		return 0, nil, "", err
	}
	offer, err := a.lenders.SubmitOffer(caller, req.EscrowID, value, req.RateBps, req.ExpiresAt)
	if err != nil {
		return 0, nil, "", err
	}
	return req.EscrowID, newOfferView(offer), fmt.Sprintf("escrow %d amount %s rate %d", req.EscrowID, value, req.RateBps), nil
}

func (a *api) withdrawOffer(r *http.Request, caller [20]byte) (uint64, any, string, error) {
	var req withdrawRequest
	if err := decodeRequest(r, &req); err != nil {
		return 0, nil, "", invalidInput(err)
	}
	if err := a.lenders.WithdrawOffer(caller, req.EscrowID); err != nil {
		return 0, nil, "", err
	}
	return req.EscrowID, map[string]any{"escrowId": req.EscrowID, "withdrawn": true}, fmt.Sprintf("escrow %d", req.EscrowID), nil
}
