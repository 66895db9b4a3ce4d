package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/services"
)

// GateHandler exposes token-gate reads: access checks, tiers and the
// accepted token list.
type GateHandler struct {
	gate *services.TokenGate
	log  *slog.Logger
}

func NewGateHandler(gate *services.TokenGate, log *slog.Logger) *GateHandler {
	return &GateHandler{gate: gate, log: log}
}

// CheckAccess handles POST /token-gate/check-access. An unreadable balance
// returns 503 with allowed=false so callers cannot mistake an outage for
// a grant.
func (h *GateHandler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	var req services.AccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: errorPayload{Code: services.CodeInternal, Message: "invalid request body"},
		})
		return
	}

	res, err := h.gate.CheckAccess(r.Context(), req)
	if err != nil {
		if res != nil {
			h.log.Warn("gate check unavailable", "wallet", req.WalletAddress, "err", err)
			writeJSON(w, http.StatusServiceUnavailable, res)
			return
		}
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// Tiers handles GET /token-gate/tiers.
func (h *GateHandler) Tiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tiers": h.gate.Tiers()})
}

// AcceptedTokens handles GET /token-gate/accepted-tokens.
func (h *GateHandler) AcceptedTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tokens": h.gate.AcceptedTokens()})
}

// UserTier handles GET /token-gate/tier/{walletAddress}.
func (h *GateHandler) UserTier(w http.ResponseWriter, r *http.Request) {
	wallet := mux.Vars(r)["walletAddress"]
	if wallet == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: errorPayload{Code: services.CodeInternal, Message: "wallet address is required"},
		})
		return
	}

	st, err := h.gate.UserTier(r.Context(), wallet)
	if err != nil {
		h.log.Warn("tier lookup failed", "wallet", wallet, "err", err)
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}
