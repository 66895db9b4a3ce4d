package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/services"
)

// PaymentHandler exposes the settlement engine over HTTP. Payment bodies
// ride a 402 until the transfer confirms on the ledger, then a 200.
type PaymentHandler struct {
	engine *services.SettlementEngine
	log    *slog.Logger
}

func NewPaymentHandler(engine *services.SettlementEngine, log *slog.Logger) *PaymentHandler {
	return &PaymentHandler{engine: engine, log: log}
}

// CreatePayment handles POST /payments/create.
func (h *PaymentHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req services.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: errorPayload{Code: services.CodeInternal, Message: "invalid request body"},
		})
		return
	}

	payment, err := h.engine.Create(r.Context(), req)
	if err != nil {
		h.log.Warn("create payment failed", "payer", req.PayerAddress, "err", err)
		writeError(w, statusFor(err), err)
		return
	}

	// An idempotent replay may return a payment that already confirmed.
	writeJSON(w, paymentStatusCode(payment), payment)
}

// SubmitPayment handles POST /payments/{paymentID}/submit.
func (h *PaymentHandler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := mux.Vars(r)["paymentID"]
	if paymentID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: errorPayload{Code: services.CodeInternal, Message: "payment ID is required"},
		})
		return
	}

	var req struct {
		SignedTransaction string `json:"signedTransaction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: errorPayload{Code: services.CodeInternal, Message: "invalid request body"},
		})
		return
	}

	payment, err := h.engine.Submit(r.Context(), paymentID, req.SignedTransaction)
	if err != nil {
		h.log.Warn("submit payment failed", "id", paymentID, "err", err)
		switch code := services.CodeOf(err); code {
		case services.CodeLedgerRejected, services.CodeRPCUnavailable:
			// The broadcast failed and the payment is terminally failed;
			// the same signed bytes are never retried.
			writeErrorWithPayment(w, http.StatusPaymentRequired, err, payment)
		case services.CodeInvalidState:
			writeErrorWithPayment(w, http.StatusConflict, err, payment)
		default:
			writeError(w, statusFor(err), err)
		}
		return
	}

	writeJSON(w, paymentStatusCode(payment), payment)
}

// GetPayment handles GET /payments/{paymentID}.
func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := mux.Vars(r)["paymentID"]
	if paymentID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: errorPayload{Code: services.CodeInternal, Message: "payment ID is required"},
		})
		return
	}

	payment, err := h.engine.Get(r.Context(), paymentID)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		h.log.Error("get payment failed", "id", paymentID, "err", err)
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, paymentStatusCode(payment), payment)
}

// verifyResponse is the body of POST /verify.
type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

// VerifyPayment handles POST /verify: structural verification of a signed
// transaction against its payment, with no state change and no broadcast.
func (h *PaymentHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentID         string `json:"paymentId"`
		SignedTransaction string `json:"signedTransaction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: errorPayload{Code: services.CodeInternal, Message: "invalid request body"},
		})
		return
	}

	_, err := h.engine.Verify(r.Context(), req.PaymentID, req.SignedTransaction)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, verifyResponse{IsValid: false, InvalidReason: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{IsValid: true})
}
