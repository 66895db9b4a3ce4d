package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/models"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/services"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/store"
)

// errorPayload is the wire form of an API error.
type errorPayload struct {
	Code    services.ErrorCode `json:"code"`
	Message string             `json:"message"`
}

// errorResponse carries an error and, where one exists, the payment's
// definitive current state so clients never have to guess.
type errorResponse struct {
	Error   errorPayload    `json:"error"`
	Payment *models.Payment `json:"payment,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encode response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{
		Error: errorPayload{Code: services.CodeOf(err), Message: err.Error()},
	})
}

func writeErrorWithPayment(w http.ResponseWriter, status int, err error, p *models.Payment) {
	writeJSON(w, status, errorResponse{
		Error:   errorPayload{Code: services.CodeOf(err), Message: err.Error()},
		Payment: p,
	})
}

// statusFor maps an error chain onto an HTTP status. Validation failures
// are 422, state conflicts 409, unknown ids 404, and anything the client
// can usefully retry later 503.
func statusFor(err error) int {
	switch services.CodeOf(err) {
	case services.CodeInvalidAmount,
		services.CodeInvalidAddress,
		services.CodeUnsupportedToken,
		services.CodeUnsupportedNetwork,
		services.CodeSignatureMismatch:
		return http.StatusUnprocessableEntity
	case services.CodeInvalidState:
		return http.StatusConflict
	case services.CodeNotFound:
		return http.StatusNotFound
	case services.CodeInsufficientFunds,
		services.CodeGateUnavailable,
		services.CodeRPCUnavailable,
		services.CodeSignerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// paymentStatusCode picks the HTTP status for a payment body: 200 once the
// transfer is confirmed on the ledger, 402 for every earlier or failed
// state, x402 style.
func paymentStatusCode(p *models.Payment) int {
	if p.Status == models.StatusConfirmed {
		return http.StatusOK
	}
	return http.StatusPaymentRequired
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
