package services

import (
	"errors"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/ledger"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/signer"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/store"
)

// MaxAmount is the largest accepted payment amount in base units.
const MaxAmount uint64 = 1_000_000_000_000_000_000

// Sentinel errors returned by the settlement engine and token gate.
// Handlers map these onto HTTP statuses.
var (
	ErrInvalidAmount      = errors.New("facilitator: invalid amount")
	ErrInvalidAddress     = errors.New("facilitator: invalid address")
	ErrUnsupportedToken   = errors.New("facilitator: unsupported token")
	ErrUnsupportedNetwork = errors.New("facilitator: unsupported network")

	// ErrInvalidState means the requested operation is not allowed in the
	// payment's current status.
	ErrInvalidState = errors.New("facilitator: operation not allowed in current payment state")

	// ErrSignatureMismatch means the submitted transaction is not the
	// issued skeleton with a valid payer signature.
	ErrSignatureMismatch = errors.New("facilitator: signed transaction does not match payment")

	// ErrInsufficientSponsorFunds means the facilitator wallet cannot
	// cover another sponsored fee right now.
	ErrInsufficientSponsorFunds = errors.New("facilitator: insufficient sponsor funds")

	// ErrGateUnavailable means a token gate balance check could not be
	// completed; access is denied while it stands.
	ErrGateUnavailable = errors.New("facilitator: token gate unavailable")
)

// ErrorCode is a machine-readable error code for API clients.
type ErrorCode string

const (
	CodeInvalidAmount      ErrorCode = "INVALID_AMOUNT"
	CodeInvalidAddress     ErrorCode = "INVALID_ADDRESS"
	CodeUnsupportedToken   ErrorCode = "UNSUPPORTED_TOKEN"
	CodeUnsupportedNetwork ErrorCode = "UNSUPPORTED_NETWORK"
	CodeInvalidState       ErrorCode = "INVALID_STATE"
	CodeSignatureMismatch  ErrorCode = "SIGNATURE_MISMATCH"
	CodeInsufficientFunds  ErrorCode = "INSUFFICIENT_SPONSOR_FUNDS"
	CodeGateUnavailable    ErrorCode = "GATE_UNAVAILABLE"
	CodeLedgerRejected     ErrorCode = "LEDGER_REJECTED"
	CodeRPCUnavailable     ErrorCode = "RPC_UNAVAILABLE"
	CodeSignerUnavailable  ErrorCode = "SIGNER_UNAVAILABLE"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeInternal           ErrorCode = "INTERNAL"
)

// CodeOf resolves an error chain to its API error code.
func CodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return CodeInvalidAmount
	case errors.Is(err, ErrInvalidAddress):
		return CodeInvalidAddress
	case errors.Is(err, ErrUnsupportedToken):
		return CodeUnsupportedToken
	case errors.Is(err, ErrUnsupportedNetwork):
		return CodeUnsupportedNetwork
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrSignatureMismatch):
		return CodeSignatureMismatch
	case errors.Is(err, ErrInsufficientSponsorFunds):
		return CodeInsufficientFunds
	case errors.Is(err, ErrGateUnavailable):
		return CodeGateUnavailable
	case errors.Is(err, ledger.ErrRejectedByLedger):
		return CodeLedgerRejected
	case errors.Is(err, ledger.ErrRPCUnavailable):
		return CodeRPCUnavailable
	case errors.Is(err, signer.ErrUnavailable):
		return CodeSignerUnavailable
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}
