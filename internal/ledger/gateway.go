package ledger

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/models"
)

var (
	// ErrRejectedByLedger means the ledger examined the transaction and
	// refused it. Fatal for that submission; the same signed blob must
	// never be re-broadcast.
	ErrRejectedByLedger = errors.New("ledger: transaction rejected")

	// ErrRPCUnavailable is a transport-level failure; the ledger's verdict
	// is unknown.
	ErrRPCUnavailable = errors.New("ledger: rpc unavailable")
)

// TxState is the ledger-reported state of a submitted transaction.
type TxState string

const (
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxFailed    TxState = "failed"
)

// TxStatus is the outcome of a status query. ConfirmedAmount and Recipient
// are the ledger-observed transfer result, populated once State is
// TxConfirmed; they let the caller check the settled transfer against its
// recorded intent. FeeLamports is the network fee the fee payer was charged.
type TxStatus struct {
	State           TxState
	ConfirmedAmount uint64
	Recipient       string
	Slot            uint64
	FeeLamports     uint64
	Err             string
}

// TransferExpectation tells GetStatus which credit to measure on a
// confirmed transaction.
type TransferExpectation struct {
	Token     models.Token
	Recipient string
}

// Gateway is the ledger capability the settlement engine consumes. All
// methods block on external I/O and honor context cancellation.
type Gateway interface {
	// Submit broadcasts a fully signed base64 transaction and returns its
	// handle. Errors wrap ErrRejectedByLedger or ErrRPCUnavailable.
	Submit(ctx context.Context, signedTx string) (string, error)

	// GetStatus reports the transaction's current state. Transport
	// failures wrap ErrRPCUnavailable; a ledger-reported failure comes
	// back as TxFailed, not an error.
	GetStatus(ctx context.Context, handle string, expect TransferExpectation) (TxStatus, error)

	// GetBalance returns an account's native balance in lamports.
	GetBalance(ctx context.Context, account string) (uint64, error)

	// GetTokenBalance returns the owner's balance of the given mint, in
	// the token's base units. A missing token account reads as zero.
	GetTokenBalance(ctx context.Context, owner, mint string) (uint64, error)

	// LatestBlockhash returns a recent blockhash for building skeletons.
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
}
