package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// SolanaGateway talks to a Solana RPC node. One gateway serves one network.
type SolanaGateway struct {
	client  *rpc.Client
	network string
	log     *slog.Logger
}

func NewSolanaGateway(rpcURL, network string, log *slog.Logger) *SolanaGateway {
	return &SolanaGateway{
		client:  rpc.New(rpcURL),
		network: network,
		log:     log,
	}
}

// Submit broadcasts a fully signed transaction. An error from the node's
// JSON-RPC layer means the transaction was examined and refused, so it maps
// to ErrRejectedByLedger; transport failures map to ErrRPCUnavailable
// because the verdict is unknown.
func (g *SolanaGateway) Submit(ctx context.Context, signedTx string) (string, error) {
	tx, err := DecodeTransaction(signedTx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejectedByLedger, err)
	}
	if n := SignedSignatureCount(tx); n < 2 {
		return "", fmt.Errorf("%w: transaction carries %d signatures, need payer and fee payer", ErrRejectedByLedger, n)
	}

	sig, err := g.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return "", fmt.Errorf("%w: code %d: %s", ErrRejectedByLedger, rpcErr.Code, rpcErr.Message)
		}
		return "", fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}

	g.log.Info("transaction broadcast", "network", g.network, "signature", sig.String())
	return sig.String(), nil
}

// GetStatus reports where a submitted transaction stands. Once the node
// reports it confirmed or finalized, the executed transaction is fetched and
// the actual credit to the expected recipient is measured, so the caller can
// compare the settled transfer against its recorded intent.
func (g *SolanaGateway) GetStatus(ctx context.Context, handle string, expect TransferExpectation) (TxStatus, error) {
	sig, err := solana.SignatureFromBase58(handle)
	if err != nil {
		return TxStatus{}, fmt.Errorf("invalid transaction handle: %w", err)
	}

	out, err := g.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return TxStatus{}, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		// Not yet visible to this node.
		return TxStatus{State: TxPending}, nil
	}

	st := out.Value[0]
	if st.Err != nil {
		return TxStatus{State: TxFailed, Slot: st.Slot, Err: fmt.Sprintf("%v", st.Err)}, nil
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return g.settledStatus(ctx, sig, expect)
	default:
		return TxStatus{State: TxPending, Slot: st.Slot}, nil
	}
}

// settledStatus fetches the executed transaction and measures the credit the
// expected recipient actually received.
func (g *SolanaGateway) settledStatus(ctx context.Context, sig solana.Signature, expect TransferExpectation) (TxStatus, error) {
	maxVersion := uint64(0)
	res, err := g.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return TxStatus{}, fmt.Errorf("%w: fetch confirmed transaction: %v", ErrRPCUnavailable, err)
	}
	if res == nil || res.Meta == nil {
		return TxStatus{}, fmt.Errorf("%w: confirmed transaction has no metadata", ErrRPCUnavailable)
	}
	if res.Meta.Err != nil {
		return TxStatus{State: TxFailed, Slot: res.Slot, Err: fmt.Sprintf("%v", res.Meta.Err)}, nil
	}

	credited, err := g.measureCredit(res, expect)
	if err != nil {
		return TxStatus{}, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
	return TxStatus{
		State:           TxConfirmed,
		ConfirmedAmount: credited,
		Recipient:       expect.Recipient,
		Slot:            res.Slot,
		FeeLamports:     res.Meta.Fee,
	}, nil
}

// measureCredit computes how much the expected recipient was credited, from
// the pre and post balances recorded with the executed transaction. Native
// transfers are measured in lamports at the recipient's account index; when
// the recipient also paid the network fee, the fee is added back so the
// measured credit reflects the transfer alone. SPL transfers are measured
// on the recipient's token account for the expected mint.
func (g *SolanaGateway) measureCredit(res *rpc.GetTransactionResult, expect TransferExpectation) (uint64, error) {
	recipient, err := solana.PublicKeyFromBase58(expect.Recipient)
	if err != nil {
		return 0, fmt.Errorf("invalid recipient: %w", err)
	}

	if expect.Token.IsNative() {
		tx, err := res.Transaction.GetTransaction()
		if err != nil {
			return 0, fmt.Errorf("decode executed transaction: %w", err)
		}
		idx := -1
		for i, key := range tx.Message.AccountKeys {
			if key.Equals(recipient) {
				idx = i
				break
			}
		}
		if idx < 0 || idx >= len(res.Meta.PostBalances) || idx >= len(res.Meta.PreBalances) {
			return 0, nil
		}
		pre, post := res.Meta.PreBalances[idx], res.Meta.PostBalances[idx]
		if idx == 0 {
			// Recipient is also the fee payer; undo the fee debit.
			post += res.Meta.Fee
		}
		if post <= pre {
			return 0, nil
		}
		return post - pre, nil
	}

	post, ok := tokenUnits(res.Meta.PostTokenBalances, recipient, expect.Token.Mint)
	if !ok {
		return 0, nil
	}
	pre, _ := tokenUnits(res.Meta.PreTokenBalances, recipient, expect.Token.Mint)
	if post <= pre {
		return 0, nil
	}
	return post - pre, nil
}

// tokenUnits finds the balance entry for owner and mint and returns its
// amount in base units.
func tokenUnits(balances []rpc.TokenBalance, owner solana.PublicKey, mint string) (uint64, bool) {
	for _, b := range balances {
		if b.Owner == nil || !b.Owner.Equals(owner) || b.Mint.String() != mint {
			continue
		}
		if b.UiTokenAmount == nil {
			return 0, false
		}
		units, err := strconv.ParseUint(b.UiTokenAmount.Amount, 10, 64)
		if err != nil {
			return 0, false
		}
		return units, true
	}
	return 0, false
}

// GetBalance returns the account's lamport balance at finalized commitment.
func (g *SolanaGateway) GetBalance(ctx context.Context, account string) (uint64, error) {
	key, err := solana.PublicKeyFromBase58(account)
	if err != nil {
		return 0, fmt.Errorf("invalid account %q: %w", account, err)
	}
	out, err := g.client.GetBalance(ctx, key, rpc.CommitmentFinalized)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
	return out.Value, nil
}

// GetTokenBalance returns the owner's balance of mint in base units. An
// owner with no token account for the mint reads as zero.
func (g *SolanaGateway) GetTokenBalance(ctx context.Context, owner, mint string) (uint64, error) {
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return 0, fmt.Errorf("invalid owner %q: %w", owner, err)
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0, fmt.Errorf("invalid mint %q: %w", mint, err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(ownerKey, mintKey)
	if err != nil {
		return 0, fmt.Errorf("derive token account: %w", err)
	}

	out, err := g.client.GetTokenAccountBalance(ctx, ata, rpc.CommitmentFinalized)
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			// The token account does not exist yet.
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
	if out == nil || out.Value == nil {
		return 0, nil
	}
	units, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse token balance %q: %w", out.Value.Amount, err)
	}
	return units, nil
}

// LatestBlockhash returns a recent blockhash at finalized commitment.
func (g *SolanaGateway) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := g.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, fmt.Errorf("%w: empty blockhash response", ErrRPCUnavailable)
	}
	return out.Value.Blockhash, nil
}
