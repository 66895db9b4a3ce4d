package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/models"
)

// ComputeBudgetProgramID is the Solana Compute Budget program ID.
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// TransferParams describes the transfer skeleton to build. The facilitator
// is both the recipient and the fee payer; the payer signs the actual
// transfer of funds. Reference, when set, is appended to the transfer
// instruction as a read-only account, making the skeleton unique to one
// payment even when payer, amount, token and blockhash coincide.
type TransferParams struct {
	Payer            solana.PublicKey
	Facilitator      solana.PublicKey
	Token            models.Token
	Amount           uint64
	Blockhash        solana.Hash
	Reference        solana.PublicKey
	ComputeUnitLimit uint32
	ComputeUnitPrice uint64
}

// BuildUnsignedTransfer assembles the unsigned transaction skeleton for a
// payment and returns it base64-encoded. For SPL tokens the skeleton
// includes an idempotent create of the destination token account, funded by
// the facilitator. No signatures are attached; the payer signs first, then
// the facilitator countersigns the fee-payer slot.
func BuildUnsignedTransfer(params TransferParams) (string, error) {
	instructions := []solana.Instruction{
		buildSetComputeUnitLimit(params.ComputeUnitLimit),
		buildSetComputeUnitPrice(params.ComputeUnitPrice),
	}

	if params.Token.IsNative() {
		transfer := system.NewTransferInstructionBuilder().
			SetLamports(params.Amount).
			SetFundingAccount(params.Payer).
			SetRecipientAccount(params.Facilitator)
		if !params.Reference.IsZero() {
			// Extra read-only accounts are ignored by the program but pin
			// the transaction to this payment, Solana Pay style.
			transfer.AccountMetaSlice.Append(solana.Meta(params.Reference))
		}
		instructions = append(instructions, transfer.Build())
	} else {
		mint, err := solana.PublicKeyFromBase58(params.Token.Mint)
		if err != nil {
			return "", fmt.Errorf("invalid mint %q: %w", params.Token.Mint, err)
		}
		sourceATA, _, err := solana.FindAssociatedTokenAddress(params.Payer, mint)
		if err != nil {
			return "", fmt.Errorf("derive source token account: %w", err)
		}
		destATA, _, err := solana.FindAssociatedTokenAddress(params.Facilitator, mint)
		if err != nil {
			return "", fmt.Errorf("derive destination token account: %w", err)
		}
		transfer := token.NewTransferCheckedInstructionBuilder().
			SetAmount(params.Amount).
			SetDecimals(params.Token.Decimals).
			SetSourceAccount(sourceATA).
			SetDestinationAccount(destATA).
			SetMintAccount(mint).
			SetOwnerAccount(params.Payer)
		if !params.Reference.IsZero() {
			transfer.Accounts.Append(solana.Meta(params.Reference))
		}
		instructions = append(instructions,
			buildCreateIdempotentATA(params.Facilitator, destATA, params.Facilitator, mint),
			transfer.Build(),
		)
	}

	tx, err := solana.NewTransaction(
		instructions,
		params.Blockhash,
		solana.TransactionPayer(params.Facilitator),
	)
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTransaction parses a base64-encoded transaction.
func DecodeTransaction(blob string) (*solana.Transaction, error) {
	tx, err := solana.TransactionFromBase64(blob)
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, nil
}

// VerifyPayerSigned checks that the signed blob is the stored skeleton with
// a valid payer signature attached. The message bytes must be identical to
// the skeleton's, which pins the instructions, accounts, amount and
// blockhash the payer consented to. The payer must appear among the
// required signers and its signature slot must verify against the message.
func VerifyPayerSigned(skeleton, signedBlob, payerAddress string) error {
	payer, err := solana.PublicKeyFromBase58(payerAddress)
	if err != nil {
		return fmt.Errorf("invalid payer address: %w", err)
	}

	skel, err := DecodeTransaction(skeleton)
	if err != nil {
		return fmt.Errorf("skeleton: %w", err)
	}
	signed, err := DecodeTransaction(signedBlob)
	if err != nil {
		return err
	}

	skelMsg, err := skel.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal skeleton message: %w", err)
	}
	signedMsg, err := signed.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal signed message: %w", err)
	}
	if !bytes.Equal(skelMsg, signedMsg) {
		return fmt.Errorf("transaction message does not match the issued skeleton")
	}

	numSigners := int(signed.Message.Header.NumRequiredSignatures)
	if len(signed.Message.AccountKeys) < numSigners {
		return fmt.Errorf("malformed transaction header")
	}
	if len(signed.Signatures) != numSigners {
		return fmt.Errorf("expected %d signature slots, got %d", numSigners, len(signed.Signatures))
	}

	payerIdx := -1
	for i, key := range signed.Message.AccountKeys[:numSigners] {
		if key.Equals(payer) {
			payerIdx = i
			break
		}
	}
	if payerIdx < 0 {
		return fmt.Errorf("payer %s is not a required signer", payerAddress)
	}

	sig := signed.Signatures[payerIdx]
	if sig.IsZero() {
		return fmt.Errorf("payer signature is missing")
	}
	if !ed25519.Verify(ed25519.PublicKey(payer[:]), signedMsg, sig[:]) {
		return fmt.Errorf("payer signature does not verify")
	}
	return nil
}

// SignedSignatureCount reports how many non-empty signatures a base64
// transaction carries.
func SignedSignatureCount(tx *solana.Transaction) int {
	n := 0
	for _, sig := range tx.Signatures {
		if !sig.IsZero() {
			n++
		}
	}
	return n
}

// buildSetComputeUnitLimit encodes a SetComputeUnitLimit instruction,
// discriminator 2 followed by a little-endian u32.
func buildSetComputeUnitLimit(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = 2
	binary.LittleEndian.PutUint32(data[1:], units)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// buildSetComputeUnitPrice encodes a SetComputeUnitPrice instruction,
// discriminator 3 followed by a little-endian u64 in microlamports.
func buildSetComputeUnitPrice(microLamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = 3
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return solana.NewInstruction(ComputeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

// buildCreateIdempotentATA builds a CreateIdempotent instruction for the
// associated token account program; it succeeds even when the account
// already exists. The funder pays rent for the new account.
func buildCreateIdempotentATA(funder, ata, owner, mint solana.PublicKey) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		{PublicKey: funder, IsSigner: true, IsWritable: true},
		{PublicKey: ata, IsSigner: false, IsWritable: true},
		{PublicKey: owner, IsSigner: false, IsWritable: false},
		{PublicKey: mint, IsSigner: false, IsWritable: false},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, accounts, []byte{1})
}
