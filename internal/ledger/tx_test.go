package ledger

import (
	"encoding/base64"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/config"
	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/models"
)

var testBlockhash = solana.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn")

func usdcToken() models.Token {
	return models.Token{
		Kind:     models.TokenSPL,
		Symbol:   "USDC",
		Mint:     config.USDCDevnetMint,
		Decimals: 6,
	}
}

func solToken() models.Token {
	return models.Token{
		Kind:     models.TokenNative,
		Symbol:   "SOL",
		Mint:     config.WrappedSOLMint,
		Decimals: 9,
	}
}

func buildSkeleton(t *testing.T, payer, facilitator solana.PublicKey, tok models.Token, amount uint64) string {
	t.Helper()
	blob, err := BuildUnsignedTransfer(TransferParams{
		Payer:            payer,
		Facilitator:      facilitator,
		Token:            tok,
		Amount:           amount,
		Blockhash:        testBlockhash,
		ComputeUnitLimit: config.DefaultComputeUnitLimit,
		ComputeUnitPrice: config.DefaultComputeUnitPrice,
	})
	require.NoError(t, err)
	return blob
}

// payerSign decodes a skeleton, signs it with the payer key only and
// re-encodes it, the way a paying client would.
func payerSign(t *testing.T, skeleton string, payer solana.PrivateKey) string {
	t.Helper()
	tx, err := DecodeTransaction(skeleton)
	require.NoError(t, err)
	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer
		}
		return nil
	})
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestBuildUnsignedTransferSPL(t *testing.T) {
	payer := solana.NewWallet()
	facilitator := solana.NewWallet()

	blob := buildSkeleton(t, payer.PublicKey(), facilitator.PublicKey(), usdcToken(), 1_000_000)

	tx, err := DecodeTransaction(blob)
	require.NoError(t, err)

	// Compute budget limit, price, idempotent account create, transfer.
	require.Len(t, tx.Message.Instructions, 4)
	require.Empty(t, tx.Signatures)

	// The facilitator occupies the fee payer slot; the payer signs too.
	require.Equal(t, uint8(2), tx.Message.Header.NumRequiredSignatures)
	require.True(t, tx.Message.AccountKeys[0].Equals(facilitator.PublicKey()))

	program, err := tx.Message.Program(tx.Message.Instructions[0].ProgramIDIndex)
	require.NoError(t, err)
	require.True(t, program.Equals(ComputeBudgetProgramID))
}

func TestBuildUnsignedTransferNative(t *testing.T) {
	payer := solana.NewWallet()
	facilitator := solana.NewWallet()

	blob := buildSkeleton(t, payer.PublicKey(), facilitator.PublicKey(), solToken(), 500_000)

	tx, err := DecodeTransaction(blob)
	require.NoError(t, err)

	// Compute budget limit, price, lamport transfer.
	require.Len(t, tx.Message.Instructions, 3)
	require.Equal(t, uint8(2), tx.Message.Header.NumRequiredSignatures)

	program, err := tx.Message.Program(tx.Message.Instructions[2].ProgramIDIndex)
	require.NoError(t, err)
	require.True(t, program.Equals(solana.SystemProgramID))
}

func TestVerifyPayerSigned(t *testing.T) {
	payer := solana.NewWallet()
	facilitator := solana.NewWallet()

	skeleton := buildSkeleton(t, payer.PublicKey(), facilitator.PublicKey(), usdcToken(), 1_000_000)
	signed := payerSign(t, skeleton, payer.PrivateKey)

	require.NoError(t, VerifyPayerSigned(skeleton, signed, payer.PublicKey().String()))
}

func TestVerifyPayerSignedRejectsTamperedAmount(t *testing.T) {
	payer := solana.NewWallet()
	facilitator := solana.NewWallet()

	skeleton := buildSkeleton(t, payer.PublicKey(), facilitator.PublicKey(), usdcToken(), 1_000_000)

	// The client signs a transaction moving a different amount.
	tampered := buildSkeleton(t, payer.PublicKey(), facilitator.PublicKey(), usdcToken(), 1)
	signed := payerSign(t, tampered, payer.PrivateKey)

	err := VerifyPayerSigned(skeleton, signed, payer.PublicKey().String())
	require.ErrorContains(t, err, "does not match the issued skeleton")
}

func TestVerifyPayerSignedRejectsMissingSignature(t *testing.T) {
	payer := solana.NewWallet()
	facilitator := solana.NewWallet()

	skeleton := buildSkeleton(t, payer.PublicKey(), facilitator.PublicKey(), usdcToken(), 1_000_000)

	// An unsigned echo of the skeleton has no signature slots at all.
	err := VerifyPayerSigned(skeleton, skeleton, payer.PublicKey().String())
	require.ErrorContains(t, err, "signature slots")

	// Slots allocated but the payer slot left empty.
	tx, err := DecodeTransaction(skeleton)
	require.NoError(t, err)
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	blob := base64.StdEncoding.EncodeToString(raw)

	err = VerifyPayerSigned(skeleton, blob, payer.PublicKey().String())
	require.ErrorContains(t, err, "signature is missing")
}

func TestVerifyPayerSignedRejectsForgedSignature(t *testing.T) {
	payer := solana.NewWallet()
	facilitator := solana.NewWallet()
	impostor := solana.NewWallet()

	skeleton := buildSkeleton(t, payer.PublicKey(), facilitator.PublicKey(), usdcToken(), 1_000_000)

	// Sign the payer's slot with a different key.
	tx, err := DecodeTransaction(skeleton)
	require.NoError(t, err)
	msg, err := tx.Message.MarshalBinary()
	require.NoError(t, err)
	forged, err := impostor.PrivateKey.Sign(msg)
	require.NoError(t, err)
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	tx.Signatures[1] = forged
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	blob := base64.StdEncoding.EncodeToString(raw)

	err = VerifyPayerSigned(skeleton, blob, payer.PublicKey().String())
	require.ErrorContains(t, err, "does not verify")
}

func TestVerifyPayerSignedRejectsNonSignerPayer(t *testing.T) {
	payer := solana.NewWallet()
	facilitator := solana.NewWallet()
	stranger := solana.NewWallet()

	skeleton := buildSkeleton(t, payer.PublicKey(), facilitator.PublicKey(), usdcToken(), 1_000_000)
	signed := payerSign(t, skeleton, payer.PrivateKey)

	err := VerifyPayerSigned(skeleton, signed, stranger.PublicKey().String())
	require.ErrorContains(t, err, "not a required signer")
}

func TestReferenceMakesSkeletonsDistinct(t *testing.T) {
	payer := solana.NewWallet()
	facilitator := solana.NewWallet()

	params := TransferParams{
		Payer:            payer.PublicKey(),
		Facilitator:      facilitator.PublicKey(),
		Token:            usdcToken(),
		Amount:           1_000_000,
		Blockhash:        testBlockhash,
		ComputeUnitLimit: config.DefaultComputeUnitLimit,
		ComputeUnitPrice: config.DefaultComputeUnitPrice,
	}

	params.Reference = solana.NewWallet().PublicKey()
	first, err := BuildUnsignedTransfer(params)
	require.NoError(t, err)

	params.Reference = solana.NewWallet().PublicKey()
	second, err := BuildUnsignedTransfer(params)
	require.NoError(t, err)

	// Identical payer, amount, token and blockhash, yet the references
	// keep the two skeletons from being interchangeable.
	require.NotEqual(t, first, second)

	signedFirst := payerSign(t, first, payer.PrivateKey)
	err = VerifyPayerSigned(second, signedFirst, payer.PublicKey().String())
	require.ErrorContains(t, err, "does not match the issued skeleton")
}

func TestSignedSignatureCount(t *testing.T) {
	payer := solana.NewWallet()
	facilitator := solana.NewWallet()

	skeleton := buildSkeleton(t, payer.PublicKey(), facilitator.PublicKey(), usdcToken(), 1_000_000)

	tx, err := DecodeTransaction(skeleton)
	require.NoError(t, err)
	require.Equal(t, 0, SignedSignatureCount(tx))

	signed := payerSign(t, skeleton, payer.PrivateKey)
	tx, err = DecodeTransaction(signed)
	require.NoError(t, err)
	require.Equal(t, 1, SignedSignatureCount(tx))
}
