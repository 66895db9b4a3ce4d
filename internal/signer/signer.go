package signer

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ErrUnavailable means the signing backend could not produce a signature.
// The input transaction has not been consumed; the caller may retry.
var ErrUnavailable = errors.New("signer: unavailable")

// Signer countersigns payer-signed transactions with the facilitator key,
// which occupies the fee payer slot.
type Signer interface {
	// Cosign fills the fee payer signature slot of a base64 transaction and
	// returns the fully signed blob. Existing signatures are preserved.
	Cosign(signedTx string) (string, error)

	PublicKey() solana.PublicKey
	Address() string
}

// KeypairSigner signs with an in-process ed25519 keypair.
type KeypairSigner struct {
	key solana.PrivateKey
}

// NewKeypairSigner parses a base58-encoded private key.
func NewKeypairSigner(base58Key string) (*KeypairSigner, error) {
	key, err := solana.PrivateKeyFromBase58(base58Key)
	if err != nil {
		return nil, fmt.Errorf("parse facilitator private key: %w", err)
	}
	return &KeypairSigner{key: key}, nil
}

func (s *KeypairSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *KeypairSigner) Address() string {
	return s.key.PublicKey().String()
}

func (s *KeypairSigner) Cosign(signedTx string) (string, error) {
	tx, err := solana.TransactionFromBase64(signedTx)
	if err != nil {
		return "", fmt.Errorf("%w: decode transaction: %v", ErrUnavailable, err)
	}

	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.key.PublicKey()) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: sign transaction: %v", ErrUnavailable, err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("%w: marshal transaction: %v", ErrUnavailable, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
