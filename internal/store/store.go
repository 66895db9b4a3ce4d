package store

import (
	"context"
	"errors"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/models"
)

var (
	ErrNotFound                = errors.New("store: payment not found")
	ErrDuplicateID             = errors.New("store: payment id already exists")
	ErrDuplicateIdempotencyKey = errors.New("store: idempotency key already in use")
)

// PaymentStore is the durable record store for payments. Implementations
// must provide atomic compare-and-set semantics on status transitions; the
// settlement engine relies on that to keep transitions race-free across
// concurrent actors.
type PaymentStore interface {
	// Create persists a new payment. It fails with
	// ErrDuplicateIdempotencyKey when another payment that is not
	// failed/expired already holds the same idempotency key.
	Create(ctx context.Context, p *models.Payment) error

	// Get returns the payment by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*models.Payment, error)

	// GetByIdempotencyKey returns the payment holding the key, excluding
	// failed and expired records: a key whose payment failed is released
	// for a fresh creation.
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error)

	// CompareAndSet replaces the stored record only if its current status
	// equals expected. It returns false (without error) when the guard
	// does not match.
	CompareAndSet(ctx context.Context, id string, expected models.Status, p *models.Payment) (bool, error)

	// ListByStatus returns all payments currently in one of the given
	// statuses.
	ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Payment, error)
}
