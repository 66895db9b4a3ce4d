package store

import (
	"context"
	"sync"

	"github.com/Qwerydotxyz/qwery-x402-facilitator/internal/models"
)

// MemoryStore is an in-memory PaymentStore used in tests and single-process
// development runs.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*models.Payment
	// byKey indexes live and confirmed payments by idempotency key. Keys
	// held by failed/expired payments are released so the intent can be
	// re-created.
	byKey map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*models.Payment),
		byKey:    make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, p *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[p.ID]; exists {
		return ErrDuplicateID
	}
	if p.IdempotencyKey != "" {
		if _, exists := s.byKey[p.IdempotencyKey]; exists {
			return ErrDuplicateIdempotencyKey
		}
		s.byKey[p.IdempotencyKey] = p.ID
	}
	s.payments[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetByIdempotencyKey(_ context.Context, key string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) CompareAndSet(_ context.Context, id string, expected models.Status, p *models.Payment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.payments[id]
	if !ok {
		return false, ErrNotFound
	}
	if current.Status != expected {
		return false, nil
	}
	s.payments[id] = p.Clone()
	if p.IdempotencyKey != "" && (p.Status == models.StatusFailed || p.Status == models.StatusExpired) {
		delete(s.byKey, p.IdempotencyKey)
	}
	return true, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, statuses ...models.Status) ([]*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Payment
	for _, p := range s.payments {
		for _, st := range statuses {
			if p.Status == st {
				out = append(out, p.Clone())
				break
			}
		}
	}
	return out, nil
}
