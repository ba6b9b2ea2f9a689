package payment

import (
	"errors"
	"sync"

	paymentmodel "github.com/vendora/payment-core/internal/core/datamodel/payment"
)

// ErrNotFound is the sentinel returned by Store implementations for unknown
// payment ids or order ids.
var ErrNotFound = errors.New("payment not found")

// Store is the ledger's storage port. A durable backend can be substituted
// without touching the state-machine logic in Service.
type Store interface {
	Create(p *paymentmodel.Payment) error
	GetByID(id string) (*paymentmodel.Payment, error)
	GetByOrderID(orderID string) (*paymentmodel.Payment, error)
	Update(p *paymentmodel.Payment) error
	ListByStatus(statuses ...paymentmodel.Status) ([]*paymentmodel.Payment, error)
}

// MemoryStore is the reference in-process implementation. All reads and
// writes copy the record so only the ledger ever mutates stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*paymentmodel.Payment
	byOrder  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]*paymentmodel.Payment),
		byOrder:  make(map[string]string),
	}
}

func (s *MemoryStore) Create(p *paymentmodel.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.payments[p.ID] = p.Clone()
	s.byOrder[p.OrderID] = p.ID
	return nil
}

func (s *MemoryStore) GetByID(id string) (*paymentmodel.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetByOrderID(orderID string) (*paymentmodel.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.payments[id].Clone(), nil
}

func (s *MemoryStore) Update(p *paymentmodel.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.ID]; !ok {
		return ErrNotFound
	}
	s.payments[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) ListByStatus(statuses ...paymentmodel.Status) ([]*paymentmodel.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*paymentmodel.Payment
	for _, p := range s.payments {
		for _, status := range statuses {
			if p.Status == status {
				out = append(out, p.Clone())
				break
			}
		}
	}
	return out, nil
}
