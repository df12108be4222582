package deal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory deal store for demo/development mode.
type MemoryStore struct {
	deals    map[string]*Deal
	messages map[string][]*Message // dealID -> ordered thread
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory deal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals:    make(map[string]*Deal),
		messages: make(map[string][]*Message),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, d *Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.deals[d.ID]; exists {
		return errors.New("deal already exists: " + d.ID)
	}
	cp := *d
	m.deals[d.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) UpdateState(ctx context.Context, id string, expected, next State, change StateChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deals[id]
	if !ok {
		return ErrDealNotFound
	}
	if d.State != expected {
		return ErrStaleState
	}
	if change.SetBuyer != "" && d.BuyerAccount != "" {
		return ErrStaleState
	}

	d.State = next
	if change.SetBuyer != "" {
		d.BuyerAccount = change.SetBuyer
	}
	if change.ClearBuyer {
		d.BuyerAccount = ""
	}
	if change.DisputeReason != "" {
		d.DisputeReason = change.DisputeReason
	}
	if change.Resolution != "" {
		d.Resolution = change.Resolution
	}
	d.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerAccount string, limit int) ([]*Deal, error) {
	return m.list(func(d *Deal) bool { return d.SellerAccount == sellerAccount }, limit)
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerAccount string, limit int) ([]*Deal, error) {
	return m.list(func(d *Deal) bool { return d.BuyerAccount == buyerAccount }, limit)
}

func (m *MemoryStore) ListByState(ctx context.Context, state State, limit int) ([]*Deal, error) {
	return m.list(func(d *Deal) bool { return d.State == state }, limit)
}

func (m *MemoryStore) list(match func(*Deal) bool, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if match(d) {
			cp := *d
			result = append(result, &cp)
		}
	}
	// Newest first, same order the SQL store returns.
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deals[msg.DealID]; !ok {
		return ErrDealNotFound
	}
	cp := *msg
	m.messages[msg.DealID] = append(m.messages[msg.DealID], &cp)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, dealID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	thread := m.messages[dealID]
	result := make([]*Message, 0, len(thread))
	for _, msg := range thread {
		cp := *msg
		result = append(result, &cp)
	}
	return result, nil
}
