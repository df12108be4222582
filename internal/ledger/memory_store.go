package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/nvoskov/garant/internal/idgen"
	"github.com/nvoskov/garant/internal/money"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account
	entries  []*Entry
	deposits map[string]bool // txHash -> processed
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		deposits: make(map[string]bool),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateAccount(ctx context.Context, acc *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[acc.ID]; exists {
		return errors.New("account already exists: " + acc.ID)
	}
	cp := *acc
	if cp.Balance == "" {
		cp.Balance = "0.000000"
	}
	m.accounts[acc.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (m *MemoryStore) Accounts(ctx context.Context) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		cp := *acc
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) Apply(ctx context.Context, op Operation) ([]*Entry, error) {
	if err := validateOperation(op); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// First pass: verify every account exists and no user account
	// would go negative. Nothing is written until all legs check out.
	newBalances := make(map[string]*big.Int, len(op.Legs))
	for _, leg := range op.Legs {
		acc, ok := m.accounts[leg.AccountID]
		if !ok {
			return nil, ErrAccountNotFound
		}
		bal, present := newBalances[leg.AccountID]
		if !present {
			bal, _ = money.Parse(acc.Balance)
		}
		delta, _ := money.Parse(leg.Amount)
		bal = new(big.Int).Add(bal, delta)
		if !acc.System && bal.Sign() < 0 {
			return nil, ErrInsufficientFunds
		}
		newBalances[leg.AccountID] = bal
	}

	now := time.Now()
	for id, bal := range newBalances {
		m.accounts[id].Balance = money.Format(bal)
		m.accounts[id].UpdatedAt = now
	}
	written := make([]*Entry, 0, len(op.Legs))
	for _, leg := range op.Legs {
		e := &Entry{
			ID:            idgen.Entry(),
			CorrelationID: op.CorrelationID,
			AccountID:     leg.AccountID,
			Amount:        leg.Amount,
			Category:      op.Category,
			DealID:        op.DealID,
			TxHash:        op.TxHash,
			Memo:          op.Memo,
			CreatedAt:     now,
		}
		m.entries = append(m.entries, e)
		cp := *e
		written = append(written, &cp)
	}
	if op.TxHash != "" && op.Category == CategoryDeposit {
		m.deposits[op.TxHash] = true
	}
	return written, nil
}

func (m *MemoryStore) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].AccountID == accountID {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) EntriesByDeal(ctx context.Context, dealID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.DealID == dealID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) SumEntries(ctx context.Context, accountID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := big.NewInt(0)
	for _, e := range m.entries {
		if accountID != "" && e.AccountID != accountID {
			continue
		}
		amt, _ := money.Parse(e.Amount)
		sum.Add(sum, amt)
	}
	return money.Format(sum), nil
}

func (m *MemoryStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deposits[txHash], nil
}
