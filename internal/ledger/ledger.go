// Package ledger tracks user balances with a double-entry journal.
//
// Every money movement is written as a set of legs sharing a correlation
// ID, and the legs of one movement always sum to zero. User accounts can
// never go negative; system accounts (escrow, commission, reserve) may.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/nvoskov/garant/internal/idgen"
	"github.com/nvoskov/garant/internal/money"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrDuplicateDeposit  = errors.New("deposit already processed")
	ErrUnbalancedLegs    = errors.New("operation legs do not sum to zero")
	ErrLedgerCorrupt     = errors.New("ledger integrity violation")
)

// System account IDs. Created once at startup by EnsureSystemAccounts.
const (
	SystemEscrow     = "sys_escrow"     // funds locked for in-flight deals
	SystemCommission = "sys_commission" // platform commission revenue
	SystemReserve    = "sys_reserve"    // counterparty for deposits/withdrawals
)

// Entry categories.
const (
	CategoryDeposit       = "deposit"
	CategoryWithdrawal    = "withdrawal"
	CategoryEscrowHold    = "escrow_hold"
	CategoryEscrowRelease = "escrow_release"
	CategoryEscrowRefund  = "escrow_refund"
	CategoryCommission    = "commission"
	CategoryExchange      = "exchange"
	CategoryAdjustment    = "adjustment"
)

// Account is a balance-carrying account. System accounts belong to the
// platform and are exempt from the non-negative balance rule.
type Account struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId,omitempty"`
	Name      string    `json:"name"`
	System    bool      `json:"system"`
	Balance   string    `json:"balance"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is one leg of a journal operation. Amount is signed: positive
// credits the account, negative debits it.
type Entry struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlationId"`
	AccountID     string    `json:"accountId"`
	Amount        string    `json:"amount"`
	Category      string    `json:"category"`
	DealID        string    `json:"dealId,omitempty"`
	TxHash        string    `json:"txHash,omitempty"`
	Memo          string    `json:"memo,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// EntryPair is the two legs of a double-entry movement.
type EntryPair struct {
	Debit  *Entry `json:"debit"`
	Credit *Entry `json:"credit"`
}

// Leg is one account delta inside an Operation.
type Leg struct {
	AccountID string
	Amount    string // signed
}

// Operation is an atomic journal write: all legs commit or none do.
type Operation struct {
	CorrelationID string
	Category      string
	DealID        string
	TxHash        string
	Memo          string
	Legs          []Leg
}

// Store persists accounts and journal entries.
type Store interface {
	CreateAccount(ctx context.Context, acc *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	Accounts(ctx context.Context) ([]*Account, error)
	// Apply atomically adjusts every leg's account balance and records
	// one entry per leg, returning the written entries in leg order.
	// It fails with ErrInsufficientFunds if a non-system account would
	// go negative, and ErrAccountNotFound if any leg references a
	// missing account.
	Apply(ctx context.Context, op Operation) ([]*Entry, error)
	History(ctx context.Context, accountID string, limit int) ([]*Entry, error)
	EntriesByDeal(ctx context.Context, dealID string) ([]*Entry, error)
	// SumEntries returns the signed sum of entry amounts for one
	// account, or for the whole journal when accountID is empty.
	SumEntries(ctx context.Context, accountID string) (string, error)
	HasDeposit(ctx context.Context, txHash string) (bool, error)
}

// Ledger manages accounts and money movements.
type Ledger struct {
	store Store
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// EnsureSystemAccounts creates the platform system accounts if missing.
// Safe to call on every startup.
func (l *Ledger) EnsureSystemAccounts(ctx context.Context) error {
	for id, name := range map[string]string{
		SystemEscrow:     "escrow lockbox",
		SystemCommission: "platform commission",
		SystemReserve:    "external reserve",
	} {
		if _, err := l.store.GetAccount(ctx, id); err == nil {
			continue
		} else if !errors.Is(err, ErrAccountNotFound) {
			return err
		}
		acc := &Account{
			ID:        id,
			Name:      name,
			System:    true,
			Balance:   "0.000000",
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := l.store.CreateAccount(ctx, acc); err != nil {
			return err
		}
	}
	return nil
}

// OpenAccount creates a new user account with a zero balance.
func (l *Ledger) OpenAccount(ctx context.Context, ownerID, name string) (*Account, error) {
	acc := &Account{
		ID:        idgen.Account(),
		OwnerID:   ownerID,
		Name:      name,
		Balance:   "0.000000",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := l.store.CreateAccount(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// GetAccount returns one account by ID.
func (l *Ledger) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	return l.store.GetAccount(ctx, accountID)
}

// BalanceOf returns an account's current balance.
func (l *Ledger) BalanceOf(ctx context.Context, accountID string) (string, error) {
	acc, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	return acc.Balance, nil
}

// CanSpend checks whether an account covers the given amount.
func (l *Ledger) CanSpend(ctx context.Context, accountID, amount string) (bool, error) {
	if _, ok := money.ParsePositive(amount); !ok {
		return false, ErrInvalidAmount
	}
	acc, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	return money.Cmp(acc.Balance, amount) >= 0, nil
}

// Deposit credits an account from the external reserve. txHash makes the
// credit idempotent: a tx already seen returns ErrDuplicateDeposit.
func (l *Ledger) Deposit(ctx context.Context, accountID, amount, txHash string) error {
	defer observeOp("deposit")()

	if _, ok := money.ParsePositive(amount); !ok {
		return ErrInvalidAmount
	}
	if txHash != "" {
		exists, err := l.store.HasDeposit(ctx, txHash)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateDeposit
		}
	}

	_, err := l.store.Apply(ctx, Operation{
		CorrelationID: idgen.New(),
		Category:      CategoryDeposit,
		TxHash:        txHash,
		Memo:          "deposit",
		Legs: []Leg{
			{AccountID: accountID, Amount: amount},
			{AccountID: SystemReserve, Amount: money.Neg(amount)},
		},
	})
	return err
}

// Withdraw debits an account back to the external reserve.
func (l *Ledger) Withdraw(ctx context.Context, accountID, amount, txHash string) error {
	defer observeOp("withdrawal")()

	if _, ok := money.ParsePositive(amount); !ok {
		return ErrInvalidAmount
	}

	_, err := l.store.Apply(ctx, Operation{
		CorrelationID: idgen.New(),
		Category:      CategoryWithdrawal,
		TxHash:        txHash,
		Memo:          "withdrawal",
		Legs: []Leg{
			{AccountID: accountID, Amount: money.Neg(amount)},
			{AccountID: SystemReserve, Amount: amount},
		},
	})
	return err
}

// Transfer moves funds directly between two accounts and returns the
// written debit/credit pair.
func (l *Ledger) Transfer(ctx context.Context, from, to, amount, category, dealID, memo string) (*EntryPair, error) {
	defer observeOp("transfer")()

	if _, ok := money.ParsePositive(amount); !ok {
		return nil, ErrInvalidAmount
	}
	if category == "" {
		category = CategoryExchange
	}

	entries, err := l.store.Apply(ctx, Operation{
		CorrelationID: idgen.New(),
		Category:      category,
		DealID:        dealID,
		Memo:          memo,
		Legs: []Leg{
			{AccountID: from, Amount: money.Neg(amount)},
			{AccountID: to, Amount: amount},
		},
	})
	if err != nil {
		return nil, err
	}
	return pairOf(entries), nil
}

// Hold locks a buyer's funds in the escrow lockbox for a deal.
func (l *Ledger) Hold(ctx context.Context, buyerAccount, amount, dealID string) (*EntryPair, error) {
	defer observeOp("escrow_hold")()

	if _, ok := money.ParsePositive(amount); !ok {
		return nil, ErrInvalidAmount
	}

	entries, err := l.store.Apply(ctx, Operation{
		CorrelationID: idgen.New(),
		Category:      CategoryEscrowHold,
		DealID:        dealID,
		Memo:          "funds locked",
		Legs: []Leg{
			{AccountID: buyerAccount, Amount: money.Neg(amount)},
			{AccountID: SystemEscrow, Amount: amount},
		},
	})
	if err != nil {
		return nil, err
	}
	return pairOf(entries), nil
}

// Release pays out an escrowed deal: the seller receives price minus
// commission and the platform keeps the commission. All three legs
// commit atomically; the written entries come back in leg order.
func (l *Ledger) Release(ctx context.Context, sellerAccount, price, commission, dealID string) ([]*Entry, error) {
	defer observeOp("escrow_release")()

	priceBig, ok := money.ParsePositive(price)
	if !ok {
		return nil, ErrInvalidAmount
	}
	commBig, ok := money.Parse(commission)
	if !ok || commBig.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	// Commission is capped at the deal price.
	if commBig.Cmp(priceBig) > 0 {
		commBig = priceBig
	}
	payout := new(big.Int).Sub(priceBig, commBig)

	legs := []Leg{{AccountID: SystemEscrow, Amount: money.Neg(price)}}
	if payout.Sign() > 0 {
		legs = append(legs, Leg{AccountID: sellerAccount, Amount: money.Format(payout)})
	}
	if commBig.Sign() > 0 {
		legs = append(legs, Leg{AccountID: SystemCommission, Amount: money.Format(commBig)})
	}

	return l.store.Apply(ctx, Operation{
		CorrelationID: idgen.New(),
		Category:      CategoryEscrowRelease,
		DealID:        dealID,
		Memo:          "escrow released to seller",
		Legs:          legs,
	})
}

// Refund returns an escrowed deal's funds to the buyer in full.
func (l *Ledger) Refund(ctx context.Context, buyerAccount, price, dealID string) (*EntryPair, error) {
	defer observeOp("escrow_refund")()

	if _, ok := money.ParsePositive(price); !ok {
		return nil, ErrInvalidAmount
	}

	entries, err := l.store.Apply(ctx, Operation{
		CorrelationID: idgen.New(),
		Category:      CategoryEscrowRefund,
		DealID:        dealID,
		Memo:          "escrow refunded to buyer",
		Legs: []Leg{
			{AccountID: SystemEscrow, Amount: money.Neg(price)},
			{AccountID: buyerAccount, Amount: price},
		},
	})
	if err != nil {
		return nil, err
	}
	return pairOf(entries), nil
}

// History returns journal entries for an account, newest first.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, accountID, limit)
}

// EntriesByDeal returns every journal entry tied to one deal.
func (l *Ledger) EntriesByDeal(ctx context.Context, dealID string) ([]*Entry, error) {
	return l.store.EntriesByDeal(ctx, dealID)
}

// CheckIntegrity verifies the two ledger invariants: the whole journal
// sums to zero, and every account balance matches the sum of its
// entries. Returns ErrLedgerCorrupt with detail on the first violation.
func (l *Ledger) CheckIntegrity(ctx context.Context) error {
	total, err := l.store.SumEntries(ctx, "")
	if err != nil {
		return err
	}
	if !money.IsZero(total) {
		return fmt.Errorf("%w: journal sums to %s, want 0", ErrLedgerCorrupt, total)
	}

	accounts, err := l.store.Accounts(ctx)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		sum, err := l.store.SumEntries(ctx, acc.ID)
		if err != nil {
			return err
		}
		if money.Cmp(acc.Balance, sum) != 0 {
			return fmt.Errorf("%w: account %s balance %s does not match entry sum %s",
				ErrLedgerCorrupt, acc.ID, acc.Balance, sum)
		}
	}
	return nil
}

// pairOf splits a two-leg movement's entries into debit and credit by
// sign.
func pairOf(entries []*Entry) *EntryPair {
	pair := &EntryPair{}
	for _, e := range entries {
		amt, _ := money.Parse(e.Amount)
		if amt.Sign() < 0 {
			pair.Debit = e
		} else {
			pair.Credit = e
		}
	}
	return pair
}

// validateOperation checks an operation's shape before a store applies it.
// Shared by the store implementations.
func validateOperation(op Operation) error {
	if len(op.Legs) < 2 {
		return ErrUnbalancedLegs
	}
	sum := big.NewInt(0)
	for _, leg := range op.Legs {
		amt, ok := money.Parse(leg.Amount)
		if !ok || amt.Sign() == 0 {
			return ErrInvalidAmount
		}
		sum.Add(sum, amt)
	}
	if sum.Sign() != 0 {
		return ErrUnbalancedLegs
	}
	return nil
}
