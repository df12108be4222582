// Package deal implements the escrow marketplace: listings, the deal
// state machine, and the per-deal message thread.
//
// Flow:
//  1. Seller lists an item at a price
//  2. Buyer claims it → price moves from buyer into the escrow lockbox
//  3. Seller marks the goods delivered
//  4. Buyer confirms → seller is paid (minus commission), or
//  5. Buyer disputes → deal freezes until an administrator resolves it
//
// Transitions are serialized through the store's compare-and-swap on the
// deal state. There are no per-deal locks and no automatic retries: the
// loser of a concurrent transition gets ErrStaleState.
package deal

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDealNotFound      = errors.New("deal not found")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidTransition = errors.New("invalid transition for this deal state")
	ErrStaleState        = errors.New("deal state changed concurrently")
	ErrUnauthorized      = errors.New("not authorized for this deal operation")
	ErrAlreadyResolved   = errors.New("deal already in a terminal state")
	ErrNotDisputed       = errors.New("deal is not disputed")
	ErrInvalidPrice      = errors.New("invalid price")
	ErrEmptyMessage      = errors.New("message body is empty")
)

// State represents the state of a deal.
type State string

const (
	StateListed         State = "listed"          // seller created, awaiting a buyer
	StateFunded         State = "funded"          // buyer paid; platform holds funds
	StateFulfilling     State = "fulfilling"      // seller marked goods delivered
	StateCompleted      State = "completed"       // buyer confirmed; seller paid
	StateDisputed       State = "disputed"        // buyer rejected delivery; awaiting review
	StateResolvedSeller State = "resolved_seller" // arbitration paid the seller
	StateResolvedBuyer  State = "resolved_buyer"  // arbitration refunded the buyer
	StateCancelled      State = "cancelled"       // withdrawn; funds (if any) refunded
)

// Terminal returns true if no further ordinary transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateResolvedSeller, StateResolvedBuyer:
		return true
	}
	return false
}

// funded reports whether the escrow lockbox holds this deal's price.
func (s State) funded() bool {
	switch s {
	case StateFunded, StateFulfilling, StateDisputed:
		return true
	}
	return false
}

// Deal is an escrow listing/trade. Price and commission are immutable
// after creation; the buyer is set exactly once, on claim.
type Deal struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	Price         string    `json:"price"`
	Commission    string    `json:"commission"`
	SellerAccount string    `json:"sellerAccount"`
	BuyerAccount  string    `json:"buyerAccount,omitempty"`
	State         State     `json:"state"`
	DisputeReason string    `json:"disputeReason,omitempty"`
	Resolution    string    `json:"resolution,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Message is one entry in a deal's thread. System messages are written
// only by the state machine and form the audit trail used in
// arbitration; they interleave chronologically with user chat.
type Message struct {
	ID        string    `json:"id"`
	DealID    string    `json:"dealId"`
	AuthorID  string    `json:"authorId,omitempty"` // empty for system
	Body      string    `json:"body"`
	IsSystem  bool      `json:"isSystem"`
	CreatedAt time.Time `json:"createdAt"`
}

// StateChange carries the field updates that ride along with a CAS
// state write.
type StateChange struct {
	SetBuyer      string // assign the buyer (claim); CAS also requires no buyer yet
	ClearBuyer    bool   // unassign the buyer
	DisputeReason string
	Resolution    string
}

// Store persists deals and their message threads.
type Store interface {
	Create(ctx context.Context, deal *Deal) error
	Get(ctx context.Context, id string) (*Deal, error)
	// UpdateState writes next only if the stored state still equals
	// expected (and, when change.SetBuyer is set, the deal has no buyer
	// yet). Returns ErrStaleState on mismatch. This is the serialization
	// point for all transitions.
	UpdateState(ctx context.Context, id string, expected, next State, change StateChange) error
	ListBySeller(ctx context.Context, sellerAccount string, limit int) ([]*Deal, error)
	ListByBuyer(ctx context.Context, buyerAccount string, limit int) ([]*Deal, error)
	ListByState(ctx context.Context, state State, limit int) ([]*Deal, error)
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, dealID string) ([]*Message, error)
}
