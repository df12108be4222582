package deal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nvoskov/garant/internal/idgen"
	"github.com/nvoskov/garant/internal/logging"
	"github.com/nvoskov/garant/internal/money"
	"github.com/nvoskov/garant/internal/validation"
)

// LedgerService abstracts fund movement so deal doesn't import ledger.
// Implementations translate their own failure sentinels into this
// package's: insufficient balance becomes ErrInsufficientFunds and a
// missing account becomes ErrAccountNotFound.
type LedgerService interface {
	CanSpend(ctx context.Context, accountID, amount string) (bool, error)
	Hold(ctx context.Context, buyerAccount, amount, dealID string) error
	Release(ctx context.Context, sellerAccount, price, commission, dealID string) error
	Refund(ctx context.Context, buyerAccount, price, dealID string) error
}

// Notifier receives transition events fire-and-forget. Implementations
// must never block the transition; failures are logged by the sink.
type Notifier interface {
	Notify(ctx context.Context, accountID, eventKind string, payload map[string]any)
}

// Event kinds emitted to the notifier.
const (
	EventFunded     = "deal.funded"
	EventFulfilling = "deal.fulfilling"
	EventCompleted  = "deal.completed"
	EventDisputed   = "deal.disputed"
	EventResolved   = "deal.resolved"
	EventCancelled  = "deal.cancelled"
	EventMessage    = "deal.message"
)

const maxTitleLength = 200

// Service implements the escrow state machine.
type Service struct {
	store          Store
	ledger         LedgerService
	notifier       Notifier
	commissionFlat string
	minPrice       string
	maxPrice       string
}

// NewService creates a new deal service. commissionFlat is the flat fee
// charged on completion; deals priced at or below it carry no commission.
func NewService(store Store, ledger LedgerService, commissionFlat string) *Service {
	return &Service{
		store:          store,
		ledger:         ledger,
		commissionFlat: commissionFlat,
	}
}

// WithNotifier adds a transition notification sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithPriceBounds restricts the allowed deal price range.
func (s *Service) WithPriceBounds(min, max string) *Service {
	s.minPrice = min
	s.maxPrice = max
	return s
}

// CreateDeal lists a new item for sale. The commission is computed and
// frozen at creation time.
func (s *Service) CreateDeal(ctx context.Context, sellerAccount, title, description, price string) (*Deal, error) {
	priceBig, ok := money.ParsePositive(price)
	if !ok {
		return nil, ErrInvalidPrice
	}
	price = money.Format(priceBig)
	if s.minPrice != "" && money.Cmp(price, s.minPrice) < 0 {
		return nil, ErrInvalidPrice
	}
	if s.maxPrice != "" && money.Cmp(price, s.maxPrice) > 0 {
		return nil, ErrInvalidPrice
	}
	title = validation.SanitizeString(title, maxTitleLength)
	if title == "" {
		return nil, errors.New("title is required")
	}

	// Flat commission, capped below the price: a deal cheaper than the
	// fee is listed commission-free rather than rejected.
	commission := s.commissionFlat
	if commission == "" || money.Cmp(commission, price) >= 0 {
		commission = "0.000000"
	}

	now := time.Now()
	d := &Deal{
		ID:            idgen.Deal(),
		Title:         title,
		Description:   validation.SanitizeString(description, validation.MaxStringLength),
		Price:         price,
		Commission:    commission,
		SellerAccount: sellerAccount,
		State:         StateListed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create deal: %w", err)
	}

	s.systemMessage(ctx, d.ID, fmt.Sprintf("deal listed by %s at %s", sellerAccount, price))
	return d, nil
}

// ClaimDeal assigns the caller as buyer and locks the price in escrow.
// Exactly one of two racing claims succeeds; the loser gets
// ErrStaleState.
func (s *Service) ClaimDeal(ctx context.Context, dealID, buyerAccount string) (*Deal, error) {
	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if buyerAccount == d.SellerAccount {
		return nil, ErrUnauthorized
	}
	if d.State != StateListed || d.BuyerAccount != "" {
		return nil, ErrInvalidTransition
	}

	// Cheap precondition check; the hold below is the authoritative one.
	ok, err := s.ledger.CanSpend(ctx, buyerAccount, d.Price)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInsufficientFunds
	}

	// Lock the funds before touching the deal. The hold has to come
	// first: once the deal is funded the seller may act on it, so a
	// compensating write back to listed could lose that race. A refund
	// of the hold, by contrast, is a plain ledger movement that no
	// state transition can interfere with.
	if err := s.ledger.Hold(ctx, buyerAccount, d.Price, dealID); err != nil {
		return nil, fmt.Errorf("failed to lock funds for deal %s: %w", dealID, err)
	}

	// Serialization point: only one claim wins the CAS. A loser walks
	// away with its hold refunded in full.
	if err := s.store.UpdateState(ctx, dealID, StateListed, StateFunded, StateChange{SetBuyer: buyerAccount}); err != nil {
		if refErr := s.ledger.Refund(ctx, buyerAccount, d.Price, dealID); refErr != nil {
			logging.L(ctx).Error("failed to refund hold after losing claim",
				"deal_id", dealID, "buyer", buyerAccount, "error", refErr)
		}
		return nil, err
	}

	d.State = StateFunded
	d.BuyerAccount = buyerAccount
	d.UpdatedAt = time.Now()

	s.systemMessage(ctx, dealID, fmt.Sprintf("buyer %s paid %s into escrow", buyerAccount, d.Price))
	s.notify(ctx, d.SellerAccount, EventFunded, d)
	return d, nil
}

// MarkFulfilled records that the seller delivered the goods.
func (s *Service) MarkFulfilled(ctx context.Context, dealID, sellerAccount string) (*Deal, error) {
	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if sellerAccount != d.SellerAccount {
		return nil, ErrUnauthorized
	}
	if d.State != StateFunded {
		return nil, ErrInvalidTransition
	}

	if err := s.store.UpdateState(ctx, dealID, StateFunded, StateFulfilling, StateChange{}); err != nil {
		return nil, err
	}

	d.State = StateFulfilling
	d.UpdatedAt = time.Now()

	s.systemMessage(ctx, dealID, fmt.Sprintf("seller %s marked the goods as delivered", sellerAccount))
	s.notify(ctx, d.BuyerAccount, EventFulfilling, d)
	return d, nil
}

// ConfirmReceipt completes the deal: the seller receives the price minus
// commission, the platform keeps the commission.
func (s *Service) ConfirmReceipt(ctx context.Context, dealID, buyerAccount string) (*Deal, error) {
	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if buyerAccount != d.BuyerAccount {
		return nil, ErrUnauthorized
	}
	if d.State != StateFulfilling {
		return nil, ErrInvalidTransition
	}

	if err := s.store.UpdateState(ctx, dealID, StateFulfilling, StateCompleted, StateChange{}); err != nil {
		return nil, err
	}

	if err := s.ledger.Release(ctx, d.SellerAccount, d.Price, d.Commission, dealID); err != nil {
		if casErr := s.store.UpdateState(ctx, dealID, StateCompleted, StateFulfilling, StateChange{}); casErr != nil {
			logging.L(ctx).Error("failed to unwind completion after release failure",
				"deal_id", dealID, "error", casErr)
		}
		return nil, fmt.Errorf("failed to release funds for deal %s: %w", dealID, err)
	}

	d.State = StateCompleted
	d.UpdatedAt = time.Now()

	s.systemMessage(ctx, dealID, fmt.Sprintf("buyer %s confirmed receipt; %s released to seller, commission %s",
		buyerAccount, money.Sub(d.Price, d.Commission), d.Commission))
	s.notify(ctx, d.SellerAccount, EventCompleted, d)
	return d, nil
}

// OpenDispute freezes the deal for arbitration. Funds stay in escrow.
// Disputed deals wait indefinitely for an administrator.
func (s *Service) OpenDispute(ctx context.Context, dealID, buyerAccount, reason string) (*Deal, error) {
	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if buyerAccount != d.BuyerAccount {
		return nil, ErrUnauthorized
	}
	if d.State != StateFulfilling {
		return nil, ErrInvalidTransition
	}

	reason = validation.SanitizeString(reason, validation.MaxStringLength)
	if err := s.store.UpdateState(ctx, dealID, StateFulfilling, StateDisputed, StateChange{DisputeReason: reason}); err != nil {
		return nil, err
	}

	d.State = StateDisputed
	d.DisputeReason = reason
	d.UpdatedAt = time.Now()

	body := fmt.Sprintf("buyer %s opened a dispute", buyerAccount)
	if reason != "" {
		body += ": " + reason
	}
	s.systemMessage(ctx, dealID, body)
	s.notify(ctx, d.SellerAccount, EventDisputed, d)
	return d, nil
}

// CancelListing withdraws an unclaimed listing. Only the seller may
// cancel, and only before a buyer claims.
func (s *Service) CancelListing(ctx context.Context, dealID, sellerAccount string) (*Deal, error) {
	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if sellerAccount != d.SellerAccount {
		return nil, ErrUnauthorized
	}
	if d.State != StateListed {
		return nil, ErrInvalidTransition
	}

	if err := s.store.UpdateState(ctx, dealID, StateListed, StateCancelled, StateChange{Resolution: "seller_cancelled"}); err != nil {
		return nil, err
	}

	d.State = StateCancelled
	d.Resolution = "seller_cancelled"
	d.UpdatedAt = time.Now()

	s.systemMessage(ctx, dealID, fmt.Sprintf("listing cancelled by seller %s", sellerAccount))
	return d, nil
}

// Resolve settles a disputed deal in favor of one party. Called by the
// arbitration layer; adminID is already verified as an administrator.
func (s *Service) Resolve(ctx context.Context, dealID, adminID string, sellerWins bool, comment string) (*Deal, error) {
	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if d.State.Terminal() {
		return nil, ErrAlreadyResolved
	}
	if d.State != StateDisputed {
		return nil, ErrNotDisputed
	}

	next := StateResolvedBuyer
	resolution := "resolved_for_buyer"
	if sellerWins {
		next = StateResolvedSeller
		resolution = "resolved_for_seller"
	}

	if err := s.store.UpdateState(ctx, dealID, StateDisputed, next, StateChange{Resolution: resolution}); err != nil {
		return nil, err
	}

	var ledgerErr error
	if sellerWins {
		ledgerErr = s.ledger.Release(ctx, d.SellerAccount, d.Price, d.Commission, dealID)
	} else {
		ledgerErr = s.ledger.Refund(ctx, d.BuyerAccount, d.Price, dealID)
	}
	if ledgerErr != nil {
		if casErr := s.store.UpdateState(ctx, dealID, next, StateDisputed, StateChange{}); casErr != nil {
			logging.L(ctx).Error("failed to unwind resolution after ledger failure",
				"deal_id", dealID, "error", casErr)
		}
		return nil, fmt.Errorf("failed to settle deal %s: %w", dealID, ledgerErr)
	}

	d.State = next
	d.Resolution = resolution
	d.UpdatedAt = time.Now()

	winner := d.BuyerAccount
	if sellerWins {
		winner = d.SellerAccount
	}
	body := fmt.Sprintf("administrator %s resolved the dispute in favor of %s", adminID, winner)
	if comment != "" {
		body += ": " + validation.SanitizeString(comment, validation.MaxStringLength)
	}
	s.systemMessage(ctx, dealID, body)
	s.notify(ctx, d.BuyerAccount, EventResolved, d)
	s.notify(ctx, d.SellerAccount, EventResolved, d)
	return d, nil
}

// ForceComplete settles any non-terminal funded deal as completed,
// paying the seller. Bypasses the disputed-state requirement.
func (s *Service) ForceComplete(ctx context.Context, dealID, adminID string) (*Deal, error) {
	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if d.State.Terminal() {
		return nil, ErrAlreadyResolved
	}
	// A deal nobody paid for cannot be completed.
	if !d.State.funded() {
		return nil, ErrInvalidTransition
	}

	prev := d.State
	if err := s.store.UpdateState(ctx, dealID, prev, StateCompleted, StateChange{Resolution: "admin_force_complete"}); err != nil {
		return nil, err
	}

	if err := s.ledger.Release(ctx, d.SellerAccount, d.Price, d.Commission, dealID); err != nil {
		if casErr := s.store.UpdateState(ctx, dealID, StateCompleted, prev, StateChange{}); casErr != nil {
			logging.L(ctx).Error("failed to unwind force-complete after release failure",
				"deal_id", dealID, "error", casErr)
		}
		return nil, fmt.Errorf("failed to settle deal %s: %w", dealID, err)
	}

	d.State = StateCompleted
	d.Resolution = "admin_force_complete"
	d.UpdatedAt = time.Now()

	s.systemMessage(ctx, dealID, fmt.Sprintf("administrator %s force-completed the deal", adminID))
	s.notify(ctx, d.BuyerAccount, EventCompleted, d)
	s.notify(ctx, d.SellerAccount, EventCompleted, d)
	return d, nil
}

// ForceCancel cancels any non-terminal deal, refunding the buyer in
// full when funds are held.
func (s *Service) ForceCancel(ctx context.Context, dealID, adminID string) (*Deal, error) {
	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if d.State.Terminal() {
		return nil, ErrAlreadyResolved
	}

	prev := d.State
	if err := s.store.UpdateState(ctx, dealID, prev, StateCancelled, StateChange{Resolution: "admin_force_cancel"}); err != nil {
		return nil, err
	}

	if prev.funded() {
		if err := s.ledger.Refund(ctx, d.BuyerAccount, d.Price, dealID); err != nil {
			if casErr := s.store.UpdateState(ctx, dealID, StateCancelled, prev, StateChange{}); casErr != nil {
				logging.L(ctx).Error("failed to unwind force-cancel after refund failure",
					"deal_id", dealID, "error", casErr)
			}
			return nil, fmt.Errorf("failed to refund deal %s: %w", dealID, err)
		}
	}

	d.State = StateCancelled
	d.Resolution = "admin_force_cancel"
	d.UpdatedAt = time.Now()

	s.systemMessage(ctx, dealID, fmt.Sprintf("administrator %s cancelled the deal", adminID))
	if d.BuyerAccount != "" {
		s.notify(ctx, d.BuyerAccount, EventCancelled, d)
	}
	s.notify(ctx, d.SellerAccount, EventCancelled, d)
	return d, nil
}

// PostMessage appends a chat message from a deal participant.
func (s *Service) PostMessage(ctx context.Context, dealID, authorID, body string) (*Message, error) {
	body = validation.SanitizeString(body, validation.MaxStringLength)
	if body == "" {
		return nil, ErrEmptyMessage
	}

	d, err := s.store.Get(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if authorID != d.SellerAccount && authorID != d.BuyerAccount {
		return nil, ErrUnauthorized
	}

	msg := &Message{
		ID:        idgen.Message(),
		DealID:    dealID,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	// Ping the counterparty, if there is one yet.
	other := d.SellerAccount
	if authorID == d.SellerAccount {
		other = d.BuyerAccount
	}
	if other != "" {
		s.notify(ctx, other, EventMessage, d)
	}
	return msg, nil
}

// GetDeal returns one deal by ID.
func (s *Service) GetDeal(ctx context.Context, dealID string) (*Deal, error) {
	return s.store.Get(ctx, dealID)
}

// ListMessages returns the deal's full thread in chronological order,
// chat and system audit events interleaved.
func (s *Service) ListMessages(ctx context.Context, dealID string) ([]*Message, error) {
	if _, err := s.store.Get(ctx, dealID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, dealID)
}

// ListBySeller returns deals where the account is the seller.
func (s *Service) ListBySeller(ctx context.Context, sellerAccount string, limit int) ([]*Deal, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListBySeller(ctx, sellerAccount, limit)
}

// ListByBuyer returns deals where the account is the buyer.
func (s *Service) ListByBuyer(ctx context.Context, buyerAccount string, limit int) ([]*Deal, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByBuyer(ctx, buyerAccount, limit)
}

// ListByState returns deals in one state, newest first.
func (s *Service) ListByState(ctx context.Context, state State, limit int) ([]*Deal, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByState(ctx, state, limit)
}

// ListOpenDisputes returns disputed deals awaiting arbitration.
func (s *Service) ListOpenDisputes(ctx context.Context, limit int) ([]*Deal, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByState(ctx, StateDisputed, limit)
}

// systemMessage appends an audit event to the deal thread. A failed
// append never rolls back a committed transition; it is logged instead.
func (s *Service) systemMessage(ctx context.Context, dealID, body string) {
	msg := &Message{
		ID:        idgen.Message(),
		DealID:    dealID,
		Body:      body,
		IsSystem:  true,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		logging.L(ctx).Error("failed to append system message", "deal_id", dealID, "error", err)
	}
}

// notify dispatches a transition event fire-and-forget.
func (s *Service) notify(ctx context.Context, accountID, eventKind string, d *Deal) {
	if s.notifier == nil || accountID == "" {
		return
	}
	s.notifier.Notify(ctx, accountID, eventKind, map[string]any{
		"dealId": d.ID,
		"title":  d.Title,
		"state":  string(d.State),
		"price":  d.Price,
	})
}
