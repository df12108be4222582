// Package arbitration wraps the deal service's settlement operations
// behind an administrator capability check. It adds no state machine of
// its own: every ruling goes through the same transitions a deal takes,
// so an arbitrated deal is indistinguishable from one settled normally
// except for its resolution tag.
package arbitration

import (
	"context"
	"errors"
	"sync"

	"github.com/nvoskov/garant/internal/deal"
	"github.com/nvoskov/garant/internal/logging"
)

// ErrNotAdmin is returned when the caller is not a registered administrator.
var ErrNotAdmin = errors.New("caller is not an administrator")

// Directory answers whether an account holds the administrator capability.
type Directory interface {
	IsAdmin(ctx context.Context, accountID string) bool
}

// StaticDirectory is a fixed in-memory admin list, used in demo mode and
// tests. Admins can be added at runtime.
type StaticDirectory struct {
	mu     sync.RWMutex
	admins map[string]bool
}

func NewStaticDirectory(adminIDs ...string) *StaticDirectory {
	d := &StaticDirectory{admins: make(map[string]bool)}
	for _, id := range adminIDs {
		d.admins[id] = true
	}
	return d
}

func (d *StaticDirectory) IsAdmin(ctx context.Context, accountID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.admins[accountID]
}

func (d *StaticDirectory) Grant(accountID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.admins[accountID] = true
}

var _ Directory = (*StaticDirectory)(nil)

// Service gates dispute rulings and force operations on admin identity.
type Service struct {
	deals  *deal.Service
	admins Directory
}

func NewService(deals *deal.Service, admins Directory) *Service {
	return &Service{deals: deals, admins: admins}
}

// ResolveInFavorOfSeller rules a disputed deal for the seller: escrow is
// released as on a normal completion, commission included.
func (s *Service) ResolveInFavorOfSeller(ctx context.Context, dealID, adminID, comment string) (*deal.Deal, error) {
	if err := s.require(ctx, adminID, "resolve", dealID); err != nil {
		return nil, err
	}
	return s.deals.Resolve(ctx, dealID, adminID, true, comment)
}

// ResolveInFavorOfBuyer rules a disputed deal for the buyer: the full
// price is refunded and the platform takes nothing.
func (s *Service) ResolveInFavorOfBuyer(ctx context.Context, dealID, adminID, comment string) (*deal.Deal, error) {
	if err := s.require(ctx, adminID, "resolve", dealID); err != nil {
		return nil, err
	}
	return s.deals.Resolve(ctx, dealID, adminID, false, comment)
}

// ForceComplete settles any funded deal as completed regardless of
// dispute state. Escape hatch for stuck deals.
func (s *Service) ForceComplete(ctx context.Context, dealID, adminID string) (*deal.Deal, error) {
	if err := s.require(ctx, adminID, "force_complete", dealID); err != nil {
		return nil, err
	}
	return s.deals.ForceComplete(ctx, dealID, adminID)
}

// ForceCancel cancels any non-terminal deal, refunding the buyer when
// funds are in escrow.
func (s *Service) ForceCancel(ctx context.Context, dealID, adminID string) (*deal.Deal, error) {
	if err := s.require(ctx, adminID, "force_cancel", dealID); err != nil {
		return nil, err
	}
	return s.deals.ForceCancel(ctx, dealID, adminID)
}

// OpenDisputes lists disputed deals awaiting a ruling.
func (s *Service) OpenDisputes(ctx context.Context, adminID string, limit int) ([]*deal.Deal, error) {
	if err := s.require(ctx, adminID, "list_disputes", ""); err != nil {
		return nil, err
	}
	return s.deals.ListOpenDisputes(ctx, limit)
}

func (s *Service) require(ctx context.Context, adminID, action, dealID string) error {
	if adminID == "" || !s.admins.IsAdmin(ctx, adminID) {
		logging.L(ctx).Warn("arbitration denied", "caller", adminID, "action", action, "deal_id", dealID)
		return ErrNotAdmin
	}
	return nil
}
