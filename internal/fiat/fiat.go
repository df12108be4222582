// Package fiat provides card top-ups through Stripe.
//
// A top-up creates a PaymentIntent for the authenticated account. When
// Stripe confirms the charge through the signed webhook, the account is
// credited on the ledger. The PaymentIntent ID doubles as the deposit
// reference, so a replayed webhook cannot credit twice.
package fiat

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"

	"github.com/nvoskov/garant/internal/money"
)

var (
	ErrInvalidAmount  = errors.New("fiat: invalid top-up amount")
	ErrSubCentAmount  = errors.New("fiat: amount has sub-cent precision")
	ErrMissingAccount = errors.New("fiat: payment has no account metadata")
)

// metadataAccountKey carries the ledger account through Stripe and back.
const metadataAccountKey = "account_id"

// DepositCreditor credits ledger accounts. Satisfied by *ledger.Ledger.
type DepositCreditor interface {
	Deposit(ctx context.Context, accountID, amount, txHash string) error
}

// TopUp is a pending card payment awaiting confirmation.
type TopUp struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret"`
	Amount       string `json:"amount"`
}

// Service creates Stripe payments and settles confirmed ones.
type Service struct {
	creditor      DepositCreditor
	webhookSecret string
}

// NewService configures the Stripe client and returns the service.
func NewService(secretKey, webhookSecret string, creditor DepositCreditor) *Service {
	stripe.Key = secretKey
	return &Service{
		creditor:      creditor,
		webhookSecret: webhookSecret,
	}
}

// CreateTopUp creates a PaymentIntent for the given ledger amount.
func (s *Service) CreateTopUp(ctx context.Context, accountID, amount string) (*TopUp, error) {
	cents, err := AmountToCents(amount)
	if err != nil {
		return nil, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(cents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
	}
	params.Context = ctx
	params.AddMetadata(metadataAccountKey, accountID)

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("fiat: failed to create payment intent: %w", err)
	}

	return &TopUp{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       CentsToAmount(pi.Amount),
	}, nil
}

// settle credits the ledger for one confirmed PaymentIntent.
func (s *Service) settle(ctx context.Context, pi *stripe.PaymentIntent) error {
	accountID := pi.Metadata[metadataAccountKey]
	if accountID == "" {
		return ErrMissingAccount
	}

	amount := CentsToAmount(pi.AmountReceived)
	return s.creditor.Deposit(ctx, accountID, amount, "stripe_"+pi.ID)
}

// AmountToCents converts a 6-decimal ledger amount to Stripe cents.
// Sub-cent precision is rejected rather than silently rounded.
func AmountToCents(amount string) (int64, error) {
	units, ok := money.ParsePositive(amount)
	if !ok {
		return 0, ErrInvalidAmount
	}

	// 1 cent = 10,000 micro-units
	centUnits := big.NewInt(10_000)
	rem := new(big.Int)
	cents, rem := new(big.Int).QuoRem(units, centUnits, rem)
	if rem.Sign() != 0 {
		return 0, ErrSubCentAmount
	}
	if !cents.IsInt64() {
		return 0, ErrInvalidAmount
	}
	return cents.Int64(), nil
}

// CentsToAmount converts Stripe cents to a 6-decimal ledger amount.
func CentsToAmount(cents int64) string {
	units := new(big.Int).Mul(big.NewInt(cents), big.NewInt(10_000))
	return money.Format(units)
}
