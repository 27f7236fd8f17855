// Package provider abstracts the external payment processor. The saga
// talks to this interface only; the Stripe adapter and the test mock are
// the two implementations.
package provider

import (
	"context"
	"time"

	"github.com/hustlexp/money-core/internal/store"
)

// Effect is what a successful provider call left behind on the provider
// side. Only the fields the call produced are set.
type Effect struct {
	PaymentIntentID string
	ChargeID        string
	TransferID      string
	RefundID        string
	ReversalID      string
}

type HoldParams struct {
	TaskID          string
	PosterID        string
	AmountCents     int64
	Currency        string
	PaymentMethodID string
}

type TransferParams struct {
	TaskID             string
	WorkerID           string
	DestinationAccount string
	AmountCents        int64
	Currency           string
	ChargeID           string
}

type RefundParams struct {
	TaskID      string
	ChargeID    string
	AmountCents int64
	Reason      string
}

// Adapter is the outbound payment surface. Every mutating call takes the
// caller's idempotency key; replays with the same key must be safe.
type Adapter interface {
	// CreateHold authorizes the poster's payment and leaves it awaiting
	// capture. No money settles until Capture or CancelHold.
	CreateHold(ctx context.Context, idemKey string, p HoldParams) (*Effect, error)
	// Capture settles a previously authorized hold into the platform
	// balance.
	Capture(ctx context.Context, idemKey, paymentIntentID string) (*Effect, error)
	// CancelHold voids an authorized-but-uncaptured hold, releasing the
	// funds back to the poster without a card refund.
	CancelHold(ctx context.Context, idemKey, paymentIntentID string) (*Effect, error)
	// Transfer moves captured funds to the worker's connected account.
	Transfer(ctx context.Context, idemKey string, p TransferParams) (*Effect, error)
	// ReverseTransfer pulls a transfer back from the connected account.
	ReverseTransfer(ctx context.Context, idemKey, transferID string, amountCents int64) (*Effect, error)
	// Refund returns captured funds to the poster's payment method.
	Refund(ctx context.Context, idemKey string, p RefundParams) (*Effect, error)
	// FindByIdempotencyKey reports whether an outbound money call with
	// this key reached the provider. Used by crash recovery to decide
	// whether an interrupted saga moved external money.
	FindByIdempotencyKey(ctx context.Context, idemKey string) (*Effect, bool, error)
	// ListBalanceTransactions pages the provider's balance history for
	// the reconciliation mirror.
	ListBalanceTransactions(ctx context.Context, since time.Time, limit int) ([]*store.ProviderBalanceTxn, error)
}
