package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.uber.org/zap"

	"github.com/hustlexp/money-core/internal/cerr"
	"github.com/hustlexp/money-core/internal/store"
)

// Stripe adapts the Adapter surface onto the Stripe API. All money calls
// carry the saga's idempotency key so Stripe's replay layer absorbs
// re-drives after a crash.
type Stripe struct {
	sc  *client.API
	log *zap.Logger
}

func NewStripe(secretKey string, log *zap.Logger) *Stripe {
	if log == nil {
		log = zap.NewNop()
	}
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &Stripe{sc: sc, log: log}
}

var _ Adapter = (*Stripe)(nil)

func (s *Stripe) CreateHold(ctx context.Context, idemKey string, p HoldParams) (*Effect, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(p.AmountCents),
		Currency:      stripe.String(p.Currency),
		PaymentMethod: stripe.String(p.PaymentMethodID),
		Confirm:       stripe.Bool(true),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idemKey)
	params.AddMetadata("task_id", p.TaskID)
	params.AddMetadata("poster_id", p.PosterID)
	params.AddMetadata("idempotency_key", idemKey)

	pi, err := s.sc.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	eff := &Effect{PaymentIntentID: pi.ID}
	if pi.LatestCharge != nil {
		eff.ChargeID = pi.LatestCharge.ID
	}
	return eff, nil
}

func (s *Stripe) Capture(ctx context.Context, idemKey, paymentIntentID string) (*Effect, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idemKey)
	pi, err := s.sc.PaymentIntents.Capture(paymentIntentID, params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	eff := &Effect{PaymentIntentID: pi.ID}
	if pi.LatestCharge != nil {
		eff.ChargeID = pi.LatestCharge.ID
	}
	return eff, nil
}

func (s *Stripe) CancelHold(ctx context.Context, idemKey, paymentIntentID string) (*Effect, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idemKey)
	pi, err := s.sc.PaymentIntents.Cancel(paymentIntentID, params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	return &Effect{PaymentIntentID: pi.ID}, nil
}

func (s *Stripe) Transfer(ctx context.Context, idemKey string, p TransferParams) (*Effect, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(p.AmountCents),
		Currency:    stripe.String(p.Currency),
		Destination: stripe.String(p.DestinationAccount),
		// The transfer group doubles as the recovery probe handle, see
		// FindByIdempotencyKey.
		TransferGroup: stripe.String(idemKey),
	}
	if p.ChargeID != "" {
		params.SourceTransaction = stripe.String(p.ChargeID)
	}
	params.Context = ctx
	params.SetIdempotencyKey(idemKey)
	params.AddMetadata("task_id", p.TaskID)
	params.AddMetadata("worker_id", p.WorkerID)
	params.AddMetadata("idempotency_key", idemKey)

	tr, err := s.sc.Transfers.New(params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	return &Effect{TransferID: tr.ID}, nil
}

func (s *Stripe) ReverseTransfer(ctx context.Context, idemKey, transferID string, amountCents int64) (*Effect, error) {
	params := &stripe.TransferReversalParams{
		ID:     stripe.String(transferID),
		Amount: stripe.Int64(amountCents),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idemKey)
	rev, err := s.sc.TransferReversals.New(params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	return &Effect{TransferID: transferID, ReversalID: rev.ID}, nil
}

func (s *Stripe) Refund(ctx context.Context, idemKey string, p RefundParams) (*Effect, error) {
	params := &stripe.RefundParams{
		Charge: stripe.String(p.ChargeID),
		Amount: stripe.Int64(p.AmountCents),
	}
	if p.Reason != "" {
		params.Reason = stripe.String(p.Reason)
	}
	params.Context = ctx
	params.SetIdempotencyKey(idemKey)
	params.AddMetadata("task_id", p.TaskID)
	params.AddMetadata("idempotency_key", idemKey)

	ref, err := s.sc.Refunds.New(params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	return &Effect{ChargeID: p.ChargeID, RefundID: ref.ID}, nil
}

// FindByIdempotencyKey probes for an outbound effect without creating one.
// Payment intents are found through metadata search, transfers through the
// transfer group. Refunds are not probeable this way; re-driving a refund
// with its original key is safe because Stripe replays it.
func (s *Stripe) FindByIdempotencyKey(ctx context.Context, idemKey string) (*Effect, bool, error) {
	searchParams := &stripe.PaymentIntentSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   fmt.Sprintf("metadata['idempotency_key']:'%s'", idemKey),
			Context: ctx,
		},
	}
	it := s.sc.PaymentIntents.Search(searchParams)
	for it.Next() {
		pi := it.PaymentIntent()
		eff := &Effect{PaymentIntentID: pi.ID}
		if pi.LatestCharge != nil {
			eff.ChargeID = pi.LatestCharge.ID
		}
		return eff, true, nil
	}
	if err := it.Err(); err != nil {
		return nil, false, mapStripeErr(err)
	}

	listParams := &stripe.TransferListParams{TransferGroup: stripe.String(idemKey)}
	listParams.Context = ctx
	lit := s.sc.Transfers.List(listParams)
	for lit.Next() {
		return &Effect{TransferID: lit.Transfer().ID}, true, nil
	}
	if err := lit.Err(); err != nil {
		return nil, false, mapStripeErr(err)
	}
	return nil, false, nil
}

func (s *Stripe) ListBalanceTransactions(ctx context.Context, since time.Time, limit int) ([]*store.ProviderBalanceTxn, error) {
	params := &stripe.BalanceTransactionListParams{
		CreatedRange: &stripe.RangeQueryParams{GreaterThanOrEqual: since.Unix()},
	}
	params.Context = ctx
	if limit > 0 {
		params.Limit = stripe.Int64(int64(limit))
	}
	it := s.sc.BalanceTransactions.List(params)
	var out []*store.ProviderBalanceTxn
	for it.Next() {
		bt := it.BalanceTransaction()
		row := &store.ProviderBalanceTxn{
			ID:                bt.ID,
			Amount:            bt.Amount,
			Currency:          string(bt.Currency),
			Type:              string(bt.Type),
			Status:            string(bt.Status),
			AvailableOn:       time.Unix(bt.AvailableOn, 0).UTC(),
			Created:           time.Unix(bt.Created, 0).UTC(),
			ReportingCategory: string(bt.ReportingCategory),
			Description:       bt.Description,
		}
		if bt.Source != nil {
			row.SourceID = bt.Source.ID
		}
		out = append(out, row)
	}
	if err := it.Err(); err != nil {
		return nil, mapStripeErr(err)
	}
	return out, nil
}

// mapStripeErr folds Stripe failures into the error taxonomy. Card and
// request rejections are final; everything else is retryable.
func mapStripeErr(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusTooManyRequests:
			return cerr.Wrap(cerr.KindTransient, "PROVIDER_RATE_LIMITED", err, "stripe rate limited")
		case se.Type == stripe.ErrorTypeCard:
			return cerr.Wrap(cerr.KindPolicy, "CARD_DECLINED", err, "card declined: %s", se.Code)
		case se.Type == stripe.ErrorTypeInvalidRequest:
			return cerr.Wrap(cerr.KindValidation, "PROVIDER_REJECTED", err, "stripe rejected request: %s", se.Code)
		}
	}
	return cerr.Wrap(cerr.KindTransient, "PROVIDER_FAILURE", err, "stripe call failed")
}
