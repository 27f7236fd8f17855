package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hustlexp/money-core/internal/cerr"
	"github.com/hustlexp/money-core/internal/store"
)

// Mock is the in-memory provider used by tests and local mode. It records
// every call keyed by idempotency key and replays effects on key reuse,
// matching the real provider's idempotency layer.
type Mock struct {
	mu      sync.Mutex
	calls   []MockCall
	effects map[string]*Effect
	seq     int

	// FailNext maps a call kind ("hold", "capture", "transfer", "refund",
	// "reverse", "cancel") to an error returned once on the next call of
	// that kind.
	FailNext map[string]error
	// FailAlways maps a call kind to a persistent error.
	FailAlways map[string]error

	// Balance history served to ListBalanceTransactions.
	BalanceTxns []*store.ProviderBalanceTxn
}

type MockCall struct {
	Kind    string
	IdemKey string
	Amount  int64
}

func NewMock() *Mock {
	return &Mock{
		effects:    make(map[string]*Effect),
		FailNext:   make(map[string]error),
		FailAlways: make(map[string]error),
	}
}

var _ Adapter = (*Mock)(nil)

func (m *Mock) next(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s_mock_%04d", prefix, m.seq)
}

// call runs the common bookkeeping: failure injection, idempotent replay,
// and call logging. make builds the effect only for a first-time key.
func (m *Mock) call(kind, idemKey string, amount int64, make func() *Effect) (*Effect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.FailAlways[kind]; err != nil {
		m.calls = append(m.calls, MockCall{Kind: kind, IdemKey: idemKey, Amount: amount})
		return nil, err
	}
	if err := m.FailNext[kind]; err != nil {
		delete(m.FailNext, kind)
		m.calls = append(m.calls, MockCall{Kind: kind, IdemKey: idemKey, Amount: amount})
		return nil, err
	}
	m.calls = append(m.calls, MockCall{Kind: kind, IdemKey: idemKey, Amount: amount})
	if eff, ok := m.effects[idemKey]; ok {
		cp := *eff
		return &cp, nil
	}
	eff := make()
	m.effects[idemKey] = eff
	cp := *eff
	return &cp, nil
}

func (m *Mock) CreateHold(ctx context.Context, idemKey string, p HoldParams) (*Effect, error) {
	if p.AmountCents <= 0 {
		return nil, cerr.Validationf("PROVIDER_REJECTED", "hold amount must be positive")
	}
	return m.call("hold", idemKey, p.AmountCents, func() *Effect {
		return &Effect{PaymentIntentID: m.next("pi"), ChargeID: m.next("ch")}
	})
}

func (m *Mock) Capture(ctx context.Context, idemKey, paymentIntentID string) (*Effect, error) {
	return m.call("capture", idemKey, 0, func() *Effect {
		return &Effect{PaymentIntentID: paymentIntentID}
	})
}

func (m *Mock) CancelHold(ctx context.Context, idemKey, paymentIntentID string) (*Effect, error) {
	return m.call("cancel", idemKey, 0, func() *Effect {
		return &Effect{PaymentIntentID: paymentIntentID}
	})
}

func (m *Mock) Transfer(ctx context.Context, idemKey string, p TransferParams) (*Effect, error) {
	return m.call("transfer", idemKey, p.AmountCents, func() *Effect {
		return &Effect{TransferID: m.next("tr")}
	})
}

func (m *Mock) ReverseTransfer(ctx context.Context, idemKey, transferID string, amountCents int64) (*Effect, error) {
	return m.call("reverse", idemKey, amountCents, func() *Effect {
		return &Effect{TransferID: transferID, ReversalID: m.next("trr")}
	})
}

func (m *Mock) Refund(ctx context.Context, idemKey string, p RefundParams) (*Effect, error) {
	return m.call("refund", idemKey, p.AmountCents, func() *Effect {
		return &Effect{ChargeID: p.ChargeID, RefundID: m.next("re")}
	})
}

func (m *Mock) FindByIdempotencyKey(ctx context.Context, idemKey string) (*Effect, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eff, ok := m.effects[idemKey]
	if !ok {
		return nil, false, nil
	}
	cp := *eff
	return &cp, true, nil
}

func (m *Mock) ListBalanceTransactions(ctx context.Context, since time.Time, limit int) ([]*store.ProviderBalanceTxn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ProviderBalanceTxn
	for _, t := range m.BalanceTxns {
		if t.Created.Before(since) {
			continue
		}
		cp := *t
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Calls returns a copy of the call log.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount reports how many calls of kind were made.
func (m *Mock) CallCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Kind == kind {
			n++
		}
	}
	return n
}
