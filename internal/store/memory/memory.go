// Package memory is the in-process store used by tests and local mode.
// A single transaction mutex serializes RunInTx sections, which is the
// same serialization the row locks provide in Postgres.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hustlexp/money-core/internal/store"
)

type txKeyType struct{}

var txKey txKeyType

type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex

	accounts        map[string]*store.Account
	accountsByOwner map[string]string // ownerType|ownerID|type -> accountID
	ledgerTxs       map[string]*store.LedgerTransaction
	ledgerTxsByKey  map[string]string
	entries         map[string][]store.LedgerEntry
	prepares        []store.LedgerPrepare
	snapshots       map[string]*store.LedgerSnapshot
	stateLocks      map[string]*store.MoneyStateLock
	processed       map[string]*store.ProcessedEvent
	appLocks        map[string]*store.AppLock
	pendingActions  map[string]*store.PendingAction
	mirror          map[string]*store.ProviderBalanceTxn
	tasks           map[string]*store.Task
	disputes        map[string]*store.Dispute
	idemResponses   map[string]*store.IdempotentResponse
	webhooksSeen    map[string]string

	auditsStore
}

func New() *Store {
	return &Store{
		accounts:        make(map[string]*store.Account),
		accountsByOwner: make(map[string]string),
		ledgerTxs:       make(map[string]*store.LedgerTransaction),
		ledgerTxsByKey:  make(map[string]string),
		entries:         make(map[string][]store.LedgerEntry),
		snapshots:       make(map[string]*store.LedgerSnapshot),
		stateLocks:      make(map[string]*store.MoneyStateLock),
		processed:       make(map[string]*store.ProcessedEvent),
		appLocks:        make(map[string]*store.AppLock),
		pendingActions:  make(map[string]*store.PendingAction),
		mirror:          make(map[string]*store.ProviderBalanceTxn),
		tasks:           make(map[string]*store.Task),
		disputes:        make(map[string]*store.Dispute),
		idemResponses:   make(map[string]*store.IdempotentResponse),
		webhooksSeen:    make(map[string]string),
	}
}

var _ store.Store = (*Store)(nil)

// RunInTx serializes transactional sections. Nested calls join the
// enclosing section.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(context.WithValue(ctx, txKey, true))
}

// RunInReadTx holds the same coarse transaction lock: reads inside fn
// see one consistent snapshot of the maps.
func (s *Store) RunInReadTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.RunInTx(ctx, fn)
}

// --- Accounts ---

func ownerKey(owner store.OwnerType, ownerID string, typ store.AccountType) string {
	return string(owner) + "|" + ownerID + "|" + string(typ)
}

func (s *Store) EnsureAccount(ctx context.Context, owner store.OwnerType, ownerID string, typ store.AccountType, currency string) (*store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ownerKey(owner, ownerID, typ)
	if id, ok := s.accountsByOwner[key]; ok {
		return cloneAccount(s.accounts[id]), nil
	}
	now := time.Now().UTC()
	a := &store.Account{
		ID:        store.NewID(),
		OwnerType: owner,
		OwnerID:   ownerID,
		Type:      typ,
		Currency:  strings.ToUpper(currency),
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[a.ID] = a
	s.accountsByOwner[key] = a.ID
	return cloneAccount(a), nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneAccount(a), nil
}

func (s *Store) AdjustBalance(ctx context.Context, accountID string, delta int64, headTxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return store.ErrNotFound
	}
	a.Balance += delta
	a.HeadTxID = headTxID
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateBaseline(ctx context.Context, accountID string, balance int64, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return store.ErrNotFound
	}
	a.BaselineBalance = balance
	a.BaselineTxID = txID
	return nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]*store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, cloneAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Ledger transactions and entries ---

func (s *Store) InsertLedgerTransaction(ctx context.Context, tx *store.LedgerTransaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledgerTxsByKey[tx.IdempotencyKey]; ok {
		return false, nil
	}
	cp := cloneTx(tx)
	s.ledgerTxs[cp.ID] = cp
	s.ledgerTxsByKey[cp.IdempotencyKey] = cp.ID
	return true, nil
}

func (s *Store) GetLedgerTransaction(ctx context.Context, id string) (*store.LedgerTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.ledgerTxs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTx(tx), nil
}

func (s *Store) GetLedgerTransactionByKey(ctx context.Context, idempotencyKey string) (*store.LedgerTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ledgerTxsByKey[idempotencyKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTx(s.ledgerTxs[id]), nil
}

func (s *Store) UpdateLedgerTransactionStatus(ctx context.Context, id string, from []store.TxStatus, to store.TxStatus, mergeMeta map[string]string, committedAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.ledgerTxs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	matched := len(from) == 0
	for _, f := range from {
		if tx.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	tx.Status = to
	if tx.Metadata == nil {
		tx.Metadata = map[string]string{}
	}
	for k, v := range mergeMeta {
		if _, exists := tx.Metadata[k]; !exists {
			tx.Metadata[k] = v
		}
	}
	if committedAt != nil {
		t := committedAt.UTC()
		tx.CommittedAt = &t
	}
	return true, nil
}

func (s *Store) ListPendingTransactionsBefore(ctx context.Context, cutoff time.Time) ([]*store.LedgerTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.LedgerTransaction
	for _, tx := range s.ledgerTxs {
		if (tx.Status == store.TxPending || tx.Status == store.TxExecuting) && tx.CreatedAt.Before(cutoff) {
			out = append(out, cloneTx(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListTransactionsByType(ctx context.Context, txType string, since time.Time) ([]*store.LedgerTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.LedgerTransaction
	for _, tx := range s.ledgerTxs {
		if tx.Type == txType && !tx.CreatedAt.Before(since) {
			out = append(out, cloneTx(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) InsertLedgerEntries(ctx context.Context, entries []store.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[e.TransactionID] = append(s.entries[e.TransactionID], e)
	}
	return nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, txID string) ([]store.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.LedgerEntry, len(s.entries[txID]))
	copy(out, s.entries[txID])
	return out, nil
}

func (s *Store) DeleteLedgerEntries(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, txID)
	return nil
}

func (s *Store) ListCommittedEntriesSince(ctx context.Context, accountID, sinceTxID string) ([]store.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.LedgerEntry
	for txID, entries := range s.entries {
		tx := s.ledgerTxs[txID]
		if tx == nil || (tx.Status != store.TxCommitted && tx.Status != store.TxConfirmed) {
			continue
		}
		if sinceTxID != "" && txID <= sinceTxID {
			continue
		}
		for _, e := range entries {
			if e.AccountID == accountID {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	return out, nil
}

func (s *Store) InsertLedgerPrepare(ctx context.Context, p *store.LedgerPrepare) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepares = append(s.prepares, *p)
	return nil
}

// Prepares exposes the prepare-intent stream to tests.
func (s *Store) Prepares() []store.LedgerPrepare {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.LedgerPrepare, len(s.prepares))
	copy(out, s.prepares)
	return out
}

// --- Snapshots ---

func (s *Store) UpsertSnapshot(ctx context.Context, snap *store.LedgerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.snapshots[snap.AccountID] = &cp
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, accountID string) (*store.LedgerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

// --- helpers ---

func cloneAccount(a *store.Account) *store.Account {
	cp := *a
	cp.Metadata = cloneMeta(a.Metadata)
	return &cp
}

func cloneTx(tx *store.LedgerTransaction) *store.LedgerTransaction {
	cp := *tx
	cp.Metadata = cloneMeta(tx.Metadata)
	if tx.CommittedAt != nil {
		t := *tx.CommittedAt
		cp.CommittedAt = &t
	}
	return &cp
}

func cloneMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
