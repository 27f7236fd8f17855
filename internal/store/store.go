package store

import (
	"context"
	"time"

	"github.com/hustlexp/money-core/internal/platform/audit"
)

// Store is the persistence contract. Methods called inside RunInTx see
// the transaction through the context; outside they run autocommit.
type Store interface {
	// RunInTx runs fn inside a serializable transaction. Nested calls
	// join the enclosing transaction.
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	// RunInReadTx runs fn inside a read-only repeatable-read transaction,
	// giving multi-statement reads one consistent snapshot.
	RunInReadTx(ctx context.Context, fn func(ctx context.Context) error) error

	Accounts
	LedgerTxs
	Snapshots
	StateLocks
	ProcessedEvents
	Audits
	AppLocks
	PendingActions
	Mirror
	Tasks
	Disputes
	IdempotentResponses
	Webhooks
}

type Accounts interface {
	// EnsureAccount creates the account on first reference by owner+type.
	EnsureAccount(ctx context.Context, owner OwnerType, ownerID string, typ AccountType, currency string) (*Account, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	// AdjustBalance applies a signed delta and advances the monotonic
	// head to headTxID.
	AdjustBalance(ctx context.Context, accountID string, delta int64, headTxID string) error
	UpdateBaseline(ctx context.Context, accountID string, balance int64, txID string) error
	ListAccounts(ctx context.Context) ([]*Account, error)
}

type LedgerTxs interface {
	// InsertLedgerTransaction reports false when the idempotency key
	// already exists (ON CONFLICT DO NOTHING semantics).
	InsertLedgerTransaction(ctx context.Context, tx *LedgerTransaction) (bool, error)
	GetLedgerTransaction(ctx context.Context, id string) (*LedgerTransaction, error)
	GetLedgerTransactionByKey(ctx context.Context, idempotencyKey string) (*LedgerTransaction, error)
	// UpdateLedgerTransactionStatus CAS-moves status from one of `from`
	// to `to`, merging metadata append-only. Reports false on CAS miss.
	UpdateLedgerTransactionStatus(ctx context.Context, id string, from []TxStatus, to TxStatus, mergeMeta map[string]string, committedAt *time.Time) (bool, error)
	ListPendingTransactionsBefore(ctx context.Context, cutoff time.Time) ([]*LedgerTransaction, error)
	ListTransactionsByType(ctx context.Context, txType string, since time.Time) ([]*LedgerTransaction, error)

	InsertLedgerEntries(ctx context.Context, entries []LedgerEntry) error
	ListLedgerEntries(ctx context.Context, txID string) ([]LedgerEntry, error)
	DeleteLedgerEntries(ctx context.Context, txID string) error
	// ListCommittedEntriesSince returns entries of committed transactions
	// for the account with transaction ID strictly greater than sinceTxID.
	ListCommittedEntriesSince(ctx context.Context, accountID, sinceTxID string) ([]LedgerEntry, error)

	InsertLedgerPrepare(ctx context.Context, p *LedgerPrepare) error
}

type Snapshots interface {
	UpsertSnapshot(ctx context.Context, s *LedgerSnapshot) error
	GetSnapshot(ctx context.Context, accountID string) (*LedgerSnapshot, error)
}

type StateLocks interface {
	// GetStateLock with forUpdate takes the row-level exclusive lock that
	// serializes all transitions for the task.
	GetStateLock(ctx context.Context, taskID string, forUpdate bool) (*MoneyStateLock, error)
	InsertStateLock(ctx context.Context, l *MoneyStateLock) error
	// UpdateStateLock applies the transition iff the stored version equals
	// expectedVersion. Provider IDs use set-once semantics.
	UpdateStateLock(ctx context.Context, l *MoneyStateLock, expectedVersion int64) (bool, error)
}

type ProcessedEvents interface {
	// InsertProcessedEvent reports false when the event was already
	// processed. This row is the commit barrier.
	InsertProcessedEvent(ctx context.Context, ev *ProcessedEvent) (bool, error)
	GetProcessedEvent(ctx context.Context, eventID string) (*ProcessedEvent, error)
}

type Audits interface {
	AppendMoneyAudit(ctx context.Context, e *audit.Event) error
	AppendAdminAction(ctx context.Context, a *audit.AdminAction) error
	ListMoneyAudits(ctx context.Context, taskID string) ([]*audit.Event, error)
}

type AppLocks interface {
	// TryAcquireAppLock inserts the lock row, or steals it when the
	// existing row has expired. Reports false when contested.
	TryAcquireAppLock(ctx context.Context, resourceID, ownerID string, expiresAt, now time.Time) (bool, error)
	ReleaseAppLock(ctx context.Context, resourceID, ownerID string) error
}

type PendingActions interface {
	EnqueuePendingAction(ctx context.Context, a *PendingAction) error
	DuePendingActions(ctx context.Context, now time.Time, limit int) ([]*PendingAction, error)
	UpdatePendingAction(ctx context.Context, a *PendingAction) error
	CountOpenPendingActions(ctx context.Context) (int64, error)
}

type Mirror interface {
	UpsertProviderBalanceTxn(ctx context.Context, t *ProviderBalanceTxn) error
	// ListOrphanMirrorTxns returns mirror rows with no ledger transaction
	// matching by idempotency key or stripe_txn_id metadata.
	ListOrphanMirrorTxns(ctx context.Context, limit int) ([]*ProviderBalanceTxn, error)
	FindMirrorBySource(ctx context.Context, sourceID string) (*ProviderBalanceTxn, error)
}

type Tasks interface {
	InsertTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTaskWorker(ctx context.Context, taskID, workerID string) error
}

type Disputes interface {
	InsertDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListDisputesByTask(ctx context.Context, taskID string) ([]*Dispute, error)
	UpdateDisputeStatus(ctx context.Context, id string, status DisputeStatus, resolvedAt *time.Time) error
}

type IdempotentResponses interface {
	GetIdempotentResponse(ctx context.Context, scope, key string) (*IdempotentResponse, error)
	PutIdempotentResponse(ctx context.Context, r *IdempotentResponse) error
	DeleteExpiredIdempotentResponses(ctx context.Context, now time.Time, batch int) (int64, error)
}

type Webhooks interface {
	// MarkWebhookSeen reports false when the provider event ID was
	// already ingested.
	MarkWebhookSeen(ctx context.Context, providerEventID, internalID string, at time.Time) (bool, error)
}
