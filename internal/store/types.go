// Package store defines the persistence contract for the money core and
// the record types shared by its implementations. Two implementations
// exist: store/postgres for production and store/memory for tests and
// local mode.
package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("store: not found")

type OwnerType string

const (
	OwnerPlatform OwnerType = "platform"
	OwnerUser     OwnerType = "user"
	OwnerTask     OwnerType = "task"
)

type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountExpense   AccountType = "expense"
)

// DebitPositive reports whether debits increase the balance for this
// account type. Assets and expenses are debit-positive; liabilities and
// equity are credit-positive.
func (t AccountType) DebitPositive() bool {
	return t == AccountAsset || t == AccountExpense
}

// Account balances are mutable only through committed ledger transactions.
// HeadTxID is the monotonic causality head: the largest committed
// transaction ID that has touched this account.
type Account struct {
	ID              string
	OwnerType       OwnerType
	OwnerID         string
	Type            AccountType
	Currency        string
	Balance         int64
	BaselineBalance int64
	BaselineTxID    string
	HeadTxID        string
	Metadata        map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxExecuting TxStatus = "executing"
	TxCommitted TxStatus = "committed"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// LedgerTransaction IDs are UUIDv7: time-ordered and lexicographically
// sortable, which is what the monotonic-head check compares.
type LedgerTransaction struct {
	ID             string
	Type           string
	IdempotencyKey string
	Status         TxStatus
	Metadata       map[string]string
	CreatedAt      time.Time
	CommittedAt    *time.Time
}

type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

type LedgerEntry struct {
	TransactionID string
	AccountID     string
	Direction     Direction
	Amount        int64
}

// LedgerPrepare is the forensic prepare-intent stream, independent of the
// transaction's own status column.
type LedgerPrepare struct {
	TransactionID  string
	IdempotencyKey string
	Type           string
	RecordedAt     time.Time
}

type LedgerSnapshot struct {
	AccountID    string
	Balance      int64
	LastTxID     string
	SnapshotHash string
	CreatedAt    time.Time
}

// MoneyStateLock is the per-task escrow state row. Exactly one per task;
// never deleted.
type MoneyStateLock struct {
	TaskID            string
	CurrentState      string
	NextAllowedEvents []string
	PaymentIntentID   string
	ChargeID          string
	TransferID        string
	RefundID          string
	Version           int64
	LastTransitionAt  time.Time
}

// ProcessedEvent insertion is the commit barrier: the operation happened
// if and only if this row exists.
type ProcessedEvent struct {
	EventID     string
	TaskID      string
	EventType   string
	ProcessedAt time.Time
}

type AppLock struct {
	ResourceID string
	OwnerID    string
	ExpiresAt  time.Time
}

type PendingActionStatus string

const (
	ActionPending  PendingActionStatus = "pending"
	ActionFailed   PendingActionStatus = "failed"
	ActionResolved PendingActionStatus = "resolved"
	ActionDead     PendingActionStatus = "dead"
)

type PendingAction struct {
	ID            string
	TransactionID string
	Type          string
	Payload       []byte
	RetryCount    int
	Status        PendingActionStatus
	NextRetryAt   time.Time
	ErrorLog      []string
	CreatedAt     time.Time
}

// ProviderBalanceTxn mirrors one row of the provider's balance history.
type ProviderBalanceTxn struct {
	ID                string
	Amount            int64
	Currency          string
	Type              string
	Status            string
	AvailableOn       time.Time
	Created           time.Time
	ReportingCategory string
	SourceID          string
	Description       string
}

type Task struct {
	ID          string
	PosterID    string
	WorkerID    string
	Title       string
	Description string
	Category    string
	City        string
	PriceCents  int64

	TPEEEvaluationID string
	TPEEDecision     string
	TPEEReasonCode   string
	TPEEConfidence   float64
	PolicySnapshotID string

	CreatedAt time.Time
}

type DisputeStatus string

const (
	DisputePending       DisputeStatus = "pending"
	DisputeUnderReview   DisputeStatus = "under_review"
	DisputeResolvedRefund DisputeStatus = "resolved_refund"
	DisputeResolvedUphold DisputeStatus = "resolved_uphold"
)

// Terminal reports whether the dispute no longer blocks payouts.
func (s DisputeStatus) Terminal() bool {
	return s == DisputeResolvedRefund || s == DisputeResolvedUphold
}

type Dispute struct {
	ID         string
	TaskID     string
	OpenedBy   string
	Reason     string
	Status     DisputeStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// IdempotentResponse caches the first response for an (endpoint, key)
// pair for a bounded TTL.
type IdempotentResponse struct {
	Scope       string
	Key         string
	RequestHash []byte
	StatusCode  int
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// NewID returns a random entity identifier.
func NewID() string { return uuid.NewString() }

// NewTimeOrderedID returns a UUIDv7 string: lexicographic order matches
// creation-time order, which the causality checks depend on.
func NewTimeOrderedID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// v7 generation only fails if the entropy source does, in which
		// case nothing else in the process works either.
		panic(err)
	}
	return id.String()
}

// TimeOfID extracts the embedded timestamp of a UUIDv7 identifier.
func TimeOfID(id string) (time.Time, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), nil
}
