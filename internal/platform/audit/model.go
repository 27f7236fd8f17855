package audit

import "time"

type Result string

const (
	ResultSuccess Result = "success"
	ResultIntent  Result = "intent"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
	ResultFatal   Result = "fatal"
)

// Event is one row of the forensic money-event stream. Append-only; the
// chain hash makes after-the-fact edits detectable.
type Event struct {
	AuditID       string
	EventID       string
	TaskID        string
	ActorID       string
	EventType     string
	PreviousState string
	NewState      string

	PaymentIntentID string
	ChargeID        string
	TransferID      string
	RefundID        string

	RawContext []byte
	Result     Result
	Reason     string
	RecordedAt time.Time

	HashPrev string
	HashCurr string
}

// AdminAction is written before any admin-initiated transition runs.
type AdminAction struct {
	ID         string
	AdminID    string
	Action     string
	TargetID   string
	TaskID     string
	RawContext []byte
	CreatedAt  time.Time
}
