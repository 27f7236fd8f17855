package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

var ErrCorruptChain = errors.New("audit chain corruption detected")

// ComputeHash links an event to its predecessor. Every identity-bearing
// field participates so a tampered row breaks the chain.
func ComputeHash(prev string, e Event) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.AuditID + "|" + e.EventID + "|" + e.TaskID))
	_, _ = h.Write([]byte("|" + e.RecordedAt.UTC().Format("2006-01-02T15:04:05.999999999Z")))
	_, _ = h.Write([]byte("|" + e.ActorID + "|" + e.EventType + "|" + string(e.Result)))
	_, _ = h.Write([]byte("|" + e.PreviousState + ">" + e.NewState))
	_, _ = h.Write([]byte("|" + e.PaymentIntentID + "|" + e.ChargeID + "|" + e.TransferID + "|" + e.RefundID))
	_, _ = h.Write([]byte(fmt.Sprintf("|%x", e.RawContext)))
	return hex.EncodeToString(h.Sum(nil))
}

// Chain is the in-process hash chain over money events. Rows are also
// persisted through the store layer; the chain is the cheap in-memory
// tamper check that survives until restart.
type Chain struct {
	mu     sync.Mutex
	events []Event
	last   string
}

func NewChain() *Chain {
	return &Chain{last: "GENESIS"}
}

func (c *Chain) Append(e Event) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.HashPrev = c.last
	e.HashCurr = ComputeHash(c.last, e)

	if len(c.events) > 0 {
		prev := c.events[len(c.events)-1]
		if ComputeHash(prev.HashPrev, prev) != prev.HashCurr {
			return Event{}, ErrCorruptChain
		}
	}

	c.events = append(c.events, e)
	c.last = e.HashCurr
	return e, nil
}

func (c *Chain) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Verify walks the whole chain and reports the first broken link.
func (c *Chain) Verify() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	last := "GENESIS"
	for _, e := range c.events {
		if e.HashPrev != last {
			return ErrCorruptChain
		}
		if ComputeHash(e.HashPrev, e) != e.HashCurr {
			return ErrCorruptChain
		}
		last = e.HashCurr
	}
	return nil
}
