package models

import (
	"encoding/json"
	"time"
)

// TransferState is the overall state of a transfer, derived from its legs
type TransferState string

const (
	TransferPending   TransferState = "pending"
	TransferCompleted TransferState = "completed"
	TransferFailed    TransferState = "failed"
)

// Reconciliation is a later observation of a leg that already timed out
type Reconciliation struct {
	LegIndex       int       `json:"leg_index"`
	ObservedStatus LegStatus `json:"observed_status"`
	RealizedOutput string    `json:"realized_output,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Transfer is the aggregate root of one logical cross-chain transfer
type Transfer struct {
	ID              string           `json:"id"`
	Intent          TransferIntent   `json:"intent"`
	Legs            []Leg            `json:"legs"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	CancelledAt     *time.Time       `json:"cancelled_at,omitempty"`
	Reconciliations []Reconciliation `json:"reconciliations,omitempty"`
}

// DeriveState computes the overall transfer state from leg states alone.
// Any failed or timed out leg fails the transfer, completion requires every leg filled.
func DeriveState(legs []Leg) TransferState {
	filled := 0
	for _, leg := range legs {
		switch leg.Status {
		case LegFailed, LegTimedOut:
			return TransferFailed
		case LegFilled:
			filled++
		}
	}
	if len(legs) > 0 && filled == len(legs) {
		return TransferCompleted
	}
	return TransferPending
}

// State returns the derived overall state
func (t *Transfer) State() TransferState {
	return DeriveState(t.Legs)
}

// IsTerminal reports whether every leg settled or one of them failed
func (t *Transfer) IsTerminal() bool {
	return t.State() != TransferPending
}

// Cancelled reports whether the caller stopped the transfer
func (t *Transfer) Cancelled() bool {
	return t.CancelledAt != nil
}

// Stopped reports whether nothing more will be scheduled for the transfer.
// A cancelled transfer may still have legs settling on-chain.
func (t *Transfer) Stopped() bool {
	return t.IsTerminal() || t.Cancelled()
}

// ActiveLeg returns the index of the first non-terminal leg, or -1
func (t *Transfer) ActiveLeg() int {
	for i := range t.Legs {
		if !t.Legs[i].Status.IsTerminal() {
			return i
		}
	}
	return -1
}

// FailedLeg returns the first failed or timed out leg, if any
func (t *Transfer) FailedLeg() (*Leg, bool) {
	for i := range t.Legs {
		if t.Legs[i].Status == LegFailed || t.Legs[i].Status == LegTimedOut {
			return &t.Legs[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy safe to hand to other goroutines
func (t *Transfer) Clone() *Transfer {
	c := *t
	c.Legs = make([]Leg, len(t.Legs))
	for i := range t.Legs {
		c.Legs[i] = t.Legs[i].clone()
	}
	c.Reconciliations = append([]Reconciliation(nil), t.Reconciliations...)
	if t.CancelledAt != nil {
		at := *t.CancelledAt
		c.CancelledAt = &at
	}
	return &c
}

type transferAlias Transfer

// MarshalJSON includes the derived state for API consumers
func (t Transfer) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		transferAlias
		State TransferState `json:"state"`
	}{
		transferAlias: transferAlias(t),
		State:         t.State(),
	})
}
