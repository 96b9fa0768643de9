package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/speedrun-hq/bridgerunner/pkg/amount"
)

// ErrIllegalTransition is returned when a leg is asked to move backwards or out of a terminal state
var ErrIllegalTransition = errors.New("illegal leg status transition")

// LegStatus is the lifecycle state of a single leg
type LegStatus string

const (
	LegPending    LegStatus = "pending"
	LegSubmitted  LegStatus = "submitted"
	LegConfirming LegStatus = "confirming"
	LegRelaying   LegStatus = "relaying"
	LegFilled     LegStatus = "filled"
	LegFailed     LegStatus = "failed"
	LegTimedOut   LegStatus = "timed_out"
)

// progress orders the non-failure states along the happy path
var progress = map[LegStatus]int{
	LegPending:    0,
	LegSubmitted:  1,
	LegConfirming: 2,
	LegRelaying:   3,
	LegFilled:     4,
}

// IsTerminal reports whether no further transitions are possible
func (s LegStatus) IsTerminal() bool {
	return s == LegFilled || s == LegFailed || s == LegTimedOut
}

// Valid reports whether s is a known status
func (s LegStatus) Valid() bool {
	_, ok := progress[s]
	return ok || s == LegFailed || s == LegTimedOut
}

// CanTransition reports whether moving from s to next is allowed.
// Forward skips along the happy path are allowed, nothing leaves a terminal state.
func (s LegStatus) CanTransition(next LegStatus) bool {
	if s.IsTerminal() || !next.Valid() || s == next {
		return false
	}
	if next == LegFailed || next == LegTimedOut {
		return true
	}
	return progress[next] > progress[s]
}

// ExecutionHandle identifies one submitted on-chain transaction
type ExecutionHandle struct {
	ChainID         amount.ChainID `json:"chain_id"`
	TransactionHash string         `json:"transaction_hash"`
	SubmittedAt     time.Time      `json:"submitted_at"`
	Kind            TxKind         `json:"kind"`
	VendorRef       string         `json:"vendor_ref,omitempty"`
	// OutputDecimals lets an adapter express the realized output without the quote
	OutputDecimals uint8 `json:"output_decimals"`
}

// Failure captures why a leg did not fill
type Failure struct {
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Shortfall *amount.Amount `json:"shortfall,omitempty"`
}

// StatusChange is one entry of a leg's history
type StatusChange struct {
	From LegStatus `json:"from"`
	To   LegStatus `json:"to"`
	At   time.Time `json:"at"`
}

// Leg is one bridge or swap hop within a transfer
type Leg struct {
	Index       int            `json:"index"`
	Adapter     string         `json:"adapter,omitempty"`
	InputToken  amount.Token   `json:"input_token"`
	OutputToken amount.Token   `json:"output_token"`
	InputAmount *amount.Amount `json:"input_amount,omitempty"`
	Quote       *Quote         `json:"quote,omitempty"`

	Handles []ExecutionHandle `json:"handles,omitempty"`
	Status  LegStatus         `json:"status"`
	History []StatusChange    `json:"history,omitempty"`

	RealizedOutput *amount.Amount `json:"realized_output,omitempty"`
	DestinationTx  string         `json:"destination_tx,omitempty"`
	Failure        *Failure       `json:"failure,omitempty"`

	TrackingStartedAt time.Time `json:"tracking_started_at,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Transition moves the leg to next, recording the change
func (l *Leg) Transition(next LegStatus, at time.Time) error {
	if !l.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s (leg %d)", ErrIllegalTransition, l.Status, next, l.Index)
	}
	l.History = append(l.History, StatusChange{From: l.Status, To: next, At: at})
	l.Status = next
	l.UpdatedAt = at
	return nil
}

// Fill marks the leg as filled with its realized output
func (l *Leg) Fill(realized amount.Amount, destinationTx string, at time.Time) error {
	if err := l.Transition(LegFilled, at); err != nil {
		return err
	}
	l.RealizedOutput = &realized
	l.DestinationTx = destinationTx
	return nil
}

// Fail marks the leg as failed (or timed out) with the given reason
func (l *Leg) Fail(status LegStatus, failure Failure, at time.Time) error {
	if status != LegFailed && status != LegTimedOut {
		return fmt.Errorf("%w: %s is not a failure status", ErrIllegalTransition, status)
	}
	if err := l.Transition(status, at); err != nil {
		return err
	}
	l.Failure = &failure
	return nil
}

// AddHandle records a submitted transaction. Terminal legs are immutable.
func (l *Leg) AddHandle(h ExecutionHandle) error {
	if l.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot record handle on %s leg %d", ErrIllegalTransition, l.Status, l.Index)
	}
	for _, existing := range l.Handles {
		if existing.TransactionHash == h.TransactionHash && existing.ChainID == h.ChainID {
			return nil
		}
	}
	l.Handles = append(l.Handles, h)
	return nil
}

// PrimaryHandle returns the handle of the leg's primary transaction
func (l *Leg) PrimaryHandle() (ExecutionHandle, bool) {
	for i := len(l.Handles) - 1; i >= 0; i-- {
		if l.Handles[i].Kind == TxKindPrimary {
			return l.Handles[i], true
		}
	}
	return ExecutionHandle{}, false
}

func (l Leg) clone() Leg {
	c := l
	c.Handles = append([]ExecutionHandle(nil), l.Handles...)
	c.History = append([]StatusChange(nil), l.History...)
	if l.Failure != nil {
		f := *l.Failure
		c.Failure = &f
	}
	return c
}
